// Package types defines the shared types that flow from the file watcher to
// the broadcast hub and out to browser clients.
//
// WatchEvent is the in-process record of one filesystem change. ReloadMessage
// is its JSON wire form:
//
//	{"type":"reload","file":"grid4-netsapiens.css","timestamp":1718000000000}
package types
