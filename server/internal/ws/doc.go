// Package ws implements the hot-reload broadcast hub.
//
// Hub keeps the set of connected browser tabs and fans out file changes to
// them. It listens on its own port, separate from the proxy.
//
// New(opts...) creates a Hub.
// Hub.Run(ctx, events) broadcasts each WatchEvent in the order received and
// blocks until ctx is cancelled, then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket and registers the
// client. Nothing is sent on connect; a client only sees changes broadcast
// after it registered.
//
// Message format sent to clients:
//
//	{"type": "reload", "file": "grid4-netsapiens.css", "timestamp": 1718000000000}
//
// Delivery is at most once per client. A client whose send buffer is full or
// whose write fails is dropped without retry; other clients are unaffected.
// The upgrader accepts all origins and the endpoint is unauthenticated.
package ws
