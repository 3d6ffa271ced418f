// Package store keeps the most recent change per watched file for the
// status endpoint. It is diagnostic only: nothing here is ever replayed to
// hot-reload clients.
package store
