// Package clientagent renders the hot-reload bootstrap appended to served
// override scripts.
//
// The script connects to the broadcast hub and moves through the states
// DISCONNECTED → CONNECTING → CONNECTED → DISCONNECTED, redialling after a
// fixed delay with no backoff and no retry limit. On a reload message for a
// stylesheet it clones the matching <link> with a cache-busting query,
// inserts the clone after the original and removes the original once the
// clone has loaded. For scripts it only shows a notice asking for a manual
// refresh; scripts are never re-executed in place.
package clientagent
