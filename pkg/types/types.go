package types

import "time"

// MessageTypeReload is the only message type the hub ever sends.
const MessageTypeReload = "reload"

// WatchEvent is produced by the watcher for each change to a watched path and
// consumed once by the hub.
type WatchEvent struct {
	// FilePath is slash-separated and relative to the watch root.
	FilePath string

	// Timestamp is the time the change was observed, in Unix milliseconds.
	Timestamp int64
}

// NewWatchEvent stamps path with t.
func NewWatchEvent(path string, t time.Time) WatchEvent {
	return WatchEvent{FilePath: path, Timestamp: t.UnixMilli()}
}

// ReloadMessage is the JSON envelope pushed to every connected client.
type ReloadMessage struct {
	Type      string `json:"type"`
	File      string `json:"file"`
	Timestamp int64  `json:"timestamp"`
}

// Reload builds the wire message for ev.
func (ev WatchEvent) Reload() ReloadMessage {
	return ReloadMessage{
		Type:      MessageTypeReload,
		File:      ev.FilePath,
		Timestamp: ev.Timestamp,
	}
}
