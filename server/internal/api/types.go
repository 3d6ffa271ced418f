package api

import "github.com/grid4/portal-devproxy/server/internal/rewrite"

// HealthResponse is the payload for GET /__devproxy/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the payload for GET /__devproxy/status.
type StatusResponse struct {
	Target      string             `json:"target"`
	HTTPPort    int                `json:"http_port"`
	WSPort      int                `json:"ws_port"`
	RootDir     string             `json:"root_dir"`
	Overrides   []OverrideResponse `json:"overrides"`
	Watch       []string           `json:"watch"`
	Rules       []rewrite.Rule     `json:"rules"`
	Clients     int                `json:"clients"`
	Changes     []ChangeResponse   `json:"changes"`
	Tracked     int                `json:"changes_tracked"` // entries held, including expired ones not yet evicted
	Diagnostics []DiagnosticHint   `json:"diagnostics"`
	GeneratedAt string             `json:"generated_at"` // RFC3339
}

// OverrideResponse describes one locally served file.
type OverrideResponse struct {
	File        string `json:"file"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Exists      bool   `json:"exists"`
	Size        int64  `json:"size"`
	ModTime     string `json:"mod_time,omitempty"` // RFC3339
}

// ChangeResponse is one entry in GET /__devproxy/changes.
type ChangeResponse struct {
	File      string `json:"file"`
	Timestamp int64  `json:"timestamp"` // epoch ms, as sent to clients
	Changes   int    `json:"changes"`
	Delivered int    `json:"delivered"`
	LastSeen  string `json:"last_seen"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
