package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grid4/portal-devproxy/server/internal/config"
	"github.com/grid4/portal-devproxy/server/internal/store"
)

// Prefix is the path namespace reserved for the proxy's own endpoints.
const Prefix = "/__devproxy/"

// ClientCounter reports how many hot-reload clients are connected.
type ClientCounter interface {
	Count() int
}

// Handler is the HTTP handler for all /__devproxy/* endpoints.
type Handler struct {
	cfg     *config.Config
	clients ClientCounter
	store   *store.Store
	mux     *http.ServeMux
	now     func() time.Time
}

// New creates a Handler and registers all routes. clients may be nil.
func New(cfg *config.Config, clients ClientCounter, st *store.Store) http.Handler {
	h := &Handler{cfg: cfg, clients: clients, store: st, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc(Prefix+"health", h.health)
	h.mux.HandleFunc(Prefix+"status", h.status)
	h.mux.HandleFunc(Prefix+"changes", h.listChanges)
	h.mux.HandleFunc(Prefix+"changes/", h.getChange) // subtree, extracts {file}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// status returns GET /__devproxy/status: the resolved configuration plus
// live state.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	overrides := make([]OverrideResponse, 0, len(h.cfg.Overrides))
	for _, o := range h.cfg.Overrides {
		overrides = append(overrides, h.describeOverride(o))
	}
	changes := h.changes()
	clients := h.clientCount()

	jsonResp(w, http.StatusOK, StatusResponse{
		Target:      h.cfg.Target().String(),
		HTTPPort:    h.cfg.HTTPPort,
		WSPort:      h.cfg.EffectiveWSPort(),
		RootDir:     h.cfg.RootDir,
		Overrides:   overrides,
		Watch:       h.cfg.WatchPatterns(),
		Rules:       h.cfg.Rules(),
		Clients:     clients,
		Changes:     changes,
		Tracked:     h.store.Count(),
		Diagnostics: computeDiagnostics(overrides, changes, clients),
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	})
}

// listChanges returns GET /__devproxy/changes.
func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.changes())
}

// getChange returns GET /__devproxy/changes/{file}.
func (h *Handler) getChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	file := strings.TrimPrefix(r.URL.Path, Prefix+"changes/")
	if file == "" {
		h.listChanges(w, r)
		return
	}

	e, ok := h.store.Get(file)
	if !ok {
		jsonErr(w, http.StatusNotFound, "no change recorded for "+file)
		return
	}
	// Expired entries awaiting eviction are treated as unknown.
	if h.now().Sub(e.UpdatedAt) > h.store.TTL() {
		jsonErr(w, http.StatusNotFound, "no change recorded for "+file)
		return
	}
	jsonResp(w, http.StatusOK, toChangeResponse(e))
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func (h *Handler) clientCount() int {
	if h.clients == nil {
		return 0
	}
	return h.clients.Count()
}

func (h *Handler) changes() []ChangeResponse {
	entries := h.store.List()
	out := make([]ChangeResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toChangeResponse(e))
	}
	return out
}

// describeOverride stats the override on disk. A stat failure is reported as
// Exists=false rather than an error; the static server logs the 404.
func (h *Handler) describeOverride(o config.Override) OverrideResponse {
	resp := OverrideResponse{
		File:        o.File,
		URL:         h.cfg.LocalURL(o.URLPath()),
		ContentType: o.ContentType,
	}
	fi, err := os.Stat(filepath.Join(h.cfg.RootDir, filepath.FromSlash(o.File)))
	if err != nil || fi.IsDir() {
		return resp
	}
	resp.Exists = true
	resp.Size = fi.Size()
	resp.ModTime = fi.ModTime().UTC().Format(time.RFC3339)
	return resp
}

// toChangeResponse maps a store.Entry to its JSON representation.
func toChangeResponse(e store.Entry) ChangeResponse {
	return ChangeResponse{
		File:      e.Event.FilePath,
		Timestamp: e.Event.Timestamp,
		Changes:   e.Changes,
		Delivered: e.Delivered,
		LastSeen:  e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
