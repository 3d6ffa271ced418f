package static

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grid4/portal-devproxy/server/internal/config"
	"github.com/grid4/portal-devproxy/server/internal/metrics"
)

// CacheControl is sent with every locally served file.
const CacheControl = "no-cache, no-store, must-revalidate"

// contentTypes pins the types browsers expect for override assets. Other
// extensions fall back to the mime package.
var contentTypes = map[string]string{
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".map":  "application/json",
	".html": "text/html",
}

// Bootstrapper supplies the script appended to served JavaScript.
type Bootstrapper interface {
	Script() []byte
}

// Server serves override files from root.
type Server struct {
	root  string
	files map[string]config.Override // keyed by URL path
	boot  Bootstrapper
	now   func() time.Time

	served  *metrics.Counter
	missing *metrics.Counter
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts served and missing files in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) {
		s.served = reg.Counter("devproxy_overrides_served_total", "Override files served from disk.")
		s.missing = reg.Counter("devproxy_overrides_missing_total", "Override requests answered with 404.")
	}
}

// New creates a Server for overrides below root. boot may be nil, in which
// case scripts are served with the banner only.
func New(root string, overrides []config.Override, boot Bootstrapper, opts ...Option) *Server {
	s := &Server{
		root:  root,
		files: make(map[string]config.Override, len(overrides)),
		boot:  boot,
		now:   time.Now,
	}
	for _, o := range overrides {
		s.files[o.URLPath()] = o
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Match reports whether r should be answered from disk: a GET or HEAD for a
// configured override path. Other methods on the same path go upstream.
func (s *Server) Match(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	_, ok := s.files[r.URL.Path]
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	file := filepath.Join(s.root, filepath.FromSlash(o.File))
	data, err := os.ReadFile(file)
	if err != nil {
		s.fail(w, o, file, err)
		return
	}

	ext := strings.ToLower(path.Ext(o.File))
	body := s.decorate(data, o, ext)

	h := w.Header()
	h.Set("Content-Type", contentType(o, ext))
	h.Set("Cache-Control", CacheControl)
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(body) //nolint:errcheck
	}

	s.served.Inc()
	slog.Debug("static: served override", "file", o.File, "bytes", len(data))
}

func (s *Server) fail(w http.ResponseWriter, o config.Override, file string, err error) {
	w.Header().Set("Cache-Control", CacheControl)
	if errors.Is(err, fs.ErrNotExist) {
		s.missing.Inc()
		slog.Warn("static: override file missing", "file", o.File, "path", file)
		http.Error(w, fmt.Sprintf("devproxy: override %s not found on disk at %s; not falling back to the upstream copy", o.File, file), http.StatusNotFound)
		return
	}
	slog.Error("static: read override", "file", o.File, "err", err)
	http.Error(w, fmt.Sprintf("devproxy: cannot read override %s: %v", o.File, err), http.StatusInternalServerError)
}

// decorate appends the dev banner, and for scripts the client agent.
func (s *Server) decorate(data []byte, o config.Override, ext string) []byte {
	switch ext {
	case ".css":
		return append(data, Banner(o.File, s.now())...)
	case ".js", ".mjs":
		out := append(data, Banner(o.File, s.now())...)
		if s.boot != nil {
			out = append(out, s.boot.Script()...)
		}
		return out
	default:
		return data
	}
}

// Banner is the comment block appended to served stylesheets and scripts.
// It is valid in both CSS and JavaScript.
func Banner(file string, at time.Time) string {
	return fmt.Sprintf("\n\n/* ==== devproxy: %s served from local disk at %s (no-cache) ==== */\n",
		strings.ReplaceAll(file, "*/", "* /"), at.Format(time.RFC3339))
}

func contentType(o config.Override, ext string) string {
	if o.ContentType != "" {
		return o.ContentType
	}
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
