package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/grid4/portal-devproxy/server/internal/metrics"
	"github.com/grid4/portal-devproxy/server/internal/rewrite"
)

// MarkerHeader is added to every request forwarded upstream.
const MarkerHeader = "X-Dev-Proxy"

// DefaultMaxRewriteBytes is used when no cap is configured.
const DefaultMaxRewriteBytes = 16 << 20

// LocalHandler answers the requests it matches instead of the upstream.
type LocalHandler interface {
	http.Handler
	Match(r *http.Request) bool
}

// Proxy routes requests to the local handler or the upstream portal.
type Proxy struct {
	target     *url.URL
	rp         *httputil.ReverseProxy
	local      LocalHandler
	rules      []rewrite.Rule
	maxRewrite int64
	timeout    time.Duration
	transport  http.RoundTripper

	forwarded   *metrics.Counter
	upstreamErr *metrics.Counter
	rewritten   *metrics.Counter
	oversized   *metrics.Counter
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLocal short-circuits matching requests to h.
func WithLocal(h LocalHandler) Option {
	return func(p *Proxy) { p.local = h }
}

// WithRules sets the HTML rewrite rules.
func WithRules(rules []rewrite.Rule) Option {
	return func(p *Proxy) { p.rules = rules }
}

// WithMaxRewriteBytes caps the HTML buffer. Non-positive values are ignored.
func WithMaxRewriteBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxRewrite = n
		}
	}
}

// WithUpstreamTimeout bounds the wait for upstream response headers. Zero
// means no bound. Ignored when WithTransport is also given.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.timeout = d }
}

// WithTransport replaces the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.transport = rt }
}

// WithMetrics registers the proxy counters in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Proxy) {
		p.forwarded = reg.Counter("devproxy_upstream_requests_total", "Requests forwarded to the upstream portal.")
		p.upstreamErr = reg.Counter("devproxy_upstream_errors_total", "Forwarded requests answered with 502.")
		p.rewritten = reg.Counter("devproxy_html_rewrites_total", "HTML responses rewritten.")
		p.oversized = reg.Counter("devproxy_html_passthrough_total", "HTML responses streamed unmodified (too large or unsupported encoding).")
	}
}

// New creates a Proxy for target.
func New(target *url.URL, opts ...Option) *Proxy {
	p := &Proxy{
		target:     target,
		maxRewrite: DefaultMaxRewriteBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = p.timeout
		p.transport = t
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite:        p.rewriteRequest,
		Transport:      p.transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.local != nil && p.local.Match(r) {
		p.local.ServeHTTP(w, r)
		return
	}
	p.forwarded.Inc()
	p.rp.ServeHTTP(w, r)
}

// rewriteRequest points the outbound request at the upstream. SetURL clears
// Out.Host, so the Host header becomes the upstream host.
func (p *Proxy) rewriteRequest(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.Out.Header.Set(MarkerHeader, "1")
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	slog.Debug("proxy: upstream response",
		"method", resp.Request.Method, "path", resp.Request.URL.Path, "status", resp.StatusCode)

	if !rewrite.IsHTML(resp.Header.Get("Content-Type")) {
		return nil
	}
	// The body length changes after rewriting.
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1

	path := resp.Request.URL.Path
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var body io.Reader = resp.Body
	switch enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("proxy: decode gzip html: %w", err)
		}
		body = gz
		resp.Header.Del("Content-Encoding")
	default:
		p.oversized.Inc()
		slog.Warn("proxy: html not rewritten, unsupported encoding", "path", path, "encoding", enc)
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, p.maxRewrite+1))
	if err != nil {
		return fmt.Errorf("proxy: read html body: %w", err)
	}
	if int64(len(buf)) > p.maxRewrite {
		p.oversized.Inc()
		slog.Warn("proxy: html exceeds rewrite cap, streaming unmodified", "path", path, "cap", p.maxRewrite)
		resp.Body = &readCloser{Reader: io.MultiReader(bytes.NewReader(buf), body), Closer: resp.Body}
		return nil
	}
	resp.Body.Close()

	out := rewrite.HTML(buf, p.rules)
	resp.Body = io.NopCloser(bytes.NewReader(out))
	p.rewritten.Inc()
	slog.Debug("proxy: html rewritten", "path", path, "in", len(buf), "out", len(out))
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		// Client disconnected; nothing to do.
		return
	}
	p.upstreamErr.Inc()
	slog.Error("proxy: upstream request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	http.Error(w, fmt.Sprintf("devproxy: upstream %s unavailable: %v", p.target.Host, err), http.StatusBadGateway)
}

type readCloser struct {
	io.Reader
	io.Closer
}
