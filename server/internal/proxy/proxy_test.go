package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grid4/portal-devproxy/server/internal/metrics"
	"github.com/grid4/portal-devproxy/server/internal/rewrite"
)

const cdnCSS = "https://cdn.example.net/skin/grid4-netsapiens.css"

var rules = []rewrite.Rule{
	{From: cdnCSS, To: "http://localhost:3000/grid4-netsapiens.css"},
}

const page = `<html><head><link rel="stylesheet" href="` + cdnCSS + `"></head><body>hi</body></html>`

const rewritten = `<html><head><link rel="stylesheet" href="http://localhost:3000/grid4-netsapiens.css"></head><body>hi</body></html>`

// fakeLocal matches a single path and records whether it was used.
type fakeLocal struct {
	path   string
	served atomic.Int32
}

func (f *fakeLocal) Match(r *http.Request) bool { return r.URL.Path == f.path }

func (f *fakeLocal) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.served.Add(1)
	w.Header().Set("Content-Type", "text/css")
	_, _ = io.WriteString(w, "local")
}

func newProxy(t *testing.T, upstream http.Handler, opts ...Option) (*httptest.Server, *httptest.Server) {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	target, err := url.Parse(up.URL)
	require.NoError(t, err)
	front := httptest.NewServer(New(target, opts...))
	t.Cleanup(front.Close)
	return front, up
}

func TestForward_RequestUnchanged(t *testing.T) {
	type seen struct {
		method, path, query, body, test, marker, host string
	}
	got := make(chan seen, 1)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Get("X-Test"), r.Header.Get(MarkerHeader), r.Host}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "11")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	front, up := newProxy(t, upstream, WithRules(rules))

	req, err := http.NewRequest(http.MethodPost, front.URL+"/api/widgets?x=1&y=two", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Header.Set("X-Test", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	s := <-got
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/api/widgets", s.path)
	assert.Equal(t, "x=1&y=two", s.query)
	assert.Equal(t, `{"a":1}`, s.body)
	assert.Equal(t, "1", s.test)
	assert.Equal(t, "1", s.marker)
	assert.Equal(t, strings.TrimPrefix(up.URL, "http://"), s.host)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, int64(11), resp.ContentLength)
}

func TestForward_BinaryByteIdentical(t *testing.T) {
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	// Contains a rule source; must not be touched outside HTML.
	payload = append(payload, []byte(cdnCSS)...)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	})
	front, _ := newProxy(t, upstream, WithRules(rules))

	resp, err := http.Get(front.URL + "/blob.bin")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, body), "binary body changed in transit")
}

func TestForward_StatusAndHeadersPassThrough(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Portal", "v44")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	})
	front, _ := newProxy(t, upstream)

	resp, err := http.Get(front.URL + "/teapot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "v44", resp.Header.Get("X-Portal"))
}

func TestHTML_RewrittenAcrossChunks(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		half := len(page) / 2
		_, _ = io.WriteString(w, page[:half])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, page[half:])
	})
	reg := metrics.NewRegistry()
	front, _ := newProxy(t, upstream, WithRules(rules), WithMetrics(reg))

	resp, err := http.Get(front.URL + "/portal/home")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, rewritten, string(body))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, uint64(1), reg.Counter("devproxy_html_rewrites_total", "").Value())
}

func TestHTML_ContentLengthDropped(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		_, _ = io.WriteString(w, page)
	})
	front, _ := newProxy(t, upstream, WithRules(rules))

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, rewritten, string(body))
	assert.Equal(t, int64(-1), resp.ContentLength)
}

func TestHTML_GzipDecoded(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = io.WriteString(zw, page)
	require.NoError(t, zw.Close())

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz.Bytes())
	})
	front, _ := newProxy(t, upstream, WithRules(rules))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)
	// Set explicitly so the client transport does not decode on our behalf.
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, rewritten, string(body))
}

func TestHTML_OversizedStreamsUnmodified(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	})
	reg := metrics.NewRegistry()
	front, _ := newProxy(t, upstream, WithRules(rules), WithMaxRewriteBytes(32), WithMetrics(reg))

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, page, string(body))
	assert.Equal(t, uint64(1), reg.Counter("devproxy_html_passthrough_total", "").Value())
	assert.Zero(t, reg.Counter("devproxy_html_rewrites_total", "").Value())
}

func TestHTML_UnsupportedEncodingPassesThrough(t *testing.T) {
	raw := []byte("\x1b\x00pretend-brotli")
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(raw)
	})
	front, _ := newProxy(t, upstream, WithRules(rules))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, raw, body)
}

func TestLocal_ShortCircuits(t *testing.T) {
	var hits atomic.Int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	local := &fakeLocal{path: "/grid4-netsapiens.css"}
	front, _ := newProxy(t, upstream, WithLocal(local))

	resp, err := http.Get(front.URL + "/grid4-netsapiens.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "local", string(body))
	assert.Equal(t, int32(1), local.served.Load())
	assert.Zero(t, hits.Load())

	resp, err = http.Get(front.URL + "/other.css")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), hits.Load())
}

func TestUpstream_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target, err := url.Parse(dead.URL)
	require.NoError(t, err)
	dead.Close()

	reg := metrics.NewRegistry()
	front := httptest.NewServer(New(target, WithMetrics(reg)))
	defer front.Close()

	resp, err := http.Get(front.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "unavailable")
	assert.Equal(t, uint64(1), reg.Counter("devproxy_upstream_errors_total", "").Value())
}

func TestUpstream_Timeout(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	front, _ := newProxy(t, upstream, WithUpstreamTimeout(50*time.Millisecond))

	start := time.Now()
	resp, err := http.Get(front.URL + "/slow")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}
