package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/common/expfmt"
)

func TestCounter_NilSafe(t *testing.T) {
	var r *Registry
	c := r.Counter("x_total", "x")
	c.Inc()
	if c.Value() != 0 {
		t.Errorf("nil counter value: got %d, want 0", c.Value())
	}
	r.GaugeFunc("g", "g", func() float64 { return 1 })
}

func TestCounter_SameNameSameCounter(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("devproxy_requests_total", "requests")
	b := r.Counter("devproxy_requests_total", "requests")
	a.Inc()
	b.Inc()
	if a != b || a.Value() != 2 {
		t.Errorf("expected shared counter with value 2, got %d", a.Value())
	}
}

func TestWrite_RoundTripsThroughParser(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("devproxy_broadcasts_total", "Reload broadcasts sent.")
	c.Inc()
	c.Inc()
	c.Inc()
	r.GaugeFunc("devproxy_ws_clients", "Connected hot-reload clients.", func() float64 { return 4 })

	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := mfs["devproxy_broadcasts_total"].GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("broadcasts: got %v, want 3", got)
	}
	if got := mfs["devproxy_ws_clients"].GetMetric()[0].GetGauge().GetValue(); got != 4 {
		t.Errorf("ws_clients: got %v, want 4", got)
	}
}

func TestServeHTTP(t *testing.T) {
	r := NewRegistry()
	r.Counter("devproxy_requests_total", "requests").Inc()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__devproxy/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("devproxy_requests_total 1")) {
		t.Errorf("body missing counter line:\n%s", rec.Body.String())
	}
}
