package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Counter is a monotonically increasing value.
type Counter struct {
	v atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.v.Add(1)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	if c == nil {
		return 0
	}
	return c.v.Load()
}

type entry struct {
	help    string
	counter *Counter
	gauge   func() float64
}

// Registry holds every metric exposed on the metrics endpoint.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Counter returns the counter registered under name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok && e.counter != nil {
		return e.counter
	}
	c := &Counter{}
	r.entries[name] = &entry{help: help, counter: c}
	return c
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{help: help, gauge: fn}
}

// Families returns a snapshot of every metric, sorted by name.
func (r *Registry) Families() []*dto.MetricFamily {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	entries := make(map[string]*entry, len(r.entries))
	for k, v := range r.entries {
		entries[k] = v
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		e := entries[name]
		mf := &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(e.help),
		}
		if e.counter != nil {
			mf.Type = dto.MetricType_COUNTER.Enum()
			mf.Metric = []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(e.counter.Value()))},
			}}
		} else {
			mf.Type = dto.MetricType_GAUGE.Enum()
			mf.Metric = []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(e.gauge())},
			}}
		}
		out = append(out, mf)
	}
	return out
}

// Write renders every metric to w in the text exposition format.
func (r *Registry) Write(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range r.Families() {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ServeHTTP serves the text exposition.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err := r.Write(w); err != nil {
		slog.Warn("metrics: write failed", "err", err)
	}
}
