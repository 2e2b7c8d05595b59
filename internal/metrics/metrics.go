// Package metrics is a small in-process metrics registry with Prometheus
// text and JSON exposition.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Labels distinguish series within a metric family.
type Labels map[string]string

// String renders l as a Prometheus label block with sorted keys, or ""
// when l is empty.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// with returns the label block with one extra pair appended, for
// histogram buckets.
func (l Labels) with(k, v string) string {
	s := l.String()
	pair := fmt.Sprintf("%s=%q", k, v)
	if s == "" {
		return "{" + pair + "}"
	}
	return s[:len(s)-1] + "," + pair + "}"
}

type Counter struct {
	v atomic.Uint64
}

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n uint64) { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }

type Gauge struct {
	v atomic.Int64
}

func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into fixed upper bounds.
type Histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // one per bound, plus +Inf
	sum    float64
	n      uint64
}

// DurationBuckets suit sub-second latencies, in seconds.
var DurationBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

func newHistogram(bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DurationBuckets
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b)+1)}
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.n++
	h.mu.Unlock()
}

// ObserveDuration observes d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// snapshot copies the state so it can be rendered without the lock.
func (h *Histogram) snapshot() (cumulative []uint64, sum float64, n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cumulative = make([]uint64, len(h.counts))
	var run uint64
	for i, c := range h.counts {
		run += c
		cumulative[i] = run
	}
	return cumulative, h.sum, h.n
}

type series struct {
	labels Labels
	metric interface{} // *Counter, *Gauge or *Histogram
}

// family is every series sharing one metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]*series
}

// Registry hands out metrics by name and label set. Asking twice for the
// same series returns the same metric.
type Registry struct {
	prefix string

	mu       sync.RWMutex
	families map[string]*family
}

// NewRegistry returns a registry that prefixes every metric name with
// namespace and an underscore. An empty namespace adds no prefix.
func NewRegistry(namespace string) *Registry {
	prefix := ""
	if namespace != "" {
		prefix = namespace + "_"
	}
	return &Registry{prefix: prefix, families: make(map[string]*family)}
}

// lookup finds or creates the series, building it with mk on first use.
// It panics if name is already registered as another kind.
func (r *Registry) lookup(name, help string, k kind, labels Labels, mk func() interface{}) interface{} {
	name = r.prefix + name
	id := labels.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]*series)}
		r.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[id]
	if !ok {
		s = &series{labels: labels, metric: mk()}
		f.series[id] = s
	}
	return s.metric
}

func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	return r.lookup(name, help, kindCounter, labels, func() interface{} { return new(Counter) }).(*Counter)
}

func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	return r.lookup(name, help, kindGauge, labels, func() interface{} { return new(Gauge) }).(*Gauge)
}

// Histogram returns the series for name and labels. buckets only apply
// when the series is created; nil means DurationBuckets.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return r.lookup(name, help, kindHistogram, labels, func() interface{} { return newHistogram(buckets) }).(*Histogram)
}

// each visits families and their series in name order.
func (r *Registry) each(fn func(f *family, s *series)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := r.families[name]
		ids := make([]string, 0, len(f.series))
		for id := range f.series {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fn(f, f.series[id])
		}
	}
}

// WritePrometheus writes the text exposition format, one HELP and TYPE
// header per family.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var last *family
	var err error
	printf := func(format string, args ...interface{}) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	r.each(func(f *family, s *series) {
		if f != last {
			printf("# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
			last = f
		}
		switch m := s.metric.(type) {
		case *Counter:
			printf("%s%s %d\n", f.name, s.labels, m.Value())
		case *Gauge:
			printf("%s%s %d\n", f.name, s.labels, m.Value())
		case *Histogram:
			cum, sum, n := m.snapshot()
			for i, bound := range m.bounds {
				printf("%s_bucket%s %d\n", f.name, s.labels.with("le", fmt.Sprintf("%g", bound)), cum[i])
			}
			printf("%s_bucket%s %d\n", f.name, s.labels.with("le", "+Inf"), cum[len(cum)-1])
			printf("%s_sum%s %f\n", f.name, s.labels, sum)
			printf("%s_count%s %d\n", f.name, s.labels, n)
		}
	})
	return err
}

// Snapshot maps each series, written as name plus label block, to its
// value. Histograms contribute _count and _sum entries.
func (r *Registry) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	r.each(func(f *family, s *series) {
		key := f.name + s.labels.String()
		switch m := s.metric.(type) {
		case *Counter:
			out[key] = m.Value()
		case *Gauge:
			out[key] = m.Value()
		case *Histogram:
			out[key+"_count"] = m.Count()
			out[key+"_sum"] = m.Sum()
		}
	})
	return out
}

func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// HTTPHandler serves Prometheus text, or JSON when the Accept header asks
// for it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
