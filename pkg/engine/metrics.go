package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives counters and timings from the engine. Implement it
// to bridge whatever metrics backend the host application runs.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder is a placeholder that does nothing. It ensures the hot
// path never checks for a nil recorder.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(string, float64, map[string]string)     {}
func (NoOpMetricsRecorder) Observe(string, float64, map[string]string) {}

// PrometheusRecorder adapts the recorder interface to prometheus collectors.
// Families are created lazily per metric name; a given name must always be
// reported with the same tag keys.
type PrometheusRecorder struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
}

func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusRecorder{
		reg:      reg,
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	keys, values := splitTags(tags)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name),
			Help: "ingress-shield counter " + name,
		}, keys)
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	vec.WithLabelValues(values...).Add(value)
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	keys, values := splitTags(tags)

	p.mu.Lock()
	vec, ok := p.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name),
			Help:    "ingress-shield timing " + name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		p.reg.MustRegister(vec)
		p.hists[name] = vec
	}
	p.mu.Unlock()

	vec.WithLabelValues(values...).Observe(value)
}

func promName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func splitTags(tags map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return keys, values
}

var (
	_ MetricsRecorder = NoOpMetricsRecorder{}
	_ MetricsRecorder = (*PrometheusRecorder)(nil)
)
