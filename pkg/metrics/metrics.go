// Package metrics implements the process-wide metrics collector: a
// singleton guarded behind an interface (per the teacher's design note
// on keeping the singleton but making it substitutable in tests).
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// maxHistogramSamples bounds the in-memory sample window per
// histogram name, capping memory regardless of traffic volume.
const maxHistogramSamples = 1000

// Collector records counters, gauges, and histogram samples into
// Prometheus vectors (exposed by whatever registry New was given) and
// into a JSON-serializable Snapshot.
type Collector interface {
	IncCounter(name string, labels map[string]string)
	AddCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, value float64)
	Snapshot() Snapshot
}

// Snapshot is the JSON-serializable view of the collector's state.
type Snapshot struct {
	Counters   map[string]float64              `json:"counters"`
	Gauges     map[string]float64              `json:"gauges"`
	Histograms map[string]HistogramPercentiles `json:"histograms"`
}

// HistogramPercentiles holds bounded-window percentile estimates.
type HistogramPercentiles struct {
	Count int64   `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type collector struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64

	promCounters   *prometheus.CounterVec
	promGauges     *prometheus.GaugeVec
	promHistograms *prometheus.HistogramVec
}

// New constructs the process-wide collector and registers its
// Prometheus vectors. Callers typically construct exactly one and
// pass it by reference wherever a component needs to emit metrics.
func New(registry prometheus.Registerer) Collector {
	c := &collector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
		promCounters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrafix_events_total",
			Help: "Count of TerraFix pipeline events by name and label set.",
		}, []string{"name", "label"}),
		promGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "terrafix_gauge",
			Help: "Last-write-wins gauge values by name and label set.",
		}, []string{"name", "label"}),
		promHistograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "terrafix_stage_duration_seconds",
			Help:    "Stage timing histograms by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
	if registry != nil {
		registry.MustRegister(c.promCounters, c.promGauges, c.promHistograms)
	}
	return c
}

func labelKey(name string, labels map[string]string) (string, string) {
	if len(labels) == 0 {
		return name, ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	label := ""
	for _, k := range keys {
		label += k + "=" + labels[k] + ","
	}
	return name + "{" + label + "}", label
}

func (c *collector) IncCounter(name string, labels map[string]string) {
	c.AddCounter(name, labels, 1)
}

func (c *collector) AddCounter(name string, labels map[string]string, delta float64) {
	key, label := labelKey(name, labels)
	c.mu.Lock()
	c.counters[key] += delta
	c.mu.Unlock()
	c.promCounters.WithLabelValues(name, label).Add(delta)
}

func (c *collector) SetGauge(name string, labels map[string]string, value float64) {
	key, label := labelKey(name, labels)
	c.mu.Lock()
	c.gauges[key] = value
	c.mu.Unlock()
	c.promGauges.WithLabelValues(name, label).Set(value)
}

func (c *collector) ObserveHistogram(name string, value float64) {
	c.mu.Lock()
	samples := c.histograms[name]
	samples = append(samples, value)
	if len(samples) > maxHistogramSamples {
		samples = samples[len(samples)-maxHistogramSamples:]
	}
	c.histograms[name] = samples
	c.mu.Unlock()
	c.promHistograms.WithLabelValues(name).Observe(value)
}

func (c *collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters:   make(map[string]float64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Histograms: make(map[string]HistogramPercentiles, len(c.histograms)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	for name, samples := range c.histograms {
		snap.Histograms[name] = percentiles(samples)
	}
	return snap
}

func percentiles(samples []float64) HistogramPercentiles {
	if len(samples) == 0 {
		return HistogramPercentiles{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	pick := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return HistogramPercentiles{
		Count: int64(len(sorted)),
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
	}
}

// StageTimer records elapsed time against a stage histogram when
// stopped. Used as: defer metrics.StageTimer(c, "clone")().
func StageTimer(c Collector, stage string) func() {
	start := time.Now()
	return func() {
		c.ObserveHistogram(stage, time.Since(start).Seconds())
	}
}
