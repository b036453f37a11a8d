package metrics

import (
	"sort"
	"sync"
	"time"
)

// dispatchBounds covers the latency range seen on the dispatch path, from a
// warm in-memory route hit up to a slow handler behind a cold content store.
var dispatchBounds = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// HistogramBucket is one cumulative latency bucket in a snapshot.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram accumulates latency observations into cumulative buckets.
// Observations above the last bound only contribute to Sum and Count.
type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	counts []int64
	sum    float64
	count  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{
		name:   name,
		bounds: dispatchBounds,
		counts: make([]int64, len(dispatchBounds)),
	}
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	idx := sort.SearchFloat64s(h.bounds, sec)
	for i := idx; i < len(h.counts); i++ {
		h.counts[i]++
	}
	h.mu.Unlock()
}

// Percentile estimates the given quantile (0.0-1.0) as the upper bound of the
// first bucket covering it. Returns 0 when nothing has been observed.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quantileLocked(p)
}

func (h *Histogram) quantileLocked(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := int64(p * float64(h.count))
	if target < 1 {
		target = 1
	}
	for i, c := range h.counts {
		if c >= target {
			return h.bounds[i]
		}
	}
	return h.bounds[len(h.bounds)-1]
}

// HistogramSnapshot is a consistent copy of one histogram, with quantiles
// precomputed for exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.bounds))
	for i, le := range h.bounds {
		buckets[i] = HistogramBucket{Le: le, Count: h.counts[i]}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     h.quantileLocked(0.50),
		P95:     h.quantileLocked(0.95),
		P99:     h.quantileLocked(0.99),
	}
}

// HistogramRegistry holds one histogram per endpoint label.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the named histogram, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram's snapshot, sorted by name so exposition
// output is stable across scrapes.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
