package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                      sync.RWMutex
	endpoint                map[string]*EndpointStat
	outcome                 map[string]int64
	reason                  map[string]int64
	gauges                  map[string]float64
	dispatchSelectorOutcome map[string]int64
	governanceAction        map[string]int64
	planState               map[string]int64
	streamEvents            int64
	dispatchLatency         DispatchLatencyStat
	Histograms              *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DispatchLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt             string                  `json:"generated_at"`
	Endpoints               map[string]EndpointStat `json:"endpoints"`
	Outcomes                map[string]int64        `json:"outcomes"`
	Reasons                 map[string]int64        `json:"reasons"`
	Gauges                  map[string]float64      `json:"gauges"`
	DispatchSelectorOutcome map[string]int64        `json:"dispatch_selector_outcome"`
	GovernanceTotals        map[string]int64        `json:"governance_totals"`
	PlanTotals              map[string]int64        `json:"plan_totals"`
	StreamEventsPublished   int64                   `json:"stream_events_published_total"`
	DispatchLatencyMS       DispatchLatencyStat     `json:"dispatch_latency_ms"`
	Histograms              []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:                map[string]*EndpointStat{},
		outcome:                 map[string]int64{},
		reason:                  map[string]int64{},
		gauges:                  map[string]float64{},
		dispatchSelectorOutcome: map[string]int64{},
		governanceAction:        map[string]int64{},
		planState:               map[string]int64{},
		Histograms:              NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncDispatch(selector, outcome string) {
	selector = strings.TrimSpace(selector)
	outcome = strings.TrimSpace(outcome)
	if selector == "" {
		return
	}
	if outcome == "" {
		outcome = "UNKNOWN"
	}
	key := selector + "|" + outcome
	r.mu.Lock()
	r.dispatchSelectorOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveDispatchLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLatency.Count++
	r.dispatchLatency.TotalMS += ms
	r.dispatchLatency.LastMS = ms
	if ms > r.dispatchLatency.MaxMS {
		r.dispatchLatency.MaxMS = ms
	}
	r.dispatchLatency.AvgMS = float64(r.dispatchLatency.TotalMS) / float64(r.dispatchLatency.Count)
}

func (r *Registry) IncGovernance(action string) {
	action = strings.TrimSpace(strings.ToUpper(action))
	if action == "" {
		return
	}
	r.mu.Lock()
	r.governanceAction[action]++
	r.mu.Unlock()
}

func (r *Registry) AddPlanState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.planState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncPlanState(state string) {
	r.AddPlanState(state, 1)
}

func (r *Registry) IncStreamEvents() {
	r.mu.Lock()
	r.streamEvents++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:             time.Now().UTC().Format(time.RFC3339),
		Endpoints:               make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:                make(map[string]int64, len(r.outcome)),
		Reasons:                 make(map[string]int64, len(r.reason)),
		Gauges:                  make(map[string]float64, len(r.gauges)),
		DispatchSelectorOutcome: make(map[string]int64, len(r.dispatchSelectorOutcome)),
		GovernanceTotals:        make(map[string]int64, len(r.governanceAction)),
		PlanTotals:              make(map[string]int64, len(r.planState)),
		StreamEventsPublished:   r.streamEvents,
		DispatchLatencyMS: DispatchLatencyStat{
			Count:   r.dispatchLatency.Count,
			TotalMS: r.dispatchLatency.TotalMS,
			MaxMS:   r.dispatchLatency.MaxMS,
			LastMS:  r.dispatchLatency.LastMS,
			AvgMS:   r.dispatchLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.dispatchSelectorOutcome {
		out.DispatchSelectorOutcome[k] = v
	}
	for k, v := range r.governanceAction {
		out.GovernanceTotals[k] = v
	}
	for k, v := range r.planState {
		out.PlanTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP dispatcher_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE dispatcher_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "dispatcher_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP dispatcher_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE dispatcher_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "dispatcher_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP dispatcher_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE dispatcher_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "dispatcher_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP dispatcher_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE dispatcher_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "dispatcher_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP dispatcher_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE dispatcher_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "dispatcher_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP dispatcher_outcome_total total dispatches by outcome\n")
		b.WriteString("# TYPE dispatcher_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "dispatcher_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP dispatcher_reason_total total rejections by reason code\n")
		b.WriteString("# TYPE dispatcher_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "dispatcher_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP dispatcher_gauge operational gauge metrics\n")
		b.WriteString("# TYPE dispatcher_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "dispatcher_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP dispatcher_latency_seconds latency histogram\n")
			b.WriteString("# TYPE dispatcher_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "dispatcher_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "dispatcher_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "dispatcher_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "dispatcher_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "dispatcher_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "dispatcher_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "dispatcher_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP dispatch_selector_total dispatch counter by selector and outcome\n")
		b.WriteString("# TYPE dispatch_selector_total counter\n")
		for _, key := range SortedKeys(snap.DispatchSelectorOutcome) {
			parts := strings.SplitN(key, "|", 2)
			selector := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "dispatch_selector_total{selector=%q,outcome=%q} %d\n", selector, outcome, snap.DispatchSelectorOutcome[key])
		}

		b.WriteString("# HELP dispatch_latency_ms dispatch engine latency in ms\n")
		b.WriteString("# TYPE dispatch_latency_ms gauge\n")
		fmt.Fprintf(b, "dispatch_latency_ms{stat=%q} %d\n", "last", snap.DispatchLatencyMS.LastMS)
		fmt.Fprintf(b, "dispatch_latency_ms{stat=%q} %.3f\n", "avg", snap.DispatchLatencyMS.AvgMS)
		fmt.Fprintf(b, "dispatch_latency_ms{stat=%q} %d\n", "max", snap.DispatchLatencyMS.MaxMS)

		b.WriteString("# HELP governance_action_total governance mutations by action\n")
		b.WriteString("# TYPE governance_action_total counter\n")
		for _, action := range SortedKeys(snap.GovernanceTotals) {
			fmt.Fprintf(b, "governance_action_total{action=%q} %d\n", action, snap.GovernanceTotals[action])
		}

		b.WriteString("# HELP plan_state_total orchestration plan transitions by state\n")
		b.WriteString("# TYPE plan_state_total counter\n")
		for _, state := range SortedKeys(snap.PlanTotals) {
			fmt.Fprintf(b, "plan_state_total{state=%q} %d\n", state, snap.PlanTotals[state])
		}

		b.WriteString("# HELP stream_events_published_total hub events forwarded to subscribers\n")
		b.WriteString("# TYPE stream_events_published_total counter\n")
		fmt.Fprintf(b, "stream_events_published_total %d\n", snap.StreamEventsPublished)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
