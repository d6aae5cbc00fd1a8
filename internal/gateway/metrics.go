package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidbz/kiln/internal/domain"
)

const defaultMetricsCapacity = 1000

// MetricsRecorder is the facade-owned metrics ring buffer. It is capped so
// long-lived processes cannot grow without bound: once full, the oldest
// entry is evicted first.
//
// It doubles as the router's StatsSource and, when an external sink is
// configured, forwards every record to it fire-and-forget so a slow sink
// can never block the request path.
type MetricsRecorder struct {
	mu       sync.Mutex
	buf      []domain.Metric
	next     int
	size     int
	capacity int
	sink     domain.MetricsSink
}

// NewMetricsRecorder creates a ring buffer with the given capacity.
// Non-positive capacities fall back to the 1000-entry default.
func NewMetricsRecorder(capacity int, sink domain.MetricsSink) *MetricsRecorder {
	if capacity <= 0 {
		capacity = defaultMetricsCapacity
	}
	return &MetricsRecorder{
		buf:      make([]domain.Metric, capacity),
		capacity: capacity,
		sink:     sink,
	}
}

// Record appends a metric, evicting the oldest entry when full.
func (r *MetricsRecorder) Record(ctx context.Context, m domain.Metric) {
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
	r.mu.Unlock()

	if r.sink != nil {
		go r.sink.Record(ctx, m)
	}
}

// Clear empties the buffer.
func (r *MetricsRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.size = 0
}

// Len returns the number of retained entries.
func (r *MetricsRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// snapshot copies the retained entries in insertion order, oldest first.
func (r *MetricsRecorder) snapshot() []domain.Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Metric, 0, r.size)
	start := 0
	if r.size == r.capacity {
		start = r.next
	}
	for i := range r.size {
		out = append(out, r.buf[(start+i)%r.capacity])
	}
	return out
}

// Entries returns the retained metrics, oldest first.
func (r *MetricsRecorder) Entries() []domain.Metric {
	return r.snapshot()
}

// Summary aggregates the buffer into latency percentiles, success rate,
// and total cost.
func (r *MetricsRecorder) Summary() domain.MetricsSummary {
	entries := r.snapshot()
	if len(entries) == 0 {
		return domain.MetricsSummary{}
	}

	latencies := make([]time.Duration, 0, len(entries))
	var totalLatency time.Duration
	var totalCost float64
	successes := 0

	for _, m := range entries {
		latencies = append(latencies, m.Latency)
		totalLatency += m.Latency
		totalCost += m.Cost
		if m.Success {
			successes++
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return domain.MetricsSummary{
		TotalRequests:  len(entries),
		SuccessRate:    float64(successes) / float64(len(entries)),
		AverageLatency: totalLatency / time.Duration(len(entries)),
		P95Latency:     percentile(latencies, 0.95),
		P99Latency:     percentile(latencies, 0.99),
		TotalCost:      totalCost,
	}
}

// ProviderStats scans the buffer for one provider's recent behavior,
// implementing domain.StatsSource for the router.
func (r *MetricsRecorder) ProviderStats(provider string) domain.ProviderStats {
	entries := r.snapshot()

	var totalLatency time.Duration
	samples := 0
	successes := 0

	for _, m := range entries {
		if m.Provider != provider {
			continue
		}
		samples++
		totalLatency += m.Latency
		if m.Success {
			successes++
		}
	}

	if samples == 0 {
		return domain.ProviderStats{}
	}

	return domain.ProviderStats{
		Samples:        samples,
		SuccessRate:    float64(successes) / float64(samples),
		AverageLatency: totalLatency / time.Duration(samples),
	}
}

// percentile returns the value at rank p of an ascending-sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
