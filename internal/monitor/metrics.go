// Package monitor tracks runtime metrics of the execution boundary.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	// Latency histograms
	PollLatency   *LatencyHistogram
	AckLatency    *LatencyHistogram
	BrokerLatency *LatencyHistogram
	APILatency    *LatencyHistogram

	// Counters
	apiRequests      uint64
	apiErrors        uint64
	pollsServed      uint64
	acksProcessed    uint64
	authFailures     uint64
	replaysBlocked   uint64
	divergencesFound uint64
	guardTrips       uint64
	positionsClosed  uint64
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		PollLatency:   NewLatencyHistogram(1000),
		AckLatency:    NewLatencyHistogram(1000),
		BrokerLatency: NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementAPI increments the HTTP requests counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the HTTP error-responses counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementPolls increments the served-polls counter.
func (m *SystemMetrics) IncrementPolls() {
	atomic.AddUint64(&m.pollsServed, 1)
}

// IncrementAcks increments the processed-acks counter.
func (m *SystemMetrics) IncrementAcks() {
	atomic.AddUint64(&m.acksProcessed, 1)
}

// IncrementAuthFailures increments the rejected-authentications counter.
func (m *SystemMetrics) IncrementAuthFailures() {
	atomic.AddUint64(&m.authFailures, 1)
}

// IncrementReplaysBlocked increments the blocked-replays counter.
func (m *SystemMetrics) IncrementReplaysBlocked() {
	atomic.AddUint64(&m.replaysBlocked, 1)
}

// IncrementDivergences increments the reconciliation-divergences counter.
func (m *SystemMetrics) IncrementDivergences() {
	atomic.AddUint64(&m.divergencesFound, 1)
}

// IncrementGuardTrips increments the guard-trips counter.
func (m *SystemMetrics) IncrementGuardTrips() {
	atomic.AddUint64(&m.guardTrips, 1)
}

// IncrementClosed increments the closed-positions counter.
func (m *SystemMetrics) IncrementClosed() {
	atomic.AddUint64(&m.positionsClosed, 1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	PollLatency      LatencyStats `json:"poll_latency"`
	AckLatency       LatencyStats `json:"ack_latency"`
	BrokerLatency    LatencyStats `json:"broker_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	PollsServed      uint64       `json:"polls_served"`
	AcksProcessed    uint64       `json:"acks_processed"`
	AuthFailures     uint64       `json:"auth_failures"`
	ReplaysBlocked   uint64       `json:"replays_blocked"`
	DivergencesFound uint64       `json:"divergences_found"`
	GuardTrips       uint64       `json:"guard_trips"`
	PositionsClosed  uint64       `json:"positions_closed"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		PollLatency:      m.PollLatency.Stats(),
		AckLatency:       m.AckLatency.Stats(),
		BrokerLatency:    m.BrokerLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		PollsServed:      atomic.LoadUint64(&m.pollsServed),
		AcksProcessed:    atomic.LoadUint64(&m.acksProcessed),
		AuthFailures:     atomic.LoadUint64(&m.authFailures),
		ReplaysBlocked:   atomic.LoadUint64(&m.replaysBlocked),
		DivergencesFound: atomic.LoadUint64(&m.divergencesFound),
		GuardTrips:       atomic.LoadUint64(&m.guardTrips),
		PositionsClosed:  atomic.LoadUint64(&m.positionsClosed),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}
