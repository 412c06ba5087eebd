// Package monitoring exposes the mesh's Prometheus metrics and the
// aggregate counters served on /api/status.
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/epochmesh/backend/internal/circuitbreaker"
)

// Metrics is the promauto bundle shared across components.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec // tier, result
	ProviderLatency *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	BusPublished    *prometheus.CounterVec
	BusDropped      *prometheus.CounterVec
	RetryDepth      prometheus.Gauge
	WatchdogRestart *prometheus.CounterVec
	SimulationTicks prometheus.Counter
}

// NewMetrics registers the bundle on the given registerer; pass nil to use
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_events_processed_total",
			Help: "Pipeline events by tier and result (accepted, vetoed, failed).",
		}, []string{"tier", "result"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_provider_latency_seconds",
			Help:    "LLM provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider", "model"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		BusPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_bus_published_total",
			Help: "Bus messages published per channel.",
		}, []string{"channel"}),
		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_bus_dropped_total",
			Help: "Bus messages dropped for slow subscribers per channel.",
		}, []string{"channel"}),
		RetryDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_retry_buffer_depth",
			Help: "Queued operations in the memory retry buffer.",
		}),
		WatchdogRestart: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_watchdog_restarts_total",
			Help: "Service restarts by the watchdog, per service and reason.",
		}, []string{"service", "reason"}),
		SimulationTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_simulation_ticks_total",
			Help: "Simulation engine ticks.",
		}),
	}
}

// BreakerStateHook returns an OnStateChange callback that mirrors breaker
// transitions into the BreakerState gauge (0 closed, 1 open, 2 half-open).
func (m *Metrics) BreakerStateHook() func(name string, from, to circuitbreaker.State) {
	return func(name string, _, to circuitbreaker.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// ObserveRetryDepth records the current retry buffer depth.
func (m *Metrics) ObserveRetryDepth(depth int) {
	m.RetryDepth.Set(float64(depth))
}

// ============================================================================
// AGGREGATE STATUS
// ============================================================================

// StatusCounters backs GET /api/status: cheap atomics read without locks.
type StatusCounters struct {
	startedAt time.Time

	EventsTotal    atomic.Int64
	EventsVetoed   atomic.Int64
	EventsFailed   atomic.Int64
	BatchesTotal   atomic.Int64
	FailoversTotal atomic.Int64

	mu         sync.RWMutex
	lastEvent  time.Time
	totalMs    int64
	totalCost  float64
}

// NewStatusCounters stamps the process start time.
func NewStatusCounters() *StatusCounters {
	return &StatusCounters{startedAt: time.Now()}
}

// ObserveEvent records one processed event's latency and cost.
func (s *StatusCounters) ObserveEvent(latencyMs int64, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = time.Now()
	s.totalMs += latencyMs
	s.totalCost += cost
}

// StatusSnapshot is the JSON shape of GET /api/status.
type StatusSnapshot struct {
	UptimeSeconds  int64   `json:"uptime_seconds"`
	EventsTotal    int64   `json:"events_total"`
	EventsVetoed   int64   `json:"events_vetoed"`
	EventsFailed   int64   `json:"events_failed"`
	BatchesTotal   int64   `json:"batches_total"`
	FailoversTotal int64   `json:"failovers_total"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	TotalCost      float64 `json:"total_cost"`
	LastEventAt    string  `json:"last_event_at,omitempty"`
}

// Snapshot assembles the current counters.
func (s *StatusCounters) Snapshot() StatusSnapshot {
	total := s.EventsTotal.Load()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatusSnapshot{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		EventsTotal:    total,
		EventsVetoed:   s.EventsVetoed.Load(),
		EventsFailed:   s.EventsFailed.Load(),
		BatchesTotal:   s.BatchesTotal.Load(),
		FailoversTotal: s.FailoversTotal.Load(),
		TotalCost:      s.totalCost,
	}
	if total > 0 {
		snap.AvgLatencyMs = float64(s.totalMs) / float64(total)
	}
	if !s.lastEvent.IsZero() {
		snap.LastEventAt = s.lastEvent.UTC().Format(time.RFC3339)
	}
	return snap
}
