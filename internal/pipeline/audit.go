package pipeline

import (
	"sync"

	"github.com/epochmesh/backend/internal/core"
)

// AuditEntry is one processed event's record in the ring.
type AuditEntry struct {
	EventID   string              `json:"event_id"`
	NPCID     string              `json:"npc_id"`
	Tier      core.Tier           `json:"tier"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	LatencyMs int64               `json:"latency_ms"`
	Cost      float64             `json:"cost"`
	Failover  bool                `json:"failover"`
	Result    string              `json:"result"` // accepted, vetoed, failed
	Reason    string              `json:"reason,omitempty"`
	Timestamp core.EpochTimestamp `json:"timestamp"`
}

// AuditStats aggregates the ring since process start (not just the retained
// window).
type AuditStats struct {
	Total        int64              `json:"total"`
	Accepted     int64              `json:"accepted"`
	Vetoed       int64              `json:"vetoed"`
	Failed       int64              `json:"failed"`
	Failovers    int64              `json:"failovers"`
	ByTier       map[core.Tier]int64 `json:"by_tier"`
	ByProvider   map[string]int64   `json:"by_provider"`
	AvgLatencyMs float64            `json:"avg_latency_ms"`
	TotalCost    float64            `json:"total_cost"`
}

// AuditRing is the bounded append-only audit log. Overwrites oldest when
// full; aggregates survive overwrites.
type AuditRing struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	next     int
	full     bool
	capacity int

	total      int64
	accepted   int64
	vetoed     int64
	failed     int64
	failovers  int64
	byTier     map[core.Tier]int64
	byProvider map[string]int64
	totalMs    int64
	totalCost  float64
}

// NewAuditRing creates a ring with the given capacity (default 1000).
func NewAuditRing(capacity int) *AuditRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &AuditRing{
		entries:    make([]AuditEntry, capacity),
		capacity:   capacity,
		byTier:     make(map[core.Tier]int64),
		byProvider: make(map[string]int64),
	}
}

// Append records one entry.
func (r *AuditRing) Append(e AuditEntry) {
	if e.Timestamp.UnixMs == 0 {
		e.Timestamp = core.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}

	r.total++
	switch e.Result {
	case "accepted":
		r.accepted++
	case "vetoed":
		r.vetoed++
	case "failed":
		r.failed++
	}
	if e.Failover {
		r.failovers++
	}
	r.byTier[e.Tier]++
	if e.Provider != "" {
		r.byProvider[e.Provider]++
	}
	r.totalMs += e.LatencyMs
	r.totalCost += e.Cost
}

// Recent returns up to n entries, newest first. n is capped at capacity.
func (r *AuditRing) Recent(n int) []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = r.capacity
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + r.capacity) % r.capacity
		out = append(out, r.entries[idx])
	}
	return out
}

// Stats snapshots the aggregates.
func (r *AuditRing) Stats() AuditStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := AuditStats{
		Total:      r.total,
		Accepted:   r.accepted,
		Vetoed:     r.vetoed,
		Failed:     r.failed,
		Failovers:  r.failovers,
		ByTier:     make(map[core.Tier]int64, len(r.byTier)),
		ByProvider: make(map[string]int64, len(r.byProvider)),
		TotalCost:  r.totalCost,
	}
	for k, v := range r.byTier {
		stats.ByTier[k] = v
	}
	for k, v := range r.byProvider {
		stats.ByProvider[k] = v
	}
	if r.total > 0 {
		stats.AvgLatencyMs = float64(r.totalMs) / float64(r.total)
	}
	return stats
}
