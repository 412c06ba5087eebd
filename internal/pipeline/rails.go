package pipeline

import (
	"fmt"
	"strings"

	"github.com/epochmesh/backend/internal/core"
)

// RailVerdict is the outcome of the cognitive rails.
type RailVerdict struct {
	Vetoed bool   `json:"vetoed"`
	Rail   string `json:"rail,omitempty"` // which predicate fired
	Reason string `json:"reason,omitempty"`
}

// Rails holds the post-generation safety checks. Predicates run in a fixed
// order: rebellion veto, coherence, latency budget. The first failure wins.
type Rails struct {
	VetoThreshold   float64
	MaxChars        int
	LatencyBudgetMs map[core.Tier]int64
}

// NewRails builds the rail set. Defaults: veto at 0.80, 4000-char cap,
// budgets 2s/5s/10s by tier.
func NewRails(vetoThreshold float64, maxChars int, budgets map[core.Tier]int64) *Rails {
	if vetoThreshold <= 0 {
		vetoThreshold = 0.80
	}
	if maxChars <= 0 {
		maxChars = 4000
	}
	if budgets == nil {
		budgets = map[core.Tier]int64{
			core.TierRoutine:     2000,
			core.TierOperational: 5000,
			core.TierStrategic:   10000,
		}
	}
	return &Rails{VetoThreshold: vetoThreshold, MaxChars: maxChars, LatencyBudgetMs: budgets}
}

// Evaluate runs the rails over a generated response.
func (r *Rails) Evaluate(ev core.Event, tier core.Tier, content string, rebellionP float64, elapsedMs int64) RailVerdict {
	if rebellionP >= r.VetoThreshold {
		return RailVerdict{
			Vetoed: true,
			Rail:   "rebellion",
			Reason: fmt.Sprintf("rebellion probability %.2f at or above veto threshold %.2f", rebellionP, r.VetoThreshold),
		}
	}

	if v := r.checkCoherence(ev, content); v.Vetoed {
		return v
	}

	if budget, ok := r.LatencyBudgetMs[tier]; ok && elapsedMs > budget {
		return RailVerdict{
			Vetoed: true,
			Rail:   "latency",
			Reason: fmt.Sprintf("processing took %dms, budget for %s tier is %dms", elapsedMs, tier, budget),
		}
	}
	return RailVerdict{}
}

func (r *Rails) checkCoherence(ev core.Event, content string) RailVerdict {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return RailVerdict{Vetoed: true, Rail: "coherence", Reason: "empty response"}
	}
	if len(content) > r.MaxChars {
		return RailVerdict{
			Vetoed: true,
			Rail:   "coherence",
			Reason: fmt.Sprintf("response length %d exceeds cap %d", len(content), r.MaxChars),
		}
	}

	// Trivial contradiction: a routine acknowledgment claiming there is
	// nothing to analyze on an explicit analysis request.
	if ev.EventType == core.EventRebellionAnalysis &&
		strings.Contains(strings.ToLower(trimmed), "no intervention required") {
		return RailVerdict{Vetoed: true, Rail: "coherence", Reason: "response dismisses an analysis request"}
	}
	return RailVerdict{}
}
