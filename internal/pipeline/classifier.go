// Package pipeline is the event path of the mesh: classification, provider
// routing with breaker failover, the cognitive rails, broadcast, and audit.
package pipeline

import (
	"strings"

	"github.com/epochmesh/backend/internal/core"
)

// strategicKeywords escalate an event regardless of its declared urgency.
var strategicKeywords = []string{
	"rebellion", "uprising", "revolt", "sabotage", "mutiny", "attack",
}

var operationalKeywords = []string{
	"shortage", "breakdown", "conflict", "injury", "refuse",
}

// Classify assigns the urgency tier from event type, urgency, and
// description heuristics. Urgency, when present, dominates; keywords can
// only escalate, never demote.
func Classify(ev core.Event) core.Tier {
	tier := core.TierRoutine

	switch ev.EventType {
	case core.EventRebellionAnalysis:
		return core.TierStrategic
	case core.EventCommand:
		tier = core.TierOperational
	}

	if ev.Urgency != nil {
		switch u := *ev.Urgency; {
		case u >= 0.8:
			tier = core.TierStrategic
		case u >= 0.5:
			tier = maxTier(tier, core.TierOperational)
		}
	}

	desc := strings.ToLower(ev.Description)
	for _, kw := range strategicKeywords {
		if strings.Contains(desc, kw) {
			return core.TierStrategic
		}
	}
	for _, kw := range operationalKeywords {
		if strings.Contains(desc, kw) {
			tier = maxTier(tier, core.TierOperational)
		}
	}
	return tier
}

func maxTier(a, b core.Tier) core.Tier {
	if tierRank(b) > tierRank(a) {
		return b
	}
	return a
}

func tierRank(t core.Tier) int {
	switch t {
	case core.TierStrategic:
		return 2
	case core.TierOperational:
		return 1
	default:
		return 0
	}
}
