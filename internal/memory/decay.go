// Package memory implements the persistent NPC memory graph: append-only
// memories, confidence edges with decay-aware reads, wisdom scoring, and a
// bounded retry buffer that keeps writes alive through backend outages.
package memory

import (
	"math"

	"github.com/epochmesh/backend/internal/core"
)

// DefaultDecayAlpha is the per-hour hyperbolic decay rate.
const DefaultDecayAlpha = 0.1

// DirectorEntityID designates the controlling player in confidence edges.
const DirectorEntityID = "director"

// DecayedTrauma applies hyperbolic decay toward zero:
//
//	current = raw / (1 + alpha*hours)
//
// The value at hours=0 equals the raw score and is strictly non-increasing
// in elapsed time.
func DecayedTrauma(raw, hours, alpha float64) float64 {
	if hours < 0 {
		hours = 0
	}
	return raw / (1 + alpha*hours)
}

// DecayedConfidence applies hyperbolic decay toward the neutral anchor 0.5:
//
//	current = 0.5 + (raw-0.5) / (1 + alpha*hours)
//
// High trust approaches 0.5 from above, low trust from below; the value
// never crosses the anchor. Output is bounded to [0,1].
func DecayedConfidence(raw, hours, alpha float64) float64 {
	if hours < 0 {
		hours = 0
	}
	return core.Clamp01(0.5 + (raw-0.5)/(1+alpha*hours))
}

// ============================================================================
// WISDOM SCORING
// ============================================================================

// wisdom factor weights; they sum to 1 so the score stays in [0,1].
const (
	wisdomCountWeight     = 0.30
	wisdomDiversityWeight = 0.25
	wisdomSpanWeight      = 0.25
	wisdomPositiveWeight  = 0.20

	wisdomCountSaturation = 100.0 // memories
	wisdomSpanCapHours    = 720.0 // 30 days
	wisdomEventCategories = 6.0
)

// WisdomInputs aggregates the per-NPC statistics behind a wisdom score.
type WisdomInputs struct {
	MemoryCount    int
	DistinctTypes  int
	SpanHours      float64
	PositiveRatio  float64 // share of memories tied to positive player actions
}

// WisdomScore combines four factors: log-scaled memory count saturating at
// 100, event-type diversity over six categories, temporal span capped at 720
// hours, and the positive-action ratio. Output in [0,1].
func WisdomScore(in WisdomInputs) float64 {
	if in.MemoryCount <= 0 {
		return 0
	}

	countFactor := math.Log(1+float64(in.MemoryCount)) / math.Log(1+wisdomCountSaturation)
	if countFactor > 1 {
		countFactor = 1
	}

	diversityFactor := float64(in.DistinctTypes) / wisdomEventCategories
	if diversityFactor > 1 {
		diversityFactor = 1
	}

	spanFactor := in.SpanHours / wisdomSpanCapHours
	if spanFactor > 1 {
		spanFactor = 1
	}

	return core.Clamp01(countFactor*wisdomCountWeight +
		diversityFactor*wisdomDiversityWeight +
		spanFactor*wisdomSpanWeight +
		core.Clamp01(in.PositiveRatio)*wisdomPositiveWeight)
}

// RebellionFromMemory is the read-only C1 derivation used for diagnostics:
//
//	clamp(0.05 + 0.6*decayedTrauma + 0.25*(1-confidenceInDirector), 0, 1)
//
// Policy decisions use the behavior engine's probability instead.
func RebellionFromMemory(decayedTrauma, decayedDirectorConfidence float64) float64 {
	return core.Clamp01(0.05 + 0.6*decayedTrauma + 0.25*(1-decayedDirectorConfidence))
}

// ConfidenceModifier returns the confidence delta for a player action with
// the given intensity. Unknown actions contribute nothing.
func ConfidenceModifier(action string, intensity float64) float64 {
	switch action {
	case "reward":
		return 0.10 * intensity
	case "punishment":
		return -0.15 * intensity
	case "command":
		return -0.05 * intensity
	case "dialogue":
		return 0.08 * intensity
	default:
		return 0
	}
}
