// Package cleansing implements the Sheriff Protocol: a participant-aggregated
// operation against an active Plague Heart. One roll decides the outcome;
// failure scars the survivors.
package cleansing

import (
	"errors"
	"math/rand"

	"github.com/epochmesh/backend/internal/core"
)

// ErrNoParticipants is returned when a deployment has nobody to send.
var ErrNoParticipants = errors.New("cleansing requires at least one participant")

// Participant is one NPC committed to the operation.
type Participant struct {
	NPCID      string  `json:"npc_id"`
	Role       string  `json:"role"`
	AvgTrauma  float64 `json:"avg_trauma"`
	Morale     float64 `json:"morale"`
	Confidence float64 `json:"confidence"`
}

// Config holds the success-rate weights.
type Config struct {
	BaseRate         float64
	MoraleWeight     float64
	TraumaPenalty    float64
	ConfidenceWeight float64
	GuiltTrauma      float64 // trauma increment applied to participants on failure
}

// DefaultConfig returns base 0.30, morale weight 0.40, trauma penalty 0.30,
// confidence weight 0.20 and a survivor's-guilt increment of 0.15.
func DefaultConfig() Config {
	return Config{
		BaseRate:         0.30,
		MoraleWeight:     0.40,
		TraumaPenalty:    0.30,
		ConfidenceWeight: 0.20,
		GuiltTrauma:      0.15,
	}
}

// FactorBreakdown exposes the aggregated inputs behind a success rate.
type FactorBreakdown struct {
	BaseFactor        float64 `json:"base"`
	AvgMorale         float64 `json:"avg_morale"`
	MoraleContrib     float64 `json:"morale_contribution"`
	AvgTrauma         float64 `json:"avg_trauma"`
	TraumaPenalty     float64 `json:"trauma_penalty"`
	AvgConfidence     float64 `json:"avg_confidence"`
	ConfidenceContrib float64 `json:"confidence_contribution"`
}

// Result is the outcome of one cleansing deployment.
type Result struct {
	Success          bool            `json:"success"`
	SuccessRate      float64         `json:"success_rate"`
	RolledValue      float64         `json:"rolled_value"`
	ParticipantCount int             `json:"participant_count"`
	Participants     []string        `json:"participant_ids"`
	Factors          FactorBreakdown `json:"factors"`
	GuiltTrauma      float64         `json:"guilt_trauma,omitempty"` // non-zero only on failure
}

// Engine executes cleansing operations. The roll source is injectable so
// tests can pin the dice.
type Engine struct {
	config Config
	roll   func() float64
}

// NewEngine creates a cleansing engine using the shared math/rand source.
func NewEngine(config Config) *Engine {
	return &Engine{config: config, roll: rand.Float64}
}

// NewEngineWithRoll creates a cleansing engine with a fixed roll source.
func NewEngineWithRoll(config Config, roll func() float64) *Engine {
	return &Engine{config: config, roll: roll}
}

// Execute aggregates participant stats, computes the success rate
//
//	clamp(base + avgMorale*wMorale - avgTrauma*wTrauma + avgConfidence*wConfidence, 0, 1)
//
// and resolves the operation with a single roll. On failure the result
// carries the guilt-trauma increment the caller applies to each participant.
func (e *Engine) Execute(participants []Participant) (Result, error) {
	if len(participants) == 0 {
		return Result{}, ErrNoParticipants
	}

	var moraleSum, traumaSum, confSum float64
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		moraleSum += p.Morale
		traumaSum += p.AvgTrauma
		confSum += p.Confidence
		ids = append(ids, p.NPCID)
	}

	n := float64(len(participants))
	factors := FactorBreakdown{
		BaseFactor:        e.config.BaseRate,
		AvgMorale:         moraleSum / n,
		AvgTrauma:         traumaSum / n,
		AvgConfidence:     confSum / n,
	}
	factors.MoraleContrib = factors.AvgMorale * e.config.MoraleWeight
	factors.TraumaPenalty = factors.AvgTrauma * e.config.TraumaPenalty
	factors.ConfidenceContrib = factors.AvgConfidence * e.config.ConfidenceWeight

	rate := core.Clamp01(factors.BaseFactor + factors.MoraleContrib - factors.TraumaPenalty + factors.ConfidenceContrib)
	rolled := e.roll()
	success := rolled < rate

	result := Result{
		Success:          success,
		SuccessRate:      rate,
		RolledValue:      rolled,
		ParticipantCount: len(participants),
		Participants:     ids,
		Factors:          factors,
	}
	if !success {
		result.GuiltTrauma = e.config.GuiltTrauma
	}
	return result, nil
}
