// Package rebellion computes NPC rebellion probabilities and applies the
// behavioral effects of director actions. The engine is pure: it never holds
// NPC state itself, so the same profile always produces the same result.
package rebellion

import (
	"github.com/epochmesh/backend/internal/core"
)

// Profile is the slice of NPC state relevant to rebellion probability.
// All float fields are normalized to [0,1].
type Profile struct {
	NPCID          string  `json:"npc_id"`
	AvgTrauma      float64 `json:"avg_trauma"`
	WorkEfficiency float64 `json:"work_efficiency"`
	Morale         float64 `json:"morale"`
	MemoryCount    int     `json:"memory_count"`
}

// Config defines the weights and thresholds of the probability formula.
type Config struct {
	BaseProbability  float64
	TraumaWeight     float64
	EfficiencyWeight float64
	MoraleWeight     float64
	HaltThreshold    float64
	VetoThreshold    float64
}

// DefaultConfig returns the standard weights: base 0.05, trauma 0.30,
// efficiency 0.30, morale 0.20, halt at 0.35 and veto at 0.80.
func DefaultConfig() Config {
	return Config{
		BaseProbability:  0.05,
		TraumaWeight:     0.30,
		EfficiencyWeight: 0.30,
		MoraleWeight:     0.20,
		HaltThreshold:    0.35,
		VetoThreshold:    0.80,
	}
}

// Factors breaks the probability down into its contributing terms.
type Factors struct {
	Base               float64 `json:"base"`
	TraumaModifier     float64 `json:"trauma_modifier"`
	EfficiencyModifier float64 `json:"efficiency_modifier"`
	MoraleModifier     float64 `json:"morale_modifier"`
}

// Result is the outcome of a probability computation.
// ThresholdExceeded is true when probability >= HaltThreshold; equality at
// the threshold counts as exceeded. HaltTriggered mirrors it.
type Result struct {
	NPCID             string  `json:"npc_id"`
	Probability       float64 `json:"probability"`
	Factors           Factors `json:"factors"`
	ThresholdExceeded bool    `json:"threshold_exceeded"`
	HaltTriggered     bool    `json:"halt_triggered"`
}

// ActionType names a director action applied to an NPC.
type ActionType string

const (
	ActionReward      ActionType = "reward"
	ActionPunishment  ActionType = "punishment"
	ActionCommand     ActionType = "command"
	ActionDialogue    ActionType = "dialogue"
	ActionEnvironment ActionType = "environment"
)

// KnownActionTypes is the closed set accepted at the boundary.
var KnownActionTypes = map[ActionType]bool{
	ActionReward:      true,
	ActionPunishment:  true,
	ActionCommand:     true,
	ActionDialogue:    true,
	ActionEnvironment: true,
}

// Action is a director action with an intensity in [0,1].
type Action struct {
	ActionID   string     `json:"action_id"`
	NPCID      string     `json:"npc_id"`
	ActionType ActionType `json:"action_type"`
	Intensity  float64    `json:"intensity"`
	DryRun     bool       `json:"dry_run"`
}

// ActionEffect reports the per-field deltas an action produced, after
// clamping. Deltas are measured against the pre-action profile.
type ActionEffect struct {
	MoraleDelta     float64 `json:"morale_delta"`
	TraumaDelta     float64 `json:"trauma_delta"`
	EfficiencyDelta float64 `json:"efficiency_delta"`
}

// Engine computes rebellion probabilities and action effects.
type Engine struct {
	config Config
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// Config returns the engine's current configuration.
func (e *Engine) Config() Config {
	return e.config
}

// CalculateProbability computes the rebellion probability for a profile:
//
//	p = clamp(base + avgTrauma*wTrauma + (1-efficiency)*wEfficiency + (1-morale)*wMorale, 0, 1)
func (e *Engine) CalculateProbability(profile Profile) Result {
	factors := Factors{
		Base:               e.config.BaseProbability,
		TraumaModifier:     profile.AvgTrauma * e.config.TraumaWeight,
		EfficiencyModifier: (1.0 - profile.WorkEfficiency) * e.config.EfficiencyWeight,
		MoraleModifier:     (1.0 - profile.Morale) * e.config.MoraleWeight,
	}

	p := core.Clamp01(factors.Base + factors.TraumaModifier + factors.EfficiencyModifier + factors.MoraleModifier)
	exceeded := p >= e.config.HaltThreshold

	return Result{
		NPCID:             profile.NPCID,
		Probability:       p,
		Factors:           factors,
		ThresholdExceeded: exceeded,
		HaltTriggered:     exceeded,
	}
}

// VetoExceeded reports whether a probability crosses the AEGIS veto line.
func (e *Engine) VetoExceeded(p float64) bool {
	return p >= e.config.VetoThreshold
}

// ApplyAction returns the post-action profile and the realized deltas.
// Effects per action type, each scaled by intensity:
//
//	reward       morale +0.15, trauma -0.05
//	punishment   morale -0.20, trauma +0.15
//	command      efficiency +0.10, morale -0.05
//	dialogue     morale +0.10
//	environment  trauma +0.10
//
// Every field is clamped to [0,1] after application. The caller decides
// whether to persist the result; a dry run simply discards it.
func (e *Engine) ApplyAction(profile Profile, action Action) (Profile, ActionEffect) {
	updated := profile

	switch action.ActionType {
	case ActionReward:
		updated.Morale += action.Intensity * 0.15
		updated.AvgTrauma -= action.Intensity * 0.05
	case ActionPunishment:
		updated.Morale -= action.Intensity * 0.20
		updated.AvgTrauma += action.Intensity * 0.15
	case ActionCommand:
		updated.WorkEfficiency += action.Intensity * 0.10
		updated.Morale -= action.Intensity * 0.05
	case ActionDialogue:
		updated.Morale += action.Intensity * 0.10
	case ActionEnvironment:
		updated.AvgTrauma += action.Intensity * 0.10
	}

	updated.AvgTrauma = core.Clamp01(updated.AvgTrauma)
	updated.WorkEfficiency = core.Clamp01(updated.WorkEfficiency)
	updated.Morale = core.Clamp01(updated.Morale)

	effect := ActionEffect{
		MoraleDelta:     updated.Morale - profile.Morale,
		TraumaDelta:     updated.AvgTrauma - profile.AvgTrauma,
		EfficiencyDelta: updated.WorkEfficiency - profile.WorkEfficiency,
	}

	return updated, effect
}

// BatchCalculate computes probabilities for multiple NPCs independently,
// preserving input order.
func (e *Engine) BatchCalculate(profiles []Profile) []Result {
	results := make([]Result, len(profiles))
	for i, profile := range profiles {
		results[i] = e.CalculateProbability(profile)
	}
	return results
}
