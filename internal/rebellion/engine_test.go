package rebellion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.05, cfg.BaseProbability)
	assert.Equal(t, 0.30, cfg.TraumaWeight)
	assert.Equal(t, 0.30, cfg.EfficiencyWeight)
	assert.Equal(t, 0.20, cfg.MoraleWeight)
	assert.Equal(t, 0.35, cfg.HaltThreshold)
	assert.Equal(t, 0.80, cfg.VetoThreshold)
}

func TestCalculateProbability_DefaultNPC(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	// Fresh NPC: half efficiency, half morale, no trauma.
	result := engine.CalculateProbability(Profile{
		NPCID:          "npc-001",
		AvgTrauma:      0.0,
		WorkEfficiency: 0.5,
		Morale:         0.5,
	})

	// 0.05 + 0 + 0.5*0.30 + 0.5*0.20 = 0.30
	assert.InDelta(t, 0.30, result.Probability, 0.001)
	assert.False(t, result.ThresholdExceeded)
	assert.False(t, result.HaltTriggered)
}

func TestCalculateProbability_PerfectStats(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	result := engine.CalculateProbability(Profile{
		NPCID:          "npc-002",
		AvgTrauma:      0.0,
		WorkEfficiency: 1.0,
		Morale:         1.0,
	})

	assert.InDelta(t, 0.05, result.Probability, 0.001)
	assert.InDelta(t, 0.0, result.Factors.TraumaModifier, 0.001)
	assert.InDelta(t, 0.0, result.Factors.EfficiencyModifier, 0.001)
	assert.InDelta(t, 0.0, result.Factors.MoraleModifier, 0.001)
}

func TestCalculateProbability_HaltThresholdInclusive(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	// Max trauma with otherwise perfect stats lands exactly on 0.35.
	result := engine.CalculateProbability(Profile{
		NPCID:          "npc-003",
		AvgTrauma:      1.0,
		WorkEfficiency: 1.0,
		Morale:         1.0,
	})

	assert.InDelta(t, 0.35, result.Probability, 0.001)
	assert.True(t, result.ThresholdExceeded, "p == halt threshold must count as exceeded")
	assert.True(t, result.HaltTriggered)
}

func TestCalculateProbability_ClampedAtOne(t *testing.T) {
	cfg := Config{
		BaseProbability:  0.50,
		TraumaWeight:     0.50,
		EfficiencyWeight: 0.50,
		MoraleWeight:     0.50,
		HaltThreshold:    0.35,
		VetoThreshold:    0.80,
	}
	engine := NewEngine(cfg)

	result := engine.CalculateProbability(Profile{
		NPCID:          "npc-004",
		AvgTrauma:      1.0,
		WorkEfficiency: 0.0,
		Morale:         0.0,
	})

	assert.InDelta(t, 1.0, result.Probability, 0.001)
}

func TestCalculateProbability_Monotone(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	base := engine.CalculateProbability(Profile{AvgTrauma: 0.3, WorkEfficiency: 0.6, Morale: 0.6})

	moreTrauma := engine.CalculateProbability(Profile{AvgTrauma: 0.5, WorkEfficiency: 0.6, Morale: 0.6})
	lessEff := engine.CalculateProbability(Profile{AvgTrauma: 0.3, WorkEfficiency: 0.4, Morale: 0.6})
	lessMorale := engine.CalculateProbability(Profile{AvgTrauma: 0.3, WorkEfficiency: 0.6, Morale: 0.4})

	assert.GreaterOrEqual(t, moreTrauma.Probability, base.Probability)
	assert.GreaterOrEqual(t, lessEff.Probability, base.Probability)
	assert.GreaterOrEqual(t, lessMorale.Probability, base.Probability)
}

func TestApplyAction_Reward(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	before := Profile{NPCID: "npc-005", AvgTrauma: 0.0, WorkEfficiency: 0.5, Morale: 0.5}
	after, effect := engine.ApplyAction(before, Action{
		NPCID:      "npc-005",
		ActionType: ActionReward,
		Intensity:  0.8,
	})

	// morale 0.5 + 0.8*0.15 = 0.62, trauma 0 - 0.8*0.05 clamps to 0.
	assert.InDelta(t, 0.62, after.Morale, 0.001)
	assert.InDelta(t, 0.0, after.AvgTrauma, 0.001)
	assert.InDelta(t, 0.12, effect.MoraleDelta, 0.001)
	assert.InDelta(t, 0.0, effect.TraumaDelta, 0.001)

	// Rebellion probability must fall after a reward.
	pBefore := engine.CalculateProbability(before).Probability
	pAfter := engine.CalculateProbability(after).Probability
	assert.Less(t, pAfter, pBefore)
}

func TestApplyAction_Punishment(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	before := Profile{NPCID: "npc-006", AvgTrauma: 0.2, WorkEfficiency: 0.5, Morale: 0.5}
	after, _ := engine.ApplyAction(before, Action{
		ActionType: ActionPunishment,
		Intensity:  1.0,
	})

	assert.InDelta(t, 0.30, after.Morale, 0.001)
	assert.InDelta(t, 0.35, after.AvgTrauma, 0.001)
	assert.Equal(t, before.WorkEfficiency, after.WorkEfficiency)
}

func TestApplyAction_CommandAndEnvironment(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	before := Profile{AvgTrauma: 0.1, WorkEfficiency: 0.5, Morale: 0.5}

	cmd, _ := engine.ApplyAction(before, Action{ActionType: ActionCommand, Intensity: 1.0})
	assert.InDelta(t, 0.60, cmd.WorkEfficiency, 0.001)
	assert.InDelta(t, 0.45, cmd.Morale, 0.001)
	assert.InDelta(t, 0.10, cmd.AvgTrauma, 0.001)

	env, _ := engine.ApplyAction(before, Action{ActionType: ActionEnvironment, Intensity: 0.5})
	assert.InDelta(t, 0.15, env.AvgTrauma, 0.001)
	assert.Equal(t, before.Morale, env.Morale)
}

func TestApplyAction_ClampsAtBounds(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	high := Profile{AvgTrauma: 0.95, WorkEfficiency: 0.98, Morale: 0.99}
	after, _ := engine.ApplyAction(high, Action{ActionType: ActionPunishment, Intensity: 1.0})
	assert.InDelta(t, 1.0, after.AvgTrauma, 0.001)

	low := Profile{AvgTrauma: 0.02, WorkEfficiency: 0.5, Morale: 0.01}
	after, _ = engine.ApplyAction(low, Action{ActionType: ActionPunishment, Intensity: 1.0})
	assert.InDelta(t, 0.0, after.Morale, 0.001)
	assert.InDelta(t, 0.17, after.AvgTrauma, 0.001)
}

func TestApplyAction_PureNoMutation(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	before := Profile{NPCID: "npc-007", AvgTrauma: 0.3, WorkEfficiency: 0.5, Morale: 0.5}
	snapshot := before
	_, _ = engine.ApplyAction(before, Action{ActionType: ActionPunishment, Intensity: 1.0, DryRun: true})

	assert.Equal(t, snapshot, before)
}

func TestBatchCalculate_PreservesOrder(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	profiles := []Profile{
		{NPCID: "a", WorkEfficiency: 1.0, Morale: 1.0},
		{NPCID: "b", AvgTrauma: 1.0, WorkEfficiency: 0.0, Morale: 0.0},
		{NPCID: "c", WorkEfficiency: 0.5, Morale: 0.5},
	}

	results := engine.BatchCalculate(profiles)

	assert.Len(t, results, 3)
	assert.Equal(t, "a", results[0].NPCID)
	assert.Equal(t, "b", results[1].NPCID)
	assert.Equal(t, "c", results[2].NPCID)
	assert.InDelta(t, 0.05, results[0].Probability, 0.001)
	assert.InDelta(t, 0.85, results[1].Probability, 0.001)
}

func TestVetoExceeded(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	assert.False(t, engine.VetoExceeded(0.79))
	assert.True(t, engine.VetoExceeded(0.80))
	assert.True(t, engine.VetoExceeded(0.82))
}
