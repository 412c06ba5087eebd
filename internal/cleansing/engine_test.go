package cleansing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_NoParticipants(t *testing.T) {
	eng := NewEngine(DefaultConfig())
	_, err := eng.Execute(nil)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestExecute_SuccessRateAggregation(t *testing.T) {
	// Pin the roll so the outcome is deterministic.
	eng := NewEngineWithRoll(DefaultConfig(), func() float64 { return 0.99 })

	result, err := eng.Execute([]Participant{
		{NPCID: "w1", Morale: 0.8, AvgTrauma: 0.2, Confidence: 0.6},
		{NPCID: "w2", Morale: 0.6, AvgTrauma: 0.4, Confidence: 0.4},
	})
	require.NoError(t, err)

	// avgMorale 0.7, avgTrauma 0.3, avgConfidence 0.5
	// 0.30 + 0.7*0.40 - 0.3*0.30 + 0.5*0.20 = 0.59
	assert.InDelta(t, 0.59, result.SuccessRate, 0.001)
	assert.InDelta(t, 0.7, result.Factors.AvgMorale, 0.001)
	assert.InDelta(t, 0.28, result.Factors.MoraleContrib, 0.001)
	assert.InDelta(t, 0.09, result.Factors.TraumaPenalty, 0.001)
	assert.Equal(t, 2, result.ParticipantCount)
	assert.Equal(t, []string{"w1", "w2"}, result.Participants)
}

func TestExecute_FailureCarriesGuilt(t *testing.T) {
	eng := NewEngineWithRoll(DefaultConfig(), func() float64 { return 0.99 })

	result, err := eng.Execute([]Participant{{NPCID: "w1", Morale: 0.5, AvgTrauma: 0.5, Confidence: 0.5}})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 0.15, result.GuiltTrauma)
}

func TestExecute_SuccessHasNoGuilt(t *testing.T) {
	eng := NewEngineWithRoll(DefaultConfig(), func() float64 { return 0.0 })

	result, err := eng.Execute([]Participant{{NPCID: "w1", Morale: 0.9, AvgTrauma: 0.1, Confidence: 0.8}})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Zero(t, result.GuiltTrauma)
}

func TestExecute_RateClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseRate = 0.9
	eng := NewEngineWithRoll(cfg, func() float64 { return 0.5 })

	result, err := eng.Execute([]Participant{{NPCID: "w1", Morale: 1.0, AvgTrauma: 0.0, Confidence: 1.0}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.SuccessRate)

	cfg.BaseRate = 0.0
	eng = NewEngineWithRoll(cfg, func() float64 { return 0.5 })
	result, err = eng.Execute([]Participant{{NPCID: "w1", Morale: 0.0, AvgTrauma: 1.0, Confidence: 0.0}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.SuccessRate)
}
