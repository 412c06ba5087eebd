package logistics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/rebellion"
)

type stubTransport struct {
	name  string
	fail  bool
	calls int
	prob  float64
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Probability(ctx context.Context, npcID string, includeFactors bool) (*Assessment, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("unreachable")
	}
	return &Assessment{NPCID: npcID, Probability: s.prob, ThresholdExceeded: s.prob >= 0.35}, nil
}

func (s *stubTransport) ProcessAction(ctx context.Context, action rebellion.Action) (*ActionOutcome, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("unreachable")
	}
	return &ActionOutcome{NPCID: action.NPCID, Morale: 0.6}, nil
}

func (s *stubTransport) Close() error { return nil }

func TestClient_PrefersFirstTransport(t *testing.T) {
	primary := &stubTransport{name: "grpc", prob: 0.42}
	fallback := &stubTransport{name: "http", prob: 0.42}
	c := NewClient(circuitbreaker.DefaultConfig(""), primary, fallback)

	a := c.Probability(context.Background(), "npc-1", false)
	assert.Equal(t, "grpc", a.Source)
	assert.InDelta(t, 0.42, a.Probability, 1e-9)
	assert.True(t, a.ThresholdExceeded)
	assert.False(t, a.Degraded)
	assert.Zero(t, fallback.calls)
}

func TestClient_FallsBackOnFailure(t *testing.T) {
	primary := &stubTransport{name: "grpc", fail: true}
	fallback := &stubTransport{name: "http", prob: 0.1}
	c := NewClient(circuitbreaker.DefaultConfig(""), primary, fallback)

	a := c.Probability(context.Background(), "npc-1", false)
	assert.Equal(t, "http", a.Source)
	assert.False(t, a.Degraded)
}

func TestClient_SafeDefaultWhenAllDown(t *testing.T) {
	primary := &stubTransport{name: "grpc", fail: true}
	fallback := &stubTransport{name: "http", fail: true}
	c := NewClient(circuitbreaker.DefaultConfig(""), primary, fallback)

	a := c.Probability(context.Background(), "npc-1", true)
	assert.True(t, a.Degraded)
	assert.Equal(t, "default", a.Source)
	assert.Zero(t, a.Probability)
	assert.False(t, a.ThresholdExceeded)
}

func TestClient_BreakerSkipsDeadTransport(t *testing.T) {
	primary := &stubTransport{name: "grpc", fail: true}
	fallback := &stubTransport{name: "http", prob: 0.2}
	c := NewClient(circuitbreaker.DefaultConfig(""), primary, fallback)

	// Five failures trip the grpc breaker.
	for i := 0; i < 5; i++ {
		c.Probability(context.Background(), "npc-1", false)
	}
	require.Equal(t, circuitbreaker.StateOpen, c.BreakerStates()["grpc"])

	before := primary.calls
	a := c.Probability(context.Background(), "npc-1", false)
	assert.Equal(t, "http", a.Source)
	assert.Equal(t, before, primary.calls, "open breaker must not let calls through")
}

func TestClient_ProcessActionErrorsWhenAllDown(t *testing.T) {
	c := NewClient(circuitbreaker.DefaultConfig(""), &stubTransport{name: "grpc", fail: true})

	_, err := c.ProcessAction(context.Background(), rebellion.Action{NPCID: "npc-1", ActionType: rebellion.ActionReward})
	assert.Error(t, err)
}

func TestClient_ProcessAction(t *testing.T) {
	c := NewClient(circuitbreaker.DefaultConfig(""), &stubTransport{name: "grpc"})

	out, err := c.ProcessAction(context.Background(), rebellion.Action{NPCID: "npc-1", ActionType: rebellion.ActionReward})
	require.NoError(t, err)
	assert.Equal(t, "grpc", out.Source)
	assert.InDelta(t, 0.6, out.Morale, 1e-9)
}
