package memory

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/monitoring"
)

func testGraph(t *testing.T) (*Graph, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	cfg := config.Default().Memory
	cfg.SessionPoolSize = 2
	cfg.AcquireTimeoutMs = 200
	return NewGraph(backend, cfg), backend
}

func TestGraph_RecordAndReadMemory(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	queued, err := g.RecordMemory(ctx, Memory{
		NPCID:          "npc-7",
		EventType:      "command",
		Description:    "ordered into the flooded mine",
		PlayerAction:   "command",
		RawTraumaScore: 0.6,
	})
	require.NoError(t, err)
	assert.False(t, queued)

	mems, err := g.GetMemories(ctx, "npc-7", 10)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "npc-7", mems[0].NPCID)
	assert.NotEmpty(t, mems[0].MemoryID)
	// freshly written trauma has not decayed yet
	assert.InDelta(t, 0.6, mems[0].TraumaScore, 0.01)
}

func TestGraph_WritesQueueDuringOutage(t *testing.T) {
	g, backend := testGraph(t)
	ctx := context.Background()

	backend.SetUnreachable(true)

	queued, err := g.RecordMemory(ctx, Memory{NPCID: "npc-1", EventType: "telemetry", Description: "x"})
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 2, g.RetryStats().Size) // node upsert + memory insert

	// Reads fail fast while the backend is down.
	_, err = g.GetMemories(ctx, "npc-1", 10)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	// Recovery: flush replays in FIFO order and the memory becomes readable.
	backend.SetUnreachable(false)
	flushed := g.FlushNow(ctx)
	assert.Equal(t, 2, flushed)
	assert.Zero(t, g.RetryStats().Size)

	mems, err := g.GetMemories(ctx, "npc-1", 10)
	require.NoError(t, err)
	assert.Len(t, mems, 1)
}

func TestGraph_RetryDepthGaugeTracksBuffer(t *testing.T) {
	g, backend := testGraph(t)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	g.AttachMetrics(metrics)
	ctx := context.Background()

	backend.SetUnreachable(true)
	_, err := g.RecordMemory(ctx, Memory{NPCID: "npc-1", EventType: "telemetry", Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RetryDepth))

	backend.SetUnreachable(false)
	g.FlushNow(ctx)
	assert.Zero(t, testutil.ToFloat64(metrics.RetryDepth))
}

func TestGraph_FlushHaltsWhileStillDown(t *testing.T) {
	g, backend := testGraph(t)
	ctx := context.Background()

	backend.SetUnreachable(true)
	_, err := g.RecordMemory(ctx, Memory{NPCID: "npc-1", EventType: "telemetry", Description: "x"})
	require.NoError(t, err)

	assert.Zero(t, g.FlushNow(ctx))
	assert.Equal(t, 2, g.RetryStats().Size)
}

func TestGraph_ConfidenceDefaultsNeutral(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	conf, err := g.GetConfidence(ctx, "npc-9", DirectorEntityID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, conf, 1e-9)
}

func TestGraph_AdjustConfidence(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	next, err := g.AdjustConfidence(ctx, "npc-2", DirectorEntityID, -0.15)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, next, 1e-9)

	// Clamped at the floor.
	for i := 0; i < 5; i++ {
		next, err = g.AdjustConfidence(ctx, "npc-2", DirectorEntityID, -0.15)
		require.NoError(t, err)
	}
	assert.Zero(t, next)
}

func TestGraph_PlayerActionMovesDirectorTrust(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	_, err := g.RecordMemory(ctx, Memory{
		NPCID:        "npc-3",
		EventType:    "command",
		Description:  "punished for slow work",
		PlayerAction: "punishment",
	})
	require.NoError(t, err)

	conf, err := g.GetConfidence(ctx, "npc-3", DirectorEntityID)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, conf, 0.01)
}

func TestGraph_GetNPCState(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	for _, m := range []Memory{
		{NPCID: "npc-4", EventType: "command", Description: "a", RawTraumaScore: 0.4},
		{NPCID: "npc-4", EventType: "telemetry", Description: "b", PlayerAction: "reward"},
	} {
		_, err := g.RecordMemory(ctx, m)
		require.NoError(t, err)
	}

	agg, err := g.GetNPCState(ctx, "npc-4")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.MemoryCount)
	assert.InDelta(t, 0.2, agg.TraumaScore, 0.01)
	assert.Greater(t, agg.WisdomScore, 0.0)
	assert.Greater(t, agg.RebellionProbability, 0.0)
	assert.Less(t, agg.RebellionProbability, 1.0)

	_, err = g.GetNPCState(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraph_UpdateNPCState(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	queued, err := g.UpdateNPCState(ctx, "npc-5", 0.8, 0.3)
	require.NoError(t, err)
	assert.False(t, queued)

	agg, err := g.GetNPCState(ctx, "npc-5")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, agg.WorkEfficiency, 1e-9)
	assert.InDelta(t, 0.3, agg.Morale, 1e-9)
}

func TestSessionPool_TimesOutWhenExhausted(t *testing.T) {
	backend := NewMemoryBackend()
	pool := NewSessionPool(backend, 1, 50*time.Millisecond)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.WithSession(context.Background(), func(Session) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := pool.WithSession(context.Background(), func(Session) error { return nil })
	assert.ErrorIs(t, err, ErrPoolTimeout)

	close(release)
}
