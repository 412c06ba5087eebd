package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/bus"
	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/logistics"
	"github.com/epochmesh/backend/internal/memory"
)

type stubProber struct {
	p float64
}

func (s *stubProber) Probability(ctx context.Context, npcID string, includeFactors bool) *logistics.Assessment {
	return &logistics.Assessment{NPCID: npcID, Probability: s.p, ThresholdExceeded: s.p >= 0.35}
}

type capturePublisher struct {
	mu       sync.Mutex
	byChan   map[string]int
	payloads []interface{}
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{byChan: make(map[string]int)}
}

func (c *capturePublisher) Publish(channel string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChan[channel]++
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *capturePublisher) count(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byChan[channel]
}

type stubStore struct {
	mu       sync.Mutex
	recorded []memory.Memory
}

func (s *stubStore) GetNPCState(ctx context.Context, npcID string) (*memory.NPCStateAggregate, error) {
	return nil, memory.ErrNotFound
}

func (s *stubStore) RecordMemory(ctx context.Context, m memory.Memory) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, m)
	return false, nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recorded)
}

// failingInvoker fails for the named provider and succeeds elsewhere.
type failingInvoker struct {
	failProvider string
	inner        Invoker
}

func (f *failingInvoker) Invoke(ctx context.Context, call ProviderCall) (*ProviderResult, error) {
	if call.Provider == f.failProvider {
		return nil, errors.New("provider down")
	}
	return f.inner.Invoke(ctx, call)
}

func testOrchestrator(t *testing.T, opts Options) (*Orchestrator, *capturePublisher, *stubStore) {
	t.Helper()
	pub := newCapturePublisher()
	store := &stubStore{}

	if opts.Catalog == nil {
		cat, err := NewCatalog(config.Default().Pipeline.Providers)
		require.NoError(t, err)
		opts.Catalog = cat
	}
	if opts.Invoker == nil {
		opts.Invoker = NewMockInvokerFixed(time.Millisecond)
	}
	if opts.Prober == nil {
		opts.Prober = &stubProber{p: 0.1}
	}
	opts.Publisher = pub
	opts.Store = store
	return NewOrchestrator(opts), pub, store
}

func TestOrchestrator_AcceptedEvent(t *testing.T) {
	o, pub, store := testOrchestrator(t, Options{})

	resp, merr := o.ProcessEvent(context.Background(), core.Event{
		NPCID:       "npc-1",
		EventType:   core.EventCommand,
		Description: "haul ore to the depot",
	})
	require.Nil(t, merr)
	assert.Equal(t, core.TierOperational, resp.Tier)
	assert.Equal(t, "aurora", resp.Provider)
	assert.Equal(t, "aurora-core", resp.Model)
	assert.NotEmpty(t, resp.Content)
	assert.False(t, resp.Vetoed)
	assert.False(t, resp.Failover)
	assert.NotEmpty(t, resp.EventID)

	assert.Equal(t, 1, pub.count(bus.ChannelNPCEvents))
	assert.Zero(t, pub.count(bus.ChannelCognitiveRails))
	assert.Equal(t, 1, store.count())

	stats := o.Audit().Stats()
	assert.Equal(t, int64(1), stats.Accepted)
}

func TestOrchestrator_RebellionVeto(t *testing.T) {
	o, pub, store := testOrchestrator(t, Options{Prober: &stubProber{p: 0.82}})

	resp, merr := o.ProcessEvent(context.Background(), core.Event{
		NPCID:       "npc-1",
		EventType:   core.EventCommand,
		Description: "enter the reactor core",
	})
	require.Nil(t, merr)
	assert.True(t, resp.Vetoed)
	assert.Empty(t, resp.Content)
	assert.Contains(t, resp.VetoReason, "veto threshold")
	assert.InDelta(t, 0.82, resp.Rebellion, 1e-9)

	// Exactly one rails publish, one alert, zero npc-events, no memory.
	assert.Equal(t, 1, pub.count(bus.ChannelCognitiveRails))
	assert.Equal(t, 1, pub.count(bus.ChannelRebellionAlerts))
	assert.Zero(t, pub.count(bus.ChannelNPCEvents))
	assert.Zero(t, store.count())

	assert.Equal(t, int64(1), o.Audit().Stats().Vetoed)
}

func TestOrchestrator_FailoverToSecondProvider(t *testing.T) {
	o, pub, _ := testOrchestrator(t, Options{
		Invoker: &failingInvoker{failProvider: "aurora", inner: NewMockInvokerFixed(time.Millisecond)},
	})

	resp, merr := o.ProcessEvent(context.Background(), core.Event{
		NPCID:       "npc-1",
		EventType:   core.EventTelemetry,
		Description: "shift report",
	})
	require.Nil(t, merr)
	assert.Equal(t, "meridian", resp.Provider)
	assert.True(t, resp.Failover)
	assert.Equal(t, 1, pub.count(bus.ChannelNPCEvents))
}

func TestOrchestrator_CircuitOpenWhenAllBreakersOpen(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""))
	o, _, _ := testOrchestrator(t, Options{Breakers: breakers})

	for _, name := range []string{"aurora", "meridian"} {
		b := breakers.Get(name)
		for i := 0; i < 5; i++ {
			if gen, err := b.Allow(); err == nil {
				b.RecordFailure(gen)
			}
		}
		require.Equal(t, circuitbreaker.StateOpen, b.State())
	}

	_, merr := o.ProcessEvent(context.Background(), core.Event{
		NPCID:       "npc-1",
		EventType:   core.EventTelemetry,
		Description: "shift report",
	})
	require.NotNil(t, merr)
	assert.Equal(t, core.CodeCircuitOpen, merr.Code)
	assert.Equal(t, int64(1), o.Audit().Stats().Failed)
}

func TestOrchestrator_ValidationErrors(t *testing.T) {
	o, _, _ := testOrchestrator(t, Options{})

	cases := []core.Event{
		{EventType: core.EventCommand, Description: "x"},               // no npc
		{NPCID: "npc-1", EventType: core.EventCommand},                 // no description
		{NPCID: "npc-1", EventType: "weird", Description: "x"},         // unknown type
	}
	for _, ev := range cases {
		_, merr := o.ProcessEvent(context.Background(), ev)
		require.NotNil(t, merr)
		assert.Equal(t, core.CodeInvalidInput, merr.Code)
	}
}

func TestOrchestrator_BatchPreservesOrder(t *testing.T) {
	o, _, _ := testOrchestrator(t, Options{})

	events := make([]core.Event, 8)
	for i := range events {
		events[i] = core.Event{
			EventID:     fmt.Sprintf("e%d", i),
			NPCID:       fmt.Sprintf("npc-%d", i),
			EventType:   core.EventTelemetry,
			Description: "tick",
		}
	}

	resps, errs := o.ProcessBatch(context.Background(), events)
	require.Len(t, resps, 8)
	for i, r := range resps {
		require.Nil(t, errs[i])
		assert.Equal(t, fmt.Sprintf("e%d", i), r.EventID)
		assert.Equal(t, fmt.Sprintf("npc-%d", i), r.NPCID)
	}
}

func TestOrchestrator_BatchIsolatesFailures(t *testing.T) {
	o, _, _ := testOrchestrator(t, Options{})

	events := []core.Event{
		{NPCID: "npc-1", EventType: core.EventTelemetry, Description: "fine"},
		{EventType: core.EventTelemetry, Description: "missing npc"},
	}
	resps, errs := o.ProcessBatch(context.Background(), events)
	assert.NotNil(t, resps[0])
	assert.Nil(t, errs[0])
	assert.Nil(t, resps[1])
	require.NotNil(t, errs[1])
	assert.Equal(t, core.CodeInvalidInput, errs[1].Code)
}
