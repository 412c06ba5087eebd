package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/epochmesh/backend/internal/core"
)

// ProviderCall is one LLM invocation request.
type ProviderCall struct {
	Provider string
	Model    Model
	Tier     core.Tier
	Prompt   string
}

// ProviderResult is what comes back from a provider.
type ProviderResult struct {
	Content   string
	LatencyMs int64
	Cost      float64
}

// Invoker performs the actual provider call. The mock implementation stands
// in wherever no real provider credentials are configured.
type Invoker interface {
	Invoke(ctx context.Context, call ProviderCall) (*ProviderResult, error)
}

// MockInvoker simulates provider behavior: latency drawn from a tier-shaped
// range and deterministic stub content. Latency can be pinned for tests.
type MockInvoker struct {
	mu    sync.Mutex
	rng   *rand.Rand
	fixed time.Duration // when >0, used instead of the random range
}

// NewMockInvoker seeds the simulated latency source.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewMockInvokerFixed pins the simulated latency, for deterministic tests.
func NewMockInvokerFixed(latency time.Duration) *MockInvoker {
	m := NewMockInvoker()
	m.fixed = latency
	return m
}

func (m *MockInvoker) Invoke(ctx context.Context, call ProviderCall) (*ProviderResult, error) {
	delay := m.fixed
	if delay <= 0 {
		m.mu.Lock()
		delay = time.Duration(20+m.rng.Intn(180)) * time.Millisecond
		m.mu.Unlock()
	}

	start := time.Now()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	content := mockContent(call)
	tokens := float64(len(content)+len(call.Prompt)) / 4.0
	return &ProviderResult{
		Content:   content,
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      tokens / 1000.0 * call.Model.CostPer1K,
	}, nil
}

func mockContent(call ProviderCall) string {
	var b strings.Builder
	switch call.Tier {
	case core.TierStrategic:
		fmt.Fprintf(&b, "[%s] Strategic assessment: ", call.Model.ID)
		b.WriteString("analyzed the situation in depth, weighing rebellion risk and long-term consequences before recommending a course of action.")
	case core.TierOperational:
		fmt.Fprintf(&b, "[%s] Operational response: ", call.Model.ID)
		b.WriteString("assessed the event and recommends a concrete next step for the affected NPC.")
	default:
		fmt.Fprintf(&b, "[%s] Acknowledged: ", call.Model.ID)
		b.WriteString("routine event noted, no intervention required.")
	}
	return b.String()
}
