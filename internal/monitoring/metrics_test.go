package monitoring

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/epochmesh/backend/internal/circuitbreaker"
)

func TestBreakerStateHook_MirrorsTransitions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	cfg := circuitbreaker.DefaultConfig("openai")
	cfg.FailThreshold = 2
	cfg.OnStateChange = m.BreakerStateHook()
	b := circuitbreaker.New(cfg)

	gauge := m.BreakerState.WithLabelValues("openai")

	fail := errors.New("provider down")
	b.Do(func() error { return fail })
	assert.Zero(t, testutil.ToFloat64(gauge), "one failure stays closed")

	b.Do(func() error { return fail })
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(gauge))
}

func TestObserveRetryDepth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRetryDepth(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.RetryDepth))

	m.ObserveRetryDepth(0)
	assert.Zero(t, testutil.ToFloat64(m.RetryDepth))
}
