package watchdog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
)

func TestWatchdog_RestartsDownService(t *testing.T) {
	log := &eventLog{}
	restarter := &fakeRestarter{log: log}

	cfg := phoenixConfig(t, config.ServiceConfig{Name: "svc-a", Port: freePort(t)})
	var alerts []core.TelemetryEvent
	w := New(cfg, restarter, func(ev core.TelemetryEvent) { alerts = append(alerts, ev) }, nil)

	w.RunOnce(context.Background())

	assert.Equal(t, []string{"restart:svc-a"}, log.all())
	assert.Equal(t, 1, w.DownCount())

	statuses := w.Statuses()
	require.Contains(t, statuses, "svc-a")
	assert.False(t, statuses["svc-a"].Healthy)
	assert.Equal(t, ProbePort, statuses["svc-a"].LastProbe.Kind)
	assert.EqualValues(t, 1, statuses["svc-a"].Restarts)

	require.Len(t, alerts, 1)
	assert.Equal(t, core.TelemetryWatchdogRestart, alerts[0].Type)
	assert.Equal(t, core.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "svc-a", alerts[0].Service)
}

func TestWatchdog_HealthyServiceLeftAlone(t *testing.T) {
	log := &eventLog{}
	_, port := listen(t)

	cfg := phoenixConfig(t, config.ServiceConfig{Name: "svc-a", Port: port})
	w := New(cfg, &fakeRestarter{log: log}, nil, nil)

	w.RunOnce(context.Background())

	assert.Empty(t, log.all())
	assert.Zero(t, w.DownCount())
	assert.True(t, w.Statuses()["svc-a"].Healthy)
}

func TestWatchdog_QuarantineAfterBudgetExhausted(t *testing.T) {
	log := &eventLog{}
	restarter := &fakeRestarter{log: log}

	cfg := phoenixConfig(t, config.ServiceConfig{Name: "svc-a", Port: freePort(t)})
	cfg.RestartBudget = 2

	var alerts []core.TelemetryEvent
	w := New(cfg, restarter, func(ev core.TelemetryEvent) { alerts = append(alerts, ev) }, nil)

	for i := 0; i < 5; i++ {
		w.RunOnce(context.Background())
	}

	assert.Len(t, log.all(), 2, "restarts stop at the budget")
	assert.True(t, w.Statuses()["svc-a"].Quarantined)

	var critical int
	for _, ev := range alerts {
		if ev.Severity == core.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical, "quarantine alerts once, not per sweep")
}

func TestWatchdog_ClearQuarantineResumesRestarts(t *testing.T) {
	log := &eventLog{}
	restarter := &fakeRestarter{log: log}

	cfg := phoenixConfig(t, config.ServiceConfig{Name: "svc-a", Port: freePort(t)})
	cfg.RestartBudget = 1
	w := New(cfg, restarter, nil, nil)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	assert.Len(t, log.all(), 1)
	assert.True(t, w.Statuses()["svc-a"].Quarantined)

	w.ClearQuarantine("svc-a")
	assert.False(t, w.Statuses()["svc-a"].Quarantined)

	w.RunOnce(context.Background())
	assert.Len(t, log.all(), 2)
}
