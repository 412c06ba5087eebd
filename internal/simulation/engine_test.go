package simulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochmesh/backend/internal/behavior"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
)

func newTestEngine(sink TelemetrySink) (*Engine, *behavior.Registry) {
	reg := behavior.NewRegistry()
	reb := rebellion.NewEngine(rebellion.DefaultConfig())
	return NewEngine(DefaultConfig(), reb, reg, sink), reg
}

func TestTick_AdvancesResources(t *testing.T) {
	eng, _ := newTestEngine(nil)

	snap := eng.Tick()
	require.Equal(t, int64(1), snap.TickNumber)

	sim := snap.Resources[ResourceSim]
	// 1000 + 12*1.0 - 8 = 1004
	assert.InDelta(t, 1004, sim.Quantity, 0.001)
	assert.Equal(t, 2, snap.Facilities.Refineries)
	assert.Equal(t, 3, snap.Facilities.Mines)
}

func TestTick_CalmPopulationKeepsInfestationClear(t *testing.T) {
	eng, reg := newTestEngine(nil)
	reg.ApplyProfile(rebellion.Profile{NPCID: "calm", WorkEfficiency: 1.0, Morale: 1.0})

	for i := 0; i < 20; i++ {
		eng.Tick()
	}

	inf := eng.Infestation()
	assert.Equal(t, 0.0, inf.Level)
	assert.False(t, inf.IsPlagueHeart)
	assert.Equal(t, 1.0, inf.ThrottleMultiplier)
}

func TestInfestation_WarningThenPlagueHeart(t *testing.T) {
	var events []core.TelemetryEvent
	eng, reg := newTestEngine(func(ev core.TelemetryEvent) { events = append(events, ev) })

	// A fully traumatized, demoralized population pushes infestation hard:
	// p = 0.85, trauma = 1.0 → +3.2 per tick.
	reg.ApplyProfile(rebellion.Profile{NPCID: "broken", AvgTrauma: 1.0, WorkEfficiency: 0.0, Morale: 0.0})

	for i := 0; i < 30; i++ {
		eng.Tick()
	}

	inf := eng.Infestation()
	assert.True(t, inf.IsPlagueHeart)
	assert.Equal(t, 0.5, inf.ThrottleMultiplier)

	var warnings, criticals int
	for _, ev := range events {
		require.Equal(t, core.TelemetryInfestation, ev.Type)
		switch ev.Severity {
		case core.SeverityWarning:
			warnings++
		case core.SeverityCritical:
			criticals++
		}
	}
	assert.Equal(t, 1, warnings, "warning telemetry fires once per excursion")
	assert.Equal(t, 1, criticals, "plague heart telemetry fires once on entry")
}

func TestInfestation_ThrottleAppliesToProduction(t *testing.T) {
	eng, reg := newTestEngine(nil)
	reg.ApplyProfile(rebellion.Profile{NPCID: "broken", AvgTrauma: 1.0, WorkEfficiency: 0.0, Morale: 0.0})

	for i := 0; i < 30; i++ {
		eng.Tick()
	}
	require.True(t, eng.Infestation().IsPlagueHeart)

	before := eng.Status().Resources[ResourceSim].Quantity
	after := eng.Tick().Resources[ResourceSim].Quantity
	// 12*0.5 - 8 = -2 per tick under throttle.
	assert.InDelta(t, before-2, after, 0.001)
}

func TestCleanse(t *testing.T) {
	var events []core.TelemetryEvent
	eng, reg := newTestEngine(func(ev core.TelemetryEvent) { events = append(events, ev) })
	reg.ApplyProfile(rebellion.Profile{NPCID: "broken", AvgTrauma: 1.0, WorkEfficiency: 0.0, Morale: 0.0})

	// Not active yet: cleanse is a no-op.
	assert.False(t, eng.Cleanse())

	for i := 0; i < 30; i++ {
		eng.Tick()
	}
	require.True(t, eng.Infestation().IsPlagueHeart)

	events = events[:0]
	assert.True(t, eng.Cleanse())

	inf := eng.Infestation()
	assert.False(t, inf.IsPlagueHeart)
	assert.Equal(t, 1.0, inf.ThrottleMultiplier)
	assert.Equal(t, 0.0, inf.Level)

	require.Len(t, events, 1)
	assert.Equal(t, core.SeverityInfo, events[0].Severity)

	// Second cleanse emits nothing.
	assert.False(t, eng.Cleanse())
	assert.Len(t, events, 1)
}

func TestSnapshot_PopulationAggregates(t *testing.T) {
	eng, reg := newTestEngine(nil)
	reg.ApplyProfile(rebellion.Profile{NPCID: "a", WorkEfficiency: 1.0, Morale: 1.0}) // p = 0.05
	reg.ApplyProfile(rebellion.Profile{NPCID: "b", AvgTrauma: 1.0, WorkEfficiency: 0.0, Morale: 0.0}) // p = 0.85

	snap := eng.Tick()
	assert.Equal(t, 2, snap.Population.ActiveNPCs)
	assert.InDelta(t, 0.45, snap.Population.OverallRebellionProbability, 0.001)
}
