// Package simulation runs the world-scoped tick loop: resource production,
// population rebellion aggregates, and the infestation state machine that can
// escalate into a Plague Heart and throttle production.
package simulation

import (
	"log"
	"sync"

	"github.com/epochmesh/backend/internal/behavior"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
)

// ResourceType names a tracked world resource.
type ResourceType string

const (
	ResourceSim      ResourceType = "sim"
	ResourceRapidlum ResourceType = "rapidlum"
	ResourceMineral  ResourceType = "mineral"
)

// ResourceState tracks one resource's quantity and flow rates per tick.
type ResourceState struct {
	Quantity        float64 `json:"quantity"`
	ProductionRate  float64 `json:"production_rate"`
	ConsumptionRate float64 `json:"consumption_rate"`
}

// InfestationState is the world-scoped infestation readout.
type InfestationState struct {
	Level              float64 `json:"level"` // 0-100
	IsPlagueHeart      bool    `json:"is_plague_heart"`
	ThrottleMultiplier float64 `json:"throttle_multiplier"`
}

// Snapshot is the per-tick world state emitted on the simulation-ticks channel.
type Snapshot struct {
	TickNumber int64                          `json:"tick_number"`
	Resources  map[ResourceType]ResourceState `json:"resources"`
	Facilities struct {
		Refineries int `json:"refineries"`
		Mines      int `json:"mines"`
	} `json:"facilities"`
	Population struct {
		ActiveNPCs                  int     `json:"active_npcs"`
		OverallRebellionProbability float64 `json:"overall_rebellion_probability"`
	} `json:"population"`
	Infestation InfestationState `json:"infestation"`
}

// TelemetrySink receives telemetry emitted by the engine. Wired to the bus
// at composition time; the engine never blocks on it.
type TelemetrySink func(core.TelemetryEvent)

// Config controls infestation thresholds and throttling.
type Config struct {
	WarningLevel    float64 // emit warning telemetry at or above this level
	PlagueThreshold float64 // enter plague heart at or above this level
	PlagueThrottle  float64 // production multiplier while plague heart is active
}

// DefaultConfig returns warning at 50, plague heart at 75, throttle 0.5.
func DefaultConfig() Config {
	return Config{WarningLevel: 50, PlagueThreshold: 75, PlagueThrottle: 0.5}
}

// Engine advances the world one tick at a time.
type Engine struct {
	mu sync.Mutex

	cfg        Config
	reb        *rebellion.Engine
	npcs       *behavior.Registry
	sink       TelemetrySink
	logger     *log.Logger
	tickCount  int64
	resources  map[ResourceType]*ResourceState
	refineries int
	mines      int

	infestation  InfestationState
	warnedAbove  bool // warning telemetry emitted for the current excursion
	lastOverallP float64
}

// NewEngine creates a simulation engine with the starting economy.
func NewEngine(cfg Config, reb *rebellion.Engine, npcs *behavior.Registry, sink TelemetrySink) *Engine {
	if sink == nil {
		sink = func(core.TelemetryEvent) {}
	}
	return &Engine{
		cfg:    cfg,
		reb:    reb,
		npcs:   npcs,
		sink:   sink,
		logger: log.New(log.Writer(), "[Simulation] ", log.LstdFlags),
		resources: map[ResourceType]*ResourceState{
			ResourceSim:      {Quantity: 1000, ProductionRate: 12, ConsumptionRate: 8},
			ResourceRapidlum: {Quantity: 400, ProductionRate: 5, ConsumptionRate: 3},
			ResourceMineral:  {Quantity: 750, ProductionRate: 9, ConsumptionRate: 6},
		},
		refineries:  2,
		mines:       3,
		infestation: InfestationState{ThrottleMultiplier: 1.0},
	}
}

// Tick advances the world one step and returns the resulting snapshot.
func (e *Engine) Tick() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tickCount++

	// Resource flows, throttled while the plague heart is active.
	for _, rs := range e.resources {
		rs.Quantity += rs.ProductionRate*e.infestation.ThrottleMultiplier - rs.ConsumptionRate
		if rs.Quantity < 0 {
			rs.Quantity = 0
		}
	}

	overallP, avgTrauma := e.populationAggregates()
	e.lastOverallP = overallP
	e.advanceInfestation(overallP, avgTrauma)

	return e.snapshotLocked(overallP)
}

// populationAggregates computes mean rebellion probability and mean trauma
// across all registered NPCs.
func (e *Engine) populationAggregates() (float64, float64) {
	states := e.npcs.All()
	if len(states) == 0 {
		return 0, 0
	}

	var pSum, tSum float64
	for _, s := range states {
		result := e.reb.CalculateProbability(rebellion.Profile{
			NPCID:          s.NPCID,
			AvgTrauma:      s.AvgTrauma,
			WorkEfficiency: s.WorkEfficiency,
			Morale:         s.Morale,
		})
		pSum += result.Probability
		tSum += s.AvgTrauma
	}
	return pSum / float64(len(states)), tSum / float64(len(states))
}

// advanceInfestation accumulates infestation from sustained rebellion and
// trauma, and drives the Clear / warning / Plague Heart transitions.
func (e *Engine) advanceInfestation(overallP, avgTrauma float64) {
	halt := e.reb.Config().HaltThreshold

	if overallP >= halt {
		e.infestation.Level += overallP*2.0 + avgTrauma*1.5
	} else {
		// Calm ticks bleed infestation off slowly.
		e.infestation.Level -= 0.5
	}
	e.infestation.Level = core.Clamp(e.infestation.Level, 0, 100)

	switch {
	case e.infestation.Level < e.cfg.WarningLevel:
		e.warnedAbove = false

	case e.infestation.Level >= e.cfg.PlagueThreshold && !e.infestation.IsPlagueHeart:
		e.infestation.IsPlagueHeart = true
		e.infestation.ThrottleMultiplier = e.cfg.PlagueThrottle
		e.logger.Printf("Plague Heart manifested at level %.1f (tick %d)", e.infestation.Level, e.tickCount)
		e.sink(core.TelemetryEvent{
			Type:     core.TelemetryInfestation,
			Severity: core.SeverityCritical,
			Payload: map[string]interface{}{
				"level":               e.infestation.Level,
				"is_plague_heart":     true,
				"throttle_multiplier": e.infestation.ThrottleMultiplier,
			},
			Timestamp: core.Now(),
		})

	case !e.warnedAbove && !e.infestation.IsPlagueHeart:
		e.warnedAbove = true
		e.sink(core.TelemetryEvent{
			Type:     core.TelemetryInfestation,
			Severity: core.SeverityWarning,
			Payload: map[string]interface{}{
				"level": e.infestation.Level,
			},
			Timestamp: core.Now(),
		})
	}
}

// Cleanse clears the plague heart, restores full production and emits the
// one-shot info telemetry. No-op when no plague heart is active.
func (e *Engine) Cleanse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.infestation.IsPlagueHeart {
		return false
	}

	e.infestation.IsPlagueHeart = false
	e.infestation.ThrottleMultiplier = 1.0
	e.infestation.Level = 0
	e.warnedAbove = false
	e.logger.Printf("Plague Heart cleansed (tick %d)", e.tickCount)

	e.sink(core.TelemetryEvent{
		Type:     core.TelemetryInfestation,
		Severity: core.SeverityInfo,
		Payload: map[string]interface{}{
			"level":               0.0,
			"is_plague_heart":     false,
			"throttle_multiplier": 1.0,
			"cleansed":            true,
		},
		Timestamp: core.Now(),
	})
	return true
}

// Infestation returns the current infestation readout.
func (e *Engine) Infestation() InfestationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infestation
}

// Status returns the current snapshot without advancing the tick.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.lastOverallP)
}

func (e *Engine) snapshotLocked(overallP float64) Snapshot {
	snap := Snapshot{
		TickNumber:  e.tickCount,
		Resources:   make(map[ResourceType]ResourceState, len(e.resources)),
		Infestation: e.infestation,
	}
	for rt, rs := range e.resources {
		snap.Resources[rt] = *rs
	}
	snap.Facilities.Refineries = e.refineries
	snap.Facilities.Mines = e.mines
	snap.Population.ActiveNPCs = e.npcs.Count()
	snap.Population.OverallRebellionProbability = overallP
	return snap
}
