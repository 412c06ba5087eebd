// Package exporters adapts validated bus events into engine-native shapes.
// Exporters are isolated from each other: one exporter failing on an event
// never stops the rest of the fan-out.
package exporters

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/epochmesh/backend/internal/bus"
)

// Shared decision thresholds mirrored into every engine-side shape.
const (
	HaltThreshold = 0.35
	VetoThreshold = 0.80
)

// Exporter transforms one envelope into an engine-native payload. A nil
// payload with nil error means the exporter has no output for this event.
type Exporter interface {
	Name() string
	Export(env *bus.Envelope) (interface{}, error)
}

// Sink receives the per-exporter outputs.
type Sink func(exporter string, payload interface{})

// DispatcherStats counts fan-out outcomes.
type DispatcherStats struct {
	Events   int64 `json:"events"`
	Exported int64 `json:"exported"`
	Skipped  int64 `json:"skipped"`
	Errors   int64 `json:"errors"`
}

// Dispatcher consumes a bus subscription and fans every envelope through
// the registered exporters.
type Dispatcher struct {
	sub       *bus.Subscription
	exporters []Exporter
	sink      Sink
	logger    *log.Logger

	events   atomic.Int64
	exported atomic.Int64
	skipped  atomic.Int64
	errs     atomic.Int64
}

// NewDispatcher wires the fan-out. The sink may be nil when only side
// effects inside exporters matter.
func NewDispatcher(sub *bus.Subscription, sink Sink, exporters ...Exporter) *Dispatcher {
	return &Dispatcher{
		sub:       sub,
		exporters: exporters,
		sink:      sink,
		logger:    log.New(log.Writer(), "[Exporters] ", log.LstdFlags),
	}
}

// Run processes envelopes until the subscription closes or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.sub.C:
			if !ok {
				return
			}
			d.Dispatch(env)
		}
	}
}

// Dispatch fans one envelope through every exporter.
func (d *Dispatcher) Dispatch(env *bus.Envelope) {
	d.events.Add(1)
	for _, ex := range d.exporters {
		payload, err := d.export(ex, env)
		if err != nil {
			d.errs.Add(1)
			d.logger.Printf("%s failed on %s envelope %s: %v", ex.Name(), env.Channel, env.ID, err)
			continue
		}
		if payload == nil {
			d.skipped.Add(1)
			continue
		}
		d.exported.Add(1)
		if d.sink != nil {
			d.sink(ex.Name(), payload)
		}
	}
}

// export guards against a panicking exporter taking the dispatcher down.
func (d *Dispatcher) export(ex Exporter, env *bus.Envelope) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.errs.Add(1)
			d.logger.Printf("%s panicked on envelope %s: %v", ex.Name(), env.ID, r)
			payload, err = nil, nil
		}
	}()
	return ex.Export(env)
}

// Stats snapshots the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Events:   d.events.Load(),
		Exported: d.exported.Load(),
		Skipped:  d.skipped.Load(),
		Errors:   d.errs.Load(),
	}
}
