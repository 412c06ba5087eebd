// Package circuitbreaker guards each LLM provider with a Closed/Open/HalfOpen
// state machine so a failing provider is skipped by the router instead of
// dragging every event into its timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold reached, requests blocked
	StateHalfOpen              // probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the breaker forbids a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned when the half-open probe budget is spent.
var ErrTooManyProbes = errors.New("half-open probe already in flight")

// Config tunes one breaker.
type Config struct {
	// Name identifies the guarded provider.
	Name string

	// FailThreshold is the consecutive-failure count that trips Closed→Open.
	FailThreshold int

	// OpenDuration is how long the breaker stays Open before probing.
	OpenDuration time.Duration

	// Window is the Closed-state generation length; failure counts reset
	// when a window expires.
	Window time.Duration

	// HalfOpenProbes is the number of concurrent probes allowed in HalfOpen.
	HalfOpenProbes int

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the provider defaults: trip after 5 consecutive
// failures, stay open 30s, one half-open probe.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		FailThreshold:  5,
		OpenDuration:   30 * time.Second,
		Window:         60 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Breaker is one provider's circuit breaker. Transitions are totally ordered
// under the mutex; generation counting discards results that straddle a
// transition.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int
	probes     int
	expiry     time.Time
	openedAt   time.Time
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	b := &Breaker{cfg: cfg, state: StateClosed}
	b.newGeneration(time.Now())
	return b
}

// Name returns the guarded provider's name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, applying any due Open→HalfOpen expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a request may proceed right now, reserving a probe
// slot when the breaker is HalfOpen. Callers must pair a nil return with a
// later RecordSuccess or RecordFailure.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch state {
	case StateOpen:
		return generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return generation, ErrTooManyProbes
		}
		b.probes++
	}
	return generation, nil
}

// RecordSuccess feeds a successful call back into the state machine.
// In Closed it decays the failure count; in HalfOpen it closes the circuit.
func (b *Breaker) RecordSuccess(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return // stale result from before a transition
	}

	switch state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	case StateHalfOpen:
		b.setState(StateClosed, now)
	}
}

// RecordFailure feeds a failed call back into the state machine.
// Reaching FailThreshold in Closed opens the circuit; any failure in
// HalfOpen reopens it.
func (b *Breaker) RecordFailure(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// Do runs fn under the breaker, feeding the outcome back.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.Allow()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure(gen)
		return err
	}
	b.RecordSuccess(gen)
	return nil
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if b.cfg.Window > 0 && !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.openedAt = now
	}
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.failures = 0
	b.probes = 0

	switch b.state {
	case StateClosed:
		if b.cfg.Window > 0 {
			b.expiry = now.Add(b.cfg.Window)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.OpenDuration)
	default:
		b.expiry = time.Time{}
	}
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager holds one breaker per provider, creating them on demand.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
}

// NewManager creates a manager that stamps new breakers from the template.
func NewManager(template Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for a provider, creating it if necessary.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}

	cfg := m.template
	cfg.Name = name
	b = New(cfg)
	m.breakers[name] = b
	return b
}

// States returns the current state of every breaker, keyed by provider.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
