// Package logistics is the outbound client for the behavior service when it
// runs as a separate deployment. gRPC is the preferred transport with HTTP
// as fallback; each transport sits behind its own circuit breaker, and when
// both are down callers get a safe conservative default instead of an error.
package logistics

import (
	"context"
	"log"

	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
)

// Assessment is one rebellion probability answer, tagged with where it
// came from.
type Assessment struct {
	NPCID             string              `json:"npc_id"`
	Probability       float64             `json:"probability"`
	ThresholdExceeded bool                `json:"threshold_exceeded"`
	Factors           *rebellion.Factors  `json:"factors,omitempty"`
	Degraded          bool                `json:"degraded"`
	Source            string              `json:"source"`
	CalculatedAt      core.EpochTimestamp `json:"calculated_at"`
}

// ActionOutcome is the result of a processed director action.
type ActionOutcome struct {
	NPCID                string  `json:"npc_id"`
	WorkEfficiency       float64 `json:"work_efficiency"`
	Morale               float64 `json:"morale"`
	TraumaScore          float64 `json:"trauma_score"`
	RebellionProbability float64 `json:"rebellion_probability"`
	RebellionDelta       float64 `json:"rebellion_delta"`
	RebellionTriggered   bool    `json:"rebellion_triggered"`
	Source               string  `json:"source"`
}

// Transport is one way to reach the behavior service.
type Transport interface {
	Name() string
	Probability(ctx context.Context, npcID string, includeFactors bool) (*Assessment, error)
	ProcessAction(ctx context.Context, action rebellion.Action) (*ActionOutcome, error)
	Close() error
}

// Client routes requests across transports in order, skipping any whose
// breaker is open. Exhausting every transport degrades to the safe default:
// probability 0, threshold not exceeded.
type Client struct {
	transports []Transport
	breakers   *circuitbreaker.Manager
	logger     *log.Logger
}

// NewClient builds a client over the given transports, preferred first.
func NewClient(breakerTemplate circuitbreaker.Config, transports ...Transport) *Client {
	return &Client{
		transports: transports,
		breakers:   circuitbreaker.NewManager(breakerTemplate),
		logger:     log.New(log.Writer(), "[Logistics] ", log.LstdFlags),
	}
}

// SafeDefault is the answer handed out when no transport is reachable.
// It deliberately reads as "no rebellion risk known" so the pipeline keeps
// flowing rather than halting on infrastructure trouble.
func SafeDefault(npcID string) *Assessment {
	return &Assessment{
		NPCID:        npcID,
		Probability:  0,
		Degraded:     true,
		Source:       "default",
		CalculatedAt: core.Now(),
	}
}

// Probability asks the behavior service for an NPC's rebellion probability.
// Never returns an error: total transport failure yields the safe default
// with Degraded set.
func (c *Client) Probability(ctx context.Context, npcID string, includeFactors bool) *Assessment {
	for _, tr := range c.transports {
		br := c.breakers.Get(tr.Name())
		gen, err := br.Allow()
		if err != nil {
			continue
		}

		assessment, err := tr.Probability(ctx, npcID, includeFactors)
		if err != nil {
			br.RecordFailure(gen)
			c.logger.Printf("%s probability failed for %s: %v", tr.Name(), npcID, err)
			continue
		}
		br.RecordSuccess(gen)
		assessment.Source = tr.Name()
		return assessment
	}
	return SafeDefault(npcID)
}

// ProcessAction forwards a director action. Unlike Probability this is a
// mutation, so total failure is reported as an error rather than defaulted.
func (c *Client) ProcessAction(ctx context.Context, action rebellion.Action) (*ActionOutcome, error) {
	var lastErr error = core.NewMeshError(core.CodeBackendUnavailable, "no logistics transport reachable")

	for _, tr := range c.transports {
		br := c.breakers.Get(tr.Name())
		gen, err := br.Allow()
		if err != nil {
			continue
		}

		outcome, err := tr.ProcessAction(ctx, action)
		if err != nil {
			br.RecordFailure(gen)
			c.logger.Printf("%s action %s failed for %s: %v", tr.Name(), action.ActionType, action.NPCID, err)
			lastErr = err
			continue
		}
		br.RecordSuccess(gen)
		outcome.Source = tr.Name()
		return outcome, nil
	}
	return nil, lastErr
}

// BreakerStates exposes per-transport breaker states for the status surface.
func (c *Client) BreakerStates() map[string]circuitbreaker.State {
	return c.breakers.States()
}

// Close shuts every transport down.
func (c *Client) Close() {
	for _, tr := range c.transports {
		if err := tr.Close(); err != nil {
			c.logger.Printf("Close %s: %v", tr.Name(), err)
		}
	}
}
