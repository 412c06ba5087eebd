package pipeline

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epochmesh/backend/internal/bus"
	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/logistics"
	"github.com/epochmesh/backend/internal/memory"
	"github.com/epochmesh/backend/internal/monitoring"
)

// RebellionProber answers rebellion probability queries. Implementations
// must degrade to a safe default instead of failing; the pipeline never
// blocks on the behavior engine being down.
type RebellionProber interface {
	Probability(ctx context.Context, npcID string, includeFactors bool) *logistics.Assessment
}

// MemoryStore is the slice of the memory graph the pipeline uses.
type MemoryStore interface {
	GetNPCState(ctx context.Context, npcID string) (*memory.NPCStateAggregate, error)
	RecordMemory(ctx context.Context, m memory.Memory) (queued bool, err error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(channel string, data interface{}) error
}

// Orchestrator drives the full per-event path: classify, route, call,
// rebellion check, rails, broadcast, persist, audit.
type Orchestrator struct {
	catalog  *Catalog
	breakers *circuitbreaker.Manager
	invoker  Invoker
	prober   RebellionProber
	store    MemoryStore
	pub      Publisher
	rails    *Rails
	audit    *AuditRing

	metrics *monitoring.Metrics
	status  *monitoring.StatusCounters

	rebellionTimeout time.Duration

	logger *log.Logger
}

// Options bundles the orchestrator's collaborators. Catalog, Invoker and
// Publisher are required; the rest may be nil and are defaulted or skipped.
type Options struct {
	Catalog          *Catalog
	Breakers         *circuitbreaker.Manager
	Invoker          Invoker
	Prober           RebellionProber
	Store            MemoryStore
	Publisher        Publisher
	Rails            *Rails
	Audit            *AuditRing
	Metrics          *monitoring.Metrics
	Status           *monitoring.StatusCounters
	RebellionTimeout time.Duration
}

// NewOrchestrator assembles the pipeline.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""))
	}
	if opts.Rails == nil {
		opts.Rails = NewRails(0, 0, nil)
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditRing(0)
	}
	if opts.Status == nil {
		opts.Status = monitoring.NewStatusCounters()
	}
	if opts.RebellionTimeout <= 0 {
		opts.RebellionTimeout = 2 * time.Second
	}
	return &Orchestrator{
		catalog:          opts.Catalog,
		breakers:         opts.Breakers,
		invoker:          opts.Invoker,
		prober:           opts.Prober,
		store:            opts.Store,
		pub:              opts.Publisher,
		rails:            opts.Rails,
		audit:            opts.Audit,
		metrics:          opts.Metrics,
		status:           opts.Status,
		rebellionTimeout: opts.RebellionTimeout,
		logger:           log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// Audit exposes the audit ring for the HTTP surface.
func (o *Orchestrator) Audit() *AuditRing { return o.audit }

// Status exposes the aggregate counters for the HTTP surface.
func (o *Orchestrator) Status() *monitoring.StatusCounters { return o.status }

// Breakers exposes the per-provider breaker manager.
func (o *Orchestrator) Breakers() *circuitbreaker.Manager { return o.breakers }

// ValidateEvent checks the ingress contract.
func ValidateEvent(ev core.Event) *core.MeshError {
	if strings.TrimSpace(ev.NPCID) == "" {
		return core.NewMeshError(core.CodeInvalidInput, "npc_id is required")
	}
	if strings.TrimSpace(ev.Description) == "" {
		return core.NewMeshError(core.CodeInvalidInput, "description is required")
	}
	if !core.KnownEventTypes[ev.EventType] {
		return core.NewMeshError(core.CodeInvalidInput, "unknown event_type: "+string(ev.EventType))
	}
	return nil
}

// ProcessEvent runs one event through the whole pipeline.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev core.Event) (*core.MeshResponse, *core.MeshError) {
	if merr := ValidateEvent(ev); merr != nil {
		return nil, merr
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	start := time.Now()
	tier := Classify(ev)

	npcCtx := o.loadContext(ctx, ev.NPCID)
	prompt := BuildPrompt(ev, tier, npcCtx)

	result, provider, model, failover, merr := o.callWithFailover(ctx, ev, tier, prompt)
	if merr != nil {
		o.recordFailure(ev, tier, provider, model, start, failover, merr)
		return nil, merr
	}

	rebellionP := o.probeRebellion(ctx, ev.NPCID)

	elapsedMs := time.Since(start).Milliseconds()
	verdict := o.rails.Evaluate(ev, tier, result.Content, rebellionP, elapsedMs)

	resp := &core.MeshResponse{
		EventID:     ev.EventID,
		NPCID:       ev.NPCID,
		Tier:        tier,
		Provider:    provider,
		Model:       model.ID,
		Content:     result.Content,
		Vetoed:      verdict.Vetoed,
		VetoReason:  verdict.Reason,
		Rebellion:   rebellionP,
		Failover:    failover,
		LatencyMs:   elapsedMs,
		Cost:        result.Cost,
		ProcessedAt: core.Now(),
	}
	if verdict.Vetoed {
		resp.Content = ""
	}

	o.broadcast(resp, verdict)
	o.persist(ctx, ev, resp)
	o.finish(resp, verdict)
	return resp, nil
}

// ProcessBatch runs events concurrently, preserving input order. Per-event
// failures surface as entries in the error slice at the matching index.
func (o *Orchestrator) ProcessBatch(ctx context.Context, events []core.Event) ([]*core.MeshResponse, []*core.MeshError) {
	responses := make([]*core.MeshResponse, len(events))
	errs := make([]*core.MeshError, len(events))

	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev core.Event) {
			defer wg.Done()
			responses[i], errs[i] = o.ProcessEvent(ctx, ev)
		}(i, ev)
	}
	wg.Wait()

	o.status.BatchesTotal.Add(1)
	return responses, errs
}

// ============================================================================
// STAGES
// ============================================================================

func (o *Orchestrator) loadContext(ctx context.Context, npcID string) *NPCContext {
	if o.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	agg, err := o.store.GetNPCState(cctx, npcID)
	if err != nil {
		return nil // context is best-effort; a cold or dark backend is not fatal
	}
	return &NPCContext{
		WisdomScore:          agg.WisdomScore,
		TraumaScore:          agg.TraumaScore,
		RebellionProbability: agg.RebellionProbability,
		MemoryCount:          agg.MemoryCount,
	}
}

func (o *Orchestrator) callWithFailover(ctx context.Context, ev core.Event, tier core.Tier, prompt string) (*ProviderResult, string, Model, bool, *core.MeshError) {
	candidates := o.catalog.Candidates(tier)
	if len(candidates) == 0 {
		return nil, "", Model{}, false, core.NewMeshError(core.CodeBackendUnavailable, "no provider serves tier "+string(tier))
	}

	budget := time.Duration(o.rails.LatencyBudgetMs[tier]) * time.Millisecond
	if budget <= 0 {
		budget = 10 * time.Second
	}

	allOpen := true
	for i, cand := range candidates {
		br := o.breakers.Get(cand.Provider)
		gen, err := br.Allow()
		if err != nil {
			continue
		}
		allOpen = false

		callCtx, cancel := context.WithTimeout(ctx, budget)
		result, err := o.invoker.Invoke(callCtx, ProviderCall{
			Provider: cand.Provider,
			Model:    cand.Model,
			Tier:     tier,
			Prompt:   prompt,
		})
		cancel()

		if err != nil {
			br.RecordFailure(gen)
			o.logger.Printf("Provider %s failed for event %s: %v", cand.Provider, ev.EventID, err)
			continue
		}
		br.RecordSuccess(gen)

		if o.metrics != nil {
			o.metrics.ProviderLatency.WithLabelValues(cand.Provider, cand.Model.ID).
				Observe(float64(result.LatencyMs) / 1000.0)
		}
		failover := i > 0
		if failover {
			o.status.FailoversTotal.Add(1)
		}
		return result, cand.Provider, cand.Model, failover, nil
	}

	if allOpen {
		return nil, "", Model{}, true, core.NewMeshError(core.CodeCircuitOpen, "all providers for tier "+string(tier)+" have open breakers")
	}
	return nil, "", Model{}, true, core.NewMeshError(core.CodeBackendUnavailable, "every provider for tier "+string(tier)+" failed")
}

func (o *Orchestrator) probeRebellion(ctx context.Context, npcID string) float64 {
	if o.prober == nil {
		return 0
	}
	pctx, cancel := context.WithTimeout(ctx, o.rebellionTimeout)
	defer cancel()
	return o.prober.Probability(pctx, npcID, false).Probability
}

func (o *Orchestrator) broadcast(resp *core.MeshResponse, verdict RailVerdict) {
	if o.pub == nil {
		return
	}
	if verdict.Vetoed {
		o.publish(bus.ChannelCognitiveRails, map[string]interface{}{
			"event_id": resp.EventID,
			"npc_id":   resp.NPCID,
			"rail":     verdict.Rail,
			"reason":   verdict.Reason,
			"tier":     resp.Tier,
		})
		o.publish(bus.ChannelRebellionAlerts, map[string]interface{}{
			"event_id":    resp.EventID,
			"npc_id":      resp.NPCID,
			"probability": resp.Rebellion,
			"vetoed":      true,
			"reason":      verdict.Reason,
		})
		return
	}
	o.publish(bus.ChannelNPCEvents, resp)
}

func (o *Orchestrator) publish(channel string, data interface{}) {
	if err := o.pub.Publish(channel, data); err != nil {
		o.logger.Printf("Publish %s failed: %v", channel, err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, ev core.Event, resp *core.MeshResponse) {
	if o.store == nil || resp.Vetoed {
		// Vetoed events leave no accepted-action memory; the audit entry
		// and rails broadcast are their only trace.
		return
	}
	trauma := 0.0
	if ev.Urgency != nil {
		trauma = *ev.Urgency * 0.3
	}
	queued, err := o.store.RecordMemory(ctx, memory.Memory{
		NPCID:          ev.NPCID,
		EventType:      string(ev.EventType),
		Description:    ev.Description,
		RawTraumaScore: trauma,
	})
	if err != nil {
		o.logger.Printf("Memory record failed for event %s: %v", ev.EventID, err)
	} else if queued {
		o.logger.Printf("Memory for event %s queued for replay", ev.EventID)
	}
}

func (o *Orchestrator) finish(resp *core.MeshResponse, verdict RailVerdict) {
	result := "accepted"
	if verdict.Vetoed {
		result = "vetoed"
		o.status.EventsVetoed.Add(1)
	}
	o.status.EventsTotal.Add(1)
	o.status.ObserveEvent(resp.LatencyMs, resp.Cost)

	o.audit.Append(AuditEntry{
		EventID:   resp.EventID,
		NPCID:     resp.NPCID,
		Tier:      resp.Tier,
		Provider:  resp.Provider,
		Model:     resp.Model,
		LatencyMs: resp.LatencyMs,
		Cost:      resp.Cost,
		Failover:  resp.Failover,
		Result:    result,
		Reason:    verdict.Reason,
	})

	if o.metrics != nil {
		o.metrics.EventsProcessed.WithLabelValues(string(resp.Tier), result).Inc()
	}
}

func (o *Orchestrator) recordFailure(ev core.Event, tier core.Tier, provider string, model Model, start time.Time, failover bool, merr *core.MeshError) {
	o.status.EventsTotal.Add(1)
	o.status.EventsFailed.Add(1)

	o.audit.Append(AuditEntry{
		EventID:   ev.EventID,
		NPCID:     ev.NPCID,
		Tier:      tier,
		Provider:  provider,
		Model:     model.ID,
		LatencyMs: time.Since(start).Milliseconds(),
		Failover:  failover,
		Result:    "failed",
		Reason:    merr.Reason,
	})
	if o.metrics != nil {
		o.metrics.EventsProcessed.WithLabelValues(string(tier), "failed").Inc()
	}
}
