package memory

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/monitoring"
)

// Graph is the memory component's service surface. Writes go through the
// session pool and fall back to the retry buffer when the backend is down;
// reads fail fast with ErrBackendUnavailable. A background loop flushes the
// buffer and applies retention.
type Graph struct {
	pool  *SessionPool
	retry *RetryBuffer
	cfg   config.MemoryConfig

	logger  *log.Logger
	metrics *monitoring.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGraph wires a graph over the given backend.
func NewGraph(backend Backend, cfg config.MemoryConfig) *Graph {
	if cfg.DecayAlpha <= 0 {
		cfg.DecayAlpha = DefaultDecayAlpha
	}
	return &Graph{
		pool:   NewSessionPool(backend, cfg.SessionPoolSize, cfg.AcquireTimeout()),
		retry:  NewRetryBuffer(cfg.RetryCapacity, cfg.RetryMaxAge()),
		cfg:    cfg,
		logger: log.New(log.Writer(), "[MemoryGraph] ", log.LstdFlags),
		stopCh: make(chan struct{}),
	}
}

// AttachMetrics mirrors the retry buffer depth into the metrics bundle on
// every enqueue and flush.
func (g *Graph) AttachMetrics(m *monitoring.Metrics) { g.metrics = m }

func (g *Graph) observeDepth() {
	if g.metrics != nil {
		g.metrics.ObserveRetryDepth(g.retry.Size())
	}
}

// Start launches the auto-flush and retention loop.
func (g *Graph) Start() {
	g.wg.Add(1)
	go g.flushLoop()
	g.logger.Printf("Started (pool=%d, retry capacity=%d)", g.cfg.SessionPoolSize, g.cfg.RetryCapacity)
}

// Stop halts the background loop and attempts one final drain within ctx.
// Operations still queued after the attempt are logged and abandoned;
// shutdown never blocks on a dead backend.
func (g *Graph) Stop(ctx context.Context) {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()

	if n := g.FlushNow(ctx); n > 0 {
		g.logger.Printf("Final drain flushed %d ops", n)
	}
	if remaining := g.retry.Size(); remaining > 0 {
		g.logger.Printf("Shutting down with %d ops still queued", remaining)
	}
}

func (g *Graph) flushLoop() {
	defer g.wg.Done()

	interval := g.cfg.FlushInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Retention sweeps are much coarser than flush ticks.
	var lastPrune time.Time

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.retry.DrainValid()
			g.FlushNow(context.Background())

			if g.cfg.RetentionHours > 0 && time.Since(lastPrune) > time.Hour {
				g.pruneExpired()
				lastPrune = time.Now()
			}
		}
	}
}

// FlushNow replays queued operations oldest-first, stopping on the first
// failure. Returns the number flushed.
func (g *Graph) FlushNow(ctx context.Context) int {
	if g.retry.Size() == 0 {
		g.observeDepth()
		return 0
	}
	n := g.retry.Flush(func(op QueuedOp) error {
		return g.pool.WithSession(ctx, func(s Session) error {
			return s.Exec(ctx, op.Query, op.Params...)
		})
	})
	g.observeDepth()
	return n
}

func (g *Graph) pruneExpired() {
	cutoff := time.Now().Add(-time.Duration(g.cfg.RetentionHours) * time.Hour).UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := g.pool.WithSession(ctx, func(s Session) error {
		return s.Exec(ctx, stmtPruneMemories, cutoff)
	})
	if err != nil {
		g.logger.Printf("Retention prune failed: %v", err)
	}
}

// ============================================================================
// WRITES
// ============================================================================

// RecordMemory persists one memory, creating the NPC node if needed.
// When the backend is down both writes are queued and queued=true is
// returned; the write itself never fails.
func (g *Graph) RecordMemory(ctx context.Context, m Memory) (queued bool, err error) {
	if m.MemoryID == "" {
		m.MemoryID = uuid.NewString()
	}
	if m.Timestamp.UnixMs == 0 {
		m.Timestamp = core.Now()
	}
	m.RawTraumaScore = core.Clamp01(m.RawTraumaScore)

	ops := []QueuedOp{
		{Query: stmtUpsertNPC, Params: []interface{}{m.NPCID, 0.5, 0.5, m.Timestamp.UnixMs}},
		{Query: stmtInsertMemory, Params: []interface{}{
			m.MemoryID, m.NPCID, m.EventType, m.Description, m.PlayerAction,
			m.WisdomScore, m.RawTraumaScore, m.Timestamp.UnixMs,
		}},
	}

	writeErr := g.pool.WithSession(ctx, func(s Session) error {
		for _, op := range ops {
			if err := s.Exec(ctx, op.Query, op.Params...); err != nil {
				return err
			}
		}
		return nil
	})
	if writeErr != nil {
		for _, op := range ops {
			g.retry.Enqueue(op)
		}
		g.observeDepth()
		g.logger.Printf("Backend write failed, queued %d ops (depth=%d): %v",
			len(ops), g.retry.Size(), writeErr)
		return true, nil
	}

	// Player actions also move trust in the director. Skipped while the
	// backend is down; the next action catches the edge up.
	if m.PlayerAction != "" {
		if _, err := g.UpdateConfidenceFromAction(ctx, m.NPCID, m.PlayerAction, 1.0); err != nil {
			g.logger.Printf("Confidence adjust after %s failed: %v", m.PlayerAction, err)
		}
	}
	return false, nil
}

// UpdateConfidenceFromAction moves the director edge by the action's
// modifier scaled by intensity. A no-op for actions without a modifier.
func (g *Graph) UpdateConfidenceFromAction(ctx context.Context, npcID, action string, intensity float64) (float64, error) {
	delta := ConfidenceModifier(action, intensity)
	if delta == 0 {
		return g.GetConfidence(ctx, npcID, DirectorEntityID)
	}
	return g.AdjustConfidence(ctx, npcID, DirectorEntityID, delta)
}

// SetConfidence upserts an edge to an absolute value, queueing on outage.
func (g *Graph) SetConfidence(ctx context.Context, npcID, entityID string, value float64) (queued bool, err error) {
	op := QueuedOp{
		Query: stmtUpsertConfidence,
		Params: []interface{}{
			npcID, entityID, core.Clamp01(value), g.cfg.DecayAlpha, time.Now().UnixMilli(),
		},
	}

	writeErr := g.pool.WithSession(ctx, func(s Session) error {
		return s.Exec(ctx, op.Query, op.Params...)
	})
	if writeErr != nil {
		g.retry.Enqueue(op)
		g.observeDepth()
		return true, nil
	}
	return false, nil
}

// AdjustConfidence applies a delta to the current decayed value and stores
// the result as the new raw value with a fresh timestamp. Requires a live
// backend for the read.
func (g *Graph) AdjustConfidence(ctx context.Context, npcID, entityID string, delta float64) (float64, error) {
	current, err := g.GetConfidence(ctx, npcID, entityID)
	if err != nil {
		return 0, err
	}
	next := core.Clamp01(current + delta)
	if _, err := g.SetConfidence(ctx, npcID, entityID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// UpdateNPCState syncs the behavior engine's efficiency and morale into the
// NPC node, queueing on outage.
func (g *Graph) UpdateNPCState(ctx context.Context, npcID string, workEfficiency, morale float64) (queued bool, err error) {
	ops := []QueuedOp{
		{Query: stmtUpsertNPC, Params: []interface{}{npcID, workEfficiency, morale, time.Now().UnixMilli()}},
		{Query: stmtUpdateNPCState, Params: []interface{}{npcID, core.Clamp01(workEfficiency), core.Clamp01(morale)}},
	}

	writeErr := g.pool.WithSession(ctx, func(s Session) error {
		for _, op := range ops {
			if err := s.Exec(ctx, op.Query, op.Params...); err != nil {
				return err
			}
		}
		return nil
	})
	if writeErr != nil {
		for _, op := range ops {
			g.retry.Enqueue(op)
		}
		g.observeDepth()
		return true, nil
	}
	return false, nil
}

// ============================================================================
// READS
// ============================================================================

// GetMemories returns up to limit memories for an NPC, newest first, with
// trauma decayed to read time.
func (g *Graph) GetMemories(ctx context.Context, npcID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	since := int64(0)
	if g.cfg.RetentionHours > 0 {
		since = time.Now().Add(-time.Duration(g.cfg.RetentionHours) * time.Hour).UnixMilli()
	}

	var rows []map[string]interface{}
	err := g.pool.WithSession(ctx, func(s Session) error {
		var qerr error
		rows, qerr = s.Query(ctx, querySelectMemories, npcID, since, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]Memory, 0, len(rows))
	for _, r := range rows {
		m := Memory{
			MemoryID:       asString(r["memory_id"]),
			NPCID:          asString(r["npc_id"]),
			EventType:      asString(r["event_type"]),
			Description:    asString(r["description"]),
			PlayerAction:   asString(r["player_action"]),
			WisdomScore:    toF64(r["wisdom_score"]),
			RawTraumaScore: toF64(r["raw_trauma_score"]),
		}
		createdMs := toI64(r["created_at_ms"])
		m.Timestamp = core.EpochTimestamp{
			Iso8601: time.UnixMilli(createdMs).UTC().Format(time.RFC3339),
			UnixMs:  createdMs,
		}
		m.TraumaScore = DecayedTrauma(m.RawTraumaScore, hoursSince(createdMs, now), g.cfg.DecayAlpha)
		out = append(out, m)
	}
	return out, nil
}

// GetConfidence returns the decayed confidence of an NPC in an entity.
// A missing edge reads as the neutral 0.5.
func (g *Graph) GetConfidence(ctx context.Context, npcID, entityID string) (float64, error) {
	var rows []map[string]interface{}
	err := g.pool.WithSession(ctx, func(s Session) error {
		var qerr error
		rows, qerr = s.Query(ctx, querySelectConfidence, npcID, entityID)
		return qerr
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0.5, nil
	}

	r := rows[0]
	alpha := toF64(r["decay_rate"])
	if alpha <= 0 {
		alpha = g.cfg.DecayAlpha
	}
	return DecayedConfidence(toF64(r["confidence"]), hoursSince(toI64(r["last_updated_ms"]), time.Now()), alpha), nil
}

// GetConfidenceRelations returns every edge for an NPC with decayed values.
func (g *Graph) GetConfidenceRelations(ctx context.Context, npcID string) ([]ConfidenceEdge, error) {
	var rows []map[string]interface{}
	err := g.pool.WithSession(ctx, func(s Session) error {
		var qerr error
		rows, qerr = s.Query(ctx, querySelectConfidenceAll, npcID)
		return qerr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]ConfidenceEdge, 0, len(rows))
	for _, r := range rows {
		alpha := toF64(r["decay_rate"])
		if alpha <= 0 {
			alpha = g.cfg.DecayAlpha
		}
		updatedMs := toI64(r["last_updated_ms"])
		out = append(out, ConfidenceEdge{
			NPCID:       asString(r["npc_id"]),
			EntityID:    asString(r["entity_id"]),
			Confidence:  DecayedConfidence(toF64(r["confidence"]), hoursSince(updatedMs, now), alpha),
			DecayRate:   alpha,
			LastUpdated: core.EpochTimestamp{Iso8601: time.UnixMilli(updatedMs).UTC().Format(time.RFC3339), UnixMs: updatedMs},
		})
	}
	return out, nil
}

// GetNPCState aggregates memories and the director edge into the per-NPC
// rollup: wisdom, decayed trauma, and the memory-derived rebellion figure.
func (g *Graph) GetNPCState(ctx context.Context, npcID string) (*NPCStateAggregate, error) {
	mems, err := g.GetMemories(ctx, npcID, 500)
	if err != nil {
		return nil, err
	}

	var nodeRows []map[string]interface{}
	err = g.pool.WithSession(ctx, func(s Session) error {
		var qerr error
		nodeRows, qerr = s.Query(ctx, querySelectNPC, npcID)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	if len(nodeRows) == 0 && len(mems) == 0 {
		return nil, ErrNotFound
	}

	agg := &NPCStateAggregate{NPCID: npcID, WorkEfficiency: 0.5, Morale: 0.5, MemoryCount: len(mems)}
	if len(nodeRows) > 0 {
		agg.WorkEfficiency = toF64(nodeRows[0]["work_efficiency"])
		agg.Morale = toF64(nodeRows[0]["morale"])
	}

	if len(mems) > 0 {
		agg.LastEvent = mems[0].EventType

		types := make(map[string]struct{})
		var traumaSum, positive float64
		oldest, newest := mems[0].Timestamp.UnixMs, mems[0].Timestamp.UnixMs
		for _, m := range mems {
			types[m.EventType] = struct{}{}
			traumaSum += m.TraumaScore
			if m.PlayerAction == "reward" || m.PlayerAction == "dialogue" {
				positive++
			}
			if m.Timestamp.UnixMs < oldest {
				oldest = m.Timestamp.UnixMs
			}
			if m.Timestamp.UnixMs > newest {
				newest = m.Timestamp.UnixMs
			}
		}
		agg.TraumaScore = traumaSum / float64(len(mems))
		agg.WisdomScore = WisdomScore(WisdomInputs{
			MemoryCount:   len(mems),
			DistinctTypes: len(types),
			SpanHours:     float64(newest-oldest) / 3_600_000.0,
			PositiveRatio: positive / float64(len(mems)),
		})
	}

	directorConf, err := g.GetConfidence(ctx, npcID, DirectorEntityID)
	if err != nil {
		return nil, err
	}
	agg.RebellionProbability = RebellionFromMemory(agg.TraumaScore, directorConf)
	return agg, nil
}

// GetRebellionProbability is the memory-derived diagnostic figure. The
// behavior engine owns the enforcement-path probability.
func (g *Graph) GetRebellionProbability(ctx context.Context, npcID string) (float64, error) {
	agg, err := g.GetNPCState(ctx, npcID)
	if err != nil {
		return 0, err
	}
	return agg.RebellionProbability, nil
}

// ============================================================================
// HEALTH
// ============================================================================

// Healthy reports backend reachability.
func (g *Graph) Healthy(ctx context.Context) bool {
	return g.pool.Ping(ctx) == nil
}

// RetryStats exposes the retry buffer counters.
func (g *Graph) RetryStats() RetryStats { return g.retry.Stats() }

// RetryNearCapacity reports the phoenix trigger condition.
func (g *Graph) RetryNearCapacity() bool { return g.retry.NearCapacity() }

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
