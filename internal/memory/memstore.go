package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is the process-local fallback used when no Postgres DSN is
// configured, and the test double for the graph. It dispatches on the shared
// statement set, so the graph's queued ops replay against it unchanged.
type MemoryBackend struct {
	mu          sync.RWMutex
	npcs        map[string]memNPC
	memories    []memRow
	memoryIDs   map[string]struct{}
	confidence  map[string]map[string]memEdge // npc -> entity -> edge
	unreachable bool
}

type memNPC struct {
	workEfficiency float64
	morale         float64
	createdAtMs    int64
}

type memRow struct {
	memoryID       string
	npcID          string
	eventType      string
	description    string
	playerAction   string
	wisdomScore    float64
	rawTraumaScore float64
	createdAtMs    int64
}

type memEdge struct {
	confidence    float64
	decayRate     float64
	lastUpdatedMs int64
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		npcs:       make(map[string]memNPC),
		memoryIDs:  make(map[string]struct{}),
		confidence: make(map[string]map[string]memEdge),
	}
}

// SetUnreachable toggles simulated outage: every session operation fails
// until cleared.
func (b *MemoryBackend) SetUnreachable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = down
}

func (b *MemoryBackend) OpenSession(ctx context.Context) (Session, error) {
	b.mu.RLock()
	down := b.unreachable
	b.mu.RUnlock()
	if down {
		return nil, errors.New("backend unreachable")
	}
	return &memSession{backend: b}, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.unreachable {
		return errors.New("backend unreachable")
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

type memSession struct {
	backend *MemoryBackend
}

func (s *memSession) Close() error { return nil }

func (s *memSession) Exec(ctx context.Context, query string, params ...interface{}) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable {
		return errors.New("backend unreachable")
	}

	switch query {
	case stmtUpsertNPC:
		id := params[0].(string)
		if _, ok := b.npcs[id]; !ok {
			b.npcs[id] = memNPC{
				workEfficiency: toF64(params[1]),
				morale:         toF64(params[2]),
				createdAtMs:    toI64(params[3]),
			}
		}
		return nil

	case stmtUpdateNPCState:
		id := params[0].(string)
		n, ok := b.npcs[id]
		if !ok {
			return nil
		}
		n.workEfficiency = toF64(params[1])
		n.morale = toF64(params[2])
		b.npcs[id] = n
		return nil

	case stmtInsertMemory:
		id := params[0].(string)
		if _, dup := b.memoryIDs[id]; dup {
			return nil
		}
		b.memoryIDs[id] = struct{}{}
		b.memories = append(b.memories, memRow{
			memoryID:       id,
			npcID:          params[1].(string),
			eventType:      params[2].(string),
			description:    params[3].(string),
			playerAction:   params[4].(string),
			wisdomScore:    toF64(params[5]),
			rawTraumaScore: toF64(params[6]),
			createdAtMs:    toI64(params[7]),
		})
		return nil

	case stmtUpsertConfidence:
		npcID, entityID := params[0].(string), params[1].(string)
		edges, ok := b.confidence[npcID]
		if !ok {
			edges = make(map[string]memEdge)
			b.confidence[npcID] = edges
		}
		edges[entityID] = memEdge{
			confidence:    toF64(params[2]),
			decayRate:     toF64(params[3]),
			lastUpdatedMs: toI64(params[4]),
		}
		return nil

	case stmtPruneMemories:
		cutoff := toI64(params[0])
		kept := b.memories[:0]
		for _, m := range b.memories {
			if m.createdAtMs < cutoff {
				delete(b.memoryIDs, m.memoryID)
				continue
			}
			kept = append(kept, m)
		}
		b.memories = kept
		return nil
	}
	return errors.New("unknown statement: " + firstLine(query))
}

func (s *memSession) Query(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.unreachable {
		return nil, errors.New("backend unreachable")
	}

	switch query {
	case querySelectNPC:
		n, ok := b.npcs[params[0].(string)]
		if !ok {
			return nil, nil
		}
		return []map[string]interface{}{{
			"npc_id":          params[0].(string),
			"work_efficiency": n.workEfficiency,
			"morale":          n.morale,
		}}, nil

	case querySelectMemories:
		npcID := params[0].(string)
		since := toI64(params[1])
		limit := int(toI64(params[2]))

		var matched []memRow
		for _, m := range b.memories {
			if m.npcID == npcID && m.createdAtMs >= since {
				matched = append(matched, m)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].createdAtMs > matched[j].createdAtMs
		})
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}

		out := make([]map[string]interface{}, 0, len(matched))
		for _, m := range matched {
			out = append(out, map[string]interface{}{
				"memory_id":        m.memoryID,
				"npc_id":           m.npcID,
				"event_type":       m.eventType,
				"description":      m.description,
				"player_action":    m.playerAction,
				"wisdom_score":     m.wisdomScore,
				"raw_trauma_score": m.rawTraumaScore,
				"created_at_ms":    m.createdAtMs,
			})
		}
		return out, nil

	case querySelectConfidence:
		edges := b.confidence[params[0].(string)]
		e, ok := edges[params[1].(string)]
		if !ok {
			return nil, nil
		}
		return []map[string]interface{}{edgeRow(params[0].(string), params[1].(string), e)}, nil

	case querySelectConfidenceAll:
		npcID := params[0].(string)
		var out []map[string]interface{}
		for entityID, e := range b.confidence[npcID] {
			out = append(out, edgeRow(npcID, entityID, e))
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i]["entity_id"].(string) < out[j]["entity_id"].(string)
		})
		return out, nil
	}
	return nil, errors.New("unknown query: " + firstLine(query))
}

func edgeRow(npcID, entityID string, e memEdge) map[string]interface{} {
	return map[string]interface{}{
		"npc_id":          npcID,
		"entity_id":       entityID,
		"confidence":      e.confidence,
		"decay_rate":      e.decayRate,
		"last_updated_ms": e.lastUpdatedMs,
	}
}

func toF64(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}

func toI64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
