package memory

import (
	"context"
	"errors"
	"time"

	"github.com/epochmesh/backend/internal/core"
)

// Common errors at the memory component boundary.
var (
	// ErrBackendUnavailable is returned for reads that need fresh state
	// while the backend is down. Writes never surface it; they queue.
	ErrBackendUnavailable = errors.New("memory backend unavailable")

	// ErrPoolTimeout is returned when no session could be acquired within
	// the pool's acquisition timeout.
	ErrPoolTimeout = errors.New("session pool acquisition timed out")

	// ErrNotFound is returned when a requested node or edge does not exist.
	ErrNotFound = errors.New("not found")
)

// Session is one logical backend session. Any storage engine that can
// upsert nodes and relationships by id and execute parameterized statements
// satisfies the graph's needs.
type Session interface {
	// Exec runs a parameterized write statement.
	Exec(ctx context.Context, query string, params ...interface{}) error

	// Query runs a parameterized read and returns generic rows.
	Query(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error)

	// Close releases the session.
	Close() error
}

// Backend opens sessions against a storage engine.
type Backend interface {
	OpenSession(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// ============================================================================
// STATEMENTS
// ============================================================================

// The graph speaks to any backend through this fixed statement set. The
// Postgres backend executes them as-is; the in-memory backend dispatches on
// statement identity.
const (
	stmtUpsertNPC = `INSERT INTO npc_nodes (npc_id, work_efficiency, morale, created_at_ms)
		VALUES ($1, $2, $3, $4) ON CONFLICT (npc_id) DO NOTHING`

	stmtUpdateNPCState = `UPDATE npc_nodes SET work_efficiency = $2, morale = $3 WHERE npc_id = $1`

	stmtInsertMemory = `INSERT INTO memories
		(memory_id, npc_id, event_type, description, player_action, wisdom_score, raw_trauma_score, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (memory_id) DO NOTHING`

	stmtUpsertConfidence = `INSERT INTO confidence_edges (npc_id, entity_id, confidence, decay_rate, last_updated_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (npc_id, entity_id) DO UPDATE
		SET confidence = EXCLUDED.confidence, decay_rate = EXCLUDED.decay_rate, last_updated_ms = EXCLUDED.last_updated_ms`

	stmtPruneMemories = `DELETE FROM memories WHERE created_at_ms < $1`

	querySelectNPC = `SELECT npc_id, work_efficiency, morale FROM npc_nodes WHERE npc_id = $1`

	querySelectMemories = `SELECT memory_id, npc_id, event_type, description, player_action,
		wisdom_score, raw_trauma_score, created_at_ms
		FROM memories WHERE npc_id = $1 AND created_at_ms >= $2
		ORDER BY created_at_ms DESC LIMIT $3`

	querySelectConfidence = `SELECT npc_id, entity_id, confidence, decay_rate, last_updated_ms
		FROM confidence_edges WHERE npc_id = $1 AND entity_id = $2`

	querySelectConfidenceAll = `SELECT npc_id, entity_id, confidence, decay_rate, last_updated_ms
		FROM confidence_edges WHERE npc_id = $1`
)

// ============================================================================
// DOMAIN RECORDS
// ============================================================================

// Memory is one append-only memory node.
type Memory struct {
	MemoryID       string              `json:"memory_id"`
	NPCID          string              `json:"npc_id"`
	EventType      string              `json:"event_type"`
	Description    string              `json:"description"`
	PlayerAction   string              `json:"player_action,omitempty"`
	WisdomScore    float64             `json:"wisdom_score"`
	TraumaScore    float64             `json:"trauma_score"` // decayed at read time
	RawTraumaScore float64             `json:"raw_trauma_score"`
	Timestamp      core.EpochTimestamp `json:"timestamp"`
}

// ConfidenceEdge is a directed trust edge from an NPC to an entity.
// entity "director" designates the controlling player.
type ConfidenceEdge struct {
	NPCID       string              `json:"npc_id"`
	EntityID    string              `json:"entity_id"`
	Confidence  float64             `json:"confidence"` // raw stored value
	DecayRate   float64             `json:"decay_rate"`
	LastUpdated core.EpochTimestamp `json:"last_updated"`
}

// NPCStateAggregate is the per-NPC rollup served by GetNPCState.
type NPCStateAggregate struct {
	NPCID                string  `json:"npc_id"`
	WisdomScore          float64 `json:"wisdom_score"`
	TraumaScore          float64 `json:"trauma_score"`
	RebellionProbability float64 `json:"rebellion_probability"`
	WorkEfficiency       float64 `json:"work_efficiency"`
	Morale               float64 `json:"morale"`
	MemoryCount          int     `json:"memory_count"`
	LastEvent            string  `json:"last_event,omitempty"`
}

func hoursSince(unixMs int64, now time.Time) float64 {
	return now.Sub(time.UnixMilli(unixMs)).Hours()
}
