// Package behavior keeps the in-process behavioral state of every NPC the
// mesh has seen. State is created lazily on first reference and lives for the
// lifetime of the process; the durable record belongs to the memory graph.
package behavior

import (
	"sync"
	"time"

	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
)

// NPCState is the mutable behavioral record for one NPC.
type NPCState struct {
	NPCID          string    `json:"npc_id"`
	Role           string    `json:"role"`
	WorkEfficiency float64   `json:"work_efficiency"`
	Morale         float64   `json:"morale"`
	AvgTrauma      float64   `json:"avg_trauma"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastActionAt   time.Time `json:"last_action_at,omitempty"`
}

// Registry is the process-wide NPC state store. All mutation goes through
// ApplyProfile so the rebellion engine stays the single source of effect math.
type Registry struct {
	mu   sync.RWMutex
	npcs map[string]*NPCState
}

// NewRegistry creates an empty NPC registry.
func NewRegistry() *Registry {
	return &Registry{npcs: make(map[string]*NPCState)}
}

// Register ensures an NPC exists, creating it with neutral defaults
// (efficiency 0.5, morale 0.5, trauma 0) on first sight. Returns a copy;
// the live record never leaves the lock.
func (r *Registry) Register(npcID string) NPCState {
	return r.RegisterWithRole(npcID, "worker")
}

// RegisterWithRole ensures an NPC exists with the given role. An existing
// NPC keeps its state; only a missing role is filled in.
func (r *Registry) RegisterWithRole(npcID, role string) NPCState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if npc, ok := r.npcs[npcID]; ok {
		if npc.Role == "" {
			npc.Role = role
		}
		return *npc
	}

	npc := &NPCState{
		NPCID:          npcID,
		Role:           role,
		WorkEfficiency: 0.5,
		Morale:         0.5,
		AvgTrauma:      0.0,
		RegisteredAt:   time.Now(),
	}
	r.npcs[npcID] = npc
	return *npc
}

// Get returns a copy of the NPC's state.
func (r *Registry) Get(npcID string) (NPCState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	npc, ok := r.npcs[npcID]
	if !ok {
		return NPCState{}, false
	}
	return *npc, true
}

// Profile converts stored state into a rebellion profile, registering the
// NPC if it has never been seen.
func (r *Registry) Profile(npcID string) rebellion.Profile {
	state := r.Register(npcID)
	return rebellion.Profile{
		NPCID:          state.NPCID,
		AvgTrauma:      state.AvgTrauma,
		WorkEfficiency: state.WorkEfficiency,
		Morale:         state.Morale,
	}
}

// ApplyProfile writes a post-action profile back to the stored state,
// clamping every field to [0,1].
func (r *Registry) ApplyProfile(profile rebellion.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	npc, ok := r.npcs[profile.NPCID]
	if !ok {
		npc = &NPCState{NPCID: profile.NPCID, Role: "worker", RegisteredAt: time.Now()}
		r.npcs[profile.NPCID] = npc
	}

	npc.AvgTrauma = core.Clamp01(profile.AvgTrauma)
	npc.WorkEfficiency = core.Clamp01(profile.WorkEfficiency)
	npc.Morale = core.Clamp01(profile.Morale)
	npc.LastActionAt = time.Now()
}

// AddTrauma bumps an NPC's trauma by delta, clamped to [0,1]. Used by the
// cleansing engine for survivor's guilt.
func (r *Registry) AddTrauma(npcID string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	npc, ok := r.npcs[npcID]
	if !ok {
		return
	}
	npc.AvgTrauma = core.Clamp01(npc.AvgTrauma + delta)
}

// GetByRole returns copies of every NPC with the given role.
func (r *Registry) GetByRole(role string) []NPCState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []NPCState
	for _, npc := range r.npcs {
		if npc.Role == role {
			out = append(out, *npc)
		}
	}
	return out
}

// All returns copies of every registered NPC.
func (r *Registry) All() []NPCState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NPCState, 0, len(r.npcs))
	for _, npc := range r.npcs {
		out = append(out, *npc)
	}
	return out
}

// Count returns the number of registered NPCs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.npcs)
}
