package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/epochmesh/backend/internal/bus"
	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/cleansing"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/memory"
	"github.com/epochmesh/backend/internal/rebellion"
)

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	service := s.deps.Service
	if service == "" {
		service = "epoch-mesh"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   service,
		"version":   s.deps.Version,
		"timestamp": core.Now(),
	})
}

// handleDeepHealth checks every dependency. A mesh that is buffering writes
// is degraded, not down; down means the retry ring is about to overflow too.
func (s *Server) handleDeepHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 3*time.Second)
	defer cancel()

	components := make(map[string]interface{})
	overall := "healthy"
	status := http.StatusOK

	if s.deps.Graph != nil {
		healthy := s.deps.Graph.Healthy(ctx)
		stats := s.deps.Graph.RetryStats()
		state := "healthy"
		if !healthy {
			state = "degraded"
			overall = "degraded"
			if s.deps.Graph.RetryNearCapacity() {
				state = "down"
				overall = "down"
				status = http.StatusServiceUnavailable
			}
		}
		components["memory_graph"] = map[string]interface{}{
			"state":       state,
			"retry_depth": stats.Size,
			"dropped":     stats.TotalDropped,
		}
	}

	if s.deps.Orchestrator != nil {
		states := s.deps.Orchestrator.Breakers().States()
		open := 0
		for _, st := range states {
			if st == circuitbreaker.StateOpen {
				open++
			}
		}
		state := "healthy"
		if len(states) > 0 && open == len(states) {
			state = "degraded"
			if overall == "healthy" {
				overall = "degraded"
			}
		}
		components["providers"] = map[string]interface{}{
			"state":    state,
			"breakers": states,
		}
	}

	if s.deps.Bus != nil {
		components["bus"] = s.deps.Bus.Stats()
	}
	if s.deps.Simulation != nil {
		components["infestation"] = s.deps.Simulation.Infestation()
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"timestamp":  core.Now(),
	})
}

// ============================================================================
// EVENT PIPELINE
// ============================================================================

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev core.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed event JSON: "+err.Error()))
		return
	}

	resp, merr := s.deps.Orchestrator.ProcessEvent(r.Context(), ev)
	if merr != nil {
		writeError(w, httpStatusFor(merr.Code), merr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchItem struct {
	Response *core.MeshResponse `json:"response,omitempty"`
	Error    *core.MeshError    `json:"error,omitempty"`
}

func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	var events []core.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed batch JSON: "+err.Error()))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "batch requires at least one event"))
		return
	}

	responses, errs := s.deps.Orchestrator.ProcessBatch(r.Context(), events)
	results := make([]batchItem, len(events))
	for i := range events {
		results[i] = batchItem{Response: responses[i], Error: errs[i]}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"pipeline":  s.deps.Orchestrator.Status().Snapshot(),
		"breakers":  s.deps.Orchestrator.Breakers().States(),
		"timestamp": core.Now(),
	}
	if s.deps.Bus != nil {
		out["bus"] = s.deps.Bus.Stats()
	}
	if s.deps.Graph != nil {
		out["retry_buffer"] = s.deps.Graph.RetryStats()
	}
	if s.deps.NPCs != nil {
		out["active_npcs"] = s.deps.NPCs.Count()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	count := 100
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "count must be a positive integer"))
			return
		}
		count = n
	}
	if count > 1000 {
		count = 1000
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.deps.Orchestrator.Audit().Recent(count),
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Audit().Stats())
}

// ============================================================================
// NPC COMMANDS
// ============================================================================

func (s *Server) handleNPCCommand(w http.ResponseWriter, r *http.Request) {
	var cmd bus.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed command JSON: "+err.Error()))
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if err := bus.ValidateCommand(cmd); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(bus.ChannelNPCCommands, cmd); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id": cmd.CommandID,
		"status":     "dispatched",
	})
}

func (s *Server) handleNPCCommandBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Commands []bus.Command `json:"commands"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed batch JSON: "+err.Error()))
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "batch requires at least one command"))
		return
	}

	type itemResult struct {
		CommandID string          `json:"command_id,omitempty"`
		Status    string          `json:"status"`
		Error     *core.MeshError `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		if cmd.CommandID == "" {
			cmd.CommandID = uuid.NewString()
		}
		if err := bus.ValidateCommand(cmd); err != nil {
			results = append(results, itemResult{
				CommandID: cmd.CommandID,
				Status:    "rejected",
				Error:     core.NewMeshError(core.CodeInvalidInput, err.Error()),
			})
			continue
		}
		if err := s.deps.Bus.Publish(bus.ChannelNPCCommands, cmd); err != nil {
			results = append(results, itemResult{
				CommandID: cmd.CommandID,
				Status:    "rejected",
				Error:     core.NewMeshError(core.CodeInvalidInput, err.Error()),
			})
			continue
		}
		results = append(results, itemResult{CommandID: cmd.CommandID, Status: "dispatched"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ============================================================================
// BEHAVIOR ENGINE
// ============================================================================

func (s *Server) handleRebellionProbability(w http.ResponseWriter, r *http.Request) {
	npcID := mux.Vars(r)["npcId"]
	includeFactors := r.URL.Query().Get("include_factors") == "true"

	result := s.deps.Rebellion.CalculateProbability(s.deps.NPCs.Profile(npcID))
	out := map[string]interface{}{
		"npc_id":             result.NPCID,
		"probability":        result.Probability,
		"threshold_exceeded": result.ThresholdExceeded,
		"halt_triggered":     result.HaltTriggered,
	}
	if includeFactors {
		out["factors"] = result.Factors
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNPCAction(w http.ResponseWriter, r *http.Request) {
	npcID := mux.Vars(r)["npcId"]

	var action rebellion.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed action JSON: "+err.Error()))
		return
	}
	action.NPCID = npcID
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if !rebellion.KnownActionTypes[action.ActionType] {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "unknown action_type "+string(action.ActionType)))
		return
	}
	if action.Intensity < 0 || action.Intensity > 1 {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "intensity must be in [0,1]"))
		return
	}

	before := s.deps.NPCs.Profile(npcID)
	after, effect := s.deps.Rebellion.ApplyAction(before, action)
	if !action.DryRun {
		s.deps.NPCs.ApplyProfile(after)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action_id": action.ActionID,
		"npc_id":    npcID,
		"dry_run":   action.DryRun,
		"effect":    effect,
		"profile":   after,
		"rebellion": s.deps.Rebellion.CalculateProbability(after),
	})
}

func (s *Server) handleNPCRegister(w http.ResponseWriter, r *http.Request) {
	npcID := mux.Vars(r)["npcId"]

	var req struct {
		Role string `json:"role"`
	}
	// An empty body is a plain registration with the default role.
	_ = json.NewDecoder(r.Body).Decode(&req)

	var state interface{}
	if req.Role != "" {
		state = s.deps.NPCs.RegisterWithRole(npcID, req.Role)
	} else {
		state = s.deps.NPCs.Register(npcID)
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleNPCState(w http.ResponseWriter, r *http.Request) {
	npcID := mux.Vars(r)["npcId"]

	out := make(map[string]interface{})
	found := false
	if state, ok := s.deps.NPCs.Get(npcID); ok {
		out["behavior"] = state
		found = true
	}
	if s.deps.Graph != nil {
		ctx, cancel := contextWithTimeout(r, 3*time.Second)
		defer cancel()
		if agg, err := s.deps.Graph.GetNPCState(ctx, npcID); err == nil {
			out["memory"] = agg
			found = true
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, core.NewMeshError(core.CodeInvalidInput, "unknown NPC "+npcID))
		return
	}
	out["npc_id"] = npcID
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// SIMULATION & CLEANSING
// ============================================================================

func (s *Server) handleSimulationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Simulation.Status())
}

func (s *Server) handleSimulationTick(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Simulation.Tick()
	if s.deps.Bus != nil {
		if err := s.deps.Bus.Publish(bus.ChannelSimulationTicks, snap); err != nil {
			s.logger.Printf("Tick broadcast failed: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCleansingDeploy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cleansing == nil {
		writeError(w, http.StatusServiceUnavailable, core.NewMeshError(core.CodeBackendUnavailable, "cleansing engine is not attached to this process"))
		return
	}

	var req struct {
		NPCIDs []string `json:"npc_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed deploy JSON: "+err.Error()))
		return
	}
	// npc_ids is optional: an empty deploy sends everyone registered.
	if len(req.NPCIDs) == 0 {
		for _, state := range s.deps.NPCs.All() {
			req.NPCIDs = append(req.NPCIDs, state.NPCID)
		}
	}
	if len(req.NPCIDs) == 0 {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "no NPCs registered and no npc_ids given"))
		return
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	participants := make([]cleansing.Participant, 0, len(req.NPCIDs))
	for _, id := range req.NPCIDs {
		state := s.deps.NPCs.Register(id)
		confidence := 0.5
		if s.deps.Graph != nil {
			if c, err := s.deps.Graph.GetConfidence(ctx, id, memory.DirectorEntityID); err == nil {
				confidence = c
			}
		}
		participants = append(participants, cleansing.Participant{
			NPCID:      state.NPCID,
			Role:       state.Role,
			AvgTrauma:  state.AvgTrauma,
			Morale:     state.Morale,
			Confidence: confidence,
		})
	}

	result, err := s.deps.Cleansing.Execute(participants)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, err.Error()))
		return
	}

	if result.Success {
		if s.deps.Simulation != nil {
			s.deps.Simulation.Cleanse()
		}
	} else {
		for _, id := range result.Participants {
			s.deps.NPCs.AddTrauma(id, result.GuiltTrauma)
		}
	}

	if s.deps.Bus != nil {
		severity := core.SeverityInfo
		if !result.Success {
			severity = core.SeverityWarning
		}
		ev := core.TelemetryEvent{
			Type:     core.TelemetryCleansingResult,
			Severity: severity,
			Payload: map[string]interface{}{
				"success":      result.Success,
				"success_rate": result.SuccessRate,
				"participants": result.ParticipantCount,
			},
			Timestamp: core.Now(),
		}
		if err := s.deps.Bus.Publish(bus.ChannelTelemetry, ev); err != nil {
			s.logger.Printf("Cleansing telemetry failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// OPERATIONS
// ============================================================================

// handleWatchdogIngest accepts telemetry from an external watchdog process
// and rebroadcasts it on system-status.
func (s *Server) handleWatchdogIngest(w http.ResponseWriter, r *http.Request) {
	var envelope map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, "malformed telemetry JSON: "+err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(bus.ChannelSystemStatus, envelope); err != nil {
		writeError(w, http.StatusBadRequest, core.NewMeshError(core.CodeInvalidInput, err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebroadcast"})
}

func (s *Server) handleWatchdogStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		writeError(w, http.StatusServiceUnavailable, core.NewMeshError(core.CodeBackendUnavailable, "watchdog is not attached to this process"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":  s.deps.Watchdog.Statuses(),
		"timestamp": core.Now(),
	})
}

func (s *Server) handlePhoenixDrain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, core.NewMeshError(core.CodeBackendUnavailable, "memory graph is not attached to this process"))
		return
	}
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	flushed := s.deps.Graph.FlushNow(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed":      flushed,
		"retry_buffer": s.deps.Graph.RetryStats(),
		"backend_up":   s.deps.Graph.Healthy(ctx),
	})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
