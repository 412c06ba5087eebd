// Package api exposes the mesh over REST/JSON for game clients and
// operator tooling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/epochmesh/backend/internal/behavior"
	"github.com/epochmesh/backend/internal/bus"
	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/cleansing"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/memory"
	"github.com/epochmesh/backend/internal/monitoring"
	"github.com/epochmesh/backend/internal/pipeline"
	"github.com/epochmesh/backend/internal/rebellion"
	"github.com/epochmesh/backend/internal/simulation"
	"github.com/epochmesh/backend/internal/watchdog"
)

// EventProcessor is the slice of the orchestrator the API needs.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev core.Event) (*core.MeshResponse, *core.MeshError)
	ProcessBatch(ctx context.Context, events []core.Event) ([]*core.MeshResponse, []*core.MeshError)
	Audit() *pipeline.AuditRing
	Status() *monitoring.StatusCounters
	Breakers() *circuitbreaker.Manager
}

// ServiceStatusSource reports supervised-service health; nil when the
// watchdog runs out of process.
type ServiceStatusSource interface {
	Statuses() map[string]watchdog.ServiceStatus
}

// Deps carries everything the HTTP surface serves from.
type Deps struct {
	Orchestrator EventProcessor
	Graph        *memory.Graph
	Bus          *bus.Bus
	NPCs         *behavior.Registry
	Rebellion    *rebellion.Engine
	Simulation   *simulation.Engine
	Cleansing    *cleansing.Engine
	Watchdog     ServiceStatusSource // optional
	Metrics      http.Handler        // promhttp handler, optional

	Service string // reported by /health; defaults to "epoch-mesh"
	Version string
}

// Server is the REST gateway in front of the mesh.
type Server struct {
	deps   Deps
	logger *log.Logger
	http   *http.Server
}

// NewServer builds the gateway; call Start to listen.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// --- Health ---
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/deep", s.handleDeepHealth).Methods("GET")

	// --- Event pipeline ---
	r.HandleFunc("/api/events", s.handleEvent).Methods("POST")
	r.HandleFunc("/api/events/batch", s.handleEventBatch).Methods("POST")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/audit", s.handleAudit).Methods("GET")
	r.HandleFunc("/api/audit/stats", s.handleAuditStats).Methods("GET")

	// --- NPC commands (bus) ---
	r.HandleFunc("/api/v1/npc/command", s.handleNPCCommand).Methods("POST")
	r.HandleFunc("/api/v1/npc/command/batch", s.handleNPCCommandBatch).Methods("POST")

	// --- Behavior engine ---
	r.HandleFunc("/api/rebellion/probability/{npcId}", s.handleRebellionProbability).Methods("GET")
	r.HandleFunc("/api/npc/{npcId}/action", s.handleNPCAction).Methods("POST")
	r.HandleFunc("/api/npc/{npcId}/register", s.handleNPCRegister).Methods("POST")
	r.HandleFunc("/api/npc/{npcId}/state", s.handleNPCState).Methods("GET")

	// --- Simulation & cleansing ---
	r.HandleFunc("/api/simulation/status", s.handleSimulationStatus).Methods("GET")
	r.HandleFunc("/api/simulation/tick", s.handleSimulationTick).Methods("POST")
	r.HandleFunc("/api/cleansing/deploy", s.handleCleansingDeploy).Methods("POST")

	// --- Operations ---
	r.HandleFunc("/api/telemetry/watchdog", s.handleWatchdogIngest).Methods("POST")
	r.HandleFunc("/api/telemetry/watchdog", s.handleWatchdogStatus).Methods("GET")
	r.HandleFunc("/api/phoenix/drain", s.handlePhoenixDrain).Methods("POST")
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}

	return r
}

// Start listens until Shutdown or a listener error.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("Listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// writeJSON encodes a 2xx payload.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the taxonomy envelope {code, reason, timestamp}.
func writeError(w http.ResponseWriter, status int, merr *core.MeshError) {
	writeJSON(w, status, merr)
}

// httpStatusFor maps taxonomy codes onto HTTP statuses.
func httpStatusFor(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput:
		return http.StatusBadRequest
	case core.CodeCircuitOpen, core.CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeBudgetExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
