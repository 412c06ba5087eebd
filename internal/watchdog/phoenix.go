package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
)

// Drainer is the retry-buffer surface phoenix needs from the memory graph.
type Drainer interface {
	Healthy(ctx context.Context) bool
	FlushNow(ctx context.Context) int
	RetryNearCapacity() bool
}

// RecoveryReport is the append-only record of one phoenix pass.
type RecoveryReport struct {
	TriggeredAt  time.Time              `json:"triggered_at"`
	Reason       string                 `json:"reason"`
	Diagnosis    map[string]ProbeResult `json:"diagnosis"`
	DrainedOps   int                    `json:"drained_ops"`
	DrainSkipped bool                   `json:"drain_skipped"`
	Restarted    []string               `json:"restarted"`
	Verified     map[string]bool        `json:"verified"`
	CompletedAt  time.Time              `json:"completed_at"`
}

// Phoenix recovers from correlated multi-service failures: diagnose, drain,
// restart in dependency order, verify, log.
type Phoenix struct {
	cfg       config.WatchdogConfig
	restarter Restarter
	drainer   Drainer
	sink      TelemetrySink
	logger    *log.Logger
}

// NewPhoenix wires the recovery sequence.
func NewPhoenix(cfg config.WatchdogConfig, restarter Restarter, drainer Drainer, sink TelemetrySink) *Phoenix {
	return &Phoenix{
		cfg:       cfg,
		restarter: restarter,
		drainer:   drainer,
		sink:      sink,
		logger:    log.New(log.Writer(), "[Phoenix] ", log.LstdFlags),
	}
}

// ShouldTrigger fires on the down quorum, or on a retry buffer near capacity
// while the backend is unreachable.
func (p *Phoenix) ShouldTrigger(ctx context.Context, downCount int) (bool, string) {
	quorum := p.cfg.PhoenixDownQuorum
	if quorum <= 0 {
		quorum = 3
	}
	if downCount >= quorum {
		return true, fmt.Sprintf("%d services down (quorum %d)", downCount, quorum)
	}
	if p.drainer != nil && p.drainer.RetryNearCapacity() && !p.drainer.Healthy(ctx) {
		return true, "retry buffer near capacity with backend unreachable"
	}
	return false, ""
}

// Recover runs the full sequence. Drain always happens before any restart;
// with the backend unreachable it is skipped so queued operations survive in
// the ring for the post-restart flush.
func (p *Phoenix) Recover(ctx context.Context, reason string) (*RecoveryReport, error) {
	report := &RecoveryReport{
		TriggeredAt: time.Now(),
		Reason:      reason,
		Diagnosis:   make(map[string]ProbeResult),
		Verified:    make(map[string]bool),
	}
	p.logger.Printf("Recovery triggered: %s", reason)
	p.emit(core.SeverityCritical, map[string]interface{}{"phase": "triggered", "reason": reason})

	// Phase A: diagnose.
	portTimeout := time.Duration(p.cfg.PortTimeoutMs) * time.Millisecond
	for _, svc := range p.cfg.Services {
		report.Diagnosis[svc.Name] = PortProbe(svc.Port, portTimeout)
	}

	// Phase B: drain. Restarting first would orphan queued writes.
	if p.drainer != nil {
		if p.drainer.Healthy(ctx) {
			report.DrainedOps = p.drainer.FlushNow(ctx)
			p.logger.Printf("Drained %d queued operations before restart", report.DrainedOps)
		} else {
			report.DrainSkipped = true
			p.logger.Printf("WARNING: backend unreachable, drain skipped; queued operations held for post-restart flush")
		}
	}

	// Phase C: restart unhealthy services, dependencies first.
	for _, svc := range p.restartOrder(report.Diagnosis) {
		if err := p.restarter.Restart(ctx, svc); err != nil {
			p.logger.Printf("Restart %s failed: %v", svc.Name, err)
			continue
		}
		report.Restarted = append(report.Restarted, svc.Name)
		if err := waitHealthy(ctx, svc, portTimeout); err != nil {
			p.logger.Printf("Service %s: %v", svc.Name, err)
		}
	}

	// Phase D: verify.
	for _, svc := range p.cfg.Services {
		ok := PortProbe(svc.Port, portTimeout).Healthy
		if ok && svc.HealthURL != "" {
			ok = NewHealthProbe(svc.HealthURL, 1, portTimeout).Check().Healthy
		}
		report.Verified[svc.Name] = ok
	}

	report.CompletedAt = time.Now()

	// Phase E: append the recovery record.
	if err := p.appendLog(report); err != nil {
		p.logger.Printf("Recovery log write failed: %v", err)
	}
	p.emit(core.SeverityWarning, map[string]interface{}{
		"phase":     "completed",
		"restarted": report.Restarted,
		"drained":   report.DrainedOps,
	})
	p.logger.Printf("Recovery complete: restarted %d services, drained %d ops", len(report.Restarted), report.DrainedOps)
	return report, nil
}

// restartOrder selects the down services sorted by RestartTag, so the
// backend DB comes up before the engines that depend on it.
func (p *Phoenix) restartOrder(diagnosis map[string]ProbeResult) []config.ServiceConfig {
	var down []config.ServiceConfig
	for _, svc := range p.cfg.Services {
		if res, ok := diagnosis[svc.Name]; ok && !res.Healthy {
			down = append(down, svc)
		}
	}
	sort.SliceStable(down, func(i, j int) bool {
		return down[i].RestartTag < down[j].RestartTag
	})
	return down
}

func (p *Phoenix) appendLog(report *RecoveryReport) error {
	path := p.cfg.RecoveryLogPath
	if path == "" {
		path = "phoenix_recovery.log"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (p *Phoenix) emit(severity core.TelemetrySeverity, payload map[string]interface{}) {
	if p.sink == nil {
		return
	}
	p.sink(core.TelemetryEvent{
		Type:      core.TelemetryWatchdogRestart,
		Severity:  severity,
		Service:   "phoenix",
		Payload:   payload,
		Timestamp: core.Now(),
	})
}
