package watchdog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/monitoring"
)

// ServiceStatus is one supervised service's current view.
type ServiceStatus struct {
	Name        string      `json:"name"`
	Healthy     bool        `json:"healthy"`
	Quarantined bool        `json:"quarantined"`
	LastProbe   ProbeResult `json:"last_probe"`
	Restarts    int64       `json:"restarts"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// TelemetrySink receives watchdog telemetry without coupling this package
// to the bus.
type TelemetrySink func(core.TelemetryEvent)

// Watchdog runs the probe battery over every supervised service and
// restarts within budget.
type Watchdog struct {
	cfg       config.WatchdogConfig
	restarter Restarter
	sink      TelemetrySink
	metrics   *monitoring.Metrics

	budgets map[string]*RestartBudget
	health  map[string]*HealthProbe
	rss     map[string]*RSSProbe

	mu       sync.RWMutex
	statuses map[string]*ServiceStatus

	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the watchdog over the configured services.
func New(cfg config.WatchdogConfig, restarter Restarter, sink TelemetrySink, metrics *monitoring.Metrics) *Watchdog {
	w := &Watchdog{
		cfg:       cfg,
		restarter: restarter,
		sink:      sink,
		metrics:   metrics,
		budgets:   make(map[string]*RestartBudget),
		health:    make(map[string]*HealthProbe),
		rss:       make(map[string]*RSSProbe),
		statuses:  make(map[string]*ServiceStatus),
		logger:    log.New(log.Writer(), "[Watchdog] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
	}

	budgetWindow := time.Duration(cfg.BudgetWindowMs) * time.Millisecond
	for _, svc := range cfg.Services {
		w.budgets[svc.Name] = NewRestartBudget(cfg.RestartBudget, budgetWindow)
		if svc.HealthURL != "" {
			w.health[svc.Name] = NewHealthProbe(svc.HealthURL, cfg.HealthFailures, w.portTimeout())
		}
		if svc.PIDFile != "" && cfg.MaxRSSBytes > 0 {
			w.rss[svc.Name] = NewRSSProbe(svc.PIDFile, cfg.MaxRSSBytes, time.Duration(cfg.RSSSustainMs)*time.Millisecond)
		}
		w.statuses[svc.Name] = &ServiceStatus{Name: svc.Name, Healthy: true}
	}
	return w
}

func (w *Watchdog) portTimeout() time.Duration {
	return time.Duration(w.cfg.PortTimeoutMs) * time.Millisecond
}

// Start launches the supervision loop.
func (w *Watchdog) Start() {
	interval := time.Duration(w.cfg.HealthIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.RunOnce(context.Background())
			}
		}
	}()
	w.logger.Printf("Supervising %d services every %s", len(w.cfg.Services), interval)
}

// Stop halts the loop.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// RunOnce sweeps every service.
func (w *Watchdog) RunOnce(ctx context.Context) {
	for _, svc := range w.cfg.Services {
		w.checkService(ctx, svc)
	}
}

// checkService runs the probe ladder and restarts on the first failure.
func (w *Watchdog) checkService(ctx context.Context, svc config.ServiceConfig) {
	result := w.probe(svc)

	w.mu.Lock()
	status := w.statuses[svc.Name]
	status.LastProbe = result
	status.CheckedAt = time.Now()
	status.Healthy = result.Healthy
	status.Quarantined = w.budgets[svc.Name].Quarantined()
	w.mu.Unlock()

	if result.Healthy {
		return
	}

	w.logger.Printf("Service %s unhealthy (%s): %s", svc.Name, result.Kind, result.Detail)
	w.restart(ctx, svc, string(result.Kind))
}

func (w *Watchdog) probe(svc config.ServiceConfig) ProbeResult {
	if svc.Port > 0 {
		if res := PortProbe(svc.Port, w.portTimeout()); !res.Healthy {
			return res
		}
	}
	if svc.PIDFile != "" {
		if res := PIDProbe(svc.PIDFile); !res.Healthy {
			return res
		}
	}
	if hp := w.health[svc.Name]; hp != nil {
		if res := hp.Check(); !res.Healthy {
			return res
		}
	}
	if rp := w.rss[svc.Name]; rp != nil {
		if res := rp.Check(); !res.Healthy {
			return res
		}
	}
	return ProbeResult{Kind: ProbePort, Healthy: true}
}

func (w *Watchdog) restart(ctx context.Context, svc config.ServiceConfig, reason string) {
	budget := w.budgets[svc.Name]
	if !budget.Allow() {
		if budget.Quarantined() {
			w.quarantineAlert(svc)
		}
		return
	}

	if err := w.restarter.Restart(ctx, svc); err != nil {
		w.logger.Printf("Restart %s failed: %v", svc.Name, err)
		return
	}

	w.mu.Lock()
	w.statuses[svc.Name].Restarts++
	w.mu.Unlock()

	w.logger.Printf("Restarted %s (reason: %s, budget used %d/%d)",
		svc.Name, reason, budget.Used(), w.cfg.RestartBudget)

	if w.metrics != nil {
		w.metrics.WatchdogRestart.WithLabelValues(svc.Name, reason).Inc()
	}
	w.emit(core.TelemetryEvent{
		Type:     core.TelemetryWatchdogRestart,
		Severity: core.SeverityWarning,
		Service:  svc.Name,
		Payload:  map[string]interface{}{"reason": reason},
	})
}

func (w *Watchdog) quarantineAlert(svc config.ServiceConfig) {
	w.mu.Lock()
	status := w.statuses[svc.Name]
	alreadyFlagged := status.Quarantined
	status.Quarantined = true
	w.mu.Unlock()

	if alreadyFlagged {
		return
	}
	w.logger.Printf("Service %s QUARANTINED: restart budget exhausted", svc.Name)
	w.emit(core.TelemetryEvent{
		Type:     core.TelemetryWatchdogRestart,
		Severity: core.SeverityCritical,
		Service:  svc.Name,
		Payload:  map[string]interface{}{"quarantined": true},
	})
}

func (w *Watchdog) emit(ev core.TelemetryEvent) {
	if w.sink == nil {
		return
	}
	if ev.Timestamp.UnixMs == 0 {
		ev.Timestamp = core.Now()
	}
	w.sink(ev)
}

// Statuses snapshots every service's state.
func (w *Watchdog) Statuses() map[string]ServiceStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(w.statuses))
	for name, s := range w.statuses {
		out[name] = *s
	}
	return out
}

// DownCount is the number of currently unhealthy services; the phoenix
// quorum input.
func (w *Watchdog) DownCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, s := range w.statuses {
		if !s.Healthy {
			n++
		}
	}
	return n
}

// ClearQuarantine is the operator escape hatch.
func (w *Watchdog) ClearQuarantine(service string) {
	if b, ok := w.budgets[service]; ok {
		b.Clear()
	}
	w.mu.Lock()
	if s, ok := w.statuses[service]; ok {
		s.Quarantined = false
	}
	w.mu.Unlock()
}
