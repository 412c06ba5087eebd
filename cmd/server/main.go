package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epochmesh/backend/internal/api"
	"github.com/epochmesh/backend/internal/behavior"
	"github.com/epochmesh/backend/internal/bus"
	"github.com/epochmesh/backend/internal/circuitbreaker"
	"github.com/epochmesh/backend/internal/cleansing"
	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/exporters"
	"github.com/epochmesh/backend/internal/logistics"
	"github.com/epochmesh/backend/internal/memory"
	"github.com/epochmesh/backend/internal/monitoring"
	"github.com/epochmesh/backend/internal/pipeline"
	"github.com/epochmesh/backend/internal/rebellion"
	"github.com/epochmesh/backend/internal/simulation"
	"github.com/epochmesh/backend/internal/watchdog"
	"github.com/epochmesh/backend/internal/websocket"
)

func main() {
	log.Println("🔥 Starting Epoch Mesh Backend...")

	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("MESH_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Metrics
	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	// 2. Memory graph: Postgres when a DSN is configured, in-process otherwise
	var backend memory.Backend
	if cfg.Memory.PostgresDSN != "" {
		pg, err := memory.NewPostgresBackend(cfg.Memory.PostgresDSN)
		if err != nil {
			log.Fatalf("Postgres: %v", err)
		}
		backend = pg
		log.Println("Memory graph backed by Postgres")
	} else {
		backend = memory.NewMemoryBackend()
		log.Println("Memory graph backed by in-process store (no MESH_POSTGRES_DSN)")
	}
	graph := memory.NewGraph(backend, cfg.Memory)
	graph.AttachMetrics(metrics)
	graph.Start()

	// 3. Telemetry bus, with optional Redis bridge for cross-process fan-out
	b := bus.NewBus(cfg.Bus.RetentionSize, cfg.Bus.SubscriberBuffer, metrics)
	var publisher pipeline.Publisher = b
	if cfg.Bus.RedisAddr != "" {
		broker, err := bus.NewRedisBroker(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB)
		if err != nil {
			log.Printf("Redis unavailable, running local-only bus: %v", err)
		} else {
			bridge := bus.NewBridge(b, broker, cfg.Bus.ChannelPrefix, time.Duration(cfg.Bus.ReconnectMs)*time.Millisecond)
			go bridge.Run(ctx)
			publisher = bridge
			log.Printf("Bus bridged through Redis at %s", cfg.Bus.RedisAddr)
		}
	}

	// 4. Behavior engines
	reb := rebellion.NewEngine(rebellion.Config{
		BaseProbability:  cfg.Rebellion.BaseProbability,
		TraumaWeight:     cfg.Rebellion.TraumaWeight,
		EfficiencyWeight: cfg.Rebellion.EfficiencyWeight,
		MoraleWeight:     cfg.Rebellion.MoraleWeight,
		HaltThreshold:    cfg.Rebellion.HaltThreshold,
		VetoThreshold:    cfg.Rebellion.VetoThreshold,
	})
	npcs := behavior.NewRegistry()
	telemetrySink := func(ev core.TelemetryEvent) {
		if err := b.Publish(bus.ChannelTelemetry, ev); err != nil {
			log.Printf("Telemetry publish failed: %v", err)
		}
	}
	sim := simulation.NewEngine(simulation.Config{
		WarningLevel:    cfg.Simulation.WarningLevel,
		PlagueThreshold: cfg.Simulation.PlagueThreshold,
		PlagueThrottle:  cfg.Simulation.PlagueThrottle,
	}, reb, npcs, telemetrySink)
	cln := cleansing.NewEngine(cleansing.Config{
		BaseRate:         cfg.Cleansing.BaseRate,
		MoraleWeight:     cfg.Cleansing.MoraleWeight,
		TraumaPenalty:    cfg.Cleansing.TraumaPenalty,
		ConfidenceWeight: cfg.Cleansing.ConfidenceWeight,
		GuiltTrauma:      cfg.Cleansing.GuiltTrauma,
	})

	// 5. Rebellion probes against the behavior-engine service
	timeout := time.Duration(cfg.Logistics.TimeoutMs) * time.Millisecond
	var transports []logistics.Transport
	if grpcT, err := logistics.NewGRPCTransport(cfg.Logistics.GRPCAddr, timeout); err != nil {
		log.Printf("gRPC transport unavailable: %v", err)
	} else {
		transports = append(transports, grpcT)
	}
	transports = append(transports, logistics.NewHTTPTransport(cfg.Logistics.HTTPAddr, timeout))
	proberBreakers := breakerConfig(cfg.Pipeline.Breaker)
	proberBreakers.OnStateChange = metrics.BreakerStateHook()
	prober := logistics.NewClient(proberBreakers, transports...)
	defer prober.Close()

	// 6. Event pipeline
	catalog, err := pipeline.NewCatalog(cfg.Pipeline.Providers)
	if err != nil {
		log.Fatalf("Provider catalog: %v", err)
	}
	budgets := make(map[core.Tier]int64, len(cfg.Pipeline.LatencyBudgetMs))
	for tier, ms := range cfg.Pipeline.LatencyBudgetMs {
		budgets[core.Tier(tier)] = int64(ms)
	}
	providerBreakers := breakerConfig(cfg.Pipeline.Breaker)
	providerBreakers.OnStateChange = metrics.BreakerStateHook()
	orch := pipeline.NewOrchestrator(pipeline.Options{
		Catalog:   catalog,
		Breakers:  circuitbreaker.NewManager(providerBreakers),
		Invoker:   pipeline.NewMockInvoker(),
		Prober:    prober,
		Store:     graph,
		Publisher: publisher,
		Rails:     pipeline.NewRails(cfg.Rebellion.VetoThreshold, cfg.Pipeline.MaxResponseChars, budgets),
		Audit:     pipeline.NewAuditRing(cfg.Pipeline.AuditCapacity),
		Metrics:   metrics,
	})

	// 7. Exporters: wildcard tap feeding engine-side adapters
	exportSub, err := b.Subscribe(bus.ChannelWildcard)
	if err != nil {
		log.Fatalf("Exporter subscription: %v", err)
	}
	// Adapter outputs go out on system-status, which both exporters skip,
	// so the wildcard tap cannot feed back into itself.
	dispatcher := exporters.NewDispatcher(exportSub,
		func(exporter string, payload interface{}) {
			if err := b.Publish(bus.ChannelSystemStatus, map[string]interface{}{
				"exporter": exporter,
				"update":   payload,
			}); err != nil {
				log.Printf("Exporter %s publish failed: %v", exporter, err)
			}
		},
		&exporters.SignalExporter{},
		&exporters.BlackboardExporter{},
	)
	go dispatcher.Run(ctx)

	// 8. Simulation tick loop
	go runTicker(ctx, cfg.Simulation.TickIntervalMs, sim, b, metrics)

	// 9. Optional in-process watchdog
	var wd *watchdog.Watchdog
	if len(cfg.Watchdog.Services) > 0 {
		restarter := buildRestarter()
		wd = watchdog.New(cfg.Watchdog, restarter, telemetrySink, metrics)
		wd.Start()

		phoenix := watchdog.NewPhoenix(cfg.Watchdog, restarter, graph, telemetrySink)
		go runPhoenixLoop(ctx, cfg.Watchdog, wd, phoenix)
	}

	// 10. HTTP surfaces
	var statusSource api.ServiceStatusSource
	if wd != nil {
		statusSource = wd
	}
	server := api.NewServer(api.Deps{
		Orchestrator: orch,
		Graph:        graph,
		Bus:          b,
		NPCs:         npcs,
		Rebellion:    reb,
		Simulation:   sim,
		Cleansing:    cln,
		Watchdog:     statusSource,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Service:      "epoch-mesh",
		Version:      cfg.Server.Version,
	})
	go func() {
		if err := server.Start(cfg.Server.HTTPPort); err != nil {
			log.Fatalf("API server: %v", err)
		}
	}()

	stream := websocket.NewStreamServer(b)
	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/ws", stream.HandleWS)
	streamSrv := &http.Server{Addr: addr(cfg.Server.StreamPort), Handler: streamMux}
	go func() {
		log.Printf("Stream server listening on %s", streamSrv.Addr)
		if err := streamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Stream server: %v", err)
		}
	}()

	// 11. Wait for shutdown, then drain
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if wd != nil {
		wd.Stop()
	}
	_ = server.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
	graph.Stop(shutdownCtx)
	log.Println("Shutdown complete")
}

func breakerConfig(c config.BreakerConfig) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("")
	if c.FailThreshold > 0 {
		cfg.FailThreshold = c.FailThreshold
	}
	if c.OpenDurationMs > 0 {
		cfg.OpenDuration = time.Duration(c.OpenDurationMs) * time.Millisecond
	}
	if c.WindowMs > 0 {
		cfg.Window = time.Duration(c.WindowMs) * time.Millisecond
	}
	if c.HalfOpenProbes > 0 {
		cfg.HalfOpenProbes = c.HalfOpenProbes
	}
	return cfg
}

func buildRestarter() watchdog.Restarter {
	route := watchdog.RouteRestarter{Exec: watchdog.ExecRestarter{}}
	if docker, err := watchdog.NewDockerRestarter(); err != nil {
		log.Printf("Docker restarter unavailable, exec only: %v", err)
	} else {
		route.Docker = docker
	}
	return route
}

func runTicker(ctx context.Context, intervalMs int, sim *simulation.Engine, b *bus.Bus, metrics *monitoring.Metrics) {
	if intervalMs <= 0 {
		intervalMs = 5000
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sim.Tick()
			metrics.SimulationTicks.Inc()
			if err := b.Publish(bus.ChannelSimulationTicks, snap); err != nil {
				log.Printf("Tick broadcast failed: %v", err)
			}
		}
	}
}

func runPhoenixLoop(ctx context.Context, cfg config.WatchdogConfig, wd *watchdog.Watchdog, phoenix *watchdog.Phoenix) {
	interval := time.Duration(cfg.HealthIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fire, reason := phoenix.ShouldTrigger(ctx, wd.DownCount()); fire {
				if _, err := phoenix.Recover(ctx, reason); err != nil {
					log.Printf("Phoenix recovery failed: %v", err)
				}
			}
		}
	}
}

func addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
