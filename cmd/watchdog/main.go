// The watchdog binary supervises the mesh's services from outside the server
// process: probe, restart within budget, and run phoenix recovery when
// failures correlate. Retry-buffer state lives in the server, so draining
// goes through the mesh API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/epochmesh/backend/internal/config"
	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/watchdog"
)

func main() {
	log.Println("🐕 Starting Epoch Mesh Watchdog...")

	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("MESH_CONFIG"), "path to YAML config")
	meshAddr := flag.String("mesh", "http://localhost:8080", "base URL of the mesh API, for drain and deep health")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if len(cfg.Watchdog.Services) == 0 {
		log.Fatal("No services configured under watchdog.services")
	}

	restarter := watchdog.RouteRestarter{Exec: watchdog.ExecRestarter{}}
	if docker, err := watchdog.NewDockerRestarter(); err != nil {
		log.Printf("Docker restarter unavailable, exec only: %v", err)
	} else {
		restarter.Docker = docker
		defer docker.Close()
	}

	sink := func(ev core.TelemetryEvent) {
		log.Printf("Telemetry: type=%s severity=%s service=%s", ev.Type, ev.Severity, ev.Service)
	}

	wd := watchdog.New(cfg.Watchdog, restarter, sink, nil)
	wd.Start()
	defer wd.Stop()

	drainer := &apiDrainer{
		base:   *meshAddr,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	phoenix := watchdog.NewPhoenix(cfg.Watchdog, restarter, drainer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(cfg.Watchdog.HealthIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
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
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Watchdog shutting down")
}

// apiDrainer fronts the server's retry buffer through the mesh API.
type apiDrainer struct {
	base   string
	client *http.Client
}

type deepHealth struct {
	Status     string `json:"status"`
	Components struct {
		MemoryGraph struct {
			State string `json:"state"`
		} `json:"memory_graph"`
	} `json:"components"`
}

func (d *apiDrainer) deepHealth(ctx context.Context) (*deepHealth, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", d.base+"/health/deep", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out deepHealth
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *apiDrainer) Healthy(ctx context.Context) bool {
	h, err := d.deepHealth(ctx)
	if err != nil {
		return false
	}
	return h.Components.MemoryGraph.State == "healthy"
}

func (d *apiDrainer) RetryNearCapacity() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := d.deepHealth(ctx)
	if err != nil {
		return false
	}
	// "down" means unreachable backend with a near-full ring.
	return h.Components.MemoryGraph.State == "down"
}

func (d *apiDrainer) FlushNow(ctx context.Context) int {
	req, err := http.NewRequestWithContext(ctx, "POST", d.base+"/api/phoenix/drain", nil)
	if err != nil {
		return 0
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.Printf("Drain request failed: %v", err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("Drain request returned %s", resp.Status)
		return 0
	}

	var out struct {
		Flushed int `json:"flushed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0
	}
	log.Printf("Drained %d queued operations", out.Flushed)
	return out.Flushed
}
