// Package config loads the mesh configuration from YAML with environment
// overrides for anything deployment-specific (ports, DSNs, Redis address).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Memory     MemoryConfig     `yaml:"memory"`
	Rebellion  RebellionConfig  `yaml:"rebellion"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logistics  LogisticsConfig  `yaml:"logistics"`
	Bus        BusConfig        `yaml:"bus"`
	Simulation SimulationConfig `yaml:"simulation"`
	Cleansing  CleansingConfig  `yaml:"cleansing"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
}

type ServerConfig struct {
	HTTPPort   int    `yaml:"http_port"`
	StreamPort int    `yaml:"stream_port"`
	Env        string `yaml:"env"`
	Version    string `yaml:"version"`
}

type MemoryConfig struct {
	PostgresDSN      string  `yaml:"postgres_dsn"`
	DecayAlpha       float64 `yaml:"decay_alpha"`       // per-hour hyperbolic decay rate
	RetentionHours   int     `yaml:"retention_hours"`   // 0 = unbounded
	SessionPoolSize  int     `yaml:"session_pool_size"`
	AcquireTimeoutMs int     `yaml:"acquire_timeout_ms"`
	RetryCapacity    int     `yaml:"retry_capacity"`
	RetryMaxAgeMs    int     `yaml:"retry_max_age_ms"`
	FlushIntervalMs  int     `yaml:"flush_interval_ms"`
}

type RebellionConfig struct {
	BaseProbability  float64 `yaml:"base_probability"`
	TraumaWeight     float64 `yaml:"trauma_weight"`
	EfficiencyWeight float64 `yaml:"efficiency_weight"`
	MoraleWeight     float64 `yaml:"morale_weight"`
	HaltThreshold    float64 `yaml:"halt_threshold"`
	VetoThreshold    float64 `yaml:"veto_threshold"`
}

type PipelineConfig struct {
	MockProviders    bool             `yaml:"mock_providers"`
	MaxResponseChars int              `yaml:"max_response_chars"`
	AuditCapacity    int              `yaml:"audit_capacity"`
	LatencyBudgetMs  map[string]int   `yaml:"latency_budget_ms"` // keyed by tier
	Breaker          BreakerConfig    `yaml:"breaker"`
	Providers        []ProviderConfig `yaml:"providers"`
}

type BreakerConfig struct {
	FailThreshold  int `yaml:"fail_threshold"`
	OpenDurationMs int `yaml:"open_duration_ms"`
	WindowMs       int `yaml:"window_ms"`
	HalfOpenProbes int `yaml:"half_open_probes"`
}

type ProviderConfig struct {
	ProviderID string        `yaml:"provider_id"`
	Priority   int           `yaml:"priority"`
	Enabled    bool          `yaml:"enabled"`
	Models     []ModelConfig `yaml:"models"`
}

type ModelConfig struct {
	ID            string  `yaml:"id"`
	Tier          string  `yaml:"tier"`
	CostPer1K     float64 `yaml:"cost_per_1k"`
	MaxTokens     int     `yaml:"max_tokens"`
	IsTierDefault bool    `yaml:"is_tier_default"`
}

type LogisticsConfig struct {
	GRPCAddr  string `yaml:"grpc_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type BusConfig struct {
	RetentionSize    int    `yaml:"retention_size"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	ReconnectMs      int    `yaml:"reconnect_ms"`
	RedisAddr        string `yaml:"redis_addr"` // empty = local-only bus
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	ChannelPrefix    string `yaml:"channel_prefix"`
}

type SimulationConfig struct {
	TickIntervalMs  int     `yaml:"tick_interval_ms"`
	WarningLevel    float64 `yaml:"warning_level"`
	PlagueThreshold float64 `yaml:"plague_threshold"`
	PlagueThrottle  float64 `yaml:"plague_throttle"`
}

type CleansingConfig struct {
	BaseRate         float64 `yaml:"base_rate"`
	MoraleWeight     float64 `yaml:"morale_weight"`
	TraumaPenalty    float64 `yaml:"trauma_penalty"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`
	GuiltTrauma      float64 `yaml:"guilt_trauma"`
}

type WatchdogConfig struct {
	Services          []ServiceConfig `yaml:"services"`
	HealthIntervalMs  int             `yaml:"health_interval_ms"`
	HealthFailures    int             `yaml:"health_failures"`
	PortTimeoutMs     int             `yaml:"port_timeout_ms"`
	RestartBudget     int             `yaml:"restart_budget"`
	BudgetWindowMs    int             `yaml:"budget_window_ms"`
	MaxRSSBytes       int64           `yaml:"max_rss_bytes"`
	RSSSustainMs      int             `yaml:"rss_sustain_ms"`
	RecoveryLogPath   string          `yaml:"recovery_log_path"`
	PhoenixDownQuorum int             `yaml:"phoenix_down_quorum"`
}

type ServiceConfig struct {
	Name       string   `yaml:"name"`
	Port       int      `yaml:"port"`
	HealthURL  string   `yaml:"health_url"`
	PIDFile    string   `yaml:"pid_file"`
	Restart    []string `yaml:"restart"`   // exec argv; empty if container-managed
	Container  string   `yaml:"container"` // docker container name, if any
	DependsOn  []string `yaml:"depends_on"`
	RestartTag int      `yaml:"restart_order"` // lower restarts first in phoenix
}

// LoadConfig reads a YAML config file and applies defaults and env overrides.
// A missing file is not an error: defaults plus env are enough to boot.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:   8080,
			StreamPort: 8081,
			Env:        "development",
			Version:    "0.3.0",
		},
		Memory: MemoryConfig{
			DecayAlpha:       0.1,
			RetentionHours:   0,
			SessionPoolSize:  10,
			AcquireTimeoutMs: 5000,
			RetryCapacity:    1000,
			RetryMaxAgeMs:    300_000,
			FlushIntervalMs:  5000,
		},
		Rebellion: RebellionConfig{
			BaseProbability:  0.05,
			TraumaWeight:     0.30,
			EfficiencyWeight: 0.30,
			MoraleWeight:     0.20,
			HaltThreshold:    0.35,
			VetoThreshold:    0.80,
		},
		Pipeline: PipelineConfig{
			MockProviders:    true,
			MaxResponseChars: 4000,
			AuditCapacity:    1000,
			LatencyBudgetMs: map[string]int{
				"routine":     2000,
				"operational": 5000,
				"strategic":   10000,
			},
			Breaker: BreakerConfig{
				FailThreshold:  5,
				OpenDurationMs: 30_000,
				WindowMs:       60_000,
				HalfOpenProbes: 1,
			},
			Providers: []ProviderConfig{
				{
					ProviderID: "aurora",
					Priority:   1,
					Enabled:    true,
					Models: []ModelConfig{
						{ID: "aurora-swift", Tier: "routine", CostPer1K: 0.0002, MaxTokens: 1024, IsTierDefault: true},
						{ID: "aurora-core", Tier: "operational", CostPer1K: 0.002, MaxTokens: 4096, IsTierDefault: true},
						{ID: "aurora-deep", Tier: "strategic", CostPer1K: 0.01, MaxTokens: 8192, IsTierDefault: true},
					},
				},
				{
					ProviderID: "meridian",
					Priority:   2,
					Enabled:    true,
					Models: []ModelConfig{
						{ID: "meridian-lite", Tier: "routine", CostPer1K: 0.0001, MaxTokens: 1024, IsTierDefault: true},
						{ID: "meridian-pro", Tier: "strategic", CostPer1K: 0.008, MaxTokens: 8192, IsTierDefault: true},
					},
				},
			},
		},
		Logistics: LogisticsConfig{
			GRPCAddr:  "localhost:12066",
			HTTPAddr:  "http://localhost:12065",
			TimeoutMs: 2000,
		},
		Bus: BusConfig{
			RetentionSize:    100,
			SubscriberBuffer: 100,
			ReconnectMs:      5000,
			ChannelPrefix:    "epoch:bus:",
		},
		Simulation: SimulationConfig{
			TickIntervalMs:  5000,
			WarningLevel:    50,
			PlagueThreshold: 75,
			PlagueThrottle:  0.5,
		},
		Cleansing: CleansingConfig{
			BaseRate:         0.30,
			MoraleWeight:     0.40,
			TraumaPenalty:    0.30,
			ConfidenceWeight: 0.20,
			GuiltTrauma:      0.15,
		},
		Watchdog: WatchdogConfig{
			HealthIntervalMs:  30_000,
			HealthFailures:    3,
			PortTimeoutMs:     3000,
			RestartBudget:     5,
			BudgetWindowMs:    300_000,
			MaxRSSBytes:       0, // disabled unless set
			RSSSustainMs:      30_000,
			RecoveryLogPath:   "phoenix_recovery.log",
			PhoenixDownQuorum: 3,
		},
	}
}

// applyEnv overrides deployment-specific settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("MESH_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = p
		}
	}
	if v := os.Getenv("MESH_STREAM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.StreamPort = p
		}
	}
	if v := os.Getenv("MESH_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("MESH_POSTGRES_DSN"); v != "" {
		c.Memory.PostgresDSN = v
	}
	if v := os.Getenv("MESH_REDIS_ADDR"); v != "" {
		c.Bus.RedisAddr = v
	}
	if v := os.Getenv("MESH_REDIS_PASSWORD"); v != "" {
		c.Bus.RedisPassword = v
	}
	if v := os.Getenv("MESH_LOGISTICS_GRPC"); v != "" {
		c.Logistics.GRPCAddr = v
	}
	if v := os.Getenv("MESH_LOGISTICS_HTTP"); v != "" {
		c.Logistics.HTTPAddr = v
	}
}

// AcquireTimeout returns the session pool acquisition timeout.
func (m MemoryConfig) AcquireTimeout() time.Duration {
	return time.Duration(m.AcquireTimeoutMs) * time.Millisecond
}

// RetryMaxAge returns the retry buffer max-age cutoff.
func (m MemoryConfig) RetryMaxAge() time.Duration {
	return time.Duration(m.RetryMaxAgeMs) * time.Millisecond
}

// FlushInterval returns the retry buffer auto-flush cadence.
func (m MemoryConfig) FlushInterval() time.Duration {
	return time.Duration(m.FlushIntervalMs) * time.Millisecond
}
