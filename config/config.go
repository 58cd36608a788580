// Package config loads colony's runtime configuration: defaults, then a
// TOML file, then environment overrides, matching the teacher's
// internal/config pipeline.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for a colony coordinator process.
type Config struct {
	Backend    BackendConfig    `toml:"backend"`
	Database   DatabaseConfig   `toml:"database"`
	Fleet      FleetConfig      `toml:"fleet"`
	Autoscaler AutoscalerConfig `toml:"autoscaler"`
	GPU        GPUConfig        `toml:"gpu"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	LogLevel   string           `toml:"log_level"`
}

// BackendConfig describes the LLM backend every worker dispatches to.
type BackendConfig struct {
	Provider string        `toml:"provider"` // "ollama"
	Model    string        `toml:"model"`
	BaseURL  string        `toml:"base_url"`
	Timeout  time.Duration `toml:"timeout"`
}

// DatabaseConfig selects and configures the durable store backend.
type DatabaseConfig struct {
	Driver   string `toml:"driver"` // "sqlite" or "postgres"
	Path     string `toml:"path"`   // sqlite file path
	DSN      string `toml:"dsn"`    // postgres connection string
}

// FleetConfig holds defaults for new sessions.
type FleetConfig struct {
	WorkerCount   int    `toml:"worker_count"`
	Architecture  string `toml:"architecture"` // "hierarchical", "centralized", "mesh"
	ProjectFolder string `toml:"project_folder"`
	InboxCapacity int    `toml:"inbox_capacity"`
}

// AutoscalerConfig selects the scaling strategy and its thresholds.
type AutoscalerConfig struct {
	Strategy      string        `toml:"strategy"` // "gpu-memory", "workload", "hybrid", "conservative", "aggressive"
	Interval      time.Duration `toml:"interval"`
	MinAgents     int           `toml:"min_agents"`
	MaxAgents     int           `toml:"max_agents"`
	Cooldown      time.Duration `toml:"cooldown"`
	GPUHeadroomMB int64         `toml:"gpu_headroom_mb"`
	IdleThreshold float64       `toml:"idle_threshold"`
}

// GPUConfig configures the vendor probe chain.
type GPUConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	StaleAfter   time.Duration `toml:"stale_after"`
	NvidiaSMI    string        `toml:"nvidia_smi_path"`
	ROCmSMI      string        `toml:"rocm_smi_path"`
	XPUSMI       string        `toml:"xpu_smi_path"`
}

// TelemetryConfig configures OTLP exporters for traces, metrics, and logs.
type TelemetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	ServiceName    string `toml:"service_name"`
	Insecure       bool   `toml:"insecure"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Provider: "ollama",
			Model:    "llama3.1",
			BaseURL:  "http://127.0.0.1:11434",
			Timeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "colony.db",
		},
		Fleet: FleetConfig{
			WorkerCount:   4,
			Architecture:  "hierarchical",
			ProjectFolder: ".",
			InboxCapacity: 64,
		},
		Autoscaler: AutoscalerConfig{
			Strategy:      "hybrid",
			Interval:      5 * time.Second,
			MinAgents:     1,
			MaxAgents:     8,
			Cooldown:      30 * time.Second,
			GPUHeadroomMB: 2048,
			IdleThreshold: 0.5,
		},
		GPU: GPUConfig{
			PollInterval: 10 * time.Second,
			StaleAfter:   30 * time.Second,
			NvidiaSMI:    "nvidia-smi",
			ROCmSMI:      "rocm-smi",
			XPUSMI:       "xpu-smi",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "colony",
		},
		LogLevel: "info",
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). path ==
// "" falls back to "colony.toml" in the working directory; a missing file
// is not an error, matching the teacher's permissive Load.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "colony.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("COLONY_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("COLONY_BACKEND_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
	if v := os.Getenv("COLONY_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("COLONY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COLONY_AUTOSCALER_STRATEGY"); v != "" {
		cfg.Autoscaler.Strategy = v
	}
	if v := os.Getenv("COLONY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COLONY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}

	return cfg
}
