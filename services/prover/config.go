// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prover

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/services/prover/artifacts"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/transport"
	"github.com/AleutianAI/AleutianProver/services/prover/worker"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 12230

// =============================================================================
// Configuration
// =============================================================================

// Config holds the prover service configuration.
//
// # Description
//
// Loaded by LoadConfig with priority env > file > defaults. Every field is
// optional; applyConfigDefaults fills zero values.
//
// # Examples
//
//	server:
//	  port: 12230
//	  static_dir: ./web
//	worker:
//	  bundle_dir: ./web/bundles
//	  max_threads: 8
//	artifacts:
//	  path: ./data/artifacts
//	  ttl: 1h
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Worker    WorkerConfig     `yaml:"worker" json:"worker"`
	Transport TransportConfig  `yaml:"transport" json:"transport"`
	Artifacts artifacts.Config `yaml:"artifacts" json:"artifacts"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Logging   logging.Config   `yaml:"logging" json:"-"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	// Port is the HTTP port. Default: 12230.
	Port int `yaml:"port" json:"port"`

	// GinMode is "debug", "release" or "test". Default: GIN_MODE or release.
	GinMode string `yaml:"gin_mode" json:"gin_mode"`

	// StaticDir is served as the single page app. Empty disables it.
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	// DisableIsolation drops the cross-origin isolation headers. The
	// threaded build is then never selected.
	DisableIsolation bool `yaml:"disable_isolation" json:"disable_isolation"`

	// NoStore adds Cache-Control: no-store to every response.
	NoStore bool `yaml:"no_store" json:"no_store"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// WorkerConfig configures the per-connection workers.
type WorkerConfig struct {
	// BundleDir holds one directory per engine build plus its
	// build_info.json. Empty means builds are always loadable.
	BundleDir string `yaml:"bundle_dir" json:"bundle_dir"`

	// DisableThreads reports threads as unusable without probing.
	DisableThreads bool `yaml:"disable_threads" json:"disable_threads"`

	// MaxThreads is the upper clamp on thread counts. Default: 8.
	MaxThreads int `yaml:"max_threads" json:"max_threads"`

	// DefaultThreads is used when a run asks for none. Default: NumCPU.
	DefaultThreads int `yaml:"default_threads" json:"default_threads"`

	// ThreadPoolTimeout bounds thread pool start. Default: 8s.
	ThreadPoolTimeout time.Duration `yaml:"thread_pool_timeout" json:"thread_pool_timeout"`

	// EventBuffer is the per-worker event channel capacity. Default: 256.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// TransportConfig configures the worker WebSocket endpoint.
type TransportConfig struct {
	// RunRate is the sustained runs per second per connection. Default: 2.
	RunRate float64 `yaml:"run_rate" json:"run_rate"`

	// RunBurst is the run burst per connection. Default: 4.
	RunBurst int `yaml:"run_burst" json:"run_burst"`

	// WriteTimeout bounds one frame write. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// AllowedOrigins restricts WebSocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// DefaultConfig returns the defaults before file and environment
// overrides.
func DefaultConfig() Config {
	cfg := Config{
		Artifacts: artifacts.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.Config{Level: logging.LevelInfo, Service: "prover"},
	}
	return applyConfigDefaults(cfg)
}

// LoadConfig loads configuration with priority env > file > defaults.
//
// # Inputs
//
//   - path: YAML or JSON file. Empty or missing means defaults only.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or the result
//     fails validation.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadConfigFromEnv(&cfg)
	cfg = applyConfigDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("PROVER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		cfg.Server.GinMode = v
	}
	if v := os.Getenv("PROVER_STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("PROVER_BUNDLE_DIR"); v != "" {
		cfg.Worker.BundleDir = v
	}
	if v := os.Getenv("PROVER_MAX_THREADS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxThreads = i
		}
	}
	if v := os.Getenv("PROVER_DISABLE_THREADS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.DisableThreads = b
		}
	}
	if v := os.Getenv("PROVER_ARTIFACT_DIR"); v != "" {
		cfg.Artifacts.Path = v
	}
	if v := os.Getenv("PROVER_ARTIFACT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Artifacts.TTL = d
		}
	}
	if v := os.Getenv("PROVER_LOG_LEVEL"); v != "" {
		if l, err := logging.ParseLevel(v); err == nil {
			cfg.Logging.Level = l
		}
	}
	if v := os.Getenv("PROVER_LOG_DIR"); v != "" {
		cfg.Logging.LogDir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
}

// applyConfigDefaults fills zero-valued fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = "release"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Worker.MaxThreads == 0 {
		cfg.Worker.MaxThreads = worker.DefaultMaxThreads
	}
	if cfg.Worker.ThreadPoolTimeout == 0 {
		cfg.Worker.ThreadPoolTimeout = worker.DefaultThreadPoolTimeout
	}
	if cfg.Transport.RunRate == 0 {
		cfg.Transport.RunRate = transport.DefaultRunRate
	}
	if cfg.Transport.RunBurst == 0 {
		cfg.Transport.RunBurst = transport.DefaultRunBurst
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "prover-service"
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "prover"
	}
	if cfg.Artifacts.Path == "" {
		cfg.Artifacts.InMemory = true
	}
	return cfg
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.gin_mode %q must be debug, release or test", c.Server.GinMode))
	}
	if c.Worker.MaxThreads < 1 {
		errs = append(errs, fmt.Errorf("worker.max_threads must be positive, got %d", c.Worker.MaxThreads))
	}
	if c.Worker.DefaultThreads < 0 {
		errs = append(errs, fmt.Errorf("worker.default_threads must not be negative, got %d", c.Worker.DefaultThreads))
	}
	if c.Worker.ThreadPoolTimeout < 0 {
		errs = append(errs, errors.New("worker.thread_pool_timeout must not be negative"))
	}
	if c.Transport.RunRate < 0 || c.Transport.RunBurst < 0 {
		errs = append(errs, errors.New("transport rate limits must not be negative"))
	}
	if c.Artifacts.TTL < 0 {
		errs = append(errs, errors.New("artifacts.ttl must not be negative"))
	}
	return errors.Join(errs...)
}
