// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the engine's static configuration. It intentionally
// does not watch the file for changes or validate against a JSON schema —
// hot reload and schema validation remain collaborators outside this
// module's scope.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the control plane needs at startup.
type Config struct {
	StateDir string `yaml:"state_dir"`

	MemoryThresholdPercent float64 `yaml:"memory_threshold_percent"`

	BackendPreferenceOrder []string `yaml:"backend_preference_order"`
	GGUFFallbackEnabled    bool     `yaml:"gguf_fallback_enabled"`
	// VLLMBaseURL is the OpenAI-compatible chat completions endpoint of a
	// locally running vLLM (or llama.cpp server) process. Required for the
	// "vllm" backend kind to serve real generations instead of falling back
	// to the echo backend.
	VLLMBaseURL string `yaml:"vllm_base_url"`
	AutoEvictLRU           bool     `yaml:"auto_evict_lru"`
	DefaultKeepAliveSec    int      `yaml:"default_keep_alive_sec"`
	LoaderTimeoutSec       int      `yaml:"loader_timeout_sec"`
	LoaderIsolationEnabled bool     `yaml:"loader_isolation_enabled"`
	RuntimeFailureQuarantineThreshold int `yaml:"runtime_failure_quarantine_threshold"`
	WarmupOnLoad           bool     `yaml:"warmup_on_load"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	InferenceTimeoutSec int `yaml:"inference_timeout_sec"`

	Agents AgentsConfig `yaml:"agents"`

	Download DownloadConfig `yaml:"download"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConcurrencyConfig configures internal/concurrency.Controller.
type ConcurrencyConfig struct {
	Max                   int            `yaml:"max_concurrent_requests"`
	Min                   int            `yaml:"min_concurrent_requests"`
	SemaphoreTimeoutSec   int            `yaml:"semaphore_timeout_sec"`
	PerModelCaps          map[string]int `yaml:"per_model_caps"`
	DefaultClientCap      int            `yaml:"default_client_cap"`
	LatencyOverlayEnabled bool           `yaml:"latency_overlay_enabled"`
	TargetLatencyMs       float64        `yaml:"target_latency_ms"`
}

// AgentsConfig configures internal/agent.Runtime.
type AgentsConfig struct {
	DefaultAgent          string `yaml:"default_agent"`
	MaxStepsPerRun        int    `yaml:"max_steps_per_run"`
	DefaultTimeoutSec     int    `yaml:"default_timeout_sec"`
	StepRetryAttempts     int    `yaml:"step_retry_attempts"`
	StepRetryBackoffSec   int    `yaml:"step_retry_backoff_sec"`
	RetainCompletedRuns   int    `yaml:"retain_completed_runs"`
	QueueCapacity         int    `yaml:"queue_capacity"`
}

// DownloadConfig configures internal/download.Coordinator.
type DownloadConfig struct {
	MinFreeDiskBytes int64  `yaml:"min_free_disk_bytes"`
	HFToken          string `yaml:"hf_token"`
	RetentionSec     int    `yaml:"retention_sec"`
}

// TelemetryConfig configures internal/telemetry.Recorder.
type TelemetryConfig struct {
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		StateDir:                filepath.Join(home, ".opta-lmx"),
		MemoryThresholdPercent:  90,
		BackendPreferenceOrder:  []string{"mlx-lm", "vllm"},
		GGUFFallbackEnabled:     true,
		VLLMBaseURL:             "http://127.0.0.1:8000/v1/chat/completions",
		AutoEvictLRU:            true,
		DefaultKeepAliveSec:     600,
		LoaderTimeoutSec:        120,
		LoaderIsolationEnabled:  true,
		RuntimeFailureQuarantineThreshold: 3,
		WarmupOnLoad:            true,
		InferenceTimeoutSec:     120,
		Concurrency: ConcurrencyConfig{
			Max:                 8,
			Min:                 1,
			SemaphoreTimeoutSec: 30,
			DefaultClientCap:    0,
			TargetLatencyMs:     2500,
		},
		Agents: AgentsConfig{
			DefaultAgent:        "default",
			MaxStepsPerRun:      16,
			DefaultTimeoutSec:   300,
			StepRetryAttempts:   2,
			StepRetryBackoffSec: 2,
			RetainCompletedRuns: 200,
			QueueCapacity:       100,
		},
		Download: DownloadConfig{
			MinFreeDiskBytes: 5 * 1024 * 1024 * 1024,
			RetentionSec:     15 * 60,
		},
	}
}

// Load reads and merges a YAML file over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
