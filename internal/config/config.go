/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package config loads layered engine configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
// This mirrors the teacher's Default()/Load(path)/env-override pattern,
// adapted from the control-plane's own config to the close-loop engine's
// keys (project root, adapter command, rate-limit profile, gate
// thresholds) instead of listen address/TLS/OIDC.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full runtime configuration.
type Config struct {
	// ProjectRoot is the directory under which all state (§3 Data Model)
	// lives: agent-registry.json, locks/, sessions/, recovery-memory.json,
	// release-evidence/, reports/, specs/.
	ProjectRoot string `yaml:"projectRoot"`

	// StateDir is the state directory name relative to ProjectRoot.
	StateDir string `yaml:"stateDir"`

	// AdapterCommand is the executable invoked as the AI adapter subprocess.
	AdapterCommand string `yaml:"adapterCommand"`
	// AdapterArgs are static arguments prepended to every adapter invocation.
	AdapterArgs []string `yaml:"adapterArgs"`
	// APIKeyEnvVar names the environment variable holding the provider API
	// key, forwarded to adapter subprocesses.
	APIKeyEnvVar string `yaml:"apiKeyEnvVar"`

	// RateLimitProfile selects the governor parameter set: conservative,
	// balanced, or aggressive.
	RateLimitProfile string `yaml:"rateLimitProfile"`

	// Gate carries Definition-of-Done / program-gate thresholds.
	Gate GateConfig `yaml:"gate"`

	// LogLevel is one of debug|info|warn|error.
	LogLevel string `yaml:"logLevel"`
	// LogJSON selects structured JSON log output.
	LogJSON bool `yaml:"logJSON"`
}

// GateConfig holds the numeric thresholds shared by the Close-Loop GATE
// state, the Program Gate, and the Release Gate Evaluator.
type GateConfig struct {
	MinCompletionRate   float64 `yaml:"minCompletionRate"`
	MaxRiskLevel        string  `yaml:"maxRiskLevel"`
	MaxSuccessRateDrop  float64 `yaml:"maxSuccessRateDrop"`
	MaxRegressionCount  int     `yaml:"maxRegressionCount"`
	AuthTierBlockRateMax float64 `yaml:"authTierBlockRateMax"`
	DialogueBlockRateMax float64 `yaml:"dialogueBlockRateMax"`
}

// Default returns the built-in configuration baseline.
func Default() Config {
	return Config{
		ProjectRoot:      ".",
		StateDir:         ".autoloop",
		AdapterCommand:   "auto-adapter",
		AdapterArgs:      nil,
		APIKeyEnvVar:     "AUTOLOOP_API_KEY",
		RateLimitProfile: "balanced",
		Gate: GateConfig{
			MinCompletionRate:    0.80,
			MaxRiskLevel:         "medium",
			MaxSuccessRateDrop:   0.15,
			MaxRegressionCount:   0,
			AuthTierBlockRateMax: 0.40,
			DialogueBlockRateMax: 0.40,
		},
		LogLevel: "info",
		LogJSON:  false,
	}
}

// Load reads path (if it exists) as YAML overlaying Default(), then applies
// AUTOLOOP_* environment variable overrides. A missing file is not an
// error: defaults plus environment overrides are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Save persists cfg as YAML at path with a plain os.WriteFile, not a
// write-temp-then-rename (config files are operator-edited, not
// hot-written by the engine itself).
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOLOOP_PROJECT_ROOT"); v != "" {
		cfg.ProjectRoot = v
	}
	if v := os.Getenv("AUTOLOOP_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("AUTOLOOP_ADAPTER_COMMAND"); v != "" {
		cfg.AdapterCommand = v
	}
	if v := os.Getenv("AUTOLOOP_ADAPTER_ARGS"); v != "" {
		cfg.AdapterArgs = strings.Fields(v)
	}
	if v := os.Getenv("AUTOLOOP_API_KEY_ENV_VAR"); v != "" {
		cfg.APIKeyEnvVar = v
	}
	if v := os.Getenv("AUTOLOOP_RATE_LIMIT_PROFILE"); v != "" {
		cfg.RateLimitProfile = v
	}
	if v := os.Getenv("AUTOLOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOLOOP_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AUTOLOOP_GATE_MIN_COMPLETION_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gate.MinCompletionRate = f
		}
	}
	if v := os.Getenv("AUTOLOOP_GATE_MAX_RISK_LEVEL"); v != "" {
		cfg.Gate.MaxRiskLevel = v
	}
	if v := os.Getenv("AUTOLOOP_GATE_AUTH_TIER_BLOCK_RATE_MAX"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gate.AuthTierBlockRateMax = f
		}
	}
}
