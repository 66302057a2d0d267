package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSaneBaseline(t *testing.T) {
	cfg := Default()
	if cfg.RateLimitProfile != "balanced" {
		t.Errorf("default rate limit profile = %q, want balanced", cfg.RateLimitProfile)
	}
	if cfg.Gate.MinCompletionRate <= 0 || cfg.Gate.MinCompletionRate > 1 {
		t.Errorf("default MinCompletionRate out of range: %v", cfg.Gate.MinCompletionRate)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdapterCommand != Default().AdapterCommand {
		t.Errorf("expected default adapter command, got %q", cfg.AdapterCommand)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoloop.yaml")
	if err := os.WriteFile(path, []byte("rateLimitProfile: aggressive\nadapterCommand: my-adapter\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimitProfile != "aggressive" {
		t.Errorf("rateLimitProfile = %q, want aggressive", cfg.RateLimitProfile)
	}
	if cfg.AdapterCommand != "my-adapter" {
		t.Errorf("adapterCommand = %q, want my-adapter", cfg.AdapterCommand)
	}
	if cfg.Gate.MinCompletionRate != Default().Gate.MinCompletionRate {
		t.Errorf("gate defaults should survive partial overlay")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoloop.yaml")
	if err := os.WriteFile(path, []byte("rateLimitProfile: aggressive\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("AUTOLOOP_RATE_LIMIT_PROFILE", "conservative")
	defer os.Unsetenv("AUTOLOOP_RATE_LIMIT_PROFILE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimitProfile != "conservative" {
		t.Errorf("env override not applied: %q", cfg.RateLimitProfile)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoloop.yaml")
	cfg := Default()
	cfg.ProjectRoot = "/srv/project"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ProjectRoot != "/srv/project" {
		t.Errorf("ProjectRoot = %q, want /srv/project", loaded.ProjectRoot)
	}
}
