package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/governor"
)

func baseConfig() Config {
	return Config{
		MaxParallel:      4,
		AgentBudget:      4,
		TimeoutPerSpec:   5 * time.Second,
		MaxRetries:       2,
		RateLimitProfile: governor.ProfileBalanced,
		AdapterCommand:   "sh",
		AdapterArgs:      []string{"-c", "echo ok"},
	}
}

func TestRunAllSucceed(t *testing.T) {
	tasks := []Task{
		{Name: "spec-a", Dir: t.TempDir()},
		{Name: "spec-b", Dir: t.TempDir()},
	}
	report, err := Run(context.Background(), tasks, baseConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.SuccessCount != 2 || report.FailureCount != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunRespectsDependencyOrdering(t *testing.T) {
	tasks := []Task{
		{Name: "spec-b", Dir: t.TempDir(), Dependencies: []string{"spec-a"}},
		{Name: "spec-a", Dir: t.TempDir()},
	}
	report, err := Run(context.Background(), tasks, baseConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Results["spec-a"].Status != StatusSuccess || report.Results["spec-b"].Status != StatusSuccess {
		t.Fatalf("expected both specs to complete, got %+v", report.Results)
	}
}

func TestRunClassifiesFatalFailureWithoutRetry(t *testing.T) {
	cfg := baseConfig()
	cfg.AdapterCommand = "sh"
	cfg.AdapterArgs = []string{"-c", "echo 'executable file not found in $PATH' 1>&2; exit 127"}
	tasks := []Task{{Name: "spec-a", Dir: t.TempDir()}}

	report, err := Run(context.Background(), tasks, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := report.Results["spec-a"]
	if result.Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Errorf("expected no retries on fatal classification, got %d attempts", result.Attempts)
	}
}

func TestRunOrdersReadySpecsByCriticalityThenDeclaredOrder(t *testing.T) {
	tasks := []Task{
		{Name: "low", Dir: t.TempDir(), Criticality: 1, DeclaredOrder: 0},
		{Name: "high", Dir: t.TempDir(), Criticality: 5, DeclaredOrder: 1},
	}
	states := map[string]*specState{
		"low":  {task: tasks[0], status: StatusPending},
		"high": {task: tasks[1], status: StatusPending},
	}
	ready := readySpecs(states, map[string]bool{}, baseConfig(), tasks)
	if len(ready) != 2 || ready[0] != "high" {
		t.Fatalf("expected high-criticality spec first, got %v", ready)
	}
}

func TestPredictsConflictDefersWhenLockHeldByRunningSpec(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "shared.lock")
	if err := os.WriteFile(lockPath, []byte(`{"holderId":"spec-other","acquiredAt":"2026-01-01T00:00:00Z","ttlMs":60000}`), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	cfg := baseConfig()
	cfg.PredictConflicts = true
	cfg.LockDirFor = func(name string) string { return dir }

	conflict := predictsConflict(Task{Name: "spec-mine"}, map[string]bool{"spec-other": true}, cfg)
	if !conflict {
		t.Error("expected conflict to be predicted")
	}

	noConflict := predictsConflict(Task{Name: "spec-mine"}, map[string]bool{}, cfg)
	if noConflict {
		t.Error("expected no conflict when nothing is running")
	}
}
