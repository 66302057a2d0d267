package controllerloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/batch"
	"github.com/marcus-qen/autoloop/internal/closeloop"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/program"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func writeQueue(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write queue: %v", err)
	}
	return path
}

func baseConfig(t *testing.T, queuePath string) Config {
	t.Helper()
	return Config{
		QueuePath:    queuePath,
		LeasePath:    filepath.Join(t.TempDir(), "controller.lock"),
		HolderID:     "controller-test",
		DequeueLimit: 10,
		DedupByGoal:  true,
		Program: program.Config{
			MinDecompositionQuality: 0.1,
			PrimaryProfile:          program.ProfileDev,
			Batch: batch.Config{
				SpecsRoot:       t.TempDir(),
				Parallel:        2,
				AgentBudget:     4,
				RetryMode:       batch.RetryNone,
				ContinueOnError: true,
				CloseLoop: closeloop.Config{
					SubCountOverride: 2,
					Environment:      risk.EnvDev,
					ReplanStrategy:   closeloop.ReplanAdaptive,
					NoProgressWindow: 1,
					Gate: closeloop.GateConfig{
						MinCompletionRate: 1.0,
						MaxRiskLevel:      risk.LevelHigh,
					},
					Orchestrator: orchestrator.Config{
						MaxParallel:      2,
						AgentBudget:      2,
						TimeoutPerSpec:   5 * time.Second,
						MaxRetries:       1,
						RateLimitProfile: governor.ProfileBalanced,
						AdapterCommand:   "sh",
						AdapterArgs:      []string{"-c", "echo ok"},
					},
				},
			},
		},
	}
}

func TestRunDrainsQueueAndExitsWithoutWait(t *testing.T) {
	queue := writeQueue(t, "ship login page", "ship logout page")
	store := archive.NewStore(t.TempDir())
	report, err := Run(context.Background(), store, baseConfig(t, queue))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", report.Processed)
	}
	if report.StopReason != "cycle-complete-no-wait" {
		t.Errorf("StopReason = %s", report.StopReason)
	}
}

func TestRunRespectsMaxCycles(t *testing.T) {
	queue := writeQueue(t, "ship login page")
	cfg := baseConfig(t, queue)
	cfg.WaitOnEmpty = true
	cfg.MaxCycles = 1
	cfg.PollInterval = time.Millisecond

	store := archive.NewStore(t.TempDir())
	report, err := Run(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.StopReason != "max-cycles-reached" {
		t.Errorf("StopReason = %s, want max-cycles-reached", report.StopReason)
	}
}

func TestReadQueueParsesJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`["goal one", "goal two"]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	goals, err := ReadQueue(path)
	if err != nil {
		t.Fatalf("ReadQueue: %v", err)
	}
	if len(goals) != 2 || goals[0] != "goal one" {
		t.Errorf("goals = %v", goals)
	}
}

func TestReadQueueParsesLinesAndSkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	if err := os.WriteFile(path, []byte("goal one\n# a comment\n\ngoal two\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	goals, err := ReadQueue(path)
	if err != nil {
		t.Fatalf("ReadQueue: %v", err)
	}
	if len(goals) != 2 {
		t.Fatalf("goals = %v", goals)
	}
}

func TestDequeueDedupsRepeatedGoalsInOneBatch(t *testing.T) {
	seen := make(map[string]bool)
	out := dequeue([]string{"same goal", "same goal", "different goal"}, 10, true, seen)
	if len(out) != 2 {
		t.Fatalf("expected dedup to drop the repeat, got %v", out)
	}
}

func TestDequeueRespectsLimit(t *testing.T) {
	seen := make(map[string]bool)
	out := dequeue([]string{"a", "b", "c"}, 2, false, seen)
	if len(out) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(out))
	}
}
