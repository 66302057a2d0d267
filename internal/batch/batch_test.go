package batch

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/closeloop"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		SpecsRoot:       t.TempDir(),
		Parallel:        2,
		AgentBudget:     4,
		Strategy:        StrategyComplexFirst,
		RetryMaxRounds:  1,
		RetryMode:       RetryUntilComplete,
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
	}
}

func TestRunAllGoalsSucceed(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	goals := []Goal{
		{Name: "goal-a", Text: "ship login", Criticality: 3},
		{Name: "goal-b", Text: "ship logout", Criticality: 1},
	}
	summary, err := Run(context.Background(), store, goals, baseConfig(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != archive.StatusCompleted {
		t.Fatalf("Status = %s, want completed; results=%+v", summary.Status, summary.GoalResults)
	}
	if summary.Metrics.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %f, want 1.0", summary.Metrics.SuccessRate)
	}
	if len(summary.GoalResults) != 2 {
		t.Fatalf("expected 2 goal results, got %d", len(summary.GoalResults))
	}
}

func TestRunContinuesOnErrorAndRetries(t *testing.T) {
	cfg := baseConfig(t)
	cfg.CloseLoop.Orchestrator.AdapterCommand = "sh"
	cfg.CloseLoop.Orchestrator.AdapterArgs = []string{"-c", "exit 1"}
	cfg.RetryMaxRounds = 1
	cfg.RetryMode = RetryUntilComplete

	store := archive.NewStore(t.TempDir())
	goals := []Goal{{Name: "goal-a", Text: "ship login", Criticality: 2}}
	summary, err := Run(context.Background(), store, goals, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.GoalResults[0].Attempts < 1 {
		t.Errorf("expected at least one attempt recorded")
	}
	if summary.Status == archive.StatusCompleted {
		t.Fatalf("expected a non-completed status when the adapter always fails")
	}
}

func TestSortPendingOrdersByStrategy(t *testing.T) {
	pending := []*pendingGoal{
		{goal: Goal{Name: "small", SubCount: 1, Criticality: 1}},
		{goal: Goal{Name: "big", SubCount: 5, Criticality: 1}},
	}
	sortPending(pending, StrategyComplexFirst)
	if pending[0].goal.Name != "big" {
		t.Errorf("complex-first: expected big goal first, got %s", pending[0].goal.Name)
	}

	pending = []*pendingGoal{
		{goal: Goal{Name: "low", Criticality: 1}},
		{goal: Goal{Name: "high", Criticality: 5}},
	}
	sortPending(pending, StrategyCriticalFirst)
	if pending[0].goal.Name != "high" {
		t.Errorf("critical-first: expected high-criticality goal first, got %s", pending[0].goal.Name)
	}
}

func TestSanitizeSegmentProducesSafeDirName(t *testing.T) {
	got := sanitizeSegment("Ship The Login Page!!")
	if got != "ship-the-login-page" {
		t.Errorf("sanitizeSegment = %q", got)
	}
	if sanitizeSegment("???") != "goal" {
		t.Errorf("expected fallback for all-punctuation input")
	}
}
