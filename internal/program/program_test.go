package program

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/batch"
	"github.com/marcus-qen/autoloop/internal/closeloop"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Goal:                    "build widget catalog and write docs and add tests",
		MinDecompositionQuality: 0.1,
		PrimaryProfile:          ProfileDev,
		AutoSuggestRemediation:  true,
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
	}
}

func TestRunCompletesAndPassesGateOnDevProfile(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	outcome, err := Run(context.Background(), store, baseConfig(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Gate.Passed {
		t.Fatalf("expected gate to pass on dev profile, got reasons=%v", outcome.Gate.Reasons)
	}
	if len(outcome.SubGoals) == 0 {
		t.Fatal("expected at least one sub-goal")
	}
}

func TestDecomposeClampsToMaxSubGoals(t *testing.T) {
	goal := "build a, and fix b, and test c, and document d, and refactor e, and migrate f"
	subGoals, _ := Decompose(goal, 3, 0.0)
	if len(subGoals) > 3 {
		t.Fatalf("expected at most 3 sub-goals, got %d: %v", len(subGoals), subGoals)
	}
}

func TestScoreDecompositionRewardsCoverageAndDiversity(t *testing.T) {
	goal := "build the widget catalog and test the widget catalog"
	good := ScoreDecomposition(goal, []string{"build the widget catalog", "test the widget catalog"})
	bad := ScoreDecomposition(goal, []string{"build"})
	if good.Overall <= bad.Overall {
		t.Errorf("expected a fuller split to score higher: good=%+v bad=%+v", good, bad)
	}
}

func TestEvaluateProgramGateFallsBackThroughChain(t *testing.T) {
	summary := batch.Summary{
		Metrics:      batch.Metrics{SuccessRate: 0.6},
		GoalResults:  []batch.GoalResult{{Name: "a"}},
		ResourcePlan: batch.ResourcePlan{Budget: 2},
	}
	cfg := Config{PrimaryProfile: ProfileProd, FallbackProfiles: []ProfileName{ProfileDev}}
	result := EvaluateProgramGate(summary, time.Minute, risk.Assessment{Level: risk.LevelLow}, cfg)
	if !result.Passed || !result.PassedOnFallback || result.ProfileUsed != ProfileDev {
		t.Fatalf("expected fallback pass on dev profile, got %+v", result)
	}
}

func TestEvaluateProgramGateSuggestsRemediationOnFullFailure(t *testing.T) {
	summary := batch.Summary{Metrics: batch.Metrics{SuccessRate: 0.0}}
	cfg := Config{PrimaryProfile: ProfileProd, AutoSuggestRemediation: true}
	result := EvaluateProgramGate(summary, time.Minute, risk.Assessment{Level: risk.LevelCritical}, cfg)
	if result.Passed {
		t.Fatal("expected gate to fail")
	}
	if len(result.Remediation) == 0 {
		t.Error("expected remediation suggestions on failure")
	}
}

func TestSelectRemediationPrefersExplicitPin(t *testing.T) {
	action, source, err := SelectRemediation(RemediationChoice{PinnedIndex: 1}, []string{"action-0", "action-1"})
	if err != nil {
		t.Fatalf("SelectRemediation: %v", err)
	}
	if action != "action-1" || source != "explicit" {
		t.Errorf("action=%s source=%s, want action-1/explicit", action, source)
	}
}

func TestSelectRemediationDefaultsWithNoMemoryOrPin(t *testing.T) {
	action, source, err := SelectRemediation(RemediationChoice{PinnedIndex: -1}, []string{"action-0", "action-1"})
	if err != nil {
		t.Fatalf("SelectRemediation: %v", err)
	}
	if action != "action-0" || source != "default" {
		t.Errorf("action=%s source=%s, want action-0/default", action, source)
	}
}
