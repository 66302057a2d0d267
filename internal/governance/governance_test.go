package governance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/anomaly"
	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/releasegate"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		TargetRisk: risk.LevelHigh,
		Mode:       ModePlanOnly,
		MaxRounds:  3,
		Health: HealthInput{
			Environment: risk.EnvDev,
			ReleaseGate: releasegate.Input{
				Preflight: releasegate.PreflightSignals{Passed: true},
			},
		},
	}
}

func TestRunPlanOnlyStopsAfterOneRound(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	outcome, err := Run(context.Background(), store, nil, nil, baseConfig(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcome.Rounds) != 1 {
		t.Fatalf("expected exactly one round in plan-only mode, got %d", len(outcome.Rounds))
	}
	if outcome.StopReason != "target-risk-reached" && outcome.StopReason != "non-mutating-mode-exhausted" {
		t.Errorf("StopReason = %s", outcome.StopReason)
	}
}

func TestRunStopsOnReleaseGateBlockedWithNoActionablePlan(t *testing.T) {
	cfg := baseConfig(t)
	cfg.TargetRisk = risk.LevelLow
	// prod (0.25) + one replan cycle (0.08) + empty-archive spec weight (0.05)
	// scores 0.38 (medium), so the low target is not already reached.
	cfg.Health.Environment = risk.EnvProd
	cfg.Health.ReplanCycles = 1
	cfg.Health.ReleaseGate.Preflight.Passed = false

	store := archive.NewStore(t.TempDir())
	outcome, err := Run(context.Background(), store, nil, nil, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.StopReason != "release-gate-blocked-no-actionable-plan" {
		t.Fatalf("StopReason = %s, want release-gate-blocked-no-actionable-plan", outcome.StopReason)
	}
}

func TestPlanIncludesMaintenanceActionsWhenRetentionConfigured(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	health := AssessHealth(store, HealthInput{Environment: risk.EnvDev})
	cfg := Config{Retention: Retention{CloseLoopKeep: 5, RecoveryMemoryOlderThanDays: 30}}
	plan := Plan(store, health, cfg)

	found := map[ActionKind]bool{}
	for _, p := range plan {
		found[p.Kind] = true
	}
	if !found[ActionSessionPrune] || !found[ActionRecoveryMemoryPrune] {
		t.Fatalf("expected session-prune and recovery-memory-prune in plan, got %+v", plan)
	}
}

func TestExecuteSkipsAdvisoryWhenNotEnabled(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	recMem := recoverymem.NewStore(t.TempDir())
	plan := []PlannedAction{{Kind: ActionRecoverLatest, Advisory: true}}
	results := Execute(context.Background(), store, recMem, nil, plan, Config{ExecuteAdvisory: false})
	if len(results) != 1 || results[0].Status != "skipped" {
		t.Fatalf("expected skipped advisory action, got %+v", results)
	}
}

func TestExecutePrunesSessionsAndReportsApplied(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	recMem := recoverymem.NewStore(t.TempDir())
	cfg := Config{Retention: Retention{CloseLoopKeep: 0, OlderThanDays: 0}}
	plan := []PlannedAction{{Kind: ActionSessionPrune}}
	results := Execute(context.Background(), store, recMem, nil, plan, cfg)
	if len(results) != 1 || results[0].Status != "applied" {
		t.Fatalf("expected applied prune result, got %+v", results)
	}
}

func TestAssessHealthSurfacesAnomalyConcerns(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	for i := 0; i < 3; i++ {
		session, err := store.Create(archive.KindCloseLoop, "", map[string]any{"goal": "ship login page"})
		if err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
		session.AppendEvent("state-transition", "ORCHESTRATE", map[string]any{"successCount": 2, "failureCount": 0})
		if err := session.Finalize(archive.StatusCompleted, nil); err != nil {
			t.Fatalf("finalize session %d: %v", i, err)
		}
	}

	health := AssessHealth(store, HealthInput{
		Environment: risk.EnvDev,
		Anomaly: anomaly.Config{
			FrequencyWindow:      time.Hour,
			FrequencyThreshold:   2,
			ScopeSpikeMultiplier: 100,
			MinScopeSpikeDelta:   100,
		},
	})

	found := false
	for _, c := range health.Concerns {
		if strings.HasPrefix(c, "anomaly-frequency-spike:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected anomaly-frequency-spike concern, got %+v", health.Concerns)
	}
}

func TestAssessHealthFoldsInEvidenceRegressionCount(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	evidence := releaseevidence.NewStore(t.TempDir())
	for i := 0; i < 2; i++ {
		err := evidence.Append("writer-1", "scope-a", releaseevidence.Outcome{
			SessionID:  "s" + string(rune('0'+i)),
			Status:     "failed",
			Regression: true,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	health := AssessHealth(store, HealthInput{
		Environment: risk.EnvDev,
		Evidence:    EvidenceSignals{Store: evidence, Scope: "scope-a", Window: time.Hour},
	})
	if health.MatrixRegressions != 2 {
		t.Fatalf("MatrixRegressions = %d, want 2", health.MatrixRegressions)
	}
}

func TestPlanIncludesReleaseEvidenceTrimWhenConfigured(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	health := AssessHealth(store, HealthInput{Environment: risk.EnvDev})
	cfg := Config{Retention: Retention{ReleaseEvidenceWindow: 24 * time.Hour}}
	plan := Plan(store, health, cfg)

	found := false
	for _, p := range plan {
		if p.Kind == ActionReleaseEvidenceTrim {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected release-evidence-trim in plan, got %+v", plan)
	}
}

func TestExecuteTrimsReleaseEvidence(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	evidence := releaseevidence.NewStore(t.TempDir())
	now := time.Now().UTC()
	err := evidence.Append("writer-1", "scope-a", releaseevidence.Outcome{
		SessionID:  "old",
		Status:     "completed",
		RecordedAt: now.Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	plan := []PlannedAction{{Kind: ActionReleaseEvidenceTrim}}
	cfg := Config{Retention: Retention{ReleaseEvidenceWindow: 24 * time.Hour}}
	results := Execute(context.Background(), store, nil, evidence, plan, cfg)
	if len(results) != 1 || results[0].Status != "applied" {
		t.Fatalf("expected applied trim result, got %+v", results)
	}

	outcomes, err := evidence.List("scope-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected old outcome to be trimmed, got %+v", outcomes)
	}
}

func TestAssessHealthReflectsUnknownCapabilities(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	health := AssessHealth(store, HealthInput{
		ReleaseGate: releasegate.Input{
			Capability: releasegate.CapabilitySignals{
				Declared: []string{"build"},
				Observed: []string{"build", "deploy"},
			},
		},
	})
	if health.CapabilityUnknowns != 1 {
		t.Errorf("CapabilityUnknowns = %d, want 1", health.CapabilityUnknowns)
	}
}
