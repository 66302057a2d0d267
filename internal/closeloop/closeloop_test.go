package closeloop

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		SpecsRoot:        t.TempDir(),
		Goal:             "ship the login page",
		SubCountOverride: 2,
		Environment:      risk.EnvDev,
		ReplanStrategy:   ReplanAdaptive,
		NoProgressWindow: 2,
		Gate: GateConfig{
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
	}
}

func TestRunCompletesWhenAllGatesPass(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	outcome, err := Run(context.Background(), store, baseConfig(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != archive.StatusCompleted {
		t.Fatalf("Status = %s, want completed; gates=%+v", outcome.Status, outcome.Gates)
	}
	if outcome.CompletionRate != 1.0 {
		t.Errorf("CompletionRate = %f, want 1.0", outcome.CompletionRate)
	}
}

func TestRunReplansOnFailureThenExhaustsBudget(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Orchestrator.AdapterCommand = "sh"
	cfg.Orchestrator.AdapterArgs = []string{"-c", "echo 'executable file not found in $PATH' 1>&2; exit 127"}
	cfg.ReplanStrategy = ReplanFixed
	cfg.ReplanAttempts = 1

	store := archive.NewStore(t.TempDir())
	outcome, err := Run(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != archive.StatusFailed && outcome.Status != archive.StatusPartialFailed {
		t.Fatalf("expected failed or partial-failed status, got %s", outcome.Status)
	}
	if outcome.ReplanCycles != 1 {
		t.Errorf("ReplanCycles = %d, want 1 (fixed budget exhausted)", outcome.ReplanCycles)
	}
}

func TestDecomposeGoalClampsSubCountToRange(t *testing.T) {
	decision := decomposeGoal("fix bug", 0)
	if len(decision.SubNames) < 2 || len(decision.SubNames) > 5 {
		t.Fatalf("expected subCount in [2,5], got %d", len(decision.SubNames))
	}
}

func TestDecomposeGoalRespectsOverride(t *testing.T) {
	decision := decomposeGoal("a fairly long and complex multi-part integration goal description", 3)
	if len(decision.SubNames) != 3 {
		t.Fatalf("expected override to win, got %d sub-specs", len(decision.SubNames))
	}
}

func TestResumeOfCompletedSessionIsNoop(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	cfg := baseConfig(t)

	first, err := Run(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Status != archive.StatusCompleted {
		t.Fatalf("expected first run to complete, got %s; gates=%+v", first.Status, first.Gates)
	}

	second, err := Resume(context.Background(), store, first.SessionID, cfg, false)
	if err != nil {
		t.Fatalf("Resume of completed session returned an error instead of a no-op: %v", err)
	}
	if second.SessionID != first.SessionID || second.Status != first.Status || second.CompletionRate != first.CompletionRate {
		t.Fatalf("Resume of completed session changed the outcome: got %+v, want %+v", second, first)
	}
}

func TestResumeAfterOrchestrateDoesNotRerunOrchestrator(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	cfg := baseConfig(t)

	session, err := store.Create(archive.KindCloseLoop, "resume-orchestrate-test", map[string]any{"goal": cfg.Goal})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	session.SetPolicy(policyOf(cfg))

	// Emulate a hard-kill right after the ORCHESTRATE checkpoint: decompose
	// and bootstrap already happened, orchestration already succeeded, and
	// that's all been persisted.
	decision := decomposeGoal(cfg.Goal, cfg.SubCountOverride)
	if err := bootstrapSpecs(cfg.SpecsRoot, decision); err != nil {
		t.Fatalf("bootstrapSpecs: %v", err)
	}
	report := orchestrator.Report{Results: map[string]orchestrator.Result{}, SuccessCount: len(decision.SubNames)}
	for _, name := range decision.SubNames {
		report.Results[name] = orchestrator.Result{Name: name, Status: orchestrator.StatusSuccess}
	}
	updateCollaborationStatus(cfg.SpecsRoot, decision, report)
	if err := writeCheckpoint(session, checkpointState{
		NextState:          StateGate,
		Decision:           decision,
		Report:             &report,
		LastCompletionRate: -1,
	}); err != nil {
		t.Fatalf("writeCheckpoint: %v", err)
	}

	// If Resume re-ran the orchestrator, this adapter would mark every
	// sub-spec failed and the close-loop would fail the completion gate
	// instead of completing on the first attempt.
	cfg.Orchestrator.AdapterCommand = "sh"
	cfg.Orchestrator.AdapterArgs = []string{"-c", "exit 1"}

	outcome, err := Resume(context.Background(), store, "resume-orchestrate-test", cfg, false)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if outcome.Status != archive.StatusCompleted {
		t.Fatalf("expected Resume to reuse the persisted orchestration report and complete, got %s; gates=%+v", outcome.Status, outcome.Gates)
	}
	if outcome.CompletionRate != 1.0 {
		t.Errorf("CompletionRate = %f, want 1.0 (from the persisted report, not a re-run)", outcome.CompletionRate)
	}
}

func TestResumeRejectsPolicyDriftUnlessAllowed(t *testing.T) {
	store := archive.NewStore(t.TempDir())
	cfg := baseConfig(t)

	session, err := store.Create(archive.KindCloseLoop, "drift-test", map[string]any{"goal": cfg.Goal})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	session.SetPolicy(policyOf(cfg))
	if err := session.Checkpoint(nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	driftedCfg := cfg
	driftedCfg.Environment = risk.EnvProd

	if _, err := Resume(context.Background(), store, "drift-test", driftedCfg, false); err == nil {
		t.Fatal("expected policy drift to be rejected")
	}
}
