package recoverymem

import (
	"path/filepath"
	"testing"
)

func TestSelectActionFallsBackToDefaultWithNoMemory(t *testing.T) {
	store := NewStore(t.TempDir())
	decision, err := store.SelectAction("scope-a", "sig-1", []string{"retry", "replan"}, StrategyBestSuccessRate, "retry")
	if err != nil {
		t.Fatalf("SelectAction: %v", err)
	}
	if decision.Source != SourceDefault || decision.Action != "retry" {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

func TestRecordOutcomeThenSelectPrefersHigherSuccessRate(t *testing.T) {
	store := NewStore(t.TempDir())

	for i := 0; i < 3; i++ {
		if err := store.RecordOutcome("writer-1", "scope-a", "sig-1", "retry", false); err != nil {
			t.Fatalf("RecordOutcome retry: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordOutcome("writer-1", "scope-a", "sig-1", "replan", true); err != nil {
			t.Fatalf("RecordOutcome replan: %v", err)
		}
	}

	decision, err := store.SelectAction("scope-a", "sig-1", []string{"retry", "replan"}, StrategyBestSuccessRate, "retry")
	if err != nil {
		t.Fatalf("SelectAction: %v", err)
	}
	if decision.Action != "replan" || decision.Source != SourceMemory {
		t.Fatalf("expected replan from memory, got %+v", decision)
	}
	if decision.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %f, want 1.0", decision.SuccessRate)
	}
}

func TestSelectActionRestrictsToAvailableActions(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.RecordOutcome("writer-1", "scope-a", "sig-1", "escalate", true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	decision, err := store.SelectAction("scope-a", "sig-1", []string{"retry", "replan"}, StrategyBestSuccessRate, "retry")
	if err != nil {
		t.Fatalf("SelectAction: %v", err)
	}
	if decision.Action != "retry" || decision.Source != SourceDefault {
		t.Fatalf("expected default fallback since escalate is unavailable, got %+v", decision)
	}
}

func TestPruneKeepsFreshEntries(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.RecordOutcome("writer-1", "scope-a", "sig-old", "retry", true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := store.RecordOutcome("writer-1", "scope-a", "sig-new", "retry", true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	// Prune removes entries whose lastUsedAt is older than the window; both
	// entries were just written, so a 30-day window removes neither.
	removed, err := store.Prune("writer-1", "", 30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing pruned with a 30-day window on fresh entries, removed=%d", removed)
	}

	scopes, err := store.Scopes()
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	if len(scopes) != 1 || scopes[0] != "scope-a" {
		t.Fatalf("unexpected scopes: %v", scopes)
	}
}

func TestShowAggregatesBestActionPerSignature(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.RecordOutcome("writer-1", "scope-a", "sig-1", "retry", false); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := store.RecordOutcome("writer-1", "scope-a", "sig-1", "replan", true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	aggregates, err := store.Show("scope-a")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	rows, ok := aggregates["scope-a"]
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one signature row, got %+v", aggregates)
	}
	if rows[0].BestAction != "replan" {
		t.Errorf("BestAction = %s, want replan", rows[0].BestAction)
	}
}

func TestDefaultScopeComposesProjectAndBranch(t *testing.T) {
	if got := DefaultScope("fp-123", "main"); got != "fp-123|main" {
		t.Errorf("DefaultScope = %q", got)
	}
}

func TestConcurrentWritersSerializeThroughLock(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	_ = filepath.Join(dir, "recovery-memory.lock")

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		holder := "writer-1"
		if i == 1 {
			holder = "writer-2"
		}
		go func(holder string) {
			done <- store.RecordOutcome(holder, "scope-a", "sig-1", "retry", true)
		}(holder)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent RecordOutcome: %v", err)
		}
	}

	aggregates, err := store.Show("scope-a")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	stats := aggregates["scope-a"][0].Actions["retry"]
	if stats.Attempts != 2 || stats.Successes != 2 {
		t.Errorf("expected both writes applied, got %+v", stats)
	}
}
