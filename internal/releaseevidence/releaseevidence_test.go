package releaseevidence

import (
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/signing"
)

func TestAppendThenList(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.Append("writer-1", "scope-a", Outcome{SessionID: "s1", Kind: "close-loop", Status: "completed"}); err != nil {
		t.Fatalf("Append s1: %v", err)
	}
	if err := store.Append("writer-1", "scope-a", Outcome{SessionID: "s2", Kind: "close-loop", Status: "failed", Regression: true}); err != nil {
		t.Fatalf("Append s2: %v", err)
	}

	outcomes, err := store.List("scope-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].SessionID != "s1" || outcomes[1].SessionID != "s2" {
		t.Fatalf("unexpected order: %+v", outcomes)
	}
}

func TestListUnknownScopeReturnsEmpty(t *testing.T) {
	store := NewStore(t.TempDir())
	outcomes, err := store.List("never-written")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", outcomes)
	}
}

func TestTrimRemovesOutsideWindow(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Now().UTC()

	if err := store.Append("writer-1", "scope-a", Outcome{SessionID: "old", Kind: "close-loop", Status: "completed", RecordedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := store.Append("writer-1", "scope-a", Outcome{SessionID: "recent", Kind: "close-loop", Status: "completed", RecordedAt: now.Add(-1 * time.Hour)}); err != nil {
		t.Fatalf("Append recent: %v", err)
	}

	removed, err := store.Trim("writer-1", "scope-a", 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	outcomes, err := store.List("scope-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].SessionID != "recent" {
		t.Fatalf("expected only recent to survive, got %+v", outcomes)
	}
}

func TestTrimCapsMaxEntries(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		err := store.Append("writer-1", "scope-a", Outcome{
			SessionID:  string(rune('a' + i)),
			Kind:       "close-loop",
			Status:     "completed",
			RecordedAt: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	removed, err := store.Trim("writer-1", "scope-a", 0, 2)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	outcomes, err := store.List("scope-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(outcomes))
	}
	if outcomes[0].SessionID != "d" || outcomes[1].SessionID != "e" {
		t.Fatalf("expected the two newest to survive, got %+v", outcomes)
	}
}

func TestRegressionCountWithinWindow(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Now().UTC()

	_ = store.Append("writer-1", "scope-a", Outcome{SessionID: "s1", Status: "completed", Regression: false, RecordedAt: now.Add(-2 * time.Hour)})
	_ = store.Append("writer-1", "scope-a", Outcome{SessionID: "s2", Status: "failed", Regression: true, RecordedAt: now.Add(-1 * time.Hour)})
	_ = store.Append("writer-1", "scope-a", Outcome{SessionID: "s3", Status: "failed", Regression: true, RecordedAt: now.Add(-72 * time.Hour)})

	count, err := store.RegressionCount("scope-a", 24*time.Hour)
	if err != nil {
		t.Fatalf("RegressionCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 regression within window, got %d", count)
	}
}

func TestSignedStoreDetectsTamper(t *testing.T) {
	store := NewStore(t.TempDir()).WithSigner(signing.NewSigner([]byte("secret")))

	if err := store.Append("writer-1", "scope-a", Outcome{SessionID: "s1", Kind: "close-loop", Status: "completed"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	outcomes, err := store.List("scope-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := store.Verify(outcomes[0]); err != nil {
		t.Fatalf("Verify signed outcome: %v", err)
	}

	tampered := outcomes[0]
	tampered.Status = "failed"
	if err := store.Verify(tampered); err == nil {
		t.Fatalf("expected Verify to reject tampered outcome")
	}
}

func TestScopesListsKnownScopes(t *testing.T) {
	store := NewStore(t.TempDir())
	_ = store.Append("writer-1", "scope-b", Outcome{SessionID: "s1", Status: "completed"})
	_ = store.Append("writer-1", "scope-a", Outcome{SessionID: "s2", Status: "completed"})

	scopes, err := store.Scopes()
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "scope-a" || scopes[1] != "scope-b" {
		t.Fatalf("expected sorted [scope-a scope-b], got %+v", scopes)
	}
}
