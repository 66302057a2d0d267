package signature

import "testing"

func TestSignatureStableAcrossVolatileTokens(t *testing.T) {
	a := Signature("timeout", "spec 01-02-widget timed out after 4500ms at 2026-07-30T10:00:00Z")
	b := Signature("timeout", "spec 01-09-widget timed out after 9000ms at 2026-07-31T12:30:00Z")
	if a != b {
		t.Errorf("expected masked signatures to match, got %q vs %q", a, b)
	}
}

func TestSignatureDiffersAcrossErrorClass(t *testing.T) {
	a := Signature("timeout", "request timed out")
	b := Signature("rate-limit", "request timed out")
	if a == b {
		t.Error("expected different error classes to produce different signatures")
	}
}

func TestTokensDeterministicOrder(t *testing.T) {
	a := Tokens("connection reset by peer on /var/run/sock-42")
	b := Tokens("peer reset by connection on /var/run/sock-99")
	if len(a) != len(b) {
		t.Fatalf("expected equal token counts after masking: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("token mismatch at %d: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestNormalizeMasksPaths(t *testing.T) {
	got := Normalize("failed to read /home/user/project/specs/01-02-widget/tasks.md")
	if got != "failed to read #" {
		t.Errorf("Normalize path masking = %q", got)
	}
}
