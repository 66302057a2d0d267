package signing

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner([]byte("secret"))
	payload := map[string]any{"status": "completed"}

	sig, err := s.Sign("session-1", payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify("session-1", payload, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := NewSigner([]byte("secret"))
	sig, err := s.Sign("session-1", map[string]any{"status": "completed"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Verify("session-1", map[string]any{"status": "failed"}, sig); err == nil {
		t.Fatal("expected verification failure for tampered payload")
	}
}

func TestDeriveScopeKeyDeterministic(t *testing.T) {
	master := []byte("master-key")
	a := DeriveScopeKey(master, "proj-fingerprint+main")
	b := DeriveScopeKey(master, "proj-fingerprint+main")
	c := DeriveScopeKey(master, "proj-fingerprint+feature")
	if string(a) != string(b) {
		t.Error("expected deterministic derivation for same scope")
	}
	if string(a) == string(c) {
		t.Error("expected different scopes to derive different keys")
	}
}
