package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/autoloop/internal/governor"
)

func TestRunCapturesSuccessfulExit(t *testing.T) {
	result, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo hello"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Classification != governor.ClassSuccess {
		t.Errorf("Classification = %s, want success", result.Classification)
	}
	if result.StdoutExcerpt == "" {
		t.Error("expected stdout excerpt to be captured")
	}
}

func TestRunClassifiesNonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo boom 1>&2; exit 1"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
}

func TestRunTimesOutAndKillsProcess(t *testing.T) {
	result, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut to be true")
	}
}

func TestRunRedactsSecretsFromStdout(t *testing.T) {
	result, err := Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", `echo "token: abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMN1234567890"`},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StdoutExcerpt == "" {
		t.Fatal("expected non-empty excerpt")
	}
	if containsRaw(result.StdoutExcerpt, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMN1234567890") {
		t.Errorf("expected secret to be redacted, got %q", result.StdoutExcerpt)
	}
}

func containsRaw(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
