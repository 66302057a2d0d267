package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestIsDueWithPlainDuration(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-5 * time.Minute)

	due, err := isDue("2m", nil, created, now)
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Fatalf("expected due after 5m with 2m interval")
	}

	last := now.Add(-1 * time.Minute)
	due, err = isDue("2m", &last, created, now)
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if due {
		t.Fatalf("expected not due 1m after last run with 2m interval")
	}
}

func TestIsDueWithCronExpression(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	last := time.Date(2026, 7, 30, 9, 59, 0, 0, time.UTC)

	due, err := isDue("0 * * * *", &last, last, now)
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Fatalf("expected due at the top of the hour")
	}
}

func TestAddJobRejectsInvalidSchedule(t *testing.T) {
	runner := NewRunner(time.Second, logr.Discard())
	err := runner.AddJob("bad", "not-a-schedule", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunnerDispatchesDueJobOnStart(t *testing.T) {
	runner := NewRunner(10*time.Millisecond, logr.Discard())
	var calls int64
	if err := runner.AddJob("tick", "1ms", func(context.Context) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = runner.Start(ctx)

	if atomic.LoadInt64(&calls) == 0 {
		t.Fatal("expected job to run at least once")
	}
}
