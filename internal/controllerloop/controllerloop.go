/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package controllerloop implements the Controller (spec §4.9): a
// long-running queue drainer that acquires the lease lock, dequeues
// pending goals, runs each through internal/program, and appends outcomes
// to done/failed archives, optionally polling forever on an empty queue.
package controllerloop

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/lease"
	"github.com/marcus-qen/autoloop/internal/program"
	"github.com/marcus-qen/autoloop/internal/signature"
)

// Config configures one controller Run.
type Config struct {
	QueuePath       string
	LeasePath       string
	HolderID        string
	LeaseTTL        time.Duration
	DequeueLimit    int
	DedupByGoal     bool // default true; dedup by broad-goal signature
	WaitOnEmpty     bool
	PollInterval    time.Duration
	MaxCycles       int           // 0 = unbounded
	MaxDuration     time.Duration // 0 = unbounded
	StopOnGoalFailure bool
	Program         program.Config
}

// Outcome is one goal's terminal result recorded to the done/failed
// archive.
type Outcome struct {
	Goal      string          `json:"goal"`
	Signature string          `json:"signature"`
	Passed    bool            `json:"passed"`
	Result    program.Outcome `json:"result"`
	Error     string          `json:"error,omitempty"`
}

// Report is the terminal summary of Run.
type Report struct {
	SessionID  string     `json:"sessionId"`
	Cycles     int        `json:"cycles"`
	Processed  int        `json:"processed"`
	Done       []Outcome  `json:"done"`
	Failed     []Outcome  `json:"failed"`
	StopReason string     `json:"stopReason"`
}

// ReadQueue parses the queue file at path: either one goal per
// non-blank line, or a JSON array of strings.
func ReadQueue(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var goals []string
		if err := json.Unmarshal([]byte(trimmed), &goals); err != nil {
			return nil, fmt.Errorf("parse queue json %s: %w", path, err)
		}
		return goals, nil
	}

	var goals []string
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		goals = append(goals, line)
	}
	return goals, scanner.Err()
}

// Run drains cfg's queue through internal/program, cycle by cycle, until a
// termination condition is reached.
func Run(ctx context.Context, store *archive.Store, cfg Config) (Report, error) {
	session, err := store.Create(archive.KindController, "", map[string]any{"queue": cfg.QueuePath})
	if err != nil {
		return Report{}, fmt.Errorf("controller create session: %w", err)
	}
	return run(ctx, store, session, cfg)
}

func run(ctx context.Context, store *archive.Store, session *archive.Session, cfg Config) (Report, error) {
	report := Report{SessionID: session.ID()}
	start := time.Now()
	seenSignatures := make(map[string]bool)

	dequeueLimit := cfg.DequeueLimit
	if dequeueLimit <= 0 {
		dequeueLimit = 10
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}

	for {
		if cfg.MaxCycles > 0 && report.Cycles >= cfg.MaxCycles {
			report.StopReason = "max-cycles-reached"
			break
		}
		if cfg.MaxDuration > 0 && time.Since(start) >= cfg.MaxDuration {
			report.StopReason = "max-duration-reached"
			break
		}
		if ctx.Err() != nil {
			report.StopReason = "context-cancelled"
			break
		}

		if _, err := lease.Acquire(cfg.LeasePath, cfg.HolderID, leaseTTL, "controller-cycle"); err != nil {
			report.StopReason = "lease-busy"
			break
		}

		goals, err := ReadQueue(cfg.QueuePath)
		if err != nil {
			session.AppendEvent("queue-read-failed", err.Error(), nil)
			_ = lease.Release(cfg.LeasePath, cfg.HolderID)
			return finalize(session, report, archive.StatusFailed)
		}

		pending := dequeue(goals, dequeueLimit, cfg.DedupByGoal, seenSignatures)
		if len(pending) == 0 {
			_ = lease.Release(cfg.LeasePath, cfg.HolderID)
			report.Cycles++
			session.AppendEvent("cycle-idle", "queue empty, polling", map[string]any{"cycle": report.Cycles})
			if err := session.Checkpoint(map[string]any{"cycles": report.Cycles}); err != nil {
				return report, err
			}
			if !cfg.WaitOnEmpty {
				report.StopReason = "queue-empty"
				break
			}
			sleep(ctx, cfg.PollInterval)
			continue
		}

		stopEarly := false
		for _, goal := range pending {
			sig := signature.Signature("controller-goal", goal)
			seenSignatures[sig] = true

			goalCfg := cfg.Program
			goalCfg.Goal = goal
			result, perr := program.Run(ctx, store, goalCfg)
			outcome := Outcome{Goal: goal, Signature: sig, Passed: perr == nil && result.Gate.Passed, Result: result}
			if perr != nil {
				outcome.Error = perr.Error()
			}

			report.Processed++
			if outcome.Passed {
				report.Done = append(report.Done, outcome)
			} else {
				report.Failed = append(report.Failed, outcome)
				if cfg.StopOnGoalFailure {
					stopEarly = true
				}
			}
		}

		_ = lease.Release(cfg.LeasePath, cfg.HolderID)

		report.Cycles++
		session.AppendEvent("cycle-complete", "cycle processed", map[string]any{"cycle": report.Cycles, "processed": len(pending)})
		if err := session.Checkpoint(map[string]any{"processed": report.Processed, "done": len(report.Done), "failed": len(report.Failed)}); err != nil {
			return report, err
		}

		if stopEarly {
			report.StopReason = "stop-on-goal-failure"
			break
		}
		if !cfg.WaitOnEmpty {
			report.StopReason = "cycle-complete-no-wait"
			break
		}
		sleep(ctx, cfg.PollInterval)
	}

	status := archive.StatusCompleted
	if len(report.Failed) > 0 {
		status = archive.StatusPartialFailed
		if len(report.Done) == 0 {
			status = archive.StatusFailed
		}
	}
	return finalize(session, report, status)
}

// dequeue filters goals to at most limit entries, applying broad-goal
// signature dedup against already-seen signatures when enabled.
func dequeue(goals []string, limit int, dedup bool, seen map[string]bool) []string {
	var out []string
	for _, g := range goals {
		if len(out) >= limit {
			break
		}
		if dedup {
			sig := signature.Signature("controller-goal", g)
			if seen[sig] {
				continue
			}
			seen[sig] = true
		}
		out = append(out, g)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func finalize(session *archive.Session, report Report, status archive.Status) (Report, error) {
	if err := session.Finalize(status, map[string]any{"cycles": report.Cycles, "processed": report.Processed, "stopReason": report.StopReason}); err != nil {
		return report, err
	}
	return report, nil
}

// Resume continues a previously checkpointed controller session located by
// selector (spec §4.9: "Resume: latest | id | file").
func Resume(ctx context.Context, store *archive.Store, selector string, cfg Config) (Report, error) {
	snap, err := store.Resume(archive.KindController, selector)
	if err != nil {
		return Report{}, fmt.Errorf("controller resume: %w", err)
	}
	session, err := store.Reopen(archive.KindController, snap.SessionID)
	if err != nil {
		return Report{}, err
	}
	return run(ctx, store, session, cfg)
}
