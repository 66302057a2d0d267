/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package orchestrator schedules parallel sub-agent invocations for a set
// of specs (spec §4.5): a worker pool bounded by maxParallel, agentBudget,
// and the governor's adaptive parallel cap, readiness gated by
// collaboration dependencies, retries mediated by internal/governor, and
// optional lease-conflict prediction before launch.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/autoloop/internal/adapter"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/lease"
)

// Task is one spec handed to the orchestrator.
type Task struct {
	Name          string
	Dir           string
	Dependencies  []string
	Criticality   int
	DeclaredOrder int
}

// Config configures one Run invocation.
type Config struct {
	MaxParallel       int
	AgentBudget       int
	TimeoutPerSpec    time.Duration
	MaxRetries        int
	RateLimitProfile  governor.Profile
	AdapterCommand    string
	AdapterArgs       []string
	APIKeyEnvVar      string
	PredictConflicts  bool
	LockDirFor        func(specName string) string
}

// Status is a spec's terminal or in-flight scheduling state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusHeld    Status = "held" // conflict-predicted, rescheduled behind a non-conflicting spec
)

// Result is one spec's outcome.
type Result struct {
	Name             string `json:"name"`
	Status           Status `json:"status"`
	Attempts         int    `json:"attempts"`
	RateLimitSignals int    `json:"rateLimitSignals"`
	ElapsedMs        int64  `json:"elapsedMs"`
	StdoutExcerpt    string `json:"stdoutExcerpt"`
	ExitCode         int    `json:"exitCode"`
}

// Report aggregates every spec's Result.
type Report struct {
	Results               map[string]Result `json:"results"`
	SuccessCount          int               `json:"successCount"`
	FailureCount          int               `json:"failureCount"`
	TotalRateLimitSignals int               `json:"totalRateLimitSignals"`
	TotalBackoffMs        int64             `json:"totalBackoffMs"`
}

type specState struct {
	task      Task
	status    Status
	attempts  int
	result    Result
}

// Run schedules tasks to completion or ctx cancellation.
func Run(ctx context.Context, tasks []Task, cfg Config) (Report, error) {
	gov := governor.New(cfg.RateLimitProfile, effectiveCap(cfg, len(tasks)))

	states := make(map[string]*specState, len(tasks))
	for _, task := range tasks {
		states[task.Name] = &specState{task: task, status: StatusPending}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var totalBackoff int64
	sem := make(chan struct{}, maxInt(cfg.MaxParallel, 1))
	running := map[string]bool{}

	for {
		mu.Lock()
		ready := readySpecs(states, running, cfg, tasks)
		done := allTerminal(states)
		mu.Unlock()

		if done {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if len(ready) == 0 {
			time.Sleep(25 * time.Millisecond)
			continue
		}

		for _, name := range ready {
			effCap := min(cfg.MaxParallel, cfg.AgentBudget)
			if govCap := gov.CurrentParallelCap(); govCap < effCap {
				effCap = govCap
			}
			mu.Lock()
			if len(running) >= maxInt(effCap, 1) {
				mu.Unlock()
				break
			}
			running[name] = true
			states[name].status = StatusRunning
			mu.Unlock()

			wg.Add(1)
			sem <- struct{}{}
			go func(name string) {
				defer wg.Done()
				defer func() { <-sem }()
				result, backoff := runSpec(ctx, states[name].task, cfg, gov)
				mu.Lock()
				states[name].status = result.Status
				states[name].result = result
				delete(running, name)
				totalBackoff += backoff
				mu.Unlock()
			}(name)
		}
	}
	wg.Wait()

	report := Report{Results: map[string]Result{}}
	for name, st := range states {
		if st.result.Name == "" {
			st.result = Result{Name: name, Status: st.status}
		}
		report.Results[name] = st.result
		switch st.result.Status {
		case StatusSuccess:
			report.SuccessCount++
		case StatusFailed:
			report.FailureCount++
		}
		report.TotalRateLimitSignals += st.result.RateLimitSignals
	}
	report.TotalBackoffMs = totalBackoff
	return report, nil
}

func effectiveCap(cfg Config, specCount int) int {
	cap := cfg.MaxParallel
	if cfg.AgentBudget > 0 && cfg.AgentBudget < cap {
		cap = cfg.AgentBudget
	}
	if specCount > 0 && specCount < cap {
		cap = specCount
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

// readySpecs returns pending specs whose dependencies are satisfied,
// ordered by (a) criticality descending, (b) declared order — and, when
// PredictConflicts is set, holds a spec behind a non-conflicting one if a
// shared task lock is currently held by a running spec.
func readySpecs(states map[string]*specState, running map[string]bool, cfg Config, tasks []Task) []string {
	completed := map[string]bool{}
	for name, st := range states {
		if st.status == StatusSuccess {
			completed[name] = true
		}
	}

	var ready []Task
	for _, task := range tasks {
		st := states[task.Name]
		if st.status != StatusPending && st.status != StatusHeld {
			continue
		}
		satisfied := true
		for _, dep := range task.Dependencies {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if cfg.PredictConflicts && cfg.LockDirFor != nil && predictsConflict(task, running, cfg) {
			states[task.Name].status = StatusHeld
			continue
		}
		ready = append(ready, task)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Criticality != ready[j].Criticality {
			return ready[i].Criticality > ready[j].Criticality
		}
		return ready[i].DeclaredOrder < ready[j].DeclaredOrder
	})

	names := make([]string, len(ready))
	for i, t := range ready {
		names[i] = t.Name
	}
	return names
}

// predictsConflict reports whether task's lock directory currently holds
// any lock file held by a spec other than task itself — a coarse stand-in
// for full dependency-graph conflict analysis, sufficient to defer a spec
// rather than launch it into guaranteed lock contention.
func predictsConflict(task Task, running map[string]bool, cfg Config) bool {
	if len(running) == 0 {
		return false
	}
	dir := cfg.LockDirFor(task.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lock, err := lease.Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if lock.HolderID != task.Name && running[lock.HolderID] {
			return true
		}
	}
	return false
}

func allTerminal(states map[string]*specState) bool {
	for _, st := range states {
		if st.status == StatusPending || st.status == StatusRunning || st.status == StatusHeld {
			return false
		}
	}
	return true
}

func runSpec(ctx context.Context, task Task, cfg Config, gov *governor.Governor) (Result, int64) {
	var totalBackoff int64
	var rateLimitSignals int
	attempts := 0
	maxRetries := cfg.MaxRetries
	if govMax := gov.MaxRetries(); govMax > 0 && govMax < maxRetries {
		maxRetries = govMax
	}

	for {
		attempts++
		if err := gov.AwaitLaunch(ctx, task.Name); err != nil {
			return Result{Name: task.Name, Status: StatusFailed, Attempts: attempts, RateLimitSignals: rateLimitSignals}, totalBackoff
		}

		runResult, err := adapter.Run(ctx, adapter.Spec{
			Command:    cfg.AdapterCommand,
			Args:       append(append([]string{}, cfg.AdapterArgs...), task.Dir),
			WorkingDir: task.Dir,
			Timeout:    cfg.TimeoutPerSpec,
		})
		if err != nil {
			return Result{Name: task.Name, Status: StatusFailed, Attempts: attempts, RateLimitSignals: rateLimitSignals}, totalBackoff
		}

		result := Result{
			Name:             task.Name,
			Attempts:         attempts,
			RateLimitSignals: rateLimitSignals,
			ElapsedMs:        runResult.ElapsedMs,
			StdoutExcerpt:    runResult.StdoutExcerpt,
			ExitCode:         runResult.ExitCode,
		}

		switch runResult.Classification {
		case governor.ClassSuccess:
			result.Status = StatusSuccess
			return result, totalBackoff
		case governor.ClassRateLimit:
			rateLimitSignals++
			result.RateLimitSignals = rateLimitSignals
			wait := gov.RecordSignal(task.Name, attempts, runResult.RetryAfterMs)
			totalBackoff += wait.Milliseconds()
			if attempts >= maxRetries {
				result.Status = StatusFailed
				return result, totalBackoff
			}
		case governor.ClassTransient:
			if attempts >= maxRetries {
				result.Status = StatusFailed
				return result, totalBackoff
			}
		case governor.ClassFatal:
			result.Status = StatusFailed
			return result, totalBackoff
		default:
			result.Status = StatusFailed
			return result, totalBackoff
		}

		if ctx.Err() != nil {
			result.Status = StatusFailed
			return result, totalBackoff
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
