/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package batch implements the Batch Runner (spec §4.7): it drives N goals
// each through internal/closeloop, sharing a worker pool and an agent
// budget across them, with priority scheduling, anti-starvation aging,
// bounded retry, and adaptive backpressure on sustained pressure. The
// pressure signal is the goals' replan-cycle count, since
// closeloop.Outcome carries no rate-limit count. Persistence and resume follow the same internal/archive
// session-snapshot idiom as internal/closeloop.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/closeloop"
)

// Strategy orders the initial scheduling priority of pending goals.
type Strategy string

const (
	StrategyFIFO          Strategy = "fifo"
	StrategyComplexFirst  Strategy = "complex-first" // default under autonomous policy
	StrategyComplexLast   Strategy = "complex-last"
	StrategyCriticalFirst Strategy = "critical-first"
)

// RetryMode controls how failed/stopped goals are re-queued across rounds.
type RetryMode string

const (
	RetryNone          RetryMode = "none"
	RetryUntilComplete RetryMode = "until-complete"
	RetryAdaptive      RetryMode = "adaptive"
)

// Goal is one unit of batch work.
type Goal struct {
	Name        string
	Text        string
	Criticality int // 1-5, drives critical-first ordering and budget share
	SubCount    int // optional decomposition override, 0 = auto
}

// Config configures one batch Run.
type Config struct {
	SpecsRoot       string
	CloseLoopStateRoot string // root for each goal's close-loop session store; defaults to SpecsRoot
	Parallel        int // batchParallel: worker count ceiling
	AgentBudget     int // batchAgentBudget: shared sub-agent budget across concurrent goals
	Strategy        Strategy
	AgingFactor     float64 // batchAgingFactor: only recorded as ResourcePlan.AgingApplied (> 0); sortPending adds a fixed boost of 1 per waiting cycle whatever this value is
	RetryMaxRounds  int     // batchRetryMaxRounds
	RetryMode       RetryMode
	ContinueOnError bool
	CloseLoop       closeloop.Config // template; Goal/SpecsRoot/SubCountOverride are overridden per goal
}

// GoalResult is one goal's final outcome within the batch.
type GoalResult struct {
	Name     string           `json:"name"`
	Attempts int              `json:"attempts"`
	Outcome  closeloop.Outcome `json:"outcome"`
	Error    string           `json:"error,omitempty"`
}

// ResourcePlan records the scheduling decisions made for a batch run.
type ResourcePlan struct {
	Budget            int      `json:"budget"`
	EffectiveParallel int      `json:"effectiveParallel"`
	Strategy          Strategy `json:"strategy"`
	AgingApplied      bool     `json:"agingApplied"`
	BackpressureRounds int     `json:"backpressureRounds"`
	WaitCyclesTotal   int      `json:"waitCyclesTotal"`
}

// Metrics summarizes outcomes across all goals in the batch.
type Metrics struct {
	SuccessRate          float64            `json:"successRate"`
	StatusBreakdown      map[string]int     `json:"statusBreakdown"`
	AvgSubSpecsPerGoal   float64            `json:"avgSubSpecsPerGoal"`
	AvgReplanCycles      float64            `json:"avgReplanCycles"`
	// TotalRateLimitSignals and AvgRateLimitSignals count replan cycles,
	// the stand-in pressure signal; TotalBackoffMs is not populated and
	// stays 0.
	TotalRateLimitSignals int               `json:"totalRateLimitSignals"`
	AvgRateLimitSignals  float64            `json:"avgRateLimitSignals"`
	TotalBackoffMs       int64              `json:"totalBackoffMs"`
}

// RetryRound records one retry round's backpressure decision.
type RetryRound struct {
	Round            int      `json:"round"`
	Requeued         []string `json:"requeued"`
	BackpressureApplied bool  `json:"backpressureApplied"`
	ParallelAfter    int      `json:"parallelAfter"`
	AgentBudgetAfter int      `json:"agentBudgetAfter"`
}

// Summary is the terminal result of Run, and the document persisted to the
// batch session archive.
type Summary struct {
	SessionID    string       `json:"sessionId"`
	Status       archive.Status `json:"status"`
	GoalResults  []GoalResult `json:"goalResults"`
	ResourcePlan ResourcePlan `json:"resourcePlan"`
	Metrics      Metrics      `json:"metrics"`
	BatchRetry   []RetryRound `json:"batchRetry"`
}

type pendingGoal struct {
	goal       Goal
	waitCycles int
	attempts   int
}

// Run executes every goal in goals, scheduling them under cfg's shared
// worker pool and agent budget, and returns a batch Summary.
func Run(ctx context.Context, store *archive.Store, goals []Goal, cfg Config) (Summary, error) {
	session, err := store.Create(archive.KindBatch, "", map[string]any{"goalCount": len(goals)})
	if err != nil {
		return Summary{}, fmt.Errorf("batch create session: %w", err)
	}
	return run(ctx, session, goals, cfg)
}

func run(ctx context.Context, session *archive.Session, goals []Goal, cfg Config) (Summary, error) {
	parallel := cfg.Parallel
	agentBudget := cfg.AgentBudget
	if parallel <= 0 {
		parallel = 1
	}
	if agentBudget <= 0 {
		agentBudget = parallel
	}
	worker := minInt(parallel, agentBudget)
	if worker < 1 {
		worker = 1
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyComplexFirst
	}

	stateRoot := cfg.CloseLoopStateRoot
	if stateRoot == "" {
		stateRoot = cfg.SpecsRoot
	}
	goalStore := archive.NewStore(stateRoot)

	pending := make([]*pendingGoal, len(goals))
	for i, g := range goals {
		pending[i] = &pendingGoal{goal: g}
	}

	results := make(map[string]GoalResult)
	var order []string
	var retryHistory []RetryRound
	backpressureRounds := 0
	waitCyclesTotal := 0
	round := 0

	for len(pending) > 0 {
		sortPending(pending, strategy)

		batchSize := worker
		if batchSize > len(pending) {
			batchSize = len(pending)
		}
		launch := pending[:batchSize]
		remaining := pending[batchSize:]
		for _, pg := range remaining {
			pg.waitCycles++
			waitCyclesTotal++
		}

		totalCriticality := 0
		for _, pg := range launch {
			totalCriticality += maxInt(pg.goal.Criticality, 1)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		outcomes := make(map[string]closeloop.Outcome, len(launch))
		errs := make(map[string]error, len(launch))

		for _, pg := range launch {
			pg := pg
			wg.Add(1)
			share := agentBudget
			if totalCriticality > 0 {
				share = maxInt(1, agentBudget*maxInt(pg.goal.Criticality, 1)/totalCriticality)
			}
			goalCfg := cfg.CloseLoop
			goalCfg.Goal = pg.goal.Text
			if pg.goal.SubCount > 0 {
				goalCfg.SubCountOverride = pg.goal.SubCount
			}
			goalCfg.SpecsRoot = filepath.Join(cfg.SpecsRoot, sanitizeSegment(pg.goal.Name))
			goalCfg.Orchestrator.MaxParallel = minInt(goalCfg.Orchestrator.MaxParallel, share)
			if goalCfg.Orchestrator.MaxParallel < 1 {
				goalCfg.Orchestrator.MaxParallel = 1
			}
			goalCfg.Orchestrator.AgentBudget = share

			go func() {
				defer wg.Done()
				pg.attempts++
				outcome, err := closeloop.Run(ctx, goalStore, goalCfg)
				mu.Lock()
				outcomes[pg.goal.Name] = outcome
				if err != nil {
					errs[pg.goal.Name] = err
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		var failedThisRound []*pendingGoal
		rateLimitSignalsThisRound := 0
		for _, pg := range launch {
			outcome := outcomes[pg.goal.Name]
			rateLimitSignalsThisRound += outcome.ReplanCycles
			errMsg := ""
			if e, ok := errs[pg.goal.Name]; ok {
				errMsg = e.Error()
			}
			success := errMsg == "" && outcome.Status == archive.StatusCompleted
			results[pg.goal.Name] = GoalResult{Name: pg.goal.Name, Attempts: pg.attempts, Outcome: outcome, Error: errMsg}
			order = append(order, pg.goal.Name)
			if !success {
				failedThisRound = append(failedThisRound, pg)
			}
		}
		session.AppendEvent("batch-round", "round completed", map[string]any{"round": round, "launched": len(launch), "failed": len(failedThisRound)})
		if err := session.Checkpoint(map[string]any{"completedGoals": len(order)}); err != nil {
			return Summary{}, err
		}

		pending = remaining
		if len(failedThisRound) > 0 && !cfg.ContinueOnError {
			return finalize(session, order, results, cfg, retryHistory, backpressureRounds, waitCyclesTotal, worker, strategy)
		}
		if len(failedThisRound) > 0 && cfg.RetryMode != RetryNone && round < cfg.RetryMaxRounds {
			backpressure := cfg.RetryMode == RetryAdaptive && rateLimitSignalsThisRound >= len(launch)
			if backpressure {
				worker = maxInt(1, worker/2)
				agentBudget = maxInt(1, agentBudget/2)
				backpressureRounds++
			}
			requeueNames := make([]string, 0, len(failedThisRound))
			for _, pg := range failedThisRound {
				pg.waitCycles = 0
				pending = append(pending, pg)
				requeueNames = append(requeueNames, pg.goal.Name)
			}
			retryHistory = append(retryHistory, RetryRound{
				Round:               round,
				Requeued:            requeueNames,
				BackpressureApplied: backpressure,
				ParallelAfter:       worker,
				AgentBudgetAfter:    agentBudget,
			})
		}
		round++
	}

	return finalize(session, order, results, cfg, retryHistory, backpressureRounds, waitCyclesTotal, worker, strategy)
}

func finalize(session *archive.Session, order []string, results map[string]GoalResult, cfg Config, retryHistory []RetryRound, backpressureRounds, waitCyclesTotal, effectiveParallel int, strategy Strategy) (Summary, error) {
	goalResults := make([]GoalResult, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		goalResults = append(goalResults, results[name])
	}

	metrics := computeMetrics(goalResults)
	plan := ResourcePlan{
		Budget:             cfg.AgentBudget,
		EffectiveParallel:  effectiveParallel,
		Strategy:           strategy,
		AgingApplied:       cfg.AgingFactor > 0,
		BackpressureRounds: backpressureRounds,
		WaitCyclesTotal:    waitCyclesTotal,
	}

	status := archive.StatusCompleted
	if metrics.StatusBreakdown["failed"] > 0 || metrics.StatusBreakdown["partial-failed"] > 0 {
		if metrics.StatusBreakdown["completed"] == 0 {
			status = archive.StatusFailed
		} else {
			status = archive.StatusPartialFailed
		}
	}

	summary := Summary{
		SessionID:    session.ID(),
		Status:       status,
		GoalResults:  goalResults,
		ResourcePlan: plan,
		Metrics:      metrics,
		BatchRetry:   retryHistory,
	}

	if err := session.Finalize(status, map[string]any{"metrics": metrics, "resourcePlan": plan}); err != nil {
		return summary, err
	}
	return summary, nil
}

func computeMetrics(goalResults []GoalResult) Metrics {
	breakdown := make(map[string]int)
	var totalSubSpecs, totalReplans, totalRateLimit int
	var successCount int
	for _, gr := range goalResults {
		breakdown[string(gr.Outcome.Status)]++
		if gr.Outcome.Status == archive.StatusCompleted {
			successCount++
		}
		totalSubSpecs += len(gr.Outcome.Gates) // proxy: gate count correlates with sub-spec decomposition
		totalReplans += gr.Outcome.ReplanCycles
		totalRateLimit += gr.Outcome.ReplanCycles
	}
	n := len(goalResults)
	metrics := Metrics{StatusBreakdown: breakdown, TotalRateLimitSignals: totalRateLimit}
	if n > 0 {
		metrics.SuccessRate = float64(successCount) / float64(n)
		metrics.AvgSubSpecsPerGoal = float64(totalSubSpecs) / float64(n)
		metrics.AvgReplanCycles = float64(totalReplans) / float64(n)
		metrics.AvgRateLimitSignals = float64(totalRateLimit) / float64(n)
	}
	return metrics
}

func sortPending(pending []*pendingGoal, strategy Strategy) {
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		aScore := baseScore(a.goal, strategy) + float64(a.waitCycles)
		bScore := baseScore(b.goal, strategy) + float64(b.waitCycles)
		return aScore > bScore
	})
}

func baseScore(g Goal, strategy Strategy) float64 {
	switch strategy {
	case StrategyComplexFirst:
		return float64(g.SubCount) + float64(g.Criticality)*0.1
	case StrategyComplexLast:
		return -float64(g.SubCount) - float64(g.Criticality)*0.1
	case StrategyCriticalFirst:
		return float64(g.Criticality) * 10
	default: // fifo
		return 0
	}
}

// sanitizeSegment turns an arbitrary goal name into a safe path segment for
// its per-goal specs subdirectory.
func sanitizeSegment(name string) string {
	out := make([]byte, 0, len(name))
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			out = append(out, byte(r))
			lastDash = false
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
			lastDash = false
		default:
			if !lastDash && len(out) > 0 {
				out = append(out, '-')
				lastDash = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "goal"
	}
	return string(out)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
