/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/autoloop/internal/batch"
	"github.com/marcus-qen/autoloop/internal/closeloop"
	"github.com/marcus-qen/autoloop/internal/controllerloop"
	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/program"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func (a *app) closeLoopConfig(goal string, args []string) (closeloop.Config, []string) {
	env, args := flagValue(args, "--environment", "dev")
	maxRisk, args := flagValue(args, "--max-risk", string(risk.LevelHigh))
	replanStrategy, args := flagValue(args, "--replan-strategy", string(closeloop.ReplanFixed))
	replanAttempts, args := flagInt(args, "--replan-attempts", 3)
	noProgressWindow, args := flagInt(args, "--no-progress-window", 2)
	subCount, args := flagInt(args, "--decompose-count", 0)
	maxParallel, args := flagInt(args, "--max-parallel", 4)
	agentBudget, args := flagInt(args, "--agent-budget", 8)

	cfg := closeloop.Config{
		SpecsRoot:        stateDir(a.cfg),
		Goal:             goal,
		SubCountOverride: subCount,
		Environment:      risk.Environment(env),
		ReplanStrategy:   closeloop.ReplanStrategy(replanStrategy),
		ReplanAttempts:   replanAttempts,
		NoProgressWindow: noProgressWindow,
		Gate: closeloop.GateConfig{
			MaxRiskLevel:         risk.Level(maxRisk),
			MinCompletionRate:    a.cfg.Gate.MinCompletionRate,
			MaxSuccessRateDrop:   a.cfg.Gate.MaxSuccessRateDrop,
		},
		Orchestrator: orchestrator.Config{
			MaxParallel:      maxParallel,
			AgentBudget:      agentBudget,
			TimeoutPerSpec:   20 * time.Minute,
			MaxRetries:       2,
			RateLimitProfile: governor.Profile(a.cfg.RateLimitProfile),
			AdapterCommand:   a.cfg.AdapterCommand,
			AdapterArgs:      a.cfg.AdapterArgs,
			APIKeyEnvVar:     a.cfg.APIKeyEnvVar,
		},
	}
	return cfg, args
}

func (a *app) runCloseLoop(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	resumeFrom, args := flagValue(args, "--resume", "")
	allowDrift, args := flagBool(args, "--allow-drift")
	goal := positional(args)

	cfg, _ := a.closeLoopConfig(goal, args)
	if g.dryRun {
		return map[string]any{"dryRun": true, "goal": goal, "config": cfg}, nil
	}
	if resumeFrom != "" {
		return closeloop.Resume(ctx, a.archiveStore, resumeFrom, cfg, allowDrift)
	}
	if goal == "" {
		return nil, fmt.Errorf("close-loop requires a goal argument")
	}
	return closeloop.Run(ctx, a.archiveStore, cfg)
}

func (a *app) runCloseLoopBatch(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	goalsFile, args := flagValue(args, "--goals-file", positional(args))
	parallel, args := flagInt(args, "--parallel", 3)
	agentBudget, args := flagInt(args, "--agent-budget", 8)
	strategy, args := flagValue(args, "--strategy", string(batch.StrategyFIFO))
	retryMode, args := flagValue(args, "--retry-mode", string(batch.RetryNone))
	retryMaxRounds, args := flagInt(args, "--retry-max-rounds", 1)
	continueOnError, _ := flagBool(args, "--continue-on-error")

	if goalsFile == "" {
		return nil, fmt.Errorf("close-loop-batch requires a goals file")
	}
	goals, err := readGoalsFile(goalsFile)
	if err != nil {
		return nil, err
	}

	template, _ := a.closeLoopConfig("", nil)
	cfg := batch.Config{
		SpecsRoot:       stateDir(a.cfg),
		Parallel:        parallel,
		AgentBudget:     agentBudget,
		Strategy:        batch.Strategy(strategy),
		RetryMaxRounds:  retryMaxRounds,
		RetryMode:       batch.RetryMode(retryMode),
		ContinueOnError: continueOnError,
		CloseLoop:       template,
	}
	if g.dryRun {
		return map[string]any{"dryRun": true, "goals": goals, "config": cfg}, nil
	}
	return batch.Run(ctx, a.archiveStore, goals, cfg)
}

func (a *app) runCloseLoopProgram(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	profile, args := flagValue(args, "--profile", string(program.ProfileDefault))
	minQuality, args := flagFloat(args, "--min-decomposition-quality", 0.5)
	maxSubGoals, args := flagInt(args, "--max-subgoals", 8)
	autoRemediate, args := flagBool(args, "--auto-remediate")
	goal := positional(args)
	if goal == "" {
		return nil, fmt.Errorf("close-loop-program requires a goal argument")
	}

	closeLoopTemplate, _ := a.closeLoopConfig("", nil)
	cfg := program.Config{
		Goal:                    goal,
		MinDecompositionQuality: minQuality,
		MaxSubGoals:             maxSubGoals,
		PrimaryProfile:          program.ProfileName(profile),
		AutoSuggestRemediation:  autoRemediate,
		Batch: batch.Config{
			SpecsRoot: stateDir(a.cfg),
			Parallel:  3,
			CloseLoop: closeLoopTemplate,
		},
	}
	if g.dryRun {
		return map[string]any{"dryRun": true, "goal": goal, "config": cfg}, nil
	}
	return program.Run(ctx, a.archiveStore, cfg)
}

func (a *app) runCloseLoopController(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	holderID, args := flagValue(args, "--holder-id", "auto-controller")
	leaseTTLSeconds, args := flagInt(args, "--lease-ttl-seconds", 300)
	pollSeconds, args := flagInt(args, "--poll-seconds", 5)
	dequeueLimit, args := flagInt(args, "--dequeue-limit", 1)
	maxCycles, args := flagInt(args, "--max-cycles", 0)
	waitOnEmpty, args := flagBool(args, "--wait-on-empty")
	queueFile := positional(args)
	if queueFile == "" {
		return nil, fmt.Errorf("close-loop-controller requires a queue-file argument")
	}

	closeLoopTemplate, _ := a.closeLoopConfig("", nil)
	cfg := controllerloop.Config{
		QueuePath:    queueFile,
		LeasePath:    stateDir(a.cfg) + "/locks/controller.lock",
		HolderID:     holderID,
		LeaseTTL:     time.Duration(leaseTTLSeconds) * time.Second,
		DequeueLimit: dequeueLimit,
		DedupByGoal:  true,
		WaitOnEmpty:  waitOnEmpty,
		PollInterval: time.Duration(pollSeconds) * time.Second,
		MaxCycles:    maxCycles,
		Program: program.Config{
			Batch: batch.Config{SpecsRoot: stateDir(a.cfg), Parallel: 3, CloseLoop: closeLoopTemplate},
		},
	}
	if g.dryRun {
		return map[string]any{"dryRun": true, "queueFile": queueFile, "config": cfg}, nil
	}
	return controllerloop.Run(ctx, a.archiveStore, cfg)
}

func (a *app) runCloseLoopRecover(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	scope, args := flagValue(args, "--scope", "")
	strategy, args := flagValue(args, "--strategy", string(recoverymem.StrategyBestSuccessRate))
	defaultAction, args := flagValue(args, "--default-action", "retry")
	summary := positional(args)
	if summary == "" {
		return nil, fmt.Errorf("close-loop-recover requires a summary selector")
	}
	if scope == "" {
		return nil, fmt.Errorf("close-loop-recover requires --scope")
	}

	decision, err := a.recoveryStore.SelectAction(scope, summary, []string{"retry", "replan", "skip"}, recoverymem.Strategy(strategy), defaultAction)
	if err != nil {
		return nil, err
	}
	if g.dryRun {
		return map[string]any{"dryRun": true, "decision": decision}, nil
	}

	cfg, _ := a.closeLoopConfig("", nil)
	outcome, err := closeloop.Resume(ctx, a.archiveStore, summary, cfg, false)
	success := err == nil
	if recErr := a.recoveryStore.RecordOutcome("auto-recover", scope, summary, decision.Action, success); recErr != nil {
		return nil, fmt.Errorf("record recovery outcome: %w", recErr)
	}
	return outcome, err
}
