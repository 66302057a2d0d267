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

	"github.com/marcus-qen/autoloop/internal/governance"
	"github.com/marcus-qen/autoloop/internal/releasegate"
	"github.com/marcus-qen/autoloop/internal/risk"
)

func (a *app) healthInput(args []string) (governance.HealthInput, []string) {
	env, args := flagValue(args, "--environment", "dev")
	replanCycles, args := flagInt(args, "--replan-cycles", 0)
	maxUnknownCount, args := flagInt(args, "--max-capability-unknowns", 3)
	evidenceScope, args := flagValue(args, "--evidence-scope", "")

	in := governance.HealthInput{
		Environment:  risk.Environment(env),
		ReplanCycles: replanCycles,
		ReleaseGate: releasegate.Input{
			Thresholds: releasegate.DefaultThresholds,
			Capability: releasegate.CapabilitySignals{MaxUnknownCount: maxUnknownCount},
		},
	}
	if evidenceScope != "" {
		in.Evidence = governance.EvidenceSignals{Store: a.evidenceStore, Scope: evidenceScope}
	}
	return in, args
}

func (a *app) runGovernance(ctx context.Context, args []string, g globalFlags) (any, error) {
	args = extractCommonFlags(&g, args)
	if len(args) == 0 {
		return nil, fmt.Errorf("governance requires a subcommand: stats, maintain, or close-loop")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "stats":
		in, _ := a.healthInput(args)
		return governance.AssessHealth(a.archiveStore, in), nil
	case "maintain":
		in, args := a.healthInput(args)
		holderID, args := flagValue(args, "--holder-id", "auto-governance")
		maxRounds, _ := flagInt(args, "--max-rounds", 1)
		cfg := governance.Config{
			Mode:            governance.ModePlanOnly,
			MaxRounds:       maxRounds,
			ExecuteAdvisory: false,
			HolderID:        holderID,
			Health:          in,
			Notifier:        buildNotificationRouter(a.log()),
		}
		if !g.dryRun {
			cfg.Mode = governance.ModeExecute
		}
		return governance.Run(ctx, a.archiveStore, a.recoveryStore, a.evidenceStore, cfg)
	case "close-loop":
		in, args := a.healthInput(args)
		holderID, args := flagValue(args, "--holder-id", "auto-governance")
		maxRounds, args := flagInt(args, "--max-rounds", 5)
		executeAdvisory, _ := flagBool(args, "--execute-advisory")
		cfg := governance.Config{
			Mode:            governance.ModeExecute,
			MaxRounds:       maxRounds,
			ExecuteAdvisory: executeAdvisory,
			HolderID:        holderID,
			Health:          in,
			Notifier:        buildNotificationRouter(a.log()),
		}
		if g.dryRun {
			cfg.Mode = governance.ModePlanOnly
		}
		return governance.Run(ctx, a.archiveStore, a.recoveryStore, a.evidenceStore, cfg)
	default:
		return nil, fmt.Errorf("unknown governance subcommand: %s", sub)
	}
}
