/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package governor implements the Rate-Limit Governor (spec §4.4): it
// interposes on every sub-agent launch and every sub-agent error,
// detecting provider-429 signals and applying exponential backoff with
// jitter, adaptive parallelism throttling, and a per-minute launch budget.
// The concurrency/accounting shape is grounded on the teacher's
// internal/shared/ratelimit.Limiter (mutex-guarded maps plus a pruned
// sliding-window history); the signal classification table is grounded on
// internal/probe/executor/classifier.go's prefix-table pattern, repurposed
// from shell-command risk tiers to adapter-exit-code/stderr rate-limit
// tiers.
package governor

// Profile names one of the three governor parameter sets.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileBalanced      Profile = "balanced"
	ProfileAggressive    Profile = "aggressive"
)

// Params is one row of the spec §4.4 profile table.
type Params struct {
	MaxRetries           int
	BackoffBaseMs        int64
	BackoffMaxMs         int64
	CooldownMs           int64
	LaunchBudgetPerMinute int
	SignalWindowMs       int64
	SignalThreshold      int
	ExtraHoldMs          int64
	DynamicParallelFloor int
}

// ParamsFor returns the parameter set for profile, defaulting to balanced
// for unrecognized values (fail-safe: balanced is the conservative-leaning
// default, never aggressive).
func ParamsFor(p Profile) Params {
	switch p {
	case ProfileConservative:
		return Params{
			MaxRetries: 10, BackoffBaseMs: 2200, BackoffMaxMs: 90000,
			CooldownMs: 60000, LaunchBudgetPerMinute: 4, SignalWindowMs: 45000,
			SignalThreshold: 2, ExtraHoldMs: 5000, DynamicParallelFloor: 1,
		}
	case ProfileAggressive:
		return Params{
			MaxRetries: 6, BackoffBaseMs: 1000, BackoffMaxMs: 30000,
			CooldownMs: 20000, LaunchBudgetPerMinute: 16, SignalWindowMs: 20000,
			SignalThreshold: 4, ExtraHoldMs: 2000, DynamicParallelFloor: 2,
		}
	default:
		return Params{
			MaxRetries: 8, BackoffBaseMs: 1500, BackoffMaxMs: 60000,
			CooldownMs: 45000, LaunchBudgetPerMinute: 8, SignalWindowMs: 30000,
			SignalThreshold: 3, ExtraHoldMs: 3000, DynamicParallelFloor: 1,
		}
	}
}
