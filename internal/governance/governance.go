/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package governance implements the Governance Close-Loop (spec §4.10):
// a cross-archive health assessment feeding a plan-then-optionally-execute
// loop over maintenance and advisory actions, repeating until a risk
// target, a release-gate block, an exhausted non-mutating mode, or a
// round cap stops it.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"time"

	"github.com/marcus-qen/autoloop/internal/anomaly"
	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/closeloop"
	"github.com/marcus-qen/autoloop/internal/controllerloop"
	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/notify"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/releasegate"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
	"github.com/marcus-qen/autoloop/internal/risk"
)

// Mode selects whether a round only plans or also applies its plan.
type Mode string

const (
	ModePlanOnly Mode = "plan-only"
	ModeExecute  Mode = "execute"
)

// ActionKind enumerates the maintenance and advisory actions a round can
// plan (spec §4.10).
type ActionKind string

const (
	ActionSessionPrune           ActionKind = "session-prune"
	ActionBatchSessionPrune      ActionKind = "batch-session-prune"
	ActionControllerSessionPrune ActionKind = "controller-session-prune"
	ActionRecoveryMemoryPrune    ActionKind = "recovery-memory-prune"
	ActionRecoverLatest          ActionKind = "recover-latest"
	ActionControllerResumeLatest ActionKind = "controller-resume-latest"
	ActionReleaseEvidenceTrim    ActionKind = "release-evidence-trim"
)

// Retention configures the maintenance prune actions.
type Retention struct {
	CloseLoopKeep               int
	BatchKeep                   int
	ControllerKeep              int
	OlderThanDays               int
	RecoveryMemoryOlderThanDays int
	ReleaseEvidenceWindow       time.Duration
	ReleaseEvidenceMaxEntries   int
	ReleaseEvidenceScope        string // empty: trim every known scope
}

// EvidenceSignals feeds release-evidence history into AssessHealth's
// matrix-regression scoring, folding in whatever a scope's recent history
// shows on top of whatever the caller already supplied in
// ReleaseGate.Matrix.RegressionCount.
type EvidenceSignals struct {
	Store  *releaseevidence.Store
	Scope  string
	Window time.Duration
}

// HealthInput is the context AssessHealth scores into a Health.
type HealthInput struct {
	Environment  risk.Environment
	ReplanCycles int
	ReleaseGate  releasegate.Input
	Anomaly      anomaly.Config
	Evidence     EvidenceSignals
}

// Config configures one governance Run.
type Config struct {
	TargetRisk      risk.Level
	Mode            Mode
	MaxRounds       int
	ExecuteAdvisory bool
	AllowDrift      bool
	HolderID        string
	Retention       Retention
	Health          HealthInput
	CloseLoop       closeloop.Config
	Controller      controllerloop.Config

	// Notifier delivers a round's release-gate block and concern signals
	// to internal/notify's configured channels. Nil disables delivery —
	// the round still runs, Health.Concerns and Health.ReleaseGate are
	// still computed and checkpointed, nothing is sent externally.
	Notifier *notify.Router
}

// Health is the cross-archive assessment object (spec §4.10: "risk level,
// concerns, recommendations, release-gate readiness, and handoff quality
// signals").
type Health struct {
	Risk                risk.Assessment     `json:"risk"`
	Concerns            []string            `json:"concerns,omitempty"`
	Recommendations     []string            `json:"recommendations,omitempty"`
	ReleaseGate         releasegate.Decision `json:"releaseGate"`
	CapabilityUnknowns  int                 `json:"capabilityUnknowns"`
	MatrixRegressions   int                 `json:"matrixRegressions"`
	WeeklyOpsPressure   float64             `json:"weeklyOpsPressure"`
	CloseLoopStats      archive.Stats       `json:"closeLoopStats"`
	BatchStats          archive.Stats       `json:"batchStats"`
	ControllerStats     archive.Stats       `json:"controllerStats"`
}

// PlannedAction is one entry in a round's plan.
type PlannedAction struct {
	Kind     ActionKind `json:"kind"`
	Advisory bool       `json:"advisory"`
	Reason   string     `json:"reason"`
}

// ActionResult is one executed action's outcome. Status is one of
// applied|skipped|failed — an advisory action with nothing actionable is
// skipped, never failed (spec §4.10).
type ActionResult struct {
	Kind   ActionKind `json:"kind"`
	Status string     `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RoundResult is one governance-loop iteration.
type RoundResult struct {
	Round   int             `json:"round"`
	Health  Health          `json:"health"`
	Plan    []PlannedAction `json:"plan"`
	Actions []ActionResult  `json:"actions,omitempty"`
}

// Outcome is the terminal result of a governance Run.
type Outcome struct {
	SessionID  string        `json:"sessionId"`
	Rounds     []RoundResult `json:"rounds"`
	StopReason string        `json:"stopReason"`
	FinalHealth Health       `json:"finalHealth"`
}

// AssessHealth composes cross-archive stats and release-gate signals into
// one Health object.
func AssessHealth(store *archive.Store, in HealthInput) Health {
	closeLoopStats, _ := store.StatsFor(archive.KindCloseLoop, archive.ListFilter{Limit: 50})
	batchStats, _ := store.StatsFor(archive.KindBatch, archive.ListFilter{Limit: 50})
	controllerStats, _ := store.StatsFor(archive.KindController, archive.ListFilter{Limit: 50})

	recentFailureRate := maxFailureRate(closeLoopStats, batchStats, controllerStats)

	releaseGateInput := in.ReleaseGate
	if in.Evidence.Store != nil {
		if regressions, err := in.Evidence.Store.RegressionCount(in.Evidence.Scope, in.Evidence.Window); err == nil && regressions > releaseGateInput.Matrix.RegressionCount {
			releaseGateInput.Matrix.RegressionCount = regressions
		}
	}
	gate := releasegate.Evaluate(releaseGateInput)
	unknownCaps := countUnknownCapabilities(releaseGateInput.Capability)
	weeklyOpsPressure := weeklyOpsPressureScore(releaseGateInput)

	assessment := risk.Assess(risk.Input{
		SpecCount:         closeLoopStats.Total,
		CriticalSpecCount: releaseGateInput.Matrix.RegressionCount,
		Environment:       in.Environment,
		ReplanCycles:      in.ReplanCycles,
		RecentFailureRate: recentFailureRate,
	})

	anomalyCfg := in.Anomaly
	if anomalyCfg.Kind == "" {
		anomalyCfg.Kind = archive.KindCloseLoop
	}
	anomalySignals := anomaly.Signals(store, anomalyCfg)

	var concerns []string
	if !gate.Passed {
		concerns = append(concerns, "release-gate-blocked")
		concerns = append(concerns, gate.BlockedReasons...)
	}
	concerns = append(concerns, anomalySignals...)
	if closeLoopStats.FailureRate > 0.3 {
		concerns = append(concerns, "close-loop-failure-rate-high")
	}
	if batchStats.FailureRate > 0.3 {
		concerns = append(concerns, "batch-failure-rate-high")
	}
	if controllerStats.FailureRate > 0.3 {
		concerns = append(concerns, "controller-failure-rate-high")
	}

	recommendations := append([]string{}, gate.Recommendations...)
	if closeLoopStats.FailureRate > 0.3 {
		recommendations = append(recommendations, "close-loop-review-recent-failures")
	}

	return Health{
		Risk:               assessment,
		Concerns:           concerns,
		Recommendations:    recommendations,
		ReleaseGate:        gate,
		CapabilityUnknowns: unknownCaps,
		MatrixRegressions:  releaseGateInput.Matrix.RegressionCount,
		WeeklyOpsPressure:  weeklyOpsPressure,
		CloseLoopStats:     closeLoopStats,
		BatchStats:         batchStats,
		ControllerStats:    controllerStats,
	}
}

func maxFailureRate(stats ...archive.Stats) float64 {
	max := 0.0
	for _, s := range stats {
		if s.FailureRate > max {
			max = s.FailureRate
		}
	}
	return max
}

func countUnknownCapabilities(c releasegate.CapabilitySignals) int {
	declared := make(map[string]bool, len(c.Declared))
	for _, d := range c.Declared {
		declared[d] = true
	}
	unknown := 0
	for _, o := range c.Observed {
		if !declared[o] {
			unknown++
		}
	}
	return unknown
}

// weeklyOpsPressureScore is a 0..1 composite of the block/violation rates
// that feed the release gate's weekly-ops check, used here as a
// continuous health signal rather than a pass/block threshold.
func weeklyOpsPressureScore(in releasegate.Input) float64 {
	w := in.WeeklyOps
	scores := []float64{
		safeRate(w.BlockedRuns, w.TotalRuns),
		safeRate(w.AuthTierBlocked, w.AuthTierTotal),
		safeRate(w.DialogueBlocked, w.DialogueTotal),
		safeRate(w.RuntimeUIModeViolations, w.RuntimeUIModeTotal),
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func safeRate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

// Plan derives this round's maintenance and advisory actions from health
// and cfg's retention policy.
func Plan(store *archive.Store, health Health, cfg Config) []PlannedAction {
	var plan []PlannedAction

	if cfg.Retention.CloseLoopKeep > 0 || cfg.Retention.OlderThanDays > 0 {
		plan = append(plan, PlannedAction{Kind: ActionSessionPrune, Reason: "retain newest close-loop sessions"})
	}
	if cfg.Retention.BatchKeep > 0 || cfg.Retention.OlderThanDays > 0 {
		plan = append(plan, PlannedAction{Kind: ActionBatchSessionPrune, Reason: "retain newest batch sessions"})
	}
	if cfg.Retention.ControllerKeep > 0 || cfg.Retention.OlderThanDays > 0 {
		plan = append(plan, PlannedAction{Kind: ActionControllerSessionPrune, Reason: "retain newest controller sessions"})
	}
	if cfg.Retention.RecoveryMemoryOlderThanDays > 0 {
		plan = append(plan, PlannedAction{Kind: ActionRecoveryMemoryPrune, Reason: "expire stale recovery-memory entries"})
	}
	if cfg.Retention.ReleaseEvidenceWindow > 0 || cfg.Retention.ReleaseEvidenceMaxEntries > 0 {
		plan = append(plan, PlannedAction{Kind: ActionReleaseEvidenceTrim, Reason: "trim release-evidence documents to the configured window"})
	}

	if actionableResume(store, archive.KindCloseLoop) {
		plan = append(plan, PlannedAction{Kind: ActionRecoverLatest, Advisory: true, Reason: "latest close-loop session is interrupted"})
	}
	if actionableResume(store, archive.KindController) {
		plan = append(plan, PlannedAction{Kind: ActionControllerResumeLatest, Advisory: true, Reason: "latest controller session is interrupted"})
	}

	return plan
}

func actionableResume(store *archive.Store, kind archive.Kind) bool {
	_, err := store.Resume(kind, string(archive.ResumeInterrupted))
	return err == nil
}

// hasActionablePlan reports whether plan contains anything a round could
// apply — an empty plan means there is nothing left to do this round.
func hasActionablePlan(plan []PlannedAction) bool {
	return len(plan) > 0
}

// Execute applies plan's actions. Maintenance actions always run;
// advisory actions only run when cfg.ExecuteAdvisory is set, and resolve
// to skipped (not failed) when nothing is actionable by execution time.
func Execute(ctx context.Context, store *archive.Store, recoveryStore *recoverymem.Store, evidenceStore *releaseevidence.Store, plan []PlannedAction, cfg Config) []ActionResult {
	results := make([]ActionResult, 0, len(plan))
	for _, action := range plan {
		results = append(results, executeOne(ctx, store, recoveryStore, evidenceStore, action, cfg))
	}
	return results
}

func executeOne(ctx context.Context, store *archive.Store, recoveryStore *recoverymem.Store, evidenceStore *releaseevidence.Store, action PlannedAction, cfg Config) ActionResult {
	switch action.Kind {
	case ActionSessionPrune:
		n, err := store.Prune(archive.KindCloseLoop, archive.PruneOptions{Keep: cfg.Retention.CloseLoopKeep, OlderThanDays: cfg.Retention.OlderThanDays})
		return pruneResult(action.Kind, n, err)
	case ActionBatchSessionPrune:
		n, err := store.Prune(archive.KindBatch, archive.PruneOptions{Keep: cfg.Retention.BatchKeep, OlderThanDays: cfg.Retention.OlderThanDays})
		return pruneResult(action.Kind, n, err)
	case ActionControllerSessionPrune:
		n, err := store.Prune(archive.KindController, archive.PruneOptions{Keep: cfg.Retention.ControllerKeep, OlderThanDays: cfg.Retention.OlderThanDays})
		return pruneResult(action.Kind, n, err)
	case ActionRecoveryMemoryPrune:
		n, err := recoveryStore.Prune(cfg.HolderID, "", cfg.Retention.RecoveryMemoryOlderThanDays)
		return pruneResult(action.Kind, n, err)
	case ActionReleaseEvidenceTrim:
		if evidenceStore == nil {
			return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "no release-evidence store configured"}
		}
		var n int
		var err error
		if cfg.Retention.ReleaseEvidenceScope != "" {
			n, err = evidenceStore.Trim(cfg.HolderID, cfg.Retention.ReleaseEvidenceScope, cfg.Retention.ReleaseEvidenceWindow, cfg.Retention.ReleaseEvidenceMaxEntries)
		} else {
			n, err = evidenceStore.TrimAll(cfg.HolderID, cfg.Retention.ReleaseEvidenceWindow, cfg.Retention.ReleaseEvidenceMaxEntries)
		}
		return pruneResult(action.Kind, n, err)
	case ActionRecoverLatest:
		if !cfg.ExecuteAdvisory {
			return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "execute-advisory not set"}
		}
		_, err := closeloop.Resume(ctx, store, string(archive.ResumeInterrupted), cfg.CloseLoop, cfg.AllowDrift)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "no interrupted close-loop session"}
			}
			return ActionResult{Kind: action.Kind, Status: "failed", Error: err.Error()}
		}
		return ActionResult{Kind: action.Kind, Status: "applied"}
	case ActionControllerResumeLatest:
		if !cfg.ExecuteAdvisory {
			return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "execute-advisory not set"}
		}
		_, err := controllerloop.Resume(ctx, store, string(archive.ResumeInterrupted), cfg.Controller)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "no interrupted controller session"}
			}
			return ActionResult{Kind: action.Kind, Status: "failed", Error: err.Error()}
		}
		return ActionResult{Kind: action.Kind, Status: "applied"}
	default:
		return ActionResult{Kind: action.Kind, Status: "skipped", Detail: "unrecognized action"}
	}
}

func pruneResult(kind ActionKind, n int, err error) ActionResult {
	if err != nil {
		return ActionResult{Kind: kind, Status: "failed", Error: err.Error()}
	}
	return ActionResult{Kind: kind, Status: "applied", Detail: fmt.Sprintf("%d removed", n)}
}

// publishHealth routes a round's release-gate block and concerns through
// cfg.Notifier, the same Router internal/anomaly sends its signals
// through. A nil Notifier is a no-op: Health itself already carries these
// signals for any caller that only wants to inspect the returned Outcome.
func publishHealth(ctx context.Context, notifier *notify.Router, sessionID string, round int, health Health) {
	if notifier == nil {
		return
	}
	if !health.ReleaseGate.Passed {
		notifier.Notify(ctx, notify.Message{
			AgentName: "governance",
			RunName:   sessionID,
			Severity:  "critical",
			Title:     "release gate blocked",
			Body:      strings.Join(health.ReleaseGate.BlockedReasons, "; "),
			Timestamp: time.Now().UTC(),
		})
	}
	for _, concern := range health.Concerns {
		notifier.Notify(ctx, notify.Message{
			AgentName: "governance",
			RunName:   sessionID,
			Severity:  "warning",
			Title:     concern,
			Body:      fmt.Sprintf("round %d", round),
			Timestamp: time.Now().UTC(),
		})
	}
}

func anyFailed(results []ActionResult) bool {
	for _, r := range results {
		if r.Status == "failed" {
			return true
		}
	}
	return false
}

// Run creates a new governance session and drives the loop. evidenceStore
// may be nil if release-evidence trimming is not configured for this
// project.
func Run(ctx context.Context, store *archive.Store, recoveryStore *recoverymem.Store, evidenceStore *releaseevidence.Store, cfg Config) (Outcome, error) {
	session, err := store.Create(archive.KindGovernance, "", map[string]any{"targetRisk": string(cfg.TargetRisk), "mode": string(cfg.Mode)})
	if err != nil {
		return Outcome{}, fmt.Errorf("governance create session: %w", err)
	}
	session.SetPolicy(policyOf(cfg))
	return loop(ctx, store, recoveryStore, evidenceStore, session, cfg)
}

// policyOf captures the invocation flags a resume must match unless
// allow-drift is set.
func policyOf(cfg Config) map[string]any {
	return map[string]any{
		"targetRisk": string(cfg.TargetRisk),
		"mode":       string(cfg.Mode),
	}
}

// Resume continues a previously checkpointed governance session.
func Resume(ctx context.Context, store *archive.Store, recoveryStore *recoverymem.Store, evidenceStore *releaseevidence.Store, selector string, cfg Config) (Outcome, error) {
	snap, err := store.Resume(archive.KindGovernance, selector)
	if err != nil {
		return Outcome{}, fmt.Errorf("governance resume: %w", err)
	}
	if !cfg.AllowDrift {
		for key, want := range policyOf(cfg) {
			if got, ok := snap.Policy[key]; ok && got != want {
				return Outcome{}, fmt.Errorf("governance resume %s: %s drifted (%v -> %v): %w", snap.SessionID, key, got, want, errs.ErrPolicyDrift)
			}
		}
	}
	session, err := store.Reopen(archive.KindGovernance, snap.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	return loop(ctx, store, recoveryStore, evidenceStore, session, cfg)
}

func loop(ctx context.Context, store *archive.Store, recoveryStore *recoverymem.Store, evidenceStore *releaseevidence.Store, session *archive.Session, cfg Config) (Outcome, error) {
	outcome := Outcome{SessionID: session.ID()}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}

	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			outcome.StopReason = "context-cancelled"
			break
		}

		health := AssessHealth(store, cfg.Health)
		publishHealth(ctx, cfg.Notifier, session.ID(), round, health)
		plan := Plan(store, health, cfg)
		result := RoundResult{Round: round, Health: health, Plan: plan}

		if health.Risk.Level.AtOrBelow(cfg.TargetRisk) {
			outcome.Rounds = append(outcome.Rounds, result)
			outcome.StopReason = "target-risk-reached"
			break
		}
		if !health.ReleaseGate.Passed && !hasActionablePlan(plan) {
			outcome.Rounds = append(outcome.Rounds, result)
			outcome.StopReason = "release-gate-blocked-no-actionable-plan"
			break
		}
		if cfg.Mode == ModePlanOnly {
			outcome.Rounds = append(outcome.Rounds, result)
			outcome.StopReason = "non-mutating-mode-exhausted"
			break
		}

		result.Actions = Execute(ctx, store, recoveryStore, evidenceStore, plan, cfg)
		outcome.Rounds = append(outcome.Rounds, result)

		if anyFailed(result.Actions) {
			outcome.StopReason = "maintenance-action-failed"
			break
		}

		session.AppendEvent("round-complete", "", map[string]any{"round": round, "riskLevel": string(health.Risk.Level)})
		if err := session.Checkpoint(map[string]any{"rounds": len(outcome.Rounds)}); err != nil {
			return outcome, err
		}

		if round == maxRounds {
			outcome.StopReason = "round-cap-reached"
		}
	}

	if len(outcome.Rounds) > 0 {
		outcome.FinalHealth = outcome.Rounds[len(outcome.Rounds)-1].Health
	}
	status := archive.StatusCompleted
	if outcome.StopReason == "maintenance-action-failed" {
		status = archive.StatusFailed
	} else if outcome.StopReason == "context-cancelled" {
		status = archive.StatusInterrupted
	}
	return finalize(session, outcome, status)
}

func finalize(session *archive.Session, outcome Outcome, status archive.Status) (Outcome, error) {
	if err := session.Finalize(status, map[string]any{"rounds": len(outcome.Rounds), "stopReason": outcome.StopReason}); err != nil {
		return outcome, err
	}
	return outcome, nil
}
