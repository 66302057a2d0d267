/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package closeloop implements the single-goal Close-Loop Runner (spec
// §4.6): DECOMPOSE → BOOTSTRAP_SPECS → ORCHESTRATE → GATE → (REPLAN | END),
// checkpointed into a session snapshot after every transition so a
// hard-killed run resumes exactly where it left off. Gate evaluation and
// replan-budget bookkeeping are the only genuinely new domain logic here;
// everything else delegates to internal/specmodel, internal/orchestrator,
// internal/archive, and internal/risk.
package closeloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/orchestrator"
	"github.com/marcus-qen/autoloop/internal/risk"
	"github.com/marcus-qen/autoloop/internal/specmodel"
)

// State is one step of the close-loop state machine.
type State string

const (
	StateDecompose      State = "DECOMPOSE"
	StateBootstrapSpecs State = "BOOTSTRAP_SPECS"
	StateOrchestrate    State = "ORCHESTRATE"
	StateGate           State = "GATE"
	StateReplan         State = "REPLAN"
	StateEnd            State = "END"
)

// ReplanStrategy selects the replan budget model.
type ReplanStrategy string

const (
	ReplanFixed    ReplanStrategy = "fixed"
	ReplanAdaptive ReplanStrategy = "adaptive"
)

// GateConfig configures Definition-of-Done evaluation.
type GateConfig struct {
	TestsCommand          string
	TestsTimeout          time.Duration
	DisableTestsGate       bool
	MaxRiskLevel          risk.Level
	DisableRiskGate        bool
	MinCompletionRate     float64
	DisableCompletionGate  bool
	MaxSuccessRateDrop    float64
	BaselineSessionCount  int
	DisableBaselineGate    bool
	DisableTasksGate       bool
	RequiredDocs          []string
	DisableDocsGate        bool
	DisableCollaborationGate bool
}

// Config configures one close-loop Run.
type Config struct {
	SpecsRoot        string
	Goal             string
	SubCountOverride int
	Environment      risk.Environment
	ReplanStrategy   ReplanStrategy
	ReplanAttempts   int // fixed strategy ceiling
	NoProgressWindow int // adaptive strategy ceiling
	Gate             GateConfig
	Orchestrator     orchestrator.Config
}

// GateResult records one gate's pass/fail.
type GateResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the terminal result of Run.
type Outcome struct {
	SessionID     string       `json:"sessionId"`
	Status        archive.Status `json:"status"`
	ReplanCycles  int          `json:"replanCycles"`
	CompletionRate float64     `json:"completionRate"`
	RiskLevel     risk.Level   `json:"riskLevel"`
	Gates         []GateResult `json:"gates"`
}

// specDecision is a single DECOMPOSE result.
type specDecision struct {
	MasterName string   `json:"masterName"`
	SubNames   []string `json:"subNames"`
}

// checkpointState is the resumable slice of run's loop variables, written
// into the session's Outputs on every checkpoint (spec §4.6: "on
// interruption the runner can resume from the last persisted checkpoint").
// NextState names the state run should re-enter on resume: whichever state
// would otherwise re-derive purely from what's already captured here,
// never a state whose work (bootstrap, orchestrate) has side effects that
// would be redone.
type checkpointState struct {
	NextState          State                `json:"nextState"`
	Decision           specDecision         `json:"decision"`
	Report             *orchestrator.Report `json:"report,omitempty"`
	ReplanCycles       int                  `json:"replanCycles"`
	NoProgressStreak   int                  `json:"noProgressStreak"`
	LastCompletionRate float64              `json:"lastCompletionRate"`
}

// writeCheckpoint persists the current loop state so Resume can pick up at
// NextState instead of restarting from DECOMPOSE.
func writeCheckpoint(session *archive.Session, state checkpointState) error {
	return session.Checkpoint(map[string]any{"run": state})
}

// readCheckpoint recovers the last writeCheckpoint call's state from a
// loaded snapshot. A session with no checkpoint yet (killed before the
// first transition) resumes as a fresh run.
func readCheckpoint(snap archive.Snapshot) checkpointState {
	raw, ok := snap.Outputs["run"]
	if !ok {
		return checkpointState{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return checkpointState{}
	}
	var state checkpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return checkpointState{}
	}
	return state
}

// outcomeOutputs flattens outcome into the map archive.Session.Finalize
// expects, so a later Resume of a finalized session can rebuild it
// verbatim instead of erroring on an already-finalized checkpoint.
func outcomeOutputs(outcome Outcome) map[string]any {
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// outcomeFromSnapshot rebuilds the terminal Outcome of an already-finalized
// snapshot without re-running anything (spec §8: "Resume from a completed
// session is a no-op that returns the same summary").
func outcomeFromSnapshot(snap archive.Snapshot) Outcome {
	outcome := Outcome{SessionID: snap.SessionID, Status: snap.Status}
	data, err := json.Marshal(snap.Outputs)
	if err == nil {
		_ = json.Unmarshal(data, &outcome)
	}
	outcome.SessionID = snap.SessionID
	outcome.Status = snap.Status
	return outcome
}

// Run drives one goal through the full state machine, persisting a
// checkpoint after each transition via store.
func Run(ctx context.Context, store *archive.Store, cfg Config) (Outcome, error) {
	session, err := store.Create(archive.KindCloseLoop, "", map[string]any{"goal": cfg.Goal})
	if err != nil {
		return Outcome{}, fmt.Errorf("close-loop create session: %w", err)
	}
	session.SetPolicy(policyOf(cfg))
	return run(ctx, store, session, cfg, checkpointState{})
}

// policyOf captures the invocation flags a resume must match unless
// allow-drift is set.
func policyOf(cfg Config) map[string]any {
	return map[string]any{
		"goal":           cfg.Goal,
		"environment":    string(cfg.Environment),
		"replanStrategy": string(cfg.ReplanStrategy),
		"maxRiskLevel":   string(cfg.Gate.MaxRiskLevel),
	}
}

// Resume continues a previously checkpointed session located by selector.
func Resume(ctx context.Context, store *archive.Store, selector string, cfg Config, allowDrift bool) (Outcome, error) {
	snap, err := store.Resume(archive.KindCloseLoop, selector)
	if err != nil {
		return Outcome{}, fmt.Errorf("close-loop resume: %w", err)
	}
	if !allowDrift {
		for key, want := range policyOf(cfg) {
			if got, ok := snap.Policy[key]; ok && got != want {
				return Outcome{}, fmt.Errorf("close-loop resume %s: %s drifted (%v -> %v): %w", snap.SessionID, key, got, want, errs.ErrPolicyDrift)
			}
		}
	}
	// A completed (or otherwise finalized) session is a no-op resume: its
	// Finalize already wrote a read-only snapshot, so replaying run()
	// would only fail the first Checkpoint with errs.ErrFinalized.
	if snap.EndedAt != nil {
		return outcomeFromSnapshot(snap), nil
	}

	session, err := store.Reopen(archive.KindCloseLoop, snap.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	return run(ctx, store, session, cfg, readCheckpoint(snap))
}

func run(ctx context.Context, store *archive.Store, session *archive.Session, cfg Config, start checkpointState) (Outcome, error) {
	state := start.NextState
	replanCycles := start.ReplanCycles
	noProgressStreak := start.NoProgressStreak
	lastCompletionRate := start.LastCompletionRate
	outcome := Outcome{SessionID: session.ID()}

	decision := start.Decision
	var tasks []orchestrator.Task
	var report orchestrator.Report

	if state == "" {
		state = StateDecompose
		lastCompletionRate = -1.0
	} else if len(decision.SubNames) > 0 {
		// Resuming past BOOTSTRAP_SPECS: the spec tree already exists on
		// disk, only the in-memory Task list needs rebuilding.
		tasks = toTasks(cfg.SpecsRoot, decision)
	}
	if start.Report != nil {
		report = *start.Report
	}

	for {
		switch state {
		case StateDecompose:
			decision = decomposeGoal(cfg.Goal, cfg.SubCountOverride)
			session.AppendEvent("state-transition", "DECOMPOSE", map[string]any{"master": decision.MasterName, "subs": decision.SubNames})
			if err := writeCheckpoint(session, checkpointState{NextState: StateBootstrapSpecs, Decision: decision, ReplanCycles: replanCycles, NoProgressStreak: noProgressStreak, LastCompletionRate: lastCompletionRate}); err != nil {
				return outcome, err
			}
			state = StateBootstrapSpecs

		case StateBootstrapSpecs:
			if err := bootstrapSpecs(cfg.SpecsRoot, decision); err != nil {
				session.AppendEvent("bootstrap-failed", err.Error(), nil)
				return finalize(session, outcome, archive.StatusFailed)
			}
			tasks = toTasks(cfg.SpecsRoot, decision)
			session.AppendEvent("state-transition", "BOOTSTRAP_SPECS", nil)
			if err := writeCheckpoint(session, checkpointState{NextState: StateOrchestrate, Decision: decision, ReplanCycles: replanCycles, NoProgressStreak: noProgressStreak, LastCompletionRate: lastCompletionRate}); err != nil {
				return outcome, err
			}
			state = StateOrchestrate

		case StateOrchestrate:
			var err error
			report, err = orchestrator.Run(ctx, tasks, cfg.Orchestrator)
			if err != nil {
				session.AppendEvent("orchestrate-failed", err.Error(), nil)
				return finalize(session, outcome, archive.StatusFailed)
			}
			updateCollaborationStatus(cfg.SpecsRoot, decision, report)
			session.AppendEvent("state-transition", "ORCHESTRATE", map[string]any{"successCount": report.SuccessCount, "failureCount": report.FailureCount})
			if err := writeCheckpoint(session, checkpointState{NextState: StateGate, Decision: decision, Report: &report, ReplanCycles: replanCycles, NoProgressStreak: noProgressStreak, LastCompletionRate: lastCompletionRate}); err != nil {
				return outcome, err
			}
			state = StateGate

		case StateGate:
			completionRate := completionRateOf(report)
			riskAssessment := risk.Assess(risk.Input{
				SpecCount:         len(tasks),
				CriticalSpecCount: criticalCount(tasks),
				Environment:       cfg.Environment,
				ReplanCycles:      replanCycles,
			})
			gates := evaluateGates(cfg.SpecsRoot, cfg.Gate, decision, report, completionRate, riskAssessment, lastCompletionRate)
			outcome.Gates = gates
			outcome.CompletionRate = completionRate
			outcome.RiskLevel = riskAssessment.Level

			session.AppendEvent("state-transition", "GATE", map[string]any{"gates": gates})
			if err := writeCheckpoint(session, checkpointState{NextState: StateGate, Decision: decision, Report: &report, ReplanCycles: replanCycles, NoProgressStreak: noProgressStreak, LastCompletionRate: lastCompletionRate}); err != nil {
				return outcome, err
			}

			if allPassed(gates) {
				outcome.ReplanCycles = replanCycles
				return finalize(session, outcome, archive.StatusCompleted)
			}

			progressed := completionRate > lastCompletionRate
			lastCompletionRate = completionRate
			if progressed {
				noProgressStreak = 0
			} else {
				noProgressStreak++
			}

			if !replanBudgetRemains(cfg, replanCycles, noProgressStreak) {
				outcome.ReplanCycles = replanCycles
				status := archive.StatusPartialFailed
				if completionRate == 0 {
					status = archive.StatusFailed
				}
				return finalize(session, outcome, status)
			}
			state = StateReplan

		case StateReplan:
			replanCycles++
			decision = replanSpecs(decision, report)
			tasks = toTasks(cfg.SpecsRoot, decision)
			session.AppendEvent("state-transition", "REPLAN", map[string]any{"cycle": replanCycles})
			if err := writeCheckpoint(session, checkpointState{NextState: StateOrchestrate, Decision: decision, ReplanCycles: replanCycles, NoProgressStreak: noProgressStreak, LastCompletionRate: lastCompletionRate}); err != nil {
				return outcome, err
			}
			state = StateOrchestrate

		case StateEnd:
			outcome.ReplanCycles = replanCycles
			return finalize(session, outcome, archive.StatusCompleted)
		}

		if ctx.Err() != nil {
			session.AppendEvent("interrupted", ctx.Err().Error(), nil)
			if err := session.Checkpoint(nil); err != nil {
				return outcome, err
			}
			return outcome, ctx.Err()
		}
	}
}

func allPassed(gates []GateResult) bool {
	for _, g := range gates {
		if !g.Passed {
			return false
		}
	}
	return true
}

func finalize(session *archive.Session, outcome Outcome, status archive.Status) (Outcome, error) {
	outcome.Status = status
	outcome.SessionID = session.ID()
	if err := session.Finalize(status, outcomeOutputs(outcome)); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// decomposeGoal splits goal into subCount ∈ [2,5] sub-specs, auto-selected
// by a goal-complexity score (length/word-count proxy) unless overridden.
func decomposeGoal(goal string, override int) specDecision {
	subCount := override
	if subCount < 2 || subCount > 5 {
		subCount = complexityScore(goal)
	}
	master := "00-00-" + slug(goal)
	subs := make([]string, subCount)
	for i := 0; i < subCount; i++ {
		subs[i] = fmt.Sprintf("00-%02d-%s", i+1, slug(goal))
	}
	return specDecision{MasterName: master, SubNames: subs}
}

func complexityScore(goal string) int {
	words := len(splitWords(goal))
	switch {
	case words <= 5:
		return 2
	case words <= 12:
		return 3
	case words <= 20:
		return 4
	default:
		return 5
	}
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func slug(goal string) string {
	out := make([]byte, 0, len(goal))
	lastDash := false
	for _, r := range goal {
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
	if len(out) > 24 {
		out = out[:24]
	}
	if len(out) == 0 {
		return "goal"
	}
	return string(out)
}

func bootstrapSpecs(specsRoot string, decision specDecision) error {
	if _, err := specmodel.Bootstrap(specsRoot, decision.MasterName, specmodel.CollaborationMetadata{
		Type:     specmodel.SpecKindMaster,
		SubSpecs: decision.SubNames,
	}); err != nil {
		return fmt.Errorf("bootstrap master %s: %w", decision.MasterName, err)
	}
	for _, sub := range decision.SubNames {
		if _, err := specmodel.Bootstrap(specsRoot, sub, specmodel.CollaborationMetadata{
			Type:       specmodel.SpecKindSub,
			MasterSpec: decision.MasterName,
		}); err != nil {
			return fmt.Errorf("bootstrap sub %s: %w", sub, err)
		}
	}
	return nil
}

// updateCollaborationStatus advances each sub-spec's collaboration status
// to a terminal state after orchestration, best-effort: a spec whose
// metadata can't be loaded or transitioned is left for the collaboration
// gate to report.
func updateCollaborationStatus(specsRoot string, decision specDecision, report orchestrator.Report) {
	for _, name := range decision.SubNames {
		result, ok := report.Results[name]
		if !ok {
			continue
		}
		meta, err := specmodel.LoadMetadata(specsRoot, name)
		if err != nil {
			continue
		}
		spec := &specmodel.Spec{Name: name, Dir: filepath.Join(specsRoot, name), Meta: meta}
		if spec.Meta.Status.Current == specmodel.StatusPlanned {
			_ = spec.Meta.Transition(specmodel.StatusReady)
			_ = spec.Meta.Transition(specmodel.StatusInProgress)
		} else if spec.Meta.Status.Current == specmodel.StatusReady {
			_ = spec.Meta.Transition(specmodel.StatusInProgress)
		}
		if result.Status == orchestrator.StatusSuccess {
			_ = spec.Meta.Transition(specmodel.StatusCompleted)
		} else if result.Status == orchestrator.StatusFailed {
			_ = spec.Meta.Transition(specmodel.StatusFailed)
		}
		_ = spec.SaveMetadata()
	}
}

func toTasks(specsRoot string, decision specDecision) []orchestrator.Task {
	tasks := make([]orchestrator.Task, len(decision.SubNames))
	for i, name := range decision.SubNames {
		tasks[i] = orchestrator.Task{Name: name, Dir: filepath.Join(specsRoot, name), DeclaredOrder: i}
	}
	return tasks
}

func criticalCount(tasks []orchestrator.Task) int {
	count := 0
	for _, t := range tasks {
		if t.Criticality >= 4 {
			count++
		}
	}
	return count
}

func completionRateOf(report orchestrator.Report) float64 {
	total := report.SuccessCount + report.FailureCount
	if total == 0 {
		return 0
	}
	return float64(report.SuccessCount) / float64(total)
}

// replanSpecs synthesizes an adjusted spec plan for a replan cycle: retain
// successful sub-specs, resubmit only the failed ones.
func replanSpecs(decision specDecision, report orchestrator.Report) specDecision {
	var retained []string
	for _, name := range decision.SubNames {
		if result, ok := report.Results[name]; ok && result.Status == orchestrator.StatusSuccess {
			continue
		}
		retained = append(retained, name)
	}
	if len(retained) == 0 {
		retained = decision.SubNames
	}
	return specDecision{MasterName: decision.MasterName, SubNames: retained}
}

func replanBudgetRemains(cfg Config, replanCycles, noProgressStreak int) bool {
	switch cfg.ReplanStrategy {
	case ReplanFixed:
		return replanCycles < cfg.ReplanAttempts
	default: // adaptive
		if cfg.NoProgressWindow > 0 && noProgressStreak >= cfg.NoProgressWindow {
			return false
		}
		if cfg.ReplanAttempts > 0 && replanCycles >= cfg.ReplanAttempts {
			return false
		}
		return true
	}
}

func evaluateGates(specsRoot string, cfg GateConfig, decision specDecision, report orchestrator.Report, completionRate float64, riskAssessment risk.Assessment, baselineCompletionRate float64) []GateResult {
	var gates []GateResult

	if !cfg.DisableTestsGate && cfg.TestsCommand != "" {
		gates = append(gates, testsGate(cfg))
	}
	if !cfg.DisableRiskGate {
		passed := riskAssessment.Level.AtOrBelow(orDefault(cfg.MaxRiskLevel, risk.LevelHigh))
		gates = append(gates, GateResult{Name: "max-risk-level", Passed: passed, Detail: string(riskAssessment.Level)})
	}
	if !cfg.DisableCompletionGate {
		passed := completionRate >= cfg.MinCompletionRate
		gates = append(gates, GateResult{Name: "min-completion-rate", Passed: passed, Detail: fmt.Sprintf("%.2f", completionRate)})
	}
	if !cfg.DisableBaselineGate && baselineCompletionRate >= 0 {
		drop := baselineCompletionRate - completionRate
		passed := drop <= cfg.MaxSuccessRateDrop
		gates = append(gates, GateResult{Name: "max-success-rate-drop", Passed: passed, Detail: fmt.Sprintf("%.2f", drop)})
	}
	if !cfg.DisableTasksGate {
		gates = append(gates, tasksGate(specsRoot, decision))
	}
	if !cfg.DisableDocsGate {
		gates = append(gates, docsGate(specsRoot, cfg, decision))
	}
	if !cfg.DisableCollaborationGate {
		gates = append(gates, collaborationGate(specsRoot, decision))
	}
	return gates
}

func orDefault(level risk.Level, fallback risk.Level) risk.Level {
	if level == "" {
		return fallback
	}
	return level
}

func testsGate(cfg GateConfig) GateResult {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(cfg.TestsTimeout, 5*time.Minute))
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.TestsCommand)
	err := cmd.Run()
	return GateResult{Name: "tests", Passed: err == nil, Detail: errString(err)}
}

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// tasksGate fails if any spec's tasks.md still has an unchecked checkbox.
func tasksGate(specsRoot string, decision specDecision) GateResult {
	for _, name := range append([]string{decision.MasterName}, decision.SubNames...) {
		complete, err := specmodel.TasksComplete(filepath.Join(specsRoot, name))
		if err != nil {
			return GateResult{Name: "tasks-closed", Passed: false, Detail: fmt.Sprintf("%s: %v", name, err)}
		}
		if !complete {
			return GateResult{Name: "tasks-closed", Passed: false, Detail: name + " has unchecked tasks"}
		}
	}
	return GateResult{Name: "tasks-closed", Passed: true}
}

// docsGate fails if any RequiredDocs file is missing from the master spec.
func docsGate(specsRoot string, cfg GateConfig, decision specDecision) GateResult {
	for _, doc := range cfg.RequiredDocs {
		path := filepath.Join(specsRoot, decision.MasterName, doc)
		if _, err := os.Stat(path); err != nil {
			return GateResult{Name: "docs", Passed: false, Detail: "missing " + doc}
		}
	}
	return GateResult{Name: "docs", Passed: true}
}

// collaborationGate fails if any sub-spec's collaboration metadata is not
// in a terminal status (spec §4.6: "no non-terminal specs remaining").
func collaborationGate(specsRoot string, decision specDecision) GateResult {
	for _, name := range decision.SubNames {
		meta, err := specmodel.LoadMetadata(specsRoot, name)
		if err != nil {
			return GateResult{Name: "collaboration", Passed: false, Detail: fmt.Sprintf("%s: %v", name, err)}
		}
		if !meta.Status.Current.IsTerminal() {
			return GateResult{Name: "collaboration", Passed: false, Detail: name + " not terminal"}
		}
	}
	return GateResult{Name: "collaboration", Passed: true}
}
