/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package program implements the Program Runner (spec §4.8): it turns one
// broad goal into a internal/batch run by scoring candidate semantic
// decompositions, then evaluates the Program Gate against a profile table
// with a fallback chain. It runs no governance rounds and does not
// re-batch; maintenance rounds are run separately by internal/governance.
package program

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/batch"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/risk"
)

// ProfileName selects a Program Gate threshold table.
type ProfileName string

const (
	ProfileDefault    ProfileName = "default"
	ProfileDev        ProfileName = "dev"
	ProfileStaging    ProfileName = "staging"
	ProfileProd       ProfileName = "prod"
	ProfileMoqui      ProfileName = "moqui"
	ProfileEnterprise ProfileName = "enterprise"
)

// GateProfile is one named threshold set for the Program Gate.
type GateProfile struct {
	Name           ProfileName
	MinSuccessRate float64
	MaxRiskLevel   risk.Level
	ElapsedBudget  time.Duration
	MaxSubSpecs    int
	MaxAgentBudget int
}

// profiles is the built-in profile table (spec §4.8: "default | dev |
// staging | prod | moqui | enterprise").
var profiles = map[ProfileName]GateProfile{
	ProfileDefault:    {Name: ProfileDefault, MinSuccessRate: 0.80, MaxRiskLevel: risk.LevelHigh, ElapsedBudget: 30 * time.Minute, MaxSubSpecs: 25, MaxAgentBudget: 8},
	ProfileDev:        {Name: ProfileDev, MinSuccessRate: 0.50, MaxRiskLevel: risk.LevelCritical, ElapsedBudget: 60 * time.Minute, MaxSubSpecs: 40, MaxAgentBudget: 16},
	ProfileStaging:    {Name: ProfileStaging, MinSuccessRate: 0.70, MaxRiskLevel: risk.LevelHigh, ElapsedBudget: 45 * time.Minute, MaxSubSpecs: 30, MaxAgentBudget: 12},
	ProfileProd:       {Name: ProfileProd, MinSuccessRate: 0.95, MaxRiskLevel: risk.LevelMedium, ElapsedBudget: 20 * time.Minute, MaxSubSpecs: 15, MaxAgentBudget: 6},
	ProfileMoqui:      {Name: ProfileMoqui, MinSuccessRate: 0.90, MaxRiskLevel: risk.LevelMedium, ElapsedBudget: 25 * time.Minute, MaxSubSpecs: 20, MaxAgentBudget: 8},
	ProfileEnterprise: {Name: ProfileEnterprise, MinSuccessRate: 0.98, MaxRiskLevel: risk.LevelLow, ElapsedBudget: 15 * time.Minute, MaxSubSpecs: 10, MaxAgentBudget: 4},
}

// Profile looks up a named profile, falling back to ProfileDefault's
// thresholds when name is unrecognized.
func Profile(name ProfileName) GateProfile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[ProfileDefault]
}

// Config configures one program Run.
type Config struct {
	Goal                    string
	MinDecompositionQuality float64 // 0..1, default 0.5
	MaxSubGoals             int     // default 8
	PrimaryProfile          ProfileName
	FallbackProfiles        []ProfileName
	AutoSuggestRemediation  bool
	Batch                   batch.Config
}

// DecompositionScore is the result of scoring one candidate split.
type DecompositionScore struct {
	ClauseCoverage   float64 `json:"clauseCoverage"`
	CategoryDiversity float64 `json:"categoryDiversity"`
	LengthBalance    float64 `json:"lengthBalance"`
	Overall          float64 `json:"overall"`
}

// GateResult is the Program Gate's decision.
type GateResult struct {
	Passed           bool        `json:"passed"`
	ProfileUsed      ProfileName `json:"profileUsed"`
	PassedOnFallback bool        `json:"passedOnFallback"`
	Reasons          []string    `json:"reasons,omitempty"`
	Remediation      []string    `json:"remediation,omitempty"`
}

// Outcome is the terminal result of Run.
type Outcome struct {
	SessionID     string              `json:"sessionId"`
	Status        archive.Status      `json:"status"`
	SubGoals      []string            `json:"subGoals"`
	Decomposition DecompositionScore  `json:"decomposition"`
	BatchSummary  batch.Summary       `json:"batchSummary"`
	Gate          GateResult          `json:"gate"`
}

// Run decomposes cfg.Goal, executes the resulting sub-goals as a batch, and
// evaluates the Program Gate against the configured profile chain.
func Run(ctx context.Context, store *archive.Store, cfg Config) (Outcome, error) {
	session, err := store.Create(archive.KindProgram, "", map[string]any{"goal": cfg.Goal})
	if err != nil {
		return Outcome{}, fmt.Errorf("program create session: %w", err)
	}

	minQuality := cfg.MinDecompositionQuality
	if minQuality <= 0 {
		minQuality = 0.5
	}
	maxSubGoals := cfg.MaxSubGoals
	if maxSubGoals <= 0 {
		maxSubGoals = 8
	}

	subGoals, score := Decompose(cfg.Goal, maxSubGoals, minQuality)
	session.AppendEvent("decomposed", "goal decomposed", map[string]any{"subGoals": subGoals, "score": score.Overall})

	goals := make([]batch.Goal, len(subGoals))
	for i, sg := range subGoals {
		goals[i] = batch.Goal{Name: fmt.Sprintf("sub-%02d", i+1), Text: sg, Criticality: 1 + (i % 5)}
	}

	start := time.Now()
	batchSummary, err := batch.Run(ctx, store, goals, cfg.Batch)
	elapsed := time.Since(start)
	if err != nil {
		session.AppendEvent("batch-failed", err.Error(), nil)
		return finalize(session, Outcome{SubGoals: subGoals, Decomposition: score, BatchSummary: batchSummary}, archive.StatusFailed)
	}

	riskAssessment := risk.Assess(risk.Input{
		SpecCount:         len(subGoals) * 3,
		CriticalSpecCount: criticalGoalCount(goals),
		Environment:       cfg.Batch.CloseLoop.Environment,
		RecentFailureRate: 1 - batchSummary.Metrics.SuccessRate,
	})

	gate := EvaluateProgramGate(batchSummary, elapsed, riskAssessment, cfg)
	session.AppendEvent("gate-evaluated", "program gate evaluated", map[string]any{"passed": gate.Passed, "profile": gate.ProfileUsed})

	outcome := Outcome{SubGoals: subGoals, Decomposition: score, BatchSummary: batchSummary, Gate: gate}
	status := archive.StatusCompleted
	if !gate.Passed {
		status = archive.StatusPartialFailed
		if batchSummary.Metrics.SuccessRate == 0 {
			status = archive.StatusFailed
		}
	}
	return finalize(session, outcome, status)
}

func finalize(session *archive.Session, outcome Outcome, status archive.Status) (Outcome, error) {
	outcome.Status = status
	outcome.SessionID = session.ID()
	if err := session.Finalize(status, map[string]any{"gate": outcome.Gate, "decomposition": outcome.Decomposition}); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func criticalGoalCount(goals []batch.Goal) int {
	count := 0
	for _, g := range goals {
		if g.Criticality >= 4 {
			count++
		}
	}
	return count
}

// Decompose splits goal into at most maxSubGoals clauses, refining the
// split (by merging the shortest adjacent pair) until the overall
// decomposition score clears minQuality or no further merge is possible.
func Decompose(goal string, maxSubGoals int, minQuality float64) ([]string, DecompositionScore) {
	clauses := splitClauses(goal)
	if len(clauses) == 0 {
		clauses = []string{goal}
	}
	for len(clauses) > maxSubGoals {
		clauses = mergeShortest(clauses)
	}

	score := ScoreDecomposition(goal, clauses)
	for score.Overall < minQuality && len(clauses) > 1 {
		clauses = mergeShortest(clauses)
		score = ScoreDecomposition(goal, clauses)
	}
	return clauses, score
}

// ScoreDecomposition scores a candidate split by three signals: clause
// coverage (how much of the goal's words are distributed across
// sub-goals vs dropped), category diversity (distinct leading-verb
// categories), and length balance (how evenly sized the sub-goals are).
func ScoreDecomposition(goal string, subGoals []string) DecompositionScore {
	goalWords := wordSet(goal)
	coveredWords := make(map[string]bool)
	lengths := make([]int, len(subGoals))
	categories := make(map[string]bool)

	for i, sg := range subGoals {
		words := strings.Fields(strings.ToLower(sg))
		lengths[i] = len(words)
		for _, w := range words {
			coveredWords[w] = true
		}
		if len(words) > 0 {
			categories[verbCategory(words[0])] = true
		}
	}

	coverage := 0.0
	if len(goalWords) > 0 {
		hit := 0
		for w := range goalWords {
			if coveredWords[w] {
				hit++
			}
		}
		coverage = float64(hit) / float64(len(goalWords))
	}

	diversity := 0.0
	if len(subGoals) > 0 {
		diversity = float64(len(categories)) / float64(len(subGoals))
	}

	balance := lengthBalance(lengths)

	overall := (coverage + diversity + balance) / 3
	return DecompositionScore{ClauseCoverage: coverage, CategoryDiversity: diversity, LengthBalance: balance, Overall: overall}
}

func lengthBalance(lengths []int) float64 {
	if len(lengths) == 0 {
		return 0
	}
	total := 0
	for _, l := range lengths {
		total += l
	}
	if total == 0 {
		return 0
	}
	mean := float64(total) / float64(len(lengths))
	variance := 0.0
	for _, l := range lengths {
		d := float64(l) - mean
		variance += d * d
	}
	variance /= float64(len(lengths))
	// Normalize: balance approaches 1 as stddev approaches 0 relative to mean.
	if mean == 0 {
		return 0
	}
	coefficientOfVariation := sqrtApprox(variance) / mean
	balance := 1 - coefficientOfVariation
	if balance < 0 {
		balance = 0
	}
	if balance > 1 {
		balance = 1
	}
	return balance
}

// sqrtApprox avoids importing math for a single call site; Newton's method
// converges to float64 precision in a handful of iterations for the small
// variances this package computes.
func sqrtApprox(x float64) float64 {
	if x <= 0 {
		return 0
	}
	guess := x
	for i := 0; i < 20; i++ {
		guess = 0.5 * (guess + x/guess)
	}
	return guess
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// verbCategory buckets a leading word into a coarse action category used
// for category-diversity scoring.
func verbCategory(word string) string {
	switch {
	case strings.HasPrefix(word, "build") || strings.HasPrefix(word, "implement") || strings.HasPrefix(word, "add") || strings.HasPrefix(word, "create"):
		return "build"
	case strings.HasPrefix(word, "fix") || strings.HasPrefix(word, "resolve") || strings.HasPrefix(word, "debug"):
		return "fix"
	case strings.HasPrefix(word, "test") || strings.HasPrefix(word, "verify") || strings.HasPrefix(word, "validate"):
		return "verify"
	case strings.HasPrefix(word, "document") || strings.HasPrefix(word, "write") || strings.HasPrefix(word, "describe"):
		return "document"
	case strings.HasPrefix(word, "migrate") || strings.HasPrefix(word, "refactor") || strings.HasPrefix(word, "cleanup") || strings.HasPrefix(word, "clean"):
		return "refactor"
	default:
		return "other"
	}
}

// splitClauses splits a goal string on coordinating conjunctions and
// clause-separating punctuation into independently addressable sub-goals.
func splitClauses(goal string) []string {
	replacer := strings.NewReplacer(
		" and then ", "|",
		" and also ", "|",
		" and ", "|",
		", then ", "|",
		"; ", "|",
		", ", "|",
	)
	raw := strings.Split(replacer.Replace(goal), "|")
	clauses := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c != "" {
			clauses = append(clauses, c)
		}
	}
	return clauses
}

// mergeShortest merges the two shortest adjacent clauses into one, reducing
// the candidate split's size by one.
func mergeShortest(clauses []string) []string {
	if len(clauses) <= 1 {
		return clauses
	}
	bestIdx := 0
	bestLen := len(clauses[0]) + len(clauses[1])
	for i := 0; i < len(clauses)-1; i++ {
		l := len(clauses[i]) + len(clauses[i+1])
		if l < bestLen {
			bestLen = l
			bestIdx = i
		}
	}
	merged := make([]string, 0, len(clauses)-1)
	merged = append(merged, clauses[:bestIdx]...)
	merged = append(merged, clauses[bestIdx]+" and "+clauses[bestIdx+1])
	merged = append(merged, clauses[bestIdx+2:]...)
	return merged
}

// EvaluateProgramGate checks batchSummary against cfg's primary profile,
// walking the fallback chain in order on failure. The first profile that
// passes wins; PassedOnFallback distinguishes a fallback win from a
// primary-profile pass.
func EvaluateProgramGate(summary batch.Summary, elapsed time.Duration, riskAssessment risk.Assessment, cfg Config) GateResult {
	primary := cfg.PrimaryProfile
	if primary == "" {
		primary = ProfileDefault
	}

	chain := append([]ProfileName{primary}, cfg.FallbackProfiles...)
	var lastReasons []string
	for i, name := range chain {
		p := Profile(name)
		passed, reasons := checkProfile(p, summary, elapsed, riskAssessment)
		if passed {
			result := GateResult{Passed: true, ProfileUsed: name, PassedOnFallback: i > 0}
			return result
		}
		lastReasons = reasons
	}

	result := GateResult{Passed: false, ProfileUsed: chain[len(chain)-1], Reasons: lastReasons}
	if cfg.AutoSuggestRemediation {
		result.Remediation = suggestRemediation(lastReasons)
	}
	return result
}

func checkProfile(p GateProfile, summary batch.Summary, elapsed time.Duration, riskAssessment risk.Assessment) (bool, []string) {
	var reasons []string
	if summary.Metrics.SuccessRate < p.MinSuccessRate {
		reasons = append(reasons, fmt.Sprintf("success-rate-below-min:%.2f/%.2f", summary.Metrics.SuccessRate, p.MinSuccessRate))
	}
	if !riskAssessment.Level.AtOrBelow(p.MaxRiskLevel) {
		reasons = append(reasons, fmt.Sprintf("risk-level-above-max:%s/%s", riskAssessment.Level, p.MaxRiskLevel))
	}
	if p.ElapsedBudget > 0 && elapsed > p.ElapsedBudget {
		reasons = append(reasons, fmt.Sprintf("elapsed-over-budget:%s/%s", elapsed, p.ElapsedBudget))
	}
	if p.MaxSubSpecs > 0 && len(summary.GoalResults) > p.MaxSubSpecs {
		reasons = append(reasons, fmt.Sprintf("sub-spec-ceiling-exceeded:%d/%d", len(summary.GoalResults), p.MaxSubSpecs))
	}
	if p.MaxAgentBudget > 0 && summary.ResourcePlan.Budget > p.MaxAgentBudget {
		reasons = append(reasons, fmt.Sprintf("agent-budget-ceiling-exceeded:%d/%d", summary.ResourcePlan.Budget, p.MaxAgentBudget))
	}
	return len(reasons) == 0, reasons
}

// suggestRemediation offers patch/prune recommendations keyed off which
// checks failed, in the same ordered-and-executable vein as the Release
// Gate Evaluator's recommendations (spec §4.11).
func suggestRemediation(reasons []string) []string {
	var out []string
	for _, r := range reasons {
		switch {
		case strings.HasPrefix(r, "success-rate-below-min"):
			out = append(out, "batch-retry-failed-goals --mode until-complete")
		case strings.HasPrefix(r, "risk-level-above-max"):
			out = append(out, "reduce-batch-criticality-mix")
		case strings.HasPrefix(r, "elapsed-over-budget"):
			out = append(out, "increase-elapsed-time-budget or reduce sub-goal count")
		case strings.HasPrefix(r, "sub-spec-ceiling-exceeded"):
			out = append(out, "raise-max-sub-specs or split the program into two runs")
		case strings.HasPrefix(r, "agent-budget-ceiling-exceeded"):
			out = append(out, "raise-agent-budget-ceiling or lower batchAgentBudget")
		}
	}
	return out
}

// RemediationChoice selects which remediation action a governance round
// applies: a pinned index, the best-success-rate action from recovery
// memory, or the default (index 0) action.
type RemediationChoice struct {
	PinnedIndex   int // -1 = unset
	Memory        *recoverymem.Store
	MemoryScope   string
	MemorySignature string
}

// SelectRemediation resolves cfg's remediation choice against actions,
// preferring an explicit pin, then recovery memory, then the default.
func SelectRemediation(choice RemediationChoice, actions []string) (string, recoverymem.Source, error) {
	if len(actions) == 0 {
		return "", recoverymem.SourceDefault, fmt.Errorf("no remediation actions available")
	}
	if choice.PinnedIndex >= 0 && choice.PinnedIndex < len(actions) {
		return actions[choice.PinnedIndex], recoverymem.SourceExplicit, nil
	}
	if choice.Memory != nil {
		decision, err := choice.Memory.SelectAction(choice.MemoryScope, choice.MemorySignature, actions, recoverymem.StrategyBestSuccessRate, actions[0])
		if err != nil {
			return "", "", err
		}
		return decision.Action, decision.Source, nil
	}
	return actions[0], recoverymem.SourceDefault, nil
}
