/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package anomaly implements the baseline anomaly-detection heuristics the
// Governance loop folds into its health assessment (spec §4.8: "KPI
// weekly/daily trends and rate-limit pressure"). It scans the Session
// Archive instead of listing Kubernetes custom resources: a goal's
// close-loop history stands in for an agent's run history, sub-goal names
// stand in for action target classes, and orchestrated-spec counts stand
// in for action counts.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/fsutil"
	"github.com/marcus-qen/autoloop/internal/notify"
)

// Config configures baseline anomaly detection heuristics.
type Config struct {
	Kind archive.Kind // Session Archive partition to scan

	ScanInterval time.Duration
	Lookback     time.Duration

	FrequencyWindow    time.Duration
	FrequencyThreshold int

	ScopeSpikeMultiplier float64
	MinScopeSpikeDelta   int

	TargetDriftMinSamples int
}

// DefaultConfig returns sensible baseline defaults.
func DefaultConfig() Config {
	return Config{
		Kind:                  archive.KindCloseLoop,
		ScanInterval:          2 * time.Minute,
		Lookback:              24 * time.Hour,
		FrequencyWindow:       30 * time.Minute,
		FrequencyThreshold:    6,
		ScopeSpikeMultiplier:  2.5,
		MinScopeSpikeDelta:    5,
		TargetDriftMinSamples: 5,
	}
}

// Detector periodically analyzes close-loop session history and publishes
// anomaly notifications.
type Detector struct {
	store    *archive.Store
	router   *notify.Router
	cfg      Config
	log      logr.Logger
	emittedAt string
}

// NewDetector creates a new anomaly detector. router may be nil, in which
// case signals are only logged, never delivered.
func NewDetector(store *archive.Store, router *notify.Router, stateDir string, cfg Config, log logr.Logger) *Detector {
	return &Detector{
		store:     store,
		router:    router,
		cfg:       withDefaults(cfg),
		log:       log.WithName("anomaly-detector"),
		emittedAt: filepath.Join(stateDir, "anomaly", "emitted.json"),
	}
}

// withDefaults fills any zero-value field of cfg from DefaultConfig.
func withDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Kind == "" {
		cfg.Kind = defaults.Kind
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaults.Lookback
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = defaults.FrequencyWindow
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = defaults.FrequencyThreshold
	}
	if cfg.ScopeSpikeMultiplier <= 0 {
		cfg.ScopeSpikeMultiplier = defaults.ScopeSpikeMultiplier
	}
	if cfg.MinScopeSpikeDelta <= 0 {
		cfg.MinScopeSpikeDelta = defaults.MinScopeSpikeDelta
	}
	if cfg.TargetDriftMinSamples <= 0 {
		cfg.TargetDriftMinSamples = defaults.TargetDriftMinSamples
	}
	return cfg
}

// Start runs the periodic anomaly detection loop until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	d.log.Info("Anomaly detector starting", "kind", d.cfg.Kind, "interval", d.cfg.ScanInterval.String())

	if err := d.ScanOnce(ctx); err != nil {
		d.log.Error(err, "Initial anomaly scan failed")
	}

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Anomaly detector stopping")
			return nil
		case <-ticker.C:
			if err := d.ScanOnce(ctx); err != nil {
				d.log.Error(err, "Anomaly scan failed")
			}
		}
	}
}

// ScanOnce performs one anomaly scan cycle over the configured archive
// partition.
func (d *Detector) ScanOnce(ctx context.Context) error {
	tagged, errsList := collectSignals(d.store, d.cfg)
	for _, e := range errsList {
		d.log.Error(e, "corrupt session encountered during anomaly scan")
	}

	seen, err := loadEmitted(d.emittedAt)
	if err != nil {
		d.log.Error(err, "failed to load emitted-anomaly set, starting fresh")
		seen = map[string]bool{}
	}

	emitted := 0
	for _, item := range tagged {
		key := fmt.Sprintf("%s/%s", item.snapshot.SessionID, item.signal.Type)
		if seen[key] {
			continue
		}
		d.publish(ctx, item.snapshot, item.signal)
		seen[key] = true
		emitted++
	}

	if emitted > 0 {
		if err := saveEmitted(d.emittedAt, seen); err != nil {
			return fmt.Errorf("persist emitted anomalies: %w", err)
		}
		d.log.Info("Anomaly scan completed", "eventsEmitted", emitted)
	}

	return nil
}

// Signals returns a point-in-time anomaly summary over the most recent
// sessions of cfg.Kind, one string per detected signal, without
// persisting emission state. It is the synchronous counterpart to the
// long-running Detector loop, meant for folding into a health check
// (internal/governance's AssessHealth) rather than a notification
// channel.
func Signals(store *archive.Store, cfg Config) []string {
	tagged, _ := collectSignals(store, withDefaults(cfg))
	out := make([]string, 0, len(tagged))
	for _, item := range tagged {
		out = append(out, fmt.Sprintf("anomaly-%s:%s", item.signal.Type, item.snapshot.GoalKey))
	}
	return out
}

type taggedSignal struct {
	snapshot runSnapshot
	signal   anomalySignal
}

// collectSignals scans cfg.Kind's terminal sessions oldest-first and
// returns every anomaly signal detected against each session's prior
// history.
func collectSignals(store *archive.Store, cfg Config) ([]taggedSignal, []error) {
	summaries, errsList := store.List(cfg.Kind, archive.ListFilter{})

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.Before(summaries[j].StartedAt)
	})

	historyByGoal := map[string][]runSnapshot{}
	var out []taggedSignal

	for _, summary := range summaries {
		if summary.Status == archive.StatusRunning {
			continue
		}
		snap, err := store.Load(cfg.Kind, summary.SessionID)
		if err != nil {
			errsList = append(errsList, fmt.Errorf("load session %s for anomaly scan: %w", summary.SessionID, err))
			continue
		}

		snapshot := summarizeSession(snap)
		history := historyByGoal[snapshot.GoalKey]
		for _, signal := range detectAnomalies(snapshot, history, cfg) {
			out = append(out, taggedSignal{snapshot: snapshot, signal: signal})
		}

		historyByGoal[snapshot.GoalKey] = append(historyByGoal[snapshot.GoalKey], snapshot)
	}

	return out, errsList
}

func (d *Detector) publish(ctx context.Context, snapshot runSnapshot, signal anomalySignal) {
	if d.router == nil {
		d.log.Info(signal.Summary, "type", signal.Type, "goal", snapshot.GoalKey, "session", snapshot.SessionID)
		return
	}
	d.router.Notify(ctx, notify.Message{
		AgentName: snapshot.GoalKey,
		RunName:   snapshot.SessionID,
		Severity:  signal.Severity,
		Title:     signal.Summary,
		Body:      signal.Detail,
		Timestamp: time.Now().UTC(),
	})
}

type runSnapshot struct {
	SessionID      string
	GoalKey        string
	Timestamp      time.Time
	SpecCount      int
	SubGoalClasses []string
}

type anomalySignal struct {
	Type     string
	Severity string // info, warning, critical (matches internal/notify)
	Summary  string
	Detail   string
	Labels   map[string]string
}

func detectAnomalies(current runSnapshot, history []runSnapshot, cfg Config) []anomalySignal {
	relevant := filterLookback(history, current.Timestamp, cfg.Lookback)
	if len(relevant) == 0 {
		return nil
	}

	var out []anomalySignal

	if signal, ok := detectFrequencySpike(current, relevant, cfg); ok {
		out = append(out, signal)
	}
	if signal, ok := detectScopeSpike(current, relevant, cfg); ok {
		out = append(out, signal)
	}
	if signal, ok := detectTargetDrift(current, relevant, cfg); ok {
		out = append(out, signal)
	}

	return out
}

func detectFrequencySpike(current runSnapshot, history []runSnapshot, cfg Config) (anomalySignal, bool) {
	recent := 1 // include current
	for _, item := range history {
		if current.Timestamp.Sub(item.Timestamp) <= cfg.FrequencyWindow {
			recent++
		}
	}
	if recent <= cfg.FrequencyThreshold {
		return anomalySignal{}, false
	}

	severity := "warning"
	if recent >= cfg.FrequencyThreshold*2 {
		severity = "critical"
	}

	return anomalySignal{
		Type:     "frequency-spike",
		Severity: severity,
		Summary: fmt.Sprintf(
			"Run frequency anomaly for goal %q: %d close-loop sessions within %s (threshold=%d)",
			current.GoalKey,
			recent,
			cfg.FrequencyWindow.Round(time.Second).String(),
			cfg.FrequencyThreshold,
		),
		Detail: fmt.Sprintf(
			"Detected %d close-loop sessions for goal %q in the last %s; baseline threshold is %d. Repeated close-loop attempts at the same goal usually mean a replan loop isn't converging.",
			recent,
			current.GoalKey,
			cfg.FrequencyWindow.Round(time.Second).String(),
			cfg.FrequencyThreshold,
		),
		Labels: map[string]string{
			"anomaly-kind": "frequency",
			"window":       cfg.FrequencyWindow.String(),
		},
	}, true
}

func detectScopeSpike(current runSnapshot, history []runSnapshot, cfg Config) (anomalySignal, bool) {
	if len(history) < 3 {
		return anomalySignal{}, false
	}

	var total int
	for _, item := range history {
		total += item.SpecCount
	}
	avg := float64(total) / float64(len(history))
	threshold := int(math.Ceil(avg * cfg.ScopeSpikeMultiplier))
	if current.SpecCount < threshold {
		return anomalySignal{}, false
	}
	if current.SpecCount-int(math.Round(avg)) < cfg.MinScopeSpikeDelta {
		return anomalySignal{}, false
	}

	return anomalySignal{
		Type:     "scope-spike",
		Severity: "warning",
		Summary: fmt.Sprintf(
			"Scope anomaly for goal %q: %d specs vs baseline %.1f (multiplier=%.2f)",
			current.GoalKey,
			current.SpecCount,
			avg,
			cfg.ScopeSpikeMultiplier,
		),
		Detail: fmt.Sprintf(
			"Current session orchestrated %d specs, exceeding spike threshold %d (avg %.1f * %.2f).",
			current.SpecCount,
			threshold,
			avg,
			cfg.ScopeSpikeMultiplier,
		),
		Labels: map[string]string{
			"anomaly-kind": "scope",
		},
	}, true
}

func detectTargetDrift(current runSnapshot, history []runSnapshot, cfg Config) (anomalySignal, bool) {
	if len(history) < cfg.TargetDriftMinSamples {
		return anomalySignal{}, false
	}
	if len(current.SubGoalClasses) == 0 {
		return anomalySignal{}, false
	}

	seen := map[string]struct{}{}
	for _, item := range history {
		for _, class := range item.SubGoalClasses {
			seen[class] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return anomalySignal{}, false
	}

	newClasses := make([]string, 0, len(current.SubGoalClasses))
	for _, class := range current.SubGoalClasses {
		if _, ok := seen[class]; !ok {
			newClasses = append(newClasses, class)
		}
	}
	if len(newClasses) == 0 {
		return anomalySignal{}, false
	}

	sort.Strings(newClasses)
	if len(newClasses) > 5 {
		newClasses = newClasses[:5]
	}

	return anomalySignal{
		Type:     "target-drift",
		Severity: "warning",
		Summary: fmt.Sprintf(
			"Sub-goal drift anomaly for goal %q: new sub-goal classes %s",
			current.GoalKey,
			strings.Join(newClasses, ", "),
		),
		Detail: fmt.Sprintf(
			"Current session decomposed into unseen sub-goal classes (%s) compared with %d recent sessions.",
			strings.Join(newClasses, ", "),
			len(history),
		),
		Labels: map[string]string{
			"anomaly-kind": "target-drift",
		},
	}, true
}

func filterLookback(history []runSnapshot, now time.Time, lookback time.Duration) []runSnapshot {
	if lookback <= 0 {
		return history
	}
	out := make([]runSnapshot, 0, len(history))
	for _, item := range history {
		if now.Sub(item.Timestamp) <= lookback {
			out = append(out, item)
		}
	}
	return out
}

// summarizeSession extracts a runSnapshot from a finalized Session Archive
// snapshot. Goal, sub-goal names, and orchestration counts are read back
// out of Inputs/Events the way close-loop wrote them (see
// internal/closeloop's DECOMPOSE/ORCHESTRATE event payloads).
func summarizeSession(snap archive.Snapshot) runSnapshot {
	goal, _ := snap.Inputs["goal"].(string)
	if goal == "" {
		goal = "unknown"
	}

	timestamp := snap.StartedAt
	if snap.EndedAt != nil {
		timestamp = *snap.EndedAt
	}

	var specCount int
	classSet := map[string]struct{}{}
	for _, event := range snap.Events {
		switch event.Type {
		case "state-transition":
			data, ok := event.Data.(map[string]any)
			if !ok {
				continue
			}
			if successCount, ok := asInt(data["successCount"]); ok {
				if failureCount, ok := asInt(data["failureCount"]); ok {
					if successCount+failureCount > specCount {
						specCount = successCount + failureCount
					}
				}
			}
			for _, key := range []string{"master", "subs"} {
				for _, name := range stringSliceOrSingle(data[key]) {
					class := normalizeSubGoalClass(name)
					if class != "" {
						classSet[class] = struct{}{}
					}
				}
			}
		}
	}

	classes := make([]string, 0, len(classSet))
	for class := range classSet {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	return runSnapshot{
		SessionID:      snap.SessionID,
		GoalKey:        goal,
		Timestamp:      timestamp,
		SpecCount:      specCount,
		SubGoalClasses: classes,
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringSliceOrSingle(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}

// normalizeSubGoalClass collapses a sub-goal name to a coarse class: its
// leading significant word, lower-cased, so "Add login rate limiting" and
// "Add signup rate limiting" both become "add".
func normalizeSubGoalClass(name string) string {
	trimmed := strings.TrimSpace(strings.ToLower(name))
	if trimmed == "" {
		return ""
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}

	first := fields[0]
	if strings.HasPrefix(first, "-") && len(fields) > 1 {
		first = fields[1]
	}
	if idx := strings.Index(first, "/"); idx > 0 {
		first = first[:idx]
	}
	if idx := strings.Index(first, ":"); idx > 0 {
		first = first[:idx]
	}

	return first
}

func loadEmitted(path string) (map[string]bool, error) {
	var doc map[string]bool
	if err := fsutil.ReadJSON(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	if doc == nil {
		doc = map[string]bool{}
	}
	return doc, nil
}

func saveEmitted(path string, doc map[string]bool) error {
	return fsutil.WriteJSONAtomic(path, doc, 0o644)
}
