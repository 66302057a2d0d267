/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics and Record helpers for the
// close-loop engine's components (orchestrator, governor, batch, controller,
// governance); no other package calls these helpers. Registered against a package-local registry rather than
// the controller-runtime default, since this engine has no Kubernetes
// manager to host one.
//
// Metric naming follows Prometheus conventions:
//   - autoloop_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry every metric below is registered against. A
// caller exposing /metrics wraps it with promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var (
	// SpecsLaunchedTotal counts agent-orchestrator spec launches by
	// outcome status.
	SpecsLaunchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_specs_launched_total",
			Help: "Total sub-agent spec launches by terminal status.",
		},
		[]string{"status"},
	)

	// SpecDurationSeconds is a histogram of per-spec agent run duration.
	SpecDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoloop_spec_duration_seconds",
			Help:    "Duration of a single spec's agent run in seconds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"status"},
	)

	// RateLimitSignalsTotal counts governor-observed rate-limit signals by
	// profile.
	RateLimitSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_rate_limit_signals_total",
			Help: "Total rate-limit signals observed by the governor.",
		},
		[]string{"profile"},
	)

	// BackoffSecondsTotal accumulates time spent backing off under
	// rate-limit pressure, by profile.
	BackoffSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_backoff_seconds_total",
			Help: "Cumulative seconds spent in governor backoff.",
		},
		[]string{"profile"},
	)

	// ParallelCapGauge reports the governor's current dynamic parallel
	// cap, by profile.
	ParallelCapGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoloop_parallel_cap",
			Help: "Current dynamic parallel cap enforced by the governor.",
		},
		[]string{"profile"},
	)

	// BatchGoalsTotal counts batch-runner goal completions by status.
	BatchGoalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_batch_goals_total",
			Help: "Total batch-runner goals by terminal status.",
		},
		[]string{"status"},
	)

	// BatchSuccessRate is the most recent batch run's success rate.
	BatchSuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoloop_batch_success_rate",
			Help: "Success rate of the most recently completed batch run.",
		},
	)

	// CloseLoopReplansTotal counts replan cycles triggered across
	// close-loop runs.
	CloseLoopReplansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoloop_close_loop_replans_total",
			Help: "Total replan cycles triggered by the close-loop runner.",
		},
	)

	// ControllerCyclesTotal counts controller cycles by outcome.
	ControllerCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_controller_cycles_total",
			Help: "Total controller cycles by stop/continue reason.",
		},
		[]string{"reason"},
	)

	// GovernanceRoundsTotal counts governance-loop rounds by stop reason.
	GovernanceRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoloop_governance_rounds_total",
			Help: "Total governance-loop rounds by stop reason.",
		},
		[]string{"stop_reason"},
	)

	// ActiveOrchestratorRuns is the number of currently executing spec
	// launches across all orchestrators.
	ActiveOrchestratorRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoloop_active_orchestrator_runs",
			Help: "Number of spec agent launches currently executing.",
		},
	)
)

func init() {
	Registry.MustRegister(
		SpecsLaunchedTotal,
		SpecDurationSeconds,
		RateLimitSignalsTotal,
		BackoffSecondsTotal,
		ParallelCapGauge,
		BatchGoalsTotal,
		BatchSuccessRate,
		CloseLoopReplansTotal,
		ControllerCyclesTotal,
		GovernanceRoundsTotal,
		ActiveOrchestratorRuns,
	)
}

// RecordSpecComplete records metrics for one completed spec agent launch.
func RecordSpecComplete(status string, duration time.Duration) {
	SpecsLaunchedTotal.WithLabelValues(status).Inc()
	SpecDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRateLimitSignal records a single governor-observed signal.
func RecordRateLimitSignal(profile string) {
	RateLimitSignalsTotal.WithLabelValues(profile).Inc()
}

// RecordBackoff accumulates backoff time for profile.
func RecordBackoff(profile string, d time.Duration) {
	BackoffSecondsTotal.WithLabelValues(profile).Add(d.Seconds())
}

// RecordParallelCap reports the governor's current dynamic cap.
func RecordParallelCap(profile string, parallelCap int) {
	ParallelCapGauge.WithLabelValues(profile).Set(float64(parallelCap))
}

// RecordBatchComplete records one batch run's goal outcomes and success
// rate.
func RecordBatchComplete(statusCounts map[string]int, successRate float64) {
	for status, count := range statusCounts {
		BatchGoalsTotal.WithLabelValues(status).Add(float64(count))
	}
	BatchSuccessRate.Set(successRate)
}

// RecordReplan records one close-loop replan cycle.
func RecordReplan() {
	CloseLoopReplansTotal.Inc()
}

// RecordControllerCycle records one controller cycle's stop/continue
// reason.
func RecordControllerCycle(reason string) {
	ControllerCyclesTotal.WithLabelValues(reason).Inc()
}

// RecordGovernanceRound records one governance-loop round's stop reason.
func RecordGovernanceRound(stopReason string) {
	GovernanceRoundsTotal.WithLabelValues(stopReason).Inc()
}
