/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getCounterPlainValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordSpecComplete(t *testing.T) {
	RecordSpecComplete("success", 42*time.Second)

	val := getCounterValue(SpecsLaunchedTotal, "success")
	if val < 1 {
		t.Errorf("SpecsLaunchedTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(SpecDurationSeconds, "success")
	if count < 1 {
		t.Errorf("SpecDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordRateLimitSignal(t *testing.T) {
	RecordRateLimitSignal("balanced")
	RecordRateLimitSignal("balanced")

	val := getCounterValue(RateLimitSignalsTotal, "balanced")
	if val < 2 {
		t.Errorf("RateLimitSignalsTotal = %f, want >= 2", val)
	}
}

func TestRecordBackoff(t *testing.T) {
	RecordBackoff("conservative", 5*time.Second)

	val := getCounterValue(BackoffSecondsTotal, "conservative")
	if val < 5 {
		t.Errorf("BackoffSecondsTotal = %f, want >= 5", val)
	}
}

func TestRecordParallelCap(t *testing.T) {
	RecordParallelCap("aggressive", 12)

	val := getGaugeVecValue(ParallelCapGauge, "aggressive")
	if val != 12 {
		t.Errorf("ParallelCapGauge = %f, want 12", val)
	}

	RecordParallelCap("aggressive", 6)
	val = getGaugeVecValue(ParallelCapGauge, "aggressive")
	if val != 6 {
		t.Errorf("ParallelCapGauge after update = %f, want 6", val)
	}
}

func TestRecordBatchComplete(t *testing.T) {
	RecordBatchComplete(map[string]int{"completed": 3, "failed": 1}, 0.75)

	completed := getCounterValue(BatchGoalsTotal, "completed")
	if completed < 3 {
		t.Errorf("BatchGoalsTotal[completed] = %f, want >= 3", completed)
	}
	rate := getGaugeValue(BatchSuccessRate)
	if rate != 0.75 {
		t.Errorf("BatchSuccessRate = %f, want 0.75", rate)
	}
}

func TestRecordReplan(t *testing.T) {
	before := getCounterPlainValue(CloseLoopReplansTotal)
	RecordReplan()
	after := getCounterPlainValue(CloseLoopReplansTotal)
	if after != before+1 {
		t.Errorf("CloseLoopReplansTotal = %f, want %f", after, before+1)
	}
}

func TestRecordControllerCycle(t *testing.T) {
	RecordControllerCycle("cycle-complete-no-wait")

	val := getCounterValue(ControllerCyclesTotal, "cycle-complete-no-wait")
	if val < 1 {
		t.Errorf("ControllerCyclesTotal = %f, want >= 1", val)
	}
}

func TestRecordGovernanceRound(t *testing.T) {
	RecordGovernanceRound("target-risk-reached")

	val := getCounterValue(GovernanceRoundsTotal, "target-risk-reached")
	if val < 1 {
		t.Errorf("GovernanceRoundsTotal = %f, want >= 1", val)
	}
}

func TestActiveOrchestratorRuns(t *testing.T) {
	ActiveOrchestratorRuns.Set(0)

	ActiveOrchestratorRuns.Inc()
	ActiveOrchestratorRuns.Inc()

	val := getGaugeValue(ActiveOrchestratorRuns)
	if val != 2 {
		t.Errorf("ActiveOrchestratorRuns = %f, want 2", val)
	}

	ActiveOrchestratorRuns.Dec()
	val = getGaugeValue(ActiveOrchestratorRuns)
	if val != 1 {
		t.Errorf("ActiveOrchestratorRuns after Dec = %f, want 1", val)
	}
}
