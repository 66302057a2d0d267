/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package cron drives controller-poll scheduling and governance-round
// cadence off cron-expression (or plain-duration) maintenance windows
// (SPEC_FULL.md domain-stack wiring for github.com/robfig/cron/v3).
// Adapted from the teacher's internal/controlplane/jobs/scheduler.go
// isScheduleDue helper and its outer tick-and-dispatch loop shape, with
// the job-run-tracking/fleet-dispatch machinery stripped: this repo has
// no probe fleet to target, just a fixed set of named recurring
// operations (governance rounds, controller polls, anomaly scans) a
// single process runs in-place.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Job is one recurring operation the Runner dispatches when due.
type Job struct {
	Name     string
	Schedule string // a cron expression ("0 */2 * * *") or a plain duration ("2m")
	Run      func(ctx context.Context) error

	mu        sync.Mutex
	createdAt time.Time
	lastRunAt *time.Time
}

// Runner ticks on a fixed interval and dispatches any registered Job
// whose schedule is due, the way the teacher's Scheduler ticks every 30s
// and checks each job's isScheduleDue — here against an in-process job
// list instead of a SQLite-backed job table.
type Runner struct {
	tickInterval time.Duration
	log          logr.Logger

	mu   sync.Mutex
	jobs []*Job
}

// NewRunner creates a Runner that evaluates due jobs every tickInterval.
func NewRunner(tickInterval time.Duration, log logr.Logger) *Runner {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Runner{tickInterval: tickInterval, log: log.WithName("cron-runner")}
}

// AddJob registers fn to run whenever schedule is due. Returns an error
// if schedule parses as neither a duration nor a standard cron
// expression.
func (r *Runner) AddJob(name, schedule string, fn func(ctx context.Context) error) error {
	if _, err := parseSchedule(schedule); err != nil {
		return fmt.Errorf("cron job %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, &Job{Name: name, Schedule: schedule, Run: fn, createdAt: time.Now().UTC()})
	return nil
}

// Start runs the tick loop until ctx is cancelled, dispatching due jobs
// sequentially in registration order. Each job's failure is logged and
// does not prevent the next job (or the next tick) from running.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	r.runDue(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.runDue(ctx, now.UTC())
		}
	}
}

func (r *Runner) runDue(ctx context.Context, now time.Time) {
	r.mu.Lock()
	jobs := append([]*Job(nil), r.jobs...)
	r.mu.Unlock()

	for _, job := range jobs {
		job.mu.Lock()
		due, err := isDue(job.Schedule, job.lastRunAt, job.createdAt, now)
		job.mu.Unlock()
		if err != nil {
			r.log.Error(err, "invalid job schedule", "job", job.Name)
			continue
		}
		if !due {
			continue
		}
		if err := job.Run(ctx); err != nil {
			r.log.Error(err, "job run failed", "job", job.Name)
		}
		job.mu.Lock()
		ranAt := now
		job.lastRunAt = &ranAt
		job.mu.Unlock()
	}
}

// isDue reports whether schedule has come due as of now, given the job's
// last run (or, absent one, its creation time) as the anchor. Grounded
// directly on the teacher's isScheduleDue: a bare duration ("2m") is
// treated as a fixed interval from the anchor; anything else is parsed as
// a standard five-field cron expression.
func isDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	anchor := createdAt.UTC()
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	next, err := parseSchedule(schedule)
	if err != nil {
		return false, err
	}
	if next.interval > 0 {
		return !anchor.Add(next.interval).After(now), nil
	}
	return !next.spec.Next(anchor).After(now), nil
}

type parsedSchedule struct {
	interval time.Duration
	spec     cron.Schedule
}

func parseSchedule(schedule string) (parsedSchedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return parsedSchedule{}, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return parsedSchedule{}, fmt.Errorf("interval must be > 0")
		}
		return parsedSchedule{interval: interval}, nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return parsedSchedule{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return parsedSchedule{spec: spec}, nil
}
