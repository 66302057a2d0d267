/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package errs holds the sentinel errors shared across the close-loop core
// and the Outcome tagged-result type (spec §9: "Exceptions for control flow
// → tagged result types"). Components return errors.Is/errors.As-friendly
// wrapped errors (fmt.Errorf with %w) layered on these sentinels, mirroring
// the teacher's internal/controlplane/session/store.go convention.
package errs

import "errors"

var (
	// ErrNotFound is returned when a lookup (session, recovery-memory
	// entry, lease, spec) finds nothing matching the selector.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on id collision (session create).
	ErrAlreadyExists = errors.New("already exists")
	// ErrLocked is returned when a lock is held by another holder and is
	// not yet takeover-eligible.
	ErrLocked = errors.New("locked")
	// ErrPolicyDrift is returned when a resume's invoked flags differ
	// from the persisted policy and --allow-drift was not set.
	ErrPolicyDrift = errors.New("policy drift")
	// ErrGateBlocked is returned when a gate evaluation blocks a run.
	ErrGateBlocked = errors.New("gate blocked")
	// ErrFinalized is returned when a caller attempts to mutate a
	// finalized (read-only) session snapshot.
	ErrFinalized = errors.New("session already finalized")
	// ErrCancelled is the cancellation sentinel returned by governor
	// waits and worker-pool suspension points when the enclosing
	// scheduler receives stop.
	ErrCancelled = errors.New("cancelled")
	// ErrRateLimited marks a classified rate-limit failure distinct from
	// a generic transient failure, so orchestrator retry accounting can
	// tell them apart.
	ErrRateLimited = errors.New("rate limited")
	// ErrFatalAdapter marks an unrecognized adapter exit or missing
	// binary: abort the current spec, continue the batch only if
	// continue-on-error is set.
	ErrFatalAdapter = errors.New("fatal adapter failure")
)

// Outcome is the tagged result type named in spec §9: every operation
// returns {ok|error, payload, recommendations[]} instead of relying on
// uncaught exceptions for policy decisions.
type Outcome[T any] struct {
	OK              bool     `json:"ok"`
	Payload         T        `json:"payload,omitempty"`
	Err             string   `json:"error,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Ok wraps a successful payload.
func Ok[T any](payload T, recommendations ...string) Outcome[T] {
	return Outcome[T]{OK: true, Payload: payload, Recommendations: recommendations}
}

// Fail wraps a failure with optional recommendations for downstream
// automation (including --continue-from invocations of this same tool).
func Fail[T any](err error, recommendations ...string) Outcome[T] {
	return Outcome[T]{OK: false, Err: err.Error(), Recommendations: recommendations}
}
