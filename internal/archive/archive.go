/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package archive implements the Session Archive (spec §4.1): durable,
// append-safe JSON snapshots for every long-running operation, partitioned
// by kind into separate directories, with retention policy and resume
// lookup. Every write is atomic (write-temp-then-rename, internal/fsutil),
// adapted from the teacher's probe self-updater persistence idiom. This
// package deliberately avoids the name "session" used by the teacher's
// auth-session store (internal/controlplane/session) — a session here is
// a Session Snapshot document, not an authenticated login.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/fsutil"
)

// Kind partitions sessions into their own directories.
type Kind string

const (
	KindCloseLoop   Kind = "close-loop"
	KindBatch       Kind = "batch"
	KindProgram     Kind = "program"
	KindController  Kind = "controller"
	KindGovernance  Kind = "governance"
	KindSpecArtifact Kind = "spec-artifact"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusPartialFailed  Status = "partial-failed"
	StatusFailed         Status = "failed"
	StatusInterrupted    Status = "interrupted"
)

// Event is one append_event entry (absolute timestamp, no cross-spec
// ordering assumed per spec §5).
type Event struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// Snapshot is the on-disk Session Snapshot document (spec §3, §6).
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Policy        map[string]any `json:"policy,omitempty"`
	Events        []Event        `json:"events,omitempty"`

	finalized bool
}

const schemaVersion = 1

// Session is a handle to a running snapshot; events are buffered in memory
// until finalize or an explicit checkpoint.
type Session struct {
	mu       sync.Mutex
	store    *Store
	path     string
	snapshot Snapshot
}

// ID returns the session id.
func (s *Session) ID() string { return s.snapshot.SessionID }

// SetPolicy records the invocation flags a resume must match unless
// allow-drift is set (spec §4.1: "Policy drift on resume ... is rejected
// unless allow-drift"). Callers set this once, right after Create.
func (s *Session) SetPolicy(policy map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Policy = policy
}

// AppendEvent buffers an event in memory (flushed on finalize/checkpoint).
func (s *Session) AppendEvent(eventType, message string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Events = append(s.snapshot.Events, Event{
		At: time.Now().UTC(), Type: eventType, Message: message, Data: data,
	})
}

// Checkpoint flushes the in-memory snapshot (inputs/outputs/events) to
// disk without finalizing, so a hard-kill between state transitions still
// leaves a resumable snapshot (spec §4.6 "Persistence: after each state
// transition the session snapshot is updated").
func (s *Session) Checkpoint(outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.finalized {
		return fmt.Errorf("checkpoint %s: %w", s.snapshot.SessionID, errs.ErrFinalized)
	}
	if outputs != nil {
		s.snapshot.Outputs = outputs
	}
	return fsutil.WriteJSONAtomic(s.path, s.snapshot, 0o644)
}

// Finalize writes the terminal snapshot once and marks it read-only.
// Idempotent: a second call with identical final state is a no-op.
func (s *Session) Finalize(status Status, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot.finalized {
		return nil
	}
	now := time.Now().UTC()
	s.snapshot.Status = status
	s.snapshot.EndedAt = &now
	if outputs != nil {
		s.snapshot.Outputs = outputs
	}
	if err := fsutil.WriteJSONAtomic(s.path, s.snapshot, 0o444); err != nil {
		return fmt.Errorf("finalize %s: %w", s.snapshot.SessionID, err)
	}
	s.snapshot.finalized = true
	return nil
}

// Store manages sessions for one project root.
type Store struct {
	root string
}

// NewStore creates a Store rooted at stateDir (the project's
// <state-dir>/sessions directory).
func NewStore(stateDir string) *Store {
	return &Store{root: filepath.Join(stateDir, "sessions")}
}

func (st *Store) dir(kind Kind) string {
	return filepath.Join(st.root, string(kind))
}

func (st *Store) path(kind Kind, id string) string {
	return filepath.Join(st.dir(kind), id+".json")
}

// NewSessionID allocates a strictly sortable id: {goalIndex}-{yyyymmddhhmmss}.
func NewSessionID(goalIndex int) string {
	return fmt.Sprintf("%03d-%s", goalIndex, time.Now().UTC().Format("20060102150405"))
}

// Create allocates a new snapshot file in running state. Fails with
// errs.ErrAlreadyExists on id collision.
func (st *Store) Create(kind Kind, id string, inputs map[string]any) (*Session, error) {
	if id == "" {
		id = NewSessionID(0) + "-" + uuid.NewString()[:8]
	}
	path := st.path(kind, id)
	if fsutil.Exists(path) {
		return nil, fmt.Errorf("create session %s/%s: %w", kind, id, errs.ErrAlreadyExists)
	}

	snapshot := Snapshot{
		SchemaVersion: schemaVersion,
		SessionID:     id,
		Kind:          kind,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
		Inputs:        inputs,
	}
	if err := fsutil.WriteJSONAtomic(path, snapshot, 0o644); err != nil {
		return nil, fmt.Errorf("create session %s/%s: %w", kind, id, err)
	}
	return &Session{store: st, path: path, snapshot: snapshot}, nil
}

// Summary is a list() result row.
type Summary struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ListFilter narrows list() results.
type ListFilter struct {
	Status string
	Days   int
	Limit  int
}

// List returns newest-first summaries for kind, skipping partially-written
// snapshots (ignored per spec §4.1 failure model) and reporting but not
// aborting on corrupt finalized JSON.
func (st *Store) List(kind Kind, filter ListFilter) ([]Summary, []error) {
	entries, err := os.ReadDir(st.dir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("list %s: %w", kind, err)}
	}

	var out []Summary
	var errsList []error
	cutoff := time.Time{}
	if filter.Days > 0 {
		cutoff = time.Now().Add(-time.Duration(filter.Days) * 24 * time.Hour)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var snap Snapshot
		if err := fsutil.ReadJSON(filepath.Join(st.dir(kind), entry.Name()), &snap); err != nil {
			errsList = append(errsList, fmt.Errorf("corrupt snapshot %s: %w", entry.Name(), err))
			continue
		}
		if snap.SessionID == "" {
			continue // partially-written, no rename committed
		}
		if filter.Status != "" && string(snap.Status) != filter.Status {
			continue
		}
		if !cutoff.IsZero() && snap.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, Summary{SessionID: snap.SessionID, Status: snap.Status, StartedAt: snap.StartedAt, EndedAt: snap.EndedAt})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID > out[j].SessionID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, errsList
}

// Stats aggregates status counts, throughput, and completion/failure rate.
type Stats struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"byStatus"`
	CompletionRate   float64        `json:"completionRate"`
	FailureRate      float64        `json:"failureRate"`
}

// StatsFor computes Stats over List's result set.
func (st *Store) StatsFor(kind Kind, filter ListFilter) (Stats, []error) {
	summaries, errsList := st.List(kind, filter)
	stats := Stats{ByStatus: map[string]int{}}
	stats.Total = len(summaries)
	for _, s := range summaries {
		stats.ByStatus[string(s.Status)]++
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.ByStatus[string(StatusCompleted)]) / float64(stats.Total)
		stats.FailureRate = float64(stats.ByStatus[string(StatusFailed)]) / float64(stats.Total)
	}
	return stats, errsList
}

// PruneOptions configures prune().
type PruneOptions struct {
	Keep           int
	OlderThanDays  int
	Protect        []string
}

// Prune deletes sessions not in Protect, keeping the newest Keep, and only
// those older than OlderThanDays.
func (st *Store) Prune(kind Kind, opts PruneOptions) (int, error) {
	summaries, _ := st.List(kind, ListFilter{})
	protect := make(map[string]bool, len(opts.Protect))
	for _, id := range opts.Protect {
		protect[id] = true
	}

	cutoff := time.Time{}
	if opts.OlderThanDays > 0 {
		cutoff = time.Now().Add(-time.Duration(opts.OlderThanDays) * 24 * time.Hour)
	}

	deleted := 0
	for i, s := range summaries {
		if i < opts.Keep {
			continue
		}
		if protect[s.SessionID] {
			continue
		}
		if !cutoff.IsZero() && s.StartedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(st.path(kind, s.SessionID)); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("prune remove %s: %w", s.SessionID, err)
		}
		deleted++
	}
	return deleted, nil
}

// ResumeSelector chooses which session resume() targets.
type ResumeSelector string

const (
	ResumeLatest      ResumeSelector = "latest"
	ResumeInterrupted ResumeSelector = "interrupted"
)

// Resume returns the snapshot located by selector: "latest" (newest
// finished or unfinished), "interrupted" (newest non-completed), an
// explicit id, or a file path.
func (st *Store) Resume(kind Kind, selector string) (Snapshot, error) {
	switch ResumeSelector(selector) {
	case ResumeLatest:
		summaries, _ := st.List(kind, ListFilter{Limit: 1})
		if len(summaries) == 0 {
			return Snapshot{}, fmt.Errorf("resume latest %s: %w", kind, errs.ErrNotFound)
		}
		return st.Load(kind, summaries[0].SessionID)
	case ResumeInterrupted:
		summaries, _ := st.List(kind, ListFilter{})
		for _, s := range summaries {
			if s.Status != StatusCompleted {
				return st.Load(kind, s.SessionID)
			}
		}
		return Snapshot{}, fmt.Errorf("resume interrupted %s: %w", kind, errs.ErrNotFound)
	default:
		if fsutil.Exists(selector) {
			var snap Snapshot
			if err := fsutil.ReadJSON(selector, &snap); err != nil {
				return Snapshot{}, err
			}
			return snap, nil
		}
		return st.Load(kind, selector)
	}
}

// Load reads a session by id.
func (st *Store) Load(kind Kind, id string) (Snapshot, error) {
	path := st.path(kind, id)
	var snap Snapshot
	if err := fsutil.ReadJSON(path, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("load %s/%s: %w", kind, id, errs.ErrNotFound)
		}
		return Snapshot{}, err
	}
	return snap, nil
}

// Reopen wraps an existing (non-finalized) snapshot in a Session handle
// so a resumed runner can keep appending events and finalize normally.
func (st *Store) Reopen(kind Kind, id string) (*Session, error) {
	snap, err := st.Load(kind, id)
	if err != nil {
		return nil, err
	}
	if snap.EndedAt != nil {
		snap.finalized = true
	}
	return &Session{store: st, path: st.path(kind, id), snapshot: snap}, nil
}
