/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package releaseevidence implements the Release-Evidence Document (spec
// §3): an append-only JSON array of run outcomes, one file per scope under
// release-evidence/, trimmed by a configurable window. Release gate
// evaluation (internal/releasegate) and the handoff regression/evidence
// subcommands read these documents to decide whether a scope's recent
// history is healthy enough to proceed. Writes share the lease lock
// (internal/lease) with the same bounded-retry-then-fail shape as
// internal/recoverymem, since both are cross-goal documents every writer
// must serialize through (spec §3: "Cross-goal state ... is shared; all
// writers must serialize through a file lock").
package releaseevidence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/fsutil"
	"github.com/marcus-qen/autoloop/internal/lease"
	"github.com/marcus-qen/autoloop/internal/signing"
)

const (
	lockTTL      = 10 * time.Second
	lockWait     = 30 * time.Second
	lockPollWait = 50 * time.Millisecond
)

// Outcome is one recorded run outcome: a close-loop, batch, or program
// session's terminal status plus whatever signal the caller wants a
// release gate to see later.
type Outcome struct {
	SessionID  string         `json:"sessionId"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	RecordedAt time.Time      `json:"recordedAt"`
	GoalKey    string         `json:"goalKey,omitempty"`
	Gate       string         `json:"gate,omitempty"`
	Regression bool           `json:"regression,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

// document is the on-disk shape of one scope's evidence file: a plain
// append-only array. Kept as a named type (rather than a bare slice) so
// future fields — a schema version, a running digest — have somewhere to
// land without breaking the file format.
type document struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Store manages one project's release-evidence/ directory, one JSON file
// per scope.
type Store struct {
	dir    string
	signer *signing.Signer // nil: outcomes are recorded unsigned
}

// NewStore creates a Store rooted at stateDir/release-evidence.
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, "release-evidence")}
}

// WithSigner returns a copy of st that signs every appended outcome with
// signer, so audit tooling can verify a scope's evidence file was not
// hand-edited after the fact.
func (st *Store) WithSigner(signer *signing.Signer) *Store {
	return &Store{dir: st.dir, signer: signer}
}

func (st *Store) path(scope string) string {
	return filepath.Join(st.dir, scope+".json")
}

func (st *Store) lockPath(scope string) string {
	return filepath.Join(st.dir, scope+".lock")
}

func (st *Store) withLock(scope, holderID string, fn func(doc *document) (bool, error)) error {
	lockPath := st.lockPath(scope)
	deadline := time.Now().Add(lockWait)
	var lastErr error
	acquired := false
	for time.Now().Before(deadline) {
		_, err := lease.Acquire(lockPath, holderID, lockTTL, "release-evidence write: "+scope)
		if err == nil {
			acquired = true
			break
		}
		if !errors.Is(err, errs.ErrLocked) {
			return err
		}
		lastErr = err
		time.Sleep(lockPollWait)
	}
	if !acquired {
		return fmt.Errorf("release evidence lock %s: %w", lockPath, lastErr)
	}
	defer lease.Release(lockPath, holderID)

	doc, err := st.load(scope)
	if err != nil {
		return err
	}
	dirty, err := fn(&doc)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return fsutil.WriteJSONAtomic(st.path(scope), doc, 0o644)
}

func (st *Store) load(scope string) (document, error) {
	var doc document
	if err := fsutil.ReadJSON(st.path(scope), &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("load release evidence %s: %w", scope, err)
	}
	return doc, nil
}

// Append records one outcome for scope, taking the lock. If st has a
// signer, the appended outcome's Signature field is populated over the
// outcome's (sessionId, kind, status, recordedAt) so a later Verify call
// can detect tampering independent of the rest of the document.
func (st *Store) Append(holderID, scope string, outcome Outcome) error {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	if st.signer != nil {
		sig, err := st.signer.Sign(outcome.SessionID, signable{outcome.Kind, outcome.Status, outcome.RecordedAt})
		if err != nil {
			return fmt.Errorf("sign outcome %s: %w", outcome.SessionID, err)
		}
		outcome.Signature = sig
	}
	return st.withLock(scope, holderID, func(doc *document) (bool, error) {
		doc.Outcomes = append(doc.Outcomes, outcome)
		return true, nil
	})
}

type signable struct {
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Verify reports whether outcome's Signature matches its signable fields.
// Returns errs.ErrNotFound-free nil when st has no signer configured
// (unsigned stores accept anything).
func (st *Store) Verify(outcome Outcome) error {
	if st.signer == nil {
		return nil
	}
	return st.signer.Verify(outcome.SessionID, signable{outcome.Kind, outcome.Status, outcome.RecordedAt}, outcome.Signature)
}

// List returns scope's outcomes ordered oldest-first.
func (st *Store) List(scope string) ([]Outcome, error) {
	doc, err := st.load(scope)
	if err != nil {
		return nil, err
	}
	out := append([]Outcome(nil), doc.Outcomes...)
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func readDirOrEmpty(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	return entries, nil
}

// Scopes lists every scope with an evidence file, sorted.
func (st *Store) Scopes() ([]string, error) {
	entries, err := readDirOrEmpty(st.dir)
	if err != nil {
		return nil, err
	}
	var scopes []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		scopes = append(scopes, name[:len(name)-len(".json")])
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Trim removes outcomes older than window, keeping at most maxEntries of
// what remains (0 disables the count ceiling). Returns the number removed.
// This is the "trimmed by configurable window" behavior spec §3 names for
// the Release-Evidence Document, invoked by the governance maintenance
// loop (internal/governance) alongside session-archive pruning.
func (st *Store) Trim(holderID, scope string, window time.Duration, maxEntries int) (int, error) {
	removed := 0
	err := st.withLock(scope, holderID, func(doc *document) (bool, error) {
		cutoff := time.Now().Add(-window)
		kept := doc.Outcomes[:0:0]
		for _, o := range doc.Outcomes {
			if window > 0 && o.RecordedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, o)
		}
		if maxEntries > 0 && len(kept) > maxEntries {
			sort.Slice(kept, func(i, j int) bool { return kept[i].RecordedAt.Before(kept[j].RecordedAt) })
			excess := len(kept) - maxEntries
			removed += excess
			kept = kept[excess:]
		}
		if removed == 0 {
			return false, nil
		}
		doc.Outcomes = kept
		return true, nil
	})
	return removed, err
}

// TrimAll applies Trim across every known scope, summing the removed
// counts. Used by the governance maintenance plan when no single scope is
// targeted.
func (st *Store) TrimAll(holderID string, window time.Duration, maxEntries int) (int, error) {
	scopes, err := st.Scopes()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, scope := range scopes {
		n, err := st.Trim(holderID, scope, window, maxEntries)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RegressionCount reports how many of scope's outcomes within window are
// flagged Regression, for releasegate.MatrixSignals wiring.
func (st *Store) RegressionCount(scope string, window time.Duration) (int, error) {
	outcomes, err := st.List(scope)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-window)
	count := 0
	for _, o := range outcomes {
		if window > 0 && o.RecordedAt.Before(cutoff) {
			continue
		}
		if o.Regression {
			count++
		}
	}
	return count, nil
}
