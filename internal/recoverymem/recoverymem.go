/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package recoverymem implements Recovery Memory (spec §4.2): a single
// locked JSON document, partitioned by scope, mapping deterministic
// failure signatures (internal/signature) to per-action success
// statistics, so that repeated failures of the same underlying class
// converge on the remediation action that has worked before. Every write
// takes the lease lock (internal/lease) with bounded-retry wait, grounded
// on the same file-based mutual-exclusion idiom used for task locks.
package recoverymem

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/fsutil"
	"github.com/marcus-qen/autoloop/internal/lease"
)

const (
	lockTTL      = 10 * time.Second
	lockWait     = 30 * time.Second
	lockPollWait = 50 * time.Millisecond
)

// Source identifies how select_action arrived at its decision (spec §4.2:
// "Selections are explainable").
type Source string

const (
	SourceMemory   Source = "memory"
	SourceDefault  Source = "default"
	SourceExplicit Source = "explicit"
)

// Strategy selects among tied candidates.
type Strategy string

const (
	StrategyBestSuccessRate Strategy = "best-success-rate"
)

// ActionStats tracks one action's outcome history for one signature.
type ActionStats struct {
	Attempts   int       `json:"attempts"`
	Successes  int       `json:"successes"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// SuccessRate returns the observed success rate, or 0 with no attempts.
func (a ActionStats) SuccessRate() float64 {
	if a.Attempts == 0 {
		return 0
	}
	return float64(a.Successes) / float64(a.Attempts)
}

// Document is the on-disk shape: scope -> signature -> action -> stats.
type Document struct {
	Scopes map[string]map[string]map[string]*ActionStats `json:"scopes"`
}

func newDocument() Document {
	return Document{Scopes: map[string]map[string]map[string]*ActionStats{}}
}

// Decision is select_action's explainable result.
type Decision struct {
	Action      string  `json:"action"`
	Source      Source  `json:"source"`
	Explanation string  `json:"explanation"`
	SuccessRate float64 `json:"successRate,omitempty"`
}

// Store manages one project's recovery-memory.json under its state dir.
type Store struct {
	path     string
	lockPath string
}

// NewStore creates a Store rooted at stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		path:     filepath.Join(stateDir, "recovery-memory.json"),
		lockPath: filepath.Join(stateDir, "recovery-memory.lock"),
	}
}

func (st *Store) withLock(holderID string, fn func(doc *Document) (bool, error)) error {
	deadline := time.Now().Add(lockWait)
	var lastErr error
	acquired := false
	for time.Now().Before(deadline) {
		_, err := lease.Acquire(st.lockPath, holderID, lockTTL, "recovery-memory write")
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
		return fmt.Errorf("recovery memory lock %s: %w", st.lockPath, lastErr)
	}
	defer lease.Release(st.lockPath, holderID)

	doc, err := st.load()
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
	return fsutil.WriteJSONAtomic(st.path, doc, 0o644)
}

func (st *Store) load() (Document, error) {
	var doc Document
	if err := fsutil.ReadJSON(st.path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newDocument(), nil
		}
		return Document{}, fmt.Errorf("load recovery memory: %w", err)
	}
	if doc.Scopes == nil {
		doc.Scopes = map[string]map[string]map[string]*ActionStats{}
	}
	return doc, nil
}

// DefaultScope composes the default scope key (spec §4.2).
func DefaultScope(projectFingerprint, gitBranch string) string {
	return projectFingerprint + "|" + gitBranch
}

// SelectAction returns the action with the highest success rate recorded
// for (scope, signature) among availableActions, tie-broken by recency; or
// defaultAction with Source=default if memory has no usable history.
func (st *Store) SelectAction(scope, signature string, availableActions []string, strategy Strategy, defaultAction string) (Decision, error) {
	doc, err := st.load()
	if err != nil {
		return Decision{}, err
	}

	available := make(map[string]struct{}, len(availableActions))
	for _, a := range availableActions {
		available[a] = struct{}{}
	}

	signatures, ok := doc.Scopes[scope]
	if !ok {
		return Decision{Action: defaultAction, Source: SourceDefault, Explanation: "no memory for scope"}, nil
	}
	actions, ok := signatures[signature]
	if !ok {
		return Decision{Action: defaultAction, Source: SourceDefault, Explanation: "no memory for signature"}, nil
	}

	type candidate struct {
		name  string
		stats *ActionStats
	}
	var candidates []candidate
	for name, stats := range actions {
		if len(available) > 0 {
			if _, ok := available[name]; !ok {
				continue
			}
		}
		if stats.Attempts == 0 {
			continue
		}
		candidates = append(candidates, candidate{name, stats})
	}
	if len(candidates) == 0 {
		return Decision{Action: defaultAction, Source: SourceDefault, Explanation: "no recorded outcomes for available actions"}, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].stats.SuccessRate(), candidates[j].stats.SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].stats.LastUsedAt.After(candidates[j].stats.LastUsedAt)
	})

	best := candidates[0]
	return Decision{
		Action:      best.name,
		Source:      SourceMemory,
		Explanation: fmt.Sprintf("success rate %.0f%% over %d attempts for signature %s", best.stats.SuccessRate()*100, best.stats.Attempts, signature),
		SuccessRate: best.stats.SuccessRate(),
	}, nil
}

// RecordOutcome updates attempt/success counts and lastUsedAt for
// (scope, signature, action), taking the lock.
func (st *Store) RecordOutcome(holderID, scope, signature, action string, success bool) error {
	return st.withLock(holderID, func(doc *Document) (bool, error) {
		if doc.Scopes[scope] == nil {
			doc.Scopes[scope] = map[string]map[string]*ActionStats{}
		}
		if doc.Scopes[scope][signature] == nil {
			doc.Scopes[scope][signature] = map[string]*ActionStats{}
		}
		stats := doc.Scopes[scope][signature][action]
		if stats == nil {
			stats = &ActionStats{}
			doc.Scopes[scope][signature][action] = stats
		}
		stats.Attempts++
		if success {
			stats.Successes++
		}
		stats.LastUsedAt = time.Now().UTC()
		return true, nil
	})
}

// Prune removes entries with lastUsedAt older than olderThanDays. If scope
// is non-empty, only that scope is pruned.
func (st *Store) Prune(holderID, scope string, olderThanDays int) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	err := st.withLock(holderID, func(doc *Document) (bool, error) {
		for scopeKey, signatures := range doc.Scopes {
			if scope != "" && scopeKey != scope {
				continue
			}
			for sigKey, actions := range signatures {
				for actionKey, stats := range actions {
					if stats.LastUsedAt.Before(cutoff) {
						delete(actions, actionKey)
						removed++
					}
				}
				if len(actions) == 0 {
					delete(signatures, sigKey)
				}
			}
			if len(signatures) == 0 {
				delete(doc.Scopes, scopeKey)
			}
		}
		return removed > 0, nil
	})
	return removed, err
}

// ScopeSummary is show()'s per-signature aggregate row.
type ScopeSummary struct {
	Signature   string             `json:"signature"`
	Actions     map[string]ActionStats `json:"actions"`
	BestAction  string             `json:"bestAction,omitempty"`
}

// Show returns read-only aggregates for scope (or all scopes if empty).
func (st *Store) Show(scope string) (map[string][]ScopeSummary, error) {
	doc, err := st.load()
	if err != nil {
		return nil, err
	}
	out := map[string][]ScopeSummary{}
	for scopeKey, signatures := range doc.Scopes {
		if scope != "" && scopeKey != scope {
			continue
		}
		var rows []ScopeSummary
		for sigKey, actions := range signatures {
			row := ScopeSummary{Signature: sigKey, Actions: map[string]ActionStats{}}
			best, bestRate := "", -1.0
			for name, stats := range actions {
				row.Actions[name] = *stats
				if rate := stats.SuccessRate(); rate > bestRate {
					best, bestRate = name, rate
				}
			}
			row.BestAction = best
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Signature < rows[j].Signature })
		out[scopeKey] = rows
	}
	return out, nil
}

// Scopes returns every known scope key, sorted.
func (st *Store) Scopes() ([]string, error) {
	doc, err := st.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.Scopes))
	for k := range doc.Scopes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
