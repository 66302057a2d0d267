/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package specmodel implements the §3 data-model entities for specs: the
// Goal, Master/Sub Spec directory shape, and Collaboration Metadata, plus
// the acyclic-dependency and status-transition invariants that guard them.
// Identifiers use github.com/google/uuid the way the teacher keys agent
// registrations and run records.
package specmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/autoloop/internal/fsutil"
)

// Goal is free-form text plus an optional identifier. Never mutated once
// produced by the user or by decomposition.
type Goal struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// NewGoal allocates a goal, generating an id when the caller supplies none.
func NewGoal(text, id string) Goal {
	if id == "" {
		id = uuid.NewString()
	}
	return Goal{ID: id, Text: text}
}

// DependencyType enumerates the kinds of sub-spec dependency edge.
type DependencyType string

const (
	DependencyRequiresCompletion DependencyType = "requires-completion"
	DependencyRequiresInterface  DependencyType = "requires-interface"
	DependencyOptional           DependencyType = "optional"
)

// Dependency names one edge of the sub-spec dependency graph.
type Dependency struct {
	Spec   string         `json:"spec"`
	Type   DependencyType `json:"type"`
	Reason string         `json:"reason,omitempty"`
}

// Status is a collaboration-metadata lifecycle state. The constants below
// are lowercase kebab-case; LoadMetadata and SaveMetadata store the value
// as given and do not rewrite other casings.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is one of the two terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions enumerates the legal status edges (§3 invariant: status
// transitions monotonically through planned → ready → in-progress →
// blocked?, completed, failed).
var transitions = map[Status]map[Status]bool{
	StatusPlanned:    {StatusReady: true, StatusFailed: true},
	StatusReady:      {StatusInProgress: true, StatusFailed: true},
	StatusInProgress: {StatusBlocked: true, StatusCompleted: true, StatusFailed: true},
	StatusBlocked:    {StatusInProgress: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	next, ok := transitions[from]
	return ok && next[to]
}

// SpecKind distinguishes master from sub specs.
type SpecKind string

const (
	SpecKindMaster SpecKind = "master"
	SpecKindSub    SpecKind = "sub"
)

// Assignment records which agent owns a spec and when it claimed it.
type Assignment struct {
	AgentID    string    `json:"agentId,omitempty"`
	AssignedAt time.Time `json:"assignedAt,omitzero"`
}

// StatusRecord pairs the current status with its last update time.
type StatusRecord struct {
	Current   Status    `json:"current"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Interfaces names the provided/consumed interface identifiers a spec
// declares for collaboration-dependency resolution.
type Interfaces struct {
	Provides []string `json:"provides,omitempty"`
	Consumes []string `json:"consumes,omitempty"`
}

// CollaborationMetadata is the per-spec collaboration.json document.
type CollaborationMetadata struct {
	Type         SpecKind     `json:"type"`
	MasterSpec   string       `json:"masterSpec,omitempty"`
	SubSpecs     []string     `json:"subSpecs,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Assignment   Assignment   `json:"assignment"`
	Status       StatusRecord `json:"status"`
	Interfaces   Interfaces   `json:"interfaces"`
}

// Transition moves the metadata's status forward, refusing illegal edges.
func (m *CollaborationMetadata) Transition(to Status) error {
	if !CanTransition(m.Status.Current, to) {
		return fmt.Errorf("illegal status transition %s -> %s", m.Status.Current, to)
	}
	m.Status = StatusRecord{Current: to, UpdatedAt: time.Now().UTC()}
	return nil
}

var specNamePattern = regexp.MustCompile(`^\d{2}-\d{2}-[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidSpecName reports whether name matches the required
// NN-NN-kebab-case spec directory naming convention.
func ValidSpecName(name string) bool {
	return specNamePattern.MatchString(name)
}

// Spec is an in-memory handle to a bootstrapped spec directory:
// requirements.md, design.md, tasks.md plus collaboration.json.
type Spec struct {
	Name string
	Dir  string
	Meta CollaborationMetadata
}

// Bootstrap creates the skeleton directory structure for a spec: the three
// required documents (draft content) plus collaboration.json, following
// the write-temp-then-rename convention from internal/fsutil for the
// metadata file. Returns an error if name fails the naming convention.
func Bootstrap(specsRoot, name string, meta CollaborationMetadata) (*Spec, error) {
	if !ValidSpecName(name) {
		return nil, fmt.Errorf("invalid spec name %q: must match NN-NN-kebab-case", name)
	}
	dir := filepath.Join(specsRoot, name)
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Join(dir, "locks")); err != nil {
		return nil, err
	}

	drafts := map[string]string{
		"requirements.md": fmt.Sprintf("# Requirements: %s\n\n_draft — bootstrapped, awaiting orchestration_\n", name),
		"design.md":        fmt.Sprintf("# Design: %s\n\n_draft — bootstrapped, awaiting orchestration_\n", name),
		"tasks.md":         fmt.Sprintf("# Tasks: %s\n\n- [ ] implement %s\n", name, name),
	}
	for file, content := range drafts {
		path := filepath.Join(dir, file)
		if fsutil.Exists(path) {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
	}

	if meta.Status.Current == "" {
		meta.Status = StatusRecord{Current: StatusPlanned, UpdatedAt: time.Now().UTC()}
	}

	spec := &Spec{Name: name, Dir: dir, Meta: meta}
	if err := spec.SaveMetadata(); err != nil {
		return nil, err
	}
	return spec, nil
}

// MetadataPath returns the collaboration.json path for this spec.
func (s *Spec) MetadataPath() string {
	return filepath.Join(s.Dir, "collaboration.json")
}

// SaveMetadata persists collaboration.json atomically.
func (s *Spec) SaveMetadata() error {
	return fsutil.WriteJSONAtomic(s.MetadataPath(), s.Meta, 0o644)
}

// LoadMetadata reads a spec's collaboration.json from disk.
func LoadMetadata(specsRoot, name string) (CollaborationMetadata, error) {
	var meta CollaborationMetadata
	path := filepath.Join(specsRoot, name, "collaboration.json")
	if err := fsutil.ReadJSON(path, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// TasksComplete reports whether tasks.md contains no unchecked checkbox
// lines (the "tasks-closed" gate signal, §4.6).
func TasksComplete(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tasks.md"))
	if err != nil {
		return false, fmt.Errorf("read tasks.md: %w", err)
	}
	return !uncheckedBox.Match(data), nil
}

var uncheckedBox = regexp.MustCompile(`(?m)^\s*-\s*\[\s\]`)

// CheckAcyclic verifies the dependency graph across specs (keyed by name)
// has no cycles, refusing bootstrap per spec §9: "Cyclic collaboration
// graphs → acyclic graph invariant + detection".
func CheckAcyclic(deps map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(node string, stack []string) error
	visit = func(node string, stack []string) error {
		switch color[node] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cyclic collaboration dependency detected: %v -> %s", stack, node)
		}
		color[node] = gray
		for _, dep := range deps[node] {
			if err := visit(dep, append(stack, node)); err != nil {
				return err
			}
		}
		color[node] = black
		return nil
	}
	for node := range deps {
		if err := visit(node, nil); err != nil {
			return err
		}
	}
	return nil
}
