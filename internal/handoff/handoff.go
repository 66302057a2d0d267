/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package handoff implements the Handoff Manifest (spec §3: "declarative
// JSON describing source project specs, templates, capabilities, gaps")
// and the `auto handoff {plan|queue|template-diff|capability-matrix|run|
// regression|evidence|gate-index}` subcommand family (spec §6). A
// manifest absorbs an upstream project's specs, templates, and declared
// capabilities into this system's own spec/template library (spec
// glossary: "an externally declared manifest absorbing capabilities from
// an upstream project into this system's spec/template library").
package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marcus-qen/autoloop/internal/releasegate"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
)

// SpecRef is one spec the manifest offers for absorption.
type SpecRef struct {
	Name string `json:"name"`
	Path string `json:"path"` // relative to the manifest's source root
}

// TemplateRef is one document template the manifest offers.
type TemplateRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Manifest is the declarative, source-project-authored document this
// package absorbs from.
type Manifest struct {
	SourceProject string        `json:"sourceProject"`
	Specs         []SpecRef     `json:"specs,omitempty"`
	Templates     []TemplateRef `json:"templates,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Gaps          []string      `json:"gaps,omitempty"`
}

// Step is one unit of absorption work `auto handoff run` executes.
type Step struct {
	Kind   string `json:"kind"` // "spec" | "template"
	Name   string `json:"name"`
	Source string `json:"source"` // absolute source path, resolved against the manifest's root
	Dest   string `json:"dest"`   // absolute destination path under the project's spec/template library
}

// PlanResult is `auto handoff plan`'s output: what absorbing manifest
// into an existing library would add, and what already collides.
type PlanResult struct {
	NewSpecs        []string `json:"newSpecs,omitempty"`
	NewTemplates    []string `json:"newTemplates,omitempty"`
	NewCapabilities []string `json:"newCapabilities,omitempty"`
	Conflicts       []string `json:"conflicts,omitempty"`
	UnresolvedGaps  []string `json:"unresolvedGaps,omitempty"`
}

// Existing describes what this project's library already has, so Plan
// can tell new from colliding.
type Existing struct {
	SpecNames     map[string]bool
	TemplateNames map[string]bool
	Capabilities  map[string]bool
}

// Plan compares manifest against existing and reports the absorption
// delta without mutating anything (spec §6: all commands accept
// --dry-run where state changes are possible — Plan is always
// side-effect-free, Run is the mutating counterpart).
func Plan(manifest Manifest, existing Existing) PlanResult {
	var result PlanResult
	for _, spec := range manifest.Specs {
		if existing.SpecNames != nil && existing.SpecNames[spec.Name] {
			result.Conflicts = append(result.Conflicts, "spec:"+spec.Name)
			continue
		}
		result.NewSpecs = append(result.NewSpecs, spec.Name)
	}
	for _, tmpl := range manifest.Templates {
		if existing.TemplateNames != nil && existing.TemplateNames[tmpl.Name] {
			result.Conflicts = append(result.Conflicts, "template:"+tmpl.Name)
			continue
		}
		result.NewTemplates = append(result.NewTemplates, tmpl.Name)
	}
	for _, capability := range manifest.Capabilities {
		if existing.Capabilities == nil || !existing.Capabilities[capability] {
			result.NewCapabilities = append(result.NewCapabilities, capability)
		}
	}
	result.UnresolvedGaps = append(result.UnresolvedGaps, manifest.Gaps...)

	sort.Strings(result.NewSpecs)
	sort.Strings(result.NewTemplates)
	sort.Strings(result.NewCapabilities)
	sort.Strings(result.Conflicts)
	sort.Strings(result.UnresolvedGaps)
	return result
}

// Queue builds the ordered absorption steps for a Plan's new specs and
// templates: specs before templates, since a template may reference a
// spec's requirements during rendering (an out-of-scope concern this
// system treats as an external collaborator, spec §1, but the ordering
// still has to hold for downstream tooling).
func Queue(manifest Manifest, plan PlanResult, sourceRoot, destRoot string) []Step {
	newSpecs := toSet(plan.NewSpecs)
	newTemplates := toSet(plan.NewTemplates)

	var steps []Step
	for _, spec := range manifest.Specs {
		if !newSpecs[spec.Name] {
			continue
		}
		steps = append(steps, Step{
			Kind:   "spec",
			Name:   spec.Name,
			Source: filepath.Join(sourceRoot, spec.Path),
			Dest:   filepath.Join(destRoot, "specs", spec.Name),
		})
	}
	for _, tmpl := range manifest.Templates {
		if !newTemplates[tmpl.Name] {
			continue
		}
		steps = append(steps, Step{
			Kind:   "template",
			Name:   tmpl.Name,
			Source: filepath.Join(sourceRoot, tmpl.Path),
			Dest:   filepath.Join(destRoot, "templates", tmpl.Name),
		})
	}
	return steps
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// TemplateDiffEntry is one template's byte-size comparison between the
// manifest's copy and this project's existing copy.
type TemplateDiffEntry struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "new" | "identical" | "changed" | "missing-source"
	SourceSize int64  `json:"sourceSize,omitempty"`
	DestSize   int64  `json:"destSize,omitempty"`
}

// TemplateDiff compares each manifest template on disk against destRoot's
// existing copy (`auto handoff template-diff`). It only compares sizes —
// the actual rendering engine is an external collaborator (spec §1).
func TemplateDiff(manifest Manifest, sourceRoot, destRoot string) ([]TemplateDiffEntry, error) {
	entries := make([]TemplateDiffEntry, 0, len(manifest.Templates))
	for _, tmpl := range manifest.Templates {
		sourcePath := filepath.Join(sourceRoot, tmpl.Path)
		sourceInfo, err := os.Stat(sourcePath)
		if err != nil {
			entries = append(entries, TemplateDiffEntry{Name: tmpl.Name, Status: "missing-source"})
			continue
		}
		destPath := filepath.Join(destRoot, "templates", tmpl.Name)
		destInfo, err := os.Stat(destPath)
		if err != nil {
			entries = append(entries, TemplateDiffEntry{Name: tmpl.Name, Status: "new", SourceSize: sourceInfo.Size()})
			continue
		}
		status := "identical"
		if sourceInfo.Size() != destInfo.Size() {
			status = "changed"
		}
		entries = append(entries, TemplateDiffEntry{
			Name:       tmpl.Name,
			Status:     status,
			SourceSize: sourceInfo.Size(),
			DestSize:   destInfo.Size(),
		})
	}
	return entries, nil
}

// CapabilityMatrix composes a manifest's declared capabilities against
// what this project has actually observed in use into
// releasegate.CapabilitySignals (`auto handoff capability-matrix`), the
// same shape the release gate evaluates for its
// handoff-capability-unknown blocked reasons.
func CapabilityMatrix(manifest Manifest, observed []string, maxUnknownCount int, maxUnknownRate float64) releasegate.CapabilitySignals {
	return releasegate.CapabilitySignals{
		Declared:        manifest.Capabilities,
		Observed:        observed,
		MaxUnknownCount: maxUnknownCount,
		MaxUnknownRate:  maxUnknownRate,
	}
}

// RegressionReport is `auto handoff regression`'s output: a release-
// evidence scope's regression count within window compared against the
// release gate's matrix ceiling.
type RegressionReport struct {
	Scope           string `json:"scope"`
	RegressionCount int    `json:"regressionCount"`
	MaxRegressions  int    `json:"maxRegressions"`
	OverGate        bool   `json:"overGate"`
}

// Regression reads scope's release-evidence regression count within
// window and reports whether it exceeds maxRegressions — the same
// computation `internal/releasegate.MatrixSignals` feeds into the
// `handoff-moqui-matrix-regressions-over-gate:<n>/<max>` blocked reason
// (spec §4.11 example), exposed here as its own read-only subcommand.
func Regression(evidence *releaseevidence.Store, scope string, window time.Duration, maxRegressions int) (RegressionReport, error) {
	count, err := evidence.RegressionCount(scope, window)
	if err != nil {
		return RegressionReport{}, fmt.Errorf("handoff regression %s: %w", scope, err)
	}
	return RegressionReport{
		Scope:           scope,
		RegressionCount: count,
		MaxRegressions:  maxRegressions,
		OverGate:        maxRegressions > 0 && count > maxRegressions,
	}, nil
}

// Evidence returns scope's release-evidence outcomes for `auto handoff
// evidence` — a thin read-through, since the document itself is already
// the thing spec §3 names.
func Evidence(evidence *releaseevidence.Store, scope string) ([]releaseevidence.Outcome, error) {
	return evidence.List(scope)
}

// GateIndexEntry is one scope's summarized gate status for `auto handoff
// gate-index`, an at-a-glance table across every scope this project
// tracks release evidence for.
type GateIndexEntry struct {
	Scope           string `json:"scope"`
	RegressionCount int    `json:"regressionCount"`
	Passed          bool   `json:"passed"`
}

// GateIndex builds one GateIndexEntry per known scope in evidence,
// evaluating each against thresholds via releasegate.Evaluate so the
// index reflects the same pass/block logic the governance loop uses.
func GateIndex(evidence *releaseevidence.Store, window time.Duration, thresholds releasegate.Thresholds, maxRegressions int) ([]GateIndexEntry, error) {
	scopes, err := evidence.Scopes()
	if err != nil {
		return nil, fmt.Errorf("handoff gate-index: %w", err)
	}
	entries := make([]GateIndexEntry, 0, len(scopes))
	for _, scope := range scopes {
		count, err := evidence.RegressionCount(scope, window)
		if err != nil {
			return nil, fmt.Errorf("handoff gate-index %s: %w", scope, err)
		}
		decision := releasegate.Evaluate(releasegate.Input{
			Matrix:     releasegate.MatrixSignals{RegressionCount: count, MaxRegressions: maxRegressions},
			Thresholds: thresholds,
			Preflight:  releasegate.PreflightSignals{Passed: true},
		})
		entries = append(entries, GateIndexEntry{Scope: scope, RegressionCount: count, Passed: decision.Passed})
	}
	return entries, nil
}

// Run executes one absorption step: copying a spec or template file tree
// from its source location into this project's library. Steps run in
// Queue's order; a caller iterates and calls Run once per step so a
// partial absorption can be resumed by re-running the remaining steps.
func Run(step Step) error {
	info, err := os.Stat(step.Source)
	if err != nil {
		return fmt.Errorf("handoff run %s: stat source: %w", step.Name, err)
	}
	if info.IsDir() {
		return copyDir(step.Source, step.Dest)
	}
	return copyFile(step.Source, step.Dest)
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}
		return copyFile(path, destPath)
	})
}
