/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus-qen/autoloop/internal/handoff"
	"github.com/marcus-qen/autoloop/internal/releasegate"
)

func (a *app) loadManifest(args []string) (handoff.Manifest, []string, error) {
	path, args := flagValue(args, "--manifest", "")
	if path == "" {
		return handoff.Manifest{}, args, fmt.Errorf("--manifest is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return handoff.Manifest{}, args, fmt.Errorf("read manifest: %w", err)
	}
	var manifest handoff.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return handoff.Manifest{}, args, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, args, nil
}

// existingLibrary scans this project's spec/template library so Plan can
// tell new entries from colliding ones.
func (a *app) existingLibrary() handoff.Existing {
	specs := map[string]bool{}
	for _, entry := range readDirNames(filepath.Join(stateDir(a.cfg), "specs")) {
		specs[entry] = true
	}
	templates := map[string]bool{}
	for _, entry := range readDirNames(filepath.Join(stateDir(a.cfg), "templates")) {
		templates[entry] = true
	}
	return handoff.Existing{SpecNames: specs, TemplateNames: templates, Capabilities: map[string]bool{}}
}

func readDirNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func (a *app) runHandoff(args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("handoff requires a subcommand: plan, queue, template-diff, capability-matrix, run, regression, evidence, or gate-index")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "plan":
		manifest, _, err := a.loadManifest(args)
		if err != nil {
			return nil, err
		}
		return handoff.Plan(manifest, a.existingLibrary()), nil

	case "queue":
		manifest, args, err := a.loadManifest(args)
		if err != nil {
			return nil, err
		}
		sourceRoot, args := flagValue(args, "--source-root", ".")
		destRoot, _ := flagValue(args, "--dest-root", stateDir(a.cfg))
		plan := handoff.Plan(manifest, a.existingLibrary())
		return handoff.Queue(manifest, plan, sourceRoot, destRoot), nil

	case "template-diff":
		manifest, args, err := a.loadManifest(args)
		if err != nil {
			return nil, err
		}
		sourceRoot, args := flagValue(args, "--source-root", ".")
		destRoot, _ := flagValue(args, "--dest-root", stateDir(a.cfg))
		return handoff.TemplateDiff(manifest, sourceRoot, destRoot)

	case "capability-matrix":
		manifest, args, err := a.loadManifest(args)
		if err != nil {
			return nil, err
		}
		observed, args := flagValue(args, "--observed", "")
		maxUnknownCount, args := flagInt(args, "--max-unknown-count", 3)
		maxUnknownRate, _ := flagFloat(args, "--max-unknown-rate", 0.25)
		return handoff.CapabilityMatrix(manifest, splitCSV(observed), maxUnknownCount, maxUnknownRate), nil

	case "run":
		manifest, args, err := a.loadManifest(args)
		if err != nil {
			return nil, err
		}
		sourceRoot, args := flagValue(args, "--source-root", ".")
		destRoot, _ := flagValue(args, "--dest-root", stateDir(a.cfg))
		plan := handoff.Plan(manifest, a.existingLibrary())
		steps := handoff.Queue(manifest, plan, sourceRoot, destRoot)
		results := make([]map[string]any, 0, len(steps))
		for _, step := range steps {
			err := handoff.Run(step)
			result := map[string]any{"step": step, "status": "applied"}
			if err != nil {
				result["status"] = "failed"
				result["error"] = err.Error()
			}
			results = append(results, result)
		}
		return results, nil

	case "regression":
		scope, args := flagValue(args, "--scope", "")
		windowHours, args := flagInt(args, "--window-hours", 24*7)
		maxRegressions, _ := flagInt(args, "--max-regressions", 0)
		if scope == "" {
			return nil, fmt.Errorf("handoff regression requires --scope")
		}
		return handoff.Regression(a.evidenceStore, scope, time.Duration(windowHours)*time.Hour, maxRegressions)

	case "evidence":
		scope, _ := flagValue(args, "--scope", "")
		if scope == "" {
			return nil, fmt.Errorf("handoff evidence requires --scope")
		}
		return handoff.Evidence(a.evidenceStore, scope)

	case "gate-index":
		windowHours, args := flagInt(args, "--window-hours", 24*7)
		maxRegressions, _ := flagInt(args, "--max-regressions", 0)
		return handoff.GateIndex(a.evidenceStore, time.Duration(windowHours)*time.Hour, releasegate.DefaultThresholds, maxRegressions)

	default:
		return nil, fmt.Errorf("unknown handoff subcommand: %s", sub)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
