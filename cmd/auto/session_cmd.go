/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"fmt"

	"github.com/marcus-qen/autoloop/internal/archive"
)

// kindFor maps each session-family command name to its archive.Kind (spec
// §6: "session|spec-session|batch-session|controller-session {list|stats|
// prune}").
func kindFor(command string) (archive.Kind, error) {
	switch command {
	case "session":
		return archive.KindCloseLoop, nil
	case "spec-session":
		return archive.KindSpecArtifact, nil
	case "batch-session":
		return archive.KindBatch, nil
	case "controller-session":
		return archive.KindController, nil
	default:
		return "", fmt.Errorf("unknown session family command: %s", command)
	}
}

func (a *app) runSessionFamily(command string, args []string) (any, error) {
	kind, err := kindFor(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s requires a subcommand: list, stats, or prune", command)
	}
	sub, args := args[0], args[1:]

	status, args := flagValue(args, "--status", "")
	days, args := flagInt(args, "--days", 0)
	limit, args := flagInt(args, "--limit", 0)
	filter := archive.ListFilter{Status: status, Days: days, Limit: limit}

	switch sub {
	case "list":
		summaries, errsList := a.archiveStore.List(kind, filter)
		return map[string]any{"sessions": summaries, "errors": errorStrings(errsList)}, nil
	case "stats":
		stats, errsList := a.archiveStore.StatsFor(kind, filter)
		return map[string]any{"stats": stats, "errors": errorStrings(errsList)}, nil
	case "prune":
		keep, args := flagInt(args, "--keep", 50)
		olderThanDays, _ := flagInt(args, "--older-than-days", 30)
		removed, err := a.archiveStore.Prune(kind, archive.PruneOptions{Keep: keep, OlderThanDays: olderThanDays})
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": removed}, nil
	default:
		return nil, fmt.Errorf("unknown %s subcommand: %s", command, sub)
	}
}

func errorStrings(errsList []error) []string {
	if len(errsList) == 0 {
		return nil
	}
	out := make([]string, len(errsList))
	for i, e := range errsList {
		out[i] = e.Error()
	}
	return out
}
