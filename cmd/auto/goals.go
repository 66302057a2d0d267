/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"github.com/marcus-qen/autoloop/internal/batch"
	"github.com/marcus-qen/autoloop/internal/controllerloop"
)

// readGoalsFile parses a goals file into batch.Goal rows, reusing
// controllerloop.ReadQueue's line-or-JSON-array parsing (spec §6 names the
// same file format for both the batch goals file and the controller queue
// file) and defaulting every goal's criticality/decomposition override.
func readGoalsFile(path string) ([]batch.Goal, error) {
	lines, err := controllerloop.ReadQueue(path)
	if err != nil {
		return nil, err
	}
	goals := make([]batch.Goal, 0, len(lines))
	for i, text := range lines {
		goals = append(goals, batch.Goal{
			Name:        goalName(i),
			Text:        text,
			Criticality: 3,
		})
	}
	return goals, nil
}

func goalName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "goal-" + string(letters[i])
	}
	return "goal-" + string(rune('0'+i%10))
}
