/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import "fmt"

func (a *app) runRecoveryMemory(args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("recovery-memory requires a subcommand: show, scopes, prune, or clear")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "show":
		scope, _ := flagValue(args, "--scope", "")
		return a.recoveryStore.Show(scope)
	case "scopes":
		return a.recoveryStore.Scopes()
	case "prune":
		scope, args := flagValue(args, "--scope", "")
		holderID, args := flagValue(args, "--holder-id", "auto-recovery-memory")
		olderThanDays, _ := flagInt(args, "--older-than-days", 30)
		removed, err := a.recoveryStore.Prune(holderID, scope, olderThanDays)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": removed}, nil
	case "clear":
		scope, args := flagValue(args, "--scope", "")
		if scope == "" {
			return nil, fmt.Errorf("recovery-memory clear requires --scope")
		}
		holderID, _ := flagValue(args, "--holder-id", "auto-recovery-memory")
		removed, err := a.recoveryStore.Prune(holderID, scope, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cleared": removed}, nil
	default:
		return nil, fmt.Errorf("unknown recovery-memory subcommand: %s", sub)
	}
}
