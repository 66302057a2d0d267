/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Command auto is the thin command-line dispatcher named in spec §6: none
// of its subcommand handlers contain core logic, they decode arguments and
// call the components in internal/. Grounded on the teacher's
// cmd/legatorctl/main.go hand-rolled flag parsing and switch-on-command
// dispatch (no cobra: the teacher only carries spf13/cobra as an indirect
// dependency, never imported from its own CLI entry points, so this binary
// scans its flags by hand as well, through the flagValue/flagInt/flagBool
// helpers in globals.go rather than the flag package).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/config"
	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/logging"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
)

var (
	version = "dev"
	commit  = "none"
)

// exit codes per spec §6: 0 success; 2 policy violation (gate blocked, DoD
// failed, non-allow decision); 1 operational error.
const (
	exitSuccess = 0
	exitError   = 1
	exitPolicy  = 2
)

// app bundles the stores every subcommand needs, built once in main from
// the loaded config.
type app struct {
	cfg           config.Config
	archiveStore  *archive.Store
	recoveryStore *recoverymem.Store
	evidenceStore *releaseevidence.Store
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// log builds the zap-backed logr.Logger every subcommand that talks to
// internal/notify or internal/cron shares, from this invocation's config.
func (a *app) log() logr.Logger {
	return zapr.NewLogger(logging.New(logging.Options{Level: a.cfg.LogLevel, JSON: a.cfg.LogJSON}))
}

func run(args []string) int {
	globals, command, rest, err := parseGlobals(args)
	if errors.Is(err, errShowUsage) {
		printUsage()
		return exitSuccess
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	if command == "" {
		printUsage()
		return exitError
	}

	cfg, err := config.Load(globals.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		return exitError
	}
	if globals.stateDir != "" {
		cfg.StateDir = globals.stateDir
	}

	a := &app{
		cfg:           cfg,
		archiveStore:  archive.NewStore(stateDir(cfg)),
		recoveryStore: recoverymem.NewStore(stateDir(cfg)),
		evidenceStore: releaseevidence.NewStore(stateDir(cfg)),
	}

	ctx := context.Background()
	out, err := dispatch(ctx, a, command, rest, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isPolicyError(err) {
			return exitPolicy
		}
		return exitError
	}
	emit(out, globals.jsonOutput)
	return exitSuccess
}

func dispatch(ctx context.Context, a *app, command string, args []string, g globalFlags) (any, error) {
	switch command {
	case "close-loop":
		return a.runCloseLoop(ctx, args, g)
	case "close-loop-batch":
		return a.runCloseLoopBatch(ctx, args, g)
	case "close-loop-program":
		return a.runCloseLoopProgram(ctx, args, g)
	case "close-loop-controller":
		return a.runCloseLoopController(ctx, args, g)
	case "close-loop-recover":
		return a.runCloseLoopRecover(ctx, args, g)
	case "session", "spec-session", "batch-session", "controller-session":
		return a.runSessionFamily(command, args)
	case "governance":
		return a.runGovernance(ctx, args, g)
	case "recovery-memory":
		return a.runRecoveryMemory(args)
	case "handoff":
		return a.runHandoff(args)
	case "kpi":
		return a.runKPI(args)
	case "observability":
		return a.runObservability(ctx, args)
	case "schema":
		return a.runSchema(args)
	case "serve":
		return a.runServe(ctx, args)
	case "version":
		return fmt.Sprintf("auto %s (commit %s)", version, commit), nil
	case "help", "--help", "-h":
		printUsage()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func isPolicyError(err error) bool {
	return errors.Is(err, errs.ErrGateBlocked) || errors.Is(err, errs.ErrPolicyDrift)
}

func stateDir(cfg config.Config) string {
	if cfg.StateDir == "" {
		return cfg.ProjectRoot
	}
	if cfg.ProjectRoot == "" || cfg.ProjectRoot == "." {
		return cfg.StateDir
	}
	return cfg.ProjectRoot + "/" + cfg.StateDir
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `auto - autonomous spec-driven delivery engine

Usage:
  auto <command> [arguments] [flags]

Commands:
  close-loop "<goal>"                 run one goal through the close-loop state machine
  close-loop-batch <goals-file>       run many goals under shared scheduling
  close-loop-program "<goal>"         decompose a goal and run it as a gated program
  close-loop-controller [queue-file]  drain a queue file under a lease
  close-loop-recover [summary]        resume a goal via recovery-memory guidance
  session|spec-session|batch-session|controller-session {list|stats|prune}
  governance {stats|maintain|close-loop}
  recovery-memory {show|scopes|prune|clear}
  kpi trend
  observability snapshot
  schema {check|migrate}
  handoff {plan|queue|template-diff|capability-matrix|run|regression|evidence|gate-index}
  serve                                start the read-only MCP tool surface and governance cron loop

Global flags:
  --config <path>      config file (default: none, built-in defaults apply)
  --state-dir <path>    override the configured state directory
  --json                machine-readable output
  --dry-run             report planned state changes without applying them`)
}
