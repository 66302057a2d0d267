/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus-qen/autoloop/internal/cron"
	"github.com/marcus-qen/autoloop/internal/governance"
	"github.com/marcus-qen/autoloop/internal/mcpserver"
)

// runServe answers "auto serve": starts the read-only MCP tool surface
// (internal/mcpserver) over HTTP and drives the governance maintenance
// cadence off internal/cron, the way the teacher's control-plane binary
// mounts its MCP handler and ticks its job scheduler in the same process.
// Not named in spec §6's command list (which scopes the CLI surface to
// the eleven one-shot/queue-driven commands) but required to give the
// cron/mcpserver domain-stack wiring a live entry point.
func (a *app) runServe(ctx context.Context, args []string) (any, error) {
	addr, args := flagValue(args, "--addr", ":8090")
	governanceSchedule, args := flagValue(args, "--governance-schedule", "15m")
	holderID, _ := flagValue(args, "--holder-id", "auto-serve")

	log := a.log()
	notifier := buildNotificationRouter(log)

	server := mcpserver.New(a.archiveStore, a.recoveryStore, log,
		mcpserver.WithReleaseEvidence(a.evidenceStore),
		mcpserver.WithHealthInput(func() governance.HealthInput { return governance.HealthInput{} }),
	)

	runner := cron.NewRunner(30*time.Second, log)
	if err := runner.AddJob("governance-maintain", governanceSchedule, func(ctx context.Context) error {
		_, err := governance.Run(ctx, a.archiveStore, a.recoveryStore, a.evidenceStore, governance.Config{
			Mode:      governance.ModeExecute,
			MaxRounds: 1,
			HolderID:  holderID,
			Notifier:  notifier,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("register governance cron job: %w", err)
	}

	go func() {
		if err := runner.Start(ctx); err != nil {
			log.Error(err, "cron runner stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.Handler())
	log.Info("serving MCP tools", "addr", addr)
	return nil, http.ListenAndServe(addr, mux)
}
