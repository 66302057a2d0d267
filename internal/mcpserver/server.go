/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mcpserver exposes a read-only MCP tool surface (session_list,
// governance_stats, recoverymemory_show, and a few neighboring read-only
// tools) over the session archive, governance health assessment, and
// recovery-memory store, for IDE/agent clients. Adapted from the teacher's
// internal/controlplane/mcpserver: same MCPServer/Option/New(...) shape,
// same mcp.AddTool/jsonToolResult tool-registration convention, same
// SSE-handler wiring — with the fleet/jobs/audit/kubeflow/grafana backends
// replaced by this repo's archive/governance/recoverymem stores, and every
// tool handler read-only (no run_command/decide_approval analogue exists
// here: this package never mutates state).
package mcpserver

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/governance"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
)

// Version is injected from the build metadata.
var Version = "dev"

// MCPServer exposes autoloop's session archive, governance health
// assessment, and recovery memory as read-only MCP tools.
type MCPServer struct {
	server  *mcp.Server
	handler http.Handler

	archiveStore  *archive.Store
	recoveryStore *recoverymem.Store
	evidenceStore *releaseevidence.Store
	healthInput   func() governance.HealthInput
	log           logr.Logger
}

// Option customizes MCP server wiring.
type Option func(*MCPServer)

// WithReleaseEvidence wires a release-evidence store for the
// release-evidence read tools. Omitted servers skip those tools.
func WithReleaseEvidence(store *releaseevidence.Store) Option {
	return func(s *MCPServer) {
		if s == nil {
			return
		}
		s.evidenceStore = store
	}
}

// WithHealthInput supplies the HealthInput governance_stats scores against.
// Called fresh on every governance_stats invocation so the tool reflects
// the caller's current thresholds/environment rather than a snapshot taken
// at server construction.
func WithHealthInput(fn func() governance.HealthInput) Option {
	return func(s *MCPServer) {
		if s == nil || fn == nil {
			return
		}
		s.healthInput = fn
	}
}

// New creates and wires the MCP server surface.
func New(archiveStore *archive.Store, recoveryStore *recoverymem.Store, log logr.Logger, opts ...Option) *MCPServer {
	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "autoloop",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:        srv,
		archiveStore:  archiveStore,
		recoveryStore: recoveryStore,
		log:           log.WithName("mcp"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
