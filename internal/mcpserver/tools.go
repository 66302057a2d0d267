/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/governance"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
)

type sessionListInput struct {
	Kind   string `json:"kind" jsonschema:"session kind: close-loop, batch, program, controller, governance, or spec-artifact"`
	Status string `json:"status,omitempty" jsonschema:"optional status filter: running, completed, failed, cancelled"`
	Days   int    `json:"days,omitempty" jsonschema:"optional recency filter in days"`
	Limit  int    `json:"limit,omitempty" jsonschema:"optional result cap (default 50)"`
}

type sessionShowInput struct {
	Kind      string `json:"kind" jsonschema:"session kind: close-loop, batch, program, controller, governance, or spec-artifact"`
	SessionID string `json:"session_id" jsonschema:"session identifier to load"`
}

type governanceStatsInput struct {
	Kind string `json:"kind,omitempty" jsonschema:"accepted but not used: stats always cover close-loop, batch and controller sessions"`
}

type recoveryMemoryShowInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"optional scope filter; omitted lists every known scope"`
}

type releaseEvidenceListInput struct {
	Scope string `json:"scope" jsonschema:"release-evidence scope to list outcomes for"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "session_list",
		Description: "List archived sessions for a kind with status/recency filtering",
	}, s.handleSessionList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "session_show",
		Description: "Load the full snapshot for one archived session",
	}, s.handleSessionShow)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "governance_stats",
		Description: "Assess current cross-archive health: risk, release-gate readiness, concerns, and stats",
	}, s.handleGovernanceStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "recoverymemory_show",
		Description: "Show recovery-memory aggregates (per-signature action success rates) for a scope, or all scopes",
	}, s.handleRecoveryMemoryShow)

	if s.evidenceStore != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "release_evidence_list",
			Description: "List recorded release-evidence outcomes for a scope",
		}, s.handleReleaseEvidenceList)
	}
}

func (s *MCPServer) handleSessionList(_ context.Context, _ *mcp.CallToolRequest, input sessionListInput) (*mcp.CallToolResult, any, error) {
	if s.archiveStore == nil {
		return nil, nil, fmt.Errorf("archive store unavailable")
	}
	kind, err := parseKind(input.Kind)
	if err != nil {
		return nil, nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	summaries, errs := s.archiveStore.List(kind, archive.ListFilter{
		Status: strings.TrimSpace(input.Status),
		Days:   input.Days,
		Limit:  limit,
	})
	for _, e := range errs {
		s.log.Error(e, "skipped corrupt session snapshot while listing", "kind", kind)
	}
	return jsonToolResult(summaries)
}

func (s *MCPServer) handleSessionShow(_ context.Context, _ *mcp.CallToolRequest, input sessionShowInput) (*mcp.CallToolResult, any, error) {
	if s.archiveStore == nil {
		return nil, nil, fmt.Errorf("archive store unavailable")
	}
	kind, err := parseKind(input.Kind)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(input.SessionID) == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}

	snapshot, err := s.archiveStore.Load(kind, input.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(snapshot)
}

func (s *MCPServer) handleGovernanceStats(_ context.Context, _ *mcp.CallToolRequest, input governanceStatsInput) (*mcp.CallToolResult, any, error) {
	if s.archiveStore == nil {
		return nil, nil, fmt.Errorf("archive store unavailable")
	}

	var healthInput governance.HealthInput
	if s.healthInput != nil {
		healthInput = s.healthInput()
	}

	health := governance.AssessHealth(s.archiveStore, healthInput)
	return jsonToolResult(health)
}

func (s *MCPServer) handleRecoveryMemoryShow(_ context.Context, _ *mcp.CallToolRequest, input recoveryMemoryShowInput) (*mcp.CallToolResult, any, error) {
	if s.recoveryStore == nil {
		return nil, nil, fmt.Errorf("recovery memory store unavailable")
	}

	if strings.TrimSpace(input.Scope) == "" {
		scopes, err := s.recoveryStore.Scopes()
		if err != nil {
			return nil, nil, err
		}
		out := map[string][]recoverymem.ScopeSummary{}
		for _, scope := range scopes {
			shown, err := s.recoveryStore.Show(scope)
			if err != nil {
				return nil, nil, err
			}
			out[scope] = shown[scope]
		}
		return jsonToolResult(out)
	}

	shown, err := s.recoveryStore.Show(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(shown)
}

func (s *MCPServer) handleReleaseEvidenceList(_ context.Context, _ *mcp.CallToolRequest, input releaseEvidenceListInput) (*mcp.CallToolResult, any, error) {
	if s.evidenceStore == nil {
		return nil, nil, fmt.Errorf("release evidence store unavailable")
	}
	if strings.TrimSpace(input.Scope) == "" {
		return nil, nil, fmt.Errorf("scope is required")
	}

	outcomes, err := s.evidenceStore.List(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(outcomes)
}

func parseKind(raw string) (archive.Kind, error) {
	switch strings.TrimSpace(raw) {
	case string(archive.KindCloseLoop):
		return archive.KindCloseLoop, nil
	case string(archive.KindBatch):
		return archive.KindBatch, nil
	case string(archive.KindProgram):
		return archive.KindProgram, nil
	case string(archive.KindController):
		return archive.KindController, nil
	case string(archive.KindGovernance):
		return archive.KindGovernance, nil
	case string(archive.KindSpecArtifact):
		return archive.KindSpecArtifact, nil
	default:
		return "", fmt.Errorf("invalid kind %q", raw)
	}
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
