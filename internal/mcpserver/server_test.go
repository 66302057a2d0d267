package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/autoloop/internal/archive"
	"github.com/marcus-qen/autoloop/internal/governance"
	"github.com/marcus-qen/autoloop/internal/recoverymem"
	"github.com/marcus-qen/autoloop/internal/releaseevidence"
)

func newTestMCPServer(t *testing.T) (*MCPServer, *archive.Store, *recoverymem.Store, *releaseevidence.Store) {
	t.Helper()
	dir := t.TempDir()

	archiveStore := archive.NewStore(dir)
	recoveryStore := recoverymem.NewStore(dir)
	evidenceStore := releaseevidence.NewStore(dir)

	srv := New(archiveStore, recoveryStore, logr.Discard(),
		WithReleaseEvidence(evidenceStore),
		WithHealthInput(func() governance.HealthInput { return governance.HealthInput{} }),
	)
	return srv, archiveStore, recoveryStore, evidenceStore
}

func connectClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
		}
	})

	return session
}

func decodeToolJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %#v", result)
	}

	var text string
	switch content := result.Content[0].(type) {
	case *mcp.TextContent:
		text = content.Text
	default:
		t.Fatalf("unexpected content type %T", result.Content[0])
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("decode tool json: %v (text=%q)", err, text)
	}
}

func TestToolsRegistered(t *testing.T) {
	srv, _, _, _ := newTestMCPServer(t)
	session := connectClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"governance_stats",
		"recoverymemory_show",
		"release_evidence_list",
		"session_list",
		"session_show",
	}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestSessionListTool(t *testing.T) {
	srv, archiveStore, _, _ := newTestMCPServer(t)
	session, err := archiveStore.Create(archive.KindCloseLoop, "cl-1", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := session.Finalize(archive.StatusCompleted, nil); err != nil {
		t.Fatalf("finalize session: %v", err)
	}

	client := connectClient(t, srv)
	result, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "session_list",
		Arguments: map[string]any{"kind": "close-loop"},
	})
	if err != nil {
		t.Fatalf("call session_list: %v", err)
	}

	var summaries []archive.Summary
	decodeToolJSON(t, result, &summaries)
	if len(summaries) != 1 || summaries[0].SessionID != "cl-1" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestSessionListRejectsUnknownKind(t *testing.T) {
	srv, _, _, _ := newTestMCPServer(t)
	client := connectClient(t, srv)

	_, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "session_list",
		Arguments: map[string]any{"kind": "not-a-kind"},
	})
	if err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestGovernanceStatsTool(t *testing.T) {
	srv, _, _, _ := newTestMCPServer(t)
	client := connectClient(t, srv)

	result, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "governance_stats",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("call governance_stats: %v", err)
	}

	var health governance.Health
	decodeToolJSON(t, result, &health)
}

func TestRecoveryMemoryShowTool(t *testing.T) {
	srv, _, recoveryStore, _ := newTestMCPServer(t)
	if err := recoveryStore.RecordOutcome("writer-1", "scope-a", "sig-1", "retry", true); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	client := connectClient(t, srv)
	result, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "recoverymemory_show",
		Arguments: map[string]any{"scope": "scope-a"},
	})
	if err != nil {
		t.Fatalf("call recoverymemory_show: %v", err)
	}

	var shown map[string][]recoverymem.ScopeSummary
	decodeToolJSON(t, result, &shown)
	if len(shown["scope-a"]) != 1 {
		t.Fatalf("unexpected scope summary: %+v", shown)
	}
}

func TestReleaseEvidenceListTool(t *testing.T) {
	srv, _, _, evidenceStore := newTestMCPServer(t)
	if err := evidenceStore.Append("writer-1", "scope-a", releaseevidence.Outcome{SessionID: "s1", Status: "completed"}); err != nil {
		t.Fatalf("append outcome: %v", err)
	}

	client := connectClient(t, srv)
	result, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "release_evidence_list",
		Arguments: map[string]any{"scope": "scope-a"},
	})
	if err != nil {
		t.Fatalf("call release_evidence_list: %v", err)
	}

	var outcomes []releaseevidence.Outcome
	decodeToolJSON(t, result, &outcomes)
	if len(outcomes) != 1 || outcomes[0].SessionID != "s1" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}
