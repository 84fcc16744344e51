package mcp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// fakeCaller is an in-memory toolCaller.
type fakeCaller struct {
	results map[string]string
	err     error
	closed  bool
}

func (f *fakeCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := f.results[req.Params.Name]
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}, nil
}

func (f *fakeCaller) Close() error {
	f.closed = true
	return nil
}

func searchSchema(serverName string) ToolSchema {
	return ToolSchema{
		Name:        "search",
		Server:      serverName,
		Description: "Search for documents.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query."},
			},
			"required": []any{"query"},
		},
	}
}

func newTestRegistry(logBuf *bytes.Buffer) *Registry {
	var handler slog.Handler
	if logBuf != nil {
		handler = slog.NewTextHandler(logBuf, nil)
	} else {
		handler = slog.NewTextHandler(&bytes.Buffer{}, nil)
	}
	return NewRegistry(time.Second, slog.New(handler))
}

func TestDuplicateToolFirstRegisteredWins(t *testing.T) {
	var logBuf bytes.Buffer
	r := newTestRegistry(&logBuf)

	first := &fakeCaller{results: map[string]string{"search": "from alpha"}}
	second := &fakeCaller{results: map[string]string{"search": "from beta"}}

	r.registerTools(&server{name: "alpha", transport: "stdio"}, first, []ToolSchema{searchSchema("alpha")})
	r.registerTools(&server{name: "beta", transport: "stdio"}, second, []ToolSchema{searchSchema("beta")})

	tools := r.ListTools()
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1 (flat namespace)", len(tools))
	}
	if tools[0].Server != "alpha" {
		t.Errorf("search owned by %q, want alpha (first registered)", tools[0].Server)
	}

	// The conflict is logged.
	if !strings.Contains(logBuf.String(), "conflict") {
		t.Error("duplicate registration should log a conflict")
	}

	// Calls route to the first server.
	out, err := r.CallTool(context.Background(), "search", map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out != "from alpha" {
		t.Errorf("output = %q, want %q", out, "from alpha")
	}
}

func TestCallToolNotFound(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.CallTool(context.Background(), "missing", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("CallTool() error = %v, want ErrToolNotFound", err)
	}
}

func TestCallToolMissingRequiredArg(t *testing.T) {
	r := newTestRegistry(nil)
	r.registerTools(&server{name: "alpha"}, &fakeCaller{}, []ToolSchema{searchSchema("alpha")})

	_, err := r.CallTool(context.Background(), "search", map[string]any{})
	if err == nil {
		t.Fatal("CallTool() without required arg should fail")
	}
	if !strings.Contains(err.Error(), "query") {
		t.Errorf("error = %v, want mention of missing arg", err)
	}
}

func TestCallToolServerUnavailable(t *testing.T) {
	r := newTestRegistry(nil)
	srv := &server{name: "alpha"}
	r.registerTools(srv, &fakeCaller{}, []ToolSchema{searchSchema("alpha")})
	r.markUnavailable(srv, errors.New("connection lost"))

	_, err := r.CallTool(context.Background(), "search", map[string]any{"query": "x"})
	if !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("CallTool() error = %v, want ErrServerUnavailable", err)
	}
}

func TestCallToolRemoteError(t *testing.T) {
	r := newTestRegistry(nil)
	caller := &fakeCaller{err: errors.New("remote exploded")}
	r.registerTools(&server{name: "alpha"}, caller, []ToolSchema{searchSchema("alpha")})

	_, err := r.CallTool(context.Background(), "search", map[string]any{"query": "x"})
	if err == nil || !strings.Contains(err.Error(), "remote exploded") {
		t.Fatalf("CallTool() error = %v, want wrapped remote error", err)
	}
}

func TestDiscoverTools(t *testing.T) {
	r := newTestRegistry(nil)
	schemas := []ToolSchema{
		searchSchema("alpha"),
		{Name: "fetch", Server: "alpha", InputSchema: map[string]any{"type": "object"}},
	}
	r.registerTools(&server{name: "alpha"}, &fakeCaller{}, schemas)

	got, err := r.DiscoverTools("alpha")
	if err != nil {
		t.Fatalf("DiscoverTools() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Sorted by name.
	if got[0].Name != "fetch" || got[1].Name != "search" {
		t.Errorf("order = [%s, %s], want [fetch, search]", got[0].Name, got[1].Name)
	}

	if _, err := r.DiscoverTools("unknown"); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("DiscoverTools(unknown) error = %v, want ErrServerUnavailable", err)
	}
}

func TestListServers(t *testing.T) {
	r := newTestRegistry(nil)
	r.registerTools(&server{name: "alpha", transport: "stdio"}, &fakeCaller{}, []ToolSchema{searchSchema("alpha")})

	srvB := &server{name: "beta", transport: "sse"}
	r.mu.Lock()
	r.servers["beta"] = srvB
	r.order = append(r.order, "beta")
	r.mu.Unlock()
	r.markUnavailable(srvB, errors.New("handshake failed"))

	statuses := r.ListServers()
	if len(statuses) != 2 {
		t.Fatalf("len = %d, want 2", len(statuses))
	}
	if !statuses[0].Available || statuses[0].ToolCount != 1 {
		t.Errorf("alpha status = %+v, want available with 1 tool", statuses[0])
	}
	if statuses[1].Available || statuses[1].LastError == "" {
		t.Errorf("beta status = %+v, want unavailable with error", statuses[1])
	}
}

func TestCloseMarksServersUnavailable(t *testing.T) {
	r := newTestRegistry(nil)
	caller := &fakeCaller{}
	r.registerTools(&server{name: "alpha"}, caller, []ToolSchema{searchSchema("alpha")})

	r.Close()

	if !caller.closed {
		t.Error("Close() should close the client")
	}
	if _, err := r.CallTool(context.Background(), "search", map[string]any{"query": "x"}); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("CallTool() after Close error = %v, want ErrServerUnavailable", err)
	}
}

func TestCallToolConcurrentWithClose(t *testing.T) {
	r := newTestRegistry(nil)
	srv := &server{name: "alpha"}
	r.registerTools(srv, &fakeCaller{}, []ToolSchema{searchSchema("alpha")})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			// Either outcome is fine; the call must not observe a
			// half-closed server.
			_, _ = r.CallTool(context.Background(), "search", map[string]any{"query": "x"})
		}
	}()

	r.markUnavailable(srv, errors.New("connection lost"))
	r.Close()
	<-done
}

func TestFormatContent(t *testing.T) {
	got := formatContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "line one"},
		mcp.TextContent{Type: "text", Text: "line two"},
	})
	if got != "line one\nline two" {
		t.Errorf("formatContent() = %q", got)
	}
}
