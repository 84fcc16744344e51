// Package mcp maintains connections to external MCP (Model Context
// Protocol) servers, aggregates their tools into one flat namespace, and
// exposes a uniform calling interface plus Python stub generation for
// agent-authored code.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/sanduku/internal/config"
)

// ErrToolNotFound is returned by CallTool for an unknown tool name.
var ErrToolNotFound = errors.New("tool not found")

// ErrServerUnavailable is returned when the owning server failed its
// handshake or has been closed.
var ErrServerUnavailable = errors.New("mcp server unavailable")

const defaultCallTimeout = 60 * time.Second

// ToolSchema describes one discovered tool.
type ToolSchema struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ServerStatus is the registry's view of one configured server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Available bool   `json:"available"`
	ToolCount int    `json:"tool_count"`
	LastError string `json:"last_error,omitempty"`
}

// toolCaller is the slice of the MCP client the registry needs at call
// time. Satisfied by mcpclient.MCPClient; tests substitute fakes.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type server struct {
	name      string
	transport string
	client    toolCaller
	available bool
	lastError string
	toolCount int
}

type registeredTool struct {
	schema ToolSchema
	server *server
}

// Registry aggregates tools across all configured MCP servers.
// Duplicate tool names resolve first-registered-wins: registration order
// is config order, so precedence is deterministic.
type Registry struct {
	logger      *slog.Logger
	callTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*server
	order   []string
	tools   map[string]*registeredTool
}

// NewRegistry creates an empty registry. callTimeout bounds each CallTool;
// zero means the 60s default.
func NewRegistry(callTimeout time.Duration, logger *slog.Logger) *Registry {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Registry{
		logger:      logger,
		callTimeout: callTimeout,
		servers:     make(map[string]*server),
		tools:       make(map[string]*registeredTool),
	}
}

// RegisterAll connects every configured server. Failures are logged and
// the server marked unavailable; they never abort registry initialization.
func (r *Registry) RegisterAll(ctx context.Context, cfgs []config.MCPServerConfig) {
	for _, cfg := range cfgs {
		if err := r.RegisterServer(ctx, cfg); err != nil {
			r.logger.ErrorContext(ctx, "mcp server registration failed",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RegisterServer connects to one MCP server, performs the initialization
// handshake, and registers its discovered tools. On failure the server is
// recorded as unavailable and the error returned.
func (r *Registry) RegisterServer(ctx context.Context, cfg config.MCPServerConfig) error {
	srv := &server{name: cfg.Name, transport: cfg.Transport}
	r.mu.Lock()
	if _, exists := r.servers[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("mcp server %q already registered", cfg.Name)
	}
	r.servers[cfg.Name] = srv
	r.order = append(r.order, cfg.Name)
	r.mu.Unlock()

	c, err := createClient(cfg)
	if err != nil {
		r.markUnavailable(srv, err)
		return fmt.Errorf("creating mcp client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "sanduku",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		r.markUnavailable(srv, err)
		return fmt.Errorf("mcp initialize for %q: %w", cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		r.markUnavailable(srv, err)
		return fmt.Errorf("mcp list tools for %q: %w", cfg.Name, err)
	}

	schemas := make([]ToolSchema, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name,
			Server:      cfg.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}

	r.registerTools(srv, c, schemas)

	r.logger.InfoContext(ctx, "mcp server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(schemas)),
	)
	return nil
}

// registerTools marks the server available and adds its tools to the flat
// namespace. First-registered-wins: a name already taken by an earlier
// server is skipped with a logged conflict.
func (r *Registry) registerTools(srv *server, client toolCaller, schemas []ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv.client = client
	srv.available = true
	srv.lastError = ""
	if _, tracked := r.servers[srv.name]; !tracked {
		r.servers[srv.name] = srv
		r.order = append(r.order, srv.name)
	}

	for _, schema := range schemas {
		if existing, taken := r.tools[schema.Name]; taken {
			r.logger.Warn("mcp tool name conflict, keeping first registration",
				slog.String("tool", schema.Name),
				slog.String("kept_server", existing.schema.Server),
				slog.String("skipped_server", srv.name),
			)
			continue
		}
		r.tools[schema.Name] = &registeredTool{schema: schema, server: srv}
		srv.toolCount++
	}
}

func (r *Registry) markUnavailable(srv *server, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv.available = false
	srv.lastError = err.Error()
}

// DiscoverTools returns the tools one server contributed to the namespace.
func (r *Registry) DiscoverTools(serverName string) ([]ToolSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	srv, ok := r.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("mcp server %q: %w", serverName, ErrServerUnavailable)
	}
	if !srv.available {
		return nil, fmt.Errorf("mcp server %q (%s): %w", serverName, srv.lastError, ErrServerUnavailable)
	}

	var schemas []ToolSchema
	for _, rt := range r.tools {
		if rt.server == srv {
			schemas = append(schemas, rt.schema)
		}
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas, nil
}

// ListTools returns every registered tool, sorted by name.
func (r *Registry) ListTools() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]ToolSchema, 0, len(r.tools))
	for _, rt := range r.tools {
		schemas = append(schemas, rt.schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// ListServers returns the status of every configured server in
// registration order.
func (r *Registry) ListServers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(r.order))
	for _, name := range r.order {
		srv := r.servers[name]
		statuses = append(statuses, ServerStatus{
			Name:      srv.name,
			Transport: srv.transport,
			Available: srv.available,
			ToolCount: srv.toolCount,
			LastError: srv.lastError,
		})
	}
	return statuses
}

// CallTool invokes a tool by its flat-namespace name under the per-call
// timeout. Missing required arguments are rejected before the call goes
// out.
func (r *Registry) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	// Server fields are snapshotted under the lock; Close and
	// markUnavailable mutate them concurrently.
	r.mu.RLock()
	rt, ok := r.tools[toolName]
	if !ok {
		r.mu.RUnlock()
		return "", fmt.Errorf("tool %q: %w", toolName, ErrToolNotFound)
	}
	serverName := rt.server.name
	client := rt.server.client
	available := rt.server.available
	schema := rt.schema
	r.mu.RUnlock()

	if !available || client == nil {
		return "", fmt.Errorf("tool %q on server %q: %w", toolName, serverName, ErrServerUnavailable)
	}

	if err := validateArgs(schema, args); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = args

	r.logger.InfoContext(ctx, "mcp tool call",
		slog.String("server", serverName),
		slog.String("tool", toolName),
	)

	result, err := client.CallTool(ctx, callReq)
	if err != nil {
		return "", fmt.Errorf("mcp call %s/%s failed: %w", serverName, toolName, err)
	}

	output := formatContent(result.Content)
	if result.IsError {
		return output, fmt.Errorf("mcp call %s/%s returned error: %s", serverName, toolName, output)
	}
	return output, nil
}

// validateArgs checks the schema's required list against the call args.
func validateArgs(schema ToolSchema, args map[string]any) error {
	required, _ := schema.InputSchema["required"].([]any)
	for _, req := range required {
		key, ok := req.(string)
		if !ok {
			continue
		}
		if _, exists := args[key]; !exists {
			return fmt.Errorf("tool %q: missing required argument %q", schema.Name, key)
		}
	}
	return nil
}

// Close shuts down every server connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, srv := range r.servers {
		if srv.client == nil {
			continue
		}
		if err := srv.client.Close(); err != nil {
			r.logger.Error("closing mcp client",
				slog.String("server", srv.name),
				slog.String("error", err.Error()),
			)
		}
		srv.available = false
		srv.client = nil
	}
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Non-text content (image, audio, resource) serializes as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// createClient creates the MCP client for the configured transport.
func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema converts the MCP ToolInputSchema to a plain map.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, req := range schema.Required {
			reqAny[i] = req
		}
		result["required"] = reqAny
	}
	return result
}

// expandEnvList converts key→value to "KEY=expanded" pairs.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvMap returns a copy with values expanded via os.ExpandEnv.
func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
