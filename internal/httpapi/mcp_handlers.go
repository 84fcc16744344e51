package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/mcp"
)

func (g *Gateway) registerMCPRoutes() {
	g.group.Get("/mcp/servers", g.handleMCPServers,
		okapi.DocSummary("List registered MCP servers"),
		okapi.DocTags("MCP"),
		okapi.DocResponse([]ServerStatusResponse{}),
	)
	g.group.Get("/mcp/tools", g.handleMCPTools,
		okapi.DocSummary("List all discovered MCP tools"),
		okapi.DocTags("MCP"),
		okapi.DocResponse([]ToolResponse{}),
	)
	g.group.Get("/mcp/servers/{name}/tools", g.handleMCPServerTools,
		okapi.DocSummary("List tools on one MCP server"),
		okapi.DocTags("MCP"),
		okapi.DocPathParam("name", "string", "Server name"),
		okapi.DocResponse([]ToolResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/mcp/tools/stubs", g.handleMCPStubs,
		okapi.DocSummary("Render Python call stubs for all tools"),
		okapi.DocTags("MCP"),
		okapi.DocResponse(StubsResponse{}),
	)
	g.group.Post("/mcp/tools/call", g.handleMCPCall,
		okapi.DocSummary("Invoke an MCP tool"),
		okapi.DocTags("MCP"),
		okapi.DocRequestBody(ToolCallRequest{}),
		okapi.DocResponse(ToolCallResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
}

// ServerStatusResponse is one MCP server in GET /v1/mcp/servers.
type ServerStatusResponse struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Available bool   `json:"available"`
	ToolCount int    `json:"tool_count"`
	LastError string `json:"last_error,omitempty"`
}

// ToolResponse is one tool in the tool listing endpoints.
type ToolResponse struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func toolResponses(schemas []mcp.ToolSchema) []ToolResponse {
	out := make([]ToolResponse, len(schemas))
	for i, s := range schemas {
		out[i] = ToolResponse{
			Name:        s.Name,
			Server:      s.Server,
			Description: s.Description,
			InputSchema: s.InputSchema,
		}
	}
	return out
}

func (g *Gateway) handleMCPServers(c *okapi.Context) error {
	statuses := g.registry.ListServers()
	out := make([]ServerStatusResponse, len(statuses))
	for i, s := range statuses {
		out[i] = ServerStatusResponse{
			Name:      s.Name,
			Transport: s.Transport,
			Available: s.Available,
			ToolCount: s.ToolCount,
			LastError: s.LastError,
		}
	}
	return c.OK(out)
}

func (g *Gateway) handleMCPTools(c *okapi.Context) error {
	return c.OK(toolResponses(g.registry.ListTools()))
}

func (g *Gateway) handleMCPServerTools(c *okapi.Context) error {
	schemas, err := g.registry.DiscoverTools(c.Param("name"))
	if err != nil {
		if errors.Is(err, mcp.ErrServerUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "server unavailable"})
		}
		return c.AbortInternalServerError("tool discovery failed")
	}
	return c.OK(toolResponses(schemas))
}

// StubsResponse carries the generated Python bindings module.
type StubsResponse struct {
	Module string `json:"module"`
}

// handleMCPStubs renders the Python bindings module for every registered
// tool. The output is deterministic for a given tool set.
func (g *Gateway) handleMCPStubs(c *okapi.Context) error {
	return c.OK(StubsResponse{Module: mcp.GenerateModule(g.registry.ListTools())})
}

// ToolCallRequest is the JSON body for POST /v1/mcp/tools/call.
type ToolCallRequest struct {
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse is the JSON result of a tool invocation.
type ToolCallResponse struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

func (g *Gateway) handleMCPCall(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req ToolCallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("tool is required")
	}
	if req.Tool == "" {
		return c.AbortBadRequest("tool is required")
	}
	if req.SessionID == "" {
		return c.AbortBadRequest("session_id is required")
	}

	g.logger.Info("http tool call",
		slog.String("user_id", c.GetString("userID")),
		slog.String("session_id", req.SessionID),
		slog.String("tool", req.Tool),
	)

	output, err := g.sessions.CallTool(c.Context(), req.SessionID, req.Tool, req.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, mcp.ErrToolNotFound):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "tool not found"})
		case errors.Is(err, mcp.ErrServerUnavailable):
			return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "server unavailable"})
		default:
			g.logger.Error("tool call failed",
				slog.String("tool", req.Tool),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("tool call failed")
		}
	}

	return c.OK(ToolCallResponse{Tool: req.Tool, Output: output})
}
