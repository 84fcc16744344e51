package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

func (g *Gateway) registerSandboxRoutes() {
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Get or create the session's sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get sandbox status"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/pause", g.handleSandboxPause,
		okapi.DocSummary("Pause a running sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/resume", g.handleSandboxResume,
		okapi.DocSummary("Resume a paused sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/stop", g.handleSandboxStop,
		okapi.DocSummary("Stop a sandbox without deleting it"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Delete a sandbox permanently"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Post("/sandboxes/{id}/commands", g.handleCommandRun,
		okapi.DocSummary("Execute a shell command in the sandbox"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(CommandResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	if g.validator != nil {
		g.group.Post("/sandboxes/{id}/code", g.handleCodeRun,
			okapi.DocSummary("Validate and execute Python code in the sandbox"),
			okapi.DocTags("Commands"),
			okapi.DocPathParam("id", "string", "Sandbox ID"),
			okapi.DocRequestBody(CodeRequest{}),
			okapi.DocResponse(CommandResponse{}),
			okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		)
	}
	g.group.Get("/sandboxes/{id}/files", g.handleFileRead,
		okapi.DocSummary("Read a file from the sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/files", g.handleFileWrite,
		okapi.DocSummary("Write a file into the sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
	)
	g.group.Post("/sandboxes/schedule-timeout", g.handleScheduleTimeout,
		okapi.DocSummary("Re-arm the lease timer for a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(ScheduleTimeoutRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/extend-lease", g.handleLeaseExtend,
		okapi.DocSummary("Extend the sandbox's running lease"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/expose", g.handleExposePort,
		okapi.DocSummary("Expose a sandbox port publicly"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExposeRequest{}),
		okapi.DocResponse(ExposeResponse{}),
	)
}

// SandboxCreateRequest is the JSON body for POST /v1/sandboxes.
type SandboxCreateRequest struct {
	SessionID string `json:"session_id"`
}

// SandboxResponse is the JSON representation of a sandbox.
type SandboxResponse struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	Provider       string            `json:"provider"`
	State          string            `json:"state"`
	WorkDir        string            `json:"work_dir,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	ExposedURLs    map[string]string `json:"exposed_urls,omitempty"`
}

func sandboxResponse(sb *sandbox.Sandbox) SandboxResponse {
	resp := SandboxResponse{
		ID:             sb.ID,
		SessionID:      sb.SessionID,
		Provider:       sb.Provider,
		State:          string(sb.State),
		WorkDir:        sb.WorkDir,
		CreatedAt:      sb.CreatedAt,
		LeaseExpiresAt: sb.LeaseExpiresAt,
		LastError:      sb.LastError,
	}
	if len(sb.ExposedURLs) > 0 {
		resp.ExposedURLs = make(map[string]string, len(sb.ExposedURLs))
		for port, url := range sb.ExposedURLs {
			resp.ExposedURLs[strconv.Itoa(port)] = url
		}
	}
	return resp
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("session_id is required")
	}
	if req.SessionID == "" {
		return c.AbortBadRequest("session_id is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http sandbox create",
		slog.String("user_id", c.GetString("userID")),
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", correlationID),
	)

	// Track the session so the idle sweep sees it.
	g.sessions.GetSession(c.Context(), req.SessionID)

	sb, err := g.controller.GetOrCreate(c.Context(), req.SessionID)
	if err != nil {
		g.logger.Error("sandbox create failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return sandboxError(c, err)
	}

	return c.JSON(http.StatusCreated, sandboxResponse(sb))
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	sb, err := g.controller.GetStatus(c.Context(), c.Param("id"))
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(sandboxResponse(sb))
}

func (g *Gateway) handleSandboxPause(c *okapi.Context) error {
	if err := g.controller.Pause(c.Context(), c.Param("id")); err != nil {
		return sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "paused"})
}

func (g *Gateway) handleSandboxResume(c *okapi.Context) error {
	if err := g.controller.Resume(c.Context(), c.Param("id")); err != nil {
		return sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "running"})
}

func (g *Gateway) handleSandboxStop(c *okapi.Context) error {
	if err := g.controller.Stop(c.Context(), c.Param("id")); err != nil {
		return sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "stopped"})
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	if err := g.controller.Delete(c.Context(), c.Param("id")); err != nil {
		return sandboxError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

// CommandRequest is the JSON body for POST /v1/sandboxes/{id}/commands.
type CommandRequest struct {
	Command        string            `json:"command"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Background     bool              `json:"background,omitempty"`
}

// CommandResponse is the JSON result of a command execution.
type CommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

func commandResponse(res *provider.CommandResult) CommandResponse {
	return CommandResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
	}
}

func (g *Gateway) handleCommandRun(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("command is required")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	res, err := g.controller.RunCommand(c.Context(), c.Param("id"), provider.CommandRequest{
		Command:    req.Command,
		WorkDir:    req.WorkDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Background: req.Background,
	})
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(commandResponse(res))
}

// CodeRequest is the JSON body for POST /v1/sandboxes/{id}/code.
type CodeRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// handleCodeRun validates the code, ships it into the sandbox, and runs it
// with the Python interpreter. Rejected code never reaches the sandbox.
func (g *Gateway) handleCodeRun(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req CodeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("code is required")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	if err := g.validator.Validate(req.Code); err != nil {
		return sandboxError(c, err)
	}

	id := c.Param("id")
	const scriptPath = "main.py"
	if err := g.controller.WriteFile(c.Context(), id, scriptPath, req.Code); err != nil {
		return sandboxError(c, err)
	}

	res, err := g.controller.RunCommand(c.Context(), id, provider.CommandRequest{
		Command: "python3 " + scriptPath,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(commandResponse(res))
}

// FileResponse is the JSON body for GET /v1/sandboxes/{id}/files.
type FileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path query parameter is required")
	}

	content, err := g.controller.ReadFile(c.Context(), c.Param("id"), path)
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(FileResponse{Path: path, Content: content})
}

// FileWriteRequest is the JSON body for POST /v1/sandboxes/{id}/files.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("path is required")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	if err := g.controller.WriteFile(c.Context(), c.Param("id"), req.Path, req.Content); err != nil {
		return sandboxError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "written"})
}

// ScheduleTimeoutRequest is the JSON body for POST /v1/sandboxes/schedule-timeout.
type ScheduleTimeoutRequest struct {
	SandboxID string `json:"sandbox_id"`
}

// handleScheduleTimeout re-arms the lease timer. Rescheduling replaces the
// pending pause task; it never duplicates it.
func (g *Gateway) handleScheduleTimeout(c *okapi.Context) error {
	var req ScheduleTimeoutRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("sandbox_id is required")
	}
	if req.SandboxID == "" {
		return c.AbortBadRequest("sandbox_id is required")
	}

	sb, err := g.controller.ExtendLease(c.Context(), req.SandboxID)
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(sandboxResponse(sb))
}

func (g *Gateway) handleLeaseExtend(c *okapi.Context) error {
	sb, err := g.controller.ExtendLease(c.Context(), c.Param("id"))
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(sandboxResponse(sb))
}

// ExposeRequest is the JSON body for POST /v1/sandboxes/{id}/expose.
type ExposeRequest struct {
	Port int `json:"port"`
}

// ExposeResponse is the JSON result of exposing a port.
type ExposeResponse struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

func (g *Gateway) handleExposePort(c *okapi.Context) error {
	var req ExposeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("port is required")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return c.AbortBadRequest("port must be between 1 and 65535")
	}

	url, err := g.controller.ExposePort(c.Context(), c.Param("id"), req.Port)
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(ExposeResponse{Port: req.Port, URL: url})
}
