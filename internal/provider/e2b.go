package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"
)

const (
	e2bDefaultDomain     = "e2b.app"
	e2bDefaultTemplate   = "base"
	e2bDefaultTimeoutSec = 300
	e2bMaxTimeoutSec     = 86400
	e2bEnvdPort          = 49983
	// Bounds control plane calls, file transfers, and commands that carry
	// no caller-supplied limit.
	e2bHTTPTimeout    = 60 * time.Second
	e2bDefaultWorkDir = "/home/user"
)

// E2BConfig configures the E2B adapter.
type E2BConfig struct {
	APIKey     string
	Domain     string // Default: "e2b.app".
	APIURL     string // Control plane base URL. Default: "https://api.{Domain}".
	Template   string // Default sandbox template. Default: "base".
	TimeoutSec int    // Provider-side sandbox timeout. Default: 300.
}

// E2B drives E2B cloud sandboxes over two REST surfaces: the control plane
// (create/connect/pause/delete) and the per-sandbox envd data plane
// (command execution and file I/O).
type E2B struct {
	cfg        E2BConfig
	httpClient *http.Client // control plane; client-level timeout
	dataClient *http.Client // envd; deadlines come from the request context
	logger     *slog.Logger
	envdBase   string // overrides the per-sandbox envd URL in tests
}

// NewE2B creates the E2B adapter. The API key is required.
func NewE2B(cfg E2BConfig, logger *slog.Logger) (*E2B, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b: api key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = e2bDefaultDomain
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	if cfg.Template == "" {
		cfg.Template = e2bDefaultTemplate
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = e2bDefaultTimeoutSec
	}
	if cfg.TimeoutSec > e2bMaxTimeoutSec {
		cfg.TimeoutSec = e2bMaxTimeoutSec
	}
	return &E2B{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: e2bHTTPTimeout},
		// No client-level timeout: a command may legitimately run longer
		// than any fixed cap, so its deadline is set per request.
		dataClient: &http.Client{},
		logger:     logger,
	}, nil
}

func (p *E2B) Name() string { return NameE2B }

type e2bCreateRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
	Secure     bool              `json:"secure"`
}

type e2bSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

// Create provisions a new E2B sandbox.
func (p *E2B) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	template := p.cfg.Template
	if req.Template != "" {
		template = req.Template
	}
	timeout := p.cfg.TimeoutSec
	if req.TimeoutSec > 0 && req.TimeoutSec <= e2bMaxTimeoutSec {
		timeout = req.TimeoutSec
	}

	body := e2bCreateRequest{
		TemplateID: template,
		Timeout:    timeout,
		Metadata:   req.Metadata,
		EnvVars:    req.Env,
		Secure:     true,
	}

	var resp e2bSandboxResponse
	err := withRetry(ctx, p.logger, "create", func() error {
		return p.controlPlane(ctx, http.MethodPost, "/sandboxes", body, &resp)
	})
	if err != nil {
		return nil, err
	}

	domain := resp.Domain
	if domain == "" {
		domain = p.cfg.Domain
	}

	p.logger.InfoContext(ctx, "e2b sandbox created",
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", template),
		slog.Int("timeout_sec", timeout),
	)

	return &Handle{
		ProviderID:  resp.SandboxID,
		Provider:    NameE2B,
		AccessToken: resp.EnvdAccessToken,
		Domain:      domain,
		WorkDir:     e2bDefaultWorkDir,
	}, nil
}

// Connect re-attaches to an existing sandbox, resuming it if paused.
// A provider-side 404 surfaces as ErrNotFound.
func (p *E2B) Connect(ctx context.Context, providerID string) (*Handle, error) {
	body := map[string]int{"timeout": p.cfg.TimeoutSec}

	var resp e2bSandboxResponse
	err := withRetry(ctx, p.logger, "connect", func() error {
		return p.controlPlane(ctx, http.MethodPost, "/sandboxes/"+providerID+"/connect", body, &resp)
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("e2b connect %s: %w", providerID, ErrNotFound)
		}
		return nil, err
	}

	domain := resp.Domain
	if domain == "" {
		domain = p.cfg.Domain
	}
	id := resp.SandboxID
	if id == "" {
		id = providerID
	}

	return &Handle{
		ProviderID:  id,
		Provider:    NameE2B,
		AccessToken: resp.EnvdAccessToken,
		Domain:      domain,
		WorkDir:     e2bDefaultWorkDir,
	}, nil
}

// RunCommand executes a command through the envd commands API.
func (p *E2B) RunCommand(ctx context.Context, h *Handle, req CommandRequest) (*CommandResult, error) {
	if req.Command == "" {
		return nil, &Error{Provider: NameE2B, Op: "run_command", Message: "empty command"}
	}

	command := req.Command
	workdir := req.WorkDir
	if workdir == "" {
		workdir = h.WorkDir
	}
	if workdir != "" {
		command = fmt.Sprintf("cd %q && %s", workdir, command)
	}
	for k, v := range req.Env {
		command = fmt.Sprintf("export %s=%q; %s", k, v, command)
	}
	if req.Background {
		command = fmt.Sprintf("nohup sh -c %q >/dev/null 2>&1 &", command)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e2bHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := map[string]any{
		"cmd":  "/bin/bash",
		"args": []string{"-l", "-c", command},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("e2b run_command: encoding request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.envdBaseURL(h)+"/commands/run", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Token", h.AccessToken)

	httpResp, err := p.dataClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("e2b run_command after %s: %w", timeout, ErrTimedOut)
		}
		return nil, &Error{Provider: NameE2B, Op: "run_command", Message: "envd request failed", Retryable: true, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(httpResp.Body)
		return nil, &Error{
			Provider:   NameE2B,
			Op:         "run_command",
			StatusCode: httpResp.StatusCode,
			Message:    string(errBody),
			Retryable:  retryableStatus(httpResp.StatusCode),
		}
	}

	if req.Background {
		return &CommandResult{Duration: time.Since(start)}, nil
	}

	var cmdResp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&cmdResp); err != nil {
		return nil, fmt.Errorf("e2b run_command: decoding result: %w", err)
	}

	stdout, truncated := capOutput(cmdResp.Stdout)
	stderr, _ := capOutput(cmdResp.Stderr)
	return &CommandResult{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  cmdResp.ExitCode,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

// ReadFile reads a file through the envd files endpoint.
func (p *E2B) ReadFile(ctx context.Context, h *Handle, filePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e2bHTTPTimeout)
	defer cancel()

	u := p.envdBaseURL(h) + "/files?path=" + url.QueryEscape(filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("X-Access-Token", h.AccessToken)

	resp, err := p.dataClient.Do(httpReq)
	if err != nil {
		return "", &Error{Provider: NameE2B, Op: "read_file", Message: "envd request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("e2b read_file %s: %w", filePath, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Provider:   NameE2B,
			Op:         "read_file",
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("e2b read_file: reading body: %w", err)
	}
	return string(data), nil
}

// WriteFile writes a file through the envd files endpoint (multipart POST).
// Parent directories are created first.
func (p *E2B) WriteFile(ctx context.Context, h *Handle, filePath, content string) error {
	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		if _, err := p.RunCommand(ctx, h, CommandRequest{Command: fmt.Sprintf("mkdir -p %q", dir)}); err != nil {
			p.logger.Warn("e2b mkdir for write failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filePath)
	if err != nil {
		return fmt.Errorf("e2b write_file: building multipart: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("e2b write_file: writing content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("e2b write_file: closing multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e2bHTTPTimeout)
	defer cancel()

	u := p.envdBaseURL(h) + "/files?path=" + url.QueryEscape(filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Access-Token", h.AccessToken)

	resp, err := p.dataClient.Do(httpReq)
	if err != nil {
		return &Error{Provider: NameE2B, Op: "write_file", Message: "envd request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return &Error{
			Provider:   NameE2B,
			Op:         "write_file",
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return nil
}

// Pause suspends the sandbox, preserving filesystem and memory state.
func (p *E2B) Pause(ctx context.Context, h *Handle) error {
	return withRetry(ctx, p.logger, "pause", func() error {
		return p.controlPlane(ctx, http.MethodPost, "/sandboxes/"+h.ProviderID+"/pause", nil, nil)
	})
}

// Stop maps to pause: E2B has no halted-but-resident state between
// paused and deleted.
func (p *E2B) Stop(ctx context.Context, h *Handle) error {
	return p.Pause(ctx, h)
}

// Delete removes the sandbox. A 404 means it is already gone and counts
// as success.
func (p *E2B) Delete(ctx context.Context, providerID string) error {
	err := withRetry(ctx, p.logger, "delete", func() error {
		return p.controlPlane(ctx, http.MethodDelete, "/sandboxes/"+providerID, nil, nil)
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	p.logger.InfoContext(ctx, "e2b sandbox deleted", slog.String("sandbox_id", providerID))
	return nil
}

// ExposePort returns the public URL E2B assigns to a sandbox port.
func (p *E2B) ExposePort(_ context.Context, h *Handle, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", &Error{Provider: NameE2B, Op: "expose_port", Message: fmt.Sprintf("invalid port %d", port)}
	}
	return fmt.Sprintf("https://%d-%s.%s", port, h.ProviderID, h.Domain), nil
}

// Health verifies control plane connectivity and the API key.
func (p *E2B) Health(ctx context.Context) error {
	var listed []json.RawMessage
	return p.controlPlane(ctx, http.MethodGet, "/v2/sandboxes?limit=1", nil, &listed)
}

func (p *E2B) envdBaseURL(h *Handle) string {
	if p.envdBase != "" {
		return p.envdBase
	}
	return fmt.Sprintf("https://%d-%s.%s", e2bEnvdPort, h.ProviderID, h.Domain)
}

// controlPlane issues one request against the E2B control plane API.
func (p *E2B) controlPlane(ctx context.Context, method, apiPath string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("e2b: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+apiPath, bodyReader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-API-Key", p.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Provider: NameE2B, Op: method + " " + apiPath, Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("e2b: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Provider:   NameE2B,
			Op:         method + " " + apiPath,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("e2b: decoding response: %w", err)
		}
	}
	return nil
}
