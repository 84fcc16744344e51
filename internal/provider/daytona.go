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
	"strings"
	"time"
)

const (
	daytonaDefaultAPIURL = "https://app.daytona.io/api"
	// Bounds control plane calls, file transfers, and commands that carry
	// no caller-supplied limit.
	daytonaHTTPTimeout    = 60 * time.Second
	daytonaDefaultWorkDir = "/home/daytona"
)

// DaytonaConfig configures the Daytona adapter.
type DaytonaConfig struct {
	APIKey   string
	APIURL   string // Default: "https://app.daytona.io/api".
	Snapshot string // Base snapshot for new sandboxes.
	Target   string // Region target ("us", "eu").
}

// Daytona drives Daytona cloud sandboxes. Lifecycle operations go through
// the /sandbox API; command execution and file I/O go through the per-sandbox
// toolbox API. Daytona's stop preserves filesystem state, so both Pause and
// Stop map onto it and Connect restarts stopped sandboxes.
type Daytona struct {
	cfg        DaytonaConfig
	httpClient *http.Client // control plane; client-level timeout
	dataClient *http.Client // toolbox; deadlines come from the request context
	logger     *slog.Logger
}

// NewDaytona creates the Daytona adapter. The API key is required.
func NewDaytona(cfg DaytonaConfig, logger *slog.Logger) (*Daytona, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("daytona: api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = daytonaDefaultAPIURL
	}
	return &Daytona{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: daytonaHTTPTimeout},
		// No client-level timeout: a command may legitimately run longer
		// than any fixed cap, so its deadline is set per request.
		dataClient: &http.Client{},
		logger:     logger,
	}, nil
}

func (p *Daytona) Name() string { return NameDaytona }

type daytonaSandbox struct {
	ID    string `json:"id"`
	State string `json:"state"` // "started", "stopped", ...
}

// Create provisions a new Daytona sandbox from the configured snapshot.
func (p *Daytona) Create(ctx context.Context, req CreateRequest) (*Handle, error) {
	snapshot := p.cfg.Snapshot
	if req.Template != "" {
		snapshot = req.Template
	}

	body := map[string]any{
		"snapshot": snapshot,
		"target":   p.cfg.Target,
		"envVars":  req.Env,
		"labels":   req.Metadata,
	}
	if req.TimeoutSec > 0 {
		// Daytona measures auto-stop in minutes.
		body["autoStopInterval"] = (req.TimeoutSec + 59) / 60
	}

	var sb daytonaSandbox
	err := withRetry(ctx, p.logger, "create", func() error {
		return p.api(ctx, http.MethodPost, "/sandbox", body, &sb)
	})
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "daytona sandbox created",
		slog.String("sandbox_id", sb.ID),
		slog.String("snapshot", snapshot),
	)

	return &Handle{
		ProviderID: sb.ID,
		Provider:   NameDaytona,
		WorkDir:    daytonaDefaultWorkDir,
	}, nil
}

// Connect looks up an existing sandbox and restarts it if stopped.
func (p *Daytona) Connect(ctx context.Context, providerID string) (*Handle, error) {
	var sb daytonaSandbox
	err := withRetry(ctx, p.logger, "connect", func() error {
		return p.api(ctx, http.MethodGet, "/sandbox/"+providerID, nil, &sb)
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("daytona connect %s: %w", providerID, ErrNotFound)
		}
		return nil, err
	}

	if !strings.EqualFold(sb.State, "started") {
		err := withRetry(ctx, p.logger, "start", func() error {
			return p.api(ctx, http.MethodPost, "/sandbox/"+providerID+"/start", nil, nil)
		})
		if err != nil {
			return nil, err
		}
	}

	return &Handle{
		ProviderID: providerID,
		Provider:   NameDaytona,
		WorkDir:    daytonaDefaultWorkDir,
	}, nil
}

// RunCommand executes a command through the toolbox process API.
func (p *Daytona) RunCommand(ctx context.Context, h *Handle, req CommandRequest) (*CommandResult, error) {
	if req.Command == "" {
		return nil, &Error{Provider: NameDaytona, Op: "run_command", Message: "empty command"}
	}

	command := req.Command
	for k, v := range req.Env {
		command = fmt.Sprintf("export %s=%q; %s", k, v, command)
	}
	if req.Background {
		command = fmt.Sprintf("nohup sh -c %q >/dev/null 2>&1 &", command)
	}

	workdir := req.WorkDir
	if workdir == "" {
		workdir = h.WorkDir
	}

	body := map[string]any{
		"command": command,
		"cwd":     workdir,
	}
	timeout := req.Timeout
	if timeout > 0 {
		body["timeout"] = int(timeout.Seconds())
	} else {
		timeout = daytonaHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var execResp struct {
		ExitCode int    `json:"exitCode"`
		Result   string `json:"result"`
	}
	if err := p.do(ctx, p.dataClient, http.MethodPost, p.toolboxPath(h, "/process/execute"), body, &execResp); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("daytona run_command after %s: %w", timeout, ErrTimedOut)
		}
		return nil, err
	}

	if req.Background {
		return &CommandResult{Duration: time.Since(start)}, nil
	}

	// The toolbox API interleaves stdout and stderr in one stream.
	stdout, truncated := capOutput(execResp.Result)
	return &CommandResult{
		Stdout:    stdout,
		ExitCode:  execResp.ExitCode,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

// ReadFile downloads a file through the toolbox files API.
func (p *Daytona) ReadFile(ctx context.Context, h *Handle, filePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, daytonaHTTPTimeout)
	defer cancel()

	u := p.cfg.APIURL + p.toolboxPath(h, "/files/download") + "?path=" + url.QueryEscape(filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.dataClient.Do(httpReq)
	if err != nil {
		return "", &Error{Provider: NameDaytona, Op: "read_file", Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("daytona read_file %s: %w", filePath, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Provider:   NameDaytona,
			Op:         "read_file",
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("daytona read_file: reading body: %w", err)
	}
	return string(data), nil
}

// WriteFile uploads a file through the toolbox files API.
func (p *Daytona) WriteFile(ctx context.Context, h *Handle, filePath, content string) error {
	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		if _, err := p.RunCommand(ctx, h, CommandRequest{Command: fmt.Sprintf("mkdir -p %q", dir)}); err != nil {
			p.logger.Warn("daytona mkdir for write failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", path.Base(filePath))
	if err != nil {
		return fmt.Errorf("daytona write_file: building multipart: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("daytona write_file: writing content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("daytona write_file: closing multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, daytonaHTTPTimeout)
	defer cancel()

	u := p.cfg.APIURL + p.toolboxPath(h, "/files/upload") + "?path=" + url.QueryEscape(filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.dataClient.Do(httpReq)
	if err != nil {
		return &Error{Provider: NameDaytona, Op: "write_file", Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return &Error{
			Provider:   NameDaytona,
			Op:         "write_file",
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return nil
}

// Pause stops the sandbox. Daytona's stop preserves filesystem state and
// is restartable, which matches pause semantics.
func (p *Daytona) Pause(ctx context.Context, h *Handle) error {
	return withRetry(ctx, p.logger, "pause", func() error {
		return p.api(ctx, http.MethodPost, "/sandbox/"+h.ProviderID+"/stop", nil, nil)
	})
}

// Stop stops the sandbox.
func (p *Daytona) Stop(ctx context.Context, h *Handle) error {
	return p.Pause(ctx, h)
}

// Delete removes the sandbox. A 404 means it is already gone and counts
// as success.
func (p *Daytona) Delete(ctx context.Context, providerID string) error {
	err := withRetry(ctx, p.logger, "delete", func() error {
		return p.api(ctx, http.MethodDelete, "/sandbox/"+providerID, nil, nil)
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	p.logger.InfoContext(ctx, "daytona sandbox deleted", slog.String("sandbox_id", providerID))
	return nil
}

// ExposePort asks Daytona for the preview URL of a sandbox port.
func (p *Daytona) ExposePort(ctx context.Context, h *Handle, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", &Error{Provider: NameDaytona, Op: "expose_port", Message: fmt.Sprintf("invalid port %d", port)}
	}

	var preview struct {
		URL string `json:"url"`
	}
	err := withRetry(ctx, p.logger, "expose_port", func() error {
		return p.api(ctx, http.MethodGet, fmt.Sprintf("/sandbox/%s/ports/%d/preview-url", h.ProviderID, port), nil, &preview)
	})
	if err != nil {
		return "", err
	}
	return preview.URL, nil
}

// Health verifies API connectivity and the API key.
func (p *Daytona) Health(ctx context.Context) error {
	var listed []json.RawMessage
	return p.api(ctx, http.MethodGet, "/sandbox?limit=1", nil, &listed)
}

func (p *Daytona) toolboxPath(h *Handle, suffix string) string {
	return "/toolbox/" + h.ProviderID + "/toolbox" + suffix
}

// api issues one control plane request.
func (p *Daytona) api(ctx context.Context, method, apiPath string, body, result any) error {
	return p.do(ctx, p.httpClient, method, apiPath, body, result)
}

// do issues one request against the Daytona API with the given client.
func (p *Daytona) do(ctx context.Context, client *http.Client, method, apiPath string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("daytona: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+apiPath, bodyReader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return &Error{Provider: NameDaytona, Op: method + " " + apiPath, Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("daytona: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Provider:   NameDaytona,
			Op:         method + " " + apiPath,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("daytona: decoding response: %w", err)
		}
	}
	return nil
}
