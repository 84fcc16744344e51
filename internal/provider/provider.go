// Package provider abstracts remote sandbox backends behind a uniform
// capability set. Concrete adapters exist for E2B, Daytona, and local Docker.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider names accepted by the factory.
const (
	NameE2B     = "e2b"
	NameDaytona = "daytona"
	NameDocker  = "docker"
)

// ErrNotFound is returned by Connect and metadata lookups when the remote
// provider does not know the sandbox ID. The controller treats this as a
// signal to fall back to Create.
var ErrNotFound = errors.New("sandbox not found on provider")

// ErrTimedOut is returned when a command exceeds its execution limit.
// The remote process receives a best-effort cancel.
var ErrTimedOut = errors.New("execution timed out")

// Error is a provider API failure. Retryable marks transient network or
// server-side errors; auth and configuration failures are never retryable.
type Error struct {
	Provider   string // "e2b", "daytona", "docker"
	Op         string // "create", "connect", "run_command", ...
	StatusCode int    // HTTP status when applicable, 0 otherwise
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// retryableStatus reports whether an HTTP status from a provider API is
// worth retrying. Auth and client errors are fatal.
func retryableStatus(code int) bool {
	switch {
	case code == 408 || code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Handle is a live reference to one remote sandbox. Adapters return it from
// Create/Connect and accept it on every per-sandbox operation.
type Handle struct {
	ProviderID  string // Remote provider's sandbox identifier.
	Provider    string
	AccessToken string // Data-plane token where the provider uses one (E2B envd).
	Domain      string // Data-plane domain or API base for this sandbox.
	WorkDir     string // Workspace root inside the sandbox.
}

// CreateRequest configures a new sandbox.
type CreateRequest struct {
	Template   string            // Template / snapshot / image override. Empty = provider default.
	Env        map[string]string // Environment injected into the sandbox.
	Metadata   map[string]string // Provider-side labels (session ID etc.).
	TimeoutSec int               // Provider-side auto-kill timeout where supported.
}

// CommandRequest is a single command execution.
type CommandRequest struct {
	Command    string        // Shell command line.
	WorkDir    string        // Working directory. Empty = handle's WorkDir.
	Env        map[string]string
	Timeout    time.Duration // Wall-clock limit. 0 = adapter default.
	Background bool          // Fire and forget; result carries no output.
}

// CommandResult is the outcome of a completed (non-background) command.
type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool // Output hit the size cap.
}

// Adapter is the uniform capability set every backend implements.
// All methods honour context cancellation; per-call deadlines are the
// caller's responsibility except where a CommandRequest carries its own.
type Adapter interface {
	// Name returns the provider name ("e2b", "daytona", "docker").
	Name() string

	// Create provisions a new sandbox and returns a live handle.
	Create(ctx context.Context, req CreateRequest) (*Handle, error)

	// Connect re-attaches to an existing sandbox by provider ID.
	// Returns ErrNotFound (wrapped) when the provider no longer knows it.
	Connect(ctx context.Context, providerID string) (*Handle, error)

	// RunCommand executes a command in the sandbox. Background commands
	// return immediately with an empty result.
	RunCommand(ctx context.Context, h *Handle, req CommandRequest) (*CommandResult, error)

	// ReadFile returns the content of a file inside the sandbox.
	ReadFile(ctx context.Context, h *Handle, path string) (string, error)

	// WriteFile writes content to a file inside the sandbox, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, h *Handle, path, content string) error

	// Pause suspends the sandbox, preserving state where the provider
	// supports it.
	Pause(ctx context.Context, h *Handle) error

	// Stop halts the sandbox without deleting its resources.
	Stop(ctx context.Context, h *Handle) error

	// Delete removes the sandbox permanently. Deleting an unknown ID
	// succeeds silently.
	Delete(ctx context.Context, providerID string) error

	// ExposePort returns a public URL for a port inside the sandbox.
	ExposePort(ctx context.Context, h *Handle, port int) (string, error)

	// Health verifies provider API connectivity and credentials.
	Health(ctx context.Context) error
}

// Output caps mirror what the adapters enforce when capturing command output.
const maxOutputBytes = 1 << 20 // 1 MiB per stream

// capOutput truncates s to the per-stream output cap.
func capOutput(s string) (string, bool) {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes], true
	}
	return s, false
}
