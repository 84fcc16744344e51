// Package session tracks per-session state: a session owns at most one
// active sandbox and a view of the shared MCP tool registry. Sandboxes
// are provisioned lazily on first use, not at session creation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// SandboxController is the slice of the sandbox controller the manager
// needs.
type SandboxController interface {
	GetOrCreate(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	ActiveForSession(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	RunCommand(ctx context.Context, sandboxID string, req provider.CommandRequest) (*provider.CommandResult, error)
	Delete(ctx context.Context, sandboxID string) error
}

// ToolCaller is the slice of the MCP registry the manager needs.
type ToolCaller interface {
	CallTool(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// ErrSessionClosed is returned for tool calls against a session whose
// registry view has been disposed by Cleanup.
var ErrSessionClosed = errors.New("session closed")

// toolView is a session's handle on the shared tool registry. The
// registry's server connections are process-wide; the view is what a
// session owns and Cleanup disposes, so a call racing cleanup fails
// instead of acting for a dead session.
type toolView struct {
	caller ToolCaller

	mu     sync.Mutex
	closed bool
}

func newToolView(caller ToolCaller) *toolView {
	return &toolView{caller: caller}
}

func (v *toolView) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}
	return v.caller.CallTool(ctx, toolName, args)
}

// Close disposes the view. Idempotent.
func (v *toolView) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

// Session is one tracked session.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ToolCalls  int       `json:"tool_calls"`
	Commands   int       `json:"commands"`
}

// record pairs a session with the registry view it owns.
type record struct {
	sess  *Session
	tools *toolView
}

// Manager owns the session table. All mutations go through its lock, so
// concurrent GetSession calls for the same ID observe exactly one record.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*record

	controller  SandboxController
	tools       ToolCaller
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(controller SandboxController, tools ToolCaller, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = time.Hour
	}
	return &Manager{
		sessions:    make(map[string]*record),
		controller:  controller,
		tools:       tools,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// GetSession returns the session, creating the record if it does not
// exist. Existing sessions get their activity timestamp refreshed.
func (m *Manager) GetSession(ctx context.Context, id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.sessions[id]; ok {
		rec.sess.LastActive = m.now()
		return snapshot(rec.sess)
	}

	rec := &record{
		sess: &Session{
			ID:         id,
			CreatedAt:  m.now(),
			LastActive: m.now(),
		},
	}
	if m.tools != nil {
		rec.tools = newToolView(m.tools)
	}
	m.sessions[id] = rec
	m.logger.InfoContext(ctx, "session created", slog.String("session_id", id))
	return snapshot(rec.sess)
}

// Get returns the session without creating or touching it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return snapshot(rec.sess), true
}

// List returns all sessions sorted by ID.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, snapshot(rec.sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunCommand executes a command in the session's sandbox, provisioning
// one on first use.
func (m *Manager) RunCommand(ctx context.Context, sessionID string, req provider.CommandRequest) (*provider.CommandResult, error) {
	m.GetSession(ctx, sessionID)

	sb, err := m.controller.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res, err := m.controller.RunCommand(ctx, sb.ID, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.sess.Commands++
		rec.sess.LastActive = m.now()
	}
	m.mu.Unlock()
	return res, nil
}

// CallTool invokes an MCP tool through the session's registry view.
func (m *Manager) CallTool(ctx context.Context, sessionID, toolName string, args map[string]any) (string, error) {
	if m.tools == nil {
		return "", errors.New("no tool registry configured")
	}
	m.GetSession(ctx, sessionID)

	m.mu.Lock()
	rec := m.sessions[sessionID]
	m.mu.Unlock()
	if rec == nil || rec.tools == nil {
		return "", ErrSessionClosed
	}

	out, err := rec.tools.CallTool(ctx, toolName, args)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.sess.ToolCalls++
		rec.sess.LastActive = m.now()
	}
	m.mu.Unlock()
	return out, nil
}

// Cleanup tears down the session: its sandbox is deleted, its registry
// view disposed, and the record removed. Each step is best effort; a
// failed step is logged and the remaining steps still run. The first
// error is returned.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, exists := m.sessions[id]
	m.mu.Unlock()
	if !exists {
		return nil
	}

	var firstErr error

	sb, err := m.controller.ActiveForSession(ctx, id)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		// Nothing to tear down.
	case err != nil:
		firstErr = fmt.Errorf("looking up session sandbox: %w", err)
		m.logger.ErrorContext(ctx, "session cleanup: sandbox lookup failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	default:
		if err := m.controller.Delete(ctx, sb.ID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("deleting session sandbox: %w", err)
			}
			m.logger.ErrorContext(ctx, "session cleanup: sandbox delete failed",
				slog.String("session_id", id),
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Dispose the registry view so a tool call racing the teardown fails
	// instead of acting for a dead session.
	if rec.tools != nil {
		_ = rec.tools.Close()
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "session cleaned up", slog.String("session_id", id))
	return firstErr
}

// SweepIdle cleans up every session idle longer than the configured
// timeout. Returns the number of sessions removed. Wired to a cron
// schedule at startup.
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []string
	for id, rec := range m.sessions {
		if rec.sess.LastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.InfoContext(ctx, "evicting idle session", slog.String("session_id", id))
		if err := m.Cleanup(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "idle session cleanup failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(idle)
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func snapshot(s *Session) *Session {
	cp := *s
	return &cp
}
