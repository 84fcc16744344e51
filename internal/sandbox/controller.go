package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/lease"
	"github.com/jkaninda/sanduku/internal/provider"
)

// Store is the persistence interface for sandbox metadata.
type Store interface {
	Create(ctx context.Context, sb *Sandbox) error
	Get(ctx context.Context, id string) (*Sandbox, error)
	GetActiveBySession(ctx context.Context, sessionID string) (*Sandbox, error)
	Update(ctx context.Context, sb *Sandbox) error
}

// LeaseScheduler arms and cancels delayed lease tasks. Implemented by
// lease.Queue.
type LeaseScheduler interface {
	Schedule(ctx context.Context, task lease.Task) error
	Cancel(ctx context.Context, sandboxID string, kind lease.Kind) error
	CancelAll(ctx context.Context, sandboxID string) error
}

// Config bounds the controller's lease timing.
type Config struct {
	LeaseDuration  time.Duration // Running window before the pause task fires.
	LeaseBuffer    time.Duration // Pause fires at lease end minus this buffer.
	Retention      time.Duration // Paused/stopped window before hard delete.
	CommandTimeout time.Duration // Default per-command execution limit.
}

// Controller orchestrates provider adapters, persistence, and the lease
// scheduler behind one lifecycle API. It is the lease poller's dispatcher:
// fired tasks re-check state and token so stale tasks become no-ops.
type Controller struct {
	provider provider.Adapter
	store    Store
	leases   LeaseScheduler
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex     // per-session and per-sandbox serialization
	handles map[string]*provider.Handle // live provider handles by sandbox ID
}

// NewController creates a Controller.
func NewController(adapter provider.Adapter, store Store, leases LeaseScheduler, cfg Config, logger *slog.Logger) *Controller {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Minute
	}
	if cfg.LeaseBuffer <= 0 || cfg.LeaseBuffer >= cfg.LeaseDuration {
		cfg.LeaseBuffer = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &Controller{
		provider: adapter,
		store:    store,
		leases:   leases,
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		handles:  make(map[string]*provider.Handle),
	}
}

// lockFor returns the mutex serializing operations on one key. Concurrent
// GetOrCreate calls for the same session must not race into creating two
// sandboxes.
func (c *Controller) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// GetOrCreate returns the session's active sandbox, creating one if none
// exists. A paused sandbox is resumed. Callers racing on the same session
// serialize here and all receive the same sandbox.
func (c *Controller) GetOrCreate(ctx context.Context, sessionID string) (*Sandbox, error) {
	l := c.lockFor("session:" + sessionID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.GetActiveBySession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up session sandbox: %w", err)
	}

	// A creating row observed while the session lock is free is a leftover
	// from a crash mid-provision: no goroutine is driving it and no lease
	// task is armed. Mark it failed and provision a fresh sandbox.
	if sb != nil && sb.State == StateCreating {
		c.logger.WarnContext(ctx, "superseding orphaned creating sandbox",
			slog.String("sandbox_id", sb.ID),
			slog.String("session_id", sessionID),
		)
		sb.State = StateFailed
		sb.LastError = "orphaned during creation"
		if err := c.store.Update(ctx, sb); err != nil {
			return nil, fmt.Errorf("superseding orphaned sandbox: %w", err)
		}
		sb = nil
	}

	if sb != nil && sb.Active() {
		if sb.State == StatePaused {
			if err := c.resumeLocked(ctx, sb); err != nil {
				return nil, err
			}
		}
		return sb, nil
	}

	return c.createLocked(ctx, sessionID)
}

// ActiveForSession returns the session's current sandbox without creating
// one. ErrNotFound when the session has no active sandbox.
func (c *Controller) ActiveForSession(ctx context.Context, sessionID string) (*Sandbox, error) {
	sb, err := c.store.GetActiveBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sb == nil || !sb.Active() {
		return nil, ErrNotFound
	}
	return sb, nil
}

// createLocked provisions a new sandbox. Caller holds the session lock.
func (c *Controller) createLocked(ctx context.Context, sessionID string) (*Sandbox, error) {
	sb := &Sandbox{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Provider:  c.provider.Name(),
		State:     StateCreating,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("recording sandbox: %w", err)
	}

	h, err := c.provider.Create(ctx, provider.CreateRequest{
		Metadata:   map[string]string{"session_id": sessionID},
		TimeoutSec: int(c.cfg.LeaseDuration.Seconds()),
	})
	if err != nil {
		sb.State = StateFailed
		sb.LastError = err.Error()
		_ = c.store.Update(ctx, sb)
		return nil, fmt.Errorf("creating sandbox for session %s: %w", sessionID, err)
	}

	sb.ProviderID = h.ProviderID
	sb.WorkDir = h.WorkDir
	sb.State = StateRunning
	c.setHandle(sb.ID, h)

	if err := c.armLease(ctx, sb); err != nil {
		c.logger.ErrorContext(ctx, "arming lease failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.store.Update(ctx, sb); err != nil {
		return nil, fmt.Errorf("recording running sandbox: %w", err)
	}

	c.logger.InfoContext(ctx, "sandbox created",
		slog.String("sandbox_id", sb.ID),
		slog.String("session_id", sessionID),
		slog.String("provider", sb.Provider),
		slog.String("provider_id", sb.ProviderID),
	)
	return sb, nil
}

// armLease generates a fresh idempotency token and schedules the pause
// task at now + lease − buffer. Any previous pause task is replaced.
func (c *Controller) armLease(ctx context.Context, sb *Sandbox) error {
	sb.LeaseToken = newLeaseToken()
	sb.LeaseExpiresAt = time.Now().UTC().Add(c.cfg.LeaseDuration)

	return c.leases.Schedule(ctx, lease.Task{
		SandboxID: sb.ID,
		Kind:      lease.KindPause,
		FireAt:    sb.LeaseExpiresAt.Add(-c.cfg.LeaseBuffer),
		Token:     sb.LeaseToken,
	})
}

// handleFor returns a live provider handle for the sandbox, reconnecting
// when the cached one is gone. A provider-side not-found falls back to
// Create, keeping the local sandbox identity.
func (c *Controller) handleFor(ctx context.Context, sb *Sandbox) (*provider.Handle, error) {
	if h := c.getHandle(sb.ID); h != nil {
		return h, nil
	}

	h, err := c.provider.Connect(ctx, sb.ProviderID)
	if errors.Is(err, provider.ErrNotFound) {
		c.logger.WarnContext(ctx, "provider lost sandbox, recreating",
			slog.String("sandbox_id", sb.ID),
			slog.String("provider_id", sb.ProviderID),
		)
		h, err = c.provider.Create(ctx, provider.CreateRequest{
			Metadata:   map[string]string{"session_id": sb.SessionID},
			TimeoutSec: int(c.cfg.LeaseDuration.Seconds()),
		})
		if err == nil {
			sb.ProviderID = h.ProviderID
			sb.WorkDir = h.WorkDir
			if updateErr := c.store.Update(ctx, sb); updateErr != nil {
				return nil, fmt.Errorf("recording recreated sandbox: %w", updateErr)
			}
		}
	}
	if err != nil {
		sb.State = StateFailed
		sb.LastError = err.Error()
		_ = c.store.Update(ctx, sb)
		return nil, fmt.Errorf("attaching to sandbox %s: %w", sb.ID, err)
	}

	c.setHandle(sb.ID, h)
	return h, nil
}

// RunCommand executes a command in a Running sandbox and extends its
// lease. Illegal states are rejected with a StateTransitionError.
func (c *Controller) RunCommand(ctx context.Context, sandboxID string, req provider.CommandRequest) (*provider.CommandResult, error) {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.State != StateRunning {
		return nil, &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "run command"}
	}

	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return nil, err
	}

	if req.Timeout <= 0 {
		req.Timeout = c.cfg.CommandTimeout
	}

	result, err := c.provider.RunCommand(ctx, h, req)
	if err != nil {
		return nil, err
	}

	// Activity extends the lease.
	if err := c.armLease(ctx, sb); err == nil {
		_ = c.store.Update(ctx, sb)
	}
	return result, nil
}

// ReadFile reads a file from a Running sandbox.
func (c *Controller) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	if sb.State != StateRunning {
		return "", &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "read file"}
	}
	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return "", err
	}
	return c.provider.ReadFile(ctx, h, path)
}

// WriteFile writes a file into a Running sandbox.
func (c *Controller) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.State != StateRunning {
		return &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "write file"}
	}
	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return err
	}
	return c.provider.WriteFile(ctx, h, path, content)
}

// Pause suspends a Running sandbox and schedules its hard delete after
// the retention window.
func (c *Controller) Pause(ctx context.Context, sandboxID string) error {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	return c.pauseLocked(ctx, sb)
}

func (c *Controller) pauseLocked(ctx context.Context, sb *Sandbox) error {
	if !CanTransition(sb.State, StatePaused) {
		return &StateTransitionError{SandboxID: sb.ID, From: sb.State, Op: "pause"}
	}

	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return err
	}
	if err := c.provider.Pause(ctx, h); err != nil {
		return fmt.Errorf("pausing sandbox %s: %w", sb.ID, err)
	}

	sb.State = StatePaused
	_ = c.leases.Cancel(ctx, sb.ID, lease.KindPause)
	if err := c.leases.Schedule(ctx, lease.Task{
		SandboxID: sb.ID,
		Kind:      lease.KindDelete,
		FireAt:    time.Now().UTC().Add(c.cfg.Retention),
		Token:     sb.LeaseToken,
	}); err != nil {
		c.logger.ErrorContext(ctx, "scheduling retention delete failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.store.Update(ctx, sb); err != nil {
		return fmt.Errorf("recording paused sandbox: %w", err)
	}

	c.logger.InfoContext(ctx, "sandbox paused", slog.String("sandbox_id", sb.ID))
	return nil
}

// Resume brings a Paused sandbox back to Running with a fresh lease.
func (c *Controller) Resume(ctx context.Context, sandboxID string) error {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	return c.resumeLocked(ctx, sb)
}

func (c *Controller) resumeLocked(ctx context.Context, sb *Sandbox) error {
	if sb.State != StatePaused {
		return &StateTransitionError{SandboxID: sb.ID, From: sb.State, Op: "resume"}
	}

	// Force a reconnect; a cached handle may be stale after a pause.
	c.dropHandle(sb.ID)
	if _, err := c.handleFor(ctx, sb); err != nil {
		return err
	}

	sb.State = StateRunning
	// The pending retention delete no longer applies.
	_ = c.leases.Cancel(ctx, sb.ID, lease.KindDelete)
	if err := c.armLease(ctx, sb); err != nil {
		c.logger.ErrorContext(ctx, "arming lease on resume failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.store.Update(ctx, sb); err != nil {
		return fmt.Errorf("recording resumed sandbox: %w", err)
	}

	c.logger.InfoContext(ctx, "sandbox resumed", slog.String("sandbox_id", sb.ID))
	return nil
}

// Stop halts a sandbox without deleting it. Only deletion remains legal
// afterwards.
func (c *Controller) Stop(ctx context.Context, sandboxID string) error {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if !CanTransition(sb.State, StateStopped) {
		return &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "stop"}
	}

	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return err
	}
	if err := c.provider.Stop(ctx, h); err != nil {
		return fmt.Errorf("stopping sandbox %s: %w", sb.ID, err)
	}

	sb.State = StateStopped
	c.dropHandle(sb.ID)
	_ = c.leases.Cancel(ctx, sb.ID, lease.KindPause)
	if err := c.leases.Schedule(ctx, lease.Task{
		SandboxID: sb.ID,
		Kind:      lease.KindDelete,
		FireAt:    time.Now().UTC().Add(c.cfg.Retention),
		Token:     sb.LeaseToken,
	}); err != nil {
		c.logger.ErrorContext(ctx, "scheduling retention delete failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
	return c.store.Update(ctx, sb)
}

// Delete removes a sandbox. Idempotent: deleting an already-deleted or
// unknown ID succeeds silently.
func (c *Controller) Delete(ctx context.Context, sandboxID string) error {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sb.State == StateDeleted {
		return nil
	}

	if err := c.deleteLocked(ctx, sb); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "sandbox deleted", slog.String("sandbox_id", sb.ID))
	return nil
}

// GetStatus returns the current sandbox record.
func (c *Controller) GetStatus(ctx context.Context, sandboxID string) (*Sandbox, error) {
	return c.store.Get(ctx, sandboxID)
}

// ExtendLease re-arms the pause task, replacing the pending one.
func (c *Controller) ExtendLease(ctx context.Context, sandboxID string) (*Sandbox, error) {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.State != StateRunning {
		return nil, &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "extend lease"}
	}

	if err := c.armLease(ctx, sb); err != nil {
		return nil, fmt.Errorf("extending lease for %s: %w", sandboxID, err)
	}
	if err := c.store.Update(ctx, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// ExposePort returns a public URL for a port inside a Running sandbox.
func (c *Controller) ExposePort(ctx context.Context, sandboxID string, port int) (string, error) {
	l := c.lockFor("sandbox:" + sandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	if sb.State != StateRunning {
		return "", &StateTransitionError{SandboxID: sandboxID, From: sb.State, Op: "expose port"}
	}
	h, err := c.handleFor(ctx, sb)
	if err != nil {
		return "", err
	}
	url, err := c.provider.ExposePort(ctx, h, port)
	if err != nil {
		return "", err
	}
	if sb.ExposedURLs == nil {
		sb.ExposedURLs = make(map[int]string)
	}
	sb.ExposedURLs[port] = url
	_ = c.store.Update(ctx, sb)
	return url, nil
}

// HandleLeaseExpiry is the lease poller's dispatch target. A fired task
// whose token or expected state no longer matches is a stale no-op, not
// an error: the race between "task about to fire" and "delete in flight"
// resolves here.
func (c *Controller) HandleLeaseExpiry(ctx context.Context, task lease.Task) error {
	l := c.lockFor("sandbox:" + task.SandboxID)
	l.Lock()
	defer l.Unlock()

	sb, err := c.store.Get(ctx, task.SandboxID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch task.Kind {
	case lease.KindPause:
		if sb.State != StateRunning || (task.Token != "" && task.Token != sb.LeaseToken) {
			c.logger.InfoContext(ctx, "stale pause task ignored",
				slog.String("sandbox_id", sb.ID),
				slog.String("state", string(sb.State)),
			)
			return nil
		}
		return c.pauseLocked(ctx, sb)

	case lease.KindDelete:
		if sb.State == StateDeleted {
			return nil
		}
		if sb.State == StateRunning {
			// Resumed since the delete was scheduled.
			c.logger.InfoContext(ctx, "stale delete task ignored",
				slog.String("sandbox_id", sb.ID),
			)
			return nil
		}
		return c.deleteLocked(ctx, sb)

	case lease.KindExtend:
		if sb.State != StateRunning {
			return nil
		}
		if err := c.armLease(ctx, sb); err != nil {
			return err
		}
		return c.store.Update(ctx, sb)

	default:
		return fmt.Errorf("unknown lease task kind %q", task.Kind)
	}
}

// deleteLocked deletes without re-acquiring the sandbox lock.
func (c *Controller) deleteLocked(ctx context.Context, sb *Sandbox) error {
	if sb.ProviderID != "" {
		if err := c.provider.Delete(ctx, sb.ProviderID); err != nil {
			return fmt.Errorf("deleting sandbox %s: %w", sb.ID, err)
		}
	}
	sb.State = StateDeleted
	c.dropHandle(sb.ID)
	_ = c.leases.CancelAll(ctx, sb.ID)
	return c.store.Update(ctx, sb)
}

func (c *Controller) getHandle(id string) *provider.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[id]
}

func (c *Controller) setHandle(id string, h *provider.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[id] = h
}

func (c *Controller) dropHandle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, id)
}

func newLeaseToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
