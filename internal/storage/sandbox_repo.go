package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// activeStates are the states in which a sandbox still serves a session.
var activeStates = []string{
	string(sandbox.StateCreating),
	string(sandbox.StateRunning),
	string(sandbox.StatePaused),
}

// SandboxRepository implements sandbox.Store on GORM. Both backends use
// it; the dialect differences are handled by GORM.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Create inserts a new sandbox record.
func (r *SandboxRepository) Create(ctx context.Context, sb *sandbox.Sandbox) error {
	m, err := toModel(sb)
	if err != nil {
		return fmt.Errorf("encoding sandbox %s: %w", sb.ID, err)
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("inserting sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// Get returns the sandbox by ID, sandbox.ErrNotFound when unknown.
func (r *SandboxRepository) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	var m SandboxModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sandbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading sandbox %s: %w", id, err)
	}
	return fromModel(&m)
}

// GetActiveBySession returns the session's newest active sandbox, or
// sandbox.ErrNotFound when the session has none.
func (r *SandboxRepository) GetActiveBySession(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	var m SandboxModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND state IN ?", sessionID, activeStates).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sandbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading active sandbox for session %s: %w", sessionID, err)
	}
	return fromModel(&m)
}

// Update persists the sandbox's current fields.
func (r *SandboxRepository) Update(ctx context.Context, sb *sandbox.Sandbox) error {
	m, err := toModel(sb)
	if err != nil {
		return fmt.Errorf("encoding sandbox %s: %w", sb.ID, err)
	}
	res := r.db.WithContext(ctx).Model(&SandboxModel{}).Where("id = ?", sb.ID).Updates(map[string]any{
		"session_id":       m.SessionID,
		"provider":         m.Provider,
		"provider_id":      m.ProviderID,
		"state":            m.State,
		"work_dir":         m.WorkDir,
		"lease_token":      m.LeaseToken,
		"lease_expires_at": m.LeaseExpiresAt,
		"last_error":       m.LastError,
		"exposed_urls":     m.ExposedURLs,
	})
	if res.Error != nil {
		return fmt.Errorf("updating sandbox %s: %w", sb.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return sandbox.ErrNotFound
	}
	return nil
}

// ListByState returns all sandboxes in the given states, oldest first.
// Used by the startup recovery scan.
func (r *SandboxRepository) ListByState(ctx context.Context, states ...sandbox.State) ([]*sandbox.Sandbox, error) {
	raw := make([]string, 0, len(states))
	for _, s := range states {
		raw = append(raw, string(s))
	}

	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state IN ?", raw).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes by state: %w", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(models))
	for i := range models {
		sb, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

// compile-time interface check
var _ sandbox.Store = (*SandboxRepository)(nil)
