package storage

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// SandboxModel maps to the "sandboxes" table. The composite index on
// (state, lease_expires_at) serves the recovery scan at startup; the
// session index serves the per-session active lookup.
type SandboxModel struct {
	ID             string `gorm:"primaryKey"`
	SessionID      string `gorm:"not null;index"`
	Provider       string `gorm:"not null"`
	ProviderID     string
	State          string `gorm:"not null;index:idx_sandboxes_state_lease"`
	WorkDir        string
	LeaseToken     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LeaseExpiresAt time.Time `gorm:"index:idx_sandboxes_state_lease"`
	LastError      string
	ExposedURLs    string `gorm:"type:text"` // JSON object, port → URL
}

func (SandboxModel) TableName() string { return "sandboxes" }

func toModel(sb *sandbox.Sandbox) (*SandboxModel, error) {
	m := &SandboxModel{
		ID:             sb.ID,
		SessionID:      sb.SessionID,
		Provider:       sb.Provider,
		ProviderID:     sb.ProviderID,
		State:          string(sb.State),
		WorkDir:        sb.WorkDir,
		LeaseToken:     sb.LeaseToken,
		CreatedAt:      sb.CreatedAt,
		LeaseExpiresAt: sb.LeaseExpiresAt,
		LastError:      sb.LastError,
	}
	if len(sb.ExposedURLs) > 0 {
		raw, err := json.Marshal(sb.ExposedURLs)
		if err != nil {
			return nil, err
		}
		m.ExposedURLs = string(raw)
	}
	return m, nil
}

func fromModel(m *SandboxModel) (*sandbox.Sandbox, error) {
	sb := &sandbox.Sandbox{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Provider:       m.Provider,
		ProviderID:     m.ProviderID,
		State:          sandbox.State(m.State),
		WorkDir:        m.WorkDir,
		LeaseToken:     m.LeaseToken,
		CreatedAt:      m.CreatedAt,
		LeaseExpiresAt: m.LeaseExpiresAt,
		LastError:      m.LastError,
	}
	if m.ExposedURLs != "" {
		if err := json.Unmarshal([]byte(m.ExposedURLs), &sb.ExposedURLs); err != nil {
			return nil, err
		}
	}
	return sb, nil
}
