// Package vault provides the credential storage boundary for the dashboard
// core. The session store persists tokens through a CredentialVault so the
// storage and encryption mechanism stays swappable and testable.
package vault

import (
	"context"
	"errors"
	"sync"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
)

// ErrNotFound is returned when no session has been persisted.
var ErrNotFound = errors.New("vault: no stored session")

// CredentialVault persists exactly one session. Values are sensitive; only
// the session store may reach through this interface.
type CredentialVault interface {
	Get(ctx context.Context) (session.Session, error)
	Set(ctx context.Context, s session.Session) error
	Clear(ctx context.Context) error
}

// Memory is an in-process vault. It backs tests and ephemeral sessions that
// should not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	s    session.Session
	held bool
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(_ context.Context) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.held {
		return session.Session{}, ErrNotFound
	}
	return m.s, nil
}

func (m *Memory) Set(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	m.held = true
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = session.Session{}
	m.held = false
	return nil
}
