package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

// ErrNotFound is returned by stores for unknown sessions.
var ErrNotFound = errors.New("session not found")

// Store is the persistence backend for sessions.
// Implementations: SQLiteStore (primary), MemoryStore (tests, no data dir)
type Store interface {
	LoadSession(ctx context.Context, id types.Identity) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id types.Identity) error
	// IdleSessions lists identities whose last activity is before cutoff.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]types.Identity, error)
	Close() error
}

// MemoryStore keeps sessions in process memory only.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) LoadSession(_ context.Context, id types.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	m.sessions[s.Key()] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id types.Identity) error {
	m.mu.Lock()
	delete(m.sessions, id.String())
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) IdleSessions(_ context.Context, cutoff time.Time) ([]types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Identity
	for _, s := range m.sessions {
		if s.LastActive.Before(cutoff) {
			out = append(out, s.Identity)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
