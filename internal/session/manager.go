package session

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// slot serializes work on one session; different keys never contend.
type slot struct {
	mu   sync.Mutex
	sess *Session
}

// Manager hands out sessions by identity, creating them on first use and
// writing every change through to the store.
type Manager struct {
	mu    sync.Mutex // guards the slot map only
	slots map[string]*slot

	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewManager creates a manager. A nil store keeps sessions in memory.
func NewManager(store Store, timeout time.Duration) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		slots:   make(map[string]*slot),
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// SetTimeout changes the inactivity timeout (zero disables expiry).
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

func (m *Manager) slot(id types.Identity) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id.String()]
	if !ok {
		s = &slot{}
		m.slots[id.String()] = s
	}
	return s
}

// loadLocked fills sl.sess from the store or creates a new session.
// An expired session is replaced by a fresh one.
func (m *Manager) loadLocked(ctx context.Context, sl *slot, id types.Identity) error {
	now := m.now()
	m.mu.Lock()
	timeout := m.timeout
	m.mu.Unlock()

	if sl.sess == nil {
		sess, err := m.store.LoadSession(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			sl.sess = sess
		}
	}
	if sl.sess != nil && sl.sess.Expired(now, timeout) {
		L_debug("session: expired, starting fresh", "key", id.String())
		sl.sess = nil
	}
	if sl.sess == nil {
		sl.sess = &Session{Identity: id, CreatedAt: now, LastActive: now}
		L_debug("session: created", "key", id.String())
	}
	return nil
}

// Get returns a copy of the session for id, creating it if needed.
func (m *Manager) Get(ctx context.Context, id types.Identity) (*Session, error) {
	sl := m.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := m.loadLocked(ctx, sl, id); err != nil {
		return nil, err
	}
	return sl.sess.Clone(), nil
}

// Update applies fn to the session for id under its lock, marks it active
// and persists it.
func (m *Manager) Update(ctx context.Context, id types.Identity, fn func(*Session)) error {
	sl := m.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := m.loadLocked(ctx, sl, id); err != nil {
		return err
	}
	next := sl.sess.Clone()
	fn(next)
	next.LastActive = m.now()
	if err := m.store.SaveSession(ctx, next); err != nil {
		return err
	}
	sl.sess = next
	return nil
}

// Reset discards the session for id.
func (m *Manager) Reset(ctx context.Context, id types.Identity) error {
	sl := m.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.sess = nil
	return m.store.DeleteSession(ctx, id)
}

// ExpireIdle deletes sessions idle longer than the timeout.
func (m *Manager) ExpireIdle(ctx context.Context) (int, error) {
	m.mu.Lock()
	timeout := m.timeout
	m.mu.Unlock()
	if timeout <= 0 {
		return 0, nil
	}

	idle, err := m.store.IdleSessions(ctx, m.now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	for _, id := range idle {
		if err := m.Reset(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(idle) > 0 {
		L_info("session: expired idle sessions", "count", len(idle))
	}
	return len(idle), nil
}

// Flush forgets cached sessions so the next access reloads from the store.
// Used by soft restarts.
func (m *Manager) Flush() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()
	for _, sl := range slots {
		sl.mu.Lock()
		sl.sess = nil
		sl.mu.Unlock()
	}
}
