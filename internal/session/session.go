// Package session tracks per-identity conversation state. The reasoning path
// owns the contents; the gateway owns the lifecycle (create on first message,
// persist across restarts, expire after inactivity).
package session

import (
	"time"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Turn is one exchange entry kept for conversation continuity.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is the state kept for one identity.
type Session struct {
	Identity   types.Identity
	CreatedAt  time.Time
	LastActive time.Time
	Turns      []Turn
}

// Key is the storage key for the session.
func (s *Session) Key() string {
	return s.Identity.String()
}

// Append adds a turn and keeps at most keep turns (0 keeps all).
func (s *Session) Append(role, content string, at time.Time, keep int) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, At: at})
	if keep > 0 && len(s.Turns) > keep {
		s.Turns = append([]Turn(nil), s.Turns[len(s.Turns)-keep:]...)
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

// Expired reports whether the session has been idle for at least timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActive) >= timeout
}
