package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

// ChallengeAuth verifies username/password pairs against bcrypt hashes.
// Used by the WebSocket channel, which has no platform-verified identity.
type ChallengeAuth struct {
	mu    sync.RWMutex
	users map[string]string // username -> bcrypt hash
}

// NewChallengeAuth creates an authenticator over the given hashes.
func NewChallengeAuth(users map[string]string) *ChallengeAuth {
	a := &ChallengeAuth{}
	a.Update(users)
	return a
}

// Update replaces the credential table.
func (a *ChallengeAuth) Update(users map[string]string) {
	copied := make(map[string]string, len(users))
	for k, v := range users {
		copied[k] = v
	}
	a.mu.Lock()
	a.users = copied
	a.mu.Unlock()
}

// Authenticate returns the websocket identity for valid credentials.
func (a *ChallengeAuth) Authenticate(username, password string) (types.Identity, error) {
	if username == "" || password == "" {
		return types.Identity{}, ErrNoCredentials
	}
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !verifyHash(hash, password) {
		return types.Identity{}, ErrAuthFailed
	}
	return types.Identity{Channel: types.ChannelWebSocket, ID: username}, nil
}

// verifyHash accepts bcrypt hashes only ($2a$, $2b$, $2y$).
func verifyHash(hash, secret string) bool {
	if len(hash) < 4 || hash[0] != '$' {
		return false
	}
	switch hash[:4] {
	case "$2a$", "$2b$", "$2y$":
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
	}
	return false
}

// HashPassword creates a bcrypt hash of a password for the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HasUsers reports whether any credentials are configured.
func (a *ChallengeAuth) HasUsers() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users) > 0
}
