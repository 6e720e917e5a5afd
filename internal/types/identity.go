// Package types contains shared types used across multiple packages.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Channel kinds.
const (
	ChannelCLI       = "cli"
	ChannelTelegram  = "telegram"
	ChannelWebSocket = "websocket"
	ChannelMatrix    = "matrix"
)

// Identity is a channel-native sender identity. Equality is structural.
type Identity struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// String renders "channel:id". It doubles as the session and rate-limit key.
func (i Identity) String() string {
	return i.Channel + ":" + i.ID
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Channel == "" && i.ID == ""
}

// Redacted returns "channel:anon-<hash>" for recording senders that must not
// be disclosed, e.g. unauthorized identities in the audit log.
func (i Identity) Redacted() string {
	sum := sha256.Sum256([]byte(i.String()))
	return i.Channel + ":anon-" + hex.EncodeToString(sum[:4])
}

// ParseIdentity is the inverse of Identity.String.
func ParseIdentity(s string) (Identity, bool) {
	channel, id, ok := strings.Cut(s, ":")
	if !ok || channel == "" || id == "" {
		return Identity{}, false
	}
	return Identity{Channel: channel, ID: id}, true
}

// System is the identity used for gateway-originated actions (timers, restarts).
var System = Identity{Channel: "system", ID: "gateway"}
