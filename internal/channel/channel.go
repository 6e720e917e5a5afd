// Package channel provides the interface for messaging channels.
package channel

import (
	"context"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Handler receives every inbound message. Adapters call it from their own
// receive loop; it must not block for long.
type Handler func(ctx context.Context, msg types.InboundMessage)

// Channel is the interface for messaging channels (CLI, Telegram, etc.)
type Channel interface {
	// Name returns the channel identifier (e.g., "cli", "telegram")
	Name() string

	// Start connects the channel and begins delivering inbound messages to h
	Start(ctx context.Context, h Handler) error

	// Stop gracefully shuts down the channel
	Stop() error

	// Send delivers a message to one identity on this channel
	Send(ctx context.Context, to types.Identity, msg types.Message) error

	// Broadcast delivers a message to every authorized identity this
	// channel can reach
	Broadcast(ctx context.Context, msg types.Message) error
}

// Audience lists the identities a channel broadcasts to.
type Audience interface {
	Identities(channel string) []types.Identity
}
