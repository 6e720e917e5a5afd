package types

import "time"

// InboundMessage is a message delivered by a channel adapter.
type InboundMessage struct {
	From       Identity
	Text       string
	ReceivedAt time.Time

	// ReplyTo is an adapter-specific reply target (chat id, room id, conn id).
	ReplyTo string
}

// Message is an outbound reply or broadcast. Adapters render Markdown when
// they support it and fall back to Text otherwise.
type Message struct {
	Text     string
	Markdown string

	// Approval is set when the message is an approval prompt. Adapters that
	// support buttons render Approve/Deny controls for it.
	Approval *ApprovalPrompt
}

// Body returns the best plain-text rendering of the message.
func (m Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Markdown
}

// Rich returns markdown if present, else text.
func (m Message) Rich() string {
	if m.Markdown != "" {
		return m.Markdown
	}
	return m.Text
}

// Text builds a plain message.
func Text(s string) Message {
	return Message{Text: s}
}

// ApprovalPrompt describes a pending approval sent to every channel.
type ApprovalPrompt struct {
	ID          string
	Description string
	Requester   Identity
	ExpiresAt   time.Time
}
