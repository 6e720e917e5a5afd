package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityRoundTrip(t *testing.T) {
	id := Identity{Channel: ChannelTelegram, ID: "12345"}
	assert.Equal(t, "telegram:12345", id.String())

	parsed, ok := ParseIdentity(id.String())
	assert.True(t, ok)
	assert.Equal(t, id, parsed)

	// ids may themselves contain colons (matrix user ids)
	m, ok := ParseIdentity("matrix:@me:example.org")
	assert.True(t, ok)
	assert.Equal(t, "@me:example.org", m.ID)

	_, ok = ParseIdentity("nocolon")
	assert.False(t, ok)
}

func TestRedactedHidesID(t *testing.T) {
	id := Identity{Channel: ChannelTelegram, ID: "999"}
	r := id.Redacted()
	assert.NotContains(t, r, "999")
	assert.Equal(t, r, id.Redacted())
	assert.Contains(t, r, "telegram:anon-")
}

func TestMessageBody(t *testing.T) {
	assert.Equal(t, "plain", Message{Text: "plain", Markdown: "*md*"}.Body())
	assert.Equal(t, "*md*", Message{Markdown: "*md*"}.Body())
	assert.Equal(t, "*md*", Message{Text: "plain", Markdown: "*md*"}.Rich())
}
