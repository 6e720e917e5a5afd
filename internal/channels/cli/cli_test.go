package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLinesBecomeInboundMessages(t *testing.T) {
	c := New(Options{In: strings.NewReader("/health\n\n   \nhello there  \n"), Out: &syncBuffer{}})

	got := make(chan types.InboundMessage, 4)
	require.NoError(t, c.Start(context.Background(), func(_ context.Context, m types.InboundMessage) {
		got <- m
	}))

	var msgs []types.InboundMessage
	for len(msgs) < 2 {
		select {
		case m := <-got:
			msgs = append(msgs, m)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for console input")
		}
	}
	assert.Equal(t, "/health", msgs[0].Text)
	assert.Equal(t, "hello there", msgs[1].Text)
	assert.Equal(t, types.Identity{Channel: "cli", ID: "local"}, msgs[0].From)
	assert.False(t, msgs[0].ReceivedAt.IsZero())
}

func TestSendAndBroadcastArePlainWithoutTerminal(t *testing.T) {
	out := &syncBuffer{}
	c := New(Options{In: strings.NewReader(""), Out: out, ID: "ops"})

	require.NoError(t, c.Send(context.Background(), c.Identity(), types.Text("✅ done")))
	require.NoError(t, c.Broadcast(context.Background(), types.Message{
		Text:     "Approval required [ab12cd]: Restart (soft)",
		Approval: &types.ApprovalPrompt{ID: "ab12cd"},
	}))
	assert.Equal(t, "✅ done\nApproval required [ab12cd]: Restart (soft)\n", out.String())

	err := c.Send(context.Background(), types.Identity{Channel: "cli", ID: "someone"}, types.Text("x"))
	assert.Error(t, err)
}

func TestEmptyMessageIsNotPrinted(t *testing.T) {
	out := &syncBuffer{}
	c := New(Options{In: strings.NewReader(""), Out: out})
	require.NoError(t, c.Send(context.Background(), c.Identity(), types.Message{}))
	assert.Empty(t, out.String())
}

func TestStopEndsReadLoop(t *testing.T) {
	c := New(Options{In: strings.NewReader("one\ntwo\n"), Out: &syncBuffer{}})
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	var n int
	var mu sync.Mutex
	require.NoError(t, c.Start(context.Background(), func(context.Context, types.InboundMessage) {
		mu.Lock()
		n++
		mu.Unlock()
	}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, n)
}
