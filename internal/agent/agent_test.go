package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/llm"
	"github.com/roelfdiedericks/lifeline/internal/session"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

type scripted struct {
	name  string
	err   error
	calls int
	last  llm.Request
	block chan struct{} // closed when a blocking call has started
}

func (s *scripted) Name() string                { return s.name }
func (s *scripted) Type() string                { return "fake" }
func (s *scripted) Model() string               { return "fake-1" }
func (s *scripted) Probe(context.Context) error { return nil }
func (s *scripted) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.last = req
	if s.block != nil {
		close(s.block)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: "reply from " + s.name, Provider: s.name}, nil
}

type table map[string]*scripted

func (t table) Get(name string) (llm.Provider, error) {
	p, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", name)
	}
	return p, nil
}

type order []string

func (o order) Candidates() []string { return o }

type signals struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (s *signals) ReasoningSucceeded() { s.mu.Lock(); s.successes++; s.mu.Unlock() }
func (s *signals) ReasoningFailed(error) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

var bob = types.Identity{Channel: types.ChannelCLI, ID: "local"}

func newAgent(providers table, candidates order, settings Settings) (*Agent, *signals, *session.Manager) {
	sig := &signals{}
	sessions := session.NewManager(nil, time.Hour)
	a := New(settings, Options{Providers: providers, Router: candidates, Sessions: sessions, Signals: sig})
	return a, sig, sessions
}

func TestFailoverToNextProvider(t *testing.T) {
	providers := table{
		"primary":   {name: "primary", err: errors.New("status 503: overloaded")},
		"secondary": {name: "secondary"},
	}
	a, sig, _ := newAgent(providers, order{"primary", "secondary"}, Settings{})

	reply, err := a.RunSession(context.Background(), bob, "hello")
	require.NoError(t, err)
	assert.Equal(t, "reply from secondary", reply)
	assert.Equal(t, 1, providers["primary"].calls)
	assert.Equal(t, 1, sig.successes)
}

func TestNoFailoverOnContextOverflow(t *testing.T) {
	providers := table{
		"primary":   {name: "primary", err: errors.New("prompt is too long")},
		"secondary": {name: "secondary"},
	}
	a, sig, _ := newAgent(providers, order{"primary", "secondary"}, Settings{})

	_, err := a.RunSession(context.Background(), bob, "hello")
	assert.Error(t, err)
	assert.Equal(t, 0, providers["secondary"].calls)
	assert.Equal(t, 1, sig.failures)
}

func TestNoCandidates(t *testing.T) {
	a, sig, _ := newAgent(table{}, nil, Settings{})
	_, err := a.RunSession(context.Background(), bob, "hello")
	assert.ErrorIs(t, err, llm.ErrNoHealthyProvider)
	assert.Equal(t, 1, sig.failures)
	assert.Contains(t, UserMessage(err), "/health")
}

func TestConversationContinuity(t *testing.T) {
	p := &scripted{name: "p"}
	a, _, sessions := newAgent(table{"p": p}, order{"p"}, Settings{HistoryTurns: 4, SystemPrompt: "be brief"})
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := a.RunSession(ctx, bob, msg)
		require.NoError(t, err)
	}
	// two previous exchanges trimmed to four turns, plus the new message
	require.Len(t, p.last.Messages, 5)
	assert.Equal(t, "one", p.last.Messages[0].Content)
	assert.Equal(t, "three", p.last.Messages[4].Content)
	assert.Equal(t, "be brief", p.last.System)

	sess, err := sessions.Get(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 4)
}

func TestDailyBudget(t *testing.T) {
	now := time.Date(2026, 7, 1, 23, 59, 0, 0, time.UTC)
	p := &scripted{name: "p"}
	sessions := session.NewManager(nil, 0)
	a := New(Settings{DailyRequests: 2}, Options{Providers: table{"p": p}, Router: order{"p"}, Sessions: sessions, Now: func() time.Time { return now }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.RunSession(ctx, bob, "x")
		require.NoError(t, err)
	}
	_, err := a.RunSession(ctx, bob, "x")
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 2, p.calls, "no provider call once the budget is spent")
	assert.Equal(t, 2, a.Used())

	now = now.Add(2 * time.Minute)
	_, err = a.RunSession(ctx, bob, "x")
	assert.NoError(t, err, "budget resets at UTC midnight")
}

func TestCancelAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	p := &scripted{name: "p", block: started}
	a, sig, _ := newAgent(table{"p": p}, order{"p"}, Settings{})

	done := make(chan error, 1)
	go func() {
		_, err := a.RunSession(context.Background(), bob, "think hard")
		done <- err
	}()
	<-started
	a.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return after Cancel")
	}
	assert.Equal(t, 0, sig.failures, "a cancelled call is not a provider failure")

	p.block = nil
	_, err := a.RunSession(context.Background(), bob, "again")
	assert.NoError(t, err, "calls after Cancel use a fresh context")
}
