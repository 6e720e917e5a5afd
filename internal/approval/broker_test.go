package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

type recorder struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (r *recorder) Broadcast(_ context.Context, msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Message(nil), r.msgs...)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]Approval
}

func newMemStore(list ...Approval) *memStore {
	s := &memStore{saved: make(map[string]Approval)}
	for _, a := range list {
		s.saved[a.ID] = a
	}
	return s
}

func (s *memStore) SaveApproval(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[a.ID] = a
	return nil
}

func (s *memStore) UnresolvedApprovals(context.Context) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Approval
	for _, a := range s.saved {
		if !a.Resolved() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) get(id string) Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

var (
	alice = types.Identity{Channel: types.ChannelTelegram, ID: "1"}
	bob   = types.Identity{Channel: types.ChannelMatrix, ID: "@bob:x"}
)

func TestRequestBroadcastsPrompt(t *testing.T) {
	rec := &recorder{}
	b := NewBroker(Options{Notifier: rec, Timeout: time.Minute})
	defer b.Close()

	a, fut, err := b.Request(context.Background(), "restart the gateway", "/restart", alice)
	require.NoError(t, err)
	assert.Len(t, a.ID, 8)
	assert.Equal(t, time.Minute, a.ExpiresAt.Sub(a.CreatedAt))

	msgs := rec.all()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Approval)
	assert.Equal(t, a.ID, msgs[0].Approval.ID)
	assert.Contains(t, msgs[0].Text, "/approve "+a.ID)

	_, done := fut.Outcome()
	assert.False(t, done)
	assert.Len(t, b.Pending(), 1)
}

func TestFirstResolutionWins(t *testing.T) {
	rec := &recorder{}
	b := NewBroker(Options{Notifier: rec, Timeout: time.Minute})
	defer b.Close()

	a, fut, err := b.Request(context.Background(), "restart", "/restart", alice)
	require.NoError(t, err)

	status, got := b.Resolve(a.ID, bob, Approved)
	assert.Equal(t, Applied, status)
	assert.Equal(t, bob, got.ResolvedBy)

	status, got = b.Resolve(a.ID, alice, Denied)
	assert.Equal(t, AlreadyResolved, status)
	assert.Equal(t, Approved, got.Decision)

	o, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Approved, o.Decision)
	assert.Equal(t, bob, o.By)
	assert.False(t, o.TimedOut)
	assert.Empty(t, b.Pending())

	// prompt plus one resolution notice
	assert.Len(t, rec.all(), 2)
}

func TestConcurrentResolutionAppliesOnce(t *testing.T) {
	b := NewBroker(Options{Timeout: time.Minute})
	defer b.Close()

	a, fut, err := b.Request(context.Background(), "restart", "/restart", alice)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan ResolveStatus, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Approved
			if i%2 == 1 {
				d = Denied
			}
			s, _ := b.Resolve(a.ID, bob, d)
			results <- s
		}(i)
	}
	wg.Wait()
	close(results)

	applied := 0
	for s := range results {
		if s == Applied {
			applied++
		} else {
			assert.Equal(t, AlreadyResolved, s)
		}
	}
	assert.Equal(t, 1, applied)

	o, ok := fut.Outcome()
	require.True(t, ok)
	final, _ := b.Get(a.ID)
	assert.Equal(t, final.Decision, o.Decision)
}

func TestTimeoutResolvesDenied(t *testing.T) {
	rec := &recorder{}
	b := NewBroker(Options{Notifier: rec, Timeout: 30 * time.Millisecond})
	defer b.Close()

	a, fut, err := b.Request(context.Background(), "run deploy", "/script run deploy", alice)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Denied, o.Decision)
	assert.True(t, o.TimedOut)
	assert.Equal(t, types.System, o.By)

	// late human resolution is reported as already resolved
	status, _ := b.Resolve(a.ID, bob, Approved)
	assert.Equal(t, AlreadyResolved, status)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.all()[1].Text, "timed out")
}

func TestResolveUnknownAndInvalid(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	status, _ := b.Resolve("deadbeef", bob, Approved)
	assert.Equal(t, NotFound, status)

	a, _, err := b.Request(context.Background(), "x", "/x", alice)
	require.NoError(t, err)
	status, _ = b.Resolve(a.ID, bob, Unresolved)
	assert.Equal(t, Invalid, status)

	// ids are matched case-insensitively
	status, _ = b.Resolve(" "+a.ID+" ", bob, Denied)
	assert.Equal(t, Applied, status)
}

func TestWaitCancelledIsNotResolution(t *testing.T) {
	b := NewBroker(Options{Timeout: time.Minute})
	defer b.Close()

	a, fut, err := b.Request(context.Background(), "x", "/x", alice)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	status, _ := b.Resolve(a.ID, bob, Approved)
	assert.Equal(t, Applied, status)

	// a cancelled wait still reports a resolution that already arrived
	o, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Approved, o.Decision)
}

func TestRestore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := Approval{ID: "aaaa0001", Description: "restart", Action: "/restart", Requester: alice,
		CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)}
	stale := Approval{ID: "aaaa0002", Description: "save", Action: "/config save", Requester: alice,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	store := newMemStore(live, stale)

	b := NewBroker(Options{Store: store, Now: func() time.Time { return now }})
	defer b.Close()

	restored, err := b.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 2)

	pending := b.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, live.ID, pending[0].ID)

	got := store.get(stale.ID)
	assert.Equal(t, Denied, got.Decision)
	assert.True(t, got.TimedOut)

	for _, r := range restored {
		if r.Approval.ID == live.ID {
			status, _ := b.Resolve(live.ID, bob, Approved)
			assert.Equal(t, Applied, status)
			o, ok := r.Future.Outcome()
			require.True(t, ok)
			assert.Equal(t, Approved, o.Decision)
		}
	}
	assert.Equal(t, Approved, store.get(live.ID).Decision)
}

func TestPruneAndClose(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewBroker(Options{Now: clock})

	a, _, err := b.Request(context.Background(), "x", "/x", alice)
	require.NoError(t, err)
	b.Resolve(a.ID, bob, Denied)
	assert.Equal(t, 0, b.Prune(time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, b.Prune(time.Hour))

	b.Close()
	_, _, err = b.Request(context.Background(), "y", "/y", alice)
	assert.ErrorIs(t, err, ErrClosed)
}
