package restart

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/supervisor"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Broadcast(_ context.Context, msg types.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg.Body())
	r.mu.Unlock()
}

type fakeTarget struct {
	reinits   int
	shutdowns int
	err       error
	started   chan struct{}
	block     chan struct{}
}

func (f *fakeTarget) Reinitialize(context.Context) error {
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	f.reinits++
	return f.err
}

func (f *fakeTarget) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}

type fakeStrategy struct {
	called int
	err    error
}

func (f *fakeStrategy) Name() string { return "fake" }
func (f *fakeStrategy) Restart(context.Context) error {
	f.called++
	return f.err
}

var operator = types.Identity{Channel: types.ChannelTelegram, ID: "42"}

func TestSoftRestart(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{}
	o := New(Options{Target: target, Notifier: rec})

	require.NoError(t, o.Soft(context.Background(), operator))
	assert.Equal(t, 1, target.reinits)
	require.Len(t, rec.msgs, 2)
	assert.Contains(t, rec.msgs[1], "Restarted (soft)")
}

func TestSoftRestartFailureIsReported(t *testing.T) {
	rec := &recorder{}
	o := New(Options{Target: &fakeTarget{err: errors.New("boom")}, Notifier: rec})
	assert.Error(t, o.Soft(context.Background(), operator))
	assert.Contains(t, rec.msgs[len(rec.msgs)-1], "boom")
}

func TestConcurrentRestartRejected(t *testing.T) {
	target := &fakeTarget{started: make(chan struct{}), block: make(chan struct{})}
	o := New(Options{Target: target})

	done := make(chan error)
	go func() { done <- o.Soft(context.Background(), operator) }()
	<-target.started

	assert.ErrorIs(t, o.Soft(context.Background(), operator), ErrInProgress)
	close(target.block)
	require.NoError(t, <-done)
}

func TestHardRestartWritesMarkerAndAnnounces(t *testing.T) {
	marker := filepath.Join(t.TempDir(), MarkerFile)
	strategy := &fakeStrategy{}
	target := &fakeTarget{}
	at := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	o := New(Options{Target: target, Strategy: strategy, MarkerPath: marker, Now: func() time.Time { return at }})

	require.NoError(t, o.Hard(context.Background(), operator, "/restart hard"))
	assert.Equal(t, 1, strategy.called)
	assert.Equal(t, 1, target.shutdowns)
	assert.FileExists(t, marker)

	// next process
	rec := &recorder{}
	at = at.Add(7 * time.Second)
	next := New(Options{Notifier: rec, MarkerPath: marker, Now: func() time.Time { return at }})
	m, err := next.AnnounceRecovery(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, operator.String(), m.RequestedBy)
	require.Len(t, rec.msgs, 1)
	assert.Contains(t, rec.msgs[0], "recovered from hard restart after 7s")

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "marker is cleared")

	m, err = next.AnnounceRecovery(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m, "announced once")
	assert.Len(t, rec.msgs, 1)
}

func TestHardRestartFailureClearsMarker(t *testing.T) {
	marker := filepath.Join(t.TempDir(), MarkerFile)
	o := New(Options{Strategy: &fakeStrategy{err: errors.New("exec failed")}, MarkerPath: marker})

	assert.Error(t, o.Hard(context.Background(), operator, ""))
	assert.NoFileExists(t, marker)
}

func TestSupervisorStrategyExitCode(t *testing.T) {
	code := 0
	s := SupervisorStrategy{Exit: func(c int) { code = c }}
	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, supervisor.ExitRestart, code)
}

func TestStrategyFor(t *testing.T) {
	t.Setenv(supervisor.EnvSupervised, "")
	assert.Equal(t, "exec", StrategyFor("auto").Name())
	assert.Equal(t, "supervisor", StrategyFor("supervisor").Name())

	t.Setenv(supervisor.EnvSupervised, "1")
	assert.Equal(t, "supervisor", StrategyFor("auto").Name())
	assert.Equal(t, "exec", StrategyFor("exec").Name())
}
