package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/health"
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

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

var (
	t0       = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	operator = types.Identity{Channel: types.ChannelTelegram, ID: "42"}
)

func settings() Settings {
	return Settings{
		Enabled:        true,
		AutoEnter:      true,
		AutoEnterAfter: 5 * time.Minute,
		AutoExit:       true,
		CannedReply:    "paused",
	}
}

func down(since time.Time) health.Snapshot {
	return health.Snapshot{Providers: []health.Record{
		{Name: "a", Enabled: true, Status: health.Unhealthy, UnhealthySince: since.Add(-time.Minute)},
		{Name: "b", Enabled: true, Status: health.Unhealthy, UnhealthySince: since},
		{Name: "off", Enabled: false, Status: health.Healthy},
	}}
}

func up() health.Snapshot {
	return health.Snapshot{Providers: []health.Record{
		{Name: "a", Enabled: true, Status: health.Healthy},
		{Name: "b", Enabled: true, Status: health.Unhealthy, UnhealthySince: t0},
	}}
}

func newController(s Settings) (*Controller, *recorder, *time.Time) {
	now := t0
	rec := &recorder{}
	c := New(s, Options{Notifier: rec, Now: func() time.Time { return now }})
	return c, rec, &now
}

func TestAutoEnterAfterGracePeriod(t *testing.T) {
	c, rec, now := newController(settings())

	c.Observe(down(t0))
	assert.False(t, c.Active())

	*now = t0.Add(4*time.Minute + 59*time.Second)
	c.Observe(down(t0))
	assert.False(t, c.Active())

	*now = t0.Add(5 * time.Minute)
	c.Observe(down(t0))
	st := c.State()
	require.True(t, st.Active)
	assert.Equal(t, Auto, st.Mode)
	assert.Equal(t, "all providers down", st.Reason)
	assert.Equal(t, *now, st.EnteredAt)
	assert.Equal(t, 1, rec.count())

	// idempotent: one transition, one broadcast
	*now = t0.Add(6 * time.Minute)
	c.Observe(down(t0))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, t0.Add(5*time.Minute), c.State().EnteredAt)
}

func TestAutoExitOnRecovery(t *testing.T) {
	c, rec, now := newController(settings())
	*now = t0.Add(10 * time.Minute)
	c.Observe(down(t0))
	require.True(t, c.Active())

	c.Observe(up())
	assert.False(t, c.Active())
	assert.Equal(t, 2, rec.count())
}

func TestAutoExitOnReasoningSuccess(t *testing.T) {
	c, _, now := newController(settings())
	*now = t0.Add(10 * time.Minute)
	c.Observe(down(t0))
	require.True(t, c.Active())

	c.ReasoningFailed(errors.New("still broken"))
	assert.True(t, c.Active())

	c.ReasoningSucceeded()
	assert.False(t, c.Active())
}

func TestAutoExitDisabled(t *testing.T) {
	s := settings()
	s.AutoExit = false
	c, _, now := newController(s)
	*now = t0.Add(10 * time.Minute)
	c.Observe(down(t0))
	require.True(t, c.Active())

	c.Observe(up())
	c.ReasoningSucceeded()
	assert.True(t, c.Active(), "needs an explicit /recovery off")
	assert.True(t, c.Exit(operator))
	assert.False(t, c.Active())
}

func TestManualOverridesAutoExit(t *testing.T) {
	c, rec, _ := newController(settings())

	assert.True(t, c.Enter(operator))
	assert.False(t, c.Enter(operator), "already on")
	assert.Equal(t, Manual, c.State().Mode)
	assert.Equal(t, "paused", c.CannedReply())

	c.ReasoningSucceeded()
	c.Observe(up())
	assert.True(t, c.Active())

	assert.True(t, c.Exit(operator))
	assert.False(t, c.Exit(operator), "already off")
	assert.Equal(t, 2, rec.count())
}

func TestManualEnterPromotesAutoMode(t *testing.T) {
	c, _, now := newController(settings())
	*now = t0.Add(10 * time.Minute)
	c.Observe(down(t0))
	require.Equal(t, Auto, c.State().Mode)

	assert.True(t, c.Enter(operator))
	assert.Equal(t, Manual, c.State().Mode)
	c.Observe(up())
	assert.True(t, c.Active())
}

func TestManualExitSuppressesCurrentOutage(t *testing.T) {
	c, _, now := newController(settings())
	*now = t0.Add(10 * time.Minute)
	c.Observe(down(t0))
	require.True(t, c.Active())

	require.True(t, c.Exit(operator))
	*now = t0.Add(20 * time.Minute)
	c.Observe(down(t0))
	assert.False(t, c.Active(), "same outage episode stays suppressed")

	// providers come back, then fail again: a new episode
	c.Observe(up())
	next := t0.Add(30 * time.Minute)
	*now = next.Add(5 * time.Minute)
	c.Observe(down(next))
	assert.True(t, c.Active())
}

func TestDisabledNeverAutoEnters(t *testing.T) {
	s := settings()
	s.Enabled = false
	c, _, now := newController(s)
	*now = t0.Add(time.Hour)
	c.Observe(down(t0))
	assert.False(t, c.Active())

	// manual control still works
	assert.True(t, c.Enter(operator))
}

func TestManualInactivityExit(t *testing.T) {
	s := settings()
	s.InactivityTimeout = 30 * time.Minute
	c, _, now := newController(s)
	require.True(t, c.Enter(operator))

	*now = t0.Add(20 * time.Minute)
	c.Touch()
	*now = t0.Add(45 * time.Minute)
	c.Observe(up())
	assert.True(t, c.Active(), "activity 25m ago")

	*now = t0.Add(51 * time.Minute)
	c.Observe(down(t0))
	assert.True(t, c.Active(), "never exits while everything is down")

	c.Observe(up())
	assert.False(t, c.Active())
}

func TestReenabledProviderDoesNotShortenGracePeriod(t *testing.T) {
	clk := t0
	m := health.NewMonitor(health.Options{Now: func() time.Time { return clk }, ProbeTimeout: time.Second})
	fail := health.ProberFunc(func(context.Context) error { return errors.New("down") })
	ok := health.ProberFunc(func(context.Context) error { return nil })
	m.SetProviders([]health.Provider{
		{Name: "a", Enabled: true, Prober: ok},
		{Name: "b", Enabled: true, Prober: fail},
	})
	m.CheckNow(context.Background())

	require.NoError(t, m.SetEnabled("b", false))
	clk = t0.Add(time.Hour)
	require.NoError(t, m.SetEnabled("b", true))
	require.NoError(t, m.SetEnabled("a", false))

	c, rec, now := newController(settings())
	clk = t0.Add(time.Hour + time.Minute)
	*now = clk
	c.Observe(m.CheckNow(context.Background()))
	assert.False(t, c.Active(), "outage clock starts at the first failed check after re-enabling")
	assert.Zero(t, rec.count())

	clk = clk.Add(5 * time.Minute)
	*now = clk
	c.Observe(m.CheckNow(context.Background()))
	assert.True(t, c.Active())
}
