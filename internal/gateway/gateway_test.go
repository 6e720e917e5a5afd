package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/lifeline/internal/audit"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/channel"
	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/llm"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

const fixture = `
gateway:
  data_dir: %s
  health_interval_seconds: 3600
channels:
  cli:
    enabled: true
    allowed: [local]
  telegram:
    allowed: ["1001"]
llm:
  providers:
    claude:
      type: anthropic
      enabled: true
      api_key: sk-test
    local:
      type: ollama
      enabled: true
  provider_priority: [claude, local]
`

var (
	operator = types.Identity{Channel: types.ChannelCLI, ID: "local"}
	phone    = types.Identity{Channel: types.ChannelTelegram, ID: "1001"}
	stranger = types.Identity{Channel: types.ChannelTelegram, ID: "666"}
)

// journal records deliveries across channels in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeChannel struct {
	name    string
	journal *journal

	mu         sync.Mutex
	sent       map[types.Identity][]string
	broadcasts []string
	stopped    bool
}

func newFakeChannel(name string, j *journal) *fakeChannel {
	return &fakeChannel{name: name, journal: j, sent: make(map[types.Identity][]string)}
}

func (f *fakeChannel) Name() string                                 { return f.name }
func (f *fakeChannel) Start(context.Context, channel.Handler) error { return nil }

func (f *fakeChannel) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to types.Identity, msg types.Message) error {
	f.mu.Lock()
	f.sent[to] = append(f.sent[to], msg.Body())
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Broadcast(_ context.Context, msg types.Message) error {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, msg.Body())
	f.mu.Unlock()
	f.journal.add(f.name + ": " + msg.Body())
	return nil
}

func (f *fakeChannel) sentTo(id types.Identity) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

func (f *fakeChannel) broadcastTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.broadcasts...)
}

func (f *fakeChannel) sawBroadcast(substr string) bool {
	for _, b := range f.broadcastTexts() {
		if strings.Contains(b, substr) {
			return true
		}
	}
	return false
}

// echo is a provider that answers with the last user message.
type echo struct {
	name  string
	calls *atomic.Int32
}

func (e *echo) Name() string                { return e.name }
func (e *echo) Type() string                { return "fake" }
func (e *echo) Model() string               { return "fake-1" }
func (e *echo) Probe(context.Context) error { return nil }
func (e *echo) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	e.calls.Add(1)
	last := req.Messages[len(req.Messages)-1].Content
	return &llm.Response{Text: fmt.Sprintf("%s heard %q (%d turns)", e.name, last, len(req.Messages)), Provider: e.name}, nil
}

type fakeStrategy struct{ restarts atomic.Int32 }

func (s *fakeStrategy) Name() string { return "fake" }
func (s *fakeStrategy) Restart(context.Context) error {
	s.restarts.Add(1)
	return fmt.Errorf("not replacing the test process")
}

type harness struct {
	g        *Gateway
	cli      *fakeChannel
	tg       *fakeChannel
	journal  *journal
	calls    *atomic.Int32
	built    *atomic.Int32
	strategy *fakeStrategy
}

func writeConfig(t *testing.T, dir string) string {
	path := filepath.Join(dir, "lifeline.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(fixture, dir)), 0600))
	}
	return path
}

// newHarness starts a gateway whose data lives in dir.
func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	b := bus.New()
	b.Sync = true
	store, err := config.Open(writeConfig(t, dir), b)
	require.NoError(t, err)

	h := &harness{journal: &journal{}, calls: &atomic.Int32{}, built: &atomic.Int32{}, strategy: &fakeStrategy{}}
	h.g, err = New(store, b, Options{
		Constructor: func(name string, _ config.ProviderConfig) (llm.Provider, error) {
			h.built.Add(1)
			return &echo{name: name, calls: h.calls}, nil
		},
		Strategy: h.strategy,
	})
	require.NoError(t, err)

	h.cli = newFakeChannel(types.ChannelCLI, h.journal)
	h.tg = newFakeChannel(types.ChannelTelegram, h.journal)
	h.g.RegisterChannel(h.cli)
	h.g.RegisterChannel(h.tg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.g.Start(ctx))
	t.Cleanup(func() {
		cancel()
		sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		h.g.Shutdown(sctx)
	})
	return h
}

func (h *harness) say(from types.Identity, text string) {
	h.g.HandleInbound(context.Background(), types.InboundMessage{From: from, Text: text, ReceivedAt: time.Now()})
}

func (h *harness) auditEntries(t *testing.T) []audit.Entry {
	entries, err := audit.ReadAll(h.g.AuditPath())
	require.NoError(t, err)
	return entries
}

func TestUnauthorizedSenderIsDroppedSilently(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(stranger, "/recovery on")
	h.say(stranger, "hello there")

	assert.Empty(t, h.tg.sentTo(stranger))
	assert.False(t, h.g.Recovery().Active())
	assert.Zero(t, h.calls.Load(), "unauthorized text never reaches a provider")

	entries := h.auditEntries(t)
	require.Len(t, entries, 1, "only the command attempt is audited")
	assert.Equal(t, audit.ResultUnauthorized, entries[0].Result)
	assert.Equal(t, "/recovery", entries[0].Command)
	assert.NotContains(t, entries[0].Identity, "666")
	assert.True(t, strings.HasPrefix(entries[0].Identity, "telegram:anon-"))
}

func TestCommandReplyGoesToSender(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(phone, "/help")
	got := h.tg.sentTo(phone)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "/health")
	assert.Empty(t, h.cli.sentTo(operator))
}

func TestConversationReachesProvider(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(operator, "hello")
	h.g.wg.Wait()
	h.say(operator, "again")
	h.g.wg.Wait()

	got := h.cli.sentTo(operator)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], `claude heard "hello"`)
	assert.Contains(t, got[1], "3 turns", "the second request carries the first exchange")
}

func TestRecoveryModeGivesCannedReply(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(operator, "/recovery on")
	assert.True(t, h.g.Recovery().Active())
	assert.True(t, h.cli.sawBroadcast("Recovery mode"))
	assert.True(t, h.tg.sawBroadcast("Recovery mode"), "transitions reach every channel")

	h.say(phone, "are you there?")
	h.g.wg.Wait()
	got := h.tg.sentTo(phone)
	require.Len(t, got, 1)
	assert.Equal(t, config.DefaultCannedReply, got[0])
	assert.Zero(t, h.calls.Load())

	// commands keep working in recovery mode
	h.say(phone, "/health")
	assert.Len(t, h.tg.sentTo(phone), 2)
}

func TestBroadcastFollowsRegistrationOrder(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.g.Broadcast(context.Background(), types.Text("ping"))
	assert.Equal(t, []string{"cli: ping", "telegram: ping"}, h.journal.all())
}

func TestRegisterChannelReplacesInPlace(t *testing.T) {
	h := newHarness(t, t.TempDir())

	again := newFakeChannel(types.ChannelCLI, h.journal)
	h.g.RegisterChannel(again)
	chans := h.g.Channels()
	require.Len(t, chans, 2)
	assert.Same(t, again, chans[0])

	require.NoError(t, h.g.Send(context.Background(), operator, types.Text("hi")))
	assert.Equal(t, []string{"hi"}, again.sentTo(operator))
	assert.Error(t, h.g.Send(context.Background(), types.Identity{Channel: "matrix", ID: "@x:y"}, types.Text("hi")))
}

func TestConfigChangesApplyLive(t *testing.T) {
	h := newHarness(t, t.TempDir())

	_, err := h.g.Config().Set("llm.providers.claude.enabled", "false")
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, h.g.Monitor().Candidates())

	// allow-lists are blocked remotely but follow the file on reload
	path := h.g.Config().Path()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), `allowed: ["1001"]`, `allowed: ["1001", "2002"]`, 1))
	require.NoError(t, os.WriteFile(path, data, 0600))
	_, err = h.g.Config().Reload()
	require.NoError(t, err)
	assert.True(t, h.g.Auth().Allowed(types.Identity{Channel: types.ChannelTelegram, ID: "2002"}))

	// reload replaced memory with the file, which never disabled claude
	assert.Equal(t, []string{"claude", "local"}, h.g.Monitor().Candidates())
	h.say(operator, "hello")
	h.g.wg.Wait()
	got := h.cli.sentTo(operator)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "claude heard")
}

func TestSavedConfigSurvivesReload(t *testing.T) {
	h := newHarness(t, t.TempDir())

	_, err := h.g.Config().Set("llm.providers.claude.enabled", "false")
	require.NoError(t, err)
	require.NoError(t, h.g.Config().Save())
	_, err = h.g.Config().Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, h.g.Monitor().Candidates())

	h.say(operator, "hello")
	h.g.wg.Wait()
	got := h.cli.sentTo(operator)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "local heard")
}

func TestSoftRestartKeepsSessions(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(operator, "remember me")
	h.g.wg.Wait()
	before := h.built.Load()

	require.NoError(t, h.g.Reinitialize(context.Background()))
	assert.Equal(t, before+2, h.built.Load(), "every provider client is rebuilt")

	h.say(operator, "still there?")
	h.g.wg.Wait()
	got := h.cli.sentTo(operator)
	require.Len(t, got, 2)
	assert.Contains(t, got[1], "3 turns")
}

func TestHardRestartFailureKeepsRunning(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(operator, "/restart hard")
	id := pendingID(t, h)
	h.say(phone, "/approve "+id)

	assert.Eventually(t, func() bool { return h.cli.sawBroadcast("Hard restart failed") }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, h.strategy.restarts.Load())

	// stores are still open
	h.say(operator, "/health")
	assert.NotEmpty(t, h.cli.sentTo(operator))
}

func pendingID(t *testing.T, h *harness) string {
	t.Helper()
	pending := h.g.Approvals().Pending()
	require.Len(t, pending, 1)
	return pending[0].ID
}

func TestApprovalSurvivesProcessRestart(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir)

	first.say(operator, "/config set llm.routing.max_tokens 2048")
	id := pendingID(t, first)
	assert.True(t, first.tg.sawBroadcast(id), "the prompt reaches every channel")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.g.Shutdown(sctx))

	second := newHarness(t, dir)
	require.Len(t, second.g.Approvals().Pending(), 1)

	second.say(stranger, "/approve "+id)
	assert.Len(t, second.g.Approvals().Pending(), 1, "unauthorized approvals are ignored")

	second.say(phone, "/approve "+id)
	assert.Eventually(t, func() bool {
		v, err := second.g.Config().Get("llm.routing.max_tokens")
		return err == nil && fmt.Sprint(v) == "2048"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, t.TempDir())

	st := h.g.Status()
	assert.Equal(t, []string{"cli", "telegram"}, st.Channels)
	assert.Equal(t, []string{"claude", "local"}, st.Priority)
	require.Len(t, st.Providers, 2)
	assert.Equal(t, "healthy", st.Providers[0].Status)
	assert.False(t, st.Recovery.Active)

	h.say(operator, "/recovery on")
	st = h.g.Status()
	assert.True(t, st.Recovery.Active)
	assert.Equal(t, "manual", st.Recovery.Mode)
	assert.NotNil(t, st.Recovery.EnteredAt)
}

func TestShutdownStopsChannelsOnce(t *testing.T) {
	h := newHarness(t, t.TempDir())

	require.NoError(t, h.g.Shutdown(context.Background()))
	require.NoError(t, h.g.Shutdown(context.Background()))
	assert.True(t, h.cli.stopped)
	assert.True(t, h.tg.stopped)
}

func TestMetricsCountTraffic(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.say(stranger, "hi")
	h.say(phone, "/help")
	h.say(operator, "hello")
	h.g.wg.Wait()

	counts := map[string]int64{}
	var reasoning map[string]int64
	for _, s := range h.g.Metrics() {
		counts[s.Path] = s.Count
		if s.Path == "reasoning" {
			reasoning = s.Outcomes
		}
	}
	assert.Equal(t, int64(1), counts["inbound.telegram.unauthorized"])
	assert.Equal(t, int64(1), counts["inbound.telegram"])
	assert.Equal(t, int64(1), counts["inbound.cli"])
	assert.Equal(t, int64(1), counts["commands.help"])
	assert.Equal(t, map[string]int64{"ok": 1}, reasoning)
}
