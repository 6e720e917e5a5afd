// Package agent is the default reasoning path: it sends a session's
// conversation to the first healthy provider, failing over in priority order,
// and reports success or failure to the recovery controller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/llm"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/session"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

var ErrBudgetExhausted = errors.New("daily reasoning budget exhausted")

// Providers resolves provider names to clients.
type Providers interface {
	Get(name string) (llm.Provider, error)
}

// Router lists healthy providers in failover order.
type Router interface {
	Candidates() []string
}

// Signals receives the outcome of every reasoning call.
type Signals interface {
	ReasoningSucceeded()
	ReasoningFailed(err error)
}

// Settings are the llm.routing and llm.budget keys the agent reads.
type Settings struct {
	SystemPrompt  string
	MaxTokens     int
	Timeout       time.Duration
	HistoryTurns  int
	DailyRequests int // 0 = unlimited
}

// SettingsFrom converts the llm config section.
func SettingsFrom(cfg config.LLMConfig) Settings {
	return Settings{
		SystemPrompt:  cfg.Routing.SystemPrompt,
		MaxTokens:     cfg.Routing.MaxTokens,
		Timeout:       time.Duration(cfg.Routing.TimeoutSeconds) * time.Second,
		HistoryTurns:  cfg.Routing.HistoryTurns,
		DailyRequests: cfg.Budget.DailyRequests,
	}
}

// Options wire an Agent to its collaborators.
type Options struct {
	Providers Providers
	Router    Router
	Sessions  *session.Manager
	Signals   Signals
	Now       func() time.Time
}

// Agent implements RunSession for the gateway.
type Agent struct {
	mu       sync.Mutex
	settings Settings
	budget   *budget

	// base is cancelled by Cancel to abort in-flight work on soft restart
	base   context.Context
	cancel context.CancelFunc

	opts Options
}

// New creates an agent.
func New(settings Settings, opts Options) *Agent {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Agent{
		settings: settings,
		budget:   &budget{},
		base:     base,
		cancel:   cancel,
		opts:     opts,
	}
}

// Update replaces the settings.
func (a *Agent) Update(s Settings) {
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
}

// Cancel aborts every in-flight RunSession and arms a fresh context for
// subsequent calls.
func (a *Agent) Cancel() {
	a.mu.Lock()
	a.cancel()
	a.base, a.cancel = context.WithCancel(context.Background())
	a.mu.Unlock()
	L_info("agent: in-flight reasoning cancelled")
}

func (a *Agent) snapshot() (Settings, context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings, a.base
}

// RunSession answers text for id, keeping conversation continuity in the
// identity's session.
func (a *Agent) RunSession(ctx context.Context, id types.Identity, text string) (string, error) {
	settings, base := a.snapshot()

	if !a.budget.take(a.opts.Now(), settings.DailyRequests) {
		return "", ErrBudgetExhausted
	}

	ctx, stop := mergeCancel(ctx, base)
	defer stop()
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	sess, err := a.opts.Sessions.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("agent: load session: %w", err)
	}
	req := llm.Request{
		System:    settings.SystemPrompt,
		MaxTokens: settings.MaxTokens,
		Messages:  history(sess, settings.HistoryTurns),
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: text})

	resp, err := a.complete(ctx, req)
	if err != nil {
		if a.opts.Signals != nil && ctx.Err() == nil {
			a.opts.Signals.ReasoningFailed(err)
		}
		return "", err
	}
	if a.opts.Signals != nil {
		a.opts.Signals.ReasoningSucceeded()
	}

	now := a.opts.Now()
	keep := settings.HistoryTurns
	err = a.opts.Sessions.Update(ctx, id, func(s *session.Session) {
		s.Append(llm.RoleUser, text, now, keep)
		s.Append(llm.RoleAssistant, resp.Text, now, keep)
	})
	if err != nil {
		L_warn("agent: save session failed", "identity", id.String(), "error", err)
	}
	return resp.Text, nil
}

// complete tries each healthy provider in priority order.
func (a *Agent) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	candidates := a.opts.Router.Candidates()
	if len(candidates) == 0 {
		return nil, llm.ErrNoHealthyProvider
	}

	var lastErr error
	for _, name := range candidates {
		p, err := a.opts.Providers.Get(name)
		if err != nil {
			lastErr = err
			continue
		}
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		if err == nil {
			L_debug("agent: completion", "provider", name, "elapsed", time.Since(start).Round(time.Millisecond))
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := llm.Classify(err)
		L_warn("agent: provider failed", "provider", name, "type", kind, "error", err)
		if !llm.IsFailoverError(kind) {
			break
		}
	}
	return nil, lastErr
}

func history(s *session.Session, keep int) []llm.Message {
	turns := s.Turns
	if keep > 0 && len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	out := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// UserMessage maps a reasoning error to the reply sent to the channel.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return "The daily reasoning budget is used up. Slash commands still work."
	case errors.Is(err, llm.ErrNoHealthyProvider):
		return "No AI provider is available right now. Try /health."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled (the gateway is restarting)."
	default:
		return llm.FormatErrorForUser(llm.Classify(err))
	}
}

// budget counts reasoning requests per UTC day.
type budget struct {
	mu    sync.Mutex
	day   string
	count int
}

func (b *budget) take(now time.Time, limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := now.UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.count = 0
	}
	if limit > 0 && b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Used returns the number of requests counted today.
func (a *Agent) Used() int {
	a.budget.mu.Lock()
	defer a.budget.mu.Unlock()
	if a.budget.day != a.opts.Now().UTC().Format("2006-01-02") {
		return 0
	}
	return a.budget.count
}
