// Package approval implements the cross-channel approval broker: a request is
// broadcast to every channel and the first resolution from any authorized
// identity wins.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// DefaultTimeout is how long an approval waits before resolving as denied.
const DefaultTimeout = 5 * time.Minute

var ErrClosed = errors.New("approval broker closed")

// Decision is the resolution state of an approval.
type Decision int

const (
	Unresolved Decision = iota
	Approved
	Denied
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "pending"
	}
}

// Approval is a pending or resolved approval request.
type Approval struct {
	ID          string
	Description string
	Action      string // command line gated by this approval
	Requester   types.Identity
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Decision    Decision
	ResolvedBy  types.Identity
	ResolvedAt  time.Time
	TimedOut    bool
}

// Resolved reports whether a decision has been made.
func (a Approval) Resolved() bool {
	return a.Decision != Unresolved
}

// Outcome is what a waiter observes once an approval is resolved.
type Outcome struct {
	Decision Decision
	By       types.Identity
	At       time.Time
	TimedOut bool
}

// ResolveStatus reports what a Resolve call did.
type ResolveStatus int

const (
	Applied ResolveStatus = iota
	AlreadyResolved
	NotFound
	Invalid
)

func (s ResolveStatus) String() string {
	switch s {
	case Applied:
		return "applied"
	case AlreadyResolved:
		return "already resolved"
	case NotFound:
		return "not found"
	default:
		return "invalid"
	}
}

// Notifier delivers a message to every registered channel.
type Notifier interface {
	Broadcast(ctx context.Context, msg types.Message)
}

// Store persists approvals so unresolved ones survive a hard restart.
type Store interface {
	SaveApproval(ctx context.Context, a Approval) error
	UnresolvedApprovals(ctx context.Context) ([]Approval, error)
}

// Options configure a Broker. Zero values fall back to defaults.
type Options struct {
	Timeout  time.Duration
	Notifier Notifier
	Store    Store
	Bus      *bus.Bus
	Now      func() time.Time
}

type entry struct {
	approval Approval
	future   *Future
	timer    *time.Timer
}

// Broker owns every approval. All state changes happen under mu, so the
// first Resolve to acquire it wins; the expiry timer competes the same way.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	timeout  time.Duration
	notifier Notifier
	store    Store
	bus      *bus.Bus
	now      func() time.Time
}

// NewBroker creates a broker.
func NewBroker(opts Options) *Broker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broker{
		entries:  make(map[string]*entry),
		timeout:  opts.Timeout,
		notifier: opts.Notifier,
		store:    opts.Store,
		bus:      opts.Bus,
		now:      opts.Now,
	}
}

// SetTimeout changes the timeout for future requests.
func (b *Broker) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
}

// newIDLocked returns a short id unique among current entries.
func (b *Broker) newIDLocked() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, exists := b.entries[id]; !exists {
			return id
		}
	}
}

// Request registers a new approval, starts its expiry timer and broadcasts
// the prompt to every channel.
func (b *Broker) Request(ctx context.Context, description, action string, requester types.Identity) (Approval, *Future, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Approval{}, nil, ErrClosed
	}
	now := b.now()
	a := Approval{
		ID:          b.newIDLocked(),
		Description: description,
		Action:      action,
		Requester:   requester,
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.timeout),
	}
	e := b.addLocked(a, b.timeout)
	b.mu.Unlock()

	L_info("approval: requested", "id", a.ID, "requester", requester.String(), "action", action)
	b.persist(ctx, a)
	b.bus.Publish(bus.TopicApprovalCreated, "approval", a)
	b.broadcast(ctx, promptMessage(a))

	return a, e.future, nil
}

func (b *Broker) addLocked(a Approval, wait time.Duration) *entry {
	e := &entry{approval: a, future: newFuture()}
	b.entries[a.ID] = e
	id := a.ID
	e.timer = time.AfterFunc(wait, func() { b.expire(id) })
	return e
}

// Resolve applies a human decision. Only the first resolution takes effect.
func (b *Broker) Resolve(id string, by types.Identity, d Decision) (ResolveStatus, Approval) {
	if d != Approved && d != Denied {
		return Invalid, Approval{}
	}
	return b.resolve(context.Background(), id, by, d, false)
}

func (b *Broker) expire(id string) {
	status, a := b.resolve(context.Background(), id, types.System, Denied, true)
	if status == Applied {
		L_info("approval: timed out", "id", id, "action", a.Action)
	}
}

func (b *Broker) resolve(ctx context.Context, id string, by types.Identity, d Decision, timedOut bool) (ResolveStatus, Approval) {
	id = strings.TrimSpace(strings.ToLower(id))

	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return NotFound, Approval{}
	}
	if e.approval.Resolved() {
		a := e.approval
		b.mu.Unlock()
		return AlreadyResolved, a
	}
	e.approval.Decision = d
	e.approval.ResolvedBy = by
	e.approval.ResolvedAt = b.now()
	e.approval.TimedOut = timedOut
	if e.timer != nil {
		e.timer.Stop()
	}
	a := e.approval
	e.future.resolve(Outcome{Decision: d, By: by, At: a.ResolvedAt, TimedOut: timedOut})
	b.mu.Unlock()

	if !timedOut {
		L_info("approval: resolved", "id", id, "decision", d.String(), "by", by.String())
	}
	b.persist(ctx, a)
	b.bus.Publish(bus.TopicApprovalResolved, "approval", a)
	b.broadcast(ctx, resolutionMessage(a))
	return Applied, a
}

// Get returns an approval by id.
func (b *Broker) Get(id string) (Approval, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[strings.ToLower(id)]
	if !ok {
		return Approval{}, false
	}
	return e.approval, true
}

// Pending returns unresolved approvals, oldest first.
func (b *Broker) Pending() []Approval {
	b.mu.Lock()
	out := make([]Approval, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.approval.Resolved() {
			out = append(out, e.approval)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restored pairs a persisted approval with a fresh future.
type Restored struct {
	Approval Approval
	Future   *Future
}

// Restore reloads unresolved approvals from the store, re-arming their
// timers with the remaining time. Approvals whose deadline passed while the
// gateway was down resolve as timed out immediately.
func (b *Broker) Restore(ctx context.Context) ([]Restored, error) {
	if b.store == nil {
		return nil, nil
	}
	list, err := b.store.UnresolvedApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval: restore: %w", err)
	}

	var restored []Restored
	var expired []string
	b.mu.Lock()
	now := b.now()
	for _, a := range list {
		if _, exists := b.entries[a.ID]; exists {
			continue
		}
		wait := a.ExpiresAt.Sub(now)
		if wait <= 0 {
			wait = time.Hour // resolved below; the timer never fires
			expired = append(expired, a.ID)
		}
		e := b.addLocked(a, wait)
		restored = append(restored, Restored{Approval: a, Future: e.future})
	}
	b.mu.Unlock()

	for _, id := range expired {
		b.expire(id)
	}
	if len(restored) > 0 {
		L_info("approval: restored pending approvals", "count", len(restored), "expired", len(expired))
	}
	return restored, nil
}

// Prune forgets resolved approvals older than age.
func (b *Broker) Prune(age time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-age)
	removed := 0
	for id, e := range b.entries {
		if e.approval.Resolved() && e.approval.ResolvedAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}

// Close stops all timers. Unresolved approvals stay unresolved in the store
// so Restore can pick them up after a restart.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, e := range b.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (b *Broker) persist(ctx context.Context, a Approval) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveApproval(ctx, a); err != nil {
		L_warn("approval: persist failed", "id", a.ID, "error", err)
	}
}

func (b *Broker) broadcast(ctx context.Context, msg types.Message) {
	if b.notifier == nil {
		return
	}
	b.notifier.Broadcast(ctx, msg)
}
