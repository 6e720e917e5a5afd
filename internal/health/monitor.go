// Package health probes reasoning providers on a fixed interval and selects
// the first healthy provider in priority order.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

var ErrUnknownProvider = errors.New("unknown provider")

// Status is a provider's health as of its last check.
type Status int

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	if s == Unhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// Prober runs a minimal liveness request against a provider.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Record is the health state of one provider. Providers start Healthy and
// unchecked so routing works before the first cycle completes.
type Record struct {
	Name           string
	Enabled        bool
	Status         Status
	LastCheckedAt  time.Time // zero until the first check
	LastError      string
	UnhealthySince time.Time // zero while healthy
	Latency        time.Duration
}

// Checked reports whether the provider has been probed at least once.
func (r Record) Checked() bool {
	return !r.LastCheckedAt.IsZero()
}

// Snapshot is a consistent copy of every record, in priority order.
type Snapshot struct {
	At        time.Time
	Cycle     uint64
	Providers []Record
}

// AllEnabledDown reports whether every enabled provider is unhealthy, and
// since when that has continuously been true (the latest UnhealthySince).
// With no enabled providers it reports false.
func (s Snapshot) AllEnabledDown() (bool, time.Time) {
	var since time.Time
	enabled := 0
	for _, r := range s.Providers {
		if !r.Enabled {
			continue
		}
		enabled++
		if r.Status != Unhealthy {
			return false, time.Time{}
		}
		if r.UnhealthySince.After(since) {
			since = r.UnhealthySince
		}
	}
	if enabled == 0 {
		return false, time.Time{}
	}
	return true, since
}

// AnyEnabledHealthy reports whether at least one enabled provider is healthy.
func (s Snapshot) AnyEnabledHealthy() bool {
	for _, r := range s.Providers {
		if r.Enabled && r.Status == Healthy {
			return true
		}
	}
	return false
}

// Options configure a Monitor.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Bus          *bus.Bus
	Now          func() time.Time
}

// Monitor owns provider health records. Only check cycles change status.
type Monitor struct {
	mu        sync.RWMutex
	order     []string
	records   map[string]*Record
	probers   map[string]Prober
	cycle     uint64
	observers []func(Snapshot)

	cycleMu sync.Mutex // serializes check cycles

	interval     time.Duration
	probeTimeout time.Duration
	bus          *bus.Bus
	now          func() time.Time

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	kick    chan struct{}
	recheck chan struct{}
}

// NewMonitor creates an empty monitor. Providers are added with SetProviders.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		records:      make(map[string]*Record),
		probers:      make(map[string]Prober),
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		bus:          opts.Bus,
		now:          opts.Now,
		kick:         make(chan struct{}, 1),
		recheck:      make(chan struct{}, 1),
	}
}

// Provider describes one provider passed to SetProviders.
type Provider struct {
	Name    string
	Enabled bool
	Prober  Prober
}

// SetProviders replaces the provider table. Providers are given in priority
// order. Records of providers that remain keep their health history.
func (m *Monitor) SetProviders(providers []Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make(map[string]*Record, len(providers))
	probers := make(map[string]Prober, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		if _, dup := records[p.Name]; dup {
			continue
		}
		rec, ok := m.records[p.Name]
		if !ok {
			rec = &Record{Name: p.Name, Status: Healthy}
		}
		setEnabled(rec, p.Enabled)
		records[p.Name] = rec
		probers[p.Name] = p.Prober
		order = append(order, p.Name)
	}
	m.records = records
	m.probers = probers
	m.order = order
}

// SetEnabled enables or disables a provider for probing and selection.
func (m *Monitor) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	setEnabled(rec, enabled)
	return nil
}

// setEnabled resets a re-enabled record to unchecked. It was not probed
// while disabled, so its outage starts again at the next failed check.
func setEnabled(rec *Record, enabled bool) {
	if enabled && !rec.Enabled {
		rec.Status = Healthy
		rec.LastCheckedAt = time.Time{}
		rec.LastError = ""
		rec.UnhealthySince = time.Time{}
		rec.Latency = 0
	}
	rec.Enabled = enabled
}

// SetPriority reorders providers. Listed names come first in the given
// order; unlisted providers keep their relative order after them.
func (m *Monitor) SetPriority(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := m.records[n]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, n)
		}
		if seen[n] {
			return fmt.Errorf("duplicate provider %q", n)
		}
		seen[n] = true
	}
	order := append([]string(nil), names...)
	for _, n := range m.order {
		if !seen[n] {
			order = append(order, n)
		}
	}
	m.order = order
	return nil
}

// Has reports whether a provider is known.
func (m *Monitor) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[name]
	return ok
}

// Priority returns provider names in priority order.
func (m *Monitor) Priority() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Select returns the first enabled, healthy provider in priority order.
func (m *Monitor) Select() (string, bool) {
	c := m.Candidates()
	if len(c) == 0 {
		return "", false
	}
	return c[0], true
}

// Candidates returns every enabled, healthy provider in priority order.
func (m *Monitor) Candidates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, n := range m.order {
		r := m.records[n]
		if r.Enabled && r.Status == Healthy {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot returns a copy of all records.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	s := Snapshot{At: m.now(), Cycle: m.cycle, Providers: make([]Record, 0, len(m.order))}
	for _, n := range m.order {
		s.Providers = append(s.Providers, *m.records[n])
	}
	return s
}

// OnCycle registers a callback run after every completed check cycle.
func (m *Monitor) OnCycle(fn func(Snapshot)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

type probeResult struct {
	name    string
	err     error
	latency time.Duration
}

// CheckNow runs one check cycle: every enabled provider is probed
// concurrently and all results are applied together.
func (m *Monitor) CheckNow(ctx context.Context) Snapshot {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.RLock()
	targets := make(map[string]Prober)
	for _, n := range m.order {
		if m.records[n].Enabled {
			targets[n] = m.probers[n]
		}
	}
	m.mu.RUnlock()

	results := make(chan probeResult, len(targets))
	var wg sync.WaitGroup
	for name, p := range targets {
		wg.Add(1)
		go func(name string, p Prober) {
			defer wg.Done()
			latency, err := m.probe(ctx, p)
			results <- probeResult{name: name, err: err, latency: latency}
		}(name, p)
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	at := m.now()
	for r := range results {
		rec, ok := m.records[r.name]
		if !ok {
			continue // removed mid-cycle
		}
		m.applyLocked(rec, r, at)
	}
	m.cycle++
	snap := m.snapshotLocked()
	observers := append(([]func(Snapshot))(nil), m.observers...)
	m.mu.Unlock()

	L_debug("health: cycle complete", "cycle", snap.Cycle, "probed", len(targets))
	for _, fn := range observers {
		fn(snap)
	}
	m.bus.Publish(bus.TopicHealthCycle, "health", snap)
	return snap
}

func (m *Monitor) applyLocked(rec *Record, r probeResult, at time.Time) {
	rec.LastCheckedAt = at
	rec.Latency = r.latency
	if r.err == nil {
		if rec.Status == Unhealthy {
			L_info("health: provider recovered", "provider", rec.Name, "downFor", at.Sub(rec.UnhealthySince).Round(time.Second))
		}
		rec.Status = Healthy
		rec.LastError = ""
		rec.UnhealthySince = time.Time{}
		return
	}
	if rec.Status == Healthy {
		rec.UnhealthySince = at
		L_warn("health: provider unhealthy", "provider", rec.Name, "error", r.err)
	}
	rec.Status = Unhealthy
	rec.LastError = r.err.Error()
}

func (m *Monitor) probe(ctx context.Context, p Prober) (latency time.Duration, err error) {
	if p == nil {
		return 0, errors.New("no prober configured")
	}
	m.mu.RLock()
	timeout := m.probeTimeout
	m.mu.RUnlock()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	start := time.Now()
	err = p.Probe(pctx)
	return time.Since(start), err
}

// Test probes a single provider without changing its record.
func (m *Monitor) Test(ctx context.Context, name string) (time.Duration, error) {
	m.mu.RLock()
	p, ok := m.probers[name]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return m.probe(ctx, p)
}

// SetInterval changes the cycle period. A changed period restarts the
// current wait; setting the same period does nothing.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	m.mu.Lock()
	changed := m.interval != d
	m.interval = d
	m.mu.Unlock()
	if changed {
		m.Kick()
	}
}

// SetProbeTimeout changes the per-probe timeout.
func (m *Monitor) SetProbeTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultProbeTimeout
	}
	m.mu.Lock()
	m.probeTimeout = d
	m.mu.Unlock()
}

// Kick restarts the wait before the next cycle.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Recheck asks the loop for a cycle now. The regular wait starts over
// after it. A request made before Start runs right after the first cycle.
func (m *Monitor) Recheck() {
	select {
	case m.recheck <- struct{}{}:
	default:
	}
}

// Start runs a cycle immediately, then every interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	L_info("health: monitor started", "interval", m.currentInterval())
	go m.loop(ctx, m.stopCh)
}

// Stop ends the loop.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	L_info("health: monitor stopped")
}

func (m *Monitor) currentInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

func (m *Monitor) loop(ctx context.Context, stopCh chan struct{}) {
	m.CheckNow(ctx)
	for {
		timer := time.NewTimer(m.currentInterval())
		select {
		case <-timer.C:
			m.CheckNow(ctx)
		case <-m.kick:
			timer.Stop()
		case <-m.recheck:
			timer.Stop()
			m.CheckNow(ctx)
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
