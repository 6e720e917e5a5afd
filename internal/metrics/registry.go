// Package metrics keeps in-memory counters, timings and outcome tallies for
// the control plane. Values are fed from bus events (see Attach) and served
// read-only over HTTP.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

type entry struct {
	typ     Type
	updated time.Time
	timing  *timing
	counter int64
	outcome *outcome
}

// Registry holds metrics keyed by dotted path.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	bus  *bus.Bus
	subs []bus.SubscriptionID
}

// New creates an empty registry. now may be nil.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{entries: make(map[string]*entry), now: now}
}

// Path joins segments with dots, dropping empty ones.
func Path(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

// getLocked returns the entry at path, creating it with typ. A path already
// registered under another type is left untouched and nil is returned.
func (r *Registry) getLocked(path string, typ Type) *entry {
	e, ok := r.entries[path]
	if !ok {
		e = &entry{typ: typ}
		switch typ {
		case TypeTiming:
			e.timing = &timing{samples: make([]time.Duration, 0, 16)}
		case TypeOutcome:
			e.outcome = &outcome{counts: make(map[string]int64)}
		}
		r.entries[path] = e
	}
	if e.typ != typ {
		L_warn("metrics: type mismatch", "path", path, "have", e.typ, "want", typ)
		return nil
	}
	e.updated = r.now()
	return e
}

// Duration records one timing sample.
func (r *Registry) Duration(path string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.getLocked(path, TypeTiming); e != nil {
		e.timing.record(d)
	}
}

// Add increments a counter by delta.
func (r *Registry) Add(path string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.getLocked(path, TypeCounter); e != nil {
		e.counter += delta
	}
}

// Inc increments a counter by one.
func (r *Registry) Inc(path string) { r.Add(path, 1) }

// Outcome tallies one named result.
func (r *Registry) Outcome(path, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.getLocked(path, TypeOutcome); e != nil {
		e.outcome.counts[result]++
		e.outcome.total++
		e.outcome.last = result
	}
}

// Snapshot returns every metric sorted by path.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.entries))
	for path, e := range r.entries {
		s := Snapshot{Path: path, Type: e.typ, Updated: e.updated}
		switch e.typ {
		case TypeCounter:
			s.Count = e.counter
		case TypeTiming:
			t := e.timing
			s.Count = t.count
			if t.count > 0 {
				s.AvgMs = ms(t.total / time.Duration(t.count))
			}
			s.MinMs = ms(t.min)
			s.MaxMs = ms(t.max)
			s.LastMs = ms(t.last)
			s.P95Ms = percentile(t.samples, 95)
		case TypeOutcome:
			o := e.outcome
			s.Count = o.total
			s.Last = o.last
			s.Outcomes = make(map[string]int64, len(o.counts))
			for k, v := range o.counts {
				s.Outcomes[k] = v
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Reset drops every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func percentile(samples []time.Duration, p int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return ms(sorted[idx])
}
