package metrics

import (
	"time"
)

// Type is the kind of a metric.
type Type string

const (
	TypeTiming  Type = "timing"
	TypeCounter Type = "counter"
	TypeOutcome Type = "outcome"
)

const maxSamples = 500 // ring buffer size for percentiles

// timing tracks durations.
type timing struct {
	count     int64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	last      time.Duration
	samples   []time.Duration
	sampleIdx int
}

func (t *timing) record(d time.Duration) {
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.total += d
	t.last = d

	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
		return
	}
	t.samples[t.sampleIdx] = d
	t.sampleIdx = (t.sampleIdx + 1) % maxSamples
}

// outcome counts named results, e.g. approved/denied/timeout.
type outcome struct {
	counts map[string]int64
	total  int64
	last   string
}

// Snapshot is a point-in-time view of one metric.
type Snapshot struct {
	Path    string    `json:"path"`
	Type    Type      `json:"type"`
	Updated time.Time `json:"updated"`

	Count int64 `json:"count"`

	// timing
	AvgMs  float64 `json:"avg_ms,omitempty"`
	MinMs  float64 `json:"min_ms,omitempty"`
	MaxMs  float64 `json:"max_ms,omitempty"`
	LastMs float64 `json:"last_ms,omitempty"`
	P95Ms  float64 `json:"p95_ms,omitempty"`

	// outcome
	Outcomes map[string]int64 `json:"outcomes,omitempty"`
	Last     string           `json:"last,omitempty"`
}
