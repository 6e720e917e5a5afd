package approval

import (
	"context"
	"sync"
)

// Future is a one-shot resolution handle. It resolves at most once.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(o Outcome) bool {
	applied := false
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
		applied = true
	})
	return applied
}

// Done is closed once the approval is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the resolution without blocking.
func (f *Future) Outcome() (Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until resolution or ctx is done. A resolution that arrived
// before the cancellation is still reported; ctx.Err is returned only when
// the approval is genuinely unresolved.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		if o, ok := f.Outcome(); ok {
			return o, nil
		}
		return Outcome{}, ctx.Err()
	}
}
