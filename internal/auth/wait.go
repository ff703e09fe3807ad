package auth

import (
	"context"
	"time"
)

// waitUntil polls Done every Interval until it reports true, Abort reports
// true, or Timeout elapses. Only Done reporting true is a positive outcome.
type waitUntil struct {
	Timeout  time.Duration
	Interval time.Duration
	Done     func(ctx context.Context) bool
	Abort    func() bool
}

// run returns ctx.Err() when the caller's context ends first.
func (w waitUntil) run(ctx context.Context) (bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if w.Abort != nil && w.Abort() {
			return false, nil
		}
		if w.Done(ctx) {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
		}
	}
}
