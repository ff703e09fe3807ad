package poll

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// WaitOptions controls how a poll interval is slept.
type WaitOptions struct {
	// Output receives the countdown. If nil, output is discarded.
	Output io.Writer

	// Skip ends the current interval early each time it yields a value.
	// Closing it skips every remaining interval.
	Skip <-chan struct{}

	// ShowCountdown renders a progress bar while waiting.
	ShowCountdown bool

	// BarWidth is the progress bar width in cells.
	BarWidth int

	// Tick is the countdown refresh rate.
	Tick time.Duration
}

// Wait sleeps for duration unless ctx ends or Skip fires.
// Returns (true, nil) if the interval was skipped.
func Wait(ctx context.Context, duration time.Duration, opts WaitOptions) (bool, error) {
	if duration <= 0 {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.BarWidth <= 0 {
		opts.BarWidth = 30
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}

	if !opts.ShowCountdown || duration < 2*opts.Tick {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-opts.Skip:
			return true, nil
		}
	}

	start := time.Now()
	deadline := start.Add(duration)
	ticker := time.NewTicker(opts.Tick)
	defer ticker.Stop()

	render := func() {
		elapsed := min(max(time.Since(start), 0), duration)
		remaining := max(time.Until(deadline), 0)

		filled := int(float64(elapsed) / float64(duration) * float64(opts.BarWidth))
		filled = min(max(filled, 0), opts.BarWidth)

		bar := strings.Repeat("█", filled) + strings.Repeat("░", opts.BarWidth-filled)
		fmt.Fprintf(opts.Output, "\r[%s] next check in %ds", bar, int(remaining.Round(time.Second).Seconds()))
	}

	render()
	for {
		if !time.Now().Before(deadline) {
			fmt.Fprintln(opts.Output)
			return false, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(opts.Output)
			return false, ctx.Err()
		case <-opts.Skip:
			fmt.Fprintln(opts.Output)
			return true, nil
		case <-ticker.C:
			render()
		}
	}
}
