// Package poll repeatedly checks a job until it completes, escalating
// through a chain of strategies with growing intervals.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
)

// Strategy is one stage of the escalation chain.
type Strategy struct {
	MaxPollCount int
	PollInterval time.Duration
	// StreamLog asks the check to capture partial logs during this stage.
	StreamLog bool
	// LogFolderPath is where streamed logs are written.
	LogFolderPath string
	// SubsequentStrategies run in order once this stage is exhausted.
	SubsequentStrategies []Strategy
}

// Chain flattens s and its subsequent strategies depth-first. The returned
// stages have no SubsequentStrategies of their own.
func Chain(s Strategy) []Strategy {
	stage := s
	stage.SubsequentStrategies = nil
	out := []Strategy{stage}
	for _, next := range s.SubsequentStrategies {
		out = append(out, Chain(next)...)
	}
	return out
}

// DefaultStrategy escalates from sub-second checks to one per minute,
// covering roughly two and a half days in total.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxPollCount: 200,
		PollInterval: 300 * time.Millisecond,
		SubsequentStrategies: []Strategy{
			{MaxPollCount: 300, PollInterval: 3 * time.Second},
			{MaxPollCount: 500, PollInterval: 30 * time.Second},
			{MaxPollCount: 3400, PollInterval: time.Minute},
		},
	}
}

// Attempt describes one check invocation.
type Attempt struct {
	// Strategy is the active stage, passed through unchanged.
	Strategy Strategy
	// Stage is the zero-based index of Strategy in the chain.
	Stage int
	// Count is the one-based attempt number within the stage.
	Count int
	// Total is the one-based attempt number across all stages.
	Total int
}

// CheckFunc reports whether the job is complete. An error aborts polling.
type CheckFunc func(ctx context.Context, a Attempt) (done bool, err error)

// Outcome is how polling ended.
type Outcome int

const (
	// Completed means a check reported completion.
	Completed Outcome = iota
	// Exhausted means every stage ran out of attempts.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Option configures Poll.
type Option func(*poller)

type poller struct {
	logger *slog.Logger
	wait   WaitOptions
	sleep  func(ctx context.Context, d time.Duration, opts WaitOptions) (bool, error)
}

// WithLogger sets the logger for stage transitions.
func WithLogger(l *slog.Logger) Option {
	return func(p *poller) { p.logger = l }
}

// WithWaitOptions configures the sleep between attempts.
func WithWaitOptions(opts WaitOptions) Option {
	return func(p *poller) { p.wait = opts }
}

// Poll invokes check until it reports completion or the chain is exhausted,
// sleeping the active stage's PollInterval between attempts. Only ctx can
// stop it early.
func Poll(ctx context.Context, check CheckFunc, strategy Strategy, opts ...Option) (Outcome, error) {
	if check == nil {
		return Exhausted, apierr.Argument("poll requires a check function")
	}

	p := &poller{sleep: Wait}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	chain := Chain(strategy)
	for i, s := range chain {
		if s.PollInterval < 0 || s.MaxPollCount < 0 {
			return Exhausted, apierr.Argument("poll strategy %d: negative interval or count", i)
		}
	}

	total := 0
	for stage, s := range chain {
		if stage > 0 {
			p.logger.Debug("escalating poll strategy",
				"stage", stage,
				"max_poll_count", s.MaxPollCount,
				"poll_interval", s.PollInterval)
		}

		for count := 1; count <= s.MaxPollCount; count++ {
			if total > 0 {
				if _, err := p.sleep(ctx, s.PollInterval, p.wait); err != nil {
					return Exhausted, err
				}
			}
			total++

			done, err := check(ctx, Attempt{Strategy: s, Stage: stage, Count: count, Total: total})
			if err != nil {
				return Exhausted, err
			}
			if done {
				return Completed, nil
			}
		}
	}

	p.logger.Info("poll strategies exhausted", "attempts", total)
	return Exhausted, nil
}
