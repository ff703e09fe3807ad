// Package queue buffers job requests that hit an expired session, runs a
// single sign-on flow, and replays the buffered requests once it finishes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
)

// Request identifies the call being gated.
type Request struct {
	JobPath string
	Payload any
	Params  url.Values
}

// SendFunc performs the call. It is invoked once directly and at most once
// more on replay.
type SendFunc func(ctx context.Context) (any, error)

// SignOnFunc establishes a session.
type SignOnFunc func(ctx context.Context) error

// PendingRequest is a request waiting for sign-on to finish.
type PendingRequest struct {
	ID        string
	JobPath   string
	Payload   any
	Params    url.Values
	Timestamp time.Time

	seq  uint64
	ctx  context.Context
	send SendFunc

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// settle records the outcome. Only the first call has any effect.
func (p *PendingRequest) settle(result any, err error) bool {
	settled := false
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
		settled = true
	})
	return settled
}

// Config configures a Gate.
type Config struct {
	SignOn SignOnFunc
	// Timeout bounds one sign-on flow. Zero means no bound beyond SignOn's own.
	Timeout time.Duration
	Logger  *slog.Logger
	// Now is the clock used for request timestamps.
	Now func() time.Time
	// Generation returns the session's login count. When a login completed
	// after a request was sent, its login-required failure is replayed
	// directly instead of starting another sign-on. Nil disables this.
	Generation func() uint64
}

// Gate forwards requests and holds them while a sign-on flow runs.
type Gate struct {
	signOn     SignOnFunc
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	generation func() uint64

	mu        sync.Mutex
	signingIn bool
	seq       uint64
	pending   []*PendingRequest
}

// New creates a Gate.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	generation := cfg.Generation
	if generation == nil {
		generation = func() uint64 { return 0 }
	}
	return &Gate{
		signOn:     cfg.SignOn,
		timeout:    cfg.Timeout,
		logger:     logger,
		now:        now,
		generation: generation,
	}
}

// Submit sends req unless a sign-on flow is running, in which case it waits
// for the replay. A login-required failure on the direct send queues the
// request and starts sign-on, unless a login finished while the request was
// in flight; then it is replayed at once.
func (g *Gate) Submit(ctx context.Context, req Request, send SendFunc) (any, error) {
	if send == nil {
		return nil, apierr.Argument("submit requires a send function")
	}

	g.mu.Lock()
	if g.signingIn {
		p := g.enqueueLocked(ctx, req, send)
		g.mu.Unlock()
		g.logger.Debug("request queued behind sign-on", "id", p.ID, "job", req.JobPath)
		return g.wait(ctx, p)
	}
	g.mu.Unlock()

	sentUnder := g.generation()
	result, err := send(ctx)
	if err == nil || !apierr.Retryable(err) {
		return result, err
	}

	g.mu.Lock()
	if !g.signingIn && g.generation() > sentUnder {
		g.mu.Unlock()
		g.logger.Debug("login completed while request was in flight, replaying", "job", req.JobPath)
		return send(ctx)
	}
	p := g.enqueueLocked(ctx, req, send)
	start := !g.signingIn
	g.signingIn = true
	g.mu.Unlock()

	g.logger.Debug("request queued for replay", "id", p.ID, "job", req.JobPath, "starts_sign_on", start)
	if start {
		go g.signOnAndDrain()
	}
	return g.wait(ctx, p)
}

func (g *Gate) enqueueLocked(ctx context.Context, req Request, send SendFunc) *PendingRequest {
	g.seq++
	p := &PendingRequest{
		ID:        uuid.NewString(),
		JobPath:   req.JobPath,
		Payload:   req.Payload,
		Params:    req.Params,
		Timestamp: g.now(),
		seq:       g.seq,
		ctx:       ctx,
		send:      send,
		done:      make(chan struct{}),
	}
	g.pending = append(g.pending, p)
	return p
}

func (g *Gate) wait(ctx context.Context, p *PendingRequest) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SigningIn reports whether a sign-on flow is running.
func (g *Gate) SigningIn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signingIn
}

// Pending returns the queued requests in replay order.
func (g *Gate) Pending() []*PendingRequest {
	g.mu.Lock()
	out := append([]*PendingRequest(nil), g.pending...)
	g.mu.Unlock()

	sortForReplay(out)
	return out
}

// Len returns the number of queued requests.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// sortForReplay orders by ascending timestamp, then arrival sequence.
func sortForReplay(items []*PendingRequest) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].seq < items[j].seq
	})
}

func (g *Gate) signOnAndDrain() {
	ctx := context.Background()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var err error
	if g.signOn == nil {
		err = errors.New("no sign-on configured")
	} else {
		err = g.signOn(ctx)
	}

	g.mu.Lock()
	items := g.pending
	g.pending = nil
	g.signingIn = false
	g.mu.Unlock()

	sortForReplay(items)

	if err != nil {
		g.logger.Warn("sign-on failed, rejecting queued requests", "count", len(items), "error", err)
		for _, p := range items {
			p.settle(nil, &apierr.Error{
				Kind:    apierr.KindLoginRequired,
				Message: fmt.Sprintf("sign-on failed for %s", p.JobPath),
				Err:     err,
			})
		}
		return
	}

	g.logger.Info("sign-on complete, replaying queued requests", "count", len(items))
	for _, p := range items {
		if p.ctx.Err() != nil {
			p.settle(nil, p.ctx.Err())
			continue
		}
		result, sendErr := p.send(p.ctx)
		p.settle(result, sendErr)
	}
}
