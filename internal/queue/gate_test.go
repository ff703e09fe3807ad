package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
)

// fakeServer rejects every call until loggedIn is set and records the order
// in which authenticated calls arrive.
type fakeServer struct {
	loggedIn atomic.Bool

	mu    sync.Mutex
	order []string
	calls map[string]int
}

func newFakeServer() *fakeServer {
	return &fakeServer{calls: map[string]int{}}
}

func (s *fakeServer) send(name string) SendFunc {
	return func(ctx context.Context) (any, error) {
		if !s.loggedIn.Load() {
			return nil, apierr.LoginRequired("expired")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.order = append(s.order, name)
		s.calls[name]++
		return "result:" + name, nil
	}
}

type outcome struct {
	name   string
	result any
	err    error
}

func waitForQueue(t *testing.T, g *Gate, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Len() == n }, 2*time.Second, time.Millisecond)
}

func TestSubmit_PassesThroughWhenSessionValid(t *testing.T) {
	srv := newFakeServer()
	srv.loggedIn.Store(true)
	g := New(Config{SignOn: func(context.Context) error {
		t.Fatal("sign-on must not run")
		return nil
	}})

	res, err := g.Submit(context.Background(), Request{JobPath: "/a"}, srv.send("a"))
	require.NoError(t, err)
	assert.Equal(t, "result:a", res)
	assert.False(t, g.SigningIn())
}

func TestSubmit_NonLoginErrorsSurfaceImmediately(t *testing.T) {
	g := New(Config{SignOn: func(context.Context) error { return nil }})

	_, err := g.Submit(context.Background(), Request{}, func(context.Context) (any, error) {
		return nil, apierr.NotFound("https://x/y")
	})
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
	assert.Equal(t, 0, g.Len())
}

func TestSubmit_ReplaysQueuedRequestsInSubmissionOrderExactlyOnce(t *testing.T) {
	const n = 6
	srv := newFakeServer()
	release := make(chan struct{})
	var signOns atomic.Int32

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(Config{
		SignOn: func(ctx context.Context) error {
			signOns.Add(1)
			<-release
			srv.loggedIn.Store(true)
			return nil
		},
		// Identical timestamps: arrival sequence must break the tie.
		Now: func() time.Time { return fixed },
	})

	results := make(chan outcome, n)
	names := make([]string, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("job-%d", i)
		names[i] = name
		go func() {
			res, err := g.Submit(context.Background(), Request{JobPath: "/" + name}, srv.send(name))
			results <- outcome{name: name, result: res, err: err}
		}()
		waitForQueue(t, g, i+1)
	}

	assert.True(t, g.SigningIn())
	pending := g.Pending()
	require.Len(t, pending, n)
	for i, p := range pending {
		assert.Equal(t, "/"+names[i], p.JobPath)
		assert.NotEmpty(t, p.ID)
	}

	close(release)

	got := map[string]outcome{}
	for i := 0; i < n; i++ {
		o := <-results
		got[o.name] = o
	}

	assert.Equal(t, int32(1), signOns.Load(), "one sign-on flow")
	assert.Equal(t, names, srv.order, "replayed in submission order")
	for _, name := range names {
		require.NoError(t, got[name].err)
		assert.Equal(t, "result:"+name, got[name].result)
		assert.Equal(t, 1, srv.calls[name], "exactly once")
	}
	assert.Equal(t, 0, g.Len())
	assert.False(t, g.SigningIn())
}

func TestSubmit_OlderTimestampReplaysFirst(t *testing.T) {
	srv := newFakeServer()
	release := make(chan struct{})

	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps := []time.Duration{5 * time.Second, 1 * time.Second, 3 * time.Second}
	g := New(Config{
		SignOn: func(ctx context.Context) error {
			<-release
			srv.loggedIn.Store(true)
			return nil
		},
		Now: func() time.Time { return base.Add(stamps[tick.Add(1)-1]) },
	})

	done := make(chan struct{}, len(stamps))
	for i := range stamps {
		name := fmt.Sprintf("r%d", i)
		go func() {
			_, _ = g.Submit(context.Background(), Request{JobPath: name}, srv.send(name))
			done <- struct{}{}
		}()
		waitForQueue(t, g, i+1)
	}
	close(release)
	for range stamps {
		<-done
	}

	assert.Equal(t, []string{"r1", "r2", "r0"}, srv.order)
}

func TestSubmit_SignOnFailureRejectsEveryQueuedRequest(t *testing.T) {
	const n = 4
	srv := newFakeServer()
	release := make(chan struct{})
	g := New(Config{SignOn: func(ctx context.Context) error {
		<-release
		return errors.New("bad password")
	}})

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("job-%d", i)
		go func() {
			_, err := g.Submit(context.Background(), Request{JobPath: name}, srv.send(name))
			results <- err
		}()
		waitForQueue(t, g, i+1)
	}
	close(release)

	for i := 0; i < n; i++ {
		err := <-results
		require.Error(t, err)
		assert.True(t, errors.Is(err, apierr.ErrLoginRequired))
		assert.Contains(t, err.Error(), "bad password")
	}
	assert.Empty(t, srv.order)
	assert.False(t, g.SigningIn())
}

func TestSubmit_SignOnTimeout(t *testing.T) {
	g := New(Config{
		Timeout: 20 * time.Millisecond,
		SignOn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	_, err := g.Submit(context.Background(), Request{}, func(context.Context) (any, error) {
		return nil, apierr.LoginRequired("")
	})
	assert.True(t, errors.Is(err, apierr.ErrLoginRequired))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSubmit_CancelledCallerIsNotReplayed(t *testing.T) {
	srv := newFakeServer()
	release := make(chan struct{})
	g := New(Config{SignOn: func(ctx context.Context) error {
		<-release
		srv.loggedIn.Store(true)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := g.Submit(ctx, Request{JobPath: "gone"}, srv.send("gone"))
		cancelled <- err
	}()
	waitForQueue(t, g, 1)

	kept := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), Request{JobPath: "kept"}, srv.send("kept"))
		kept <- err
	}()
	waitForQueue(t, g, 2)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(release)
	require.NoError(t, <-kept)
	assert.Equal(t, []string{"kept"}, srv.order)
}

func TestSubmit_LoginDuringFlightReplaysWithoutSignOn(t *testing.T) {
	srv := newFakeServer()
	var gen atomic.Uint64
	var signOns atomic.Int32
	g := New(Config{
		SignOn: func(context.Context) error {
			signOns.Add(1)
			return nil
		},
		Generation: gen.Load,
	})

	inner := srv.send("late")
	var sends atomic.Int32
	send := func(ctx context.Context) (any, error) {
		if sends.Add(1) == 1 {
			// Another caller's login finishes while this request is on the
			// wire; the server still answers with the old session.
			res, err := inner(ctx)
			srv.loggedIn.Store(true)
			gen.Add(1)
			return res, err
		}
		return inner(ctx)
	}

	res, err := g.Submit(context.Background(), Request{JobPath: "late"}, send)
	require.NoError(t, err)
	assert.Equal(t, "result:late", res)
	assert.Equal(t, int32(2), sends.Load())
	assert.Equal(t, int32(0), signOns.Load())
	assert.Equal(t, 0, g.Len())
}

func TestSubmit_RejectedCSRFIsHeldForSignOn(t *testing.T) {
	var loggedIn atomic.Bool
	var signOns atomic.Int32
	g := New(Config{SignOn: func(context.Context) error {
		signOns.Add(1)
		loggedIn.Store(true)
		return nil
	}})

	res, err := g.Submit(context.Background(), Request{JobPath: "/csrf"}, func(context.Context) (any, error) {
		if !loggedIn.Load() {
			return nil, apierr.InvalidCSRF("https://x/csrf")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, int32(1), signOns.Load())

	_, err = g.Submit(context.Background(), Request{}, func(context.Context) (any, error) {
		return nil, apierr.Certificate("https://x", errors.New("x509"))
	})
	assert.True(t, errors.Is(err, apierr.ErrCertificate))
	assert.Equal(t, int32(1), signOns.Load(), "certificate errors are final")
}

func TestPendingRequest_SettlesOnce(t *testing.T) {
	p := &PendingRequest{done: make(chan struct{})}
	assert.True(t, p.settle("first", nil))
	assert.False(t, p.settle("second", errors.New("late")))

	<-p.done
	assert.Equal(t, "first", p.result)
	assert.NoError(t, p.err)
}
