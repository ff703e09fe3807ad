// Package browser opens a real Chrome window for the redirected SASVIYA login
// and exposes the cookies, location and page body the login flow polls.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/Dicklesworthstone/sasjs/internal/auth"
)

// Option configures a Window.
type Option func(*options)

type options struct {
	headless bool
	execPath string
	userData string
	logger   *slog.Logger
}

// WithHeadless runs Chrome without a visible window. Only useful for tests
// against servers that sign in without user interaction.
func WithHeadless(headless bool) Option {
	return func(o *options) { o.headless = headless }
}

// WithExecPath selects the Chrome binary.
func WithExecPath(path string) Option {
	return func(o *options) { o.execPath = path }
}

// WithUserDataDir reuses a browser profile so existing SSO cookies apply.
func WithUserDataDir(dir string) Option {
	return func(o *options) { o.userData = dir }
}

// WithLogger sets the logger for window lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Window is a Chrome tab opened at the login page.
type Window struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	logger *slog.Logger
}

var _ auth.Popup = (*Window)(nil)

// Opener returns an auth.OpenPopupFunc that opens Chrome windows.
func Opener(opts ...Option) auth.OpenPopupFunc {
	return func(ctx context.Context, url string) (auth.Popup, error) {
		return Open(ctx, url, opts...)
	}
}

// Open launches Chrome and navigates to url.
func Open(ctx context.Context, url string, opts ...Option) (*Window, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", o.headless))
	if o.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(o.execPath))
	}
	if o.userData != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(o.userData))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	w := &Window{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		logger: o.logger,
	}

	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		w.cancel()
		return nil, fmt.Errorf("open login window: %w", err)
	}

	tabID := chromedp.FromContext(tabCtx).Target.TargetID
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventDetached); ok {
			w.markClosed("detached")
		}
	})
	chromedp.ListenBrowser(tabCtx, func(ev any) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == tabID {
			w.markClosed("destroyed")
		}
	})

	o.logger.Info("login window opened", "url", url)
	return w, nil
}

func (w *Window) markClosed(reason string) {
	if w.closed.CompareAndSwap(false, true) {
		w.logger.Info("login window closed by user", "reason", reason)
	}
}

// Closed reports whether the tab or browser is gone.
func (w *Window) Closed() bool {
	if w.closed.Load() {
		return true
	}
	return w.ctx.Err() != nil
}

// Cookies returns every cookie the browser holds.
func (w *Window) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := w.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return toHTTPCookies(cookies), nil
}

// Location returns the current page URL.
func (w *Window) Location(ctx context.Context) (string, error) {
	var loc string
	if err := w.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Body returns the current page HTML.
func (w *Window) Body(ctx context.Context) (string, error) {
	var html string
	if err := w.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Close shuts the tab and the browser process.
func (w *Window) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		w.cancel()
	})
	return nil
}

// run executes actions on the tab, bounded by the caller's context.
func (w *Window) run(ctx context.Context, actions ...chromedp.Action) error {
	if w.Closed() {
		return fmt.Errorf("login window is closed")
	}

	runCtx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}
