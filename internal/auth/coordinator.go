// Package auth drives login, token refresh and logout for the three server
// variants and guarantees at most one login flow is in flight per client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// Credentials is a username and password pair.
type Credentials struct {
	Username string
	Password string
}

// CredentialsProvider supplies credentials when a login is required.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials always returns the same pair.
type StaticCredentials Credentials

// Credentials implements CredentialsProvider.
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Popup is a browser window opened for the redirected login.
type Popup interface {
	// Closed reports whether the user closed the window.
	Closed() bool
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Location(ctx context.Context) (string, error)
	Body(ctx context.Context) (string, error)
	Close() error
}

// OpenPopupFunc opens a popup window at url.
type OpenPopupFunc func(ctx context.Context, url string) (Popup, error)

// Config configures a Coordinator.
type Config struct {
	Transport *transport.Client

	Locale       string
	ClientID     string
	ClientSecret string

	// Credentials is used for form and token logins. When nil the coordinator
	// calls OnLoginRequired and waits for LogIn.
	Credentials     CredentialsProvider
	OnLoginRequired func()

	// OpenPopup enables the redirected login for SASVIYA servers.
	OpenPopup     OpenPopupFunc
	PopupTimeout  time.Duration
	PopupInterval time.Duration

	LoginTimeout time.Duration

	Logger *slog.Logger
}

// Coordinator owns the session of one client.
type Coordinator struct {
	cfg     Config
	http    *transport.Client
	session *session.Session
	logger  *slog.Logger
	group   singleflight.Group

	mu       sync.Mutex
	loggedIn chan struct{}
}

// New creates a Coordinator bound to the transport's session.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, apierr.Argument("auth coordinator requires a transport")
	}
	if cfg.PopupTimeout <= 0 {
		cfg.PopupTimeout = 5 * time.Minute
	}
	if cfg.PopupInterval <= 0 {
		cfg.PopupInterval = time.Second
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Minute
	}
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:      cfg,
		http:     cfg.Transport,
		session:  cfg.Transport.Session(),
		logger:   logger,
		loggedIn: make(chan struct{}),
	}, nil
}

// Session returns the session this coordinator owns.
func (c *Coordinator) Session() *session.Session {
	return c.session
}

// EnsureAuthenticated returns the current session state, logging in first
// when needed. Concurrent callers share one login flow.
func (c *Coordinator) EnsureAuthenticated(ctx context.Context) (session.State, error) {
	if c.session.LoggedIn() {
		if err := c.RefreshIfNeeded(ctx); err != nil {
			return session.State{}, err
		}
		return c.session.Snapshot(), nil
	}

	v, err := c.shared(ctx, "login", func(flowCtx context.Context) (any, error) {
		if c.session.LoggedIn() {
			return c.session.Snapshot(), nil
		}
		return c.login(flowCtx)
	})
	if err != nil {
		return session.State{}, err
	}
	return v.(session.State), nil
}

// shared runs fn once per key for all concurrent callers. The flow is
// detached from any single caller and bounded by LoginTimeout; each caller
// stops waiting when its own ctx is done.
func (c *Coordinator) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		flowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoginTimeout)
		defer cancel()
		return fn(flowCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("joined in-flight flow", "flow", key)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) login(ctx context.Context) (session.State, error) {
	st := c.session.ServerType()
	c.logger.Info("login required", "server_type", st)

	if c.cfg.Credentials != nil {
		creds, err := c.cfg.Credentials.Credentials(ctx)
		if err != nil {
			return session.State{}, fmt.Errorf("load credentials: %w", err)
		}
		return c.logInWith(ctx, creds)
	}

	if st == session.ServerViya && c.cfg.OpenPopup != nil {
		ok, err := c.popupLogin(ctx)
		if err != nil {
			return session.State{}, err
		}
		if !ok {
			return session.State{}, apierr.LoginRequired("login window closed or timed out")
		}
		c.notifyLoggedIn()
		return c.session.Snapshot(), nil
	}

	return c.waitForManualLogin(ctx)
}

// waitForManualLogin hands control to the application and waits for LogIn.
func (c *Coordinator) waitForManualLogin(ctx context.Context) (session.State, error) {
	c.mu.Lock()
	ch := c.loggedIn
	c.mu.Unlock()

	if c.cfg.OnLoginRequired != nil {
		c.cfg.OnLoginRequired()
	}

	// ctx carries the LoginTimeout deadline.
	select {
	case <-ch:
		return c.session.Snapshot(), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return session.State{}, apierr.LoginRequired(fmt.Sprintf("no login within %s", c.cfg.LoginTimeout))
		}
		return session.State{}, ctx.Err()
	}
}

func (c *Coordinator) notifyLoggedIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.loggedIn)
	c.loggedIn = make(chan struct{})
}

// UseTokens installs an externally obtained token pair and marks the
// session logged in.
func (c *Coordinator) UseTokens(accessToken, refreshToken string) {
	c.session.SetTokens(accessToken, refreshToken)
	c.session.MarkLoggedIn("")
	c.notifyLoggedIn()
}

// LogIn runs the credential login for the server variant. It does not join
// the coalesced flow, so it can complete a login that flow is waiting on.
func (c *Coordinator) LogIn(ctx context.Context, username, password string) (session.State, error) {
	if username == "" || password == "" {
		return session.State{}, apierr.Argument("username and password are required")
	}
	return c.logInWith(ctx, Credentials{Username: username, Password: password})
}

func (c *Coordinator) logInWith(ctx context.Context, creds Credentials) (session.State, error) {
	var (
		ok  bool
		err error
	)
	switch c.session.ServerType() {
	case session.ServerSASjs:
		ok, err = c.tokenLogin(ctx, creds)
	default:
		ok, err = c.formLogin(ctx, creds)
	}
	if err != nil {
		return session.State{}, err
	}
	if !ok {
		c.logger.Warn("login rejected", "username", creds.Username)
		return session.State{}, apierr.LoginRequired("credentials were not accepted")
	}

	c.logger.Info("logged in", "username", c.session.Snapshot().Username)
	c.notifyLoggedIn()
	return c.session.Snapshot(), nil
}

// LogOut ends the server session and resets local state, including both CSRF
// tokens and all cookies.
func (c *Coordinator) LogOut(ctx context.Context) error {
	path := "/SASLogon/logout"
	if c.session.ServerType() == session.ServerViya {
		path = "/SASLogon/logout.do"
	}

	_, err := c.http.Do(ctx, transport.Request{Method: http.MethodGet, Path: path, Raw: true, Bearer: true})
	c.session.Reset()
	c.http.ClearCookies()
	if err != nil && !errors.Is(err, apierr.ErrNotFound) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// CheckSession asks the server whether the session is still valid and
// updates local state to match.
func (c *Coordinator) CheckSession(ctx context.Context) (session.State, error) {
	var (
		username string
		ok       bool
		err      error
	)
	switch c.session.ServerType() {
	case session.ServerSAS9:
		username, ok, err = c.checkSAS9(ctx)
	case session.ServerViya:
		username, ok, err = c.checkViya(ctx)
	default:
		username, ok, err = c.checkSASjs(ctx)
	}
	if err != nil {
		return session.State{}, err
	}

	if ok {
		c.session.MarkLoggedIn(username)
	} else if c.session.LoggedIn() {
		c.logger.Info("server session no longer valid")
		c.session.Reset()
	}
	return c.session.Snapshot(), nil
}

func (c *Coordinator) checkSAS9(ctx context.Context) (string, bool, error) {
	resp, err := c.http.Do(ctx, transport.Request{Path: "/SASStoredProcess", Raw: true})
	if err != nil {
		return "", false, loginRequiredAsFalse(err)
	}
	if IsLoginRequired(resp.Body) {
		return "", false, nil
	}
	return ExtractUserNameSAS9(string(resp.Body)), true, nil
}

func loginRequiredAsFalse(err error) error {
	if errors.Is(err, apierr.ErrLoginRequired) {
		return nil
	}
	return err
}
