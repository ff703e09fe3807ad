// Package sasjs is a client for remote analytics job servers (SAS9, SAS Viya
// and SASjs server). It keeps one authenticated session per Client, holds
// requests that hit an expired session until a single login completes, and
// exposes job logs split into source and generated code.
package sasjs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/auth"
	"github.com/Dicklesworthstone/sasjs/internal/config"
	"github.com/Dicklesworthstone/sasjs/internal/db"
	"github.com/Dicklesworthstone/sasjs/internal/history"
	"github.com/Dicklesworthstone/sasjs/internal/jobs"
	"github.com/Dicklesworthstone/sasjs/internal/logs"
	"github.com/Dicklesworthstone/sasjs/internal/poll"
	"github.com/Dicklesworthstone/sasjs/internal/queue"
	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// Options carries the parts of a Client that cannot come from configuration.
type Options struct {
	// Credentials answers login prompts. When nil, Username and Password from
	// the configuration are used if both are set.
	Credentials CredentialsProvider
	// OnLoginRequired is called when a login is needed and no credentials are
	// available. The application then calls LogIn or UseTokens.
	OnLoginRequired func()
	// OpenPopup enables the browser login for SASVIYA servers.
	OpenPopup OpenPopupFunc

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is the entry point for one server.
type Client struct {
	cfg    config.Config
	runID  string
	logger *slog.Logger

	session *session.Session
	http    *transport.Client
	auth    *auth.Coordinator
	gate    *queue.Gate
	jobs    *jobs.Client
	history *history.Recorder
	store   *db.DB
}

// New validates cfg and builds a Client. A HistoryDB path enables persistent
// request history.
func New(cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, apierr.Argument("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, apierr.Argument("server_url is required")
	}

	runID := uuid.NewString()[:8]
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", runID, "server_type", string(cfg.ServerType))

	sess := session.New(cfg.ServerType)
	httpClient, err := transport.New(transport.Config{
		BaseURL:       cfg.ServerURL,
		Session:       sess,
		Timeout:       cfg.RequestTimeout.Duration(),
		CACertFile:    cfg.CACertFile,
		AllowInsecure: cfg.AllowInsecure,
		Proxy:         cfg.Proxy,
		LoginDetector: auth.IsLoginRequired,
		HTTPClient:    opts.HTTPClient,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	creds := opts.Credentials
	if creds == nil && cfg.Username != "" && cfg.Password != "" {
		creds = auth.StaticCredentials{Username: cfg.Username, Password: cfg.Password}
	}

	coordinator, err := auth.New(auth.Config{
		Transport:       httpClient,
		Locale:          cfg.Locale,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		Credentials:     creds,
		OnLoginRequired: opts.OnLoginRequired,
		OpenPopup:       opts.OpenPopup,
		PopupTimeout:    cfg.PopupTimeout.Duration(),
		PopupInterval:   cfg.PopupInterval.Duration(),
		LoginTimeout:    cfg.LoginTimeout.Duration(),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	jobClient, err := jobs.New(jobs.Config{
		Transport: httpClient,
		Builder: jobs.Builder{
			AppLoc:      cfg.AppLoc,
			ContextName: cfg.ContextName,
			Debug:       cfg.Debug,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     *cfg,
		runID:   runID,
		logger:  logger,
		session: sess,
		http:    httpClient,
		auth:    coordinator,
		jobs:    jobClient,
	}

	c.gate = queue.New(queue.Config{
		SignOn:     c.signOn,
		Timeout:    cfg.LoginTimeout.Duration(),
		Logger:     logger,
		Generation: sess.Generation,
	})

	var store *history.Store
	if cfg.HistoryDB != "" {
		c.store, err = db.OpenAt(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("open history db: %w", err)
		}
		store, err = history.NewStore(c.store, cfg.ServerURL)
		if err != nil {
			_ = c.store.Close()
			return nil, err
		}
	}
	c.history = history.NewRecorder(cfg.HistoryLimit, store)

	logger.Debug("client ready", "server_url", cfg.ServerURL, "debug", cfg.Debug)
	return c, nil
}

// Close releases the history database.
func (c *Client) Close() error {
	return c.store.Close()
}

// RunID identifies this Client in log output.
func (c *Client) RunID() string { return c.runID }

// Config returns a copy of the configuration in use.
func (c *Client) Config() config.Config { return c.cfg }

// signOn drops the stale session and runs one login flow.
func (c *Client) signOn(ctx context.Context) error {
	c.session.Reset()
	_, err := c.auth.EnsureAuthenticated(ctx)
	return err
}

// Request runs the job at jobPath with the given input tables and returns
// its output. A request that finds the session expired waits for a single
// login and is then replayed; concurrent requests share that login.
func (c *Client) Request(ctx context.Context, jobPath string, data map[string]any, params url.Values) (*Result, error) {
	if _, err := c.jobs.Builder().Program(jobPath); err != nil {
		return nil, err
	}

	started := time.Now()
	send := func(ctx context.Context) (any, error) {
		if c.session.LoggedIn() {
			if err := c.auth.RefreshIfNeeded(ctx); err != nil {
				return nil, err
			}
		}
		return c.jobs.Execute(ctx, jobPath, data, params)
	}

	v, err := c.gate.Submit(ctx, queue.Request{JobPath: jobPath, Payload: data, Params: params}, send)
	if err != nil {
		return nil, err
	}
	res := v.(*jobs.Result)

	if c.cfg.Debug {
		c.record(ctx, jobPath, started, res)
	}
	return res, nil
}

func (c *Client) record(ctx context.Context, jobPath string, started time.Time, res *jobs.Result) {
	parsed := logs.Parse([]byte(res.Log))
	_, err := c.history.Record(ctx, history.Entry{
		JobPath:       jobPath,
		Timestamp:     started,
		Duration:      time.Since(started),
		Log:           res.Log,
		SourceCode:    parsed.SourceCode(),
		GeneratedCode: parsed.GeneratedCode(),
		Work:          res.Work,
	})
	if err != nil {
		c.logger.Warn("persist request history failed", "job", jobPath, "error", err)
	}
}

// StartJob submits jobPath asynchronously (SASVIYA only). Use PollJobState
// to wait for it.
func (c *Client) StartJob(ctx context.Context, jobPath string, data map[string]any) (*Job, error) {
	v, err := c.gate.Submit(ctx, queue.Request{JobPath: jobPath, Payload: data}, func(ctx context.Context) (any, error) {
		return c.jobs.StartJob(ctx, jobPath, data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jobs.Job), nil
}

// GetJob reads a job resource by URI.
func (c *Client) GetJob(ctx context.Context, uri string) (*Job, error) {
	if _, err := c.auth.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	return c.jobs.GetJob(ctx, uri)
}

// PollJobState polls job until it finishes or strategy is exhausted and
// returns the last state read. A nil strategy uses DefaultPollStrategy.
func (c *Client) PollJobState(ctx context.Context, job *Job, strategy *PollStrategy, opts ...PollOption) (string, PollOutcome, error) {
	if job == nil {
		return "", poll.Exhausted, apierr.Argument("job is required")
	}
	s := poll.DefaultStrategy()
	if strategy != nil {
		s = *strategy
	}
	if _, err := c.auth.EnsureAuthenticated(ctx); err != nil {
		return "", poll.Exhausted, err
	}
	return c.jobs.Wait(ctx, job, s, jobs.WaitOptions{Poll: opts})
}

// JobLog reads the full log of job and splits it into code streams.
func (c *Client) JobLog(ctx context.Context, job *Job) (ParsedLog, error) {
	text, err := c.jobs.Log(ctx, job)
	if err != nil {
		return ParsedLog{}, err
	}
	return logs.Parse([]byte(text)), nil
}

// LogIn logs in with explicit credentials. It also completes a login that
// queued requests are waiting on.
func (c *Client) LogIn(ctx context.Context, username, password string) (SessionState, error) {
	return c.auth.LogIn(ctx, username, password)
}

// Authenticate runs the configured login flow unless the session is already
// valid. Concurrent callers and queued requests share one flow.
func (c *Client) Authenticate(ctx context.Context) (SessionState, error) {
	return c.auth.EnsureAuthenticated(ctx)
}

// UseTokens installs an access and refresh token pair obtained elsewhere.
func (c *Client) UseTokens(accessToken, refreshToken string) {
	c.auth.UseTokens(accessToken, refreshToken)
}

// LogOut ends the session on the server and locally.
func (c *Client) LogOut(ctx context.Context) error {
	return c.auth.LogOut(ctx)
}

// CheckSession asks the server whether the session is still valid.
func (c *Client) CheckSession(ctx context.Context) (SessionState, error) {
	return c.auth.CheckSession(ctx)
}

// Session returns the local view of the session.
func (c *Client) Session() SessionState {
	return c.session.Snapshot()
}

// PendingRequests returns the requests waiting for a login to finish.
func (c *Client) PendingRequests() []*PendingRequest {
	return c.gate.Pending()
}

// History returns recorded debug requests, newest first: persisted entries
// when a history database is configured, else this Client's in-memory ones.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	return c.history.Load(ctx, c.cfg.HistoryLimit)
}

// ClearHistory drops recorded debug requests.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.history.Clear(ctx)
}
