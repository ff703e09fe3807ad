package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/logs"
	"github.com/Dicklesworthstone/sasjs/internal/poll"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// Job states reported by the job execution service.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
	StateError     = "error"
)

// Terminal reports whether state is final.
func Terminal(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StateCompleted, StateFailed, StateCanceled, "cancelled", StateError:
		return true
	default:
		return false
	}
}

// Link is one hypermedia link of a job resource.
type Link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// Job is a job execution resource.
type Job struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	State string `json:"state"`
	Links []Link `json:"links"`
}

// Link returns the href of the link with rel, or "".
func (j *Job) Link(rel string) string {
	for _, l := range j.Links {
		if l.Rel == rel {
			if l.Href != "" {
				return l.Href
			}
			return l.URI
		}
	}
	return ""
}

// URI is the job's self link, falling back to the canonical path.
func (j *Job) URI() string {
	if self := j.Link("self"); self != "" {
		return self
	}
	return ViyaJobsPath + "/" + url.PathEscape(j.ID)
}

// Config configures a Client.
type Config struct {
	Transport *transport.Client
	Builder   Builder
	Logger    *slog.Logger
}

// Client runs jobs through an authenticated transport.
type Client struct {
	http    *transport.Client
	builder Builder
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, apierr.Argument("jobs client requires a transport")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Builder.ServerType = cfg.Transport.Session().ServerType()
	return &Client{http: cfg.Transport, builder: cfg.Builder, logger: logger}, nil
}

// Builder returns the request builder in use.
func (c *Client) Builder() Builder {
	return c.builder
}

// Fetch reads an absolute URL on the server with the client's session.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.http.Do(ctx, transport.Request{Method: http.MethodGet, Path: rawURL, Bearer: true})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) extractor() logs.WorkExtractor {
	return logs.WorkExtractor{
		ServerType: c.builder.ServerType,
		ServerURL:  c.http.BaseURL(),
		Fetch:      c.Fetch,
		Logger:     c.logger,
	}
}

// Execute runs jobPath synchronously and returns its projected result.
func (c *Client) Execute(ctx context.Context, jobPath string, data map[string]any, params url.Values) (*Result, error) {
	req, err := c.builder.Execute(jobPath, data, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", jobPath, err)
	}

	res := projectResult(ctx, c.builder.ServerType, c.builder.Debug, resp.Body, c.extractor())
	return &res, nil
}

// StartJob submits jobPath to the job execution service without waiting.
func (c *Client) StartJob(ctx context.Context, jobPath string, data map[string]any) (*Job, error) {
	req, err := c.builder.StartJob(jobPath, data)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", jobPath, err)
	}
	return decodeJob(resp.Body)
}

// GetJob reads the job resource at uri.
func (c *Client) GetJob(ctx context.Context, uri string) (*Job, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, apierr.Argument("job uri is required")
	}
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   uri,
		Header: http.Header{"Accept": []string{"application/json"}},
		Bearer: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeJob(resp.Body)
}

// State reads the current state through the job's state link.
func (c *Client) State(ctx context.Context, job *Job) (string, error) {
	link := job.Link("state")
	if link == "" {
		link = job.URI() + "/state"
	}
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   link,
		Header: http.Header{"Accept": []string{"text/plain"}},
		Bearer: true,
	})
	if err != nil {
		return "", fmt.Errorf("job %s state: %w", job.ID, err)
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// Log reads the whole job log, following page links, as plain text.
func (c *Client) Log(ctx context.Context, job *Job) (string, error) {
	link := job.Link("log")
	if link == "" {
		return "", apierr.NotFound(job.URI() + " (no log link)")
	}
	next := strings.TrimRight(link, "/") + "/content"

	var pages []string
	for next != "" {
		resp, err := c.http.Do(ctx, transport.Request{
			Method: http.MethodGet,
			Path:   next,
			Header: http.Header{"Accept": []string{"application/json"}},
			Bearer: true,
		})
		if err != nil {
			return "", fmt.Errorf("job %s log: %w", job.ID, err)
		}
		pages = append(pages, logs.Normalize(resp.Body))

		info, ok := logs.LogPage(resp.Body)
		if !ok || info.Next == "" || info.Next == next {
			break
		}
		next = info.Next
	}
	return strings.Join(pages, "\n"), nil
}

// WaitOptions configures Wait.
type WaitOptions struct {
	Poll []poll.Option
	// OnState is called after every state read.
	OnState func(state string, a poll.Attempt)
}

// Wait polls job until it reaches a terminal state or strategy is
// exhausted. Stages with StreamLog write the log seen so far to
// LogFolderPath on every attempt.
func (c *Client) Wait(ctx context.Context, job *Job, strategy poll.Strategy, opts WaitOptions) (string, poll.Outcome, error) {
	var (
		state string
		sinks = map[string]*poll.LogSink{}
	)

	check := func(ctx context.Context, a poll.Attempt) (bool, error) {
		s, err := c.State(ctx, job)
		if err != nil {
			return false, err
		}
		state = s
		if opts.OnState != nil {
			opts.OnState(s, a)
		}

		if a.Strategy.StreamLog && a.Strategy.LogFolderPath != "" {
			if err := c.streamLog(ctx, job, a.Strategy.LogFolderPath, sinks); err != nil {
				c.logger.Warn("stream job log failed", "job", job.ID, "error", err)
			}
		}
		return Terminal(s), nil
	}

	pollOpts := append([]poll.Option{poll.WithLogger(c.logger)}, opts.Poll...)
	outcome, err := poll.Poll(ctx, check, strategy, pollOpts...)
	return state, outcome, err
}

func (c *Client) streamLog(ctx context.Context, job *Job, folder string, sinks map[string]*poll.LogSink) error {
	sink, ok := sinks[folder]
	if !ok {
		var err error
		sink, err = poll.NewLogSink(folder, job.ID)
		if err != nil {
			return err
		}
		sinks[folder] = sink
	}

	text, err := c.Log(ctx, job)
	if err != nil {
		return err
	}
	n, err := sink.Update(strings.Split(text, "\n"))
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Debug("streamed job log", "job", job.ID, "lines", n, "path", sink.Path())
	}
	return nil
}

func decodeJob(body []byte) (*Job, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("job response is not json")
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job response has no id")
	}
	return &job, nil
}
