// Package transport performs authenticated HTTP round trips against one
// server: it keeps cookies, attaches and captures CSRF tokens, retries once on
// a rejected CSRF token and classifies failures into apierr kinds.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/session"
)

const (
	// maxBodyBytes is the default cap on successful response bodies.
	maxBodyBytes = 64 << 20
	// maxErrorBodyBytes caps the body snippet kept on StatusError.
	maxErrorBodyBytes = 4 << 10

	forbiddenReasonHeader = "X-Forbidden-Reason"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Session *session.Session

	Timeout       time.Duration
	CACertFile    string
	AllowInsecure bool
	// Proxy is an optional ssh+socks5:// URL.
	Proxy string

	// LoginDetector reports whether a response body is a login challenge.
	// When it matches, Do returns a login-required error.
	LoginDetector func(body []byte) bool

	// HTTPClient overrides the constructed client. Its Jar is replaced when nil.
	HTTPClient *http.Client

	// MaxBodyBytes caps successful response bodies; a longer body is an
	// error. Zero means 64 MiB.
	MaxBodyBytes int64

	Logger *slog.Logger
}

// Request describes one call relative to the base URL.
type Request struct {
	Method string
	// Path is either relative to the base URL or absolute.
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string

	// CSRF selects the token kind attached to mutating requests.
	CSRF session.CSRFKind
	// Bearer attaches the session access token when one is held.
	Bearer bool
	// Raw disables login-challenge detection, for the login flows themselves.
	Raw bool
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects.
	URL *url.URL
}

// Client is an authenticated HTTP client bound to one server.
type Client struct {
	base    *url.URL
	http    *http.Client
	session *session.Session
	detect  func([]byte) bool
	maxBody int64
	logger  *slog.Logger
}

// New builds a Client. The returned client always has a cookie jar.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, apierr.Argument("invalid server url %q: %v", cfg.BaseURL, err)
	}
	if cfg.Session == nil {
		return nil, apierr.Argument("transport requires a session")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = buildHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxBodyBytes
	}

	return &Client{
		base:    base,
		http:    httpClient,
		session: cfg.Session,
		detect:  cfg.LoginDetector,
		maxBody: maxBody,
		logger:  logger,
	}, nil
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apierr.Argument("ca cert file %s contains no PEM certificates", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in for self-signed dev servers
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConfig
	tr.TLSHandshakeTimeout = 30 * time.Second

	if cfg.Proxy != "" {
		dial, err := socks5DialContext(cfg.Proxy)
		if err != nil {
			return nil, apierr.Argument("proxy: %v", err)
		}
		tr.DialContext = dial
		tr.Proxy = nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout, Transport: tr}, nil
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Session returns the session the client attaches credentials from.
func (c *Client) Session() *session.Session {
	return c.session
}

// Cookies returns the jar's cookies for the server root.
func (c *Client) Cookies() []*http.Cookie {
	return c.http.Jar.Cookies(c.base)
}

// SetCookies stores cookies obtained outside the client, such as from a
// browser login window.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.http.Jar.SetCookies(c.base, cookies)
}

// ClearCookies drops every cookie by swapping in a fresh jar.
func (c *Client) ClearCookies() {
	if jar, err := cookiejar.New(nil); err == nil {
		c.http.Jar = jar
	}
}

// Resolve turns a request path into an absolute URL.
func (c *Client) Resolve(path string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, apierr.Argument("invalid path %q: %v", path, err)
	}
	var u *url.URL
	if ref.IsAbs() {
		u = ref
	} else {
		u = c.base.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// Do performs req. A 403 carrying an invalid-CSRF signal is retried once with
// the replacement token from the rejection.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	if err == nil || apierr.KindOf(err) != apierr.KindInvalidCSRF {
		return resp, err
	}

	c.logger.Debug("csrf token rejected, retrying once", "path", req.Path, "kind", req.CSRF.String())
	resp, err = c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := c.Resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if isMutating(method) {
		if tok, ok := c.session.CSRF(req.CSRF); ok {
			httpReq.Header.Set(session.CSRFHeader, tok.Value)
		}
	}
	if req.Bearer {
		if tok := c.session.AccessToken(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(u.String(), err)
	}
	defer httpResp.Body.Close()

	if v := httpResp.Header.Get(session.CSRFHeader); v != "" {
		c.session.SetCSRF(session.CSRFToken{Value: v, Kind: req.CSRF})
	}

	c.logger.Debug("http round trip",
		"method", method,
		"url", u.Redacted(),
		"status", httpResp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond))

	finalURL := u
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL
	}

	if httpResp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return nil, c.classifyStatus(req, finalURL, httpResp, snippet)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("response body from %s exceeds %d bytes", finalURL, c.maxBody)
	}

	if !req.Raw && c.detect != nil && c.detect(data) {
		return nil, apierr.LoginRequired("server answered with a login form")
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		URL:        finalURL,
	}, nil
}

func (c *Client) classifyStatus(req Request, u *url.URL, resp *http.Response, snippet []byte) error {
	switch {
	case resp.StatusCode == http.StatusForbidden &&
		strings.EqualFold(resp.Header.Get(forbiddenReasonHeader), "CSRF"):
		c.session.InvalidateCSRF(req.CSRF)
		if v := resp.Header.Get(session.CSRFHeader); v != "" {
			c.session.SetCSRF(session.CSRFToken{Value: v, Kind: req.CSRF})
		}
		return apierr.InvalidCSRF(u.String())
	case resp.StatusCode == http.StatusUnauthorized:
		return apierr.LoginRequired("server returned 401")
	case resp.StatusCode == http.StatusNotFound:
		return apierr.NotFound(u.String())
	case !req.Raw && c.detect != nil && c.detect(snippet):
		return apierr.LoginRequired("server answered with a login form")
	default:
		return &StatusError{
			StatusCode: resp.StatusCode,
			URL:        u.String(),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
