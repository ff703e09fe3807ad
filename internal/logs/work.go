package logs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Dicklesworthstone/sasjs/internal/session"
)

// Markers around debug payloads in job responses.
const (
	iframeMarkerStart = `<iframe style="width: 99%; height: 500px" src="`
	iframeMarkerEnd   = `"></iframe>`
	weboutBegin       = ">>weboutBEGIN<<"
	weboutEnd         = ">>weboutEND<<"
)

// Fetcher retrieves the body at an absolute URL with the client's session.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// WorkExtractor locates the WORK debug payload in job responses.
type WorkExtractor struct {
	ServerType session.ServerType
	ServerURL  string
	Fetch      Fetcher
	Logger     *slog.Logger
}

// ParseDebugWork is WorkExtractor.Extract with the default logger.
func ParseDebugWork(ctx context.Context, st session.ServerType, body []byte, serverURL string, fetch Fetcher) []byte {
	return WorkExtractor{ServerType: st, ServerURL: serverURL, Fetch: fetch}.Extract(ctx, body)
}

// Extract returns the WORK member of the debug JSON, or the whole document
// when it has no WORK member. Any failure is logged and yields nil, since
// responses outside debug mode carry no payload.
func (w WorkExtractor) Extract(ctx context.Context, body []byte) []byte {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := w.Webout(ctx, body)
	if err != nil {
		logger.Debug("no debug payload", "server_type", w.ServerType, "error", err)
		return nil
	}

	return WorkOf(doc)
}

// WorkOf returns the WORK member of a debug document, or doc itself when it
// has none.
func WorkOf(doc []byte) []byte {
	if work := gjson.GetBytes(doc, "WORK"); work.Exists() {
		return []byte(work.Raw)
	}
	return doc
}

// Webout returns the JSON document a debug-mode job wrote: inline between the
// webout markers, or behind the log page's iframe on SASVIYA.
func (w WorkExtractor) Webout(ctx context.Context, body []byte) ([]byte, error) {
	var (
		doc []byte
		err error
	)
	if w.ServerType == session.ServerViya {
		doc, err = w.fetchIframe(ctx, string(body))
	} else {
		doc = inlineJSON(body)
	}
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("debug payload is not json (%d bytes)", len(doc))
	}
	return doc, nil
}

func (w WorkExtractor) fetchIframe(ctx context.Context, body string) ([]byte, error) {
	start := strings.Index(body, iframeMarkerStart)
	if start < 0 {
		return nil, fmt.Errorf("iframe marker not found")
	}
	rest := body[start+len(iframeMarkerStart):]
	end := strings.Index(rest, iframeMarkerEnd)
	if end < 0 {
		return nil, fmt.Errorf("iframe marker not terminated")
	}
	src := rest[:end]
	if src == "" {
		return nil, fmt.Errorf("iframe src is empty")
	}
	if w.Fetch == nil {
		return nil, fmt.Errorf("no fetcher for iframe %s", src)
	}

	data, err := w.Fetch(ctx, strings.TrimRight(w.ServerURL, "/")+src)
	if err != nil {
		return nil, fmt.Errorf("fetch iframe %s: %w", src, err)
	}
	return data, nil
}

// inlineJSON returns the text between the webout markers when present,
// otherwise the whole body.
func inlineJSON(body []byte) []byte {
	s := string(body)
	if i := strings.Index(s, weboutBegin); i >= 0 {
		s = s[i+len(weboutBegin):]
		if j := strings.Index(s, weboutEnd); j >= 0 {
			s = s[:j]
		}
	}
	return []byte(strings.TrimSpace(s))
}
