package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// Cookies whose presence in the login window means the user signed in.
const (
	currentUserCookie = "Current-User"
	userIDCookie      = "userId"
)

// popupLogin opens the login window and waits in two phases: first for the
// session cookies, then for the window to leave the logon pages or show the
// success phrase. A closed window is a negative outcome, not an error.
func (c *Coordinator) popupLogin(ctx context.Context) (bool, error) {
	popup, err := c.cfg.OpenPopup(ctx, c.http.BaseURL()+"/SASLogon/home")
	if err != nil {
		return false, fmt.Errorf("open login window: %w", err)
	}
	defer func() {
		if err := popup.Close(); err != nil {
			c.logger.Debug("close login window", "error", err)
		}
	}()

	var cookies []*http.Cookie
	loggedIn, err := waitUntil{
		Timeout:  c.cfg.PopupTimeout,
		Interval: c.cfg.PopupInterval,
		Abort:    popup.Closed,
		Done: func(ctx context.Context) bool {
			got, err := popup.Cookies(ctx)
			if err != nil {
				return false
			}
			if hasCookies(got, currentUserCookie, userIDCookie) {
				cookies = got
				return true
			}
			return false
		},
	}.run(ctx)
	if err != nil || !loggedIn {
		c.logger.Info("login window ended before sign in", "closed", popup.Closed())
		return false, err
	}

	phrase := SuccessPhrase(c.cfg.Locale)
	authorized, err := waitUntil{
		Timeout:  c.cfg.PopupTimeout,
		Interval: c.cfg.PopupInterval,
		Abort:    popup.Closed,
		Done: func(ctx context.Context) bool {
			if loc, err := popup.Location(ctx); err == nil && leftLogon(loc) {
				return true
			}
			body, err := popup.Body(ctx)
			return err == nil && strings.Contains(body, phrase)
		},
	}.run(ctx)
	if err != nil || !authorized {
		c.logger.Info("login window ended before authorization", "closed", popup.Closed())
		return false, err
	}

	c.http.SetCookies(cookies)
	c.session.MarkLoggedIn(cookieValue(cookies, currentUserCookie))
	return true, nil
}

func hasCookies(cookies []*http.Cookie, names ...string) bool {
	for _, name := range names {
		if cookieValue(cookies, name) == "" {
			return false
		}
	}
	return true
}

func cookieValue(cookies []*http.Cookie, name string) string {
	for _, ck := range cookies {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// leftLogon reports whether loc is outside the SASLogon login pages.
func leftLogon(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil || u.Path == "" {
		return false
	}
	return !strings.HasPrefix(u.Path, "/SASLogon/login") &&
		!strings.HasPrefix(u.Path, "/SASLogon/oauth")
}

func (c *Coordinator) checkViya(ctx context.Context) (string, bool, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Path:   "/identities/users/@currentUser",
		Header: http.Header{"Accept": {"application/json"}},
		Bearer: true,
	})
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return "", false, nil
		}
		return "", false, loginRequiredAsFalse(err)
	}
	if !json.Valid(resp.Body) {
		return "", false, nil
	}
	return gjson.GetBytes(resp.Body, "id").String(), true, nil
}
