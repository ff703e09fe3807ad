package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// tokenLogin posts JSON credentials; the loggedIn field decides the outcome.
func (c *Coordinator) tokenLogin(ctx context.Context, creds Credentials) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return false, fmt.Errorf("encode credentials: %w", err)
	}

	resp, err := c.http.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/SASLogon/login",
		Body:        body,
		ContentType: "application/json",
		Raw:         true,
	})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindLoginRequired {
			return false, nil
		}
		return false, fmt.Errorf("post login: %w", err)
	}

	result := gjson.ParseBytes(resp.Body)
	if !result.Get("loggedIn").Bool() {
		return false, nil
	}

	if c.cfg.ClientID != "" {
		if err := c.authorizeClient(ctx); err != nil {
			return false, err
		}
	}

	username := result.Get("user.username").String()
	if username == "" {
		username = creds.Username
	}
	c.session.MarkLoggedIn(username)
	return true, nil
}

// authorizeClient exchanges the login session for an access and refresh
// token pair bound to the configured client id.
func (c *Coordinator) authorizeClient(ctx context.Context) error {
	code, err := c.postJSON(ctx, "/SASjsApi/auth/authorize", map[string]string{"clientId": c.cfg.ClientID}, "")
	if err != nil {
		return fmt.Errorf("authorize client: %w", err)
	}
	tokens, err := c.postJSON(ctx, "/SASjsApi/auth/token", map[string]string{
		"clientId": c.cfg.ClientID,
		"code":     code.Get("code").String(),
	}, "")
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	access := tokens.Get("accessToken").String()
	if access == "" {
		return fmt.Errorf("token response carried no access token")
	}
	c.session.SetTokens(access, tokens.Get("refreshToken").String())
	return nil
}

func (c *Coordinator) postJSON(ctx context.Context, path string, payload any, bearer string) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, err
	}
	req := transport.Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
		Raw:         true,
	}
	if bearer != "" {
		req.Header = http.Header{"Authorization": {"Bearer " + bearer}}
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(resp.Body), nil
}

// RefreshIfNeeded renews the access token when it is expiring. If the
// refresh token is itself expiring the session is reset and a full login
// runs instead.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context) error {
	refresh, usable := c.session.NeedsRefresh()
	if !refresh {
		return nil
	}

	_, err := c.shared(ctx, "refresh", func(flowCtx context.Context) (any, error) {
		refresh, usable = c.session.NeedsRefresh()
		if !refresh {
			return nil, nil
		}
		if !usable {
			c.logger.Info("refresh token expiring, logging in again")
			c.session.Reset()
			return nil, nil
		}
		return nil, c.refresh(flowCtx)
	})
	if err != nil {
		return err
	}

	if !c.session.LoggedIn() {
		_, err := c.EnsureAuthenticated(ctx)
		return err
	}
	return nil
}

func (c *Coordinator) refresh(ctx context.Context) error {
	st := c.session.Snapshot()

	var access, next string
	switch st.ServerType {
	case session.ServerViya:
		if c.cfg.ClientID == "" {
			return apierr.Argument("refreshing a SASVIYA token requires a client id")
		}
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", st.RefreshToken)

		basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))

		resp, err := c.http.Do(ctx, transport.Request{
			Method:      http.MethodPost,
			Path:        "/SASLogon/oauth/token",
			Header:      http.Header{"Authorization": {"Basic " + basic}, "Accept": {"application/json"}},
			Body:        []byte(form.Encode()),
			ContentType: "application/x-www-form-urlencoded",
			Raw:         true,
		})
		if err != nil {
			return fmt.Errorf("refresh token: %w", err)
		}
		result := gjson.ParseBytes(resp.Body)
		access = result.Get("access_token").String()
		next = result.Get("refresh_token").String()
	case session.ServerSASjs:
		result, err := c.postJSON(ctx, "/SASjsApi/auth/refresh", struct{}{}, st.RefreshToken)
		if err != nil {
			return fmt.Errorf("refresh token: %w", err)
		}
		access = result.Get("accessToken").String()
		next = result.Get("refreshToken").String()
	default:
		return nil
	}

	if access == "" {
		return fmt.Errorf("refresh response carried no access token")
	}
	c.session.SetTokens(access, next)
	c.logger.Debug("access token refreshed", "server_type", st.ServerType)
	return nil
}

func (c *Coordinator) checkSASjs(ctx context.Context) (string, bool, error) {
	resp, err := c.http.Do(ctx, transport.Request{Path: "/SASjsApi/session", Bearer: true})
	if err != nil {
		return "", false, loginRequiredAsFalse(err)
	}
	result := gjson.ParseBytes(resp.Body)
	username := result.Get("username").String()
	return username, username != "", nil
}
