package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

const approvalField = "user_oauth_approval"

// htmlForm is one <form> with its action and every named input.
type htmlForm struct {
	Action string
	Fields url.Values
}

// parseForms returns every form in document order.
func parseForms(body []byte) ([]htmlForm, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var forms []htmlForm
	var walk func(n *html.Node, current url.Values)
	walk = func(n *html.Node, current url.Values) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Form:
				current = url.Values{}
				forms = append(forms, htmlForm{Action: attr(n, "action"), Fields: current})
			case atom.Input:
				if name := attr(n, "name"); name != "" && current != nil {
					current.Add(name, attr(n, "value"))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, current)
		}
	}
	walk(doc, nil)
	return forms, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// authorizationForm returns the OAuth approval form, if the page has one.
func authorizationForm(forms []htmlForm) (htmlForm, bool) {
	for _, f := range forms {
		if _, ok := f.Fields[approvalField]; ok || strings.Contains(f.Action, "oauth/authorize") {
			return f, true
		}
	}
	return htmlForm{}, false
}

func (c *Coordinator) loginPath() string {
	if c.session.ServerType() == session.ServerSAS9 {
		service := c.http.BaseURL() + "/SASStoredProcess/j_spring_cas_security_check"
		return "/SASLogon/login?service=" + url.QueryEscape(service)
	}
	return "/SASLogon/login"
}

// formLogin drives the HTML logon form and the optional authorization form.
func (c *Coordinator) formLogin(ctx context.Context, creds Credentials) (bool, error) {
	page, err := c.http.Do(ctx, transport.Request{Path: c.loginPath(), Raw: true})
	if err != nil {
		return false, fmt.Errorf("load logon page: %w", err)
	}

	forms, err := parseForms(page.Body)
	if err != nil {
		return false, err
	}
	if len(forms) == 0 {
		if c.loginSucceeded(page) {
			c.session.MarkLoggedIn(creds.Username)
			return true, nil
		}
		return false, fmt.Errorf("logon page at %s has no form", page.URL)
	}

	logon := forms[0]
	logon.Fields.Set("username", creds.Username)
	logon.Fields.Set("password", creds.Password)

	resp, err := c.postForm(ctx, page.URL, logon)
	if err != nil {
		return false, fmt.Errorf("submit logon form: %w", err)
	}

	if next, err := parseForms(resp.Body); err == nil {
		if authz, ok := authorizationForm(next); ok {
			c.logger.Debug("approving authorization form", "action", authz.Action)
			authz.Fields.Set(approvalField, "true")
			resp, err = c.postForm(ctx, resp.URL, authz)
			if err != nil {
				return false, fmt.Errorf("submit authorization form: %w", err)
			}
		}
	}

	if !c.loginSucceeded(resp) {
		return false, nil
	}

	username := creds.Username
	if c.session.ServerType() == session.ServerSAS9 {
		if name, ok, err := c.checkSAS9(ctx); err == nil && ok && name != UnknownUsername {
			username = name
		}
	}
	c.session.MarkLoggedIn(username)
	return true, nil
}

func (c *Coordinator) postForm(ctx context.Context, pageURL *url.URL, f htmlForm) (*transport.Response, error) {
	action, err := url.Parse(f.Action)
	if err != nil {
		return nil, fmt.Errorf("parse form action %q: %w", f.Action, err)
	}
	target := pageURL.ResolveReference(action)

	return c.http.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        target.String(),
		Body:        []byte(f.Fields.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Raw:         true,
	})
}

// loginSucceeded applies the form flow's success rule: the final URL left
// the Logon pages, or the body shows the locale's success phrase.
func (c *Coordinator) loginSucceeded(resp *transport.Response) bool {
	if resp.URL != nil && !strings.Contains(resp.URL.Path, "Logon") {
		return true
	}
	return strings.Contains(string(resp.Body), SuccessPhrase(c.cfg.Locale))
}
