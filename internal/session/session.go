// Package session holds the authentication state shared by one client:
// server variant, login flag, CSRF token pair and OAuth-style tokens.
//
// A Session is owned by the auth coordinator. Other components read it and
// record CSRF tokens observed on responses, but only the coordinator logs in,
// refreshes or resets it.
package session

import (
	"fmt"
	"strings"
	"sync"
)

// ServerType identifies the platform variant the client talks to.
type ServerType string

const (
	// ServerSAS9 uses form-based session-cookie login.
	ServerSAS9 ServerType = "SAS9"
	// ServerViya uses popup login with cookie polling and refresh-token grants.
	ServerViya ServerType = "SASVIYA"
	// ServerSASjs uses the lightweight custom-token login.
	ServerSASjs ServerType = "SASJS"
)

// ParseServerType normalizes s into a ServerType.
func ParseServerType(s string) (ServerType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAS9":
		return ServerSAS9, nil
	case "SASVIYA", "VIYA":
		return ServerViya, nil
	case "SASJS":
		return ServerSASjs, nil
	default:
		return "", fmt.Errorf("unknown server type %q (supported: SAS9, SASVIYA, SASJS)", s)
	}
}

// State is an immutable snapshot of a Session.
type State struct {
	ServerType   ServerType
	LoggedIn     bool
	Username     string
	AccessToken  string
	RefreshToken string
}

// Session is the mutable authentication state of one client.
type Session struct {
	mu           sync.RWMutex
	serverType   ServerType
	loggedIn     bool
	username     string
	accessToken  string
	refreshToken string
	csrf         map[CSRFKind]string
	generation   uint64
}

// New creates a logged-out session for the given server type.
func New(serverType ServerType) *Session {
	return &Session{
		serverType: serverType,
		csrf:       make(map[CSRFKind]string),
	}
}

// ServerType returns the variant this session talks to.
func (s *Session) ServerType() ServerType {
	return s.serverType
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return State{
		ServerType:   s.serverType,
		LoggedIn:     s.loggedIn,
		Username:     s.username,
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
	}
}

// LoggedIn reports whether the last login succeeded and was not reset.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// MarkLoggedIn records a successful login.
func (s *Session) MarkLoggedIn(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loggedIn = true
	s.generation++
	if username != "" {
		s.username = username
	}
}

// Generation counts successful logins. A request sent under an older
// generation may be replayed as is once a newer login has completed.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetTokens stores a new token pair. An empty refresh token keeps the old one,
// matching servers that only rotate the access token.
func (s *Session) SetTokens(accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
}

// AccessToken returns the current bearer token, if any.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Reset drops all authentication state including both CSRF tokens.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loggedIn = false
	s.username = ""
	s.accessToken = ""
	s.refreshToken = ""
	s.csrf = make(map[CSRFKind]string)
}
