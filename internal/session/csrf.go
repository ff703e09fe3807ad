package session

// CSRFHeader carries the anti-forgery token on requests and responses.
const CSRFHeader = "X-CSRF-TOKEN"

// CSRFKind scopes a CSRF token to a class of resources.
type CSRFKind int

const (
	// KindGeneral covers job execution and session endpoints.
	KindGeneral CSRFKind = iota
	// KindFile covers file and folder endpoints.
	KindFile
)

func (k CSRFKind) String() string {
	if k == KindFile {
		return "file"
	}
	return "general"
}

// CSRFToken is a token value tagged with its kind.
type CSRFToken struct {
	Value string
	Kind  CSRFKind
}

// CSRF returns the stored token for kind. ok is false when none is held.
func (s *Session) CSRF(kind CSRFKind) (CSRFToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.csrf[kind]
	if !ok || v == "" {
		return CSRFToken{Kind: kind}, false
	}
	return CSRFToken{Value: v, Kind: kind}, true
}

// SetCSRF stores a token. Empty values are ignored.
func (s *Session) SetCSRF(tok CSRFToken) {
	if tok.Value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrf[tok.Kind] = tok.Value
}

// InvalidateCSRF forgets the token of one kind so it is re-fetched.
func (s *Session) InvalidateCSRF(kind CSRFKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.csrf, kind)
}
