// Package apierr defines the closed set of error kinds surfaced by the client.
//
// Every failure the client reports on purpose is an *Error carrying one Kind.
// Callers dispatch on the kind, either with errors.Is against the sentinels
// below or with KindOf:
//
//	if errors.Is(err, apierr.ErrLoginRequired) { ... }
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of client error.
type Kind int

const (
	// KindUnknown is reported by KindOf for errors that are not *Error.
	KindUnknown Kind = iota
	// KindLoginRequired means the session is absent or expired.
	KindLoginRequired
	// KindInvalidCSRF means the server rejected the anti-forgery token.
	KindInvalidCSRF
	// KindNotFound means the requested resource does not exist.
	KindNotFound
	// KindCertificate means the TLS certificate chain could not be verified.
	KindCertificate
	// KindArgument means the caller passed invalid input.
	KindArgument
)

func (k Kind) String() string {
	switch k {
	case KindLoginRequired:
		return "login_required"
	case KindInvalidCSRF:
		return "invalid_csrf"
	case KindNotFound:
		return "not_found"
	case KindCertificate:
		return "certificate"
	case KindArgument:
		return "argument"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its kind.
var (
	ErrLoginRequired = errors.New("login required")
	ErrInvalidCSRF   = errors.New("invalid csrf token")
	ErrNotFound      = errors.New("not found")
	ErrCertificate   = errors.New("certificate error")
	ErrArgument      = errors.New("invalid argument")
)

// CertificateHelpURL is attached to certificate errors as the remediation link.
var CertificateHelpURL = "https://sasjs.io/faq/"

// Error is the single tagged error type.
type Error struct {
	Kind        Kind
	Message     string
	URL         string // offending URL, set for not-found and transport failures
	Remediation string // set for certificate errors
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := e.Message
	if msg == "" {
		msg = sentinelFor(e.Kind).Error()
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s (url=%s)", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Remediation != "" {
		msg = fmt.Sprintf("%s; see %s", msg, e.Remediation)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	s := sentinelFor(e.Kind)
	return s != nil && target == s
}

func sentinelFor(k Kind) error {
	switch k {
	case KindLoginRequired:
		return ErrLoginRequired
	case KindInvalidCSRF:
		return ErrInvalidCSRF
	case KindNotFound:
		return ErrNotFound
	case KindCertificate:
		return ErrCertificate
	case KindArgument:
		return ErrArgument
	default:
		return errors.New("client error")
	}
}

// KindOf returns the kind of the first *Error in err's chain. A bare
// sentinel such as ErrLoginRequired maps to its own kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindLoginRequired, KindInvalidCSRF, KindNotFound, KindCertificate, KindArgument} {
		if errors.Is(err, sentinelFor(k)) {
			return k
		}
	}
	return KindUnknown
}

// LoginRequired builds a login-required error.
func LoginRequired(msg string) *Error {
	return &Error{Kind: KindLoginRequired, Message: msg}
}

// InvalidCSRF builds an invalid-CSRF error for the given URL.
func InvalidCSRF(url string) *Error {
	return &Error{Kind: KindInvalidCSRF, Message: "csrf token rejected", URL: url}
}

// NotFound builds a not-found error carrying the offending URL.
func NotFound(url string) *Error {
	return &Error{Kind: KindNotFound, Message: "resource not found", URL: url}
}

// Certificate wraps a TLS verification failure with the remediation link.
func Certificate(url string, err error) *Error {
	return &Error{
		Kind:        KindCertificate,
		Message:     "certificate verification failed",
		URL:         url,
		Remediation: CertificateHelpURL,
		Err:         err,
	}
}

// Argument builds a caller-input validation error.
func Argument(format string, args ...any) *Error {
	return &Error{Kind: KindArgument, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether err may clear after a fresh sign-on, so the
// request gate holds the request and replays it. A CSRF token rejected even
// after the transport's own retry means the session behind it is gone.
// Certificate and argument errors are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLoginRequired, KindInvalidCSRF:
		return true
	default:
		return false
	}
}
