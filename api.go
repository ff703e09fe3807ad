package sasjs

import (
	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/auth"
	"github.com/Dicklesworthstone/sasjs/internal/config"
	"github.com/Dicklesworthstone/sasjs/internal/history"
	"github.com/Dicklesworthstone/sasjs/internal/jobs"
	"github.com/Dicklesworthstone/sasjs/internal/logs"
	"github.com/Dicklesworthstone/sasjs/internal/poll"
	"github.com/Dicklesworthstone/sasjs/internal/queue"
	"github.com/Dicklesworthstone/sasjs/internal/session"
)

// Server variants.
type ServerType = session.ServerType

const (
	ServerSAS9  = session.ServerSAS9
	ServerViya  = session.ServerViya
	ServerSASjs = session.ServerSASjs
)

type (
	Config       = config.Config
	SessionState = session.State

	Credentials         = auth.Credentials
	CredentialsProvider = auth.CredentialsProvider
	StaticCredentials   = auth.StaticCredentials
	Popup               = auth.Popup
	OpenPopupFunc       = auth.OpenPopupFunc

	Result         = jobs.Result
	Job            = jobs.Job
	PendingRequest = queue.PendingRequest
	ParsedLog      = logs.ParsedLog
	HistoryEntry   = history.Entry

	PollStrategy = poll.Strategy
	PollOutcome  = poll.Outcome
	PollOption   = poll.Option
	PollAttempt  = poll.Attempt
)

// Poll outcomes.
const (
	PollCompleted = poll.Completed
	PollExhausted = poll.Exhausted
)

// Errors. Match with errors.Is, or read the kind with KindOf.
type (
	Error     = apierr.Error
	ErrorKind = apierr.Kind
)

var (
	ErrLoginRequired = apierr.ErrLoginRequired
	ErrInvalidCSRF   = apierr.ErrInvalidCSRF
	ErrNotFound      = apierr.ErrNotFound
	ErrCertificate   = apierr.ErrCertificate
	ErrArgument      = apierr.ErrArgument
)

// KindOf returns the kind of err, or the unknown kind for foreign errors.
func KindOf(err error) ErrorKind { return apierr.KindOf(err) }

// DefaultConfig returns a configuration with defaults filled in.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads the configuration file, .env and SASJS_* variables.
func LoadConfig() (*Config, error) { return config.Load() }

// DefaultPollStrategy escalates from sub-second checks to one per minute.
func DefaultPollStrategy() PollStrategy { return poll.DefaultStrategy() }

// IsURL reports whether s is an absolute http or https URL with a host.
func IsURL(s string) bool { return config.IsURL(s) }

// ParseSourceCode returns the numbered source lines of log joined by CRLF.
func ParseSourceCode(log string) string { return logs.ParseSourceCode(log) }

// ParseGeneratedCode returns the MPRINT lines of log joined by CRLF.
func ParseGeneratedCode(log string) string { return logs.ParseGeneratedCode(log) }

// ParseLog splits a plain-text or JSON log page into both code streams.
func ParseLog(raw []byte) ParsedLog { return logs.Parse(raw) }

// IsLoginRequired reports whether body is a server login page.
func IsLoginRequired(body []byte) bool { return auth.IsLoginRequired(body) }

// ExtractUserNameSAS9 reads the signed-in user from a SAS9 page.
func ExtractUserNameSAS9(body string) string { return auth.ExtractUserNameSAS9(body) }
