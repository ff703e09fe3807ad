// Package config loads client settings from a YAML file, an optional .env
// file and SASJS_* environment variables, in increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/session"
)

// Duration wraps time.Duration so config files can say "30s" or "5m".
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// MarshalYAML encodes the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string such as "1m30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full client configuration.
type Config struct {
	ServerURL  string             `yaml:"server_url" json:"server_url"`
	AppLoc     string             `yaml:"app_loc" json:"app_loc"`
	ServerType session.ServerType `yaml:"server_type" json:"server_type"`
	Debug      bool               `yaml:"debug" json:"debug"`
	Locale     string             `yaml:"locale" json:"locale"`

	// ContextName selects the Viya compute context for job execution.
	ContextName string `yaml:"context_name" json:"context_name"`

	// ClientID and ClientSecret enable token grants (SASVIYA refresh, SASJS authorize).
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`

	Username string `yaml:"username" json:"username"`
	Password string `yaml:"-" json:"-"`

	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
	LoginTimeout   Duration `yaml:"login_timeout" json:"login_timeout"`
	PopupTimeout   Duration `yaml:"popup_timeout" json:"popup_timeout"`
	PopupInterval  Duration `yaml:"popup_interval" json:"popup_interval"`

	// Proxy is an optional "ssh+socks5://user@host:port?private-key=/path" URL.
	Proxy         string `yaml:"proxy" json:"proxy"`
	CACertFile    string `yaml:"ca_cert_file" json:"ca_cert_file"`
	AllowInsecure bool   `yaml:"allow_insecure" json:"allow_insecure"`

	HistoryDB    string `yaml:"history_db" json:"history_db"`
	HistoryLimit int    `yaml:"history_limit" json:"history_limit"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		ServerType:     session.ServerSASjs,
		Locale:         "en",
		RequestTimeout: Duration(2 * time.Minute),
		LoginTimeout:   Duration(5 * time.Minute),
		PopupTimeout:   Duration(5 * time.Minute),
		PopupInterval:  Duration(time.Second),
		HistoryLimit:   20,
	}
}

// ConfigPath returns $XDG_CONFIG_HOME/sasjs/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func ConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sasjs", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "sasjs", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "sasjs", "config.yaml")
}

// Load reads the default config path and a .env file in the working directory.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath(), ".env")
}

// LoadFrom reads path (missing is fine), overlays envFile (missing is fine)
// and then the process environment, and validates the result.
func LoadFrom(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, envPrefix) {
			env[k] = v
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "SASJS_"

func (c *Config) applyEnv(env map[string]string) error {
	get := func(key string) (string, bool) {
		v, ok := env[envPrefix+key]
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"SERVER_URL":    &c.ServerURL,
		"APP_LOC":       &c.AppLoc,
		"LOCALE":        &c.Locale,
		"CONTEXT_NAME":  &c.ContextName,
		"CLIENT_ID":     &c.ClientID,
		"CLIENT_SECRET": &c.ClientSecret,
		"USERNAME":      &c.Username,
		"PASSWORD":      &c.Password,
		"PROXY":         &c.Proxy,
		"CA_CERT_FILE":  &c.CACertFile,
		"HISTORY_DB":    &c.HistoryDB,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	if v, ok := get("SERVER_TYPE"); ok {
		st, err := session.ParseServerType(v)
		if err != nil {
			return apierr.Argument("%sSERVER_TYPE: %v", envPrefix, err)
		}
		c.ServerType = st
	}

	bools := map[string]*bool{
		"DEBUG":          &c.Debug,
		"ALLOW_INSECURE": &c.AllowInsecure,
	}
	for key, dst := range bools {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return apierr.Argument("%s%s: %q is not a boolean", envPrefix, key, v)
			}
			*dst = b
		}
	}

	durations := map[string]*Duration{
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"LOGIN_TIMEOUT":   &c.LoginTimeout,
		"POPUP_TIMEOUT":   &c.PopupTimeout,
		"POPUP_INTERVAL":  &c.PopupInterval,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return apierr.Argument("%s%s: %q is not a duration", envPrefix, key, v)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := get("HISTORY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apierr.Argument("%sHISTORY_LIMIT: %q is not an integer", envPrefix, v)
		}
		c.HistoryLimit = n
	}
	return nil
}

// Validate checks the fields every client needs.
func (c *Config) Validate() error {
	if c.ServerURL != "" && !IsURL(c.ServerURL) {
		return apierr.Argument("server_url %q is not an http(s) URL", c.ServerURL)
	}
	if _, err := session.ParseServerType(string(c.ServerType)); err != nil {
		return apierr.Argument("server_type: %v", err)
	}
	if c.AppLoc != "" && !strings.HasPrefix(c.AppLoc, "/") {
		return apierr.Argument("app_loc %q must be an absolute path", c.AppLoc)
	}
	if c.HistoryLimit < 0 {
		return apierr.Argument("history_limit must not be negative")
	}
	for name, d := range map[string]Duration{
		"request_timeout": c.RequestTimeout,
		"login_timeout":   c.LoginTimeout,
		"popup_timeout":   c.PopupTimeout,
		"popup_interval":  c.PopupInterval,
	} {
		if d < 0 {
			return apierr.Argument("%s must not be negative", name)
		}
	}
	return nil
}

// IsURL reports whether s is an absolute http or https URL with a host.
func IsURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
