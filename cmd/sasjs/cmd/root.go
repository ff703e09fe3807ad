// Package cmd implements the CLI commands for sasjs.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/sasjs"
	"github.com/Dicklesworthstone/sasjs/internal/browser"
	"github.com/Dicklesworthstone/sasjs/internal/config"
	"github.com/Dicklesworthstone/sasjs/internal/db"
	"github.com/Dicklesworthstone/sasjs/internal/session"
)

var (
	configPath string
	envFile    string
	serverURL  string
	serverType string
	logLevel   string
	logFormat  string
	debugMode  bool
)

// stdin is shared by the username and password prompts.
var stdin = bufio.NewReader(os.Stdin)

var rootCmd = &cobra.Command{
	Use:   "sasjs",
	Short: "Run and inspect jobs on SAS9, SAS Viya and SASjs servers",
	Long: `sasjs talks to a remote analytics job server: it signs in, runs jobs,
waits for asynchronous Viya jobs and splits job logs into source and
generated code.

Configuration is read from ~/.config/sasjs/config.yaml, a .env file in the
working directory and SASJS_* environment variables, in that order.

Environment Variables:
  LOG_LEVEL   debug, info, warn, error (default: info)
  LOG_FORMAT  text, json (default: text)`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger(cmd.ErrOrStderr())
	},
}

// Execute runs the root command. Ctrl+C cancels the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file overlaid on the config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (overrides server_url)")
	rootCmd.PersistentFlags().StringVar(&serverType, "server-type", "", "SAS9, SASVIYA or SASJS (overrides server_type)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "run jobs in debug mode and record request history")
}

func initLogger(w io.Writer) {
	level := logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	format := logFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(path, envFile)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if serverType != "" {
		st, err := session.ParseServerType(serverType)
		if err != nil {
			return nil, err
		}
		cfg.ServerType = st
	}
	if debugMode {
		cfg.Debug = true
	}
	if cfg.Debug && cfg.HistoryDB == "" {
		cfg.HistoryDB = db.DefaultPath()
	}
	return cfg, cfg.Validate()
}

// newClient builds a client that prompts for credentials on the terminal
// and opens Chrome for SASVIYA sign-in.
func newClient() (*sasjs.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	opts := sasjs.Options{Logger: slog.Default()}
	if cfg.Username == "" || cfg.Password == "" {
		opts.Credentials = promptCredentials{username: cfg.Username}
	}
	if cfg.ServerType == sasjs.ServerViya {
		opts.OpenPopup = browser.Opener(browser.WithLogger(slog.Default()))
	}
	return sasjs.New(cfg, opts)
}

// promptCredentials asks on the terminal each time a login is needed.
type promptCredentials struct {
	username string
}

func (p promptCredentials) Credentials(context.Context) (sasjs.Credentials, error) {
	username := p.username
	if username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return sasjs.Credentials{}, fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return sasjs.Credentials{}, fmt.Errorf("read password: %w", err)
	}
	return sasjs.Credentials{Username: username, Password: password}, nil
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	// Non-terminal input (piped)
	password, err := stdin.ReadString('\n')
	if err != nil && password == "" {
		return "", err
	}
	return strings.TrimRight(password, "\r\n"), nil
}
