// ABOUTME: Server configuration loaded from PARLEY_* environment variables.
// ABOUTME: Enforces security constraint: remote access requires auth token.

package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/2389-research/parley/widget"
)

// ConfigError represents configuration validation errors.
var (
	ErrRemoteWithoutToken = errors.New(
		"PARLEY_ALLOW_REMOTE is true but PARLEY_AUTH_TOKEN is not set; refusing to start without authentication",
	)
	ErrNonLoopbackBind = errors.New(
		"PARLEY_BIND is a non-loopback address but PARLEY_ALLOW_REMOTE is not true; set PARLEY_ALLOW_REMOTE=true and PARLEY_AUTH_TOKEN to allow remote access",
	)
	ErrBadWidgetMode = errors.New(
		"PARLEY_WIDGET_MODE must be \"direct\" or \"brokered\"",
	)
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	Home          string        // Data directory (PARLEY_HOME, default: ~/.parley)
	Bind          string        // Socket address (PARLEY_BIND, default: 127.0.0.1:7780)
	AllowRemote   bool          // Allow non-loopback connections (PARLEY_ALLOW_REMOTE, default: false)
	AuthToken     string        // Bearer token for API auth (PARLEY_AUTH_TOKEN, optional)
	OpenAIKey     string        // API key for the OpenAI chat backend (PARLEY_OPENAI_KEY or OPENAI_API_KEY)
	Model         string        // Chat model name (PARLEY_MODEL, default: gpt-4o-mini)
	WSBackendURL  string        // When set, chat relays over this WebSocket host instead (PARLEY_WS_BACKEND)
	RulesPath     string        // Optional YAML trigger-rule overrides (PARLEY_RULES)
	WidgetMode    widget.Mode   // Widget delivery mode (PARLEY_WIDGET_MODE, default: brokered)
	WidgetTimeout time.Duration // Widget request timeout (PARLEY_WIDGET_TIMEOUT_MS, default: 30s)
	DBPath        string        // Transcript database path (PARLEY_DB, default: <home>/transcripts.db)
}

// ConfigFromEnv loads configuration from PARLEY_* environment variables with
// sensible defaults.
func ConfigFromEnv() (*Config, error) {
	home := envOrDefault("PARLEY_HOME", "")
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "/tmp"
		}
		home = filepath.Join(homeDir, ".parley")
	}

	bind := envOrDefault("PARLEY_BIND", "127.0.0.1:7780")

	allowRemote := false
	if v := os.Getenv("PARLEY_ALLOW_REMOTE"); v == "true" || v == "1" || v == "yes" {
		allowRemote = true
	}

	authToken := nonEmptyEnv("PARLEY_AUTH_TOKEN")

	openAIKey := nonEmptyEnv("PARLEY_OPENAI_KEY")
	if openAIKey == "" {
		openAIKey = nonEmptyEnv("OPENAI_API_KEY")
	}

	mode := widget.Mode(envOrDefault("PARLEY_WIDGET_MODE", string(widget.ModeBrokered)))
	if mode != widget.ModeDirect && mode != widget.ModeBrokered {
		return nil, fmt.Errorf("%w: got %q", ErrBadWidgetMode, mode)
	}

	timeout := 30 * time.Second
	if v := nonEmptyEnv("PARLEY_WIDGET_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("PARLEY_WIDGET_TIMEOUT_MS must be a positive integer, got %q", v)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	cfg := &Config{
		Home:          home,
		Bind:          bind,
		AllowRemote:   allowRemote,
		AuthToken:     authToken,
		OpenAIKey:     openAIKey,
		Model:         envOrDefault("PARLEY_MODEL", "gpt-4o-mini"),
		WSBackendURL:  nonEmptyEnv("PARLEY_WS_BACKEND"),
		RulesPath:     nonEmptyEnv("PARLEY_RULES"),
		WidgetMode:    mode,
		WidgetTimeout: timeout,
		DBPath:        envOrDefault("PARLEY_DB", filepath.Join(home, "transcripts.db")),
	}

	// Security: remote access requires auth token
	if cfg.AllowRemote && cfg.AuthToken == "" {
		return nil, ErrRemoteWithoutToken
	}

	// Security: refuse non-loopback binds unless explicitly opting into
	// remote access. Checks both IP literals and hostnames; only 127.0.0.0/8,
	// ::1, and "localhost" are considered safe.
	if !cfg.AllowRemote {
		if host, _, err := net.SplitHostPort(cfg.Bind); err == nil && host != "" {
			ip := net.ParseIP(host)
			switch {
			case ip != nil && ip.IsLoopback():
				// Safe: 127.x.x.x or ::1
			case ip != nil:
				return nil, fmt.Errorf("%w: PARLEY_BIND=%s", ErrNonLoopbackBind, cfg.Bind)
			case host == "localhost":
				// Safe: conventional loopback hostname
			default:
				return nil, fmt.Errorf("%w: PARLEY_BIND=%s", ErrNonLoopbackBind, cfg.Bind)
			}
		}
	}

	return cfg, nil
}

// envOrDefault returns the environment variable's value, or def when unset
// or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// nonEmptyEnv returns the environment variable's value, or "" when unset.
func nonEmptyEnv(key string) string {
	return os.Getenv(key)
}
