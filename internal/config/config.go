// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/rigrun-chatsync/internal/engine"
	"github.com/jeranaias/rigrun-chatsync/internal/metadata"
	"github.com/jeranaias/rigrun-chatsync/internal/ollama"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
	"github.com/jeranaias/rigrun-chatsync/internal/server"
	"github.com/jeranaias/rigrun-chatsync/internal/session"
	"github.com/jeranaias/rigrun-chatsync/internal/storage"
	"github.com/jeranaias/rigrun-chatsync/internal/util"
)

// CurrentVersion is written into saved files.
const CurrentVersion = "1"

// Persistence modes.
const (
	ModeHTTP  = "http"
	ModeLocal = "local"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the complete configuration.
type Config struct {
	Version string `toml:"version"`

	Persistence PersistenceConfig `toml:"persistence"`
	Ollama      OllamaConfig      `toml:"ollama"`
	Metadata    MetadataConfig    `toml:"metadata"`
	Session     SessionConfig     `toml:"session"`
	Server      ServerConfig      `toml:"server"`
	Engine      EngineConfig      `toml:"engine"`
	Log         LogConfig         `toml:"log"`
}

// PersistenceConfig selects and configures the message store.
type PersistenceConfig struct {
	// Mode is "http" (remote API) or "local" (in-process SQLite).
	Mode        string `toml:"mode"`
	BaseURL     string `toml:"base_url"`
	TimeoutSecs int    `toml:"timeout_secs"`
	BearerToken string `toml:"bearer_token"`

	// DBPath and NodeID are used by local mode and by serve.
	DBPath string `toml:"db_path"`
	NodeID int64  `toml:"node_id"`
}

// OllamaConfig configures the streaming transport.
type OllamaConfig struct {
	URL          string `toml:"url"`
	Model        string `toml:"model"`
	SystemPrompt string `toml:"system_prompt"`
	TimeoutSecs  int    `toml:"timeout_secs"`
}

// MetadataConfig is the pending-edit retry policy.
type MetadataConfig struct {
	RetryDelayMs int `toml:"retry_delay_ms"`
	MaxRetries   int `toml:"max_retries"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	// IdleTimeoutMins of 0 keeps a session forever.
	IdleTimeoutMins int `toml:"idle_timeout_mins"`
}

// ServerConfig configures the message API server.
type ServerConfig struct {
	Addr      string  `toml:"addr"`
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

// EngineConfig tunes derived view data.
type EngineConfig struct {
	PreviewLength int `toml:"preview_length"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	dbPath := storage.DefaultConfig().Path
	oc := ollama.DefaultConfig()
	return &Config{
		Version: CurrentVersion,
		Persistence: PersistenceConfig{
			Mode:        ModeLocal,
			BaseURL:     "http://" + server.DefaultAddr,
			TimeoutSecs: 10,
			DBPath:      dbPath,
			NodeID:      1,
		},
		Ollama: OllamaConfig{
			URL:         oc.BaseURL,
			Model:       oc.DefaultModel,
			TimeoutSecs: int(oc.Timeout / time.Second),
		},
		Metadata: MetadataConfig{
			RetryDelayMs: 50,
			MaxRetries:   3,
		},
		Server: ServerConfig{
			Addr:      server.DefaultAddr,
			RateLimit: 20,
			Burst:     40,
		},
		Engine: EngineConfig{PreviewLength: 80},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults fills zero values from Default.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Persistence.Mode == "" {
		c.Persistence.Mode = d.Persistence.Mode
	}
	if c.Persistence.BaseURL == "" {
		c.Persistence.BaseURL = d.Persistence.BaseURL
	}
	if c.Persistence.TimeoutSecs == 0 {
		c.Persistence.TimeoutSecs = d.Persistence.TimeoutSecs
	}
	if c.Persistence.DBPath == "" {
		c.Persistence.DBPath = d.Persistence.DBPath
	}
	if c.Persistence.NodeID == 0 {
		c.Persistence.NodeID = d.Persistence.NodeID
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = d.Ollama.URL
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = d.Ollama.Model
	}
	if c.Ollama.TimeoutSecs == 0 {
		c.Ollama.TimeoutSecs = d.Ollama.TimeoutSecs
	}
	if c.Metadata.RetryDelayMs == 0 {
		c.Metadata.RetryDelayMs = d.Metadata.RetryDelayMs
	}
	if c.Metadata.MaxRetries == 0 {
		c.Metadata.MaxRetries = d.Metadata.MaxRetries
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = d.Server.Burst
	}
	if c.Engine.PreviewLength == 0 {
		c.Engine.PreviewLength = d.Engine.PreviewLength
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// PATHS
// =============================================================================

// Dir returns the configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-chatsync"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// LoadDotEnv loads each existing file into the process environment.
// Variables already set are left alone.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (a missing file means defaults), applies CHATSYNC_*
// overrides and validates. An empty path means Path().
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML with 0600 permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-chatsync configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies the CHATSYNC_* environment:
//
//   - CHATSYNC_MODE: persistence.mode
//   - CHATSYNC_REMOTE_URL: persistence.base_url
//   - CHATSYNC_REMOTE_TOKEN: persistence.bearer_token
//   - CHATSYNC_DB_PATH: persistence.db_path
//   - CHATSYNC_OLLAMA_URL: ollama.url
//   - CHATSYNC_MODEL: ollama.model
//   - CHATSYNC_SYSTEM_PROMPT: ollama.system_prompt
//   - CHATSYNC_METADATA_RETRIES: metadata.max_retries
//   - CHATSYNC_SERVER_ADDR: server.addr
//   - CHATSYNC_LOG_LEVEL: log.level
func (c *Config) ApplyEnvOverrides() {
	c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("CHATSYNC_MODE", &c.Persistence.Mode)
	set("CHATSYNC_REMOTE_URL", &c.Persistence.BaseURL)
	set("CHATSYNC_REMOTE_TOKEN", &c.Persistence.BearerToken)
	set("CHATSYNC_DB_PATH", &c.Persistence.DBPath)
	set("CHATSYNC_OLLAMA_URL", &c.Ollama.URL)
	set("CHATSYNC_MODEL", &c.Ollama.Model)
	set("CHATSYNC_SYSTEM_PROMPT", &c.Ollama.SystemPrompt)
	set("CHATSYNC_SERVER_ADDR", &c.Server.Addr)
	set("CHATSYNC_LOG_LEVEL", &c.Log.Level)

	if v := getenv("CHATSYNC_METADATA_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metadata.MaxRetries = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate returns ValidateErrors listing every problem, or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Persistence.Mode {
	case ModeHTTP, ModeLocal:
	default:
		add("persistence.mode", "invalid mode %q, must be one of: http, local", c.Persistence.Mode)
	}
	if c.Persistence.Mode == ModeHTTP {
		if err := validateURL(c.Persistence.BaseURL); err != nil {
			add("persistence.base_url", "%v", err)
		}
	}
	if c.Persistence.TimeoutSecs < 0 {
		add("persistence.timeout_secs", "must not be negative")
	}
	if c.Persistence.NodeID < 0 || c.Persistence.NodeID > 1023 {
		add("persistence.node_id", "must be between 0 and 1023, got %d", c.Persistence.NodeID)
	}

	if err := validateURL(c.Ollama.URL); err != nil {
		add("ollama.url", "%v", err)
	}
	if c.Ollama.TimeoutSecs < 0 {
		add("ollama.timeout_secs", "must not be negative")
	}

	if c.Metadata.RetryDelayMs < 0 {
		add("metadata.retry_delay_ms", "must not be negative")
	}
	if c.Metadata.MaxRetries < 1 || c.Metadata.MaxRetries > 100 {
		add("metadata.max_retries", "must be between 1 and 100, got %d", c.Metadata.MaxRetries)
	}

	if c.Session.IdleTimeoutMins < 0 {
		add("session.idle_timeout_mins", "must not be negative")
	}

	if c.Server.Burst < 0 {
		add("server.burst", "must not be negative")
	}
	if c.Engine.PreviewLength < 0 {
		add("engine.preview_length", "must not be negative")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format %q, must be one of: text, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

// PersistenceClientConfig returns the HTTP remote client settings.
func (c *Config) PersistenceClientConfig() *persistence.ClientConfig {
	return &persistence.ClientConfig{
		BaseURL:     c.Persistence.BaseURL,
		Timeout:     time.Duration(c.Persistence.TimeoutSecs) * time.Second,
		BearerToken: c.Persistence.BearerToken,
	}
}

// StorageConfig returns the SQLite repository settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{Path: c.Persistence.DBPath, NodeID: c.Persistence.NodeID}
}

// OllamaClientConfig returns the Ollama client settings.
func (c *Config) OllamaClientConfig() *ollama.ClientConfig {
	return &ollama.ClientConfig{
		BaseURL:      c.Ollama.URL,
		Timeout:      time.Duration(c.Ollama.TimeoutSecs) * time.Second,
		DefaultModel: c.Ollama.Model,
	}
}

// EngineConfig returns the engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PreviewLength: c.Engine.PreviewLength,
		Metadata: metadata.Config{
			RetryDelay: time.Duration(c.Metadata.RetryDelayMs) * time.Millisecond,
			MaxRetries: c.Metadata.MaxRetries,
		},
	}
}

// SessionConfig returns the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{IdleTimeout: time.Duration(c.Session.IdleTimeoutMins) * time.Minute}
}

// ServerConfig returns the API server settings.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:      c.Server.Addr,
		RateLimit: c.Server.RateLimit,
		Burst:     c.Server.Burst,
	}
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds a slog logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid level %q, must be one of: debug, info, warn, error", s)
	}
	return level, nil
}

// String renders c as TOML with the bearer token masked.
func (c *Config) String() string {
	masked := *c
	if masked.Persistence.BearerToken != "" {
		masked.Persistence.BearerToken = "****"
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(masked); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
