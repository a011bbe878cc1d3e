// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeLocal, cfg.Persistence.Mode)
	assert.Equal(t, 50, cfg.Metadata.RetryDelayMs)
	assert.Equal(t, 3, cfg.Metadata.MaxRetries)
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{Ollama: OllamaConfig{Model: "llama3"}, Metadata: MetadataConfig{MaxRetries: 5}}
	cfg.SetDefaults()

	assert.Equal(t, "llama3", cfg.Ollama.Model)
	assert.Equal(t, 5, cfg.Metadata.MaxRetries)
	assert.Equal(t, 50, cfg.Metadata.RetryDelayMs)
	assert.Equal(t, CurrentVersion, cfg.Version)
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Ollama, cfg.Ollama)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[persistence]
mode = "http"
base_url = "http://10.0.0.5:8788"

[ollama]
model = "llama3.1:8b"
system_prompt = "Be kind."

[metadata]
retry_delay_ms = 200
max_retries = 4

[session]
idle_timeout_mins = 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeHTTP, cfg.Persistence.Mode)
	assert.Equal(t, "http://10.0.0.5:8788", cfg.Persistence.BaseURL)
	assert.Equal(t, "llama3.1:8b", cfg.Ollama.Model)
	assert.Equal(t, "Be kind.", cfg.Ollama.SystemPrompt)

	ec := cfg.EngineConfig()
	assert.Equal(t, 200*time.Millisecond, ec.Metadata.RetryDelay)
	assert.Equal(t, 4, ec.Metadata.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.SessionConfig().IdleTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[persistence]
mode = "carrier-pigeon"

[log]
level = "loud"
`)

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	assert.ElementsMatch(t, []string{"persistence.mode", "log.level"}, fields)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[persistence\nmode = ")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Ollama.Model = "mistral"
	cfg.Persistence.BearerToken = "secret"

	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mistral", loaded.Ollama.Model)
	assert.Equal(t, "secret", loaded.Persistence.BearerToken)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATSYNC_MODE":             "http",
		"CHATSYNC_REMOTE_URL":       "https://chat.example.com",
		"CHATSYNC_MODEL":            "phi3",
		"CHATSYNC_METADATA_RETRIES": "7",
		"CHATSYNC_LOG_LEVEL":        "  ",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, ModeHTTP, cfg.Persistence.Mode)
	assert.Equal(t, "https://chat.example.com", cfg.Persistence.BaseURL)
	assert.Equal(t, "phi3", cfg.Ollama.Model)
	assert.Equal(t, 7, cfg.Metadata.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level, "blank values are ignored")
}

func TestApplyEnvIgnoresBadNumber(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(func(k string) string {
		if k == "CHATSYNC_METADATA_RETRIES" {
			return "many"
		}
		return ""
	})
	assert.Equal(t, 3, cfg.Metadata.MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[ollama]\nmodel = \"from-file\"\n")
	t.Setenv("CHATSYNC_MODEL", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Ollama.Model)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, "CHATSYNC_DOTENV_PROBE=loaded\n")
	t.Cleanup(func() { os.Unsetenv("CHATSYNC_DOTENV_PROBE") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "loaded", os.Getenv("CHATSYNC_DOTENV_PROBE"))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"http mode needs url", func(c *Config) {
			c.Persistence.Mode = ModeHTTP
			c.Persistence.BaseURL = "ftp://nope"
		}, "persistence.base_url"},
		{"node id range", func(c *Config) { c.Persistence.NodeID = 4096 }, "persistence.node_id"},
		{"ollama url", func(c *Config) { c.Ollama.URL = "localhost" }, "ollama.url"},
		{"retry cap", func(c *Config) { c.Metadata.MaxRetries = 0 }, "metadata.max_retries"},
		{"negative delay", func(c *Config) { c.Metadata.RetryDelayMs = -1 }, "metadata.retry_delay_ms"},
		{"negative idle", func(c *Config) { c.Session.IdleTimeoutMins = -5 }, "session.idle_timeout_mins"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

// =============================================================================
// COMPONENT CONFIGS AND LOGGING
// =============================================================================

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Persistence.BearerToken = "tok"
	cfg.Persistence.DBPath = "/tmp/x.db"

	pc := cfg.PersistenceClientConfig()
	assert.Equal(t, 10*time.Second, pc.Timeout)
	assert.Equal(t, "tok", pc.BearerToken)

	sc := cfg.StorageConfig()
	assert.Equal(t, "/tmp/x.db", sc.Path)
	assert.Equal(t, int64(1), sc.NodeID)

	oc := cfg.OllamaClientConfig()
	assert.Equal(t, cfg.Ollama.Model, oc.DefaultModel)

	srv := cfg.ServerConfig()
	assert.Equal(t, cfg.Server.Addr, srv.Addr)
	assert.Equal(t, 40, srv.Burst)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestStringMasksToken(t *testing.T) {
	cfg := Default()
	cfg.Persistence.BearerToken = "super-secret"
	s := cfg.String()
	assert.NotContains(t, s, "super-secret")
	assert.Contains(t, s, "****")
	assert.Equal(t, "super-secret", cfg.Persistence.BearerToken)
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[ollama]\nmodel = \"first\"\n")

	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c *Config) { got <- c }) }()

	// Invalid edit is ignored; the next valid one is delivered.
	writeFile(t, path, "[log]\nlevel = \"loud\"\n")
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "[ollama]\nmodel = \"second\"\n")

	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-got:
			assert.NotEqual(t, "loud", cfg.Log.Level)
			seen = cfg.Ollama.Model == "second"
		case <-deadline:
			t.Fatal("no reload delivered")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
