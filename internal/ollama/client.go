// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind classifies a client failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotRunning
	KindTimeout
	KindModelNotFound
	KindBadResponse
)

// ClientError is returned by every Client call.
type ClientError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// Is matches the sentinels below by kind.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotRunning    = &ClientError{Kind: KindNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Kind: KindTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Kind: KindModelNotFound, Message: "model not found"}
)

// IsModelNotFound reports whether err means the model is not pulled.
func IsModelNotFound(err error) bool { return errors.Is(err, ErrModelNotFound) }

// IsNotRunning reports whether err means Ollama could not be reached.
func IsNotRunning(err error) bool { return errors.Is(err, ErrNotRunning) }

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func badResponse(msg string, cause error) *ClientError {
	return &ClientError{Kind: KindBadResponse, Message: msg, Cause: cause}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ClientConfig holds the Ollama endpoint settings.
type ClientConfig struct {
	// BaseURL of the Ollama API (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for short requests; chat streams are bounded by their
	// context only (default: 30s)
	Timeout time.Duration

	// DefaultModel answers requests that name no model (default: "qwen2.5-coder:14b")
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "http://127.0.0.1:11434",
		Timeout:      30 * time.Second,
		DefaultModel: "qwen2.5-coder:14b",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a local Ollama server. Safe for concurrent use.
type Client struct {
	config *ClientConfig
	short  *http.Client
	long   *http.Client
}

// NewClient creates a client for the default local endpoint.
func NewClient() *Client {
	return NewClientWithConfig(nil)
}

// NewClientWithConfig creates a client. Zero fields take their defaults.
func NewClientWithConfig(config *ClientConfig) *Client {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaults.DefaultModel
	}
	return &Client{
		config: config,
		short:  &http.Client{Timeout: config.Timeout},
		long:   &http.Client{},
	}
}

// DefaultModel returns the configured default model.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// CheckRunning pings the server root.
func (c *Client) CheckRunning(ctx context.Context) error {
	resp, err := c.send(ctx, c.short, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListModels returns the locally pulled models (/api/tags).
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.send(ctx, c.short, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, badResponse("decode model list", err)
	}
	return tags.Models, nil
}

// OpenChat starts a streaming /api/chat request and returns a reader over
// its chunks. The caller must Close the reader. Cancelling ctx aborts the
// request.
func (c *Client) OpenChat(ctx context.Context, model string, messages []Message) (*ChatReader, error) {
	if model == "" {
		model = c.config.DefaultModel
	}
	resp, err := c.send(ctx, c.long, http.MethodPost, "/api/chat", ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return newChatReader(resp.Body), nil
}

// send performs one request and turns transport failures and non-200
// replies into ClientErrors. On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, badResponse("encode request", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, payload)
	if err != nil {
		return nil, &ClientError{Kind: KindUnknown, Message: "build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return nil, &ClientError{Kind: KindTimeout, Message: "request timed out", Cause: err}
	default:
		return nil, &ClientError{Kind: KindNotRunning, Message: "Ollama is not running", Cause: err}
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound && path == "/api/chat" {
		return nil, ErrModelNotFound
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return nil, badResponse(apiErr.Error, nil)
	}
	return nil, badResponse(method+" "+path+": "+resp.Status, nil)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
