// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the HTTP remote.
type ClientConfig struct {
	// BaseURL is the message API base URL (default: http://127.0.0.1:8788)
	BaseURL string

	// Timeout for a single request (default: 10s)
	Timeout time.Duration

	// BearerToken is sent as Authorization when set.
	BearerToken string
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://127.0.0.1:8788",
		Timeout: 10 * time.Second,
	}
}

// =============================================================================
// HTTP REMOTE
// =============================================================================

// HTTPRemote implements Remote against the REST message API.
//
// Example:
//
//	remote := persistence.NewHTTPRemote(nil)
//	svc := persistence.NewService(remote)
//	msg, err := svc.SaveMessage(ctx, sessionID, draft)
type HTTPRemote struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewHTTPRemote creates a client; nil config means defaults.
func NewHTTPRemote(config *ClientConfig) *HTTPRemote {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8788"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPRemote{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// CreateSession implements Remote.
func (c *HTTPRemote) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", struct{}{}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateMessage implements Remote.
func (c *HTTPRemote) CreateMessage(ctx context.Context, sessionID string, req CreateMessageRequest) (RemoteMessage, error) {
	var out RemoteMessage
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", req, &out)
	return out, err
}

// ListMessages implements Remote.
func (c *HTTPRemote) ListMessages(ctx context.Context, sessionID string) ([]RemoteMessage, error) {
	var out struct {
		Messages []RemoteMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PatchMetadata implements Remote. A 404 surfaces as a StatusError whose
// NotFound method reports true.
func (c *HTTPRemote) PatchMetadata(ctx context.Context, sessionID, messageID string, req PatchMetadataRequest) (RemoteMessage, error) {
	var out RemoteMessage
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID) + "/metadata"
	err := c.do(ctx, http.MethodPatch, path, req, &out)
	return out, err
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error, Reason: apiErr.Code}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
