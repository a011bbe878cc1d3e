// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"log/slog"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/stream"
)

// eventBuffer is how many events may queue ahead of the reconciler.
const eventBuffer = 32

// Transport streams assistant replies from Ollama's /api/chat.
type Transport struct {
	client *Client
	model  string
	system string
	logger *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithModel overrides the client's default model.
func WithModel(name string) TransportOption {
	return func(t *Transport) { t.model = name }
}

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(prompt string) TransportOption {
	return func(t *Transport) { t.system = prompt }
}

// WithTransportLogger sets the logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a Transport over client.
func NewTransport(client *Client, opts ...TransportOption) *Transport {
	t := &Transport{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.model == "" {
		t.model = client.DefaultModel()
	}
	return t
}

// Model returns the model requests are sent to.
func (t *Transport) Model() string {
	return t.model
}

// Start opens a streaming chat. Deltas arrive as they are generated; the
// done chunk becomes a terminal event carrying the full reply, the model
// and eval statistics. Stop cancels the HTTP request.
func (t *Transport) Start(ctx context.Context, req stream.Request) (stream.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	pipe := stream.NewPipe(eventBuffer, cancel)
	messages := t.buildMessages(req)

	go func() {
		defer pipe.Close()
		defer cancel()

		err := t.pump(ctx, messages, pipe)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			t.logger.Debug("ollama stream cancelled", "session_id", req.SessionID)
		default:
			pipe.Send(stream.Failed(err))
		}
	}()

	return pipe, nil
}

// pump forwards chunks until the done line, which it turns into the
// terminal event.
func (t *Transport) pump(ctx context.Context, messages []Message, pipe *stream.Pipe) error {
	cr, err := t.client.OpenChat(ctx, t.model, messages)
	if err != nil {
		return err
	}
	defer cr.Close()

	for {
		c, err := cr.Next()
		if err != nil {
			return err
		}
		if c.Content != "" {
			pipe.Send(stream.Delta(c.Content))
		}
		if c.Done {
			md := chunkMetadata(c)
			md["chunks"] = cr.Chunks()
			pipe.Send(stream.Done(cr.Reply(), cr.Model(), md))
			return nil
		}
	}
}

func (t *Transport) buildMessages(req stream.Request) []Message {
	messages := make([]Message, 0, len(req.History)+2)
	if t.system != "" {
		messages = append(messages, Message{Role: string(model.RoleSystem), Content: t.system})
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
	}
	return append(messages, Message{Role: string(model.RoleUser), Content: req.UserText})
}

func chunkMetadata(c StreamChunk) model.Metadata {
	md := model.Metadata{
		"prompt_eval_count": c.PromptTokens,
		"eval_count":        c.CompletionTokens,
		"total_duration_ms": c.TotalDuration.Milliseconds(),
	}
	if tps := c.TokensPerSecond(); tps > 0 {
		md["tokens_per_second"] = tps
	}
	if c.DoneReason != "" {
		md["done_reason"] = c.DoneReason
	}
	return md
}
