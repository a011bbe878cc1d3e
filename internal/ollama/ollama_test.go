// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/stream"
)

// =============================================================================
// HELPERS
// =============================================================================

const ndjsonReply = `{"model":"llama3.2","message":{"role":"assistant","content":"I "},"done":false}
{"model":"llama3.2","message":{"role":"assistant","content":"understand"},"done":false}

not json
{"model":"llama3.2","message":{"role":"assistant","content":" that."},"done":false}
{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","total_duration":2000000000,"prompt_eval_count":12,"eval_count":3,"eval_duration":1000000000}
`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func collect(t *testing.T, s stream.Stream) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// =============================================================================
// CLIENT
// =============================================================================

func TestNewClientWithConfig_FillsDefaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{})
	assert.Equal(t, "http://127.0.0.1:11434", c.config.BaseURL)
	assert.Equal(t, 30*time.Second, c.config.Timeout)
	assert.Equal(t, "qwen2.5-coder:14b", c.DefaultModel())

	assert.Equal(t, "qwen2.5-coder:14b", NewClientWithConfig(nil).DefaultModel())
}

func TestCheckRunning(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Ollama is running")
	})
	assert.NoError(t, c.CheckRunning(context.Background()))
}

func TestCheckRunning_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClientWithConfig(&ClientConfig{BaseURL: url, Timeout: time.Second})
	err := c.CheckRunning(context.Background())
	assert.True(t, IsNotRunning(err), "got %v", err)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(TagsResponse{Models: []ModelInfo{
			{Name: "llama3.2", Size: 2 << 30, Details: ModelDetails{Family: "llama"}},
		}})
	})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.2", models[0].Name)
	assert.Equal(t, "llama", models[0].Details.Family)
}

// =============================================================================
// STREAMING
// =============================================================================

func readerFor(body string) *ChatReader {
	return newChatReader(io.NopCloser(strings.NewReader(body)))
}

func TestOpenChat_ParsesNDJSON(t *testing.T) {
	var got ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, ndjsonReply)
	})

	cr, err := c.OpenChat(context.Background(), "", []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer cr.Close()

	var chunks []StreamChunk
	for {
		ch, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}

	assert.True(t, got.Stream)
	assert.Equal(t, "qwen2.5-coder:14b", got.Model)

	require.Len(t, chunks, 4, "blank and malformed lines are skipped")
	assert.Equal(t, "I ", chunks[0].Content)
	last := chunks[3]
	assert.True(t, last.Done)
	assert.Equal(t, "stop", last.DoneReason)
	assert.Equal(t, 3, last.CompletionTokens)
	assert.Equal(t, 12, last.PromptTokens)
	assert.InDelta(t, 3.0, last.TokensPerSecond(), 0.001)
	assert.Equal(t, "llama3.2", last.Model)

	assert.Equal(t, "I understand that.", cr.Reply())
	assert.Equal(t, 3, cr.Chunks())
	assert.Equal(t, "llama3.2", cr.Model())
}

func TestOpenChat_ModelNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})
	_, err := c.OpenChat(context.Background(), "missing", nil)
	assert.True(t, IsModelNotFound(err))
}

func TestOpenChat_ServerErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"out of memory"}`)
	})
	_, err := c.OpenChat(context.Background(), "m", nil)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindBadResponse, ce.Kind)
	assert.Equal(t, "out of memory", ce.Message)
	assert.False(t, IsModelNotFound(err))
}

func TestChatReader_TruncatedStream(t *testing.T) {
	cr := readerFor(`{"model":"m","message":{"content":"half"},"done":false}`)

	ch, err := cr.Next()
	require.NoError(t, err)
	assert.Equal(t, "half", ch.Content)

	_, err = cr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "half", cr.Reply())
	assert.Equal(t, "m", cr.Model())
	assert.Equal(t, 1, cr.Chunks())
}

func TestChatReader_MidStreamError(t *testing.T) {
	cr := readerFor(`{"model":"m","message":{"content":"a"},"done":false}` + "\n" + `{"error":"model crashed"}` + "\n")

	_, err := cr.Next()
	require.NoError(t, err)
	_, err = cr.Next()
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "model crashed", ce.Message)
	assert.Equal(t, "a", cr.Reply())
}

func TestChatReader_EOFAfterDone(t *testing.T) {
	cr := readerFor(`{"model":"m","message":{"content":""},"done":true}` + "\n" + `{"model":"m","message":{"content":"late"},"done":false}` + "\n")

	ch, err := cr.Next()
	require.NoError(t, err)
	assert.True(t, ch.Done)

	_, err = cr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, cr.Reply())
	assert.Zero(t, cr.Chunks())
}

// =============================================================================
// TRANSPORT
// =============================================================================

func TestTransport_EmitsDeltasThenDone(t *testing.T) {
	var got ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, ndjsonReply)
	})
	tr := NewTransport(c, WithModel("llama3.2"), WithSystemPrompt("be kind"))
	assert.Equal(t, "llama3.2", tr.Model())

	history := []model.Message{
		model.NewUserMessage("earlier"),
		model.NewPlaceholder(),
	}
	s, err := tr.Start(context.Background(), stream.Request{SessionID: "S1", UserText: "I feel anxious", History: history})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 4)
	for i, want := range []string{"I ", "understand", " that."} {
		assert.Equal(t, stream.EventDelta, events[i].Kind)
		assert.Equal(t, want, events[i].Text)
	}
	done := events[3]
	assert.Equal(t, stream.EventDone, done.Kind)
	assert.Equal(t, "I understand that.", done.Text)
	assert.Equal(t, "llama3.2", done.Model)
	assert.Equal(t, 3, done.Metadata["eval_count"])
	assert.Equal(t, "stop", done.Metadata["done_reason"])
	assert.Equal(t, 3, done.Metadata["chunks"])

	require.Len(t, got.Messages, 3, "empty placeholder is not sent")
	assert.Equal(t, Message{Role: "system", Content: "be kind"}, got.Messages[0])
	assert.Equal(t, Message{Role: "user", Content: "earlier"}, got.Messages[1])
	assert.Equal(t, Message{Role: "user", Content: "I feel anxious"}, got.Messages[2])
	assert.Equal(t, "llama3.2", got.Model)
}

func TestTransport_ErrorEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	s, err := NewTransport(c).Start(context.Background(), stream.Request{UserText: "hi"})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Kind)
	assert.True(t, errors.Is(events[0].Err, ErrModelNotFound))
}

func TestTransport_TruncatedStreamFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"m","message":{"content":"partial"},"done":false}`+"\n")
	})
	s, err := NewTransport(c).Start(context.Background(), stream.Request{UserText: "hi"})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventDelta, events[0].Kind)
	assert.Equal(t, stream.EventError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, io.ErrUnexpectedEOF)
}

func TestTransport_StopCancelsRequest(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"m","message":{"content":"a"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	s, err := NewTransport(c).Start(context.Background(), stream.Request{UserText: "hi"})
	require.NoError(t, err)

	first := <-s.Events()
	assert.Equal(t, "a", first.Text)

	s.Stop()
	s.Stop()
	for _, ev := range collect(t, s) {
		assert.NotEqual(t, stream.EventDone, ev.Kind)
	}
}
