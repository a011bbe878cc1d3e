// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// ChatReader pulls chunks off a streaming /api/chat body, one NDJSON line
// at a time. It keeps the reply assembled so far.
type ChatReader struct {
	body   io.ReadCloser
	lines  *bufio.Reader
	reply  strings.Builder
	chunks int
	model  string
	done   bool
}

func newChatReader(body io.ReadCloser) *ChatReader {
	return &ChatReader{body: body, lines: bufio.NewReader(body)}
}

// Next returns the next chunk. Blank and malformed lines are skipped. After
// the done chunk it returns io.EOF; a body that ends before it returns an
// error wrapping io.ErrUnexpectedEOF.
func (r *ChatReader) Next() (StreamChunk, error) {
	if r.done {
		return StreamChunk{}, io.EOF
	}
	for {
		line, err := r.lines.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return StreamChunk{}, badResponse("stream ended before done", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var resp ChatResponse
		if json.Unmarshal(line, &resp) != nil {
			continue
		}
		if resp.Error != "" {
			return StreamChunk{}, badResponse(resp.Error, nil)
		}
		return r.record(resp), nil
	}
}

func (r *ChatReader) record(resp ChatResponse) StreamChunk {
	if resp.Model != "" {
		r.model = resp.Model
	}
	if text := resp.Message.Content; text != "" {
		r.reply.WriteString(text)
		r.chunks++
	}
	chunk := StreamChunk{
		Content: resp.Message.Content,
		Done:    resp.Done,
		Model:   r.model,
	}
	if resp.Done {
		r.done = true
		chunk.DoneReason = resp.DoneReason
		chunk.TotalDuration = time.Duration(resp.TotalDuration)
		chunk.EvalDuration = time.Duration(resp.EvalDuration)
		chunk.PromptTokens = resp.PromptEvalCount
		chunk.CompletionTokens = resp.EvalCount
	}
	return chunk
}

// Reply returns the text received so far.
func (r *ChatReader) Reply() string { return r.reply.String() }

// Chunks returns the number of non-empty content chunks received.
func (r *ChatReader) Chunks() int { return r.chunks }

// Model returns the model that answered, empty until a line names it.
func (r *ChatReader) Model() string { return r.model }

// Close releases the response body.
func (r *ChatReader) Close() error { return r.body.Close() }
