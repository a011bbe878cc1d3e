// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/engine"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/util"
)

// =============================================================================
// STREAM RENDERER
// =============================================================================

// renderer prints the streaming assistant reply as the timeline grows.
// All terminal output of a chat session goes through it so notices from
// background goroutines never interleave with a half-written line.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	streamID model.MessageID
	shown    string
	ended    bool
	midLine  bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// Update is registered as the conversation's change listener.
func (r *renderer) Update(msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || !last.ID.IsTemp() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if last.ID == r.streamID && r.ended {
		return
	}
	if last.ID != r.streamID {
		if r.midLine {
			fmt.Fprintln(r.out)
		}
		r.streamID = last.ID
		r.shown = ""
		r.ended = false
		fmt.Fprint(r.out, assistantLabelStyle.Render("assistant> "))
		r.midLine = true
	}
	if len(last.Content) > len(r.shown) && strings.HasPrefix(last.Content, r.shown) {
		fmt.Fprint(r.out, last.Content[len(r.shown):])
		r.shown = last.Content
	}
}

// EndTurn finishes the streamed line. Later changes to the same
// placeholder are not printed again.
func (r *renderer) EndTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// Println writes a full line, breaking any streamed line first.
func (r *renderer) Println(a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintln(r.out, a...)
}

// Printf formats a full line.
func (r *renderer) Printf(format string, a ...any) {
	r.Println(fmt.Sprintf(format, a...))
}

// =============================================================================
// HISTORY
// =============================================================================

// historyLines formats the timeline, one message per line. Unsaved
// messages are marked "*" and messages with unconfirmed metadata "~".
func historyLines(conv *engine.Conversation, width int) []string {
	msgs := conv.Messages()
	if len(msgs) == 0 {
		return []string{infoStyle.Render("(no messages)")}
	}

	pending := make(map[model.MessageID]bool)
	for _, id := range conv.PendingIDs() {
		pending[id] = true
	}

	lines := make([]string, 0, len(msgs))
	for i, m := range msgs {
		marker := " "
		switch {
		case pending[m.ID]:
			marker = "~"
		case m.ID.IsTemp():
			marker = "*"
		}

		preview := m.Content
		tokens := 0
		if d, ok := conv.Derived(m.ID); ok {
			preview, tokens = d.Preview, d.Tokens
		}

		head := fmt.Sprintf("%3d %s %s ", i+1, marker, util.PadRight(m.Role.DisplayName(), 9))
		tail := fmt.Sprintf(" (%d tok)", tokens)
		room := width - util.StringWidth(head) - util.StringWidth(tail)
		lines = append(lines, head+util.TruncateWidth(util.OneLine(preview), room)+infoStyle.Render(tail))
	}
	return lines
}

// formatMetadata renders metadata as sorted key=value pairs.
func formatMetadata(md model.Metadata) string {
	if len(md) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, md[k])
	}
	return strings.Join(parts, " ")
}

// formatDuration rounds d for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return d.Round(time.Second).String()
}
