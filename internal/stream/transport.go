// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"sync"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies a stream event.
type EventKind int

const (
	// EventDelta carries an incremental piece of assistant text.
	EventDelta EventKind = iota

	// EventDone is the successful terminal event.
	EventDone

	// EventError is the failed terminal event.
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item emitted by a Stream.
type Event struct {
	Kind EventKind

	// Text is the delta for EventDelta. For EventDone it may hold the full
	// message; when empty the accumulated deltas are used.
	Text string

	// Model is the model that produced the response (EventDone only).
	Model string

	// Metadata is attached to the saved assistant message (EventDone only).
	Metadata model.Metadata

	// Err is the transport failure (EventError only).
	Err error
}

// Delta builds a delta event.
func Delta(text string) Event { return Event{Kind: EventDelta, Text: text} }

// Done builds a successful terminal event.
func Done(full, modelName string, md model.Metadata) Event {
	return Event{Kind: EventDone, Text: full, Model: modelName, Metadata: md}
}

// Failed builds a failed terminal event.
func Failed(err error) Event { return Event{Kind: EventError, Err: err} }

// =============================================================================
// TRANSPORT CONTRACT
// =============================================================================

// Request describes one generation.
type Request struct {
	SessionID string
	UserText  string

	// History is the conversation before UserText, oldest first.
	History []model.Message
}

// Stream emits ordered deltas followed by exactly one terminal event.
// Stop cancels generation and is safe to call at any time, more than once.
type Stream interface {
	Events() <-chan Event
	Stop()
}

// Transport starts streams.
type Transport interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

// =============================================================================
// PIPE
// =============================================================================

// Pipe is a Stream fed by a producer goroutine. The producer calls Send for
// each event and Close when it is done; only the producer may Close.
type Pipe struct {
	events    chan Event
	stopped   chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	onStop    func()
}

// NewPipe creates a pipe with the given channel buffer. onStop, if set, runs
// once on the first Stop call (typically a context cancel).
func NewPipe(buffer int, onStop func()) *Pipe {
	return &Pipe{
		events:  make(chan Event, buffer),
		stopped: make(chan struct{}),
		onStop:  onStop,
	}
}

// Events returns the event channel. It is closed by Close.
func (p *Pipe) Events() <-chan Event { return p.events }

// Send delivers ev unless the pipe has been stopped. Reports whether the
// event was delivered.
func (p *Pipe) Send(ev Event) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	case <-p.stopped:
		return false
	}
}

// Close closes the event channel.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.events) })
}

// Stop marks the pipe stopped and runs onStop once.
func (p *Pipe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		if p.onStop != nil {
			p.onStop()
		}
	})
}

// Stopped is closed once Stop has been called.
func (p *Pipe) Stopped() <-chan struct{} { return p.stopped }
