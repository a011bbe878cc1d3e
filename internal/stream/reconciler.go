// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStreamFailed wraps a transport failure during generation.
	ErrStreamFailed = errors.New("stream failed")

	// ErrCancelled is returned when the user stopped the stream.
	ErrCancelled = errors.New("stream cancelled")

	// errClosedEarly is used when a stream closes without a terminal event.
	errClosedEarly = errors.New("stream closed without terminal event")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store is the subset of the message store the reconciler mutates.
type Store interface {
	AppendOptimistic(m model.Message)
	PatchContent(id model.MessageID, p model.Patch) bool
	ReplaceIdentity(oldID, newID model.MessageID, p model.Patch) bool
	Remove(id model.MessageID) bool
}

// Saver persists the finished assistant message.
type Saver interface {
	SaveMessage(ctx context.Context, sessionID string, draft model.Draft) (model.Message, error)
}

// ModelResolver names the model when the terminal event does not.
type ModelResolver func() string

// =============================================================================
// STATE
// =============================================================================

// State is the reconciler lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalizing
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Turn identifies one placeholder's lifetime. Operations on a Turn that is
// no longer current are ignored.
type Turn struct {
	Placeholder model.MessageID
	gen         uint64
	done        <-chan struct{}
}

// Done is closed when the turn is stopped or superseded.
func (t Turn) Done() <-chan struct{} { return t.done }

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler drives one assistant placeholder from first delta to a
// persisted message, or removes it on cancel and failure.
type Reconciler struct {
	store     Store
	saver     Saver
	transport Transport
	logger    *slog.Logger
	resolve   ModelResolver
	onLoading func(bool)
	onPersist func(oldID, newID model.MessageID)
	onDiscard func(id model.MessageID)
	barrier   func()

	// identity serialises placeholder identity changes with outside edits.
	identity sync.Locker

	mu       sync.Mutex
	state    State
	gen      uint64
	current  model.MessageID
	buf      strings.Builder
	done     chan struct{}
	active   Stream
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithModelResolver sets the fallback model name source.
func WithModelResolver(fn ModelResolver) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.resolve = fn
		}
	}
}

// WithOnLoading registers the loading indicator hook.
func WithOnLoading(fn func(bool)) Option {
	return func(r *Reconciler) { r.onLoading = fn }
}

// WithOnPersisted registers the hook run after the placeholder takes its
// persisted id.
func WithOnPersisted(fn func(oldID, newID model.MessageID)) Option {
	return func(r *Reconciler) { r.onPersist = fn }
}

// WithOnDiscarded registers the hook run after a placeholder is removed
// without being saved.
func WithOnDiscarded(fn func(id model.MessageID)) Option {
	return func(r *Reconciler) { r.onDiscard = fn }
}

// WithSaveBarrier registers a function Finish waits on before saving the
// reply, so earlier messages reach the remote store first.
func WithSaveBarrier(fn func()) Option {
	return func(r *Reconciler) { r.barrier = fn }
}

// WithIdentityLock sets the lock held while the placeholder is swapped for
// its persisted id or removed, together with the OnPersisted and
// OnDiscarded hooks. Callers holding it see either the old or the new
// identity along with its hook effects, never a half-done swap.
func WithIdentityLock(l sync.Locker) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.identity = l
		}
	}
}

// NewReconciler creates a reconciler. transport may be nil when the caller
// drives Begin/ApplyDelta/Finish itself.
func NewReconciler(store Store, saver Saver, transport Transport, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		saver:     saver,
		transport: transport,
		logger:    slog.Default(),
		resolve:   func() string { return "" },
		identity:  noLock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Placeholder returns the current placeholder id, zero when idle.
func (r *Reconciler) Placeholder() model.MessageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Begin appends an empty assistant placeholder and enters Streaming. A turn
// still streaming is rolled back first.
func (r *Reconciler) Begin() Turn {
	placeholder := model.NewPlaceholder()

	r.mu.Lock()
	if r.state == StateStreaming {
		r.logger.Warn("stream started while another was active, rolling back",
			"placeholder", r.current.String())
		r.rollbackLocked(StateCancelled)
	}
	r.gen++
	r.current = placeholder.ID
	r.buf.Reset()
	r.closeDoneLocked()
	r.done = make(chan struct{})
	r.setStateLocked(StateStreaming)
	turn := Turn{Placeholder: placeholder.ID, gen: r.gen, done: r.done}
	// Append under the lock so a concurrent Stop cannot remove before insert.
	r.store.AppendOptimistic(placeholder)
	r.mu.Unlock()

	r.loading(true)
	return turn
}

// ApplyDelta appends text to the placeholder. Reports false when the turn
// is no longer streaming.
func (r *Reconciler) ApplyDelta(t Turn, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveLocked(t) || r.state != StateStreaming {
		return false
	}
	if text == "" {
		return true
	}
	r.buf.WriteString(text)
	r.store.PatchContent(t.Placeholder, model.ContentPatch(r.buf.String()))
	return true
}

// Finish finalizes the turn with the terminal event: the trimmed content is
// saved once, and on success the placeholder takes the persisted id. A
// failed save is logged and the visible content is kept. Empty content is
// not saved and the placeholder is removed.
//
// The returned message is the final local view of the assistant reply.
func (r *Reconciler) Finish(ctx context.Context, t Turn, sessionID string, final Event) (model.Message, error) {
	r.mu.Lock()
	if !r.liveLocked(t) || r.state != StateStreaming {
		r.mu.Unlock()
		return model.Message{}, ErrCancelled
	}
	r.setStateLocked(StateFinalizing)
	content := final.Text
	if content == "" {
		content = r.buf.String()
	}
	r.detachLocked()
	r.mu.Unlock()

	content = strings.TrimSpace(content)
	modelName := final.Model
	if modelName == "" {
		modelName = r.resolve()
	}

	if content == "" {
		r.logger.Info("stream finished with empty content, discarding placeholder",
			"placeholder", t.Placeholder.String())
		r.discard(t.Placeholder)
		r.endTurn(t)
		return model.Message{}, nil
	}

	// Show the final text while the save is in flight. The model is only
	// recorded once the reply is saved.
	r.store.PatchContent(t.Placeholder, model.ContentPatch(content))

	if r.barrier != nil {
		r.barrier()
	}

	draft := model.Draft{
		Role:      model.RoleAssistant,
		Content:   content,
		ModelUsed: modelName,
		Metadata:  final.Metadata,
	}
	start := time.Now()
	saved, err := r.saver.SaveMessage(ctx, sessionID, draft)
	elapsed := time.Since(start)

	result := model.Message{
		ID:       t.Placeholder,
		Role:     model.RoleAssistant,
		Content:  content,
		Metadata: final.Metadata.Clone(),
	}
	if err != nil {
		r.logger.Error("failed to save assistant message",
			"session_id", sessionID,
			"placeholder", t.Placeholder.String(),
			"error", err)
	} else {
		if saved.ModelUsed != "" {
			modelName = saved.ModelUsed
		}
		ts := saved.Timestamp
		patch := model.Patch{Content: &content, ModelUsed: &modelName, Timestamp: &ts}
		if saved.Metadata != nil {
			patch.Metadata = saved.Metadata
			patch.MetadataStrategy = model.MergeMerge
		}
		r.identity.Lock()
		if r.store.ReplaceIdentity(t.Placeholder, saved.ID, patch) && r.onPersist != nil {
			r.onPersist(t.Placeholder, saved.ID)
		}
		r.identity.Unlock()
		result = saved
		result.ModelUsed = modelName
		r.logger.Debug("assistant message persisted",
			"session_id", sessionID,
			"message_id", saved.ID.String(),
			"save_ms", elapsed.Milliseconds())
	}

	r.endTurn(t)
	return result.Rehash(), nil
}

// Fail removes the placeholder after a transport error.
func (r *Reconciler) Fail(t Turn, cause error) error {
	r.mu.Lock()
	if !r.liveLocked(t) || r.state != StateStreaming {
		r.mu.Unlock()
		return ErrCancelled
	}
	r.logger.Error("stream failed", "placeholder", t.Placeholder.String(), "error", cause)
	r.rollbackLocked(StateFailed)
	r.mu.Unlock()

	r.loading(false)
	return fmt.Errorf("%w: %w", ErrStreamFailed, cause)
}

// Stop cancels the active stream and removes its placeholder. Safe to call
// from any goroutine, any number of times. A turn already finalizing is
// left to complete.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.state == StateStreaming {
		r.rollbackLocked(StateCancelled)
	} else if r.active != nil {
		r.active.Stop()
		r.active = nil
	}
	r.mu.Unlock()

	r.loading(false)
}

// Run starts a stream through the transport and drives it to completion.
// It returns nil on success, ErrCancelled after Stop or context
// cancellation, or an error wrapping ErrStreamFailed.
func (r *Reconciler) Run(ctx context.Context, sessionID, userText string, history []model.Message) error {
	if r.transport == nil {
		return fmt.Errorf("%w: no transport configured", ErrStreamFailed)
	}

	turn := r.Begin()
	s, err := r.transport.Start(ctx, Request{SessionID: sessionID, UserText: userText, History: history})
	if err != nil {
		return r.Fail(turn, err)
	}
	if !r.attach(turn, s) {
		s.Stop()
		return ErrCancelled
	}

	events := s.Events()
	for {
		select {
		case <-turn.Done():
			return ErrCancelled

		case <-ctx.Done():
			r.stopTurn(turn)
			return ErrCancelled

		case ev, ok := <-events:
			if !ok {
				return r.Fail(turn, errClosedEarly)
			}
			switch ev.Kind {
			case EventDelta:
				if !r.ApplyDelta(turn, ev.Text) {
					return ErrCancelled
				}
			case EventDone:
				_, err := r.Finish(ctx, turn, sessionID, ev)
				return err
			case EventError:
				cause := ev.Err
				if cause == nil {
					cause = errors.New("unknown transport error")
				}
				return r.Fail(turn, cause)
			}
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) attach(t Turn, s Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveLocked(t) || r.state != StateStreaming {
		return false
	}
	r.active = s
	return true
}

func (r *Reconciler) stopTurn(t Turn) {
	r.mu.Lock()
	live := r.liveLocked(t) && r.state == StateStreaming
	if live {
		r.rollbackLocked(StateCancelled)
	}
	r.mu.Unlock()
	if live {
		r.loading(false)
	}
}

// endTurn returns to Idle unless a newer turn has started.
func (r *Reconciler) endTurn(t Turn) {
	r.mu.Lock()
	ended := r.liveLocked(t)
	if ended {
		r.current = model.MessageID{}
		r.closeDoneLocked()
		r.setStateLocked(StateIdle)
	}
	r.mu.Unlock()
	if ended {
		r.loading(false)
	}
}

// rollbackLocked removes the placeholder, stops the transport and passes
// through terminal to Idle. Must hold r.mu.
func (r *Reconciler) rollbackLocked(terminal State) {
	r.setStateLocked(terminal)
	if !r.current.IsZero() {
		r.discard(r.current)
	}
	r.detachLocked()
	r.current = model.MessageID{}
	r.buf.Reset()
	r.closeDoneLocked()
	r.setStateLocked(StateIdle)
}

// discard removes an unsaved placeholder and runs the OnDiscarded hook.
func (r *Reconciler) discard(id model.MessageID) {
	r.identity.Lock()
	defer r.identity.Unlock()
	r.store.Remove(id)
	if r.onDiscard != nil {
		r.onDiscard(id)
	}
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

func (r *Reconciler) detachLocked() {
	if r.active != nil {
		r.active.Stop()
		r.active = nil
	}
}

func (r *Reconciler) closeDoneLocked() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

func (r *Reconciler) liveLocked(t Turn) bool {
	return t.gen == r.gen && !r.current.IsZero() && r.current == t.Placeholder
}

func (r *Reconciler) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("stream state", "from", r.state.String(), "to", s.String())
	r.state = s
}

func (r *Reconciler) loading(on bool) {
	if r.onLoading != nil {
		r.onLoading(on)
	}
}
