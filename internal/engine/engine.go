// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine wires the store, metadata queue and stream reconciler of
// one conversation together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-chatsync/internal/metadata"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
	"github.com/jeranaias/rigrun-chatsync/internal/session"
	"github.com/jeranaias/rigrun-chatsync/internal/store"
	"github.com/jeranaias/rigrun-chatsync/internal/stream"
	"github.com/jeranaias/rigrun-chatsync/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusy is returned by Send while a reply is still streaming.
	ErrBusy = errors.New("a reply is already streaming")

	// ErrMessageNotFound is returned when an edit targets an unknown message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation closed")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds engine settings.
type Config struct {
	// PreviewLength is the rune budget of Derived.Preview (default: 80).
	PreviewLength int

	// Metadata is the pending-edit retry policy.
	Metadata metadata.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PreviewLength: 80,
		Metadata:      metadata.DefaultConfig(),
	}
}

// Derived is display data computed from a message and cached by digest.
type Derived struct {
	Preview string
	Tokens  int
	Width   int
}

// Option configures a Conversation.
type Option func(*options)

type options struct {
	cfg       Config
	logger    *slog.Logger
	scheduler metadata.Scheduler
	resolver  stream.ModelResolver
	onLoading func(bool)
	onDropped func(model.MessageID, error)
}

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger for the engine and its components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithScheduler replaces the metadata retry scheduler.
func WithScheduler(s metadata.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithModelResolver names the model when the transport does not.
func WithModelResolver(fn stream.ModelResolver) Option {
	return func(o *options) { o.resolver = fn }
}

// WithOnLoading registers the loading indicator hook.
func WithOnLoading(fn func(bool)) Option {
	return func(o *options) { o.onLoading = fn }
}

// WithOnDropped registers the "edit not saved" hook.
func WithOnDropped(fn func(model.MessageID, error)) Option {
	return func(o *options) { o.onDropped = fn }
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is the engine instance for one conversation. It owns every
// cache and queue; nothing is shared between conversations.
type Conversation struct {
	cfg      Config
	logger   *slog.Logger
	persist  *persistence.Service
	sessions *session.Manager

	store   *store.MessageStore
	derived *model.DerivedCache[Derived]
	meta    *metadata.Manager
	recon   *stream.Reconciler

	mu      sync.Mutex
	sending bool
	closed  bool
	saves   sync.WaitGroup

	// owners maps each message to the session it was written to; turn is
	// the session of the latest Send or Reload.
	owners map[model.MessageID]string
	turn   string

	// identity is held while a message changes id or is discarded, and
	// while an edit patches and queues, so an edit never lands between a
	// swap and its pending-edit transfer.
	identity sync.Mutex
}

// New creates a conversation engine.
func New(persist *persistence.Service, sessions *session.Manager, transport stream.Transport, opts ...Option) *Conversation {
	o := options{cfg: DefaultConfig(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg.PreviewLength <= 0 {
		o.cfg.PreviewLength = DefaultConfig().PreviewLength
	}

	c := &Conversation{
		cfg:      o.cfg,
		logger:   o.logger,
		persist:  persist,
		sessions: sessions,
		store:    store.New(),
		derived:  model.NewDerivedCache[Derived](),
		owners:   make(map[model.MessageID]string),
	}

	metaOpts := []metadata.Option{
		metadata.WithConfig(o.cfg.Metadata),
		metadata.WithLogger(o.logger),
		metadata.WithOnConfirmed(c.applyConfirmed),
		metadata.WithOnDropped(func(id model.MessageID, err error) {
			if o.onDropped != nil {
				o.onDropped(id, err)
			}
		}),
	}
	if o.scheduler != nil {
		metaOpts = append(metaOpts, metadata.WithScheduler(o.scheduler))
	}
	c.meta = metadata.NewManager(persist, metaOpts...)

	c.recon = stream.NewReconciler(c.store, persist, transport,
		stream.WithLogger(o.logger),
		stream.WithModelResolver(o.resolver),
		stream.WithOnLoading(o.onLoading),
		stream.WithOnPersisted(c.transfer),
		stream.WithOnDiscarded(c.discard),
		stream.WithIdentityLock(&c.identity),
		// The reply is saved after the user message so the remote order,
		// which follows save time, matches the local one.
		stream.WithSaveBarrier(c.saves.Wait),
	)
	return c
}

// =============================================================================
// SEND / STOP
// =============================================================================

// Send appends the user message optimistically, saves it in the background
// and streams the assistant reply. It returns stream.ErrCancelled when the
// reply was stopped and an error wrapping stream.ErrStreamFailed when the
// transport failed. Validation and session errors are returned before
// anything is appended.
func (c *Conversation) Send(ctx context.Context, text string) error {
	draft := model.Draft{Role: model.RoleUser, Content: text}.Normalize()
	if err := draft.Validate(); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.sending:
		c.mu.Unlock()
		return ErrBusy
	}
	c.sending = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	sessionID, err := c.sessions.EnsureActive(ctx)
	if err != nil {
		return fmt.Errorf("send: ensure session: %w", err)
	}
	c.sessions.RecordActivity()

	history := c.store.All()
	msg := model.NewUserMessage(draft.Content)
	c.mu.Lock()
	c.turn = sessionID
	c.owners[msg.ID] = sessionID
	c.mu.Unlock()
	c.store.AppendOptimistic(msg)

	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		c.saveUser(context.WithoutCancel(ctx), sessionID, msg, draft)
	}()

	runErr := c.recon.Run(ctx, sessionID, draft.Content, history)
	c.saves.Wait()
	c.sessions.RecordActivity()
	return runErr
}

// saveUser persists the optimistic user message and swaps in its durable id.
func (c *Conversation) saveUser(ctx context.Context, sessionID string, msg model.Message, draft model.Draft) {
	saved, err := c.persist.SaveMessage(ctx, sessionID, draft)
	if err != nil {
		c.logger.Error("failed to save user message",
			"session_id", sessionID,
			"message_id", msg.ID.String(),
			"error", err)
		return
	}
	ts := saved.Timestamp
	patch := model.Patch{Timestamp: &ts}

	c.identity.Lock()
	defer c.identity.Unlock()
	if c.store.ReplaceIdentity(msg.ID, saved.ID, patch) {
		c.transfer(msg.ID, saved.ID)
	}
}

// transfer moves edits queued against a temp id to its persisted id.
// Callers hold c.identity.
func (c *Conversation) transfer(oldID, newID model.MessageID) {
	c.mu.Lock()
	sid := c.ownerLocked(oldID)
	delete(c.owners, oldID)
	c.owners[newID] = sid
	c.mu.Unlock()
	c.meta.TransferPending(oldID, newID, sid)
}

// discard drops edits queued against a placeholder that was removed
// unsaved. Callers hold c.identity.
func (c *Conversation) discard(id model.MessageID) {
	c.mu.Lock()
	delete(c.owners, id)
	c.mu.Unlock()
	if c.meta.Discard(id) {
		c.logger.Debug("dropped metadata edit for discarded reply", "message_id", id.String())
	}
}

// ownerLocked returns the session the message was written to. The placeholder of a
// streaming reply belongs to the current turn. Must hold c.mu.
func (c *Conversation) ownerLocked(id model.MessageID) string {
	if sid, ok := c.owners[id]; ok {
		return sid
	}
	return c.turn
}

// Stop cancels the streaming reply. Safe to call at any time.
func (c *Conversation) Stop() {
	c.recon.Stop()
}

// Sending reports whether a Send is in progress.
func (c *Conversation) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// =============================================================================
// RELOAD / EDIT
// =============================================================================

// Reload replaces the local timeline with the remote one.
func (c *Conversation) Reload(ctx context.Context) error {
	sessionID, err := c.sessions.EnsureActive(ctx)
	if err != nil {
		return fmt.Errorf("reload: ensure session: %w", err)
	}
	msgs, err := c.persist.LoadMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	c.identity.Lock()
	c.mu.Lock()
	c.turn = sessionID
	clear(c.owners)
	for _, m := range msgs {
		c.owners[m.ID] = sessionID
	}
	c.mu.Unlock()
	c.store.ReplaceAll(msgs)
	c.identity.Unlock()

	if n := c.derived.Prune(msgs); n > 0 {
		c.logger.Debug("pruned derived cache", "removed", n)
	}
	return nil
}

// EditMetadata applies md to the message locally and queues it for the
// remote store. Edits to messages that are not durable yet wait until the
// message is saved. Remote failures never surface here.
func (c *Conversation) EditMetadata(ctx context.Context, id model.MessageID, md model.Metadata, strategy model.MergeStrategy) (metadata.Outcome, error) {
	if strategy == "" {
		strategy = model.MergeMerge
	}

	c.identity.Lock()
	if !c.store.PatchContent(id, model.Patch{Metadata: md, MetadataStrategy: strategy}) {
		c.identity.Unlock()
		return metadata.OutcomeNothing, fmt.Errorf("edit metadata %s: %w", id, ErrMessageNotFound)
	}
	updated, _ := c.store.Get(id)
	c.mu.Lock()
	sid := c.ownerLocked(id)
	c.mu.Unlock()

	// The whole local view is queued, so an overwritten pending entry
	// never loses an earlier edit.
	c.meta.QueueUpdate(id, metadata.Update{
		SessionID:     sid,
		Metadata:      updated.Metadata,
		MergeStrategy: strategy,
	})
	c.identity.Unlock()

	return c.meta.FlushPending(ctx, id), nil
}

// applyConfirmed writes server-confirmed metadata back into the store.
func (c *Conversation) applyConfirmed(m model.Message) {
	c.store.PatchContent(m.ID, model.Patch{Metadata: m.Metadata, MetadataStrategy: model.MergeReplace})
}

// =============================================================================
// READS
// =============================================================================

// Messages returns a snapshot of the timeline.
func (c *Conversation) Messages() []model.Message {
	return c.store.All()
}

// OnChange registers a listener for timeline changes. Listeners must not
// call back into the conversation.
func (c *Conversation) OnChange(fn store.ChangeFunc) {
	c.store.OnChange(fn)
}

// Derived returns cached display data for a message.
func (c *Conversation) Derived(id model.MessageID) (Derived, bool) {
	m, ok := c.store.Get(id)
	if !ok {
		return Derived{}, false
	}
	return c.derived.GetOrCompute(m, func(m model.Message) Derived {
		preview := m.Preview(c.cfg.PreviewLength)
		return Derived{
			Preview: preview,
			Tokens:  m.EstimateTokens(),
			Width:   util.StringWidth(preview),
		}
	}), true
}

// PendingIDs returns the ids with metadata edits not yet confirmed.
func (c *Conversation) PendingIDs() []model.MessageID {
	return c.meta.GetPendingIDs()
}

// SessionID returns the active session id.
func (c *Conversation) SessionID() string {
	return c.sessions.SessionID()
}

// Close stops streaming, waits for background saves and drops pending
// edits. It is safe to call more than once.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.recon.Stop()
	c.saves.Wait()
	if ids := c.meta.GetPendingIDs(); len(ids) > 0 {
		c.logger.Warn("closing with unsaved metadata edits", "count", len(ids))
	}
	c.meta.Close()
}
