// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metadata reconciles structured metadata edits against messages
// whose remote existence is not yet guaranteed.
//
// A pending entry moves through:
//
//	Queued -> flush -> Cleared
//	                -> Queued (not found, retry count unchanged)
//	                -> Queued (other error, retry count + 1)
//	                -> Dropped (retry count reached MaxRetries)
package metadata

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
)

// =============================================================================
// TYPES
// =============================================================================

// Updater is the persistence call a flush makes.
type Updater interface {
	UpdateMetadata(ctx context.Context, sessionID string, id model.MessageID, md model.Metadata, strategy model.MergeStrategy) (model.Message, error)
}

// Update is a metadata edit waiting to reach the remote store.
type Update struct {
	SessionID     string
	Metadata      model.Metadata
	MergeStrategy model.MergeStrategy
	RetryCount    int
}

// Outcome reports what a single flush did.
type Outcome int

const (
	// OutcomeSkipped: temp id, or a flush for the id is already in flight.
	OutcomeSkipped Outcome = iota

	// OutcomeNothing: no pending entry for the id.
	OutcomeNothing

	// OutcomeCleared: the remote accepted the edit.
	OutcomeCleared

	// OutcomeNotFound: the remote has no record yet; requeued as is.
	OutcomeNotFound

	// OutcomeRetry: the call failed; retry count incremented, still queued.
	OutcomeRetry

	// OutcomeDropped: the retry budget is spent; the edit is gone.
	OutcomeDropped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNothing:
		return "nothing"
	case OutcomeCleared:
		return "cleared"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRetry:
		return "retry"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config holds the retry policy.
type Config struct {
	// RetryDelay is the fixed delay before a scheduled re-flush (default: 50ms).
	RetryDelay time.Duration

	// MaxRetries is the number of non-not-found failures tolerated (default: 3).
	MaxRetries int
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		RetryDelay: 50 * time.Millisecond,
		MaxRetries: 3,
	}
}

type entry struct {
	Update
	generation uint64
}

type timer struct {
	stop func() bool
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the pending-update queue of one conversation.
type Manager struct {
	mu       sync.Mutex
	updater  Updater
	sched    Scheduler
	cfg      Config
	logger   *slog.Logger
	pending  map[model.MessageID]*entry
	inFlight map[model.MessageID]bool
	timers   map[model.MessageID]*timer
	gen      uint64
	closed   bool

	// ctx bounds scheduled flushes; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	onConfirmed func(model.Message)
	onDropped   func(model.MessageID, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the real timer scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithConfig sets the retry policy. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.RetryDelay > 0 {
			m.cfg.RetryDelay = cfg.RetryDelay
		}
		if cfg.MaxRetries > 0 {
			m.cfg.MaxRetries = cfg.MaxRetries
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOnConfirmed registers the hook that writes server-confirmed metadata
// back into the message store.
func WithOnConfirmed(fn func(model.Message)) Option {
	return func(m *Manager) { m.onConfirmed = fn }
}

// WithOnDropped registers a hook called when an edit is given up on.
func WithOnDropped(fn func(model.MessageID, error)) Option {
	return func(m *Manager) { m.onDropped = fn }
}

// NewManager creates a Manager flushing through updater.
func NewManager(updater Updater, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		updater:  updater,
		sched:    RealScheduler{},
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		pending:  make(map[model.MessageID]*entry),
		inFlight: make(map[model.MessageID]bool),
		timers:   make(map[model.MessageID]*timer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// QUEUE
// =============================================================================

// QueueUpdate stores or overwrites the pending entry for id.
func (m *Manager) QueueUpdate(id model.MessageID, u Update) {
	u.Metadata = u.Metadata.Clone()
	if u.MergeStrategy == "" {
		u.MergeStrategy = model.MergeMerge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.pending[id] = &entry{Update: u, generation: m.gen}
}

// TransferPending re-keys the entry for oldID to newID once the message has
// been persisted, keeping metadata, strategy and retry count, and schedules
// an immediate flush. Reports whether anything was transferred.
func (m *Manager) TransferPending(oldID, newID model.MessageID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[oldID]
	if !ok {
		return false
	}
	delete(m.pending, oldID)
	m.stopTimerLocked(oldID)

	if sessionID != "" {
		e.SessionID = sessionID
	}
	m.gen++
	e.generation = m.gen
	m.pending[newID] = e

	m.logger.Debug("pending metadata transferred", "from", oldID.String(), "to", newID.String())
	m.scheduleLocked(newID, 0)
	return true
}

// =============================================================================
// FLUSH
// =============================================================================

// FlushPending sends the pending edit for id to the remote store.
// It does nothing for temp ids or while a flush for id is in flight.
func (m *Manager) FlushPending(ctx context.Context, id model.MessageID) Outcome {
	if id.IsTemp() {
		return OutcomeSkipped
	}

	m.mu.Lock()
	if m.inFlight[id] {
		m.mu.Unlock()
		return OutcomeSkipped
	}
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return OutcomeNothing
	}
	sent := e.Update
	sent.Metadata = sent.Metadata.Clone()
	sentGen := e.generation
	m.inFlight[id] = true
	m.stopTimerLocked(id)
	m.mu.Unlock()

	confirmed, err := m.updater.UpdateMetadata(ctx, sent.SessionID, id, sent.Metadata, sent.MergeStrategy)

	m.mu.Lock()
	delete(m.inFlight, id)
	cur, still := m.pending[id]

	var outcome Outcome
	notifyConfirmed := false
	var dropErr error

	switch {
	case err == nil:
		outcome = OutcomeCleared
		if still && cur.generation == sentGen {
			delete(m.pending, id)
			notifyConfirmed = true
		} else if still {
			// A newer edit arrived while this one was on the wire.
			m.scheduleLocked(id, 0)
		}

	case persistence.IsNotFound(err):
		outcome = OutcomeNotFound
		if still {
			m.logger.Debug("metadata target not persisted yet, requeued",
				"message_id", id.String(), "retry_count", cur.RetryCount)
			m.scheduleLocked(id, m.cfg.RetryDelay)
		}

	default:
		outcome = OutcomeRetry
		if still {
			cur.RetryCount++
			if cur.RetryCount >= m.cfg.MaxRetries {
				outcome = OutcomeDropped
				delete(m.pending, id)
				dropErr = err
				m.logger.Error("metadata update dropped after retries",
					"message_id", id.String(),
					"session_id", cur.SessionID,
					"retry_count", cur.RetryCount,
					"error", err)
			} else {
				m.logger.Warn("metadata update failed, will retry",
					"message_id", id.String(),
					"retry_count", cur.RetryCount,
					"error", err)
				m.scheduleLocked(id, m.cfg.RetryDelay)
			}
		}
	}
	onConfirmed, onDropped := m.onConfirmed, m.onDropped
	m.mu.Unlock()

	if notifyConfirmed && onConfirmed != nil {
		onConfirmed(confirmed)
	}
	if dropErr != nil && onDropped != nil {
		onDropped(id, dropErr)
	}
	return outcome
}

// FlushAll flushes every pending entry keyed by a persisted id.
func (m *Manager) FlushAll(ctx context.Context) map[model.MessageID]Outcome {
	out := make(map[model.MessageID]Outcome)
	for _, id := range m.pendingIDs() {
		if id.IsPersisted() {
			out[id] = m.FlushPending(ctx, id)
		}
	}
	return out
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasPending reports whether an edit for id is queued.
func (m *Manager) HasPending(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// GetPendingIDs returns the queued ids in stable order.
func (m *Manager) GetPendingIDs() []model.MessageID {
	return m.pendingIDs()
}

// GetRetryCount returns the retry count for id, 0 when nothing is queued.
func (m *Manager) GetRetryCount(id model.MessageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[id]; ok {
		return e.RetryCount
	}
	return 0
}

// Discard drops the pending entry for id and any scheduled flush, e.g. when
// the message itself was removed before it was saved. Reports whether an
// entry was dropped.
func (m *Manager) Discard(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked(id)
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	m.logger.Debug("pending metadata discarded", "message_id", id.String())
	return true
}

// ClearAll drops every pending entry and scheduled flush.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	clear(m.pending)
}

// Close clears the queue and stops scheduling. Flushes already on the wire
// are cancelled.
func (m *Manager) Close() {
	m.ClearAll()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) pendingIDs() []model.MessageID {
	m.mu.Lock()
	ids := make([]model.MessageID, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	slices.SortFunc(ids, func(a, b model.MessageID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})
	return ids
}

// scheduleLocked arranges a flush of id after delay. Must hold m.mu.
func (m *Manager) scheduleLocked(id model.MessageID, delay time.Duration) {
	if m.closed {
		return
	}
	m.stopTimerLocked(id)
	t := &timer{}
	m.timers[id] = t
	t.stop = m.sched.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[id] == t {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		m.FlushPending(m.ctx, id)
	})
}

// stopTimerLocked cancels a scheduled flush of id. Must hold m.mu.
func (m *Manager) stopTimerLocked(id model.MessageID) {
	if t, ok := m.timers[id]; ok {
		if t.stop != nil {
			t.stop()
		}
		delete(m.timers, id)
	}
}
