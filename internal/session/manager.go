// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoCreator is returned when a session is needed but none can be created.
var ErrNoCreator = errors.New("session: no creator configured")

// Creator creates remote sessions.
type Creator interface {
	CreateSession(ctx context.Context) (string, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// IdleTimeout abandons a session after this much inactivity.
	// Zero disables expiry (default: 0).
	IdleTimeout time.Duration

	// CreateTimeout bounds a shared session creation, which outlives the
	// caller that started it (default: 30s).
	CreateTimeout time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{CreateTimeout: 30 * time.Second}
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Manager tracks the active session of one conversation.
type Manager struct {
	mu      sync.Mutex
	creator Creator
	logger  *slog.Logger
	timeout time.Duration
	create  time.Duration
	now     func() time.Time

	sessionID    string
	startTime    time.Time
	lastActivity time.Time

	// group collapses concurrent creations into one CreateSession call.
	group singleflight.Group
}

// NewManager creates a session manager.
func NewManager(creator Creator, cfg Config) *Manager {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = DefaultConfig().CreateTimeout
	}
	return &Manager{
		creator: creator,
		logger:  slog.Default(),
		timeout: cfg.IdleTimeout,
		create:  cfg.CreateTimeout,
		now:     time.Now,
	}
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// =============================================================================
// SESSION STATE
// =============================================================================

// EnsureActive returns the active session id, creating one if needed.
// Concurrent callers share a single creation. A caller whose ctx ends stops
// waiting, but the creation carries on for the others.
func (m *Manager) EnsureActive(ctx context.Context) (string, error) {
	m.mu.Lock()
	if id, ok := m.activeLocked(); ok {
		m.mu.Unlock()
		return id, nil
	}
	creator := m.creator
	m.mu.Unlock()

	if creator == nil {
		return "", ErrNoCreator
	}

	ch := m.group.DoChan("create", func() (any, error) {
		m.mu.Lock()
		if id, ok := m.activeLocked(); ok {
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()

		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.create)
		defer cancel()
		id, err := creator.CreateSession(createCtx)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		now := m.now()
		m.sessionID = id
		m.startTime = now
		m.lastActivity = now
		m.logger.Info("session created", "session_id", id)
		m.mu.Unlock()
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// activeLocked returns the live session id and touches it. An expired
// session is dropped.
func (m *Manager) activeLocked() (string, bool) {
	if m.sessionID == "" {
		return "", false
	}
	if m.expiredLocked() {
		m.logger.Info("session expired after idle timeout",
			"session_id", m.sessionID, "idle", m.now().Sub(m.lastActivity))
		m.sessionID = ""
		return "", false
	}
	m.lastActivity = m.now()
	return m.sessionID, true
}

// Select makes id the active session, e.g. when resuming a conversation.
func (m *Manager) Select(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sessionID = id
	m.startTime = now
	m.lastActivity = now
}

// Reset forgets the active session. The next EnsureActive creates a new one.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = ""
}

// SessionID returns the current session ID, empty when none is active.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// StartTime returns when the session started.
func (m *Manager) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTime
}

// IdleTime returns how long since last activity.
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastActivity.IsZero() {
		return 0
	}
	return m.now().Sub(m.lastActivity)
}

// =============================================================================
// ACTIVITY TRACKING
// =============================================================================

// RecordActivity updates the last activity timestamp.
// This should be called on user input or other activity.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
}

// IsExpired returns true if the session has timed out.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredLocked()
}

func (m *Manager) expiredLocked() bool {
	if m.timeout <= 0 || m.lastActivity.IsZero() {
		return false
	}
	return m.now().Sub(m.lastActivity) >= m.timeout
}

// =============================================================================
// SESSION STATUS
// =============================================================================

// Status represents the current session status.
type Status struct {
	SessionID string
	StartTime time.Time
	IdleTime  time.Duration
	IsExpired bool
}

// GetStatus returns the current session status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		SessionID: m.sessionID,
		StartTime: m.startTime,
		IsExpired: m.expiredLocked(),
	}
	if !m.lastActivity.IsZero() {
		s.IdleTime = m.now().Sub(m.lastActivity)
	}
	return s
}
