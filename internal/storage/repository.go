// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
)

// =============================================================================
// ERRORS
// =============================================================================

// StoreError represents a storage-level error.
// It implements the error interface and can be compared using errors.Is.
type StoreError struct {
	// Code is the stable machine-readable reason, sent to API clients.
	Code    string
	Message string
}

// Error codes.
const (
	CodeSessionNotFound = persistence.ReasonSessionNotFound
	CodeMessageNotFound = "message_not_found"
	CodeInvalidMessage  = "invalid_message"
)

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NotFound reports whether the error means the message does not exist. A
// missing session is not a lagging record and reports false.
func (e *StoreError) NotFound() bool {
	return e.Code == CodeMessageNotFound
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = &StoreError{Code: CodeSessionNotFound, Message: "session not found"}

	// ErrMessageNotFound is returned when a message doesn't exist in the session.
	ErrMessageNotFound = &StoreError{Code: CodeMessageNotFound, Message: "message not found"}

	// ErrInvalidMessage is returned for a message that fails validation.
	ErrInvalidMessage = &StoreError{Code: CodeInvalidMessage, Message: "invalid message"}
)

// =============================================================================
// TYPES
// =============================================================================

// Config holds repository configuration.
type Config struct {
	// Path is the SQLite database file (default: ~/.rigrun-chatsync/chatsync.db)
	Path string

	// NodeID is the snowflake node, 0-1023 (default: 1)
	NodeID int64
}

// DefaultConfig returns the default repository configuration.
func DefaultConfig() Config {
	path := "chatsync.db"
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".rigrun-chatsync", "chatsync.db")
	}
	return Config{Path: path, NodeID: 1}
}

// Session is a stored session.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Message is a stored message.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
	ModelUsed string
	Metadata  model.Metadata
}

// NewMessage is the input of CreateMessage.
type NewMessage struct {
	Role      string
	Content   string
	ModelUsed string
	Metadata  model.Metadata
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository stores sessions and messages in SQLite.
type Repository struct {
	db   *sql.DB
	node *snowflake.Node
	now  func() time.Time
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Repository, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id %d: %w", cfg.NodeID, err)
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMeta); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Repository{db: db, node: node, now: time.Now}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession creates an empty session and returns its id.
func (r *Repository) CreateSession(ctx context.Context) (string, error) {
	id := r.node.Generate().String()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO sessions (id, created_at) VALUES (?, ?)",
		id, r.now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// GetSession returns a session with its message count.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.created_at, (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id).Scan(&s.ID, &created, &s.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	return s, nil
}

// ListSessions returns sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s ORDER BY s.created_at DESC, s.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var created int64
		if err := rows.Scan(&s.ID, &created, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		s.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// MESSAGES
// =============================================================================

// CreateMessage appends a message to the session.
func (r *Repository) CreateMessage(ctx context.Context, sessionID string, in NewMessage) (Message, error) {
	if !model.Role(in.Role).Valid() {
		return Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, in.Role)
	}
	if in.Role == string(model.RoleUser) && strings.TrimSpace(in.Content) == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	mdJSON, err := encodeMetadata(in.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return Message{}, err
	}

	sf := r.node.Generate()
	msg := Message{
		ID:        sf.String(),
		SessionID: sessionID,
		Role:      in.Role,
		Content:   in.Content,
		CreatedAt: r.now().UTC(),
		ModelUsed: in.ModelUsed,
		Metadata:  in.Metadata.Clone(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, created_at, model_used, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, sf.Int64(), msg.Role, msg.Content, msg.CreatedAt.UnixNano(), msg.ModelUsed, mdJSON)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the session's messages in creation order.
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := sessionExists(ctx, r.db, sessionID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at, model_used, metadata
		FROM messages WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns one message of the session.
func (r *Repository) GetMessage(ctx context.Context, sessionID, messageID string) (Message, error) {
	return getMessage(ctx, r.db, sessionID, messageID)
}

// PatchMetadata combines md with the stored metadata of a message using
// strategy, atomically.
func (r *Repository) PatchMetadata(ctx context.Context, sessionID, messageID string, md model.Metadata, strategy model.MergeStrategy) (Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("patch metadata: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return Message{}, err
	}
	m, err := getMessage(ctx, tx, sessionID, messageID)
	if err != nil {
		return Message{}, err
	}

	m.Metadata = model.MergeMetadata(m.Metadata, md, strategy)
	mdJSON, err := encodeMetadata(m.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET metadata = ? WHERE id = ? AND session_id = ?",
		mdJSON, messageID, sessionID); err != nil {
		return Message{}, fmt.Errorf("patch metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("patch metadata: %w", err)
	}
	return m, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func sessionExists(ctx context.Context, q querier, sessionID string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

func getMessage(ctx context.Context, q querier, sessionID, messageID string) (Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, created_at, model_used, metadata
		FROM messages WHERE id = ? AND session_id = ?`, messageID, sessionID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func scanMessage(s scanner) (Message, error) {
	var m Message
	var created int64
	var mdJSON string
	if err := s.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created, &m.ModelUsed, &mdJSON); err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	if mdJSON != "" && mdJSON != "{}" {
		if err := json.Unmarshal([]byte(mdJSON), &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func encodeMetadata(md model.Metadata) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
