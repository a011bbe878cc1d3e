// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks a message id that was generated locally and has not been
// confirmed by the remote store. It only matters at the wire boundary.
const TempPrefix = "temp-"

// IDKind says whether a message id is durable yet.
type IDKind uint8

const (
	// KindTemp is a locally generated id for a message not yet saved.
	KindTemp IDKind = iota + 1

	// KindPersisted is an id assigned by the remote store.
	KindPersisted
)

// String returns the kind name.
func (k IDKind) String() string {
	switch k {
	case KindTemp:
		return "temp"
	case KindPersisted:
		return "persisted"
	default:
		return "invalid"
	}
}

// MessageID identifies a message either as Temp(localID) or Persisted(remoteID).
// The zero value is invalid.
type MessageID struct {
	kind  IDKind
	value string
}

// NewTempID generates a fresh temp id. Unique for the lifetime of the process.
func NewTempID() MessageID {
	return MessageID{kind: KindTemp, value: uuid.NewString()}
}

// TempID wraps an existing local id.
func TempID(local string) MessageID {
	return MessageID{kind: KindTemp, value: local}
}

// PersistedID wraps an id assigned by the remote store.
func PersistedID(remote string) MessageID {
	return MessageID{kind: KindPersisted, value: remote}
}

// ParseID decodes the wire form produced by String.
func ParseID(s string) MessageID {
	if s == "" {
		return MessageID{}
	}
	if rest, ok := strings.CutPrefix(s, TempPrefix); ok {
		return TempID(rest)
	}
	return PersistedID(s)
}

// Kind returns the id kind.
func (id MessageID) Kind() IDKind { return id.kind }

// Value returns the raw id without any prefix.
func (id MessageID) Value() string { return id.value }

// IsTemp reports whether the message behind this id is not yet durable.
func (id MessageID) IsTemp() bool { return id.kind == KindTemp }

// IsPersisted reports whether the remote store assigned this id.
func (id MessageID) IsPersisted() bool { return id.kind == KindPersisted }

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool { return id.kind == 0 }

// String returns the wire form: temp ids carry TempPrefix.
func (id MessageID) String() string {
	switch id.kind {
	case KindTemp:
		return TempPrefix + id.value
	case KindPersisted:
		return id.value
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MessageID) UnmarshalText(b []byte) error {
	*id = ParseID(string(b))
	return nil
}
