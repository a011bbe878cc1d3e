// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the local, ordered message timeline of one conversation.
//
// Every mutation reads the current slice, builds a new one and swaps it in
// under the lock, so readers holding an earlier snapshot never observe a
// partial write.
package store

import (
	"slices"
	"sync"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
)

// ChangeFunc receives the collection after a successful mutation.
type ChangeFunc func(messages []model.Message)

// MessageStore is the single owner of the message collection.
type MessageStore struct {
	mu        sync.Mutex
	messages  []model.Message
	listeners []ChangeFunc
}

// New creates an empty store.
func New() *MessageStore {
	return &MessageStore{}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AppendOptimistic inserts m at the end. The caller supplies a temp id; temp
// id generation guarantees uniqueness so no duplicate check is made.
func (s *MessageStore) AppendOptimistic(m model.Message) {
	s.commit(func(prev []model.Message) ([]model.Message, bool) {
		next := make([]model.Message, len(prev), len(prev)+1)
		copy(next, prev)
		return append(next, m.Rehash()), true
	})
}

// ReplaceIdentity swaps oldID for newID on exactly one entry and applies p.
// Order and all other entries are untouched. Returns false when oldID is
// not present.
func (s *MessageStore) ReplaceIdentity(oldID, newID model.MessageID, p model.Patch) bool {
	return s.commit(func(prev []model.Message) ([]model.Message, bool) {
		i := indexOf(prev, oldID)
		if i < 0 {
			return prev, false
		}
		next := slices.Clone(prev)
		updated := prev[i]
		updated.ID = newID
		next[i] = updated.Apply(p)
		return next, true
	})
}

// PatchContent merges p into the entry matching id and recomputes its digest.
// Returns false when id is not present.
func (s *MessageStore) PatchContent(id model.MessageID, p model.Patch) bool {
	return s.commit(func(prev []model.Message) ([]model.Message, bool) {
		i := indexOf(prev, id)
		if i < 0 {
			return prev, false
		}
		next := slices.Clone(prev)
		next[i] = prev[i].Apply(p)
		return next, true
	})
}

// Remove deletes the entry matching id. Removing a missing id is a no-op.
func (s *MessageStore) Remove(id model.MessageID) bool {
	return s.commit(func(prev []model.Message) ([]model.Message, bool) {
		i := indexOf(prev, id)
		if i < 0 {
			return prev, false
		}
		next := make([]model.Message, 0, len(prev)-1)
		next = append(next, prev[:i]...)
		return append(next, prev[i+1:]...), true
	})
}

// ReplaceAll swaps in a whole collection, as loaded from the remote store.
func (s *MessageStore) ReplaceAll(messages []model.Message) {
	s.commit(func([]model.Message) ([]model.Message, bool) {
		next := make([]model.Message, len(messages))
		for i, m := range messages {
			next[i] = m.Clone().Rehash()
		}
		return next, true
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// All returns a snapshot of the ordered collection. Each call returns a new
// slice; callers may keep or modify it freely.
func (s *MessageStore) All() []model.Message {
	s.mu.Lock()
	cur := s.messages
	s.mu.Unlock()

	out := make([]model.Message, len(cur))
	for i, m := range cur {
		out[i] = m.Clone()
	}
	return out
}

// Get returns the entry matching id.
func (s *MessageStore) Get(id model.MessageID) (model.Message, bool) {
	s.mu.Lock()
	cur := s.messages
	s.mu.Unlock()

	if i := indexOf(cur, id); i >= 0 {
		return cur[i].Clone(), true
	}
	return model.Message{}, false
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// OnChange registers fn to run after every mutation that changed the
// collection. fn runs outside the store lock.
func (s *MessageStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// =============================================================================
// HELPERS
// =============================================================================

// commit applies a pure transition to the collection. The transition gets the
// current slice and must not modify it.
func (s *MessageStore) commit(transition func(prev []model.Message) ([]model.Message, bool)) bool {
	s.mu.Lock()
	next, changed := transition(s.messages)
	if changed {
		s.messages = next
	}
	listeners := s.listeners
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(slices.Clone(next))
		}
	}
	return changed
}

func indexOf(messages []model.Message, id model.MessageID) int {
	return slices.IndexFunc(messages, func(m model.Message) bool {
		return m.ID == id
	})
}
