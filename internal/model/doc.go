// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the message store,
// the metadata manager and the stream reconciler.
//
// # Key Types
//
//   - MessageID: Temp(localID) or Persisted(remoteID); durability is read from the kind
//   - Message: immutable timeline entry with a digest over its mutable fields
//   - Patch: partial update applied with Message.Apply
//   - Metadata: open structured payload with pure merge/replace semantics
//   - Draft: validated input for the remote store
//   - DerivedCache: per-conversation cache keyed by message digest
//
// # Usage
//
//	msg := model.NewUserMessage("Hello!")
//	msg.ID.IsTemp() // true until the remote store assigns an id
//
//	updated := msg.Apply(model.Patch{
//	    Metadata:         model.Metadata{"done": true},
//	    MetadataStrategy: model.MergeMerge,
//	})
package model
