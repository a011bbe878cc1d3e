// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage is the durable message store behind the HTTP API.
//
// Sessions and messages live in SQLite (pure Go driver, WAL mode). Ids are
// snowflakes, so they sort in creation order and never collide across
// nodes configured with distinct node ids.
//
// # Usage
//
//	repo, err := storage.Open(storage.DefaultConfig())
//	defer repo.Close()
//	sid, _ := repo.CreateSession(ctx)
//	msg, _ := repo.CreateMessage(ctx, sid, storage.NewMessage{Role: "user", Content: "hi"})
package storage
