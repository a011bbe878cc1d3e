// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session resolves the remote session a conversation writes to.
//
// EnsureActive creates a session on first use and reuses it afterwards.
// A session idle past the configured timeout is abandoned and the next
// EnsureActive creates a fresh one.
//
//	mgr := session.NewManager(remote, session.DefaultConfig())
//	sid, err := mgr.EnsureActive(ctx)
package session
