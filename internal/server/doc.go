// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the message store over HTTP. It is the remote
// that persistence.HTTPRemote talks to.
//
// # Endpoints
//
//   - POST  /v1/sessions                               - Create a session
//   - GET   /v1/sessions                               - Recent sessions
//   - POST  /v1/sessions/{sid}/messages                - Create a message
//   - GET   /v1/sessions/{sid}/messages                - List messages
//   - PATCH /v1/sessions/{sid}/messages/{mid}/metadata - Patch metadata
//   - GET   /health                                    - Health and counters
//
// Errors are returned as {"error": "..."}. An unknown session or message
// is a 404, which the client's metadata queue treats as "not yet visible".
//
// # Middleware
//
// Handler wraps the routes in panic recovery, security headers, request
// logging and a per-IP token bucket (golang.org/x/time/rate).
//
// # Usage
//
//	repo, _ := storage.Open(storage.DefaultConfig())
//	srv := server.NewServer(repo, server.DefaultConfig())
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
