// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream reconciles a streamed assistant reply with the local
// message store.
//
// A turn moves through:
//
//	Idle -> Streaming -> Finalizing -> Idle
//	        Streaming -> Cancelled  -> Idle
//	        Streaming -> Failed     -> Idle
//
// Deltas only patch the local placeholder. The remote store sees the reply
// once, when the transport reports completion.
package stream
