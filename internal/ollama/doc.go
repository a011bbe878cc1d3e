// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API
// and a streaming transport for assistant replies.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - ChatReader: pulls chunks off a streaming /api/chat response
//   - Transport: turns a ChatReader into the stream package's events
//
// # Usage
//
//	client := ollama.NewClient()
//	tr := ollama.NewTransport(client, ollama.WithModel("qwen2.5:7b"))
//	s, err := tr.Start(ctx, stream.Request{UserText: "Hello"})
//	for ev := range s.Events() {
//	    fmt.Print(ev.Text)
//	}
package ollama
