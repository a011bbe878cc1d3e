// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes a session transcript to a file.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter, one heading per message, metadata lines
//   - JSON: the full transcript with message ids and metadata
//
// # Usage
//
//	t := export.NewTranscript(conv.SessionID(), modelName, conv.Messages())
//	exp, err := export.ForFormat("md", nil)
//	path, err := export.ExportToFile(t, exp, &export.Options{OutputDir: "."})
package export
