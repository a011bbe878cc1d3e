// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small string and file helpers shared across the
// module.
//
//   - TruncateRunes, TruncateWidth, StringWidth, PadRight, OneLine: UTF-8 and
//     terminal-width aware text helpers (github.com/mattn/go-runewidth)
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//
// # Usage
//
//	preview := util.TruncateRunes(msg.Content, 80)
//	line := util.PadRight(util.TruncateWidth(preview, 40), 40)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
