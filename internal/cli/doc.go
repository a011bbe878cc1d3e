// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatsync command line.
//
// Commands:
//
//	chatsync chat      interactive streaming chat (liner REPL, slash commands)
//	chatsync serve     serve the SQLite message store over HTTP
//	chatsync export    write a stored session as Markdown or JSON
//	chatsync config    show or write the configuration file
//	chatsync version   print build information
//
// Global flags select the config file (--config), a dotenv file loaded
// before it (--env-file) and debug logging (--verbose). Output is styled
// with lipgloss; NO_COLOR and FORCE_COLOR are honoured.
package cli
