// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
)

// errInputAborted is returned when the user presses Ctrl+C at the prompt.
var errInputAborted = errors.New("input aborted")

// lineReader reads one line of user input per call. io.EOF ends the session.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close()
}

// =============================================================================
// LINER INPUT
// =============================================================================

// linerInput provides line editing and persistent history on a terminal.
type linerInput struct {
	line        *liner.State
	historyFile string
}

func newLinerInput() *linerInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &linerInput{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (in *linerInput) ReadLine(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errInputAborted
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

// Close saves history (0600) and restores the terminal.
func (in *linerInput) Close() {
	if err := os.MkdirAll(filepath.Dir(in.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// PLAIN INPUT
// =============================================================================

// plainInput reads newline-separated input from a pipe or file.
type plainInput struct {
	scanner *bufio.Scanner
}

func newPlainInput(r io.Reader) *plainInput {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &plainInput{scanner: sc}
}

func (in *plainInput) ReadLine(string) (string, error) {
	if in.scanner.Scan() {
		return in.scanner.Text(), nil
	}
	if err := in.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (in *plainInput) Close() {}

// newInput picks liner on a terminal and plain line reading otherwise.
func newInput() lineReader {
	if IsTTY() {
		return newLinerInput()
	}
	return newPlainInput(os.Stdin)
}
