// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
	"github.com/jeranaias/rigrun-chatsync/internal/engine"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/ollama"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
	"github.com/jeranaias/rigrun-chatsync/internal/session"
	"github.com/jeranaias/rigrun-chatsync/internal/storage"
	"github.com/jeranaias/rigrun-chatsync/internal/stream"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

// scriptedTransport replies with the same deltas to every request.
type scriptedTransport struct {
	deltas []string
}

func (t scriptedTransport) Start(ctx context.Context, req stream.Request) (stream.Stream, error) {
	p := stream.NewPipe(len(t.deltas)+1, nil)
	go func() {
		defer p.Close()
		for _, d := range t.deltas {
			if !p.Send(stream.Delta(d)) {
				return
			}
		}
		p.Send(stream.Done("", "scripted", nil))
	}()
	return p, nil
}

type testChat struct {
	session *chatSession
	repo    *storage.Repository
	out     *bytes.Buffer
}

func newTestChat(t *testing.T, deltas ...string) *testChat {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "chat.db"), NodeID: 1})
	require.NoError(t, err)

	svc := persistence.NewService(storage.NewLocalRemote(repo), persistence.WithLogger(logger))
	sessions := session.NewManager(svc, session.Config{})
	conv := engine.New(svc, sessions, scriptedTransport{deltas: deltas}, engine.WithLogger(logger))

	out := &bytes.Buffer{}
	r := newRenderer(out)
	conv.OnChange(r.Update)

	t.Cleanup(func() {
		conv.Close()
		repo.Close()
	})

	return &testChat{
		session: &chatSession{conv: conv, sessions: sessions, model: "scripted", render: r, width: 80},
		repo:    repo,
		out:     out,
	}
}

func (tc *testChat) run(t *testing.T, script string) string {
	t.Helper()
	require.NoError(t, tc.session.run(context.Background(), newPlainInput(strings.NewReader(script))))
	return tc.out.String()
}

// =============================================================================
// REPL
// =============================================================================

func TestChatStreamsAndSaves(t *testing.T) {
	tc := newTestChat(t, "Hi", " there")
	out := tc.run(t, "hello\n/history\n/tag mood=calm stars=5\n/meta\n/quit\n")

	assert.Contains(t, out, "assistant> Hi there\n")
	assert.Contains(t, out, "You")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Saved metadata on")
	assert.Contains(t, out, "mood=calm stars=5")
	assert.Contains(t, out, "1 replies")

	sid := tc.session.conv.SessionID()
	require.NotEmpty(t, sid)
	stored, err := tc.repo.ListMessages(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// The user save runs alongside the stream, so either may land first.
	byRole := map[string]storage.Message{}
	for _, m := range stored {
		byRole[m.Role] = m
	}
	assert.Equal(t, "hello", byRole["user"].Content)
	assert.Equal(t, "Hi there", byRole["assistant"].Content)
	assert.Equal(t, "calm", byRole["assistant"].Metadata["mood"])
	assert.Equal(t, 5.0, byRole["assistant"].Metadata["stars"])
}

func TestChatEOFEnds(t *testing.T) {
	tc := newTestChat(t, "ok")
	out := tc.run(t, "")
	assert.Contains(t, out, "Session (none): 0 replies")
}

func TestChatSlashErrorsKeepGoing(t *testing.T) {
	tc := newTestChat(t, "ok")
	out := tc.run(t, "/bogus\n/tag mood=x\n/load\n/status\n")

	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "no messages yet")
	assert.Contains(t, out, "usage: /load <session-id>")
	assert.Contains(t, out, "model:   scripted")
}

func TestChatLoadUnknownSessionResets(t *testing.T) {
	tc := newTestChat(t, "ok")
	out := tc.run(t, "/load does-not-exist\n")

	assert.Contains(t, out, "load does-not-exist")
	assert.Empty(t, tc.session.sessions.SessionID())
}

func TestChatNewAndLoad(t *testing.T) {
	tc := newTestChat(t, "first reply")
	tc.run(t, "hello\n")
	first := tc.session.conv.SessionID()

	tc.out.Reset()
	out := tc.run(t, "/new\n/load "+first+"\n")

	assert.Contains(t, out, "New session ")
	assert.Contains(t, out, "Loaded session "+first+" (2 messages)")
	assert.Equal(t, first, tc.session.conv.SessionID())
}

// =============================================================================
// RENDERER
// =============================================================================

func TestRendererPrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	user := model.NewUserMessage("hi")
	ph := model.NewPlaceholder()

	r.Update([]model.Message{user})
	r.Update([]model.Message{user, ph})
	r.Update([]model.Message{user, ph.Apply(model.ContentPatch("Hel"))})
	r.Update([]model.Message{user, ph.Apply(model.ContentPatch("Hello"))})
	r.Update([]model.Message{user, ph.Apply(model.ContentPatch("Hello"))})
	r.EndTurn()
	r.Update([]model.Message{user, ph.Apply(model.ContentPatch("Hello again"))})

	assert.Equal(t, "assistant> Hello\n", buf.String())
}

func TestRendererIgnoresPersistedMessages(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	saved := model.NewPlaceholder()
	saved.ID = model.PersistedID("42")
	r.Update([]model.Message{saved.Apply(model.ContentPatch("done"))})
	r.Update(nil)

	assert.Empty(t, buf.String())
}

func TestRendererBreaksStreamedLine(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.Update([]model.Message{model.NewPlaceholder().Apply(model.ContentPatch("partial"))})
	r.Println("[notice]")

	assert.Equal(t, "assistant> partial\n[notice]\n", buf.String())
}

// =============================================================================
// PARSING
// =============================================================================

func TestParseSlash(t *testing.T) {
	name, args := parseSlash("/Tag  #2 a=b ")
	assert.Equal(t, "tag", name)
	assert.Equal(t, []string{"#2", "a=b"}, args)

	name, args = parseSlash("/")
	assert.Empty(t, name)
	assert.Nil(t, args)
}

func TestParseTags(t *testing.T) {
	md, err := parseTags([]string{"mood=calm", "pinned=true", "score=1.5", "empty=", "when=inf"})
	require.NoError(t, err)
	assert.Equal(t, model.Metadata{
		"mood":   "calm",
		"pinned": true,
		"score":  1.5,
		"empty":  "",
		"when":   "inf",
	}, md)

	_, err = parseTags([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseTags([]string{"=x"})
	assert.Error(t, err)
}

func TestPickTarget(t *testing.T) {
	msgs := []model.Message{model.NewUserMessage("a"), model.NewUserMessage("b")}

	m, rest, err := pickTarget(msgs, []string{"k=v"})
	require.NoError(t, err)
	assert.Equal(t, "b", m.Content)
	assert.Equal(t, []string{"k=v"}, rest)

	m, rest, err = pickTarget(msgs, []string{"#1", "k=v"})
	require.NoError(t, err)
	assert.Equal(t, "a", m.Content)
	assert.Equal(t, []string{"k=v"}, rest)

	_, _, err = pickTarget(msgs, []string{"#3"})
	assert.Error(t, err)
	_, _, err = pickTarget(nil, nil)
	assert.Error(t, err)
}

func TestChatFlagsApply(t *testing.T) {
	cfg := config.Default()
	chatFlags{remote: "http://10.1.1.1:8788", model: "phi3"}.apply(cfg)
	assert.Equal(t, config.ModeHTTP, cfg.Persistence.Mode)
	assert.Equal(t, "http://10.1.1.1:8788", cfg.Persistence.BaseURL)
	assert.Equal(t, "phi3", cfg.Ollama.Model)

	chatFlags{local: true}.apply(cfg)
	assert.Equal(t, config.ModeLocal, cfg.Persistence.Mode)
}

func TestColorsEnabled(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}
	assert.False(t, colorsEnabled(env(map[string]string{"NO_COLOR": "1", "FORCE_COLOR": "1"}), true))
	assert.True(t, colorsEnabled(env(map[string]string{"FORCE_COLOR": "1"}), false))
	assert.True(t, colorsEnabled(env(nil), true))
	assert.False(t, colorsEnabled(env(nil), false))
}

func TestFormatMetadata(t *testing.T) {
	assert.Equal(t, "(none)", formatMetadata(nil))
	assert.Equal(t, "a=1 b=x", formatMetadata(model.Metadata{"b": "x", "a": 1}))
}

// =============================================================================
// COMMANDS
// =============================================================================

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatsync "+Version)
}

func TestConfigShowAndInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ollama]\nmodel = \"tiny-model\"\n"), 0600))

	out, err := runRoot(t, "--config", path, "--env-file", "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "tiny-model")

	_, err = runRoot(t, "--config", path, "--env-file", "", "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	fresh := filepath.Join(dir, "fresh.toml")
	out, err = runRoot(t, "--config", fresh, "--env-file", "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+fresh)

	loaded, err := config.Load(fresh)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Ollama.Model, loaded.Ollama.Model)
}

func TestChatRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	_, err := runRoot(t, "--config", path, "--env-file", "", "chat", "--remote", "not a url", "--skip-check")
	require.Error(t, err)
}

func TestChatExport(t *testing.T) {
	tc := newTestChat(t, "exported reply")
	dir := t.TempDir()
	out := tc.run(t, "hello\n/export json "+dir+"\n/export yaml\n")

	assert.Contains(t, out, "Exported to "+dir)
	assert.Contains(t, out, `unknown export format "yaml"`)

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "exported reply")
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	repo, err := storage.Open(storage.Config{Path: dbPath, NodeID: 1})
	require.NoError(t, err)
	sid, err := repo.CreateSession(context.Background())
	require.NoError(t, err)
	_, err = repo.CreateMessage(context.Background(), sid, storage.NewMessage{Role: "user", Content: "what is WAL?"})
	require.NoError(t, err)
	_, err = repo.CreateMessage(context.Background(), sid, storage.NewMessage{Role: "assistant", Content: "write-ahead logging"})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[persistence]\nmode = \"local\"\ndb_path = \""+filepath.ToSlash(dbPath)+"\"\n"), 0600))

	outDir := filepath.Join(dir, "out")
	out, err := runRoot(t, "--config", cfgPath, "--env-file", "", "export", sid, "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote ")

	files, err := filepath.Glob(filepath.Join(outDir, "*.md"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "# what is WAL?")
	assert.Contains(t, string(data), "write-ahead logging")

	_, err = runRoot(t, "--config", cfgPath, "--env-file", "", "export", "missing-session", "--out", outDir)
	assert.Error(t, err)
}

func TestChatModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"models":[{"name":"scripted","details":{"parameter_size":"7B"}},{"name":"other"}]}`)
	}))
	defer srv.Close()

	tc := newTestChat(t, "ok")
	out := tc.run(t, "/models\n")
	assert.Contains(t, out, "no Ollama client")

	tc.session.client = ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})
	tc.out.Reset()
	out = tc.run(t, "/models\n")
	assert.Contains(t, out, "* scripted")
	assert.Contains(t, out, "7B")
	assert.Contains(t, out, "  other")
}
