// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
	"github.com/jeranaias/rigrun-chatsync/internal/engine"
	"github.com/jeranaias/rigrun-chatsync/internal/metadata"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/ollama"
	"github.com/jeranaias/rigrun-chatsync/internal/session"
	"github.com/jeranaias/rigrun-chatsync/internal/stream"
	"github.com/jeranaias/rigrun-chatsync/internal/util"
)

// =============================================================================
// COMMAND
// =============================================================================

type chatFlags struct {
	local     bool
	remote    string
	model     string
	sessionID string
	skipCheck bool
}

// apply writes flag overrides into cfg.
func (f chatFlags) apply(cfg *config.Config) {
	if f.local {
		cfg.Persistence.Mode = config.ModeLocal
	}
	if f.remote != "" {
		cfg.Persistence.Mode = config.ModeHTTP
		cfg.Persistence.BaseURL = f.remote
	}
	if f.model != "" {
		cfg.Ollama.Model = f.model
	}
}

func newChatCommand(opts *RootOptions) *cobra.Command {
	var f chatFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat. Replies stream in as they are generated
and every message is saved to the message store in the background.

Type /help inside the chat for commands. Ctrl+C stops a streaming reply;
Ctrl+C at the prompt or Ctrl+D exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			f.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runChat(cmd.Context(), opts.Logger, cfg, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&f.local, "local", false, "use the local SQLite store")
	cmd.Flags().StringVar(&f.remote, "remote", "", "message API base URL (implies http mode)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model to chat with")
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "resume an existing session")
	cmd.Flags().BoolVar(&f.skipCheck, "skip-check", false, "do not check that Ollama is running")
	return cmd
}

func runChat(parent context.Context, logger *slog.Logger, cfg *config.Config, f chatFlags, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r := newRenderer(out)
	st, err := buildStack(cfg, logger, func(id model.MessageID, err error) {
		r.Printf("%s metadata for %s was not saved: %v", warningStyle.Render("[Unsaved]"), id, err)
	})
	if err != nil {
		return err
	}
	defer st.Close()
	st.conv.OnChange(r.Update)

	if !f.skipCheck {
		checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := st.client.CheckRunning(checkCtx); err != nil {
			r.Printf("%s %v", warningStyle.Render("[Warning]"), err)
		}
		checkCancel()
	}

	if f.sessionID != "" {
		st.sessions.Select(f.sessionID)
		if err := st.conv.Reload(ctx); err != nil {
			return fmt.Errorf("resume session %s: %w", f.sessionID, err)
		}
	}

	s := &chatSession{
		conv:     st.conv,
		sessions: st.sessions,
		client:   st.client,
		model:    st.transport.Model(),
		render:   r,
		width:    TerminalWidth(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				// Ctrl+C stops a streaming reply; outside a reply it ends the chat.
				if s.conv.Sending() {
					s.conv.Stop()
					continue
				}
				cancel()
				return
			}
		}
	}()

	r.Println(promptStyle.Render("chatsync") + infoStyle.Render(fmt.Sprintf(" model=%s store=%s", s.model, cfg.Persistence.Mode)))
	r.Println(infoStyle.Render("Type /help for commands."))

	in := newInput()
	defer in.Close()
	return s.run(ctx, in)
}

// =============================================================================
// REPL
// =============================================================================

// chatSession is the state of one interactive chat.
type chatSession struct {
	conv     *engine.Conversation
	sessions *session.Manager
	client   *ollama.Client // nil disables /models
	model    string
	render   *renderer
	width    int
	turns    int
}

// run reads input until EOF, abort or /quit.
func (s *chatSession) run(ctx context.Context, in lineReader) error {
	defer s.printExitSummary()

	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := in.ReadLine(promptStyle.Render("you> "))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errInputAborted) {
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := s.handleSlash(ctx, input)
			if err != nil {
				s.render.Printf("%s %v", errorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		s.send(ctx, input)
	}
}

// send streams one reply.
func (s *chatSession) send(ctx context.Context, text string) {
	err := s.conv.Send(ctx, text)
	s.render.EndTurn()

	switch {
	case err == nil:
		s.turns++
	case errors.Is(err, stream.ErrCancelled):
		s.render.Println(warningStyle.Render("[Cancelled]"))
	case ollama.IsNotRunning(err):
		s.render.Printf("%s %v (is `ollama serve` running?)", errorStyle.Render("[Error]"), err)
	case ollama.IsTimeout(err):
		s.render.Printf("%s %v (raise ollama.timeout_secs for slow models)", errorStyle.Render("[Error]"), err)
	case ollama.IsModelNotFound(err):
		s.render.Printf("%s %v (try `ollama pull %s`)", errorStyle.Render("[Error]"), err, s.model)
	default:
		s.render.Printf("%s %v", errorStyle.Render("[Error]"), err)
	}
}

func (s *chatSession) printExitSummary() {
	summary := fmt.Sprintf("Session %s: %d replies", displaySession(s.conv.SessionID()), s.turns)
	s.render.Println(infoStyle.Render(summary))
	if n := len(s.conv.PendingIDs()); n > 0 {
		s.render.Printf("%s %d metadata edits were not saved", warningStyle.Render("[Warning]"), n)
	}
}

func displaySession(id string) string {
	if id == "" {
		return "(none)"
	}
	return id
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const chatHelp = `Commands:
  /history              list messages (* unsaved, ~ metadata pending)
  /meta [#N]            show metadata of message N (default: last)
  /tag [#N] k=v ...     merge metadata into message N
  /retag [#N] k=v ...   replace metadata of message N
  /pending              list messages with unsaved metadata
  /status               show session and model
  /models               list models installed in Ollama
  /new                  start a new session
  /load <session-id>    switch to an existing session
  /reload               reload the timeline from the store
  /export [md|json] [dir]  write the transcript to a file
  /help                 show this help
  /quit                 exit`

// parseSlash splits "/name arg ..." into a lower-case name and its args.
func parseSlash(input string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// handleSlash runs a command and reports whether the chat continues.
func (s *chatSession) handleSlash(ctx context.Context, input string) (bool, error) {
	name, args := parseSlash(input)

	switch name {
	case "quit", "exit", "q":
		return false, nil

	case "help", "?":
		s.render.Println(chatHelp)

	case "history", "h":
		for _, line := range historyLines(s.conv, s.width) {
			s.render.Println(line)
		}

	case "meta":
		target, _, err := pickTarget(s.conv.Messages(), args)
		if err != nil {
			return true, err
		}
		s.render.Printf("%s %s", target.ID, formatMetadata(target.Metadata))

	case "tag", "retag":
		strategy := model.MergeMerge
		if name == "retag" {
			strategy = model.MergeReplace
		}
		return true, s.tag(ctx, args, strategy)

	case "pending":
		ids := s.conv.PendingIDs()
		if len(ids) == 0 {
			s.render.Println(infoStyle.Render("No unsaved metadata."))
		}
		for _, id := range ids {
			s.render.Println(id.String())
		}

	case "status":
		st := s.sessions.GetStatus()
		s.render.Printf("session: %s", displaySession(st.SessionID))
		if !st.StartTime.IsZero() {
			s.render.Printf("started: %s", st.StartTime.Format(time.RFC3339))
			s.render.Printf("idle:    %s", formatDuration(st.IdleTime))
		}
		if st.IsExpired {
			s.render.Println(warningStyle.Render("expired: a new session starts with the next message"))
		}
		s.render.Printf("model:   %s", s.model)
		s.render.Printf("messages: %d", len(s.conv.Messages()))

	case "models":
		if s.client == nil {
			return true, errors.New("no Ollama client")
		}
		models, err := s.client.ListModels(ctx)
		if err != nil {
			return true, err
		}
		if len(models) == 0 {
			s.render.Println(infoStyle.Render("No models installed (try `ollama pull`)."))
		}
		for _, m := range models {
			marker := " "
			if m.Name == s.model {
				marker = "*"
			}
			s.render.Printf("%s %s %s", marker, util.PadRight(m.Name, 28), infoStyle.Render(m.Details.ParameterSize))
		}

	case "new":
		s.sessions.Reset()
		if err := s.conv.Reload(ctx); err != nil {
			return true, err
		}
		s.render.Printf("New session %s", s.conv.SessionID())

	case "load":
		if len(args) != 1 {
			return true, errors.New("usage: /load <session-id>")
		}
		s.sessions.Select(args[0])
		if err := s.conv.Reload(ctx); err != nil {
			s.sessions.Reset()
			return true, fmt.Errorf("load %s: %w", args[0], err)
		}
		s.render.Printf("Loaded session %s (%d messages)", args[0], len(s.conv.Messages()))

	case "export":
		format, dir := "md", "."
		if len(args) > 0 {
			format = args[0]
		}
		if len(args) > 1 {
			dir = args[1]
		}
		path, err := exportTranscript(s.conv.SessionID(), s.model, s.conv.Messages(), format, dir)
		if err != nil {
			return true, err
		}
		s.render.Printf("Exported to %s", path)

	case "reload":
		if err := s.conv.Reload(ctx); err != nil {
			return true, err
		}
		s.render.Printf("Reloaded %d messages", len(s.conv.Messages()))

	default:
		return true, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return true, nil
}

// tag edits metadata of the chosen message.
func (s *chatSession) tag(ctx context.Context, args []string, strategy model.MergeStrategy) error {
	target, rest, err := pickTarget(s.conv.Messages(), args)
	if err != nil {
		return err
	}
	md, err := parseTags(rest)
	if err != nil {
		return err
	}
	if len(md) == 0 && strategy == model.MergeMerge {
		return errors.New("usage: /tag [#N] key=value ...")
	}

	outcome, err := s.conv.EditMetadata(ctx, target.ID, md, strategy)
	if err != nil {
		return err
	}

	switch outcome {
	case metadata.OutcomeCleared:
		s.render.Printf("Saved metadata on %s", target.ID)
	default:
		s.render.Printf("Metadata on %s queued (%s)", target.ID, outcome)
	}
	return nil
}

// pickTarget resolves an optional leading "#N" (1-based) to a message;
// without it the last message is used.
func pickTarget(msgs []model.Message, args []string) (model.Message, []string, error) {
	if len(msgs) == 0 {
		return model.Message{}, nil, errors.New("no messages yet")
	}
	if len(args) > 0 && strings.HasPrefix(args[0], "#") {
		n, err := strconv.Atoi(args[0][1:])
		if err != nil || n < 1 || n > len(msgs) {
			return model.Message{}, nil, fmt.Errorf("no message %s (1-%d)", args[0], len(msgs))
		}
		return msgs[n-1], args[1:], nil
	}
	return msgs[len(msgs)-1], args, nil
}

// parseTags turns key=value words into metadata. Booleans and numbers are
// typed; everything else is a string.
func parseTags(args []string) (model.Metadata, error) {
	md := make(model.Metadata, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		md[key] = parseTagValue(value)
	}
	return md, nil
}

func parseTagValue(v string) any {
	if v == "true" || v == "false" {
		return v == "true"
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return v
}
