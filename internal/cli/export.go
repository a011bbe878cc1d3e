// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatsync/internal/export"
	"github.com/jeranaias/rigrun-chatsync/internal/model"
)

func newExportCommand(opts *RootOptions) *cobra.Command {
	var f chatFlags
	var format, dir string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a stored session as Markdown or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			f.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := buildStack(cfg, opts.Logger, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st.sessions.Select(args[0])
			if err := st.conv.Reload(ctx); err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}

			path, err := exportTranscript(args[0], st.transport.Model(), st.conv.Messages(), format, dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), infoStyle.Render("wrote "+path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&f.local, "local", false, "read from the local SQLite store")
	cmd.Flags().StringVar(&f.remote, "remote", "", "message API base URL (implies http mode)")
	cmd.Flags().StringVarP(&format, "format", "f", "md", "output format: md or json")
	cmd.Flags().StringVarP(&dir, "out", "o", ".", "output directory")
	return cmd
}

// exportTranscript writes msgs to dir in the given format.
func exportTranscript(sessionID, modelName string, msgs []model.Message, format, dir string) (string, error) {
	opts := export.DefaultOptions()
	opts.OutputDir = dir
	exp, err := export.ForFormat(format, opts)
	if err != nil {
		return "", err
	}
	return export.ExportToFile(export.NewTranscript(sessionID, modelName, msgs), exp, opts)
}
