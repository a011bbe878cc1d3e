// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
)

// RootOptions holds global flags and the state they load.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Verbose    bool

	Config *config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the chatsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Streaming chat with optimistic message sync",
		Long:          "chatsync streams model replies into a local timeline and reconciles it with a durable message store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ~/.rigrun-chatsync/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newChatCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// load reads .env and the config file and builds the logger.
func (o *RootOptions) load() error {
	if o.EnvFile != "" {
		if err := config.LoadDotEnv(o.EnvFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	o.Config = cfg
	o.Logger = cfg.NewLogger(os.Stderr)
	slog.SetDefault(o.Logger)
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}
