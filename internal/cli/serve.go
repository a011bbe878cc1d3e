// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatsync/internal/config"
	"github.com/jeranaias/rigrun-chatsync/internal/server"
	"github.com/jeranaias/rigrun-chatsync/internal/storage"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	var addr, dbPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the message store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Persistence.DBPath = dbPath
			}
			return runServe(cmd.Context(), opts, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides persistence.db_path)")
	return cmd
}

func runServe(parent context.Context, opts *RootOptions, cfg *config.Config) error {
	logger := opts.Logger

	repo, err := storage.Open(cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	srv := server.NewServer(repo, cfg.ServerConfig(), server.WithLogger(logger))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if w, err := newConfigWatcher(opts); err != nil {
		logger.Warn("config watch disabled", "error", err)
	} else {
		go w.Run(ctx, func(next *config.Config) {
			srv.SetRateLimit(next.Server.RateLimit, next.Server.Burst)
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// newConfigWatcher watches the effective config file when it exists.
func newConfigWatcher(opts *RootOptions) (*config.Watcher, error) {
	path := opts.ConfigPath
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return config.NewWatcher(path, opts.Logger)
}
