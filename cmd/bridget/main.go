// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridget bridges Discord channels with StackExchange chat rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/bridget/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "bridget",
		Short:         "A Discord to StackExchange chat bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file with secrets")

	root.AddCommand(&cobra.Command{
		Use:   "example-config",
		Short: "Print an example config file",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), bridge.ExampleConfig)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bridget %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bridget:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, log)
	log.Info().Str("version", Tag).Int("pairings", len(cfg.Pairings)).Msg("Starting bridge")
	if err := b.Start(ctx); err != nil {
		b.Stop(context.Background())
		return err
	}
	err = b.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Stop(shutdownCtx)
	log.Info().Msg("Bridge stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(cfg bridge.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}
