// Copyright 2024-2026 Aiku AI

// Command fca-bridge relays chat messages, membership changes and donation
// alerts between Discord, Telegram and Fluxer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "config.json"

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "fca-bridge",
		Short:         "Discord, Telegram and Fluxer chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPathFromEnv(), "path to the config file (.json or .yaml)")
	cmd.AddCommand(
		newCheckConfigCommand(&configPath),
		newExampleConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func configPathFromEnv() string {
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func runBridge(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("config", configPath).
		Int("bridges", len(cfg.Bridges)).
		Msg("Starting fca-bridge")

	c, err := connector.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Err(err).Msg("Failed to close state store")
		}
	}()
	if err = c.Start(ctx); err != nil {
		return err
	}
	err = c.Run(ctx)
	log.Info().Msg("Bridge stopped")
	return err
}

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d bridges across %d platforms\n",
				*configPath, len(cfg.Bridges), cfg.EnabledPlatforms())
			return nil
		},
	}
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an example YAML config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fca-bridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
