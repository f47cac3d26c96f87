package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/store"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "swarmd",
		Short:         "Multi-tenant swarm execution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.Path(), "config file (env SWARMD_CONFIG)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newCreditsCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swarmd %s\n", version)
		},
	})
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore loads the config and opens the database for one-shot commands.
func (o *rootOptions) openStore() (*config.Config, *store.Store, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	return cfg, db, nil
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		h = slog.NewTextHandler(os.Stderr, hopts)
	}
	slog.SetDefault(slog.New(h))
}
