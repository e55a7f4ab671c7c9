// ABOUTME: Root cobra command and shared state for subcommands
// ABOUTME: Loads configuration lazily and opens the cache directory on demand

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/2389/tablecache/internal/cache"
	"github.com/2389/tablecache/internal/config"
	"github.com/2389/tablecache/internal/schema"
)

// app holds global flags and the state built from them.
type app struct {
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "tablecache",
		Short:         "Inspect and maintain a URL-addressed dataset cache",
		Long:          "tablecache opens the cache store described by a config file, migrates its schema, and reads or replaces the data cached for each URL.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "config file (YAML or TOML)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newSchemaCommand(a))
	cmd.AddCommand(newGetCommand(a))
	cmd.AddCommand(newPutCommand(a))
	cmd.AddCommand(newEntriesCommand(a))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// load reads the config file and builds the logger. Logs go to cmd's stderr.
func (a *app) load(cmd *cobra.Command) error {
	if a.cfg != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	if a.verbose {
		level = slog.LevelDebug
	}

	logger, closeLog, err := setupLogger(cfg.Logging, level, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

// openDirectory opens the configured store, upgrading it if needed.
func (a *app) openDirectory(ctx context.Context, cmd *cobra.Command) (*cache.Directory, *schema.OpenResult, error) {
	if err := a.load(cmd); err != nil {
		return nil, nil, err
	}

	crypto, err := a.cfg.CryptoProvider(a.logger)
	if err != nil {
		return nil, nil, err
	}

	dir, err := cache.New(a.cfg.Factory(a.logger), a.cfg.Store.Name, a.cfg.Declarations(), cache.Options{
		VersionOffset: a.cfg.Store.VersionOffset,
		Crypto:        crypto,
		DedupeWindow:  a.cfg.Cache.DedupeWindow,
		DedupeSize:    a.cfg.Cache.DedupeSize,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("preparing cache: %w", err)
	}

	result, err := dir.Open(ctx)
	if err != nil {
		_ = dir.Close()
		return nil, nil, fmt.Errorf("opening store %q: %w", a.cfg.Store.Name, err)
	}
	return dir, result, nil
}

func (a *app) close() error {
	if a.closeLog == nil {
		return nil
	}
	err := a.closeLog()
	a.closeLog = nil
	return err
}
