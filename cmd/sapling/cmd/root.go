/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/config"
	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/di"
	"github.com/ssargent/sapling/pkg/logger"
	"github.com/ssargent/sapling/pkg/sapling"
)

// mutates marks commands whose changes are saved back to the image
const mutates = "mutates"

var container *di.Container

// SetContainer injects the dependency container
func SetContainer(c *di.Container) {
	container = c
}

type envKey struct{}

// env is the opened database and everything around it, shared by the
// subcommands through the command context
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	db    *sapling.DB
	store di.ImageStore
}

func envFrom(cmd *cobra.Command) (*env, error) {
	e, ok := cmd.Context().Value(envKey{}).(*env)
	if !ok {
		return nil, fmt.Errorf("database not opened")
	}
	return e, nil
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sapling",
		Short: "Sapling - copy-on-write page store",
		Long: `Sapling is an embedded, page-oriented key-value engine with
single-writer / multi-reader transactions and corruption-hardened
page reclamation.

Every command opens the image kept in the data directory, applies its
work, and writes the image back when it changed anything.`,
		SilenceUsage:      true,
		PersistentPreRunE: openEnv,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return nil
			}
			return closeEnv(cmd, e)
		},
	}

	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory holding the image (default ./data)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file")
	rootCmd.PersistentFlags().Int("page-size", 0, "Page size for a new database")
	rootCmd.PersistentFlags().Uint32("max-pages", 0, "Cap on the page address space, 0 for none")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("no-compress", false, "Write the image without xz compression")

	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDelCmd(),
		newScanCmd(),
		newCheckCmd(),
		newStatsCmd(),
		newChurnCmd(),
		newCheckpointCmd(),
		newRestoreCmd(),
		newServeCmd(),
		newInitCmd(),
	)
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("page-size") {
		cfg.Engine.PageSize, _ = flags.GetInt("page-size")
	}
	if flags.Changed("max-pages") {
		cfg.Engine.MaxPages, _ = flags.GetUint32("max-pages")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if noCompress, _ := flags.GetBool("no-compress"); noCompress {
		cfg.Checkpoint.Compress = false
	}
	if cfg.Logging.OutputFile == "" {
		cfg.Logging.OutputFile = "stderr"
	}
	return cfg, cfg.Validate()
}

func openEnv(cmd *cobra.Command, args []string) error {
	if cmd.Annotations["skip-open"] == "true" {
		return nil
	}
	if container == nil {
		return fmt.Errorf("dependency container not initialized")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	store, err := container.GetStoreFactory()(cfg.DataDir, cfg.Checkpoint.Compress)
	if err != nil {
		return err
	}
	db, err := sapling.Open(cfg.EngineOptions(log))
	if err != nil {
		return err
	}
	if store.Exists() {
		if err := store.Load(db); err != nil {
			db.Close()
			return fmt.Errorf("failed to load %s: %w", store.Path(), err)
		}
	}

	e := &env{cfg: cfg, log: log, db: db, store: store}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, envKey{}, e))
	return nil
}

func closeEnv(cmd *cobra.Command, e *env) error {
	defer func() { _ = e.log.Sync() }()
	if cmd.Annotations[mutates] == "true" {
		digest, err := e.store.Save(e.db)
		if err != nil {
			e.db.Close()
			return fmt.Errorf("failed to save image: %w", err)
		}
		e.log.Debug("image saved", zap.String("path", e.store.Path()), zap.String("digest", digest))
	}
	return e.db.Close()
}

// update runs fn in a write transaction
func update(cmd *cobra.Command, fn func(*sapling.Txn) error) error {
	e, err := envFrom(cmd)
	if err != nil {
		return err
	}
	return e.db.Update(fn)
}

// view runs fn in a read transaction
func view(cmd *cobra.Command, fn func(*sapling.Txn) error) error {
	e, err := envFrom(cmd)
	if err != nil {
		return err
	}
	return e.db.View(fn)
}

func notFound(err error, key string) error {
	if dberr.CodeOf(err) == dberr.NotFound {
		return fmt.Errorf("key %q not found", key)
	}
	return err
}
