package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/snapcheck/internal/app"
	"github.com/dharsanguruparan/snapcheck/internal/config"
	"github.com/dharsanguruparan/snapcheck/internal/logging"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

type commandContext struct {
	configPath string
	cfg        *config.Config
}

func (c *commandContext) load() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *commandContext) withStore(ctx context.Context, fn func(storage.Store) error) error {
	store, err := app.OpenStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "snapcheck",
		Short:         "Product image submission and analysis tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (default ./snapcheck.yml)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWatchCommand())
	return rootCmd
}
