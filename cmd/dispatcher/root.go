package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailcampaign/internal/app"
	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/logger"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path != "" {
			c.config, c.configErr = config.LoadFromFile(path)
			return
		}
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

// withApp builds the application for the duration of fn.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format).With(map[string]interface{}{"app": cfg.App.Name})

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Deliver queued campaign email",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newTickCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	return rootCmd
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
