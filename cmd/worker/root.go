package main

import (
	"github.com/spf13/cobra"

	"github.com/dunamismax/studioqueue/internal/config"
)

type commandContext struct {
	cfg config.Config
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	var (
		logLevel  string
		logFormat string
	)

	rootCmd := &cobra.Command{
		Use:           "studioqueue-worker",
		Short:         "Drain print and mockup job directories against the editing host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.cfg = config.Load()
			if cmd.Flags().Changed("log-level") {
				ctx.cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				ctx.cfg.Log.Format = logFormat
			}
			return ctx.cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))

	return rootCmd
}
