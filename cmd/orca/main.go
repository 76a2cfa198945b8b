// Package main implements the orca CLI
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every sub-command
type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "orca",
		Short: "Pipeline execution orchestration engine",
		Long: `orca turns pipeline files into executions made of stages and drives them
to completion. Deploy stages run their work through a saga backed by a
durable event log.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override the configured log format (text, json, console)")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newResumeCommand(flags))
	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newSchemaCommand())
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
