// Package cli implements the mill command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mill",
	Short: "Workflow orchestration engine",
	Long: `mill runs declarative YAML workflows: it persists executions in a
relational store and drives each one to completion, handling parallel
branches, joins, with-items fan-out, retries, pauses and cron schedules.

Quick start:
  mill validate my_workflows.yaml   Check a workflow file
  mill server                       Run the engine`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is mill.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newValidateCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.mill")
		viper.SetConfigType("yaml")
		viper.SetConfigName("mill")
	}

	viper.SetEnvPrefix("MILL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// configPath returns the effective config file path for config.Load.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "mill.yaml"
}

// newLogger builds the process logger: human-readable text on a terminal,
// JSON when output is redirected.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
