package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/app"
	"github.com/lazypower/hotmem/internal/config"
)

// Global flags
var (
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

var rootCmd = &cobra.Command{
	Use:   "hotmem",
	Short: "Bounded, decaying memory of facts about a user",
	Long: `hotmem keeps a small store of facts about one user. Facts are extracted
from recent activity by a reasoning service, reconciled against what is
already known, and forgotten over time unless they are reinforced.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// ExitError carries a process exit code out of a command. Lint and health
// use it to report warnings (1) and critical findings (2).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	err := rootCmd.Execute()
	var ee *ExitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr so stdout stays clean for piping (hotmem search --format json | jq).
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}
}

// openApp loads configuration and opens the store and state database.
func openApp() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("log-level") && cfg.Log.Level != "" {
		logLevel = cfg.Log.Level
	}
	if !flags.Changed("log-format") && cfg.Log.Format != "" {
		logFormat = cfg.Log.Format
	}
	setupLogging()
	return app.Open(&cfg, dryRun)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOTMEM_HOME/hotmem.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "compute changes without writing the store")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(reinforceCmd)
	rootCmd.AddCommand(dedupCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(decayReportCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(digestCmd)
}
