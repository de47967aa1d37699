// Package cli implements the pitboss command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitboss-dev/pitboss/internal/config"
	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
)

var (
	cfgFile  string
	repoFlag string
	logLevel string
	verbose  bool
	quiet    bool
	jsonLogs bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pitboss",
	Short: "Kanban board orchestrator for AI worker sessions",
	Long: `pitboss drives a markdown kanban board: it discovers ready stages,
spawns isolated AI worker sessions against them in git worktrees, and
propagates results back up the EPIC -> TICKET -> STAGE hierarchy.

The board lives in your repo as EPIC-*.md, TICKET-*.md and STAGE-*.md
files with YAML frontmatter. Workers own the files; pitboss only
schedules, observes and derives.

Quick start:
  pitboss init                Initialize pitboss in current repo
  pitboss sync                Project the board into the read model
  pitboss status              Show the board at a glance
  pitboss run                 Run the orchestration loop`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pitboss/workflow.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "C", "", "repository root (default is current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (implies --log-level debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "force JSON log output")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in the repo's .pitboss directory
		viper.AddConfigPath(config.Dir)
		if repoFlag != "" {
			viper.AddConfigPath(filepath.Join(repoFlag, config.Dir))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("workflow")
	}

	viper.SetEnvPrefix("PITBOSS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	setupLogger()
}

// setupLogger installs the process-wide slog default: text when stderr
// is a terminal, JSON otherwise.
func setupLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if !jsonLogs && isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resolveRepoRoot returns the absolute repository root the command
// operates on: --repo when given, else the working directory.
func resolveRepoRoot() (string, error) {
	if repoFlag != "" {
		abs, err := filepath.Abs(repoFlag)
		if err != nil {
			return "", fmt.Errorf("resolve --repo: %w", err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// requireInit fails with a pointer to `pitboss init` when the repo has
// no .pitboss directory yet.
func requireInit(repoRoot string) error {
	info, err := os.Stat(filepath.Join(repoRoot, config.Dir))
	if err != nil || !info.IsDir() {
		return pberrors.ErrNotInitialized()
	}
	return nil
}
