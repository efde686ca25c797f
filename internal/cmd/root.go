// Package cmd provides the CLI commands for fundchat.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/fundchat/internal/appdir"
	"github.com/inercia/fundchat/internal/config"
	"github.com/inercia/fundchat/internal/logging"
)

var (
	// Global flags
	configPath    string
	backendURL    string
	tokenFlag     string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// configResult records where cfg was loaded from
	configResult *config.LoadResult
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fundchat",
	Short: "fundchat - chat with your fund documents",
	Long: `fundchat is a command-line client for a document question-answering
backend. Upload a fund's prospectus and fact sheets, then ask questions and
get streamed answers with the passages they were drawn from.

Conversations are stored locally and can be resumed later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := initLogging(); err != nil {
			return err
		}
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		// 1. --config flag
		// 2. RC file (~/.fundchatrc) layered over settings.json
		// 3. settings.json (created from embedded defaults if needed)
		var err error
		configResult, err = config.LoadWithFallback(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = configResult.Config

		if backendURL != "" {
			cfg.Backend.URL = backendURL
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid --url: %w", err)
			}
		}
		logging.CLI().Debug("configuration loaded",
			"source", configResult.Source.String(),
			"path", configResult.SourcePath,
			"backend", cfg.Backend.URL)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (YAML, JSON or TOML, replaces settings.json and the RC file)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "url", "", "Backend base URL (overrides backend.url)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (default: $FUNDCHAT_TOKEN, then the stored token)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: warn)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'session,conn'). Empty means all components.")
}

// initLogging configures the global logger from the flags.
// Priority: --log-level flag > --debug flag > default (warn). Console output
// stays quiet by default so it does not interleave with streamed answers.
func initLogging() error {
	level := "warn"
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}

	var components []string
	for _, c := range strings.Split(logComponents, ",") {
		if c = strings.TrimSpace(c); c != "" {
			components = append(components, c)
		}
	}

	lc := logging.Config{
		Level:      level,
		JSON:       logJSON,
		Components: components,
	}
	if logFile != "" {
		fl := logging.DefaultFileLogConfig()
		fl.Path = logFile
		lc.FileLog = &fl
		lc.FileLevel = "debug"
	}
	if err := logging.Initialize(lc); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}
