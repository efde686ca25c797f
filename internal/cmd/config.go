package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/fundchat/config"
	"github.com/inercia/fundchat/internal/appdir"
	"github.com/inercia/fundchat/internal/config"
)

var (
	configFormat     string
	configShowSecret bool
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create fundchat configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after layering the RC file over settings.json.
API keys are masked unless --secrets is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the files and directories fundchat uses",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default RC file",
	Long: `Write the embedded default configuration to ~/.fundchatrc.

Examples:
  fundchat config create                    # Create ~/.fundchatrc
  fundchat config create --output /path/to  # Create /path/to/.fundchatrc
  fundchat config create --force            # Overwrite existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd, configCreateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, json or toml")
	configShowCmd.Flags().BoolVar(&configShowSecret, "secrets", false, "Do not mask API keys")
	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "", "Directory to write the RC file (default: $HOME)")
	configCreateCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing RC file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format := config.Format(strings.ToLower(configFormat))
	shown := *cfg
	if !configShowSecret {
		shown.Models = maskAPIKeys(cfg.Models)
	}
	data, err := config.Marshal(&shown, format)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# source: %s (%s)\n", configResult.Source, configResult.SourcePath)
	_, err = out.Write(data)
	return err
}

// maskAPIKeys returns a copy of m with every API key replaced.
func maskAPIKeys(m config.ModelSettings) config.ModelSettings {
	mask := func(in map[string]config.ModelParams) map[string]config.ModelParams {
		out := make(map[string]config.ModelParams, len(in))
		for name, p := range in {
			if p.APIKey != "" {
				p.APIKey = "********"
			}
			out[name] = p
		}
		return out
	}
	m.LLMs = mask(m.LLMs)
	m.Embeddings = mask(m.Embeddings)
	return m
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	dir, err := appdir.Dir()
	if err != nil {
		return err
	}
	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	logPath, err := appdir.LogPath()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "data dir:  %s\n", dir)
	if configResult.SettingsPath != "" {
		fmt.Fprintf(out, "settings:  %s\n", configResult.SettingsPath)
	}
	if configResult.RCFilePath != "" {
		fmt.Fprintf(out, "rc file:   %s\n", configResult.RCFilePath)
	}
	if configResult.Source == config.ConfigSourceCustomFile {
		fmt.Fprintf(out, "config:    %s\n", configResult.SourcePath)
	}
	fmt.Fprintf(out, "store:     %s (%s)\n", storePath, cfg.StoreDriver())
	fmt.Fprintf(out, "log file:  %s\n", logPath)
	return nil
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	outputDir := configOutputPath
	if outputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		outputDir = home
	}
	path := filepath.Join(outputDir, appdir.RCFileName)

	if _, err := os.Stat(path); err == nil && !configForce {
		colorWarn.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}
	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	colorOK.Fprintf(out, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(out, "Edit backend.url and the model settings, then run 'fundchat chat'.")
	return nil
}
