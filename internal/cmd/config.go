package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// localConfigDir holds the project-local config file, relative to the
// repository root.
const localConfigDir = ".specflow"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create specflow configuration",
	Long: `View or create specflow configuration.

Settings are read from, in order of precedence: SPECFLOW_* environment
variables (e.g. SPECFLOW_FLOW_CHECKPOINT_INTERVAL), .specflow/config.yaml in
the repository, and ~/.config/specflow/config.yaml.

Without arguments, displays the current configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long: `Create a config file with every option at its default value, in
~/.config/specflow/config.yaml or, with --local, in .specflow/config.yaml of
the current repository.`,
	RunE: runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	configInitCmd.Flags().Bool("local", false, "write the repository's config file instead of the user's")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

const configHeader = `# Specflow configuration
#
# paths.*        where worktrees, flow state and spec documents live
# flow.*         checkpoints, retries, validation and abort behavior
# agent.*        the agent CLI that writes documents and implements tasks
# pr.*           pull request creation and merging
# logging.*      per-flow debug.log files
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	local, _ := cmd.Flags().GetBool("local")
	force, _ := cmd.Flags().GetBool("force")

	configFile := config.ConfigFile()
	if local {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		repoDir, err := worktree.MainRepoRoot(cwd)
		if err != nil {
			return err
		}
		configFile = filepath.Join(repoDir, localConfigDir, "config.yaml")
	}

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil && !force {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to render default configuration: %w", err)
	}
	if err := os.WriteFile(configFile, append([]byte(configHeader+"\n"), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	}
	fmt.Fprintf(out, "User config:   %s\n", config.ConfigFile())
	fmt.Fprintf(out, "Local config:  %s\n", filepath.Join(localConfigDir, "config.yaml"))
	return nil
}
