// Package cmd implements the specflow command line.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/orchestrator"
	"github.com/Iron-Ham/specflow/internal/styles"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "specflow",
	Short: "Spec-driven feature workflow with human approval gates",
	Long: `Specflow takes a feature from a one-line description to a merged pull
request. An agent writes the requirements, design and task list, each
reviewed and approved by you, then implements the tasks one commit at a
time in a dedicated git worktree, pausing at checkpoints for your decision.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/specflow/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		// A project-local file wins over the user's
		viper.AddConfigPath(localConfigDir)
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPECFLOW")
	// e.g., SPECFLOW_FLOW_CHECKPOINT_INTERVAL for flow.checkpoint_interval
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// PrintError writes err and, when known, what to do about it.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, styles.Error.Render("Error:")+" "+err.Error())
	if hint := hintFor(err); hint != "" {
		fmt.Fprintln(w, styles.Hint.Render("Hint: "+hint))
	}
}

func hintFor(err error) string {
	if hint := errors.Hint(err); hint != "" {
		return hint
	}
	switch {
	case errors.Is(err, errors.ErrFlowLocked):
		return "another specflow process is driving this feature; `specflow pause` or `specflow abort` signal it"
	case errors.Is(err, errors.ErrFlowNotFound):
		return "run `specflow list` to see known features"
	case errors.Is(err, errors.ErrNotGitRepository):
		return "run specflow from inside a git repository"
	case errors.Is(err, errors.ErrBranchNotPushed):
		return "rerun with --push to publish the branch first"
	case errors.Is(err, errors.ErrTaskFormat):
		return `the task list needs "## Task <N>: <Title>" sections numbered from 1; edit it or reject it`
	}
	return ""
}

// app is what a flow command needs: configuration and an orchestrator for
// the repository containing the working directory.
type app struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	logger *logging.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	repoDir, err := worktree.MainRepoRoot(cwd)
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		if l, err := logging.NewLogger(cfg.Paths.ResolveStateDir(repoDir), cfg.Logging.Level); err == nil {
			logger = l
		}
	}

	return &app{
		cfg:    cfg,
		orch:   orchestrator.New(cfg, repoDir, orchestrator.Deps{Logger: logger}),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	_ = a.orch.Close()
	_ = a.logger.Close()
}

// withApp adapts a flow command body into a cobra RunE.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
