package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete specflow configuration
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Flow    FlowConfig    `mapstructure:"flow" yaml:"flow"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	PR      PRConfig      `mapstructure:"pr" yaml:"pr"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// PathsConfig controls where specflow keeps worktrees, state and artifacts
type PathsConfig struct {
	// WorktreeDir is where feature worktrees are created, relative to the
	// repository root unless absolute (default: "worktrees")
	WorktreeDir string `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	// StateDir holds per-feature state, locks and logs (default: ".specflow")
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// SpecDir holds the requirements/design/task artifacts, relative to the
	// feature worktree (default: ".specflow/specs")
	SpecDir string `mapstructure:"spec_dir" yaml:"spec_dir"`
}

// FlowConfig controls phase and task execution behavior
type FlowConfig struct {
	// DefaultMode is used when start is invoked without --mode
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
	// CheckpointInterval pauses for a decision after every N tasks (default: 3)
	CheckpointInterval int `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	// MaxTaskAttempts bounds automatic retries of a failing task (default: 3)
	MaxTaskAttempts int `mapstructure:"max_task_attempts" yaml:"max_task_attempts"`
	// RetryInitialIntervalMs is the first backoff delay between attempts
	RetryInitialIntervalMs int `mapstructure:"retry_initial_interval_ms" yaml:"retry_initial_interval_ms"`
	// ValidationCommand runs in the worktree during the validation phase; empty skips it
	ValidationCommand string `mapstructure:"validation_command" yaml:"validation_command"`
	// CleanupOnAbort removes the feature worktree after an abort (default: true)
	CleanupOnAbort bool `mapstructure:"cleanup_on_abort" yaml:"cleanup_on_abort"`
}

// AgentConfig controls the external agent CLI
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command" yaml:"command"`
	// Args are passed before the prompt (default: ["--print"])
	Args []string `mapstructure:"args" yaml:"args"`
	// TimeoutMinutes bounds a single agent call (0 = no timeout)
	TimeoutMinutes int `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// PRConfig controls pull request creation and merging
type PRConfig struct {
	// Remote to push feature branches to (default: "origin")
	Remote string `mapstructure:"remote" yaml:"remote"`
	// BaseBranch targeted by PRs; empty detects main or master
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch"`
	// Draft creates PRs as drafts
	Draft bool `mapstructure:"draft" yaml:"draft"`
	// Squash merges with --squash instead of a merge commit (default: true)
	Squash bool `mapstructure:"squash" yaml:"squash"`
	// DeleteBranch removes the remote branch after merge (default: true)
	DeleteBranch bool `mapstructure:"delete_branch" yaml:"delete_branch"`
	// Labels to add to every PR
	Labels []string `mapstructure:"labels" yaml:"labels"`
	// Reviewers configuration for automatic reviewer assignment
	Reviewers ReviewerConfig `mapstructure:"reviewers" yaml:"reviewers"`
}

// ReviewerConfig controls automatic reviewer assignment
type ReviewerConfig struct {
	// Default reviewers to always assign
	Default []string `mapstructure:"default" yaml:"default"`
	// ByPath maps file path patterns to reviewers (glob patterns supported)
	ByPath map[string][]string `mapstructure:"by_path" yaml:"by_path"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether per-flow debug logs are written (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			WorktreeDir: "worktrees",
			StateDir:    ".specflow",
			SpecDir:     filepath.Join(".specflow", "specs"),
		},
		Flow: FlowConfig{
			DefaultMode:            "greenfield",
			CheckpointInterval:     3,
			MaxTaskAttempts:        3,
			RetryInitialIntervalMs: 500,
			ValidationCommand:      "",
			CleanupOnAbort:         true,
		},
		Agent: AgentConfig{
			Command:        "claude",
			Args:           []string{"--print"},
			TimeoutMinutes: 30,
		},
		PR: PRConfig{
			Remote:       "origin",
			BaseBranch:   "",
			Draft:        false,
			Squash:       true,
			DeleteBranch: true,
			Labels:       []string{},
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// AgentTimeout returns the agent call timeout (0 means no timeout)
func (c *AgentConfig) AgentTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// RetryInitialInterval returns the first backoff delay between task attempts
func (c *FlowConfig) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMs) * time.Millisecond
}

// ResolveWorktreeDir returns the absolute worktree root for a repository.
func (p *PathsConfig) ResolveWorktreeDir(repoDir string) string {
	return resolve(repoDir, p.WorktreeDir, "worktrees")
}

// ResolveStateDir returns the absolute state root for a repository.
func (p *PathsConfig) ResolveStateDir(repoDir string) string {
	return resolve(repoDir, p.StateDir, ".specflow")
}

// ResolveSpecDir returns the artifact directory of a feature inside its worktree.
func (p *PathsConfig) ResolveSpecDir(worktreePath, feature string) string {
	return filepath.Join(resolve(worktreePath, p.SpecDir, filepath.Join(".specflow", "specs")), feature)
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.spec_dir", defaults.Paths.SpecDir)

	viper.SetDefault("flow.default_mode", defaults.Flow.DefaultMode)
	viper.SetDefault("flow.checkpoint_interval", defaults.Flow.CheckpointInterval)
	viper.SetDefault("flow.max_task_attempts", defaults.Flow.MaxTaskAttempts)
	viper.SetDefault("flow.retry_initial_interval_ms", defaults.Flow.RetryInitialIntervalMs)
	viper.SetDefault("flow.validation_command", defaults.Flow.ValidationCommand)
	viper.SetDefault("flow.cleanup_on_abort", defaults.Flow.CleanupOnAbort)

	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.timeout_minutes", defaults.Agent.TimeoutMinutes)

	viper.SetDefault("pr.remote", defaults.PR.Remote)
	viper.SetDefault("pr.base_branch", defaults.PR.BaseBranch)
	viper.SetDefault("pr.draft", defaults.PR.Draft)
	viper.SetDefault("pr.squash", defaults.PR.Squash)
	viper.SetDefault("pr.delete_branch", defaults.PR.DeleteBranch)
	viper.SetDefault("pr.labels", defaults.PR.Labels)
	viper.SetDefault("pr.reviewers.default", defaults.PR.Reviewers.Default)
	viper.SetDefault("pr.reviewers.by_path", defaults.PR.Reviewers.ByPath)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "specflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specflow"
	}
	return filepath.Join(home, ".config", "specflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
