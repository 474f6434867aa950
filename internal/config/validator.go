package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "flow.checkpoint_interval")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidModes returns the list of valid flow modes
func ValidModes() []string {
	return []string{"greenfield", "brownfield"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateFlow()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validatePR()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if c.Paths.SpecDir != "" && filepath.IsAbs(c.Paths.SpecDir) {
		errors = append(errors, ValidationError{
			Field:   "paths.spec_dir",
			Value:   c.Paths.SpecDir,
			Message: "must be relative to the feature worktree",
		})
	}

	return errors
}

func (c *Config) validateFlow() []ValidationError {
	var errors []ValidationError

	if c.Flow.DefaultMode != "" && !slices.Contains(ValidModes(), c.Flow.DefaultMode) {
		errors = append(errors, ValidationError{
			Field:   "flow.default_mode",
			Value:   c.Flow.DefaultMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}
	if c.Flow.CheckpointInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "flow.checkpoint_interval",
			Value:   c.Flow.CheckpointInterval,
			Message: "must be at least 1",
		})
	}
	if c.Flow.MaxTaskAttempts < 1 || c.Flow.MaxTaskAttempts > 10 {
		errors = append(errors, ValidationError{
			Field:   "flow.max_task_attempts",
			Value:   c.Flow.MaxTaskAttempts,
			Message: "must be between 1 and 10",
		})
	}
	if c.Flow.RetryInitialIntervalMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "flow.retry_initial_interval_ms",
			Value:   c.Flow.RetryInitialIntervalMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}
	if c.Agent.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout_minutes",
			Value:   c.Agent.TimeoutMinutes,
			Message: "must be non-negative (0 = no timeout)",
		})
	}

	return errors
}

func (c *Config) validatePR() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.PR.Remote) == "" {
		errors = append(errors, ValidationError{
			Field:   "pr.remote",
			Value:   c.PR.Remote,
			Message: "must not be empty",
		})
	}
	for pattern := range c.PR.Reviewers.ByPath {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   "pr.reviewers.by_path",
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
