// Package errors provides centralized error definitions and error handling utilities
// for specflow. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - GitError: errors from git operations (worktrees, branches, commits, pushes)
//   - ToolError: an external CLI is missing or not authenticated
//   - FlowError: a flow event was rejected or the flow state is invalid
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or artifact format
//   - TimeoutError: an external call exceeded its deadline
//
// # Classification
//
// Every error maps onto one of the kinds the orchestrator reacts to:
//
//	switch errors.Classify(err) {
//	case errors.KindValidation: // show guidance, never retry
//	case errors.KindResource:   // user must act (install, auth, cleanup)
//	case errors.KindTransient:  // retried by the task runner
//	case errors.KindFatal:      // flow moves to the error phase
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind is the recovery category of an error.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindValidation is bad user input or a malformed artifact. Never retried.
	KindValidation
	// KindResource needs user action: install a tool, authenticate, clean up a path.
	KindResource
	// KindTransient may succeed on retry.
	KindTransient
	// KindFatal moves the flow to the error phase.
	KindFatal
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Flow-related sentinel errors
var (
	// ErrFlowNotFound indicates that no flow state exists for a feature.
	ErrFlowNotFound = New("flow not found")
	// ErrFlowExists indicates a live flow already exists for a feature.
	ErrFlowExists = New("flow already exists")
	// ErrFlowLocked indicates another process is driving the flow.
	ErrFlowLocked = New("flow is locked by another process")
	// ErrStaleState indicates a save was attempted with an outdated revision.
	ErrStaleState = New("flow state is stale")
	// ErrStateCorrupted indicates persisted flow state cannot be trusted.
	ErrStateCorrupted = New("flow state corrupted")
	// ErrTransitionRejected indicates the state machine refused an event.
	ErrTransitionRejected = New("transition rejected")
	// ErrWrongPhase indicates an operation was requested in the wrong phase.
	ErrWrongPhase = New("operation not allowed in current phase")
)

// Task-related sentinel errors
var (
	// ErrTaskFormat indicates the task artifact has non-sequential or duplicate ids.
	ErrTaskFormat = New("malformed task artifact")
	// ErrTaskFailed indicates a task execution failed.
	ErrTaskFailed = New("task failed")
)

// Git and tooling sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
	// ErrPathOccupied indicates the worktree path holds unrelated content.
	ErrPathOccupied = New("path already occupied")
	// ErrPermissionDenied indicates the filesystem refused an operation.
	ErrPermissionDenied = New("permission denied")
	// ErrIndexLocked indicates another git process holds the index lock.
	ErrIndexLocked = New("git index is locked")
	// ErrBranchNotPushed indicates the branch does not exist on the remote.
	ErrBranchNotPushed = New("branch not pushed")
	// ErrToolNotFound indicates an external CLI is not installed.
	ErrToolNotFound = New("tool not found")
	// ErrNotAuthenticated indicates an external CLI is not logged in.
	ErrNotAuthenticated = New("not authenticated")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// SpecflowError is the interface shared by all errors in this package.
type SpecflowError interface {
	error
	Unwrap() error
	Is(target error) bool
	Kind() Kind
}

type baseError struct {
	message string
	cause   error
	kind    Kind
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Kind() Kind { return e.kind }

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrWorktreeExists)
//	err = err.WithBranch("feature/add-auth").WithWorktree("worktrees/add-auth")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError. Errors caused by a held index lock are
// transient.
func NewGitError(message string, cause error) *GitError {
	e := &GitError{
		baseError: baseError{
			message: message,
			cause:   cause,
			kind:    KindResource,
		},
	}
	if errors.Is(cause, ErrIndexLocked) {
		e.kind = KindTransient
	}
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context. Output that
// reports a held index.lock marks the error transient.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	if strings.Contains(output, "index.lock") {
		e.kind = KindTransient
	}
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, out)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ToolError reports that an external CLI (git, gh, the agent) is missing or
// not authenticated. Hint carries installation or login guidance.
type ToolError struct {
	baseError
	Tool string
	Hint string
}

// NewToolNotFoundError creates a ToolError for a CLI that is not on PATH.
func NewToolNotFoundError(tool, hint string) *ToolError {
	return &ToolError{
		baseError: baseError{
			message: fmt.Sprintf("%s is not installed or not on PATH", tool),
			cause:   ErrToolNotFound,
			kind:    KindResource,
		},
		Tool: tool,
		Hint: hint,
	}
}

// NewNotAuthenticatedError creates a ToolError for a CLI that needs a login.
func NewNotAuthenticatedError(tool, hint string) *ToolError {
	return &ToolError{
		baseError: baseError{
			message: fmt.Sprintf("%s is not authenticated", tool),
			cause:   ErrNotAuthenticated,
			kind:    KindResource,
		},
		Tool: tool,
		Hint: hint,
	}
}

// Error returns the formatted error message.
func (e *ToolError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.message, e.Hint)
	}
	return e.message
}

// Is checks if this error matches the target.
func (e *ToolError) Is(target error) bool {
	if _, ok := target.(*ToolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// FlowError represents a rejected flow operation or an invalid flow state.
//
// Example:
//
//	err := errors.NewFlowError("event not accepted", errors.ErrTransitionRejected).
//		WithFeature("add-auth").WithPhase("design-approval").WithEvent("TASK_COMPLETE")
type FlowError struct {
	baseError
	Feature string
	Phase   string
	Mode    string
	Event   string
}

// NewFlowError creates a new FlowError. Corrupted state is fatal; everything
// else is a validation error the caller can correct.
func NewFlowError(message string, cause error) *FlowError {
	e := &FlowError{
		baseError: baseError{
			message: message,
			cause:   cause,
			kind:    KindValidation,
		},
	}
	switch {
	case errors.Is(cause, ErrStateCorrupted):
		e.kind = KindFatal
	case errors.Is(cause, ErrFlowLocked), errors.Is(cause, ErrFlowExists):
		e.kind = KindResource
	}
	return e
}

// WithFeature adds the feature name to the error context.
func (e *FlowError) WithFeature(feature string) *FlowError {
	e.Feature = feature
	return e
}

// WithPhase adds the current phase to the error context.
func (e *FlowError) WithPhase(phase string) *FlowError {
	e.Phase = phase
	return e
}

// WithMode adds the flow mode to the error context.
func (e *FlowError) WithMode(mode string) *FlowError {
	e.Mode = mode
	return e
}

// WithEvent adds the rejected event to the error context.
func (e *FlowError) WithEvent(event string) *FlowError {
	e.Event = event
	return e
}

// Error returns the formatted error message.
func (e *FlowError) Error() string {
	var parts []string
	if e.Feature != "" {
		parts = append(parts, fmt.Sprintf("feature=%s", e.Feature))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Mode != "" {
		parts = append(parts, fmt.Sprintf("mode=%s", e.Mode))
	}
	if e.Event != "" {
		parts = append(parts, fmt.Sprintf("event=%s", e.Event))
	}

	prefix := "flow error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("flow error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *FlowError) Is(target error) bool {
	if _, ok := target.(*FlowError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message: fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			kind:    KindResource,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message: fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			kind:    KindResource,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or a malformed artifact.
//
// Example:
//
//	err := errors.NewValidationError("feature name must start with a lowercase letter").
//		WithField("feature").WithValue("Add-Auth")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message: message,
			kind:    KindValidation,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Message returns the bare validation message without context decoration.
func (e *ValidationError) Message() string {
	return e.message
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%q", fmt.Sprint(e.Value)))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an external call that exceeded its deadline.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are transient.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message: operation,
			kind:    KindTransient,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// Classify returns the recovery kind of err. Errors that do not implement
// SpecflowError are classified by the sentinels they wrap.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var se SpecflowError
	if As(err, &se) {
		return se.Kind()
	}

	switch {
	case Is(err, ErrStateCorrupted):
		return KindFatal
	case Is(err, ErrTaskFormat), Is(err, ErrInvalidInput), Is(err, ErrTransitionRejected):
		return KindValidation
	case Is(err, ErrToolNotFound), Is(err, ErrNotAuthenticated), Is(err, ErrPermissionDenied),
		Is(err, ErrWorktreeExists), Is(err, ErrPathOccupied), Is(err, ErrFlowExists),
		Is(err, ErrFlowLocked), Is(err, ErrBranchNotPushed):
		return KindResource
	case Is(err, ErrTimeout), Is(err, ErrIndexLocked):
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}

// Hint returns installation or authentication guidance carried by a ToolError
// anywhere in the chain, or an empty string.
func Hint(err error) string {
	var toolErr *ToolError
	if As(err, &toolErr) {
		return toolErr.Hint
	}
	return ""
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
