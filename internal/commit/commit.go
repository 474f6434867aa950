// Package commit stages and commits changes in a feature worktree.
package commit

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
)

// Result describes the outcome of a commit.
type Result struct {
	// Hash is the commit created, or HEAD when NoOp is set.
	Hash string
	// NoOp is set when nothing was staged and no commit was made.
	NoOp bool
}

// Service runs git add/commit through an Executor.
type Service struct {
	executor command.Executor
	logger   *logging.Logger
}

// NewService creates a commit Service. A nil logger discards output.
func NewService(executor command.Executor, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Service{executor: executor, logger: logger}
}

// TaskMessage formats the commit message for a completed task.
func TaskMessage(feature string, id int, title string) string {
	return fmt.Sprintf("feat(%s): implement task %d - %s", feature, id, title)
}

// StageAll stages every change in dir, including deletions and new files.
func (s *Service) StageAll(ctx context.Context, dir string) error {
	out, err := s.executor.Run(ctx, dir, "git", "add", "-A")
	if err != nil {
		return gitError("failed to stage changes", err, out, dir)
	}
	return nil
}

// Commit commits what is staged in dir. With nothing staged it succeeds
// as a no-op and reports the current HEAD.
func (s *Service) Commit(ctx context.Context, dir, message string) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, errors.NewValidationError("commit message must not be empty").WithField("message")
	}

	// diff --cached --quiet exits 1 when something is staged.
	if _, err := s.executor.Run(ctx, dir, "git", "diff", "--cached", "--quiet"); err == nil {
		head, _ := s.head(ctx, dir)
		s.logger.Debug("nothing to commit", "dir", dir)
		return Result{Hash: head, NoOp: true}, nil
	} else if !isExitCode(err, 1) {
		return Result{}, gitError("failed to inspect staged changes", err, nil, dir)
	}

	out, err := s.executor.Run(ctx, dir, "git", "commit", "-m", message)
	if err != nil {
		return Result{}, gitError("failed to commit", err, out, dir)
	}

	hash, err := s.head(ctx, dir)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("committed", "dir", dir, "hash", hash, "message", message)
	return Result{Hash: hash}, nil
}

// StageAndCommit stages everything in dir and commits it.
func (s *Service) StageAndCommit(ctx context.Context, dir, message string) (Result, error) {
	if err := s.StageAll(ctx, dir); err != nil {
		return Result{}, err
	}
	return s.Commit(ctx, dir, message)
}

func (s *Service) head(ctx context.Context, dir string) (string, error) {
	out, err := s.executor.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", gitError("failed to read HEAD", err, out, dir)
	}
	return strings.TrimSpace(string(out)), nil
}

func isExitCode(err error, code int) bool {
	var ce *command.Error
	return errors.As(err, &ce) && ce.ExitCode == code
}

// gitError wraps a git failure. A held index.lock makes it transient so the
// task runner retries it.
func gitError(msg string, err error, out []byte, dir string) error {
	if errors.Is(err, errors.ErrToolNotFound) || errors.Is(err, errors.ErrTimeout) {
		return err
	}
	output := string(out)
	if output == "" {
		output = command.OutputOf(err)
	}
	if strings.Contains(output, "index.lock") {
		err = errors.Join(errors.ErrIndexLocked, err)
	}
	return errors.NewGitError(msg, err).WithWorktree(dir).WithGitOutput(output)
}
