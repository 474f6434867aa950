// Package worktree provisions the isolated git working copy each feature
// flow runs in.
//
// A feature "add-auth" lives at <worktree root>/add-auth on branch
// feature/add-auth. Mutations go through the git CLI via command.Executor;
// read-only inspection (current branch, branch existence) uses go-git.
package worktree

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/feature"
	"github.com/Iron-Ham/specflow/internal/logging"
)

// Info describes a feature's working copy.
type Info struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Exists bool   `json:"exists"`
}

// Service creates, inspects and removes feature worktrees of one repository.
type Service struct {
	repoDir  string
	rootDir  string
	executor command.Executor
	logger   *logging.Logger
}

// NewService creates a Service for the repository at repoDir placing
// worktrees under rootDir. A nil logger discards output.
func NewService(repoDir, rootDir string, executor command.Executor, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Service{
		repoDir:  repoDir,
		rootDir:  rootDir,
		executor: executor,
		logger:   logger,
	}
}

// RepoDir returns the repository root.
func (s *Service) RepoDir() string {
	return s.repoDir
}

// Path returns where the worktree for name lives.
func (s *Service) Path(name string) string {
	return filepath.Join(s.rootDir, name)
}

// Check inspects the worktree for name. A directory that exists but is not
// a registered worktree reports Exists=false.
func (s *Service) Check(ctx context.Context, name string) (Info, error) {
	info := Info{Path: s.Path(name), Branch: feature.Branch(name)}

	if _, err := os.Stat(info.Path); err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, s.classify("failed to inspect worktree", err, "", info)
	}

	registered, err := s.registered(ctx, info.Path)
	if err != nil || !registered {
		return info, err
	}

	info.Exists = true
	if branch, err := CurrentBranch(info.Path); err == nil && branch != "" {
		info.Branch = branch
	}
	return info, nil
}

// Create provisions the worktree and branch for name. An existing branch is
// checked out rather than recreated so a removed worktree can be restored.
func (s *Service) Create(ctx context.Context, name string) (Info, error) {
	if err := feature.Check(name); err != nil {
		return Info{}, err
	}

	info := Info{Path: s.Path(name), Branch: feature.Branch(name)}
	logger := s.logger.WithFeature(name)

	registered, err := s.registered(ctx, info.Path)
	if err != nil {
		return info, err
	}
	if registered {
		return info, errors.NewAlreadyExistsError("worktree", info.Path).WithCause(errors.ErrWorktreeExists)
	}

	if occupied, err := nonEmptyDir(info.Path); err != nil {
		return info, s.classify("failed to inspect worktree path", err, "", info)
	} else if occupied {
		return info, errors.NewGitError("path is occupied by unrelated content; move it or choose another feature name",
			errors.ErrPathOccupied).WithWorktree(info.Path)
	}

	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return info, s.classify("failed to create worktree directory", err, "", info)
	}

	exists, err := BranchExists(s.repoDir, info.Branch)
	if err != nil {
		return info, err
	}
	args := []string{"worktree", "add", "-b", info.Branch, info.Path}
	if exists {
		args = []string{"worktree", "add", info.Path, info.Branch}
	}

	out, err := s.executor.Run(ctx, s.repoDir, "git", args...)
	if err != nil {
		logger.Error("worktree creation failed", "path", info.Path, "error", err)
		return info, s.classify("failed to create worktree", err, string(out), info)
	}

	info.Exists = true
	logger.Info("worktree created", "path", info.Path, "branch", info.Branch, "reused_branch", exists)
	return info, nil
}

// Remove deletes the worktree for name. The branch is kept so its commits
// survive. Removing a worktree that does not exist succeeds.
func (s *Service) Remove(ctx context.Context, name string, force bool) error {
	path := s.Path(name)
	logger := s.logger.WithFeature(name)

	registered, err := s.registered(ctx, path)
	if err != nil {
		return err
	}
	if !registered {
		// Drop stale administrative entries for directories deleted by hand.
		if _, err := s.executor.Run(ctx, s.repoDir, "git", "worktree", "prune"); err != nil {
			logger.Warn("worktree prune failed", "error", err)
		}
		return nil
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	out, err := s.executor.Run(ctx, s.repoDir, "git", args...)
	if err != nil {
		logger.Error("worktree removal failed", "path", path, "force", force, "error", err)
		return s.classify("failed to remove worktree", err, string(out), Info{Path: path, Branch: feature.Branch(name)})
	}

	logger.Info("worktree removed", "path", path, "force", force)
	return nil
}

// List returns every linked worktree of the repository. The main working
// copy is not included.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	out, err := s.executor.Run(ctx, s.repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, s.classify("failed to list worktrees", err, string(out), Info{})
	}

	entries := parsePorcelain(string(out))
	if len(entries) > 0 {
		entries = entries[1:]
	}
	return entries, nil
}

func (s *Service) registered(ctx context.Context, path string) (bool, error) {
	out, err := s.executor.Run(ctx, s.repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return false, s.classify("failed to list worktrees", err, string(out), Info{Path: path})
	}
	want := canonical(path)
	return slices.ContainsFunc(parsePorcelain(string(out)), func(i Info) bool {
		return canonical(i.Path) == want
	}), nil
}

// parsePorcelain parses `git worktree list --porcelain` output.
func parsePorcelain(out string) []Info {
	var infos []Info
	var cur *Info
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			infos = append(infos, Info{Path: strings.TrimPrefix(line, "worktree "), Exists: true})
			cur = &infos[len(infos)-1]
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			cur = nil
		}
	}
	return infos
}

// classify turns a failure into a GitError carrying the sentinel the caller
// can act on. Tool, timeout and context errors pass through untouched.
func (s *Service) classify(msg string, err error, output string, info Info) error {
	if errors.Is(err, errors.ErrToolNotFound) || errors.Is(err, errors.ErrTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if output == "" {
		output = command.OutputOf(err)
	}

	cause := err
	lower := strings.ToLower(output)
	switch {
	case errors.Is(err, fs.ErrPermission), strings.Contains(lower, "permission denied"):
		cause = errors.Join(errors.ErrPermissionDenied, err)
	case strings.Contains(lower, "already exists"):
		cause = errors.Join(errors.ErrPathOccupied, err)
	case strings.Contains(lower, "not a git repository"):
		cause = errors.Join(errors.ErrNotGitRepository, err)
	}

	return errors.NewGitError(msg, cause).
		WithRepository(s.repoDir).
		WithWorktree(info.Path).
		WithBranch(info.Branch).
		WithGitOutput(output)
}

func nonEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && !errors.Is(err, fs.ErrPermission) {
			// A plain file at the path is occupied too.
			return true, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
