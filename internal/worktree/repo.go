package worktree

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no repository found in "+startDir+" or any parent", errors.ErrNotGitRepository)
		}
		dir = parent
	}
}

// MainRepoRoot is FindGitRoot for the main working tree: from inside a
// linked worktree it returns the repository the worktree belongs to.
func MainRepoRoot(startDir string) (string, error) {
	root, err := FindGitRoot(startDir)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(root, ".git"))
	if err != nil {
		// .git is a directory
		return root, nil
	}
	gitDir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return root, nil
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}

	// <main>/.git/worktrees/<name>, unless commondir says otherwise
	common := filepath.Dir(filepath.Dir(gitDir))
	if c, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		p := strings.TrimSpace(string(c))
		if !filepath.IsAbs(p) {
			p = filepath.Join(gitDir, p)
		}
		common = filepath.Clean(p)
	}
	return filepath.Dir(common), nil
}

// open opens the repository at path. Linked worktrees keep refs in the
// common dir of the main repository, so that lookup is enabled.
func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, errors.NewGitError("failed to open repository", err).WithRepository(path)
	}
	return repo, nil
}

// CurrentBranch returns the branch checked out at path, or "" for a
// detached HEAD.
func CurrentBranch(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", errors.NewGitError("failed to read HEAD", err).WithRepository(path)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// BranchExists reports whether a local branch exists in the repository at path.
func BranchExists(path, branch string) (bool, error) {
	repo, err := open(path)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return false, nil
	}
	return false, errors.NewGitError("failed to look up branch", err).WithRepository(path).WithBranch(branch)
}

// DefaultBranch returns "main" when it exists locally, otherwise "master".
func DefaultBranch(path string) string {
	if ok, _ := BranchExists(path, "main"); ok {
		return "main"
	}
	return "master"
}
