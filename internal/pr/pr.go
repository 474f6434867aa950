// Package pr pushes feature branches and opens and merges pull requests
// through the GitHub CLI.
package pr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
)

const authHint = "run: gh auth login"

var prNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

// CreateRequest describes a pull request to open.
type CreateRequest struct {
	// Dir is the feature worktree.
	Dir     string
	Feature string
	// SpecDir holds the feature's artifacts; LinkDir is its
	// repository-relative path used for body links.
	SpecDir    string
	LinkDir    string
	BaseBranch string
	// Description is the feature description; an issue reference in it
	// adds a closing clause to the body.
	Description string
	Remote      string
	Draft       bool
	Labels      []string
	// DefaultReviewers are always requested; ReviewersByPath maps glob
	// patterns of changed files to additional reviewers.
	DefaultReviewers []string
	ReviewersByPath  map[string][]string
}

// Result identifies a created pull request.
type Result struct {
	URL    string
	Number int
}

// MergeRequest describes how to merge a pull request.
type MergeRequest struct {
	Dir          string
	Number       int
	Squash       bool
	DeleteBranch bool
}

// Service runs git and gh through an Executor.
type Service struct {
	executor command.Executor
	logger   *logging.Logger
}

// NewService creates a PR Service. A nil logger discards output.
func NewService(executor command.Executor, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Service{executor: executor, logger: logger}
}

// Push publishes the branch checked out in dir to remote ("origin" when empty)
// and sets it as upstream.
func (s *Service) Push(ctx context.Context, dir, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	out, err := s.executor.Run(ctx, dir, "git", "push", "-u", remote, "HEAD")
	if err != nil {
		return pushError(err, string(out), dir, remote)
	}
	s.logger.Info("branch pushed", "dir", dir, "remote", remote)
	return nil
}

func pushError(err error, output, dir, remote string) error {
	if errors.Is(err, errors.ErrToolNotFound) || errors.Is(err, errors.ErrTimeout) {
		return err
	}
	if output == "" {
		output = command.OutputOf(err)
	}
	lower := strings.ToLower(output)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "could not read username") {
		err = errors.Join(errors.ErrPermissionDenied, err)
	}
	return errors.NewGitError("failed to push to "+remote, err).WithWorktree(dir).WithGitOutput(output)
}

// CheckAuth verifies gh is installed and logged in. A missing gh yields a
// ToolError matching ErrToolNotFound; a logged-out gh one matching
// ErrNotAuthenticated.
func (s *Service) CheckAuth(ctx context.Context, dir string) error {
	if _, err := s.executor.Run(ctx, dir, "gh", "auth", "status"); err != nil {
		if errors.Is(err, errors.ErrToolNotFound) || errors.Is(err, errors.ErrTimeout) {
			return err
		}
		return errors.NewNotAuthenticatedError("gh", authHint)
	}
	return nil
}

// CreatePR opens a pull request for the branch checked out in req.Dir. The
// branch must already be on the remote and gh must be authenticated.
func (s *Service) CreatePR(ctx context.Context, req CreateRequest) (Result, error) {
	logger := s.logger.WithFeature(req.Feature)

	if err := s.CheckAuth(ctx, req.Dir); err != nil {
		return Result{}, err
	}

	branch, err := s.currentBranch(ctx, req.Dir)
	if err != nil {
		return Result{}, err
	}
	if err := s.ensurePushed(ctx, req.Dir, req.Remote, branch); err != nil {
		return Result{}, err
	}

	var issues []string
	if issue := ExtractIssueReference(req.Description); issue != "" {
		issues = append(issues, issue)
	}
	body, err := GenerateBody(req.SpecDir, req.LinkDir, req.Feature, issues...)
	if err != nil {
		return Result{}, err
	}

	args := []string{"pr", "create",
		"--title", Title(req.Feature, req.Description),
		"--body", body,
		"--head", branch,
	}
	if req.BaseBranch != "" {
		args = append(args, "--base", req.BaseBranch)
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, reviewer := range s.reviewers(ctx, req) {
		args = append(args, "--reviewer", reviewer)
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}

	out, err := s.executor.Run(ctx, req.Dir, "gh", args...)
	if err != nil {
		logger.Error("pr creation failed", "error", err)
		return Result{}, ghError("failed to create pull request", err, string(out))
	}

	res, err := ParseURL(string(out))
	if err != nil {
		return Result{}, err
	}
	logger.Info("pull request created", "url", res.URL, "number", res.Number)
	return res, nil
}

// MergePR merges a pull request with a squash or merge commit.
func (s *Service) MergePR(ctx context.Context, req MergeRequest) error {
	if req.Number <= 0 {
		return errors.NewValidationError("pull request number must be positive").
			WithField("number").
			WithValue(req.Number)
	}
	if err := s.CheckAuth(ctx, req.Dir); err != nil {
		return err
	}

	args := []string{"pr", "merge", strconv.Itoa(req.Number)}
	if req.Squash {
		args = append(args, "--squash")
	} else {
		args = append(args, "--merge")
	}
	if req.DeleteBranch {
		args = append(args, "--delete-branch")
	}

	out, err := s.executor.Run(ctx, req.Dir, "gh", args...)
	if err != nil {
		return ghError(fmt.Sprintf("failed to merge pull request #%d", req.Number), err, string(out))
	}
	s.logger.Info("pull request merged", "number", req.Number, "squash", req.Squash)
	return nil
}

// Title builds the PR title from the first line of the feature description.
func Title(feature, description string) string {
	summary, _, _ := strings.Cut(strings.TrimSpace(description), "\n")
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = strings.ReplaceAll(feature, "-", " ")
	}
	const maxTitle = 72
	title := fmt.Sprintf("feat(%s): %s", feature, summary)
	if runes := []rune(title); len(runes) > maxTitle {
		title = strings.TrimSpace(string(runes[:maxTitle-3])) + "..."
	}
	return title
}

// ParseURL extracts the PR URL and number from gh pr create output.
func ParseURL(output string) (Result, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		m := prNumberPattern.FindStringSubmatch(line)
		if m == nil || !strings.HasPrefix(line, "http") {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			break
		}
		return Result{URL: line, Number: n}, nil
	}
	return Result{}, fmt.Errorf("could not find a pull request URL in gh output: %q", strings.TrimSpace(output))
}

func (s *Service) currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := s.executor.Run(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		if errors.Is(err, errors.ErrToolNotFound) {
			return "", err
		}
		return "", errors.NewGitError("failed to read current branch", err).WithWorktree(dir).WithGitOutput(string(out))
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" || branch == "HEAD" {
		return "", errors.NewGitError("worktree is not on a branch", errors.ErrInvalidInput).WithWorktree(dir)
	}
	return branch, nil
}

func (s *Service) ensurePushed(ctx context.Context, dir, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	out, err := s.executor.Run(ctx, dir, "git", "ls-remote", "--heads", remote, branch)
	if err != nil {
		return pushError(err, string(out), dir, remote)
	}
	if strings.TrimSpace(string(out)) == "" {
		return errors.NewGitError(fmt.Sprintf("branch is not on %s; push it first", remote), errors.ErrBranchNotPushed).
			WithBranch(branch).
			WithWorktree(dir)
	}
	return nil
}

// reviewers resolves configured reviewers against files changed since the
// base branch. Diff failures only drop path-based reviewers.
func (s *Service) reviewers(ctx context.Context, req CreateRequest) []string {
	var changed []string
	if req.BaseBranch != "" && len(req.ReviewersByPath) > 0 {
		out, err := s.executor.Run(ctx, req.Dir, "git", "diff", "--name-only", req.BaseBranch+"...HEAD")
		if err != nil {
			s.logger.Warn("failed to list changed files for reviewer resolution", "error", err)
		} else {
			for _, f := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if f != "" {
					changed = append(changed, f)
				}
			}
		}
	}
	return ResolveReviewers(changed, req.DefaultReviewers, req.ReviewersByPath)
}

func ghError(msg string, err error, output string) error {
	if errors.Is(err, errors.ErrToolNotFound) || errors.Is(err, errors.ErrTimeout) {
		return err
	}
	if output == "" {
		output = command.OutputOf(err)
	}
	if strings.Contains(strings.ToLower(output), "gh auth login") {
		return errors.NewNotAuthenticatedError("gh", authHint)
	}
	return errors.NewGitError(msg, err).WithGitOutput(output)
}
