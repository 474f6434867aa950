package commit

import (
	"context"
	"testing"

	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/testutil"
)

func staged() error {
	return &command.Error{Name: "git", Args: []string{"diff", "--cached", "--quiet"}, ExitCode: 1, Err: errors.New("exit status 1")}
}

func TestTaskMessage(t *testing.T) {
	got := TaskMessage("add-auth", 3, "Add login endpoint")
	if want := "feat(add-auth): implement task 3 - Add login endpoint"; got != want {
		t.Errorf("TaskMessage() = %q, want %q", got, want)
	}
}

func TestCommitNothingStaged(t *testing.T) {
	fake := testutil.NewFakeExecutor()
	fake.On("git rev-parse HEAD", "abc123\n", nil)
	svc := NewService(fake, nil)

	res, err := svc.StageAndCommit(context.Background(), "/wt", "feat(x): implement task 1 - y")
	if err != nil {
		t.Fatalf("StageAndCommit() error = %v", err)
	}
	if !res.NoOp || res.Hash != "abc123" {
		t.Errorf("result = %+v", res)
	}
	if fake.Called("git commit") {
		t.Error("commit must not run with nothing staged")
	}
	if !fake.Called("git add -A") {
		t.Error("StageAll not invoked")
	}
}

func TestCommitStaged(t *testing.T) {
	fake := testutil.NewFakeExecutor()
	fake.On("git diff --cached --quiet", "", staged())
	fake.On("git rev-parse HEAD", "def456\n", nil)
	svc := NewService(fake, nil)

	res, err := svc.Commit(context.Background(), "/wt", "feat(x): implement task 1 - y")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.NoOp || res.Hash != "def456" {
		t.Errorf("result = %+v", res)
	}
	calls := fake.CallsMatching("git commit")
	if len(calls) != 1 || calls[0].Args[2] != "feat(x): implement task 1 - y" || calls[0].Dir != "/wt" {
		t.Errorf("commit calls = %v", calls)
	}
}

func TestCommitErrors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *testutil.FakeExecutor)
		message   string
		wantKind  errors.Kind
		retryable bool
	}{
		{
			name:     "empty message",
			message:  "  ",
			wantKind: errors.KindValidation,
		},
		{
			name: "index lock",
			setup: func(f *testutil.FakeExecutor) {
				f.On("git diff --cached --quiet", "", staged())
				f.On("git commit", "fatal: Unable to create '/wt/.git/index.lock': File exists.",
					errors.New("exit status 128"))
			},
			message:   "m",
			wantKind:  errors.KindTransient,
			retryable: true,
		},
		{
			name: "hook failure",
			setup: func(f *testutil.FakeExecutor) {
				f.On("git diff --cached --quiet", "", staged())
				f.On("git commit", "pre-commit hook failed", errors.New("exit status 1"))
			},
			message:  "m",
			wantKind: errors.KindResource,
		},
		{
			name: "git missing",
			setup: func(f *testutil.FakeExecutor) {
				f.On("git", "", errors.NewToolNotFoundError("git", ""))
			},
			message:  "m",
			wantKind: errors.KindResource,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeExecutor()
			if tt.setup != nil {
				tt.setup(fake)
			}
			_, err := NewService(fake, nil).Commit(context.Background(), "/wt", tt.message)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Classify(err); got != tt.wantKind {
				t.Errorf("Classify() = %v, want %v (%v)", got, tt.wantKind, err)
			}
			if got := errors.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestStageAndCommitWithGit(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	svc := NewService(&command.CLIExecutor{Env: testutil.GitEnv()}, nil)
	ctx := context.Background()

	before := testutil.GetCommitCount(t, repo)
	res, err := svc.StageAndCommit(ctx, repo, "feat(add-auth): implement task 1 - noop")
	if err != nil {
		t.Fatalf("StageAndCommit(clean) error = %v", err)
	}
	if !res.NoOp || testutil.GetCommitCount(t, repo) != before {
		t.Fatalf("clean tree produced a commit: %+v", res)
	}

	testutil.WriteFile(t, repo, "auth/user.go", "package auth\n")
	res, err = svc.StageAndCommit(ctx, repo, "feat(add-auth): implement task 1 - Create user model")
	if err != nil {
		t.Fatalf("StageAndCommit() error = %v", err)
	}
	if res.NoOp || len(res.Hash) < 7 {
		t.Errorf("result = %+v", res)
	}
	if got := testutil.GetCommitSubjects(t, repo)[0]; got != "feat(add-auth): implement task 1 - Create user model" {
		t.Errorf("subject = %q", got)
	}
	if testutil.HasUncommittedChanges(t, repo) {
		t.Error("changes left uncommitted")
	}
}
