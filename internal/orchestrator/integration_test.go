package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/task"
	"github.com/Iron-Ham/specflow/internal/taskrun"
	"github.com/Iron-Ham/specflow/internal/testutil"
)

// writingAgent produces documents like fakeAgent and implements a task by
// writing one file into the worktree.
type writingAgent struct {
	fakeAgent
}

func (a *writingAgent) ExecuteTask(ctx context.Context, req agent.TaskRequest) (agent.Output, error) {
	name := filepath.Join(req.Dir, fmt.Sprintf("task-%d.txt", req.Task.ID))
	if err := os.WriteFile(name, []byte(req.Task.Title+"\n"), 0o644); err != nil {
		return agent.Output{}, err
	}
	return a.fakeAgent.ExecuteTask(ctx, req)
}

func TestFlowAgainstRealRepository(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	cfg := config.Default()
	cfg.Logging.Enabled = false
	cfg.Flow.CheckpointInterval = 2

	prs := &fakePRs{}
	o := New(cfg, repo, Deps{
		Agent:   &writingAgent{fakeAgent{tasks: taskList(3)}},
		PRs:     prs,
		BackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	defer o.Close()

	ctx := context.Background()
	st := must(t)(o.Start(ctx, "add-auth", "Add authentication", "greenfield"))
	wt := st.Metadata.WorktreePath
	if branch := testutil.GetCurrentBranch(t, wt); branch != "feature/add-auth" {
		t.Fatalf("worktree branch = %q", branch)
	}

	for _, step := range []func(context.Context, string) (flow.State, error){
		o.Generate, o.Approve, o.Generate, o.Approve, o.Generate, o.Approve,
	} {
		st = must(t)(step(ctx, "add-auth"))
	}
	if st.Phase.Kind != flow.PhaseImplementing || st.Phase.Total != 3 {
		t.Fatalf("phase = %s", st.Phase)
	}

	res, err := o.Implement(ctx, "add-auth", ImplementHooks{
		OnCheckpoint: func(context.Context, taskrun.Checkpoint) taskrun.Decision { return taskrun.Continue },
	})
	if err != nil {
		t.Fatalf("Implement() error = %v", err)
	}
	if res.State.Phase.Kind != flow.PhaseValidation || len(res.Run.Commits) != 3 {
		t.Fatalf("after implement: %s, commits %v", res.State.Phase, res.Run.Commits)
	}

	subjects := testutil.GetCommitSubjects(t, wt)
	for i := 1; i <= 3; i++ {
		want := fmt.Sprintf("feat(add-auth): implement task %d - Step %d", i, i)
		found := false
		for _, s := range subjects {
			found = found || s == want
		}
		if !found {
			t.Errorf("missing commit %q in %v", want, subjects)
		}
	}
	if testutil.HasUncommittedChanges(t, wt) {
		t.Error("worktree should be clean after the last task")
	}

	tasks, err := task.Parse(filepath.Join(st.Metadata.SpecDir, "tasks.md"))
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range tasks {
		if !tk.Completed {
			t.Errorf("task %d not checked off in tasks.md", tk.ID)
		}
	}

	// The main checkout is untouched.
	if strings.Contains(strings.Join(testutil.GetCommitSubjects(t, repo), "\n"), "implement task") {
		t.Error("task commits leaked onto the main branch")
	}

	abort, err := o.Abort(ctx, "add-auth", "done testing")
	if err != nil || abort.Cleanup != nil {
		t.Fatalf("Abort() = %+v, %v", abort, err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree still present after abort: %v", err)
	}
	if worktrees := testutil.ListWorktrees(t, repo); len(worktrees) != 1 {
		t.Errorf("git still lists worktrees %v after abort", worktrees)
	}
	if out, err := command.NewCLIExecutor().Run(ctx, repo, "git", "branch", "--list", "feature/add-auth"); err != nil || !strings.Contains(string(out), "feature/add-auth") {
		t.Errorf("feature branch should survive the abort: %q, %v", out, err)
	}
}
