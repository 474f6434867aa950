package taskrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/commit"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/task"
)

// fakeAgent fails a task while failures[id] is positive.
type fakeAgent struct {
	mu       sync.Mutex
	calls    []int
	failures map[int]int
	failWith error
}

func (a *fakeAgent) Generate(context.Context, agent.GenerateRequest) (agent.Output, error) {
	return agent.Output{}, nil
}

func (a *fakeAgent) ExecuteTask(_ context.Context, req agent.TaskRequest) (agent.Output, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req.Task.ID)
	if a.failures[req.Task.ID] > 0 {
		a.failures[req.Task.ID]--
		err := a.failWith
		if err == nil {
			err = fmt.Errorf("agent exited with status 1")
		}
		return agent.Output{}, err
	}
	return agent.Output{Content: "done"}, nil
}

type fakeCommitter struct {
	mu       sync.Mutex
	messages []string
}

func (c *fakeCommitter) StageAndCommit(_ context.Context, _ string, message string) (commit.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return commit.Result{Hash: fmt.Sprintf("c%d", len(c.messages))}, nil
}

func writeTasks(t *testing.T, n int, completed ...int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("# Tasks\n")
	for id := 1; id <= n; id++ {
		mark := " "
		if slices.Contains(completed, id) {
			mark = "x"
		}
		fmt.Fprintf(&sb, "\n## Task %d: Step %d\n- [%s] do step %d\n", id, id, mark, id)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, task.FileName), []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testConfig(interval int) Config {
	return Config{
		CheckpointInterval: interval,
		MaxAttempts:        3,
		NewBackOff:         func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestCheckpointsEveryInterval(t *testing.T) {
	specDir := writeTasks(t, 6)
	ag := &fakeAgent{}
	cm := &fakeCommitter{}

	var checkpoints []int
	r := New(ag, cm, testConfig(3), Hooks{
		OnCheckpoint: func(_ context.Context, cp Checkpoint) Decision {
			checkpoints = append(checkpoints, cp.Completed)
			return Continue
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{Feature: "add-auth", Dir: "/wt", SpecDir: specDir})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !slices.Equal(checkpoints, []int{3, 6}) {
		t.Errorf("checkpoints = %v, want [3 6]", checkpoints)
	}
	if !res.Success || res.CompletedTasks != 6 || res.TotalTasks != 6 {
		t.Errorf("result = %+v", res)
	}
	if len(cm.messages) != 6 {
		t.Errorf("commits = %d, want 6", len(cm.messages))
	}
	if cm.messages[0] != "feat(add-auth): implement task 1 - Step 1" {
		t.Errorf("commit message = %q", cm.messages[0])
	}
	if r.State() != StateDone {
		t.Errorf("State() = %v", r.State())
	}

	tasks, err := task.Parse(filepath.Join(specDir, task.FileName))
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range tasks {
		if !tk.Completed {
			t.Errorf("task %d not checked off in the artifact", tk.ID)
		}
	}
}

func TestPauseAtFirstCheckpoint(t *testing.T) {
	specDir := writeTasks(t, 6)
	ag := &fakeAgent{}
	cm := &fakeCommitter{}

	var checkpoints int
	r := New(ag, cm, testConfig(3), Hooks{
		OnCheckpoint: func(context.Context, Checkpoint) Decision {
			checkpoints++
			return Pause
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{Feature: "f", SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Paused || res.PausedAt != 3 || res.CompletedTasks != 3 || res.Success {
		t.Errorf("result = %+v, want paused at 3", res)
	}
	if checkpoints != 1 {
		t.Errorf("checkpoints = %d, want 1", checkpoints)
	}
	if !slices.Equal(ag.calls, []int{1, 2, 3}) {
		t.Errorf("agent calls = %v; task 4 must not start", ag.calls)
	}
	if r.State() != StatePaused {
		t.Errorf("State() = %v", r.State())
	}

	// Resuming from the pause point runs the rest.
	res, err = r.Execute(context.Background(), Request{Feature: "f", SpecDir: specDir, Start: res.PausedAt})
	if err != nil {
		t.Fatal(err)
	}
	// The checkpoint after task 6 also answers Pause; nothing is left, so
	// the run finishes.
	if !res.Success || res.CompletedTasks != 6 {
		t.Errorf("resumed result = %+v", res)
	}
	if !slices.Equal(ag.calls, []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("agent calls = %v", ag.calls)
	}
}

func TestAbortBetweenTasks(t *testing.T) {
	specDir := writeTasks(t, 5)
	ag := &fakeAgent{}
	cm := &fakeCommitter{}

	var r *Runner
	r = New(ag, cm, testConfig(3), Hooks{
		OnProgress: func(_ context.Context, p Progress) error {
			if p.Completed == 2 {
				r.Abort()
			}
			return nil
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{Feature: "f", SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.CompletedTasks != 2 {
		t.Errorf("result = %+v, want aborted with 2 completed", res)
	}
	if len(cm.messages) != 2 {
		t.Errorf("commits = %v; tasks 3-5 must not be committed", cm.messages)
	}
	if r.State() != StateAborted {
		t.Errorf("State() = %v", r.State())
	}
}

func TestAbortAtCheckpoint(t *testing.T) {
	specDir := writeTasks(t, 4)
	r := New(&fakeAgent{}, &fakeCommitter{}, testConfig(2), Hooks{
		OnCheckpoint: func(context.Context, Checkpoint) Decision { return Abort },
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.CompletedTasks != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	specDir := writeTasks(t, 2)
	ag := &fakeAgent{failures: map[int]int{1: 2}}
	cm := &fakeCommitter{}

	failureCalled := false
	r := New(ag, cm, testConfig(3), Hooks{
		OnFailure: func(context.Context, Failure) Action {
			failureCalled = true
			return Stop
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if failureCalled {
		t.Error("OnFailure should not run when a retry succeeds")
	}
	if !slices.Equal(ag.calls, []int{1, 1, 1, 2}) {
		t.Errorf("agent calls = %v", ag.calls)
	}
	if len(cm.messages) != 2 || !res.Success {
		t.Errorf("result = %+v, commits = %v", res, cm.messages)
	}
}

func TestFailureStopsWithoutCommit(t *testing.T) {
	specDir := writeTasks(t, 3)
	ag := &fakeAgent{failures: map[int]int{2: 100}}
	cm := &fakeCommitter{}

	var failure Failure
	r := New(ag, cm, testConfig(3), Hooks{
		OnFailure: func(_ context.Context, f Failure) Action {
			failure = f
			return Stop
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if !errors.Is(err, errors.ErrTaskFailed) {
		t.Fatalf("Execute() error = %v, want ErrTaskFailed", err)
	}
	if res.CompletedTasks != 1 || res.FailedTask != 2 || res.Aborted {
		t.Errorf("result = %+v", res)
	}
	if failure.Task.ID != 2 || failure.Attempts != 3 {
		t.Errorf("failure = %+v", failure)
	}
	if len(cm.messages) != 1 {
		t.Errorf("commits = %v; the failed task must not be committed", cm.messages)
	}
}

func TestNonRetryableFailureSkipsBackoff(t *testing.T) {
	specDir := writeTasks(t, 1)
	ag := &fakeAgent{
		failures: map[int]int{1: 1},
		failWith: errors.NewToolNotFoundError("claude", "install it"),
	}

	r := New(ag, &fakeCommitter{}, testConfig(3), Hooks{}, nil)
	_, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if !errors.Is(err, errors.ErrToolNotFound) {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(ag.calls) != 1 {
		t.Errorf("agent calls = %v, want a single attempt", ag.calls)
	}
}

func TestSkipFailingTask(t *testing.T) {
	specDir := writeTasks(t, 3)
	ag := &fakeAgent{failures: map[int]int{2: 100}}
	cm := &fakeCommitter{}

	var progress []Progress
	r := New(ag, cm, testConfig(10), Hooks{
		OnFailure: func(context.Context, Failure) Action { return Skip },
		OnProgress: func(_ context.Context, p Progress) error {
			progress = append(progress, p)
			return nil
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{Feature: "f", SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.CompletedTasks != 3 || !slices.Equal(res.Skipped, []int{2}) {
		t.Errorf("result = %+v", res)
	}
	if len(cm.messages) != 2 {
		t.Errorf("commits = %v", cm.messages)
	}
	if len(progress) != 3 || !progress[1].Skipped || progress[1].Commit != "" {
		t.Errorf("progress = %+v", progress)
	}
}

func TestRetryDecisionRerunsTask(t *testing.T) {
	specDir := writeTasks(t, 1)
	ag := &fakeAgent{failures: map[int]int{1: 3}}

	decisions := 0
	r := New(ag, &fakeCommitter{}, testConfig(3), Hooks{
		OnFailure: func(context.Context, Failure) Action {
			decisions++
			return Retry
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if decisions != 1 || len(ag.calls) != 4 || !res.Success {
		t.Errorf("decisions = %d, calls = %v, result = %+v", decisions, ag.calls, res)
	}
}

func TestFailureAbort(t *testing.T) {
	specDir := writeTasks(t, 2)
	ag := &fakeAgent{failures: map[int]int{1: 100}}

	r := New(ag, &fakeCommitter{}, testConfig(3), Hooks{
		OnFailure: func(context.Context, Failure) Action { return AbortRun },
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err == nil || !res.Aborted || res.CompletedTasks != 0 || res.FailedTask != 1 {
		t.Errorf("result = %+v, err = %v", res, err)
	}
}

func TestAlreadyCompletedTasksAccounted(t *testing.T) {
	specDir := writeTasks(t, 3, 1, 2)
	ag := &fakeAgent{}
	cm := &fakeCommitter{}

	var done []bool
	r := New(ag, cm, testConfig(3), Hooks{
		OnProgress: func(_ context.Context, p Progress) error {
			done = append(done, p.AlreadyDone)
			return nil
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ag.calls, []int{3}) || len(cm.messages) != 1 {
		t.Errorf("agent calls = %v, commits = %v", ag.calls, cm.messages)
	}
	if !slices.Equal(done, []bool{true, true, false}) || res.CompletedTasks != 3 {
		t.Errorf("progress = %v, result = %+v", done, res)
	}
}

func TestProgressErrorEndsRun(t *testing.T) {
	specDir := writeTasks(t, 3)
	ag := &fakeAgent{}
	r := New(ag, &fakeCommitter{}, testConfig(3), Hooks{
		OnProgress: func(context.Context, Progress) error { return errors.ErrStaleState },
	}, nil)

	_, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if !errors.Is(err, errors.ErrStaleState) {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(ag.calls) != 1 {
		t.Errorf("agent calls = %v", ag.calls)
	}
}

func TestMissingTaskList(t *testing.T) {
	r := New(&fakeAgent{}, &fakeCommitter{}, Config{}, Hooks{}, nil)
	_, err := r.Execute(context.Background(), Request{SpecDir: t.TempDir()})
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Execute() error = %v, want not found", err)
	}
}

func TestCanceledContext(t *testing.T) {
	specDir := writeTasks(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ag := &fakeAgent{}
	_, err := New(ag, &fakeCommitter{}, testConfig(3), Hooks{}, nil).Execute(ctx, Request{SpecDir: specDir})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v", err)
	}
	if len(ag.calls) != 0 {
		t.Errorf("agent calls = %v", ag.calls)
	}
}

func TestPauseRequestBetweenTasks(t *testing.T) {
	specDir := writeTasks(t, 5)
	ag := &fakeAgent{}

	var r *Runner
	r = New(ag, &fakeCommitter{}, testConfig(3), Hooks{
		OnProgress: func(_ context.Context, p Progress) error {
			if p.Completed == 1 {
				r.Pause()
			}
			return nil
		},
	}, nil)

	res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Paused || res.PausedAt != 1 || !slices.Equal(ag.calls, []int{1}) {
		t.Errorf("result = %+v, calls = %v", res, ag.calls)
	}
}

// flakyCommitter fails the first failures commits with err.
type flakyCommitter struct {
	fakeCommitter
	failures int
	err      error
}

func (c *flakyCommitter) StageAndCommit(ctx context.Context, dir, message string) (commit.Result, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return commit.Result{}, c.err
	}
	c.mu.Unlock()
	return c.fakeCommitter.StageAndCommit(ctx, dir, message)
}

func TestCommitFailureLeavesTaskUnchecked(t *testing.T) {
	commitErr := errors.NewGitError("failed to commit", errors.ErrPermissionDenied)

	tests := []struct {
		name        string
		action      Action
		wantErr     bool
		wantSkipped []int
		wantCommits []string
	}{
		{
			name:    "stop",
			action:  Stop,
			wantErr: true,
		},
		{
			name:        "skip",
			action:      Skip,
			wantSkipped: []int{1},
			wantCommits: []string{"feat(f): implement task 2 - Step 2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specDir := writeTasks(t, 2)
			path := filepath.Join(specDir, task.FileName)
			cm := &flakyCommitter{failures: 1, err: commitErr}

			r := New(&fakeAgent{}, cm, testConfig(10), Hooks{
				OnFailure: func(context.Context, Failure) Action { return tt.action },
			}, nil)
			res, err := r.Execute(context.Background(), Request{Feature: "f", SpecDir: specDir})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !slices.Equal(res.Skipped, tt.wantSkipped) || !slices.Equal(cm.messages, tt.wantCommits) {
				t.Errorf("skipped = %v, commits = %v", res.Skipped, cm.messages)
			}

			tasks, err := task.Parse(path)
			if err != nil {
				t.Fatal(err)
			}
			if tasks[0].Completed {
				t.Error("task 1 is checked off although its commit failed")
			}
		})
	}
}

func TestResumeAfterFailedCommitRerunsTask(t *testing.T) {
	specDir := writeTasks(t, 2)
	ag := &fakeAgent{}
	cm := &flakyCommitter{failures: 1, err: errors.NewGitError("failed to commit", errors.ErrPermissionDenied)}

	res, err := New(ag, cm, testConfig(10), Hooks{}, nil).Execute(context.Background(), Request{Feature: "f", SpecDir: specDir})
	if err == nil || res.FailedTask != 1 || res.CompletedTasks != 0 {
		t.Fatalf("first run = %+v, %v", res, err)
	}

	res, err = New(ag, cm, testConfig(10), Hooks{}, nil).Execute(context.Background(), Request{Feature: "f", SpecDir: specDir, Start: res.CompletedTasks})
	if err != nil || !res.Success || res.CompletedTasks != 2 {
		t.Fatalf("resumed run = %+v, %v", res, err)
	}
	if !slices.Equal(ag.calls, []int{1, 1, 2}) {
		t.Errorf("agent calls = %v, want task 1 run again", ag.calls)
	}
	want := []string{"feat(f): implement task 1 - Step 1", "feat(f): implement task 2 - Step 2"}
	if !slices.Equal(cm.messages, want) {
		t.Errorf("commits = %v, want %v", cm.messages, want)
	}
}

func TestRequestsBeforeExecuteHonored(t *testing.T) {
	t.Run("pause", func(t *testing.T) {
		specDir := writeTasks(t, 3)
		ag := &fakeAgent{}
		r := New(ag, &fakeCommitter{}, testConfig(10), Hooks{}, nil)
		r.Pause()

		res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Paused || res.PausedAt != 1 || !slices.Equal(ag.calls, []int{1}) {
			t.Errorf("result = %+v, calls = %v", res, ag.calls)
		}

		// The request is consumed by the pause.
		res, err = r.Execute(context.Background(), Request{SpecDir: specDir, Start: res.PausedAt})
		if err != nil || !res.Success || res.CompletedTasks != 3 {
			t.Errorf("second run = %+v, %v", res, err)
		}
	})

	t.Run("abort", func(t *testing.T) {
		specDir := writeTasks(t, 3)
		ag := &fakeAgent{}
		r := New(ag, &fakeCommitter{}, testConfig(10), Hooks{}, nil)
		r.Abort()

		res, err := r.Execute(context.Background(), Request{SpecDir: specDir})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Aborted || res.CompletedTasks != 0 || len(ag.calls) != 0 {
			t.Errorf("result = %+v, calls = %v", res, ag.calls)
		}
	})
}
