package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/task"
	"github.com/Iron-Ham/specflow/internal/taskrun"
)

// Requests left for the process driving a flow, checked at task boundaries.
const (
	pauseRequest = "pause.request"
	abortRequest = "abort.request"
)

// ImplementHooks let the caller answer checkpoints and failures and follow
// progress. Nil hooks continue at checkpoints and stop on failure.
type ImplementHooks struct {
	OnCheckpoint func(ctx context.Context, cp taskrun.Checkpoint) taskrun.Decision
	OnFailure    func(ctx context.Context, f taskrun.Failure) taskrun.Action
	OnProgress   func(p taskrun.Progress)
}

// ImplementResult is the outcome of an implementation run.
type ImplementResult struct {
	State flow.State
	Run   taskrun.Result
	// Cleanup is the worktree removal error after an abort, reported
	// separately so it never masks the abort itself.
	Cleanup error
}

// Implement executes the approved task list from the flow's current task.
// A paused flow is resumed first. Each accounted task is persisted before
// the next one starts.
func (o *Orchestrator) Implement(ctx context.Context, name string, hooks ImplementHooks) (ImplementResult, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return ImplementResult{State: st}, err
	}
	defer lock.Release()

	if st.Phase.Kind == flow.PhasePaused {
		if err := o.send(&st, flow.Resume()); err != nil {
			return ImplementResult{State: st}, err
		}
	}
	if st.Phase.Kind != flow.PhaseImplementing {
		return ImplementResult{State: st}, o.wrongPhase(st, string(flow.PhaseImplementing))
	}

	tasksPath := artifactPath(st, "tasks")
	tasks, err := task.Parse(tasksPath)
	if err != nil {
		return ImplementResult{State: st}, err
	}
	if len(tasks) != st.Phase.Total {
		return ImplementResult{State: st}, errors.NewValidationError(
			fmt.Sprintf("task list changed since approval: %d tasks approved, %d found", st.Phase.Total, len(tasks))).
			WithField("tasks").
			WithCause(errors.ErrTaskFormat)
	}

	logger := o.featureLogger(name)
	o.takeRequest(name, pauseRequest)
	o.takeRequest(name, abortRequest)

	abortReason := ""
	var runner *taskrun.Runner
	runner = taskrun.New(o.agent, o.committer, taskrun.Config{
		CheckpointInterval: o.cfg.Flow.CheckpointInterval,
		MaxAttempts:        o.cfg.Flow.MaxTaskAttempts,
		NewBackOff:         o.newBackOff,
	}, taskrun.Hooks{
		OnCheckpoint: hooks.OnCheckpoint,
		OnFailure:    hooks.OnFailure,
		OnProgress: func(ctx context.Context, p taskrun.Progress) error {
			if p.Skipped {
				st.Metadata.SkippedTasks = append(st.Metadata.SkippedTasks, p.Task.ID)
			}
			if err := o.send(&st, flow.TaskComplete()); err != nil {
				return err
			}
			if hooks.OnProgress != nil {
				hooks.OnProgress(p)
			}
			if reason, ok := o.takeRequest(name, abortRequest); ok {
				abortReason = reason
				runner.Abort()
			}
			if _, ok := o.takeRequest(name, pauseRequest); ok {
				runner.Pause()
			}
			return nil
		},
	}, logger)

	o.setRunner(runner)
	defer o.setRunner(nil)

	res, runErr := runner.Execute(ctx, taskrun.Request{
		Feature:   name,
		Dir:       st.Metadata.WorktreePath,
		SpecDir:   st.Metadata.SpecDir,
		TasksPath: tasksPath,
		Start:     st.Phase.Current,
	})
	out := ImplementResult{Run: res}

	switch {
	case res.Aborted:
		if abortReason == "" {
			abortReason = "aborted during implementation"
			if runErr != nil {
				abortReason = runErr.Error()
			}
		}
		cleanup, err := o.abortLocked(ctx, &st, abortReason)
		out.State, out.Cleanup = st, cleanup
		return out, err
	case res.Paused:
		err := o.send(&st, flow.Pause())
		out.State = st
		return out, err
	case runErr != nil:
		out.State, err = o.fail(&st, runErr)
		return out, err
	}

	logger.Info("implementation finished", "tasks", res.CompletedTasks, "skipped", len(res.Skipped))
	out.State = st
	return out, nil
}

func (o *Orchestrator) setRunner(r *taskrun.Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runner = r
}

// Interrupt asks an implementation run in this process to pause after the
// task in progress. It reports whether a run was active.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runner == nil {
		return false
	}
	o.runner.Pause()
	return true
}

// PauseResult reports how a pause was handled.
type PauseResult struct {
	State flow.State
	// Requested is set when another process is running the tasks; it
	// pauses after its current task.
	Requested bool
}

// Pause pauses an implementing flow. When another process is running the
// tasks, a request is left for it instead.
func (o *Orchestrator) Pause(ctx context.Context, name string) (PauseResult, error) {
	st, lock, err := o.begin(name)
	if errors.Is(err, errors.ErrFlowLocked) {
		return o.requestFromRunner(name, pauseRequest, "", flow.PhaseImplementing)
	}
	if err != nil {
		return PauseResult{State: st}, err
	}
	defer lock.Release()

	if st.Phase.Kind != flow.PhaseImplementing {
		return PauseResult{State: st}, o.wrongPhase(st, string(flow.PhaseImplementing))
	}
	err = o.send(&st, flow.Pause())
	return PauseResult{State: st}, err
}

// Resume returns a paused flow to implementing, or an errored flow to the
// phase it failed in.
func (o *Orchestrator) Resume(ctx context.Context, name string) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if st.Phase.Kind != flow.PhasePaused && st.Phase.Kind != flow.PhaseError {
		return st, o.wrongPhase(st, "paused or error")
	}
	if err := o.send(&st, flow.Resume()); err != nil {
		return st, err
	}
	return st, nil
}

// AbortResult is the outcome of an abort.
type AbortResult struct {
	State flow.State
	// Requested is set when another process is running the tasks; it
	// aborts after its current task and performs the cleanup.
	Requested bool
	// Cleanup is the worktree removal error, if any.
	Cleanup error
}

// Abort ends a flow and, when configured, removes its worktree. The abort
// is persisted before cleanup starts; a cleanup failure is reported in
// AbortResult.Cleanup and does not fail the abort.
func (o *Orchestrator) Abort(ctx context.Context, name, reason string) (AbortResult, error) {
	st, lock, err := o.begin(name)
	if errors.Is(err, errors.ErrFlowLocked) {
		res, err := o.requestFromRunner(name, abortRequest, reason, "")
		return AbortResult{State: res.State, Requested: res.Requested}, err
	}
	if err != nil {
		return AbortResult{State: st}, err
	}
	defer lock.Release()

	cleanup, err := o.abortLocked(ctx, &st, reason)
	return AbortResult{State: st, Cleanup: cleanup}, err
}

func (o *Orchestrator) abortLocked(ctx context.Context, st *flow.State, reason string) (cleanup, err error) {
	if reason == "" {
		reason = "aborted by user"
	}
	if err := o.send(st, flow.Abort(reason)); err != nil {
		return nil, err
	}

	logger := o.featureLogger(st.Feature)
	logger.Info("flow aborted", "reason", reason, "completed_tasks", st.CompletedTasks())
	o.takeRequest(st.Feature, abortRequest)
	o.takeRequest(st.Feature, pauseRequest)

	if !o.cfg.Flow.CleanupOnAbort {
		return nil, nil
	}
	// The abort must survive a cancelled caller context.
	if err := o.worktrees.Remove(context.WithoutCancel(ctx), st.Feature, true); err != nil {
		logger.Error("worktree cleanup failed", "error", err)
		return err, nil
	}
	logger.Info("worktree removed")
	return nil, nil
}

// requestFromRunner leaves a request for the process holding the lock. The
// flow must be live, and in phase want when want is set.
func (o *Orchestrator) requestFromRunner(name, kind, reason string, want flow.PhaseKind) (PauseResult, error) {
	st, err := o.load(name)
	if err != nil {
		return PauseResult{State: st}, err
	}
	if want != "" && st.Phase.Kind != want {
		return PauseResult{State: st}, o.wrongPhase(st, string(want))
	}
	path := filepath.Join(o.store.FlowDir(name), kind)
	if err := os.WriteFile(path, []byte(reason), 0o644); err != nil {
		return PauseResult{State: st}, errors.Wrap(err, "failed to leave request for the running process")
	}
	o.featureLogger(name).Info("request left for running process", "request", kind)
	return PauseResult{State: st, Requested: true}, nil
}

// takeRequest consumes a pending request, returning its reason.
func (o *Orchestrator) takeRequest(name, kind string) (string, bool) {
	path := filepath.Join(o.store.FlowDir(name), kind)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		o.featureLogger(name).Warn("failed to clear request", "request", kind, "error", err)
	}
	return strings.TrimSpace(string(data)), true
}
