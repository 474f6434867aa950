// Package taskrun executes a feature's task list one task at a time.
//
// Each task is handed to the agent; on success the task is checked off in
// the artifact and the worktree is committed. A failed commit puts the
// artifact back, so a task is only ever checked off together with its
// commit. Every CheckpointInterval
// tasks the runner blocks on the caller's checkpoint decision. Failures are
// retried with backoff while they look transient, then handed to the
// caller, which decides whether to retry, skip, stop or abort.
//
// Abort is cooperative: the flag is checked before each task and around
// each checkpoint wait. An agent call already in flight runs to completion.
// Pause works the same way and takes effect after the current task.
// Requests made before Execute starts are honored by it.
package taskrun

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/commit"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/task"
)

// RunState is the runner's position within a single Execute call.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateAwaitingCheckpoint
	StatePaused
	StateAborted
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAwaitingCheckpoint:
		return "awaiting-checkpoint"
	case StatePaused:
		return "paused"
	case StateAborted:
		return "aborted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// Decision is the caller's answer at a checkpoint.
type Decision int

const (
	Continue Decision = iota
	Pause
	Abort
)

// Action is the caller's answer to a task that kept failing.
type Action int

const (
	// Stop ends the run with the failure; progress stays at the failed task.
	Stop Action = iota
	Retry
	Skip
	AbortRun
)

// Checkpoint describes the run at a checkpoint boundary.
type Checkpoint struct {
	Completed int
	Total     int
	Last      task.Task
}

// Failure describes a task that failed every automatic attempt.
type Failure struct {
	Task     task.Task
	Attempts int
	Err      error
}

// Progress is reported after each task is accounted for.
type Progress struct {
	Task      task.Task
	Completed int
	Total     int
	// Commit is empty for skipped and already-completed tasks.
	Commit string
	// Skipped is set when the caller chose to skip a failing task.
	Skipped bool
	// AlreadyDone is set for tasks the artifact had already checked off.
	AlreadyDone bool
}

// Hooks connect the runner to its caller. All hooks are optional.
type Hooks struct {
	// OnCheckpoint blocks until the caller decides. Nil means Continue.
	OnCheckpoint func(ctx context.Context, cp Checkpoint) Decision
	// OnFailure decides what to do with a failing task. Nil means Stop.
	OnFailure func(ctx context.Context, f Failure) Action
	// OnProgress persists progress. An error ends the run.
	OnProgress func(ctx context.Context, p Progress) error
}

// Committer stages and commits a worktree.
type Committer interface {
	StageAndCommit(ctx context.Context, dir, message string) (commit.Result, error)
}

// Config controls checkpointing and retries.
type Config struct {
	// CheckpointInterval is the number of tasks between checkpoints.
	CheckpointInterval int
	// MaxAttempts bounds automatic attempts per task before OnFailure.
	MaxAttempts int
	// NewBackOff returns a fresh backoff policy for each task.
	NewBackOff func() backoff.BackOff
}

// DefaultConfig checkpoints every 3 tasks and tries each task 3 times.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 3,
		MaxAttempts:        3,
		NewBackOff:         ExponentialBackOff(500 * time.Millisecond),
	}
}

// ExponentialBackOff returns a policy factory starting at initial.
func ExponentialBackOff(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = initial
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		return bo
	}
}

// Request identifies the task list to execute.
type Request struct {
	Feature string
	// Dir is the feature worktree.
	Dir     string
	SpecDir string
	// TasksPath is the task artifact; defaults to SpecDir/tasks.md.
	TasksPath string
	// Start is the number of tasks already accounted for.
	Start int
}

// Result summarizes an Execute call.
type Result struct {
	Success        bool
	CompletedTasks int
	TotalTasks     int
	// PausedAt is the completed count at which the run paused.
	PausedAt int
	Paused   bool
	Aborted  bool
	Skipped  []int
	Commits  []string
	// FailedTask is the id of the task that ended the run, if any.
	FailedTask int
}

// Runner executes task lists. A Runner runs one list at a time.
type Runner struct {
	agent     agent.Agent
	committer Committer
	cfg       Config
	hooks     Hooks
	logger    *logging.Logger

	aborted  atomic.Bool
	pauseReq atomic.Bool
	state    atomic.Int32
}

// New creates a Runner. Zero config values fall back to DefaultConfig.
func New(a agent.Agent, committer Committer, cfg Config, hooks Hooks, logger *logging.Logger) *Runner {
	def := DefaultConfig()
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = def.NewBackOff
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{agent: a, committer: committer, cfg: cfg, hooks: hooks, logger: logger}
}

// Abort asks the runner to stop at the next task boundary.
func (r *Runner) Abort() {
	r.aborted.Store(true)
}

// Pause asks the runner to pause after the task in progress.
func (r *Runner) Pause() {
	r.pauseReq.Store(true)
}

// State returns the runner's current position.
func (r *Runner) State() RunState {
	return RunState(r.state.Load())
}

func (r *Runner) setState(s RunState) {
	r.state.Store(int32(s))
}

// Execute runs the tasks from req.Start to the end of the list. The error
// is non-nil when the list could not be read, progress could not be
// persisted, or a task failure ended the run; the Result is filled either
// way.
func (r *Runner) Execute(ctx context.Context, req Request) (Result, error) {
	r.setState(StateRunning)

	path := req.TasksPath
	if path == "" {
		path = filepath.Join(req.SpecDir, task.FileName)
	}
	tasks, err := task.Parse(path)
	if err != nil {
		r.setState(StateDone)
		return Result{}, err
	}

	total := len(tasks)
	res := Result{TotalTasks: total, CompletedTasks: min(max(req.Start, 0), total)}
	logger := r.logger.WithFeature(req.Feature)
	logger.Info("task run started", "total", total, "start", res.CompletedTasks)

	for i := res.CompletedTasks; i < total; i++ {
		t := tasks[i]

		if r.aborted.Load() {
			return r.abort(res, logger), nil
		}
		if err := ctx.Err(); err != nil {
			r.setState(StateDone)
			return res, err
		}

		progress := Progress{Task: t, Total: total}
		if t.Completed {
			progress.AlreadyDone = true
			logger.WithTask(t.ID).Info("task already completed")
		} else {
			hash, action, err := r.runTask(ctx, req, path, t, total)
			switch {
			case err == nil:
				progress.Commit = hash
				if hash != "" {
					res.Commits = append(res.Commits, hash)
				}
			case action == Skip:
				progress.Skipped = true
				res.Skipped = append(res.Skipped, t.ID)
			case action == AbortRun:
				res.FailedTask = t.ID
				return r.abort(res, logger), err
			default:
				res.FailedTask = t.ID
				r.setState(StateDone)
				return res, err
			}
		}

		res.CompletedTasks = i + 1
		progress.Completed = res.CompletedTasks
		if r.hooks.OnProgress != nil {
			if err := r.hooks.OnProgress(ctx, progress); err != nil {
				r.setState(StateDone)
				return res, errors.Wrapf(err, "failed to record progress for task %d", t.ID)
			}
		}

		decision := Continue
		if res.CompletedTasks%r.cfg.CheckpointInterval == 0 {
			decision = r.checkpoint(ctx, Checkpoint{Completed: res.CompletedTasks, Total: total, Last: t})
		}
		if r.pauseReq.Load() {
			decision = max(decision, Pause)
		}
		switch decision {
		case Abort:
			return r.abort(res, logger), nil
		case Pause:
			if res.CompletedTasks < total {
				r.pauseReq.Store(false)
				res.Paused = true
				res.PausedAt = res.CompletedTasks
				r.setState(StatePaused)
				logger.Info("task run paused", "paused_at", res.PausedAt)
				return res, nil
			}
		}
	}

	res.Success = true
	r.setState(StateDone)
	logger.Info("task run finished", "completed", res.CompletedTasks, "skipped", len(res.Skipped))
	return res, nil
}

func (r *Runner) checkpoint(ctx context.Context, cp Checkpoint) Decision {
	if r.aborted.Load() {
		return Abort
	}
	if r.hooks.OnCheckpoint == nil {
		return Continue
	}
	r.setState(StateAwaitingCheckpoint)
	d := r.hooks.OnCheckpoint(ctx, cp)
	r.setState(StateRunning)
	if r.aborted.Load() {
		return Abort
	}
	return d
}

func (r *Runner) abort(res Result, logger *logging.Logger) Result {
	res.Aborted = true
	r.setState(StateAborted)
	logger.Info("task run aborted", "completed", res.CompletedTasks)
	return res
}

// runTask executes t until it succeeds or the caller gives up. The returned
// action is only meaningful when err is non-nil.
func (r *Runner) runTask(ctx context.Context, req Request, path string, t task.Task, total int) (string, Action, error) {
	logger := r.logger.WithFeature(req.Feature).WithTask(t.ID)
	attempts := 0

	for {
		var hash string
		op := func() error {
			attempts++
			logger.Info("task attempt started", "attempt", attempts, "title", t.Title)
			h, err := r.attempt(ctx, req, path, t, total, attempts)
			if err == nil {
				hash = h
				return nil
			}
			logger.Warn("task attempt failed", "attempt", attempts, "error", err)
			if !retryable(ctx, err) {
				return backoff.Permanent(err)
			}
			return err
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(r.cfg.NewBackOff(), uint64(r.cfg.MaxAttempts-1)), ctx)
		err := backoff.Retry(op, bo)
		if err == nil {
			logger.Info("task completed", "commit", hash, "attempts", attempts)
			return hash, Stop, nil
		}

		err = errors.Join(errors.ErrTaskFailed, fmt.Errorf("task %d (%s): %w", t.ID, t.Title, err))
		if ctx.Err() != nil {
			return "", Stop, err
		}

		action := Stop
		if r.hooks.OnFailure != nil {
			action = r.hooks.OnFailure(ctx, Failure{Task: t, Attempts: attempts, Err: err})
		}
		logger.Info("task failure decision", "action", action.String())
		if action != Retry {
			return "", action, err
		}
		if r.aborted.Load() {
			return "", AbortRun, err
		}
	}
}

// attempt runs the agent once and, on success, checks the task off and
// commits. Nothing is committed when the agent fails, and the artifact is
// restored when the commit fails.
func (r *Runner) attempt(ctx context.Context, req Request, path string, t task.Task, total, n int) (string, error) {
	if _, err := r.agent.ExecuteTask(ctx, agent.TaskRequest{
		Feature: req.Feature,
		Dir:     req.Dir,
		SpecDir: req.SpecDir,
		Task:    t,
		Total:   total,
		Attempt: n,
	}); err != nil {
		return "", err
	}

	restore, err := task.Snapshot(path)
	if err != nil {
		return "", err
	}
	if err := task.MarkCompleted(path, t.ID); err != nil {
		return "", err
	}

	res, err := r.committer.StageAndCommit(ctx, req.Dir, commit.TaskMessage(req.Feature, t.ID, t.Title))
	if err != nil {
		if rerr := restore(); rerr != nil {
			return "", errors.Join(err, rerr)
		}
		return "", err
	}
	if res.NoOp {
		return "", nil
	}
	return res.Hash, nil
}

// retryable reports whether another automatic attempt could succeed.
// Validation, resource and fatal errors need a human; unclassified agent
// failures get another try.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.IsRetryable(err) || errors.Classify(err) == errors.KindUnknown
}

func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	case AbortRun:
		return "abort"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Pause:
		return "pause"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}
