// Package orchestrator is the composition root of a feature flow.
//
// It turns user commands (start, generate, approve, implement, pr, ...)
// into state machine events, performs the side effects each phase needs
// through the worktree, agent, task runner, commit and PR services, and
// persists every accepted transition. Mutating operations hold the
// feature's process lock for their whole duration.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/commit"
	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/feature"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/pr"
	"github.com/Iron-Ham/specflow/internal/state"
	"github.com/Iron-Ham/specflow/internal/taskrun"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// Worktrees provisions feature working copies.
type Worktrees interface {
	Create(ctx context.Context, name string) (worktree.Info, error)
	Remove(ctx context.Context, name string, force bool) error
	Check(ctx context.Context, name string) (worktree.Info, error)
}

// PullRequests publishes and merges feature branches.
type PullRequests interface {
	Push(ctx context.Context, dir, remote string) error
	CreatePR(ctx context.Context, req pr.CreateRequest) (pr.Result, error)
	MergePR(ctx context.Context, req pr.MergeRequest) error
}

// Deps are the services an Orchestrator drives. Nil fields are built from
// configuration with a CLI executor.
type Deps struct {
	Store     *state.Store
	Worktrees Worktrees
	Agent     agent.Agent
	Committer taskrun.Committer
	PRs       PullRequests
	Executor  command.Executor
	Logger    *logging.Logger
	// BackOff paces automatic retries of agent calls.
	BackOff func() backoff.BackOff
}

// Orchestrator drives feature flows in one repository.
type Orchestrator struct {
	cfg        *config.Config
	repoDir    string
	store      *state.Store
	machine    *flow.Machine
	worktrees  Worktrees
	agent      agent.Agent
	committer  taskrun.Committer
	prs        PullRequests
	executor   command.Executor
	logger     *logging.Logger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	loggers map[string]*logging.Logger
	runner  *taskrun.Runner
	unsub   func()
}

// New creates an Orchestrator for the repository at repoDir.
func New(cfg *config.Config, repoDir string, deps Deps) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	exec := deps.Executor
	if exec == nil {
		exec = command.NewCLIExecutor()
	}

	o := &Orchestrator{
		cfg:        cfg,
		repoDir:    repoDir,
		store:      deps.Store,
		machine:    flow.NewMachine(),
		worktrees:  deps.Worktrees,
		agent:      deps.Agent,
		committer:  deps.Committer,
		prs:        deps.PRs,
		executor:   exec,
		logger:     logger,
		loggers:    make(map[string]*logging.Logger),
		newBackOff: deps.BackOff,
	}
	if o.newBackOff == nil {
		o.newBackOff = taskrun.ExponentialBackOff(cfg.Flow.RetryInitialInterval())
	}
	if o.store == nil {
		o.store = state.NewStore(cfg.Paths.ResolveStateDir(repoDir), logger)
	}
	if o.worktrees == nil {
		o.worktrees = worktree.NewService(repoDir, cfg.Paths.ResolveWorktreeDir(repoDir), exec, logger)
	}
	if o.agent == nil {
		o.agent = agent.NewCLI(cfg.Agent, exec, logger)
	}
	if o.committer == nil {
		o.committer = commit.NewService(exec, logger)
	}
	if o.prs == nil {
		o.prs = pr.NewService(exec, logger)
	}

	o.unsub = o.machine.Subscribe(o.logTransition)
	return o
}

// Close releases per-feature log files.
func (o *Orchestrator) Close() error {
	o.unsub()
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for name, l := range o.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(o.loggers, name)
	}
	return errors.Join(errs...)
}

// Subscribe registers fn for every accepted transition.
func (o *Orchestrator) Subscribe(fn flow.Listener) func() {
	return o.machine.Subscribe(fn)
}

// Store returns the state store.
func (o *Orchestrator) Store() *state.Store {
	return o.store
}

// featureLogger returns the logger writing to the feature's debug.log,
// falling back to the base logger when file logging is off or fails.
func (o *Orchestrator) featureLogger(name string) *logging.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.loggers[name]; ok {
		return l
	}
	l := o.logger.WithFeature(name)
	if o.cfg.Logging.Enabled {
		fl, err := logging.NewLogger(o.store.FlowDir(name), o.cfg.Logging.Level)
		if err != nil {
			o.logger.Warn("failed to open feature log", "feature", name, "error", err)
		} else {
			l = fl.WithFeature(name)
			o.loggers[name] = l
		}
	}
	return l
}

func (o *Orchestrator) logTransition(t flow.Transition) {
	o.featureLogger(t.Feature).WithPhase(string(t.To.Kind)).Info("flow transition",
		"from", t.From.String(),
		"to", t.To.String(),
		"event", string(t.Event.Type),
	)
}

// Start validates name, provisions its worktree and initializes the flow,
// leaving it in requirements-generating. A live flow for name is refused.
func (o *Orchestrator) Start(ctx context.Context, name, description, mode string) (flow.State, error) {
	if err := feature.Check(name); err != nil {
		return flow.State{}, err
	}
	if mode == "" {
		mode = o.cfg.Flow.DefaultMode
	}
	m, err := flow.ParseMode(mode)
	if err != nil {
		return flow.State{}, err
	}

	if existing, err := o.store.Load(name); err == nil && existing.Live() {
		return existing, errors.NewFlowError(
			"a flow is already in progress; run `specflow resume "+name+"` or `specflow abort "+name+"`",
			errors.ErrFlowExists).
			WithFeature(name).
			WithPhase(string(existing.Phase.Kind)).
			WithMode(string(existing.Mode))
	}

	lock, err := o.store.AcquireLock(name)
	if err != nil {
		return flow.State{}, err
	}
	defer lock.Release()

	logger := o.featureLogger(name)
	info, err := o.worktrees.Create(ctx, name)
	if err != nil {
		logger.Error("worktree creation failed", "error", err)
		return flow.State{}, err
	}

	st := flow.New(name, description)
	st.Metadata.WorktreePath = info.Path
	st.Metadata.Branch = info.Branch
	st.Metadata.SpecDir = o.cfg.Paths.ResolveSpecDir(info.Path, name)

	if err := o.send(&st, flow.Start(m)); err != nil {
		o.discardWorktree(ctx, name, logger)
		return st, err
	}
	if err := os.MkdirAll(st.Metadata.SpecDir, 0o755); err != nil {
		return o.fail(&st, errors.Wrap(err, "failed to create spec directory"))
	}
	if err := o.send(&st, flow.Complete()); err != nil {
		return st, err
	}

	logger.Info("flow started", "mode", string(m), "worktree", info.Path)
	return st, nil
}

func (o *Orchestrator) discardWorktree(ctx context.Context, name string, logger *logging.Logger) {
	if err := o.worktrees.Remove(ctx, name, true); err != nil {
		logger.Warn("failed to remove worktree after failed start", "error", err)
	}
}

// Status describes a flow for display.
type Status struct {
	State    flow.State
	Worktree worktree.Info
	// Lock is set when a live process is driving the flow.
	Lock *state.Lock
}

// Status loads a flow with its worktree and lock.
func (o *Orchestrator) Status(ctx context.Context, name string) (Status, error) {
	st, err := o.store.Load(name)
	if err != nil {
		return Status{}, err
	}
	s := Status{State: st}
	if lock, held := o.store.IsLocked(name); held {
		s.Lock = lock
	}
	if info, err := o.worktrees.Check(ctx, name); err == nil {
		s.Worktree = info
	} else {
		s.Worktree = worktree.Info{Path: st.Metadata.WorktreePath, Branch: st.Metadata.Branch}
	}
	return s, nil
}

// List returns every stored flow.
func (o *Orchestrator) List() ([]flow.State, error) {
	return o.store.List()
}

// Watch calls fn whenever the stored flow changes until ctx is done.
func (o *Orchestrator) Watch(ctx context.Context, name string, fn func(flow.State)) error {
	if err := feature.Check(name); err != nil {
		return err
	}
	return o.store.Watch(ctx, name, fn)
}

// load reads a flow and refuses terminal ones.
func (o *Orchestrator) load(name string) (flow.State, error) {
	if err := feature.Check(name); err != nil {
		return flow.State{}, err
	}
	st, err := o.store.Load(name)
	if err != nil {
		return st, err
	}
	if st.Terminal() {
		return st, errors.NewFlowError("flow has finished; start a new one", errors.ErrWrongPhase).
			WithFeature(name).
			WithPhase(string(st.Phase.Kind))
	}
	return st, nil
}

// begin loads a live flow under its process lock.
func (o *Orchestrator) begin(name string) (flow.State, *state.Lock, error) {
	if err := feature.Check(name); err != nil {
		return flow.State{}, nil, err
	}
	lock, err := o.store.AcquireLock(name)
	if err != nil {
		return flow.State{}, nil, err
	}
	st, err := o.load(name)
	if err != nil {
		lock.Release()
		return st, nil, err
	}
	return st, lock, nil
}

// send applies ev and persists the result. A rejected event names the
// phase, mode and the events that would have been accepted.
func (o *Orchestrator) send(st *flow.State, ev flow.Event) error {
	next, ok := o.machine.Send(*st, ev)
	if !ok {
		return o.rejected(*st, ev)
	}
	if err := o.store.Save(&next, state.SaveOptions{}); err != nil {
		return err
	}
	*st = next
	return nil
}

func (o *Orchestrator) rejected(st flow.State, ev flow.Event) error {
	msg := fmt.Sprintf("%s is not accepted in phase %s", ev.Type, st.Phase.Kind)
	if accepted := o.Accepted(st); len(accepted) > 0 {
		names := make([]string, len(accepted))
		for i, t := range accepted {
			names[i] = string(t)
		}
		msg += "; expected one of: " + strings.Join(names, ", ")
	}
	return errors.NewFlowError(msg, errors.ErrTransitionRejected).
		WithFeature(st.Feature).
		WithPhase(string(st.Phase.Kind)).
		WithMode(string(st.Mode)).
		WithEvent(string(ev.Type))
}

// Accepted lists the event types st would accept with a typical payload.
func (o *Orchestrator) Accepted(st flow.State) []flow.EventType {
	mode := st.Mode
	if !mode.Valid() {
		mode = flow.Greenfield
	}
	samples := []flow.Event{
		flow.Start(mode), flow.Resume(), flow.Complete(), flow.Approve(), flow.Reject(),
		flow.Pause(), flow.Abort(""), flow.Fail("x"), flow.TaskComplete(),
		flow.PRCreated("https://example.invalid/pull/1", 1), flow.Merge(), flow.SkipMerge(),
	}
	var out []flow.EventType
	for _, ev := range samples {
		if o.machine.CanTransition(st, ev) {
			out = append(out, ev.Type)
		}
	}
	return out
}

// fail moves the flow to error with err's message. Resource errors leave
// the flow where it is: they are fixed by the user and simply retried.
func (o *Orchestrator) fail(st *flow.State, err error) (flow.State, error) {
	logger := o.featureLogger(st.Feature).WithPhase(string(st.Phase.Kind))
	if errors.Classify(err) == errors.KindResource || errors.Is(err, context.Canceled) {
		logger.Warn("operation failed", "error", err)
		return *st, err
	}
	logger.Error("flow failed", "error", err)
	if sendErr := o.send(st, flow.Fail(err.Error())); sendErr != nil {
		return *st, errors.Join(err, sendErr)
	}
	return *st, err
}

func (o *Orchestrator) wrongPhase(st flow.State, want string) error {
	return errors.NewFlowError(
		fmt.Sprintf("flow is in %s; expected %s", st.Phase.String(), want),
		errors.ErrWrongPhase).
		WithFeature(st.Feature).
		WithPhase(string(st.Phase.Kind)).
		WithMode(string(st.Mode))
}

func artifactPath(st flow.State, artifact string) string {
	return filepath.Join(st.Metadata.SpecDir, artifact+".md")
}
