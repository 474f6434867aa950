package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/specflow/internal/agent"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/task"
)

const feedbackSuffix = ".feedback.md"

// Generate asks the agent for the artifact of the current generating phase,
// writes it into the spec directory and advances to the phase's review
// gate. Agent failures are retried with backoff; a persistent failure moves
// the flow to error.
func (o *Orchestrator) Generate(ctx context.Context, name string) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if st.Phase.Kind == flow.PhaseInitializing {
		if err := os.MkdirAll(st.Metadata.SpecDir, 0o755); err != nil {
			return o.fail(&st, errors.Wrap(err, "failed to create spec directory"))
		}
		if err := o.send(&st, flow.Complete()); err != nil {
			return st, err
		}
	}

	artifact := st.Phase.Kind.Artifact()
	if !st.Phase.Kind.Generating() || artifact == "" {
		return st, o.wrongPhase(st, "a generating phase")
	}

	logger := o.featureLogger(name).WithPhase(string(st.Phase.Kind))
	req := agent.GenerateRequest{
		Feature:     name,
		Description: st.Metadata.Description,
		Mode:        string(st.Mode),
		Artifact:    artifact,
		Dir:         st.Metadata.WorktreePath,
		SpecDir:     st.Metadata.SpecDir,
		Revision:    revision(st),
		Feedback:    readFeedback(st, artifact),
	}

	var out agent.Output
	attempts := 0
	err = o.retry(ctx, func() error {
		attempts++
		var genErr error
		out, genErr = o.agent.Generate(ctx, req)
		if genErr != nil {
			logger.Warn("generation attempt failed", "artifact", artifact, "attempt", attempts, "error", genErr)
		}
		return genErr
	})
	if err != nil {
		return o.fail(&st, err)
	}

	path := artifactPath(st, artifact)
	content := strings.TrimRight(out.Content, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return o.fail(&st, errors.Wrapf(err, "failed to write %s", path))
	}
	logger.Info("artifact generated", "artifact", artifact, "path", path, "attempts", attempts, "duration_ms", out.Duration.Milliseconds())

	ev := flow.PhaseCompleteWithData(map[string]any{
		"artifact": artifact,
		"path":     path,
		"bytes":    len(content),
	})
	if err := o.send(&st, ev); err != nil {
		return st, err
	}
	return st, nil
}

// retry runs op with the configured backoff while its errors look
// transient.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	attempts := o.cfg.Flow.MaxTaskAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		switch errors.Classify(err) {
		case errors.KindValidation, errors.KindResource, errors.KindFatal:
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// revision reports whether the flow came back to generating from a gate
// that rejected into it. Error detours through the current phase are
// skipped.
func revision(st flow.State) bool {
	for i := len(st.History) - 1; i >= 0; i-- {
		k := st.History[i].Kind
		if k == flow.PhaseError || k == st.Phase.Kind {
			continue
		}
		target, ok := k.RejectTarget()
		return ok && target == st.Phase.Kind
	}
	return false
}

func readFeedback(st flow.State, artifact string) string {
	data, err := os.ReadFile(artifactPath(st, artifact) + feedbackSuffix)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Approve accepts the artifact under review. Approving the task list
// parses it first; a malformed list is refused and the flow stays put.
func (o *Orchestrator) Approve(ctx context.Context, name string) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if !st.Phase.Kind.Gate() {
		return st, o.wrongPhase(st, "an approval or review phase")
	}

	ev := flow.Approve()
	if st.Phase.Kind == flow.PhaseTasksApproval {
		tasks, err := task.Parse(artifactPath(st, "tasks"))
		if err != nil {
			return st, err
		}
		ev = flow.ApproveTasks(len(tasks))
		o.featureLogger(name).Info("task list approved", "tasks", len(tasks))
	}

	if err := o.send(&st, ev); err != nil {
		return st, err
	}
	return st, nil
}

// Reject sends the flow back to regenerate. Non-empty feedback is saved
// next to the artifact being regenerated and handed to the agent.
func (o *Orchestrator) Reject(ctx context.Context, name, feedback string) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if !st.Phase.Kind.Gate() {
		return st, o.wrongPhase(st, "an approval or review phase")
	}
	reviewed := st.Phase.Kind.Artifact()

	if err := o.send(&st, flow.Reject()); err != nil {
		return st, err
	}

	path := artifactPath(st, st.Phase.Kind.Artifact()) + feedbackSuffix
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.featureLogger(name).Warn("failed to clear old feedback", "error", err)
		}
		return st, nil
	}
	note := fmt.Sprintf("Feedback on the %s document:\n\n%s\n", reviewed, feedback)
	if err := os.WriteFile(path, []byte(note), 0o644); err != nil {
		return st, errors.Wrap(err, "failed to save rejection feedback")
	}
	return st, nil
}

// Validate runs the configured validation command in the worktree and
// advances to pr on success. Without a command validation passes. A failing
// command leaves the flow in validation so it can be rerun after a fix.
func (o *Orchestrator) Validate(ctx context.Context, name string) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if st.Phase.Kind != flow.PhaseValidation {
		return st, o.wrongPhase(st, string(flow.PhaseValidation))
	}

	logger := o.featureLogger(name).WithPhase(string(st.Phase.Kind))
	if cmd := strings.TrimSpace(o.cfg.Flow.ValidationCommand); cmd != "" {
		out, err := o.executor.Run(ctx, st.Metadata.WorktreePath, "sh", "-c", cmd)
		if err != nil {
			logger.Error("validation command failed", "command", cmd, "output", string(out), "error", err)
			return st, errors.Wrapf(err, "validation command %q failed", cmd)
		}
		logger.Info("validation command passed", "command", cmd)
	} else {
		logger.Info("no validation command configured")
	}

	if err := o.send(&st, flow.Complete()); err != nil {
		return st, err
	}
	return st, nil
}
