package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/Iron-Ham/specflow/internal/styles"
	"github.com/Iron-Ham/specflow/internal/taskrun"
)

// decider answers checkpoints and task failures for an implementation run:
// with a prompt on a terminal, from flags otherwise.
type decider struct {
	out         io.Writer
	interactive bool
	// yes continues at every checkpoint without asking
	yes bool
	// onFailure answers failures when there is nobody to ask
	onFailure taskrun.Action
}

func newDecider(out io.Writer, yes bool, onFailure taskrun.Action) *decider {
	return &decider{
		out:         out,
		interactive: term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())),
		yes:         yes,
		onFailure:   onFailure,
	}
}

func (d *decider) checkpoint(ctx context.Context, cp taskrun.Checkpoint) taskrun.Decision {
	fmt.Fprintf(d.out, "%s %d of %d tasks done (last: task %d, %s)\n",
		styles.Warning.Render("Checkpoint:"), cp.Completed, cp.Total, cp.Last.ID, cp.Last.Title)
	if d.yes {
		return taskrun.Continue
	}
	if !d.interactive {
		fmt.Fprintln(d.out, styles.Hint.Render("No terminal to ask; pausing. Continue with `specflow implement`."))
		return taskrun.Pause
	}

	choice := "continue"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Checkpoint: %d of %d tasks committed", cp.Completed, cp.Total)).
				Description("Review the commits in the worktree before going on").
				Options(
					huh.NewOption("Continue with the next tasks", "continue"),
					huh.NewOption("Pause here (resume later)", "pause"),
					huh.NewOption("Abort the flow", "abort"),
				).
				Value(&choice),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.RunWithContext(ctx); err != nil {
		// Escape or Ctrl-C on the prompt keeps the work and stops.
		return taskrun.Pause
	}
	return parseDecision(choice)
}

func (d *decider) failure(ctx context.Context, f taskrun.Failure) taskrun.Action {
	fmt.Fprintf(d.out, "%s task %d (%s) failed after %d attempts: %v\n",
		styles.Error.Render("Failure:"), f.Task.ID, f.Task.Title, f.Attempts, f.Err)
	if !d.interactive {
		return d.onFailure
	}

	choice := "stop"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Task %d failed", f.Task.ID)).
				Description("Nothing was committed for this task").
				Options(
					huh.NewOption("Retry the task", "retry"),
					huh.NewOption("Skip it and go on", "skip"),
					huh.NewOption("Stop (the flow moves to error; resume later)", "stop"),
					huh.NewOption("Abort the flow", "abort"),
				).
				Value(&choice),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.RunWithContext(ctx); err != nil {
		return taskrun.Stop
	}
	return parseAction(choice)
}

// parseDecision maps a checkpoint answer; unknown answers pause.
func parseDecision(s string) taskrun.Decision {
	switch s {
	case "continue", "c":
		return taskrun.Continue
	case "abort", "a":
		return taskrun.Abort
	}
	return taskrun.Pause
}

// parseAction maps a failure answer; unknown answers stop.
func parseAction(s string) taskrun.Action {
	switch s {
	case "retry", "r":
		return taskrun.Retry
	case "skip", "s":
		return taskrun.Skip
	case "abort", "a":
		return taskrun.AbortRun
	}
	return taskrun.Stop
}
