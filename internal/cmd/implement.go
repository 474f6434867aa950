package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/orchestrator"
	"github.com/Iron-Ham/specflow/internal/styles"
	"github.com/Iron-Ham/specflow/internal/taskrun"
)

var implementCmd = &cobra.Command{
	Use:   "implement <feature>",
	Short: "Implement the approved tasks, one commit per task",
	Long: `Implement the approved task list in the feature's worktree. Each task is
handed to the agent, checked off in the task list and committed on its own.

Every flow.checkpoint_interval tasks you choose to continue, pause or abort.
Ctrl-C pauses after the task in progress; a second Ctrl-C cancels it.
A paused flow continues where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runImplement),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <feature>",
	Short: "Pause an implementation run after its current task",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runPause),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <feature>",
	Short: "Resume a paused flow, or retry the phase a flow failed in",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runResume),
}

var abortCmd = &cobra.Command{
	Use:   "abort <feature>",
	Short: "Abort a flow and remove its worktree",
	Long: `Abort a flow. Committed tasks stay on the feature branch; the worktree is
removed when flow.cleanup_on_abort is set. When another process is running
the tasks it aborts after the task in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runAbort),
}

func init() {
	for _, c := range []*cobra.Command{implementCmd, resumeCmd} {
		c.Flags().BoolP("yes", "y", false, "continue at checkpoints without asking")
		c.Flags().String("on-failure", "stop", "without a terminal, what to do when a task keeps failing: stop, skip or abort")
	}
	abortCmd.Flags().String("reason", "", "why the flow is aborted")

	rootCmd.AddCommand(implementCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
}

func runImplement(cmd *cobra.Command, a *app, args []string) error {
	return implement(cmd, a, args[0])
}

func implement(cmd *cobra.Command, a *app, name string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	onFailure, _ := cmd.Flags().GetString("on-failure")
	action := parseAction(onFailure)
	if onFailure != "stop" && onFailure != "skip" && onFailure != "abort" {
		return errors.NewValidationError("--on-failure must be stop, skip or abort").
			WithField("on-failure").
			WithValue(onFailure)
	}

	out := cmd.OutOrStdout()
	d := newDecider(out, yes, action)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stop := interruptToPause(ctx, a.orch, cancel, cmd)
	defer stop()

	res, err := a.orch.Implement(ctx, name, orchestrator.ImplementHooks{
		OnCheckpoint: d.checkpoint,
		OnFailure:    d.failure,
		OnProgress: func(p taskrun.Progress) {
			note := ""
			switch {
			case p.AlreadyDone:
				note = styles.Muted.Render(" (already done)")
			case p.Skipped:
				note = styles.Warning.Render(" (skipped)")
			case p.Commit != "":
				note = styles.Muted.Render(" " + shortHash(p.Commit))
			}
			fmt.Fprintf(out, "%s Task %d/%d: %s%s\n",
				styles.Secondary.Render("✓"), p.Task.ID, p.Total, p.Task.Title, note)
		},
	})
	if res.Cleanup != nil {
		PrintError(cmd.ErrOrStderr(), errors.Wrap(res.Cleanup, "flow aborted, but the worktree could not be removed"))
	}
	if err != nil {
		if res.State.Phase.Kind == flow.PhaseError {
			printState(cmd.ErrOrStderr(), res.State)
		}
		return err
	}
	printState(out, res.State)
	return nil
}

// interruptToPause turns the first Ctrl-C into a pause of the running
// implementation and the second into cancellation.
func interruptToPause(ctx context.Context, orch *orchestrator.Orchestrator, cancel context.CancelFunc, cmd *cobra.Command) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		interrupted := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-sigCh:
				if !interrupted && orch.Interrupt() {
					interrupted = true
					fmt.Fprintln(cmd.ErrOrStderr(), styles.Warning.Render("Pausing after the current task; Ctrl-C again to cancel it."))
					continue
				}
				cancel()
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func runPause(cmd *cobra.Command, a *app, args []string) error {
	res, err := a.orch.Pause(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if res.Requested {
		fmt.Fprintln(cmd.OutOrStdout(), "Pause requested; the running implementation stops after its current task.")
		return nil
	}
	printState(cmd.OutOrStdout(), res.State)
	return nil
}

func runResume(cmd *cobra.Command, a *app, args []string) error {
	st, err := a.orch.Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if st.Phase.Kind != flow.PhaseImplementing {
		printState(cmd.OutOrStdout(), st)
		return nil
	}
	return implement(cmd, a, args[0])
}

func runAbort(cmd *cobra.Command, a *app, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	res, err := a.orch.Abort(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	if res.Requested {
		fmt.Fprintln(cmd.OutOrStdout(), "Abort requested; the running implementation stops after its current task.")
		return nil
	}
	printState(cmd.OutOrStdout(), res.State)
	if res.Cleanup != nil {
		PrintError(cmd.ErrOrStderr(), errors.Wrap(res.Cleanup, "flow aborted, but the worktree could not be removed"))
	}
	return nil
}
