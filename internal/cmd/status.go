package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/styles"
)

var statusCmd = &cobra.Command{
	Use:   "status <feature>",
	Short: "Show a flow's phase, progress and worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runStatus),
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the flows of this repository",
	Args:    cobra.NoArgs,
	RunE:    withApp(runList),
}

var watchCmd = &cobra.Command{
	Use:   "watch <feature>",
	Short: "Print a flow's phase every time it changes",
	Long: `Follow a flow driven from another terminal. Each saved change is printed
until the flow finishes or Ctrl-C is pressed.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runWatch),
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}

func runStatus(cmd *cobra.Command, a *app, args []string) error {
	s, err := a.orch.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(s))
	return nil
}

func runList(cmd *cobra.Command, a *app, args []string) error {
	flows, err := a.orch.List()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderList(flows))
	return nil
}

func runWatch(cmd *cobra.Command, a *app, args []string) error {
	name := args[0]
	st, err := a.orch.Store().Load(name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printState(out, st)
	if st.Terminal() {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	last := st.Revision
	err = a.orch.Watch(ctx, name, func(st flow.State) {
		if st.Revision == last {
			return
		}
		last = st.Revision
		line := fmt.Sprintf("%s %s", styles.PhaseIcon(st.Phase.Kind), styles.Phase(st.Phase))
		if total := taskTotal(st); total > 0 && (st.Phase.Kind == flow.PhaseImplementing || st.Phase.Kind == flow.PhasePaused) {
			line += "  " + styles.Progress(st.CompletedTasks(), total, 20)
		}
		fmt.Fprintln(out, styles.Muted.Render(st.UpdatedAt.Local().Format("15:04:05"))+" "+line)
		if st.Terminal() {
			cancel()
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
