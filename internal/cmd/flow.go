package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/orchestrator"
)

var startCmd = &cobra.Command{
	Use:   "start <feature> <description...>",
	Short: "Start a feature flow in a new worktree",
	Long: `Start a feature flow. The feature name must be kebab-case (e.g. add-auth);
it names the worktree, the branch (feature/<name>) and the spec directory.

Greenfield flows go requirements -> design -> tasks. Brownfield flows add a
gap analysis against the existing code and a validation of the design.`,
	Example: `  specflow start add-auth "Add email and password sign-in"
  specflow start fix-cache --mode brownfield "Invalidate cached sessions on logout" --generate`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(runStart),
}

var generateCmd = &cobra.Command{
	Use:   "generate <feature>",
	Short: "Have the agent write the document for the current phase",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runGenerate),
}

var approveCmd = &cobra.Command{
	Use:   "approve <feature>",
	Short: "Approve the document under review",
	Long: `Approve the document under review and move to the next phase. Approving
the task list checks its format and fixes the number of tasks to implement.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runApprove),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <feature>",
	Short: "Reject the document under review and regenerate it",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runReject),
}

var validateCmd = &cobra.Command{
	Use:   "validate <feature>",
	Short: "Run the validation command on the implemented feature",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runValidate),
}

var prCmd = &cobra.Command{
	Use:   "pr <feature>",
	Short: "Create the pull request for a validated feature",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runPR),
}

var mergeCmd = &cobra.Command{
	Use:   "merge <feature>",
	Short: "Merge the feature's pull request and complete the flow",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runMerge),
}

func init() {
	startCmd.Flags().String("mode", "", "greenfield or brownfield (default from flow.default_mode)")
	startCmd.Flags().Bool("generate", false, "generate the requirements right away")
	rejectCmd.Flags().StringP("feedback", "m", "", "what to change in the next version")
	prCmd.Flags().Bool("push", false, "push the branch before creating the PR")
	prCmd.Flags().Bool("draft", false, "create the PR as a draft (default from pr.draft)")
	mergeCmd.Flags().Bool("skip", false, "complete the flow without merging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(prCmd)
	rootCmd.AddCommand(mergeCmd)
}

func runStart(cmd *cobra.Command, a *app, args []string) error {
	name := args[0]
	description := strings.TrimSpace(strings.Join(args[1:], " "))
	if description == "" {
		description = strings.ReplaceAll(name, "-", " ")
	}
	mode, _ := cmd.Flags().GetString("mode")

	st, err := a.orch.Start(cmd.Context(), name, description, mode)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)

	if generate, _ := cmd.Flags().GetBool("generate"); generate {
		return generateAndPrint(cmd, a, name)
	}
	return nil
}

func runGenerate(cmd *cobra.Command, a *app, args []string) error {
	return generateAndPrint(cmd, a, args[0])
}

func generateAndPrint(cmd *cobra.Command, a *app, name string) error {
	st, err := a.orch.Generate(cmd.Context(), name)
	if err != nil {
		if st.Phase.Kind == flow.PhaseError {
			printState(cmd.ErrOrStderr(), st)
		}
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func runApprove(cmd *cobra.Command, a *app, args []string) error {
	st, err := a.orch.Approve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func runReject(cmd *cobra.Command, a *app, args []string) error {
	feedback, _ := cmd.Flags().GetString("feedback")
	st, err := a.orch.Reject(cmd.Context(), args[0], feedback)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func runValidate(cmd *cobra.Command, a *app, args []string) error {
	st, err := a.orch.Validate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func runPR(cmd *cobra.Command, a *app, args []string) error {
	opts := orchestrator.PROptions{}
	opts.Push, _ = cmd.Flags().GetBool("push")
	if cmd.Flags().Changed("draft") {
		draft, _ := cmd.Flags().GetBool("draft")
		opts.Draft = &draft
	}

	st, err := a.orch.CreatePR(cmd.Context(), args[0], opts)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func runMerge(cmd *cobra.Command, a *app, args []string) error {
	skip, _ := cmd.Flags().GetBool("skip")
	st, err := a.orch.Merge(cmd.Context(), args[0], skip)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}
