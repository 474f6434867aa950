package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/orchestrator"
	"github.com/Iron-Ham/specflow/internal/styles"
)

// nextStep suggests the command that moves st forward.
func nextStep(st flow.State) string {
	name := st.Feature
	k := st.Phase.Kind
	switch {
	case k == flow.PhaseInitializing || (k.Generating() && k != flow.PhaseValidation):
		return fmt.Sprintf("specflow generate %s", name)
	case k.Gate():
		return fmt.Sprintf("review %s.md, then `specflow approve %s` or `specflow reject %s --feedback \"...\"`",
			k.Artifact(), name, name)
	}
	switch k {
	case flow.PhaseImplementing, flow.PhasePaused:
		return fmt.Sprintf("specflow implement %s", name)
	case flow.PhaseValidation:
		return fmt.Sprintf("specflow validate %s", name)
	case flow.PhasePR:
		return fmt.Sprintf("specflow pr %s --push", name)
	case flow.PhaseMergeDecision:
		return fmt.Sprintf("specflow merge %s (or --skip to leave the PR open)", name)
	case flow.PhaseError:
		return fmt.Sprintf("fix the cause, then `specflow resume %s`", name)
	}
	return ""
}

// printState writes a short summary after a command changed a flow.
func printState(w io.Writer, st flow.State) {
	fmt.Fprintf(w, "%s %s %s\n", styles.PhaseIcon(st.Phase.Kind), styles.Title.Render(st.Feature), styles.Phase(st.Phase))
	if step := nextStep(st); step != "" {
		fmt.Fprintln(w, styles.Hint.Render("Next: "+step))
	}
}

func field(label, value string) string {
	return styles.Label.Render(label) + " " + value
}

// renderStatus formats the full status of one flow.
func renderStatus(s orchestrator.Status) string {
	st := s.State
	lines := []string{
		styles.Title.Render(st.Feature),
		field("Phase", styles.Phase(st.Phase)),
		field("Mode", string(st.Mode)),
	}
	if st.Metadata.Description != "" {
		lines = append(lines, field("Feature", styles.Truncate(firstLine(st.Metadata.Description), 60)))
	}
	if total := taskTotal(st); total > 0 {
		lines = append(lines, field("Tasks", styles.Progress(st.CompletedTasks(), total, 20)))
	}
	if len(st.Metadata.SkippedTasks) > 0 {
		lines = append(lines, field("Skipped", fmt.Sprint(st.Metadata.SkippedTasks)))
	}
	worktree := s.Worktree.Path
	if worktree == "" {
		worktree = st.Metadata.WorktreePath
	}
	if worktree != "" && !s.Worktree.Exists {
		worktree += styles.Warning.Render(" (missing)")
	}
	lines = append(lines,
		field("Worktree", worktree),
		field("Branch", st.Metadata.Branch),
	)
	if st.Metadata.PRURL != "" {
		lines = append(lines, field("PR", st.Metadata.PRURL))
	}
	if s.Lock != nil {
		lines = append(lines, field("Running", fmt.Sprintf("PID %d on %s since %s",
			s.Lock.PID, s.Lock.Hostname, s.Lock.StartedAt.Format(time.Kitchen))))
	}
	lines = append(lines, field("Updated", st.UpdatedAt.Local().Format("2006-01-02 15:04:05")))

	out := styles.Box.Render(strings.Join(lines, "\n"))
	if step := nextStep(st); step != "" {
		out += "\n" + styles.Hint.Render("Next: "+step)
	}
	return out
}

// taskTotal is the size of the approved task list, if any.
func taskTotal(st flow.State) int {
	if st.Phase.Total > 0 {
		return st.Phase.Total
	}
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].Total > 0 {
			return st.History[i].Total
		}
	}
	return 0
}

// renderList formats flows as a table.
func renderList(flows []flow.State) string {
	if len(flows) == 0 {
		return styles.Muted.Render("No flows. Start one with `specflow start <feature> <description>`.")
	}

	nameWidth := len("FEATURE")
	for _, st := range flows {
		nameWidth = max(nameWidth, lipgloss.Width(st.Feature))
	}
	col := func(s string, width int) string {
		return lipgloss.NewStyle().Width(width).Render(s)
	}

	rows := []string{styles.Header.Render(
		col("FEATURE", nameWidth+2) + col("MODE", 12) + col("PHASE", 34) + "UPDATED")}
	for _, st := range flows {
		rows = append(rows,
			col(st.Feature, nameWidth+2)+
				col(string(st.Mode), 12)+
				col(styles.Truncate(styles.PhaseIcon(st.Phase.Kind)+" "+styles.Phase(st.Phase), 33), 34)+
				styles.Muted.Render(st.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return strings.Join(rows, "\n")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
