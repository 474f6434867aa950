package pr

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/specflow/internal/task"
)

// Artifact file names inside a feature's spec directory.
const (
	RequirementsFile = "requirements.md"
	DesignFile       = "design.md"
	TasksFile        = task.FileName
)

// maxSectionLines bounds how much of an artifact is quoted in the body; the
// footer links to the full document.
const maxSectionLines = 60

// BodyData is the input to the PR body template.
type BodyData struct {
	Feature          string
	Summary          string
	Design           string
	Tasks            string
	RequirementsLink string
	DesignLink       string
	TasksLink        string
	Closes           string
}

var bodyTemplate = template.Must(template.New("pr-body").Parse(`## Summary

{{.Summary}}

## Design

{{.Design}}

## Tasks

{{.Tasks}}
{{- if .Closes}}

{{.Closes}}
{{- end}}

---

Spec documents for ` + "`{{.Feature}}`" + `:
- [Requirements]({{.RequirementsLink}})
- [Design]({{.DesignLink}})
- [Tasks]({{.TasksLink}})
`))

// GenerateBody assembles the PR body from the requirements, design and task
// artifacts in specDir. linkDir is the repository-relative path of specDir,
// used for the footer links. A missing artifact is replaced by a note
// saying so; nothing is invented in its place. Each issue gets a closing
// clause.
func GenerateBody(specDir, linkDir, feature string, issues ...string) (string, error) {
	data := BodyData{
		Feature:          feature,
		Summary:          section(filepath.Join(specDir, RequirementsFile), "requirements"),
		Design:           section(filepath.Join(specDir, DesignFile), "design"),
		Tasks:            taskSection(filepath.Join(specDir, TasksFile)),
		RequirementsLink: path.Join(filepath.ToSlash(linkDir), RequirementsFile),
		DesignLink:       path.Join(filepath.ToSlash(linkDir), DesignFile),
		TasksLink:        path.Join(filepath.ToSlash(linkDir), TasksFile),
		Closes:           FormatClosesClause(issues),
	}
	return renderBody(data)
}

func renderBody(data BodyData) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render PR body: %w", err)
	}
	return buf.String(), nil
}

func placeholder(kind string) string {
	return fmt.Sprintf("_No %s document was found for this feature._", kind)
}

// section returns the artifact content without its top-level title,
// truncated to maxSectionLines.
func section(file, kind string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return placeholder(kind)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "# ") {
		lines = lines[1:]
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		return placeholder(kind)
	}

	lines = strings.Split(text, "\n")
	if len(lines) > maxSectionLines {
		lines = append(lines[:maxSectionLines], "", fmt.Sprintf("_Truncated; see the full %s document below._", kind))
	}
	return strings.Join(lines, "\n")
}

// taskSection renders the task list as a checklist.
func taskSection(file string) string {
	tasks, err := task.Parse(file)
	if err != nil {
		if _, statErr := os.Stat(file); statErr != nil {
			return placeholder("tasks")
		}
		// Unparseable lists are quoted as-is rather than dropped.
		return section(file, "tasks")
	}
	if len(tasks) == 0 {
		return "_The task list is empty._"
	}

	var sb strings.Builder
	for i, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- [%s] Task %d: %s", mark, t.ID, t.Title)
	}
	return sb.String()
}

// closingPattern matches a GitHub closing keyword followed by an issue number.
var closingPattern = regexp.MustCompile(`(?i)\b(?:fix|fixes|fixed|close|closes|closed|resolve|resolves|resolved)\s*#(\d+)`)

// ExtractIssueReference returns the first issue the text says it closes,
// e.g. "fixes #123" or "(closes #7)". A bare "#123" only mentions an issue
// and is ignored, since the PR would close it on merge.
func ExtractIssueReference(text string) string {
	if m := closingPattern.FindStringSubmatch(text); m != nil {
		return "#" + m[1]
	}
	return ""
}

// FormatClosesClause formats issue references for PR body
func FormatClosesClause(issues []string) string {
	if len(issues) == 0 {
		return ""
	}

	var clauses []string
	for _, issue := range issues {
		if !strings.HasPrefix(issue, "#") {
			issue = "#" + issue
		}
		clauses = append(clauses, "Closes "+issue)
	}

	return strings.Join(clauses, "\n")
}

// ResolveReviewers determines reviewers based on changed files and config.
// The result is sorted and free of duplicates.
func ResolveReviewers(changedFiles []string, defaultReviewers []string, byPath map[string][]string) []string {
	reviewerSet := make(map[string]bool)

	for _, r := range defaultReviewers {
		reviewerSet[normalizeReviewer(r)] = true
	}

	for pattern, reviewers := range byPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}

		for _, file := range changedFiles {
			if g.Match(file) {
				for _, r := range reviewers {
					reviewerSet[normalizeReviewer(r)] = true
				}
				break
			}
		}
	}

	result := make([]string, 0, len(reviewerSet))
	for r := range reviewerSet {
		if r != "" {
			result = append(result, r)
		}
	}
	sort.Strings(result)
	return result
}

// normalizeReviewer removes @ prefix from reviewer handles
func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}
