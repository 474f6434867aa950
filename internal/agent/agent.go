// Package agent is the boundary to the external code-generation agent.
//
// The orchestrator asks the agent for two things: the content of a
// generated artifact (requirements, design, task list and the brownfield
// analyses) and the implementation of a single task inside the feature
// worktree. How the agent does either is opaque; a CLI implementation that
// passes a rendered prompt to a configured command is provided.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Iron-Ham/specflow/internal/command"
	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/logging"
	"github.com/Iron-Ham/specflow/internal/task"
)

// Agent produces phase content and executes tasks.
type Agent interface {
	// Generate returns the content of the requested artifact.
	Generate(ctx context.Context, req GenerateRequest) (Output, error)
	// ExecuteTask implements one task by editing files in req.Dir.
	ExecuteTask(ctx context.Context, req TaskRequest) (Output, error)
}

// GenerateRequest asks for one artifact of a feature.
type GenerateRequest struct {
	Feature     string
	Description string
	Mode        string
	// Artifact names the document to produce, e.g. "requirements".
	Artifact string
	// Dir is the feature worktree the agent runs in.
	Dir string
	// SpecDir holds artifacts produced by earlier phases.
	SpecDir string
	// Revision is true when a previous version was rejected.
	Revision bool
	// Feedback is the reviewer's note on the rejected version, if any.
	Feedback string
}

// TaskRequest asks the agent to implement one task.
type TaskRequest struct {
	Feature string
	Dir     string
	SpecDir string
	Task    task.Task
	Total   int
	// Attempt is 1-based; values above 1 mean an earlier attempt failed.
	Attempt int
}

// Output is what the agent returned.
type Output struct {
	Content  string
	Duration time.Duration
}

var generatePrompt = template.Must(template.New("generate").Parse(`You are working on the feature "{{.Feature}}" ({{.Mode}} mode).

Feature description:
{{.Description}}

Write the {{.Artifact}} document for this feature as Markdown.
Earlier documents for this feature are in {{.SpecDir}}; read them first.
{{- if .Revision}}
A previous version of this document was rejected. Produce a revised version.
{{- with .Feedback}}
Reviewer feedback:
{{.}}
{{- end}}
{{- end}}
{{- if eq .Artifact "tasks"}}
Format every task as a "## Task <N>: <Title>" heading, numbered from 1 without gaps,
followed by a description and a "- [ ]" checklist of acceptance criteria.
{{- end}}
Print only the document.
`))

var taskPrompt = template.Must(template.New("task").Parse(`You are implementing the feature "{{.Feature}}".
The requirements, design and task list are in {{.SpecDir}}.

Implement task {{.Task.ID}} of {{.Total}}: {{.Task.Title}}
{{- with .Task.Description}}

{{.}}
{{- end}}
{{- if gt .Attempt 1}}

This is attempt {{.Attempt}}; a previous attempt failed. Check the working tree before continuing.
{{- end}}

Only work on this task. Do not commit; changes are committed for you.
`))

// CLI runs the agent as a subprocess with the prompt as its last argument.
type CLI struct {
	command  string
	args     []string
	timeout  time.Duration
	executor command.Executor
	logger   *logging.Logger
}

// NewCLI creates a CLI agent from configuration.
func NewCLI(cfg config.AgentConfig, executor command.Executor, logger *logging.Logger) *CLI {
	if logger == nil {
		logger = logging.NopLogger()
	}
	cmd := cfg.Command
	if cmd == "" {
		cmd = "claude"
	}
	return &CLI{
		command:  cmd,
		args:     append([]string(nil), cfg.Args...),
		timeout:  cfg.AgentTimeout(),
		executor: executor,
		logger:   logger,
	}
}

// Generate renders the generation prompt and returns the agent's output.
func (c *CLI) Generate(ctx context.Context, req GenerateRequest) (Output, error) {
	prompt, err := render(generatePrompt, req)
	if err != nil {
		return Output{}, err
	}
	out, err := c.run(ctx, req.Dir, prompt)
	if err != nil {
		return out, errors.Wrapf(err, "agent failed to generate %s", req.Artifact)
	}
	if strings.TrimSpace(out.Content) == "" {
		return out, fmt.Errorf("agent returned an empty %s document", req.Artifact)
	}
	return out, nil
}

// ExecuteTask renders the task prompt and runs the agent in the worktree.
func (c *CLI) ExecuteTask(ctx context.Context, req TaskRequest) (Output, error) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	prompt, err := render(taskPrompt, req)
	if err != nil {
		return Output{}, err
	}
	out, err := c.run(ctx, req.Dir, prompt)
	if err != nil {
		return out, errors.Wrapf(err, "agent failed on task %d", req.Task.ID)
	}
	return out, nil
}

func (c *CLI) run(ctx context.Context, dir, prompt string) (Output, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.args...), prompt)
	start := time.Now()
	raw, err := c.executor.Run(ctx, dir, c.command, args...)
	out := Output{Content: string(raw), Duration: time.Since(start)}

	if err != nil {
		c.logger.Warn("agent call failed", "command", c.command, "duration_ms", out.Duration.Milliseconds(), "error", err)
		return out, err
	}
	c.logger.Debug("agent call finished", "command", c.command, "duration_ms", out.Duration.Milliseconds(), "bytes", len(raw))
	return out, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
