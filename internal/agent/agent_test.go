package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/task"
	"github.com/Iron-Ham/specflow/internal/testutil"
)

func newTestCLI(exec *testutil.FakeExecutor) *CLI {
	return NewCLI(config.AgentConfig{Command: "agent", Args: []string{"--print"}}, exec, nil)
}

func TestGenerate(t *testing.T) {
	exec := testutil.NewFakeExecutor().On("agent --print", "# Requirements\n\n- users sign in\n", nil)
	a := newTestCLI(exec)

	out, err := a.Generate(context.Background(), GenerateRequest{
		Feature:     "add-auth",
		Description: "Add authentication",
		Mode:        "greenfield",
		Artifact:    "requirements",
		Dir:         "/wt/add-auth",
		SpecDir:     "/wt/add-auth/.specflow/specs/add-auth",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasPrefix(out.Content, "# Requirements") {
		t.Errorf("Content = %q", out.Content)
	}

	calls := exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Dir != "/wt/add-auth" {
		t.Errorf("agent ran in %q", calls[0].Dir)
	}
	prompt := calls[0].Args[len(calls[0].Args)-1]
	for _, want := range []string{`"add-auth"`, "greenfield", "Add authentication", "requirements document"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "rejected") {
		t.Error("first generation should not mention a rejection")
	}
}

func TestGeneratePromptVariants(t *testing.T) {
	exec := testutil.NewFakeExecutor().On("agent", "content", nil)
	a := newTestCLI(exec)

	if _, err := a.Generate(context.Background(), GenerateRequest{Artifact: "tasks", Revision: true, Feedback: "split task 2"}); err != nil {
		t.Fatal(err)
	}
	prompt := exec.Calls()[0].Args[1]
	if !strings.Contains(prompt, "## Task <N>: <Title>") {
		t.Errorf("tasks prompt should describe the task format:\n%s", prompt)
	}
	if !strings.Contains(prompt, "rejected") || !strings.Contains(prompt, "split task 2") {
		t.Errorf("revision prompt should carry the rejection feedback:\n%s", prompt)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		check  func(error) bool
	}{
		{"empty output", "  \n", nil, func(err error) bool { return err != nil }},
		{"tool missing", "", errors.NewToolNotFoundError("agent", "install it"), func(err error) bool {
			return errors.Is(err, errors.ErrToolNotFound)
		}},
		{"timeout", "", errors.NewTimeoutError("agent", time.Minute), func(err error) bool {
			return errors.IsRetryable(err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := testutil.NewFakeExecutor().On("agent", tt.output, tt.err)
			_, err := newTestCLI(exec).Generate(context.Background(), GenerateRequest{Artifact: "design"})
			if !tt.check(err) {
				t.Errorf("Generate() error = %v", err)
			}
		})
	}
}

func TestExecuteTask(t *testing.T) {
	exec := testutil.NewFakeExecutor()
	a := newTestCLI(exec)

	req := TaskRequest{
		Feature: "add-auth",
		Dir:     "/wt",
		SpecDir: "/wt/specs",
		Task:    task.Task{ID: 2, Title: "Login handler", Description: "- [ ] POST /login"},
		Total:   5,
		Attempt: 2,
	}
	if _, err := a.ExecuteTask(context.Background(), req); err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	prompt := exec.Calls()[0].Args[1]
	for _, want := range []string{"task 2 of 5: Login handler", "POST /login", "attempt 2", "Do not commit"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestExecuteTaskFailureWrapsTaskID(t *testing.T) {
	exec := testutil.NewFakeExecutor().On("agent", "boom", errors.New("exit status 1"))
	_, err := newTestCLI(exec).ExecuteTask(context.Background(), TaskRequest{Task: task.Task{ID: 4}})
	if err == nil || !strings.Contains(err.Error(), "task 4") {
		t.Errorf("ExecuteTask() error = %v", err)
	}
}

func TestNewCLIDefaults(t *testing.T) {
	a := NewCLI(config.AgentConfig{TimeoutMinutes: 2}, testutil.NewFakeExecutor(), nil)
	if a.command != "claude" {
		t.Errorf("command = %q", a.command)
	}
	if a.timeout != 2*time.Minute {
		t.Errorf("timeout = %v", a.timeout)
	}
}
