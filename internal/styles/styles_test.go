package styles

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/specflow/internal/flow"
)

func TestPhaseColor(t *testing.T) {
	tests := []struct {
		kind     flow.PhaseKind
		expected string
	}{
		{flow.PhaseRequirementsGenerating, "#60A5FA"},
		{flow.PhaseDesignApproval, "#F59E0B"},
		{flow.PhaseGapReview, "#F59E0B"},
		{flow.PhaseMergeDecision, "#F59E0B"},
		{flow.PhaseImplementing, "#10B981"},
		{flow.PhasePaused, "#9CA3AF"},
		{flow.PhaseComplete, "#A78BFA"},
		{flow.PhaseAborted, "#F87171"},
		{flow.PhaseError, "#F87171"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := PhaseColor(tt.kind); string(got) != tt.expected {
				t.Errorf("PhaseColor(%q) = %q, want %q", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestPhaseIcon(t *testing.T) {
	tests := []struct {
		kind     flow.PhaseKind
		expected string
	}{
		{flow.PhaseComplete, "✓"},
		{flow.PhaseError, "✗"},
		{flow.PhaseAborted, "■"},
		{flow.PhasePaused, "⏸"},
		{flow.PhaseTasksApproval, "?"},
		{flow.PhaseIdle, "○"},
		{flow.PhaseTasksGenerating, "●"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := PhaseIcon(tt.kind); got != tt.expected {
				t.Errorf("PhaseIcon(%q) = %q, want %q", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestPhaseRendersPayload(t *testing.T) {
	got := Phase(flow.Phase{Kind: flow.PhaseImplementing, Current: 2, Total: 5})
	if !strings.Contains(got, "implementing (2/5)") {
		t.Errorf("Phase() = %q", got)
	}
}

func TestProgress(t *testing.T) {
	if got := Progress(1, 0, 10); got != "" {
		t.Errorf("Progress with no tasks = %q, want empty", got)
	}
	got := Progress(3, 4, 8)
	if !strings.Contains(got, "######") || !strings.Contains(got, "3/4") {
		t.Errorf("Progress(3, 4, 8) = %q", got)
	}
	if over := Progress(9, 4, 8); strings.Contains(over, "-") {
		t.Errorf("Progress beyond total should be full, got %q", over)
	}
}
