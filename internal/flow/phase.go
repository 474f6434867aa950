package flow

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// Mode fixes which phase sequence governs a flow.
type Mode string

const (
	// Greenfield builds a feature from scratch.
	Greenfield Mode = "greenfield"
	// Brownfield adds gap analysis and design validation against existing code.
	Brownfield Mode = "brownfield"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == Greenfield || m == Brownfield
}

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", errors.NewValidationError(
			fmt.Sprintf("unknown mode, expected %q or %q", Greenfield, Brownfield)).
			WithField("mode").
			WithValue(s)
	}
	return m, nil
}

// PhaseKind names a flow phase.
type PhaseKind string

const (
	PhaseIdle                   PhaseKind = "idle"
	PhaseInitializing           PhaseKind = "initializing"
	PhaseRequirementsGenerating PhaseKind = "requirements-generating"
	PhaseRequirementsApproval   PhaseKind = "requirements-approval"
	PhaseGapAnalysis            PhaseKind = "gap-analysis"
	PhaseGapReview              PhaseKind = "gap-review"
	PhaseDesignGenerating       PhaseKind = "design-generating"
	PhaseDesignApproval         PhaseKind = "design-approval"
	PhaseDesignValidation       PhaseKind = "design-validation"
	PhaseDesignValidationReview PhaseKind = "design-validation-review"
	PhaseTasksGenerating        PhaseKind = "tasks-generating"
	PhaseTasksApproval          PhaseKind = "tasks-approval"
	PhaseImplementing           PhaseKind = "implementing"
	PhasePaused                 PhaseKind = "paused"
	PhaseValidation             PhaseKind = "validation"
	PhasePR                     PhaseKind = "pr"
	PhaseMergeDecision          PhaseKind = "merge-decision"
	PhaseComplete               PhaseKind = "complete"
	PhaseAborted                PhaseKind = "aborted"
	PhaseError                  PhaseKind = "error"
)

// GreenfieldPhases is the only legal phase order for greenfield flows.
var GreenfieldPhases = []PhaseKind{
	PhaseInitializing,
	PhaseRequirementsGenerating,
	PhaseRequirementsApproval,
	PhaseDesignGenerating,
	PhaseDesignApproval,
	PhaseTasksGenerating,
	PhaseTasksApproval,
	PhaseImplementing,
	PhaseValidation,
	PhasePR,
	PhaseMergeDecision,
	PhaseComplete,
}

// BrownfieldPhases is the only legal phase order for brownfield flows.
var BrownfieldPhases = []PhaseKind{
	PhaseInitializing,
	PhaseRequirementsGenerating,
	PhaseRequirementsApproval,
	PhaseGapAnalysis,
	PhaseGapReview,
	PhaseDesignGenerating,
	PhaseDesignApproval,
	PhaseDesignValidation,
	PhaseDesignValidationReview,
	PhaseTasksGenerating,
	PhaseTasksApproval,
	PhaseImplementing,
	PhaseValidation,
	PhasePR,
	PhaseMergeDecision,
	PhaseComplete,
}

// AllPhases lists every phase kind, in declaration order.
var AllPhases = []PhaseKind{
	PhaseIdle,
	PhaseInitializing,
	PhaseRequirementsGenerating,
	PhaseRequirementsApproval,
	PhaseGapAnalysis,
	PhaseGapReview,
	PhaseDesignGenerating,
	PhaseDesignApproval,
	PhaseDesignValidation,
	PhaseDesignValidationReview,
	PhaseTasksGenerating,
	PhaseTasksApproval,
	PhaseImplementing,
	PhasePaused,
	PhaseValidation,
	PhasePR,
	PhaseMergeDecision,
	PhaseComplete,
	PhaseAborted,
	PhaseError,
}

// Sequence returns the phase order for mode, or nil for an unknown mode.
func Sequence(mode Mode) []PhaseKind {
	switch mode {
	case Greenfield:
		return GreenfieldPhases
	case Brownfield:
		return BrownfieldPhases
	}
	return nil
}

// BrownfieldOnly reports whether k exists only in the brownfield sequence.
func BrownfieldOnly(k PhaseKind) bool {
	switch k {
	case PhaseGapAnalysis, PhaseGapReview, PhaseDesignValidation, PhaseDesignValidationReview:
		return true
	}
	return false
}

// Terminal reports whether no further events are accepted in k.
func (k PhaseKind) Terminal() bool {
	return k == PhaseComplete || k == PhaseAborted
}

// Generating reports whether k waits on produced content (agent output or
// a validation run) and completes with PHASE_COMPLETE.
func (k PhaseKind) Generating() bool {
	switch k {
	case PhaseInitializing, PhaseRequirementsGenerating, PhaseGapAnalysis,
		PhaseDesignGenerating, PhaseDesignValidation, PhaseTasksGenerating,
		PhaseValidation:
		return true
	}
	return false
}

// Gate reports whether k waits on a human APPROVE or REJECT.
func (k PhaseKind) Gate() bool {
	_, ok := rejectTargets[k]
	return ok
}

// RejectTarget returns the generating phase a rejection at k goes back to.
func (k PhaseKind) RejectTarget() (PhaseKind, bool) {
	t, ok := rejectTargets[k]
	return t, ok
}

// Artifact returns the artifact base name produced by a generating phase.
func (k PhaseKind) Artifact() string {
	switch k {
	case PhaseRequirementsGenerating, PhaseRequirementsApproval:
		return "requirements"
	case PhaseGapAnalysis, PhaseGapReview:
		return "gap-analysis"
	case PhaseDesignGenerating, PhaseDesignApproval:
		return "design"
	case PhaseDesignValidation, PhaseDesignValidationReview:
		return "design-validation"
	case PhaseTasksGenerating, PhaseTasksApproval:
		return "tasks"
	}
	return ""
}

// rejectTargets maps each human gate to the phase a rejection regenerates.
var rejectTargets = map[PhaseKind]PhaseKind{
	PhaseRequirementsApproval:   PhaseRequirementsGenerating,
	PhaseGapReview:              PhaseRequirementsGenerating,
	PhaseDesignApproval:         PhaseDesignGenerating,
	PhaseDesignValidationReview: PhaseDesignGenerating,
	PhaseTasksApproval:          PhaseTasksGenerating,
}

// inMode reports whether k may appear in a flow of the given mode. Paused,
// aborted and error sit outside the linear sequence but are legal in both.
func inMode(mode Mode, k PhaseKind) bool {
	switch k {
	case PhasePaused, PhaseAborted, PhaseError:
		return mode.Valid()
	}
	return slices.Contains(Sequence(mode), k)
}

// successor returns the phase after k in mode's sequence.
func successor(mode Mode, k PhaseKind) (PhaseKind, bool) {
	seq := Sequence(mode)
	i := slices.Index(seq, k)
	if i < 0 || i+1 >= len(seq) {
		return "", false
	}
	return seq[i+1], true
}

// Phase is the current position of a flow. Kind selects the variant; the
// remaining fields are the variant's payload and are zero when unused:
//
//	implementing:   Current, Total
//	paused:         PausedAt, Total
//	merge-decision: PRURL, PRNumber
//	aborted:        Reason (Current, Total frozen from the phase aborted)
//	error:          Message, From (payload of From retained for RESUME)
type Phase struct {
	Kind     PhaseKind `json:"kind"`
	Feature  string    `json:"feature"`
	Current  int       `json:"currentTask,omitempty"`
	Total    int       `json:"totalTasks,omitempty"`
	PausedAt int       `json:"pausedAt,omitempty"`
	PRURL    string    `json:"prUrl,omitempty"`
	PRNumber int       `json:"prNumber,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message,omitempty"`
	From     PhaseKind `json:"from,omitempty"`
}

// String renders the phase with its payload, e.g. "implementing (2/5)".
func (p Phase) String() string {
	switch p.Kind {
	case PhaseImplementing:
		return fmt.Sprintf("%s (%d/%d)", p.Kind, p.Current, p.Total)
	case PhasePaused:
		return fmt.Sprintf("%s at %d/%d", p.Kind, p.PausedAt, p.Total)
	case PhaseMergeDecision:
		return fmt.Sprintf("%s %s", p.Kind, p.PRURL)
	case PhaseAborted:
		if p.Reason != "" {
			return fmt.Sprintf("%s: %s", p.Kind, p.Reason)
		}
	case PhaseError:
		return fmt.Sprintf("%s in %s: %s", p.Kind, p.From, p.Message)
	}
	return string(p.Kind)
}
