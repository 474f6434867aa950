package flow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// State is the persisted record of one feature's flow.
type State struct {
	Feature  string   `json:"feature"`
	RunID    string   `json:"runId"`
	Mode     Mode     `json:"mode,omitempty"`
	Phase    Phase    `json:"phase"`
	History  []Phase  `json:"history"`
	Metadata Metadata `json:"metadata"`

	// Revision increases by one on every save. A state whose revision is
	// older than the stored one is rejected by the store.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata holds facts about a flow gathered along the way.
type Metadata struct {
	Description  string `json:"description,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	Branch       string `json:"branch,omitempty"`
	SpecDir      string `json:"specDir,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	PRNumber     int    `json:"prNumber,omitempty"`
	Tier         string `json:"tier,omitempty"`
	// SkippedTasks are task ids accounted without a commit.
	SkippedTasks []int `json:"skippedTasks,omitempty"`
}

// New returns an idle flow for feature with a fresh run id.
func New(feature, description string) State {
	return State{
		Feature:  feature,
		RunID:    uuid.NewString(),
		Phase:    Phase{Kind: PhaseIdle, Feature: feature},
		History:  []Phase{},
		Metadata: Metadata{Description: description},
	}
}

// Terminal reports whether the flow has finished.
func (s State) Terminal() bool {
	return s.Phase.Kind.Terminal()
}

// Live reports whether the flow occupies its feature: started and not terminal.
func (s State) Live() bool {
	return s.Phase.Kind != PhaseIdle && !s.Terminal()
}

// CompletedTasks returns the number of tasks accounted so far in the
// current or most recent implementation run.
func (s State) CompletedTasks() int {
	switch p := s.Phase; {
	case p.Kind == PhasePaused, p.Kind == PhaseError && p.From == PhasePaused:
		return p.PausedAt
	case p.Kind == PhaseImplementing, p.Kind == PhaseError && p.From == PhaseImplementing,
		p.Kind == PhaseAborted && p.Total > 0:
		return p.Current
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Kind == PhaseImplementing {
			return s.History[i].Total
		}
	}
	return 0
}

// Validate checks that s is a state the machine could have produced.
// A failure wraps ErrStateCorrupted.
func Validate(s State) error {
	corrupt := func(format string, args ...any) error {
		return errors.NewFlowError(fmt.Sprintf(format, args...), errors.ErrStateCorrupted).
			WithFeature(s.Feature).
			WithPhase(string(s.Phase.Kind)).
			WithMode(string(s.Mode))
	}

	if s.Feature == "" {
		return corrupt("missing feature")
	}
	if !slices.Contains(AllPhases, s.Phase.Kind) {
		return corrupt("unknown phase %q", s.Phase.Kind)
	}
	if s.Phase.Kind == PhaseIdle {
		return nil
	}
	if !s.Mode.Valid() {
		return corrupt("unknown mode %q", s.Mode)
	}
	if !inMode(s.Mode, s.Phase.Kind) {
		return corrupt("phase %s is not part of the %s sequence", s.Phase.Kind, s.Mode)
	}

	p := s.Phase
	switch p.Kind {
	case PhaseImplementing:
		if p.Current < 0 || p.Total < 1 || p.Current > p.Total {
			return corrupt("task counter %d/%d out of range", p.Current, p.Total)
		}
	case PhasePaused:
		if p.PausedAt < 0 || p.PausedAt > p.Total {
			return corrupt("paused at %d of %d", p.PausedAt, p.Total)
		}
	case PhaseError:
		if p.From == PhaseError || p.From == PhaseIdle || p.From.Terminal() || !inMode(s.Mode, p.From) {
			return corrupt("error phase recorded from %q", p.From)
		}
	}
	return nil
}
