package flow

import (
	"log"
	"runtime/debug"
	"slices"
	"sync"
)

// Transition describes an accepted event. Listeners receive it after the
// new state has been computed.
type Transition struct {
	Feature string
	From    Phase
	To      Phase
	Event   Event
	State   State
}

// Listener observes accepted transitions.
type Listener func(Transition)

type subscription struct {
	id int
	fn Listener
}

// Machine applies events to flow states and notifies subscribers. The
// transition function is pure; Machine holds only the listener list and is
// safe for concurrent use.
type Machine struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
}

// NewMachine creates a state machine with no subscribers.
func NewMachine() *Machine {
	return &Machine{}
}

// Send applies ev to s. When the event is accepted it returns the next state
// and true, and notifies subscribers synchronously in registration order.
// A rejected event returns s unchanged and false.
func (m *Machine) Send(s State, ev Event) (State, bool) {
	to, ok := next(s, ev)
	if !ok {
		return s, false
	}

	out := s
	out.History = slices.Clone(s.History)
	if to.Kind != s.Phase.Kind {
		out.History = append(out.History, s.Phase)
	}
	out.Phase = to
	if ev.Type == EventStart {
		out.Mode = ev.Mode
	}
	if to.Kind == PhaseMergeDecision {
		out.Metadata.PRURL = to.PRURL
		out.Metadata.PRNumber = to.PRNumber
	}

	m.notify(Transition{
		Feature: s.Feature,
		From:    s.Phase,
		To:      to,
		Event:   ev,
		State:   out,
	})
	return out, true
}

// CanTransition reports whether Send would accept ev for s.
func (m *Machine) CanTransition(s State, ev Event) bool {
	_, ok := next(s, ev)
	return ok
}

// Subscribe registers fn for accepted transitions and returns a function
// that removes it. Calling the returned function more than once is harmless.
func (m *Machine) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(s subscription) bool { return s.id == id })
	}
}

func (m *Machine) notify(t Transition) {
	m.mu.RLock()
	subs := slices.Clone(m.subs)
	m.mu.RUnlock()

	for _, sub := range subs {
		safeCall(sub.fn, t)
	}
}

// safeCall invokes a listener and recovers from any panic so one listener
// cannot block delivery to the rest.
func safeCall(fn Listener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: flow listener panicked on %s -> %s: %v\n%s",
				t.From.Kind, t.To.Kind, r, debug.Stack())
		}
	}()
	fn(t)
}

// next is the transition function. It returns the phase s moves to on ev,
// or false when the event is not legal for s's phase and mode.
func next(s State, ev Event) (Phase, bool) {
	p := s.Phase
	if p.Kind.Terminal() {
		return Phase{}, false
	}

	if p.Kind == PhaseIdle {
		if ev.Type == EventStart && ev.Mode.Valid() {
			return Phase{Kind: PhaseInitializing, Feature: s.Feature}, true
		}
		if ev.Type == EventAbort {
			return Phase{Kind: PhaseAborted, Feature: s.Feature, Reason: ev.Reason}, true
		}
		return Phase{}, false
	}

	// A phase outside the flow's own sequence means the state is corrupt;
	// refuse everything rather than walk further from the legal path.
	if !inMode(s.Mode, p.Kind) {
		return Phase{}, false
	}

	to, ok := target(s.Mode, p, ev)
	if !ok || !inMode(s.Mode, to.Kind) {
		return Phase{}, false
	}
	to.Feature = s.Feature
	return to, true
}

func target(mode Mode, p Phase, ev Event) (Phase, bool) {
	switch ev.Type {
	case EventAbort:
		current := p.Current
		if p.Kind == PhasePaused || p.From == PhasePaused {
			current = p.PausedAt
		}
		return Phase{Kind: PhaseAborted, Reason: ev.Reason, Current: current, Total: p.Total}, true

	case EventError:
		if p.Kind == PhaseError {
			return Phase{}, false
		}
		to := p
		to.Kind = PhaseError
		to.Message = ev.Message
		to.From = p.Kind
		return to, true

	case EventResume:
		switch p.Kind {
		case PhasePaused:
			return Phase{Kind: PhaseImplementing, Current: p.PausedAt, Total: p.Total}, true
		case PhaseError:
			if p.From == "" || p.From == PhaseError {
				return Phase{}, false
			}
			to := p
			to.Kind = p.From
			to.From = ""
			to.Message = ""
			return to, true
		}
		return Phase{}, false

	case EventPhaseComplete, EventPhaseCompleteWithData:
		if !p.Kind.Generating() {
			return Phase{}, false
		}
		k, ok := successor(mode, p.Kind)
		return Phase{Kind: k}, ok

	case EventApprove:
		if !p.Kind.Gate() {
			return Phase{}, false
		}
		k, ok := successor(mode, p.Kind)
		if !ok {
			return Phase{}, false
		}
		if k == PhaseImplementing {
			switch {
			case ev.Total < 0:
				return Phase{}, false
			case ev.Total == 0:
				return Phase{Kind: PhaseValidation}, true
			}
			return Phase{Kind: PhaseImplementing, Current: 0, Total: ev.Total}, true
		}
		return Phase{Kind: k}, true

	case EventReject:
		k, ok := rejectTargets[p.Kind]
		return Phase{Kind: k}, ok

	case EventTaskComplete:
		if p.Kind != PhaseImplementing || p.Current >= p.Total {
			return Phase{}, false
		}
		if p.Current+1 == p.Total {
			return Phase{Kind: PhaseValidation}, true
		}
		return Phase{Kind: PhaseImplementing, Current: p.Current + 1, Total: p.Total}, true

	case EventPause:
		if p.Kind != PhaseImplementing {
			return Phase{}, false
		}
		return Phase{Kind: PhasePaused, PausedAt: p.Current, Total: p.Total}, true

	case EventPRCreated:
		if p.Kind != PhasePR || ev.PRURL == "" {
			return Phase{}, false
		}
		return Phase{Kind: PhaseMergeDecision, PRURL: ev.PRURL, PRNumber: ev.PRNumber}, true

	case EventMerge, EventSkipMerge:
		if p.Kind != PhaseMergeDecision {
			return Phase{}, false
		}
		return Phase{Kind: PhaseComplete, PRURL: p.PRURL, PRNumber: p.PRNumber}, true
	}
	return Phase{}, false
}
