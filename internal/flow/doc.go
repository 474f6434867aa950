// Package flow defines the phases, events and state of a feature flow and
// the state machine that moves a flow between phases.
//
// A flow runs in one of two modes. The mode is chosen by START and fixes the
// phase sequence for the rest of the flow:
//
//	greenfield: initializing → requirements → design → tasks → implementing → validation → pr → merge-decision → complete
//	brownfield: as greenfield, plus gap-analysis/gap-review after requirements
//	            and design-validation/design-validation-review after design
//
// Machine.Send is pure apart from notifying subscribers: it never touches
// the filesystem, and a rejected event returns the input state unchanged.
// Persisting the result is the caller's job (see package state).
package flow
