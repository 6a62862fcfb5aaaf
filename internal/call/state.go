// Package call implements the per-call session: a single goroutine owning
// the call's state machine, media resources, and event emission, driven
// through a mailbox of commands and signaling notifications.
package call

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a call lifecycle state. The zero value is not valid; new calls
// start in StateQueued.
type State string

const (
	StateQueued     State = "queued"
	StateRinging    State = "ringing"
	StateInProgress State = "in-progress"
	StateCanceled   State = "canceled"
	StateBusy       State = "busy"
	StateNotFound   State = "not-found"
	StateFailed     State = "failed"
	StateNoAnswer   State = "no-answer"
	StateCompleted  State = "completed"
)

// String returns the wire form of the state.
func (s State) String() string { return string(s) }

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCanceled, StateBusy, StateNotFound, StateFailed, StateNoAnswer, StateCompleted:
		return true
	}
	return false
}

// Transition events. Each names the cause, not the destination.
const (
	eventRing     = "ring"
	eventAnswer   = "answer"
	eventCancel   = "cancel"
	eventBusy     = "busy"
	eventNotFound = "notfound"
	eventNoAnswer = "noanswer"
	eventFail     = "fail"
	eventComplete = "complete"
)

// newStateMachine builds the call lifecycle machine. Every terminal state
// is a sink; cancel, busy, not-found and no-answer are only reachable
// before answer, while failure and completion can also follow it.
func newStateMachine(onEnter func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	early := []string{string(StateQueued), string(StateRinging)}
	return fsm.NewFSM(
		string(StateQueued),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateQueued)}, Dst: string(StateRinging)},
			{Name: eventAnswer, Src: early, Dst: string(StateInProgress)},
			{Name: eventCancel, Src: early, Dst: string(StateCanceled)},
			{Name: eventBusy, Src: early, Dst: string(StateBusy)},
			{Name: eventNotFound, Src: early, Dst: string(StateNotFound)},
			{Name: eventNoAnswer, Src: early, Dst: string(StateNoAnswer)},
			{Name: eventFail, Src: []string{string(StateQueued), string(StateRinging), string(StateInProgress)}, Dst: string(StateFailed)},
			{Name: eventComplete, Src: []string{string(StateQueued), string(StateRinging), string(StateInProgress)}, Dst: string(StateCompleted)},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}
