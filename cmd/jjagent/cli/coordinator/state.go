package coordinator

import "fmt"

// State is a stage of one edit cycle as seen by a single hook process.
type State string

const (
	StateReady          State = "ready"
	StateLockHeld       State = "lock_held"
	StateEphemeralOpen  State = "ephemeral_open"
	StateMergeAttempted State = "merge_attempted"
	StateCommitted      State = "committed"
	StateRolledBack     State = "rolled_back"
)

// Event is something that happened during a cycle.
type Event int

const (
	EventLockAcquired        Event = iota // Working-copy lock is held
	EventEphemeralCreated                 // Precommit created, reused or found
	EventMergeAttempted                   // Precommit squashed into the session commit
	EventMergeClean                       // No new conflicts after the squash
	EventConflictsIntroduced              // Squash conflicted; rolled back into a new part
	EventCycleFinished                    // Lock released, nothing left to do
	EventFailed                           // An operation failed; lock released
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case EventLockAcquired:
		return "LockAcquired"
	case EventEphemeralCreated:
		return "EphemeralCreated"
	case EventMergeAttempted:
		return "MergeAttempted"
	case EventMergeClean:
		return "MergeClean"
	case EventConflictsIntroduced:
		return "ConflictsIntroduced"
	case EventCycleFinished:
		return "CycleFinished"
	case EventFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// TransitionError reports an event that is not valid in the current
// state. It always indicates a bug in the coordinator.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid cycle transition: %s in state %s", e.Event, e.From)
}

// Transition computes the next state for event. It is a pure function.
//
//	ready --LockAcquired--> lock_held --EphemeralCreated--> ephemeral_open
//	ephemeral_open --MergeAttempted--> merge_attempted
//	merge_attempted --MergeClean--> committed
//	merge_attempted --ConflictsIntroduced--> rolled_back
//	{lock_held, ephemeral_open, committed, rolled_back} --CycleFinished--> ready
//	any --Failed--> ready
func Transition(current State, event Event) (State, error) {
	if event == EventFailed {
		return StateReady, nil
	}

	switch current {
	case StateReady:
		if event == EventLockAcquired {
			return StateLockHeld, nil
		}
	case StateLockHeld:
		switch event {
		case EventEphemeralCreated:
			return StateEphemeralOpen, nil
		case EventCycleFinished:
			return StateReady, nil
		}
	case StateEphemeralOpen:
		switch event {
		case EventMergeAttempted:
			return StateMergeAttempted, nil
		case EventCycleFinished:
			// Empty precommit abandoned without a merge.
			return StateReady, nil
		}
	case StateMergeAttempted:
		switch event {
		case EventMergeClean:
			return StateCommitted, nil
		case EventConflictsIntroduced:
			return StateRolledBack, nil
		}
	case StateCommitted, StateRolledBack:
		if event == EventCycleFinished {
			return StateReady, nil
		}
	}
	return current, &TransitionError{From: current, Event: event}
}

// cycle tracks the state of the cycle run by one hook invocation.
type cycle struct {
	state   State
	history []State
}

func newCycle() *cycle {
	return &cycle{state: StateReady, history: []State{StateReady}}
}

func (c *cycle) advance(event Event) error {
	next, err := Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	c.history = append(c.history, next)
	return nil
}
