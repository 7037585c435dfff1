package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		want  State
	}{
		{StateReady, EventLockAcquired, StateLockHeld},
		{StateLockHeld, EventEphemeralCreated, StateEphemeralOpen},
		{StateLockHeld, EventCycleFinished, StateReady},
		{StateEphemeralOpen, EventMergeAttempted, StateMergeAttempted},
		{StateEphemeralOpen, EventCycleFinished, StateReady},
		{StateMergeAttempted, EventMergeClean, StateCommitted},
		{StateMergeAttempted, EventConflictsIntroduced, StateRolledBack},
		{StateCommitted, EventCycleFinished, StateReady},
		{StateRolledBack, EventCycleFinished, StateReady},
		{StateMergeAttempted, EventFailed, StateReady},
		{StateReady, EventFailed, StateReady},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		from  State
		event Event
	}{
		{StateReady, EventMergeAttempted},
		{StateReady, EventCycleFinished},
		{StateLockHeld, EventMergeClean},
		{StateEphemeralOpen, EventConflictsIntroduced},
		{StateMergeAttempted, EventCycleFinished},
		{StateCommitted, EventMergeAttempted},
		{StateRolledBack, EventLockAcquired},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			var transErr *TransitionError
			require.ErrorAs(t, err, &transErr)
			assert.Equal(t, tt.from, got, "state must not change on an invalid event")
			assert.Equal(t, tt.from, transErr.From)
			assert.Equal(t, tt.event, transErr.Event)
		})
	}
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "ConflictsIntroduced", EventConflictsIntroduced.String())
	assert.Equal(t, "Event(99)", Event(99).String())
}

func TestCycleRecordsHistory(t *testing.T) {
	c := newCycle()
	for _, e := range []Event{EventLockAcquired, EventEphemeralCreated, EventMergeAttempted, EventConflictsIntroduced, EventCycleFinished} {
		require.NoError(t, c.advance(e))
	}
	assert.Equal(t, []State{
		StateReady, StateLockHeld, StateEphemeralOpen, StateMergeAttempted, StateRolledBack, StateReady,
	}, c.history)

	require.Error(t, c.advance(EventMergeClean))
	assert.Equal(t, StateReady, c.state)
}
