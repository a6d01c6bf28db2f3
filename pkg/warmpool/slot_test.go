package warmpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Valid(t *testing.T) {
	tests := []struct {
		from  SlotState
		event Event
		to    SlotState
	}{
		{StateEmpty, EventSpawnStarted, StateWarming},
		{StateWarming, EventSpawnReady, StateWarm},
		{StateWarming, EventSpawnFailed, StateEmpty},
		{StateWarm, EventClaimed, StateEmpty},
		{StateWarm, EventLost, StateEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			got, err := transition(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestTransition_Invalid(t *testing.T) {
	states := []SlotState{StateEmpty, StateWarming, StateWarm}
	events := []Event{EventSpawnStarted, EventSpawnReady, EventSpawnFailed, EventClaimed, EventLost}

	valid := map[[2]int]bool{
		{int(StateEmpty), int(EventSpawnStarted)}:  true,
		{int(StateWarming), int(EventSpawnReady)}:  true,
		{int(StateWarming), int(EventSpawnFailed)}: true,
		{int(StateWarm), int(EventClaimed)}:        true,
		{int(StateWarm), int(EventLost)}:           true,
	}

	for _, s := range states {
		for _, e := range events {
			if valid[[2]int{int(s), int(e)}] {
				continue
			}
			got, err := transition(s, e)
			assert.Error(t, err, "%s on %s", e, s)
			assert.Equal(t, s, got, "state is unchanged on invalid transition")
		}
	}
}

func TestSlotStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "warming", StateWarming.String())
	assert.Equal(t, "warm", StateWarm.String())
	assert.Equal(t, "unknown", SlotState(42).String())
	assert.Equal(t, "unknown", Event(42).String())
}
