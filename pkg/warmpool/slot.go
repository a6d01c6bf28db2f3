package warmpool

import (
	"fmt"
)

// SlotState is the state of the single warm slot
type SlotState int

const (
	// StateEmpty - no warm instance and none being spawned
	StateEmpty SlotState = iota
	// StateWarming - a warm instance is being spawned
	StateWarming
	// StateWarm - a warm instance is ready to be claimed
	StateWarm
)

// String returns the string representation of a SlotState
func (s SlotState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWarming:
		return "warming"
	case StateWarm:
		return "warm"
	default:
		return "unknown"
	}
}

// Event drives the slot state machine
type Event int

const (
	// EventSpawnStarted - replenishment began spawning
	EventSpawnStarted Event = iota
	// EventSpawnReady - the spawned instance is listening
	EventSpawnReady
	// EventSpawnFailed - the spawn failed
	EventSpawnFailed
	// EventClaimed - a create took the warm instance
	EventClaimed
	// EventLost - the warm instance exited or was killed
	EventLost
)

// String returns the string representation of an Event
func (e Event) String() string {
	switch e {
	case EventSpawnStarted:
		return "spawn-started"
	case EventSpawnReady:
		return "spawn-ready"
	case EventSpawnFailed:
		return "spawn-failed"
	case EventClaimed:
		return "claimed"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// transition returns the state reached by applying e in s
func transition(s SlotState, e Event) (SlotState, error) {
	switch {
	case s == StateEmpty && e == EventSpawnStarted:
		return StateWarming, nil
	case s == StateWarming && e == EventSpawnReady:
		return StateWarm, nil
	case s == StateWarming && e == EventSpawnFailed:
		return StateEmpty, nil
	case s == StateWarm && e == EventClaimed:
		return StateEmpty, nil
	case s == StateWarm && e == EventLost:
		return StateEmpty, nil
	default:
		return s, fmt.Errorf("invalid warm slot transition: %s on %s", e, s)
	}
}
