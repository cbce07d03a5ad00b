package session

import (
	"encoding/json"
	"errors"
)

// State is the lifecycle position of a Session. Transitions only move
// forward: Connecting -> Active -> Draining -> Closed.
type State int

const (
	Connecting State = iota
	Active
	Draining
	Closed
)

var stateNames = map[State]string{
	Connecting: "connecting",
	Active:     "active",
	Draining:   "draining",
	Closed:     "closed",
}

var stateFromName = map[string]State{
	"connecting": Connecting,
	"active":     Active,
	"draining":   Draining,
	"closed":     Closed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Result reports what Enqueue did with an event.
type Result int

const (
	Enqueued Result = iota // placed on the outbox
	Dropped                // placed on the outbox after evicting the oldest entry
	Rejected               // session not active or no longer subscribed to the key
)

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrInvalidKey        = errors.New("session: empty subscription key")
)
