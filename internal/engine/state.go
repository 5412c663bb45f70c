package engine

import "fmt"

// State is the driver's position in its lifecycle.
type State int

const (
	// StateIdle means nothing is being sent.
	StateIdle State = iota
	// StateDraining means a drain is in progress.
	StateDraining
	// StateBackoff means the driver is paused until connectivity returns
	// or a rate-limit pause ends.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
