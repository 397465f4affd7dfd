// Package transfer holds the per-transfer state machine and the queue that
// admits at most one queued transfer at a time.
package transfer

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a transfer.
type State int

const (
	StateIdle State = iota
	StateStart
	StatePause
	StateResume
	StateCancel
	StateFinish
	StateError
)

var stateNames = [...]string{
	StateIdle:   "idle",
	StateStart:  "start",
	StatePause:  "pause",
	StateResume: "resume",
	StateCancel: "cancel",
	StateFinish: "finish",
	StateError:  "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a state name into a State.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown transfer state %q", name)
}

// IsTerminal reports whether the transfer can no longer make progress.
func (s State) IsTerminal() bool {
	return s == StateCancel || s == StateFinish || s == StateError
}

// IsRunnable reports whether the owner asked for the transfer to run.
func (s State) IsRunnable() bool {
	return s == StateStart || s == StateResume
}
