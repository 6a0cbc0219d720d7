package installer

import "slices"

// SessionState is the client-side lifecycle state of a session. Every session
// ends in exactly one of StateCommitted, StateAbandoned or StateFailed.
type SessionState int

const (
	// StateUnknown is the zero value, used when no state was recorded.
	StateUnknown SessionState = iota
	// StateCreated means the service allocated the session.
	StateCreated
	// StateWriting means at least one artifact stream was opened.
	StateWriting
	// StateCommitting means a commit was sent and its result is pending.
	StateCommitting
	// StateCommitted means the service reported a successful install.
	StateCommitted
	// StateAbandoned means the service discarded the session.
	StateAbandoned
	// StateFailed means a transfer or the commit failed.
	StateFailed
)

var stateNames = map[SessionState]string{
	StateUnknown:    "unknown",
	StateCreated:    "created",
	StateWriting:    "writing",
	StateCommitting: "committing",
	StateCommitted:  "committed",
	StateAbandoned:  "abandoned",
	StateFailed:     "failed",
}

func (s SessionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "invalid"
}

// ParseSessionState is the inverse of String.
func ParseSessionState(v string) (SessionState, bool) {
	for s, n := range stateNames {
		if n == v {
			return s, true
		}
	}
	return StateUnknown, false
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SessionState) UnmarshalText(b []byte) error {
	v, _ := ParseSessionState(string(b))
	*s = v
	return nil
}

// Terminal reports whether no further transitions are possible.
// StateFailed is terminal for commit purposes but may still be abandoned.
func (s SessionState) Terminal() bool {
	return s == StateCommitted || s == StateAbandoned || s == StateFailed
}

// transitions lists the legal source states for each target.
var transitions = map[SessionState][]SessionState{
	StateWriting:    {StateCreated, StateWriting},
	StateCommitting: {StateCreated, StateWriting},
	StateCommitted:  {StateCommitting},
	StateFailed:     {StateCreated, StateWriting, StateCommitting},
	StateAbandoned:  {StateCreated, StateWriting, StateFailed},
}

func canTransition(from, to SessionState) bool {
	return slices.Contains(transitions[to], from)
}

// abandonable reports whether a session in state s may be abandoned. A
// session stuck in StateCommitting after its commit wait expired is released
// for manual cleanup.
func abandonable(s SessionState, commitTimedOut bool) bool {
	if s == StateCommitting {
		return commitTimedOut
	}
	return canTransition(s, StateAbandoned)
}
