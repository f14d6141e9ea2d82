package session

// State is the lifecycle state of a session.
type State int

const (
	Connecting State = iota
	Active
	Stale
	Retrying
	Terminating
	Failed
	Closed
)

var stateNames = [...]string{"connecting", "active", "stale", "retrying", "terminating", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further traffic can flow.
func (s State) Terminal() bool { return s == Failed || s == Closed }

// canSend reports whether outbound frames may be written to the binding.
func (s State) canSend() bool { return s == Active || s == Stale }

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
