package chat

// State is the per-session send state.
type State string

const (
	StateIdle    State = "idle"
	StateSending State = "sending"
)
