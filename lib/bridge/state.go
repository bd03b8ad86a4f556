package bridge

// State is the bridge lifecycle position. It only moves forward.
type State int32

const (
	StateBootstrapping State = iota
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "Bootstrapping"
	case StateListening:
		return "Listening"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
