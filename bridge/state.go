package bridge

// State is the lifecycle state of a Bridge.
type State int

const (
	Unsubscribed State = iota
	Active
	Cancelled
	Completed
	Errored
)

var stateNames = map[State]string{
	Unsubscribed: "unsubscribed",
	Active:       "active",
	Cancelled:    "cancelled",
	Completed:    "completed",
	Errored:      "errored",
}

func (s State) String() string {
	return stateNames[s]
}

// Terminal indicates whether no more chunks will be accepted or delivered in this state.
func (s State) Terminal() bool {
	return s == Cancelled || s == Completed || s == Errored
}
