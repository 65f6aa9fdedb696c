package supervisor

// EventKind names a worker lifecycle transition.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventExited  EventKind = "exited" // unexpected exit
	EventStopped EventKind = "stopped"
)

// Event is published on the supervisor's lifecycle broker.
type Event struct {
	Kind EventKind
	PID  int
	// Err is set for EventExited when the worker failed.
	Err error
}
