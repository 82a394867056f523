package relay

import "github.com/wippyai/pybridge/interp"

// Handle correlates one host task with one bridge instance.
// Handle 0 is reserved and always invalid.
type Handle int64

// EventType classifies relay lifecycle notifications.
type EventType uint8

const (
	EventReserved EventType = iota
	EventArmed
	EventCompleted
	EventFailed
	EventRejected
	EventAbandoned
)

func (t EventType) String() string {
	switch t {
	case EventReserved:
		return "reserved"
	case EventArmed:
		return "armed"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventRejected:
		return "rejected"
	case EventAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Event is a relay lifecycle notification.
type Event struct {
	Value    any
	Err      error
	Handle   Handle
	Instance interp.Object
	Type     EventType
}

// Observer receives relay events. Observers run without the execution
// lock and must not block.
type Observer interface {
	OnRelayEvent(Event)
}

// ObserverFunc adapts a function to Observer. Function values are not
// comparable, so an ObserverFunc cannot be passed to Unsubscribe.
type ObserverFunc func(Event)

func (f ObserverFunc) OnRelayEvent(e Event) { f(e) }

// Target is where completions are published. Both methods are called with
// the execution lock held.
type Target interface {
	Publish(instance, value interp.Object) error
	Fail(instance interp.Object, err error) error
}

type entryState uint8

const (
	stateReserved entryState = iota
	stateArmed
	stateCompleted
	stateAbandoned
)

func (s entryState) String() string {
	switch s {
	case stateReserved:
		return "reserved"
	case stateArmed:
		return "armed"
	case stateCompleted:
		return "completed"
	case stateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

type entry struct {
	cancel   func()
	instance interp.Object
	state    entryState
}
