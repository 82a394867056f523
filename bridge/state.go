package bridge

import "fmt"

// CanaryValue is what canary() returns on every instance, in every state.
const CanaryValue = 0xCAFE

// State is an instance's position in the await lifecycle.
type State uint32

const (
	// StateCreated instances have no handle.
	StateCreated State = iota
	// StatePending instances carry a handle whose task is running.
	StatePending
	// StateResolved instances hold a result not yet surfaced to await.
	StateResolved
	// StateConsumed instances have delivered their result.
	StateConsumed
)

var stateNames = [...]string{"created", "pending", "resolved", "consumed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Done reports whether a result is available or was delivered.
func (s State) Done() bool {
	return s == StateResolved || s == StateConsumed
}
