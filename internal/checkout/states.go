package checkout

// State names where a checkout attempt stands. The machine moves strictly
// forward; there are no transitions out of a terminal state.
type State string

const (
	StateIdle             State = "idle"
	StateIntentRequested  State = "intent_requested"
	StateGatewayPresented State = "gateway_presented"
	StateFinalizing       State = "finalizing"

	StateSucceeded    State = "succeeded"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
	StateUnreconciled State = "unreconciled"
)

// Terminal reports whether the attempt is over.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateFailed, StateUnreconciled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:             {StateIntentRequested},
	StateIntentRequested:  {StateGatewayPresented, StateFailed},
	StateGatewayPresented: {StateFinalizing, StateCancelled, StateFailed},
	StateFinalizing:       {StateSucceeded, StateUnreconciled},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
