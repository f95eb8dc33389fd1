package domain

// IntentState is a position in the intent lifecycle.
type IntentState string

const (
	StateCreated    IntentState = "created"
	StateSubmitting IntentState = "submitting"
	StatePending    IntentState = "pending"
	// StateAmbiguous is AmbiguousPendingVerification: the submit outcome is unknown
	// and only the reconciler may resolve it.
	StateAmbiguous IntentState = "ambiguous"
	StateConfirmed IntentState = "confirmed"
	StateFailed    IntentState = "failed"
	StateAbandoned IntentState = "abandoned"
)

// States lists every lifecycle state.
var States = []IntentState{
	StateCreated,
	StateSubmitting,
	StatePending,
	StateAmbiguous,
	StateConfirmed,
	StateFailed,
	StateAbandoned,
}

// InFlightStates hold the natural key of their intent.
var InFlightStates = []IntentState{StateCreated, StateSubmitting, StatePending, StateAmbiguous}

// OpenStates are the states the reconciler matches ledger events against.
var OpenStates = []IntentState{StateSubmitting, StatePending, StateAmbiguous}

var transitions = map[IntentState][]IntentState{
	StateCreated:    {StateSubmitting, StateAbandoned},
	StateSubmitting: {StatePending, StateFailed, StateCreated, StateAbandoned, StateAmbiguous},
	StateAmbiguous:  {StatePending, StateFailed},
	StatePending:    {StateConfirmed, StateFailed},
}

// Valid reports whether s is a known state.
func (s IntentState) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s IntentState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateAbandoned
}

// InFlight reports whether the state holds its natural key.
func (s IntentState) InFlight() bool {
	for _, st := range InFlightStates {
		if s == st {
			return true
		}
	}
	return false
}

// Open reports whether the intent has been handed to the ledger without a final outcome.
func (s IntentState) Open() bool {
	for _, st := range OpenStates {
		if s == st {
			return true
		}
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s IntentState) CanTransition(next IntentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
