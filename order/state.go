package order

// State is one node of the order lifecycle state machine.
type State string

const (
	Created          State = "CREATED"
	Staged           State = "STAGED"
	RiskAccepted     State = "RISK_ACCEPTED"
	RiskRejected     State = "RISK_REJECTED"
	Sent             State = "SENT"
	Live             State = "LIVE"
	Rejected         State = "REJECTED"
	PartiallyFilled  State = "PARTIALLY_FILLED"
	Filled           State = "FILLED"
	CancelRequested  State = "CANCEL_REQUESTED"
	CancelSent       State = "CANCEL_SENT"
	Canceled         State = "CANCELED"
	ReplaceRequested State = "REPLACE_REQUESTED"
	ReplaceRejected  State = "REPLACE_REJECTED"
	ReplaceSent      State = "REPLACE_SENT"
)

// closedStates is the terminal partition of the state machine. Once an
// order reaches one of these, state_df stops growing.
var closedStates = map[State]bool{
	RiskRejected: true,
	Rejected:     true,
	Filled:       true,
	Canceled:     true,
}

// IsClosed reports whether s belongs to the closed partition.
func IsClosed(s State) bool {
	return closedStates[s]
}

// transitions is the explicit, sparse adjacency matrix for the order state
// machine, validated at init so a bad edge fails fast instead of
// surfacing as a silent partition violation mid-run.
var transitions = map[State]map[State]bool{
	Created: {Staged: true},
	Staged:  {RiskAccepted: true, RiskRejected: true},
	RiskAccepted: {
		Sent:     true,
		Rejected: true,
	},
	Sent: {
		Live:            true,
		Rejected:        true,
		Canceled:        true,
		Filled:          true,
		PartiallyFilled: true,
	},
	Live: {
		PartiallyFilled:  true,
		Filled:           true,
		CancelRequested:  true,
		ReplaceRequested: true,
		Canceled:         true,
	},
	PartiallyFilled: {
		PartiallyFilled:  true,
		Filled:           true,
		CancelRequested:  true,
		ReplaceRequested: true,
		Canceled:         true,
	},
	CancelRequested: {
		CancelSent: true,
	},
	CancelSent: {
		Canceled: true,
		Live:     true,
	},
	ReplaceRequested: {
		ReplaceSent: true,
	},
	ReplaceSent: {
		Live:            true,
		ReplaceRejected: true,
	},
	ReplaceRejected: {
		Live: true,
	},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

func init() {
	// Closed states are terminal: a transition table with an outgoing edge
	// from one would let an order leave the closed partition, violating the
	// OMS partition invariant.
	for from := range transitions {
		if IsClosed(from) {
			panic("order: transition table has outgoing edges from a closed state: " + string(from))
		}
	}
}
