package run

// State is the lifecycle state of a run.
type State string

const (
	Queued          State = "queued"
	WaitingApproval State = "waiting_approval"
	Running         State = "running"
	Succeeded       State = "succeeded"
	Failed          State = "failed"
	Cancelled       State = "cancelled"
)

// LiveStates are the states that hold an idempotency key.
var LiveStates = []State{Queued, WaitingApproval, Running}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	switch s {
	case Queued, WaitingApproval, Running, Succeeded, Failed, Cancelled:
		return true
	}
	return false
}

// IsLive reports whether s blocks a new run with the same idempotency key.
func (s State) IsLive() bool {
	return s == Queued || s == WaitingApproval || s == Running
}

// IsTerminal reports whether no operation can leave s. Failed is not
// terminal because it can be retried.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Cancelled
}

// Op is a lifecycle operation.
type Op string

const (
	OpRequestApproval Op = "request_approval"
	OpApprove         Op = "approve"
	OpReject          Op = "reject"
	OpCancel          Op = "cancel"
	OpRetry           Op = "retry"
	OpStart           Op = "start"
	OpSucceed         Op = "succeed"
	OpFail            Op = "fail"
)

// transitions is the complete transition table. Anything absent is illegal.
var transitions = map[Op]map[State]State{
	OpRequestApproval: {Queued: WaitingApproval},
	OpApprove:         {WaitingApproval: Queued},
	OpReject:          {WaitingApproval: Cancelled},
	OpCancel:          {Queued: Cancelled, WaitingApproval: Cancelled, Failed: Cancelled},
	OpRetry:           {Failed: Queued},
	OpStart:           {Queued: Running},
	OpSucceed:         {Running: Succeeded},
	OpFail:            {Running: Failed},
}

// CanApply reports whether op is legal from state from.
func CanApply(from State, op Op) bool {
	_, ok := transitions[op][from]
	return ok
}

// Next returns the state reached by applying op in state from.
func Next(from State, op Op) (State, error) {
	to, ok := transitions[op][from]
	if !ok {
		return from, &TransitionError{Op: op, From: from}
	}
	return to, nil
}
