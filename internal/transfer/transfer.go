package transfer

// Handle is the unique, immutable key a transfer is addressed by.
type Handle string

// StateFunc is called after every state transition with the transfer's own
// handle and its new state.
type StateFunc func(h Handle, s State)

// Hooks perform the actual I/O for a transfer. They only initiate work;
// completion is reported later through a state transition.
type Hooks interface {
	StartTransfer()
	PauseTransfer()
	ResumeTransfer()
	CancelTransfer()
}

// Transfer is the capability surface the queue schedules.
type Transfer interface {
	Hooks

	Handle() Handle
	State() State
	Queued() bool
	CanTransfer() bool

	// OnStateChanged registers fn and returns a function that removes it.
	OnStateChanged(fn StateFunc) (unsubscribe func())
	// OnPolicyChanged registers fn for changes that affect CanTransfer
	// without a state transition.
	OnPolicyChanged(fn func(Handle)) (unsubscribe func())

	// Dispose releases the transfer once the queue dropped it.
	Dispose()
}
