package transfer

import (
	"github.com/transferd/transferd/internal/network"
)

// Options configure a Base at construction.
type Options struct {
	ID              string
	Handle          Handle
	Queued          bool
	AllowMobileData bool
	Throttle        int64
}

// ErrorCategory classifies why a transfer ended in StateError.
type ErrorCategory string

const (
	ErrorNetwork ErrorCategory = "network"
	ErrorHTTP    ErrorCategory = "http"
	ErrorAuth    ErrorCategory = "auth"
	ErrorFile    ErrorCategory = "file"
)

type stateObserver struct {
	id int
	fn StateFunc
}

type policyObserver struct {
	id int
	fn func(Handle)
}

// Base implements the state machine shared by downloads and uploads.
// Concrete transfers embed it and supply the I/O hooks.
//
// A Base is owned by the event loop: every method must be called from the
// loop goroutine.
type Base struct {
	id      string
	handle  Handle
	queued  bool
	monitor network.Monitor
	hooks   Hooks

	state           State
	allowMobileData bool
	throttle        int64

	received  int64
	total     int64
	localPath string
	lastError string
	category  ErrorCategory

	nextObserver int
	onState      []stateObserver
	onPolicy     []policyObserver
}

// NewBase creates a transfer in StateIdle. hooks is usually the concrete
// transfer embedding the returned Base.
func NewBase(opts Options, monitor network.Monitor, hooks Hooks) *Base {
	return &Base{
		id:              opts.ID,
		handle:          opts.Handle,
		queued:          opts.Queued,
		monitor:         monitor,
		hooks:           hooks,
		state:           StateIdle,
		allowMobileData: opts.AllowMobileData,
		throttle:        opts.Throttle,
		total:           -1,
	}
}

func (b *Base) ID() string { return b.id }
func (b *Base) Handle() Handle { return b.handle }
func (b *Base) State() State { return b.state }
func (b *Base) Queued() bool { return b.queued }
func (b *Base) Throttle() int64 { return b.throttle }
func (b *Base) LocalPath() string { return b.localPath }

// Progress returns bytes transferred and the expected total, -1 if unknown.
func (b *Base) Progress() (received, total int64) {
	return b.received, b.total
}

// LastError returns the message and category of the last failure.
func (b *Base) LastError() (string, ErrorCategory) {
	return b.lastError, b.category
}

// AllowMobileData reports whether metered connectivity may be used.
func (b *Base) AllowMobileData() bool {
	return b.allowMobileData
}

// CanTransfer consults the monitor on every call.
func (b *Base) CanTransfer() bool {
	switch b.monitor.Class() {
	case network.ClassUnmetered:
		return true
	case network.ClassMetered, network.ClassUnknown:
		return b.allowMobileData
	default:
		return false
	}
}

// SetAllowMobileData changes the metered-data policy. Policy observers are
// notified so a scheduler can re-evaluate eligibility.
func (b *Base) SetAllowMobileData(allowed bool) {
	if b.allowMobileData == allowed {
		return
	}
	b.allowMobileData = allowed

	for _, o := range append([]policyObserver(nil), b.onPolicy...) {
		o.fn(b.handle)
	}
}

// SetThrottle sets the bandwidth cap in bytes per second, 0 for unlimited.
func (b *Base) SetThrottle(bytesPerSecond int64) {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	b.throttle = bytesPerSecond
}

// Start asks for the transfer to run.
func (b *Base) Start() { b.command(StateStart, b.hooks.StartTransfer) }

// Pause asks for the transfer to stop and keep its progress.
func (b *Base) Pause() { b.command(StatePause, b.hooks.PauseTransfer) }

// Resume asks for a paused transfer to continue.
func (b *Base) Resume() { b.command(StateResume, b.hooks.ResumeTransfer) }

// Cancel asks for the transfer to be abandoned.
func (b *Base) Cancel() { b.command(StateCancel, b.hooks.CancelTransfer) }

// command records the requested state. Unqueued transfers run the hook
// themselves; queued ones leave that to the queue.
func (b *Base) command(s State, hook func()) {
	if b.state == s {
		return
	}
	b.state = s
	if !b.queued {
		hook()
	}
	b.notifyState()
}

// SetProgress records transfer progress.
func (b *Base) SetProgress(received, total int64) {
	b.received = received
	b.total = total
}

// Finish marks the transfer complete with its final local path.
func (b *Base) Finish(path string) {
	b.localPath = path
	b.setState(StateFinish)
}

// Fail marks the transfer failed.
func (b *Base) Fail(category ErrorCategory, msg string) {
	b.lastError = msg
	b.category = category
	b.setState(StateError)
}

// setState is a no-op when s equals the current state.
func (b *Base) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.notifyState()
}

func (b *Base) notifyState() {
	state := b.state
	for _, o := range append([]stateObserver(nil), b.onState...) {
		o.fn(b.handle, state)
	}
}

// OnStateChanged implements Transfer.
func (b *Base) OnStateChanged(fn StateFunc) func() {
	id := b.nextObserver
	b.nextObserver++
	b.onState = append(b.onState, stateObserver{id: id, fn: fn})

	return func() {
		for i, o := range b.onState {
			if o.id == id {
				b.onState = append(b.onState[:i:i], b.onState[i+1:]...)
				return
			}
		}
	}
}

// OnPolicyChanged implements Transfer.
func (b *Base) OnPolicyChanged(fn func(Handle)) func() {
	id := b.nextObserver
	b.nextObserver++
	b.onPolicy = append(b.onPolicy, policyObserver{id: id, fn: fn})

	return func() {
		for i, o := range b.onPolicy {
			if o.id == id {
				b.onPolicy = append(b.onPolicy[:i:i], b.onPolicy[i+1:]...)
				return
			}
		}
	}
}

// Dispose drops every observer. Concrete transfers release their own
// resources before calling it.
func (b *Base) Dispose() {
	b.onState = nil
	b.onPolicy = nil
}
