package transfer

import (
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/network"
)

// QueueObserver receives queue notifications. Nil fields are skipped.
type QueueObserver struct {
	// CurrentChanged fires at the end of every scheduling pass that looked
	// for a candidate, with "" when nothing is current.
	CurrentChanged  func(Handle)
	TransferAdded   func(Handle)
	TransferRemoved func(Handle)
}

type entry[T Transfer] struct {
	transfer T
	unsub    []func()
}

// Queue holds transfers in insertion order and lets at most one queued
// transfer run. All methods must be called from the event loop.
type Queue[T Transfer] struct {
	monitor network.Monitor
	logger  zerolog.Logger

	transfers map[Handle]*entry[T]
	order     []Handle
	current   Handle

	observers []QueueObserver
	unsubNet  func()
}

// NewQueue creates an empty queue. Connectivity changes are delivered
// through poster so they are handled on the event loop.
func NewQueue[T Transfer](monitor network.Monitor, poster eventloop.Poster, logger zerolog.Logger) *Queue[T] {
	q := &Queue[T]{
		monitor:   monitor,
		logger:    logger.With().Str("subcomponent", "queue").Logger(),
		transfers: make(map[Handle]*entry[T]),
	}
	q.unsubNet = monitor.Subscribe(func(c network.Class) {
		poster.Post(func() { q.onClassChanged(c) })
	})
	return q
}

// Close detaches the queue from the connectivity monitor.
func (q *Queue[T]) Close() {
	if q.unsubNet != nil {
		q.unsubNet()
		q.unsubNet = nil
	}
}

// Observe registers queue notifications.
func (q *Queue[T]) Observe(o QueueObserver) {
	q.observers = append(q.observers, o)
}

// Add appends t to the queue. It does not start anything.
func (q *Queue[T]) Add(t T) {
	h := t.Handle()
	if _, exists := q.transfers[h]; exists {
		q.logger.Warn().Str("handle", string(h)).Msg("Transfer already queued")
		return
	}

	e := &entry[T]{transfer: t}
	if t.Queued() {
		e.unsub = append(e.unsub,
			t.OnStateChanged(q.onStateChanged),
			t.OnPolicyChanged(q.onPolicyChanged),
		)
	} else {
		e.unsub = append(e.unsub, t.OnStateChanged(q.onUnqueuedStateChanged))
	}

	q.transfers[h] = e
	q.order = append(q.order, h)

	q.logger.Debug().Str("handle", string(h)).Bool("queued", t.Queued()).Msg("Transfer added")
	for _, o := range q.observers {
		if o.TransferAdded != nil {
			o.TransferAdded(h)
		}
	}
}

// Remove drops the transfer, disposes it and emits TransferRemoved. The
// current slot is cleared first when it names h.
func (q *Queue[T]) Remove(h Handle) {
	e, ok := q.transfers[h]
	if !ok {
		return
	}
	if q.current == h {
		q.current = ""
	}

	delete(q.transfers, h)
	for i, oh := range q.order {
		if oh == h {
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			break
		}
	}
	for _, unsub := range e.unsub {
		unsub()
	}
	e.transfer.Dispose()

	q.logger.Debug().Str("handle", string(h)).Msg("Transfer removed")
	for _, o := range q.observers {
		if o.TransferRemoved != nil {
			o.TransferRemoved(h)
		}
	}
}

// Evict removes h like Remove. When h was current, the next eligible
// transfer is promoted.
func (q *Queue[T]) Evict(h Handle) {
	wasCurrent := h != "" && q.current == h
	q.Remove(h)
	if wasCurrent {
		q.updateCurrent()
	}
}

// Current returns the running transfer's handle, or "".
func (q *Queue[T]) Current() Handle {
	return q.current
}

// Paths returns all handles in insertion order.
func (q *Queue[T]) Paths() []Handle {
	return append([]Handle(nil), q.order...)
}

// Transfers returns a snapshot of the handle to transfer mapping.
func (q *Queue[T]) Transfers() map[Handle]T {
	out := make(map[Handle]T, len(q.transfers))
	for h, e := range q.transfers {
		out[h] = e.transfer
	}
	return out
}

// Get returns the transfer with handle h.
func (q *Queue[T]) Get(h Handle) (T, bool) {
	e, ok := q.transfers[h]
	if !ok {
		var zero T
		return zero, false
	}
	return e.transfer, true
}

// Size returns the number of transfers held.
func (q *Queue[T]) Size() int {
	return len(q.transfers)
}

func (q *Queue[T]) onStateChanged(h Handle, s State) {
	e, ok := q.transfers[h]
	if !ok {
		return
	}
	t := e.transfer

	q.logger.Debug().
		Str("handle", string(h)).
		Stringer("state", s).
		Str("current", string(q.current)).
		Msg("Transfer state changed")

	switch s {
	case StateStart, StateResume:
		if q.current == "" {
			q.updateCurrent()
		}
	case StatePause:
		t.PauseTransfer()
		if q.current == h {
			q.updateCurrent()
		}
	case StateCancel:
		t.CancelTransfer()
		if q.current == h {
			q.updateCurrent()
		} else {
			q.Remove(h)
		}
	case StateFinish, StateError:
		// Terminal transfers that never became current stay queued until
		// their owner removes them.
		if q.current == h {
			q.updateCurrent()
		}
	}
}

func (q *Queue[T]) onUnqueuedStateChanged(h Handle, s State) {
	if s.IsTerminal() {
		q.Remove(h)
	}
}

// onPolicyChanged re-evaluates eligibility after a mobile-data toggle. The
// transfer's state did not change, so its hooks must not run again.
func (q *Queue[T]) onPolicyChanged(h Handle) {
	if q.current == "" || q.current == h {
		q.updateCurrent()
	}
}

func (q *Queue[T]) onClassChanged(c network.Class) {
	q.logger.Debug().Stringer("class", c).Msg("Connectivity changed")
	if c == network.ClassUnknown {
		return
	}
	q.updateCurrent()
}

// updateCurrent is the scheduling pass. A healthy current transfer is never
// preempted; otherwise the first eligible transfer in insertion order wins.
// A current transfer demoted while still runnable gets its pause hook.
func (q *Queue[T]) updateCurrent() {
	if q.current != "" {
		e, ok := q.transfers[q.current]
		switch {
		case !ok:
			q.current = ""
		case e.transfer.State().IsTerminal():
			q.Remove(q.current)
		case e.transfer.State() == StatePause:
			q.current = ""
		case !e.transfer.CanTransfer():
			// Demoted while still runnable: stop its I/O so only one
			// transfer moves bytes. It is restarted once promoted again.
			q.current = ""
			e.transfer.PauseTransfer()
		default:
			return
		}
	}

	for _, h := range q.order {
		t := q.transfers[h].transfer
		if !t.Queued() || !t.State().IsRunnable() || !t.CanTransfer() {
			continue
		}
		q.current = h
		if t.State() == StateStart {
			t.StartTransfer()
		} else {
			t.ResumeTransfer()
		}
		break
	}

	q.logger.Debug().Str("current", string(q.current)).Msg("Current transfer updated")
	for _, o := range q.observers {
		if o.CurrentChanged != nil {
			o.CurrentChanged(q.current)
		}
	}
}
