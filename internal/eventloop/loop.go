// Package eventloop serializes work onto a single goroutine. Queue and
// transfer state is only ever touched from inside the loop, so none of it
// needs locking.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Poster accepts work to run on the loop goroutine.
type Poster interface {
	Post(fn func())
}

// Inline runs posted work immediately on the caller's goroutine. Tests use
// it to drive loop-bound code synchronously.
type Inline struct{}

// Post runs fn.
func (Inline) Post(fn func()) { fn() }

// Loop is an unbounded FIFO of closures executed by Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	logger  zerolog.Logger
}

// New creates a loop. Nothing runs until Run is called.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "eventloop").Logger(),
	}
}

// Post schedules fn. Work posted after the loop stopped is dropped.
func (l *Loop) Post(fn func()) {
	l.post(fn)
}

func (l *Loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if !l.post(func() { errCh <- fn() }) {
		return ErrStopped
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// fn may have completed right before the loop exited
		select {
		case err := <-errCh:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run executes posted work in order until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.pending = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
			for {
				l.mu.Lock()
				batch := l.pending
				l.pending = nil
				l.mu.Unlock()

				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					l.runOne(fn)
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Err(fmt.Errorf("%v", r)).
				Msg("Recovered panic in event loop task")
		}
	}()
	fn()
}
