// Package transfertest provides a Transfer that records hook invocations.
package transfertest

import (
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/transfer"
)

// Fake is a transfer whose hooks only count calls.
type Fake struct {
	*transfer.Base

	Starts   int
	Pauses   int
	Resumes  int
	Cancels  int
	Disposed bool

	// Calls lists hook names in invocation order.
	Calls []string
}

// New creates a queued fake that allows mobile data.
func New(handle string, monitor network.Monitor) *Fake {
	return NewWithOptions(transfer.Options{
		ID:              handle,
		Handle:          transfer.Handle(handle),
		Queued:          true,
		AllowMobileData: true,
	}, monitor)
}

// NewWithOptions creates a fake from explicit options.
func NewWithOptions(opts transfer.Options, monitor network.Monitor) *Fake {
	f := &Fake{}
	f.Base = transfer.NewBase(opts, monitor, f)
	return f
}

func (f *Fake) StartTransfer() {
	f.Starts++
	f.Calls = append(f.Calls, "start")
}

func (f *Fake) PauseTransfer() {
	f.Pauses++
	f.Calls = append(f.Calls, "pause")
}

func (f *Fake) ResumeTransfer() {
	f.Resumes++
	f.Calls = append(f.Calls, "resume")
}

func (f *Fake) CancelTransfer() {
	f.Cancels++
	f.Calls = append(f.Calls, "cancel")
}

func (f *Fake) Dispose() {
	f.Disposed = true
	f.Base.Dispose()
}
