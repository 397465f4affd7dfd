// Package managertest provides a Factory whose jobs only record hook calls.
package managertest

import (
	"errors"

	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/transfer"
	"github.com/transferd/transferd/internal/transfer/transfertest"
)

// Job is a manager.Job backed by a transfertest.Fake.
type Job struct {
	*transfertest.Fake
	progress []func(received, total int64)
}

// OnProgress implements manager.Job.
func (j *Job) OnProgress(fn func(received, total int64)) {
	j.progress = append(j.progress, fn)
}

// Report records progress and notifies progress observers. Call it on the
// event loop.
func (j *Job) Report(received, total int64) {
	j.SetProgress(received, total)
	for _, fn := range j.progress {
		fn(received, total)
	}
}

// Factory builds Jobs and keeps them by id. Requests without a URL are
// rejected.
type Factory struct {
	kind    manager.Kind
	monitor network.Monitor
	Jobs    map[string]*Job
}

// NewFactory creates a factory for kind.
func NewFactory(kind manager.Kind, monitor network.Monitor) *Factory {
	return &Factory{kind: kind, monitor: monitor, Jobs: make(map[string]*Job)}
}

// Kind implements manager.Factory.
func (f *Factory) Kind() manager.Kind { return f.kind }

// New implements manager.Factory.
func (f *Factory) New(id string, handle transfer.Handle, req manager.Request, d manager.Defaults) (manager.Job, error) {
	if req.URL == "" {
		return nil, errors.Join(manager.ErrInvalidRequest, errors.New("url is required"))
	}
	job := &Job{Fake: transfertest.NewWithOptions(d.Options(id, handle, req), f.monitor)}
	f.Jobs[id] = job
	return job, nil
}
