// Package manager owns the transfers of one kind. It builds them through a
// Factory, hands them to the queue and exposes the operations the API
// calls. Every operation runs on the event loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/transfer"
)

// Event types broadcast to clients.
const (
	EventTransferAdded   = "transfer:added"
	EventTransferRemoved = "transfer:removed"
	EventTransferState   = "transfer:state"
	EventQueueCurrent    = "queue:current"
)

const saveTimeout = 5 * time.Second

// Loop runs work on the event loop.
type Loop interface {
	Post(fn func())
	Do(ctx context.Context, fn func() error) error
}

// Store persists transfer records.
type Store interface {
	Save(ctx context.Context, r store.Record) error
	Get(ctx context.Context, id string) (*store.Record, error)
	List(ctx context.Context, kind string) ([]*store.Record, error)
}

// Broadcaster delivers events to clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Preferences persists the defaults changed at runtime.
type Preferences interface {
	LoadDefaults(ctx context.Context, kind Kind, base Defaults) (Defaults, bool, error)
	SaveDefaults(ctx context.Context, kind Kind, d Defaults) error
}

// Settings is a partial update of transfer settings.
type Settings struct {
	Throttle        *int64 `json:"throttle,omitempty"`
	AllowMobileData *bool  `json:"allowMobileData,omitempty"`
}

// Config wires a Manager.
type Config struct {
	Factory  Factory
	Loop     Loop
	Monitor  network.Monitor
	Store    Store       // optional
	Hub      Broadcaster // optional
	Progress *progress.Manager
	Logger   zerolog.Logger

	// Defaults are replaced by saved Preferences when present.
	Defaults    Defaults
	Preferences Preferences // optional
}

type entry struct {
	job       Job
	req       Request
	createdAt time.Time
}

// Manager creates and drives transfers of one kind.
type Manager struct {
	kind     Kind
	factory  Factory
	loop     Loop
	queue    *transfer.Queue[Job]
	store    Store
	hub      Broadcaster
	progress *progress.Manager
	prefs    Preferences
	logger   zerolog.Logger

	// loop-owned
	defaults Defaults
	entries  map[string]*entry
	onSize   []func(kind Kind, size int)
}

// New creates a manager with an empty queue.
func New(cfg Config) *Manager {
	kind := cfg.Factory.Kind()
	logger := cfg.Logger.With().Str("component", "manager").Str("kind", string(kind)).Logger()

	m := &Manager{
		kind:     kind,
		factory:  cfg.Factory,
		loop:     cfg.Loop,
		queue:    transfer.NewQueue[Job](cfg.Monitor, cfg.Loop, logger),
		store:    cfg.Store,
		hub:      cfg.Hub,
		progress: cfg.Progress,
		prefs:    cfg.Preferences,
		logger:   logger,
		defaults: cfg.Defaults,
		entries:  make(map[string]*entry),
	}
	if m.prefs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		d, ok, err := m.prefs.LoadDefaults(ctx, kind, cfg.Defaults)
		cancel()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("failed to load saved defaults")
		case ok:
			m.defaults = d
			logger.Info().Int64("throttle", d.Throttle).Bool("allowMobileData", d.AllowMobileData).Msg("restored saved defaults")
		}
	}
	m.queue.Observe(transfer.QueueObserver{
		CurrentChanged:  m.onCurrentChanged,
		TransferAdded:   m.onTransferAdded,
		TransferRemoved: m.onTransferRemoved,
	})
	return m
}

// Kind returns the kind of transfers this manager serves.
func (m *Manager) Kind() Kind { return m.kind }

// Close detaches the queue from connectivity updates.
func (m *Manager) Close() { m.queue.Close() }

// Shutdown stops the I/O of every running transfer and records its
// progress. States are left alone and partial data is kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.loop.Do(ctx, func() error {
		current := m.queue.Current()
		for _, e := range m.entries {
			j := e.job
			if !j.State().IsRunnable() || (j.Queued() && j.Handle() != current) {
				continue
			}
			j.PauseTransfer()
			m.save(e)
		}
		m.logger.Info().Msg("Transfers stopped for shutdown")
		return nil
	})
}

// OnSizeChanged registers fn for changes in the number of held transfers.
// It must be called before the loop starts.
func (m *Manager) OnSizeChanged(fn func(kind Kind, size int)) {
	m.onSize = append(m.onSize, fn)
}

// HandleFor returns the handle assigned to id.
func (m *Manager) HandleFor(id string) transfer.Handle {
	return transfer.Handle(fmt.Sprintf("/com/transferd/%s/%s", m.kind, id))
}

// Create builds a transfer from req and queues it. It starts right away
// only when req.Autostart is set.
func (m *Manager) Create(ctx context.Context, req Request) (Info, error) {
	var info Info
	err := m.loop.Do(ctx, func() error {
		id := uuid.NewString()
		job, err := m.factory.New(id, m.HandleFor(id), req, m.defaults)
		if err != nil {
			return err
		}

		e := &entry{job: job, req: req, createdAt: time.Now().UTC()}
		m.entries[id] = e
		job.OnStateChanged(m.onJobState)
		job.OnProgress(func(received, total int64) { m.onJobProgress(e, received, total) })

		m.save(e)
		m.queue.Add(job)

		m.logger.Info().
			Str("id", id).
			Str("url", req.URL).
			Bool("queued", job.Queued()).
			Msg("Transfer created")

		if req.Autostart {
			job.Start()
		}
		info = m.info(e)
		return nil
	})
	return info, err
}

// Get returns the transfer with id, falling back to its persisted record
// once the queue dropped it.
func (m *Manager) Get(ctx context.Context, id string) (Info, error) {
	var (
		info Info
		live bool
	)
	err := m.loop.Do(ctx, func() error {
		if e, ok := m.entries[id]; ok {
			info, live = m.info(e), true
		}
		return nil
	})
	if err != nil || live {
		return info, err
	}

	if m.store == nil {
		return Info{}, ErrTransferNotFound
	}
	r, err := m.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && r.Kind != string(m.kind)) {
		return Info{}, ErrTransferNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return infoFromRecord(r), nil
}

// List returns every known transfer of this kind, oldest first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	live := make(map[string]Info)
	var order []string
	err := m.loop.Do(ctx, func() error {
		for _, h := range m.queue.Paths() {
			job, ok := m.queue.Get(h)
			if !ok {
				continue
			}
			if e, ok := m.entries[job.ID()]; ok {
				live[job.ID()] = m.info(e)
				order = append(order, job.ID())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.store == nil {
		out := make([]Info, 0, len(order))
		for _, id := range order {
			out = append(out, live[id])
		}
		return out, nil
	}

	records, err := m.store.List(ctx, string(m.kind))
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(records))
	for _, r := range records {
		if info, ok := live[r.ID]; ok {
			out = append(out, info)
			delete(live, r.ID)
			continue
		}
		out = append(out, infoFromRecord(r))
	}
	// created but not yet visible in the store
	for _, id := range order {
		if info, ok := live[id]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// Start asks transfer id to run.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.withJob(ctx, id, func(j Job) { j.Start() })
}

// Pause asks transfer id to pause.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.withJob(ctx, id, func(j Job) { j.Pause() })
}

// Resume asks transfer id to continue.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.withJob(ctx, id, func(j Job) { j.Resume() })
}

// Cancel abandons transfer id.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.withJob(ctx, id, func(j Job) { j.Cancel() })
}

// Remove drops transfer id from the queue. Owners use it to collect
// transfers that finished or failed without ever becoming current.
// Removing the current transfer promotes the next one.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.withJob(ctx, id, func(j Job) { m.queue.Evict(j.Handle()) })
}

// Configure changes the settings of transfer id.
func (m *Manager) Configure(ctx context.Context, id string, s Settings) (Info, error) {
	var info Info
	err := m.loop.Do(ctx, func() error {
		e, ok := m.entries[id]
		if !ok {
			return ErrTransferNotFound
		}
		if err := validateSettings(s); err != nil {
			return err
		}
		applySettings(e.job, s)
		m.save(e)
		info = m.info(e)
		return nil
	})
	return info, err
}

// SetDefaults changes the defaults for new transfers and applies the same
// settings to every transfer currently held.
func (m *Manager) SetDefaults(ctx context.Context, s Settings) (Defaults, error) {
	var d Defaults
	err := m.loop.Do(ctx, func() error {
		if err := validateSettings(s); err != nil {
			return err
		}
		if s.Throttle != nil {
			m.defaults.Throttle = *s.Throttle
		}
		if s.AllowMobileData != nil {
			m.defaults.AllowMobileData = *s.AllowMobileData
		}
		for _, h := range m.queue.Paths() {
			if job, ok := m.queue.Get(h); ok {
				applySettings(job, s)
				if e, ok := m.entries[job.ID()]; ok {
					m.save(e)
				}
			}
		}
		d = m.defaults
		m.saveDefaults()
		return nil
	})
	return d, err
}

func (m *Manager) saveDefaults() {
	if m.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.prefs.SaveDefaults(ctx, m.kind, m.defaults); err != nil {
		m.logger.Error().Err(err).Msg("failed to save defaults")
	}
}

// Defaults returns the current defaults.
func (m *Manager) Defaults(ctx context.Context) (Defaults, error) {
	var d Defaults
	err := m.loop.Do(ctx, func() error {
		d = m.defaults
		return nil
	})
	return d, err
}

// Queue describes the queue.
func (m *Manager) Queue(ctx context.Context) (QueueInfo, error) {
	var q QueueInfo
	err := m.loop.Do(ctx, func() error {
		q.Current = string(m.queue.Current())
		q.Size = m.queue.Size()
		q.Paths = make([]string, 0, q.Size)
		for _, h := range m.queue.Paths() {
			q.Paths = append(q.Paths, string(h))
		}
		return nil
	})
	return q, err
}

func (m *Manager) withJob(ctx context.Context, id string, fn func(Job)) error {
	return m.loop.Do(ctx, func() error {
		e, ok := m.entries[id]
		if !ok {
			return ErrTransferNotFound
		}
		fn(e.job)
		return nil
	})
}

func validateSettings(s Settings) error {
	if s.Throttle != nil && *s.Throttle < 0 {
		return fmt.Errorf("%w: throttle must not be negative", ErrInvalidRequest)
	}
	return nil
}

func applySettings(j Job, s Settings) {
	if s.Throttle != nil {
		j.SetThrottle(*s.Throttle)
	}
	if s.AllowMobileData != nil {
		j.SetAllowMobileData(*s.AllowMobileData)
	}
}

func (m *Manager) onJobState(h transfer.Handle, s transfer.State) {
	job, ok := m.queue.Get(h)
	if !ok {
		return
	}
	e, ok := m.entries[job.ID()]
	if !ok {
		return
	}

	m.save(e)
	m.broadcast(EventTransferState, m.info(e))

	if m.progress == nil {
		return
	}
	switch s {
	case transfer.StateFinish:
		m.progress.Complete(job.ID(), job.LocalPath())
	case transfer.StateError:
		msg, _ := job.LastError()
		m.progress.Fail(job.ID(), msg)
	case transfer.StateCancel:
		m.progress.Cancel(job.ID())
	}
}

func (m *Manager) onJobProgress(e *entry, received, total int64) {
	if m.progress == nil {
		return
	}
	id := e.job.ID()
	if _, ok := m.progress.Get(id); !ok {
		m.progress.Start(id, string(m.kind), string(e.job.Handle()), titleFor(e.req))
	}
	m.progress.Update(id, received, total)
}

func (m *Manager) onCurrentChanged(h transfer.Handle) {
	m.broadcast(EventQueueCurrent, map[string]string{"kind": string(m.kind), "handle": string(h)})
}

func (m *Manager) onTransferAdded(h transfer.Handle) {
	m.broadcast(EventTransferAdded, map[string]string{"kind": string(m.kind), "handle": string(h)})
	m.notifySize()
}

func (m *Manager) onTransferRemoved(h transfer.Handle) {
	for id, e := range m.entries {
		if e.job.Handle() == h {
			m.save(e)
			delete(m.entries, id)
			break
		}
	}
	m.broadcast(EventTransferRemoved, map[string]string{"kind": string(m.kind), "handle": string(h)})
	m.notifySize()
}

func (m *Manager) notifySize() {
	size := m.queue.Size()
	for _, fn := range m.onSize {
		fn(m.kind, size)
	}
}

func (m *Manager) broadcast(msgType string, payload interface{}) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Broadcast(msgType, payload); err != nil {
		m.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to broadcast event")
	}
}

func (m *Manager) save(e *entry) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.store.Save(ctx, m.record(e)); err != nil {
		m.logger.Error().Err(err).Str("id", e.job.ID()).Msg("Failed to persist transfer")
	}
}

func (m *Manager) info(e *entry) Info {
	j := e.job
	received, total := j.Progress()
	msg, category := j.LastError()
	return Info{
		ID:              j.ID(),
		Kind:            m.kind,
		Handle:          string(j.Handle()),
		URL:             e.req.URL,
		LocalPath:       e.req.LocalPath,
		Filename:        e.req.Filename,
		FinalPath:       j.LocalPath(),
		State:           j.State(),
		Received:        received,
		Total:           total,
		Throttle:        j.Throttle(),
		AllowMobileData: j.AllowMobileData(),
		Queued:          j.Queued(),
		Current:         m.queue.Current() == j.Handle(),
		Headers:         e.req.Headers,
		Metadata:        e.req.Metadata,
		Error:           msg,
		ErrorCategory:   string(category),
		CreatedAt:       e.createdAt,
	}
}

func (m *Manager) record(e *entry) store.Record {
	info := m.info(e)
	return store.Record{
		ID:              info.ID,
		Kind:            string(info.Kind),
		Handle:          info.Handle,
		URL:             info.URL,
		LocalPath:       info.LocalPath,
		Filename:        info.Filename,
		FinalPath:       info.FinalPath,
		State:           info.State.String(),
		Received:        info.Received,
		Total:           info.Total,
		Throttle:        info.Throttle,
		AllowMobileData: info.AllowMobileData,
		Queued:          info.Queued,
		Headers:         info.Headers,
		Metadata:        info.Metadata,
		ErrorMessage:    info.Error,
		ErrorCategory:   info.ErrorCategory,
		CreatedAt:       info.CreatedAt,
	}
}

func infoFromRecord(r *store.Record) Info {
	state, err := transfer.ParseState(r.State)
	if err != nil {
		state = transfer.StateIdle
	}
	return Info{
		ID:              r.ID,
		Kind:            Kind(r.Kind),
		Handle:          r.Handle,
		URL:             r.URL,
		LocalPath:       r.LocalPath,
		Filename:        r.Filename,
		FinalPath:       r.FinalPath,
		State:           state,
		Received:        r.Received,
		Total:           r.Total,
		Throttle:        r.Throttle,
		AllowMobileData: r.AllowMobileData,
		Queued:          r.Queued,
		Headers:         r.Headers,
		Metadata:        r.Metadata,
		Error:           r.ErrorMessage,
		ErrorCategory:   r.ErrorCategory,
		CreatedAt:       r.CreatedAt,
	}
}

func titleFor(req Request) string {
	if req.Filename != "" {
		return req.Filename
	}
	return req.URL
}
