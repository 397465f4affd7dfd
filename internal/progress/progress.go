// Package progress tracks byte progress of running transfers and
// broadcasts it to connected clients.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the state of a tracked activity.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// EventType identifies a progress event.
type EventType string

const (
	EventTypeStarted   EventType = "progress:started"
	EventTypeUpdate    EventType = "progress:update"
	EventTypeCompleted EventType = "progress:completed"
	EventTypeError     EventType = "progress:error"
	EventTypeCancelled EventType = "progress:cancelled"
)

// Activity is the progress of one transfer.
type Activity struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Handle         string     `json:"handle"`
	Title          string     `json:"title"`
	Received       int64      `json:"received"`
	Total          int64      `json:"total"`
	Percent        int        `json:"percent"` // -1 when the total is unknown
	BytesPerSecond int64      `json:"bytesPerSecond"`
	Status         Status     `json:"status"`
	Path           string     `json:"path,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	lastSample   time.Time
	lastReceived int64
}

// Broadcaster delivers events to clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Manager tracks activities for all running transfers.
type Manager struct {
	hub        Broadcaster
	activities map[string]*Activity
	mu         sync.RWMutex
	retention  time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewManager creates a progress manager. hub may be nil.
func NewManager(hub Broadcaster, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:        hub,
		activities: make(map[string]*Activity),
		retention:  10 * time.Second,
		now:        time.Now,
		logger:     logger.With().Str("component", "progress").Logger(),
	}
}

// Start begins tracking id. Restarting a tracked id resets its timing but
// keeps the byte counters.
func (m *Manager) Start(id, kind, handle, title string) *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a, ok := m.activities[id]
	if !ok {
		a = &Activity{ID: id, Kind: kind, Handle: handle, Title: title, Total: -1, Percent: -1}
		m.activities[id] = a
	}
	a.Status = StatusInProgress
	a.StartedAt = now
	a.CompletedAt = nil
	a.Error = ""
	a.lastSample = now
	a.lastReceived = a.Received

	m.broadcast(EventTypeStarted, a)
	m.logger.Debug().Str("id", id).Str("kind", kind).Msg("Activity started")
	return a
}

// Update records new byte counters.
func (m *Manager) Update(id string, received, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return
	}

	now := m.now()
	if elapsed := now.Sub(a.lastSample); elapsed >= 500*time.Millisecond {
		a.BytesPerSecond = int64(float64(received-a.lastReceived) / elapsed.Seconds())
		a.lastSample = now
		a.lastReceived = received
	}
	a.Received = received
	a.Total = total
	a.Percent = percent(received, total)

	m.broadcast(EventTypeUpdate, a)
}

// Complete marks id finished with its final path.
func (m *Manager) Complete(id, path string) {
	m.finish(id, StatusCompleted, EventTypeCompleted, func(a *Activity) {
		a.Path = path
		a.Percent = 100
	})
}

// Fail marks id failed.
func (m *Manager) Fail(id, msg string) {
	m.finish(id, StatusFailed, EventTypeError, func(a *Activity) {
		a.Error = msg
	})
}

// Cancel marks id cancelled and stops tracking it.
func (m *Manager) Cancel(id string) {
	m.finish(id, StatusCancelled, EventTypeCancelled, nil)
}

func (m *Manager) finish(id string, status Status, event EventType, mutate func(*Activity)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return
	}
	now := m.now()
	a.Status = status
	a.CompletedAt = &now
	a.BytesPerSecond = 0
	if mutate != nil {
		mutate(a)
	}
	m.broadcast(event, a)

	if status == StatusCancelled || m.retention <= 0 {
		delete(m.activities, id)
		return
	}
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		if cur, ok := m.activities[id]; ok && cur.Status == status {
			delete(m.activities, id)
		}
		m.mu.Unlock()
	})

	m.logger.Debug().Str("id", id).Str("status", string(status)).Msg("Activity finished")
}

// Get returns a copy of the activity for id.
func (m *Manager) Get(id string) (Activity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// All returns copies of every tracked activity.
func (m *Manager) All() []Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Activity, 0, len(m.activities))
	for _, a := range m.activities {
		out = append(out, *a)
	}
	return out
}

func (m *Manager) broadcast(event EventType, a *Activity) {
	if m.hub == nil {
		return
	}
	snapshot := *a
	if err := m.hub.Broadcast(string(event), snapshot); err != nil {
		m.logger.Warn().Err(err).Str("event", string(event)).Msg("Failed to broadcast progress")
	}
}

func percent(received, total int64) int {
	if total <= 0 {
		return -1
	}
	p := int(received * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
