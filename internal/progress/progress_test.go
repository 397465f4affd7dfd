package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu     sync.Mutex
	events []string
	last   Activity
}

func (h *recordingHub) Broadcast(msgType string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msgType)
	h.last = payload.(Activity)
	return nil
}

func TestManager_Lifecycle(t *testing.T) {
	hub := &recordingHub{}
	m := NewManager(hub, zerolog.Nop())
	m.retention = 0

	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }

	m.Start("a", "download", "/com/transferd/download/a", "file.iso")

	clock = clock.Add(time.Second)
	m.Update("a", 500, 1000)

	a, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 50, a.Percent)
	assert.Equal(t, int64(500), a.BytesPerSecond)

	m.Complete("a", "/tmp/file.iso")

	assert.Equal(t, []string{"progress:started", "progress:update", "progress:completed"}, hub.events)
	assert.Equal(t, "/tmp/file.iso", hub.last.Path)
	assert.Equal(t, 100, hub.last.Percent)

	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestManager_UnknownTotal(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	m.Start("a", "upload", "/com/transferd/upload/a", "photo.jpg")
	m.Update("a", 123, -1)

	a, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, -1, a.Percent)
}

func TestManager_FailAndCancel(t *testing.T) {
	hub := &recordingHub{}
	m := NewManager(hub, zerolog.Nop())
	m.retention = 0

	m.Start("a", "download", "h", "a")
	m.Fail("a", "404 Not Found")
	assert.Equal(t, "404 Not Found", hub.last.Error)
	assert.Equal(t, StatusFailed, hub.last.Status)

	m.Start("b", "download", "h", "b")
	m.Cancel("b")
	assert.Equal(t, StatusCancelled, hub.last.Status)
	assert.Empty(t, m.All())
}

func TestManager_IgnoresUnknownIDs(t *testing.T) {
	hub := &recordingHub{}
	m := NewManager(hub, zerolog.Nop())

	m.Update("missing", 1, 2)
	m.Complete("missing", "")
	assert.Empty(t, hub.events)
}
