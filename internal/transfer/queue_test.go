package transfer_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/transfer"
	"github.com/transferd/transferd/internal/transfer/transfertest"
)

type recorder struct {
	current []transfer.Handle
	added   []transfer.Handle
	removed []transfer.Handle
}

func newQueue(t *testing.T, class network.Class) (*transfer.Queue[*transfertest.Fake], *network.StaticMonitor, *recorder) {
	t.Helper()

	monitor := network.NewStatic(class)
	q := transfer.NewQueue[*transfertest.Fake](monitor, eventloop.Inline{}, zerolog.Nop())
	t.Cleanup(q.Close)

	rec := &recorder{}
	q.Observe(transfer.QueueObserver{
		CurrentChanged:  func(h transfer.Handle) { rec.current = append(rec.current, h) },
		TransferAdded:   func(h transfer.Handle) { rec.added = append(rec.added, h) },
		TransferRemoved: func(h transfer.Handle) { rec.removed = append(rec.removed, h) },
	})
	return q, monitor, rec
}

func TestQueue_AddDoesNotStart(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)

	q.Add(a)

	assert.Equal(t, []transfer.Handle{"A"}, rec.added)
	assert.Empty(t, rec.current)
	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, 0, a.Starts)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_StartPromotesFirst(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)

	a.Start()

	assert.Equal(t, []transfer.Handle{"A"}, rec.current)
	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, 1, a.Starts)
}

func TestQueue_SecondStartWaits(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	a.Start()

	q.Add(b)
	b.Start()

	assert.Equal(t, 0, b.Starts)
	assert.Equal(t, []transfer.Handle{"A"}, rec.current)
	assert.Equal(t, transfer.Handle("A"), q.Current())
}

func TestQueue_PauseCurrentClears(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	a.Pause()

	assert.Equal(t, 1, a.Pauses)
	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, []transfer.Handle{"A", ""}, rec.current)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_CancelCurrentPromotesNext(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()
	b.Start()

	a.Cancel()

	assert.Equal(t, 1, a.Cancels)
	assert.True(t, a.Disposed)
	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.Equal(t, 1, b.Starts)
	assert.Equal(t, transfer.Handle("B"), q.Current())
	assert.Equal(t, []transfer.Handle{"A", "B"}, rec.current)
	assert.Equal(t, []transfer.Handle{"B"}, q.Paths())
}

func TestQueue_CancelNeverStartedRemovesWithoutPass(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)

	a.Cancel()

	assert.Equal(t, 1, a.Cancels)
	assert.Equal(t, 0, a.Starts)
	assert.True(t, a.Disposed)
	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.Empty(t, rec.current)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_SingleEntryPauseResumeIsStable(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	for i := 0; i < 3; i++ {
		a.Pause()
		assert.Equal(t, transfer.Handle(""), q.Current())
		a.Resume()
		assert.Equal(t, transfer.Handle("A"), q.Current())
	}

	assert.Equal(t, 1, a.Starts)
	assert.Equal(t, 3, a.Pauses)
	assert.Equal(t, 3, a.Resumes)
	assert.Equal(t, []string{"start", "pause", "resume", "pause", "resume", "pause", "resume"}, a.Calls)
	assert.Equal(t, []transfer.Handle{"A", "", "A", "", "A", "", "A"}, rec.current)
}

func TestQueue_AtMostOneCurrent(t *testing.T) {
	q, monitor, _ := newQueue(t, network.ClassUnmetered)
	fakes := make([]*transfertest.Fake, 5)
	for i := range fakes {
		fakes[i] = transfertest.New(string(rune('A'+i)), monitor)
		q.Add(fakes[i])
		fakes[i].Start()
	}

	running := 0
	for _, f := range fakes {
		running += f.Starts
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, transfer.Handle("A"), q.Current())

	cur, ok := q.Get(q.Current())
	require.True(t, ok)
	assert.True(t, cur.State().IsRunnable())
	assert.True(t, cur.CanTransfer())
}

func TestQueue_FIFOOnPause(t *testing.T) {
	q, monitor, _ := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	c := transfertest.New("C", monitor)
	q.Add(a)
	q.Add(b)
	q.Add(c)
	a.Start()
	c.Start()
	b.Start()

	a.Pause()

	assert.Equal(t, transfer.Handle("B"), q.Current())
	assert.Equal(t, 1, b.Starts)
	assert.Equal(t, 0, c.Starts)
}

func TestQueue_PauseNonCurrentHonoured(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()
	b.Start()

	b.Pause()

	assert.Equal(t, 1, b.Pauses)
	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, []transfer.Handle{"A"}, rec.current)
}

func TestQueue_DuplicateCommandsAreIdempotent(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)

	a.Start()
	a.Start()
	a.Pause()
	a.Pause()

	assert.Equal(t, 1, a.Starts)
	assert.Equal(t, 1, a.Pauses)
	assert.Equal(t, []transfer.Handle{"A", ""}, rec.current)
}

func TestQueue_MobileDataGating(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassMetered)
	a := transfertest.NewWithOptions(transfer.Options{
		Handle: "A",
		Queued: true,
	}, monitor)
	q.Add(a)

	a.Start()
	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, 0, a.Starts)
	assert.Equal(t, []transfer.Handle{""}, rec.current)

	monitor.Set(network.ClassUnmetered)
	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, 1, a.Starts)
}

func TestQueue_DemotedOnMeteredAndRepromoted(t *testing.T) {
	q, monitor, _ := newQueue(t, network.ClassUnmetered)
	a := transfertest.NewWithOptions(transfer.Options{Handle: "A", Queued: true}, monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()
	b.Start()
	require.Equal(t, transfer.Handle("A"), q.Current())

	monitor.Set(network.ClassMetered)

	assert.Equal(t, transfer.Handle("B"), q.Current())
	assert.Equal(t, 1, a.Pauses)
	assert.Equal(t, transfer.StateStart, a.State())
	assert.Equal(t, 1, b.Starts)

	b.Cancel()
	assert.Equal(t, transfer.Handle(""), q.Current())

	monitor.Set(network.ClassUnmetered)
	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, 2, a.Starts)
}

func TestQueue_NoNetworkBlocksEverything(t *testing.T) {
	q, monitor, _ := newQueue(t, network.ClassNone)
	a := transfertest.New("A", monitor)
	q.Add(a)

	a.Start()

	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, 0, a.Starts)
}

func TestQueue_UnknownClassDoesNotRunPass(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	monitor.Set(network.ClassUnknown)

	assert.Equal(t, []transfer.Handle{"A"}, rec.current)
	assert.Equal(t, transfer.Handle("A"), q.Current())
}

func TestQueue_AllowMobileDataReevaluates(t *testing.T) {
	q, monitor, _ := newQueue(t, network.ClassMetered)
	a := transfertest.NewWithOptions(transfer.Options{Handle: "A", Queued: true}, monitor)
	q.Add(a)
	a.Start()
	require.Equal(t, transfer.Handle(""), q.Current())

	a.SetAllowMobileData(true)

	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, 1, a.Starts)

	a.SetAllowMobileData(false)

	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, 1, a.Pauses)
	assert.Equal(t, transfer.StateStart, a.State())
}

func TestQueue_FinishCurrentEvicts(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()
	b.Start()

	a.Finish("/tmp/a")

	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.Equal(t, transfer.Handle("B"), q.Current())
	assert.Equal(t, 1, b.Starts)
}

func TestQueue_ErrorCurrentEvicts(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	a.Fail(transfer.ErrorHTTP, "404 Not Found")

	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.Equal(t, transfer.Handle(""), q.Current())
}

func TestQueue_FinishNonCurrentStaysQueued(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()

	b.Fail(transfer.ErrorFile, "source missing")

	assert.Empty(t, rec.removed)
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, transfer.Handle("A"), q.Current())
}

func TestQueue_UnqueuedBypassesScheduling(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	u := transfertest.NewWithOptions(transfer.Options{Handle: "U", AllowMobileData: true}, monitor)
	q.Add(a)
	q.Add(u)
	a.Start()

	u.Start()
	assert.Equal(t, 1, u.Starts)
	assert.Equal(t, transfer.Handle("A"), q.Current())

	u.Finish("/tmp/u")
	assert.Equal(t, []transfer.Handle{"U"}, rec.removed)
	assert.True(t, u.Disposed)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_RemoveCurrentClearsSlot(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	q.Remove("A")

	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.True(t, a.Disposed)

	// removed transfers no longer reach the queue
	a.Pause()
	assert.Equal(t, 0, a.Pauses)
}

func TestQueue_EvictCurrentPromotesNext(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()
	b.Start()
	require.Equal(t, transfer.Handle("A"), q.Current())

	q.Evict("A")

	assert.Equal(t, transfer.Handle("B"), q.Current())
	assert.Equal(t, 1, b.Starts)
	assert.Equal(t, []transfer.Handle{"A"}, rec.removed)
	assert.Equal(t, []transfer.Handle{"A", "B"}, rec.current)
	assert.True(t, a.Disposed)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_EvictNonCurrentRunsNoPass(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassUnmetered)
	a := transfertest.New("A", monitor)
	b := transfertest.New("B", monitor)
	q.Add(a)
	q.Add(b)
	a.Start()

	q.Evict("B")

	assert.Equal(t, transfer.Handle("A"), q.Current())
	assert.Equal(t, []transfer.Handle{"A"}, rec.current)
	assert.Equal(t, []transfer.Handle{"B"}, rec.removed)
}

func TestQueue_LogsKeepOwnerComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel).With().Str("component", "manager").Logger()
	monitor := network.NewStatic(network.ClassUnmetered)
	q := transfer.NewQueue[*transfertest.Fake](monitor, eventloop.Inline{}, logger)
	t.Cleanup(q.Close)

	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component":`), line)
		assert.Contains(t, line, `"subcomponent":"queue"`)
	}
}

func TestQueue_CloseStopsConnectivityUpdates(t *testing.T) {
	q, monitor, rec := newQueue(t, network.ClassNone)
	a := transfertest.New("A", monitor)
	q.Add(a)
	a.Start()
	q.Close()

	monitor.Set(network.ClassUnmetered)

	assert.Equal(t, transfer.Handle(""), q.Current())
	assert.Equal(t, []transfer.Handle{""}, rec.current)
}
