package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
	"github.com/transferd/transferd/internal/retry"
	"github.com/transferd/transferd/internal/testutil"
	"github.com/transferd/transferd/internal/transfer"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 4096)

type harness struct {
	t       *testing.T
	loop    *eventloop.Loop
	dir     string
	monitor *network.StaticMonitor
	factory *Factory
}

func newHarness(t *testing.T, fetcher Fetcher) *harness {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	loop := eventloop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	h := &harness{
		t:       t,
		loop:    loop,
		dir:     t.TempDir(),
		monitor: network.NewStatic(network.ClassUnmetered),
	}
	h.factory = &Factory{
		Fetcher:    fetcher,
		Names:      paths.NewNameLock(),
		Loop:       loop,
		Monitor:    h.monitor,
		DefaultDir: h.dir,
		Retry:      retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3, Multiplier: 2},
		Logger:     logger,
	}
	return h
}

// create builds an unqueued download so hooks fire without a queue.
func (h *harness) create(req manager.Request) *Download {
	h.t.Helper()
	req.Unqueued = true
	job, err := h.factory.New("dl1", "/com/transferd/download/dl1", req, manager.Defaults{AllowMobileData: true})
	require.NoError(h.t, err)
	return job.(*Download)
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), func() error {
		fn()
		return nil
	}))
}

// runToEnd starts d and waits for a terminal state.
func (h *harness) runToEnd(d *Download) transfer.State {
	h.t.Helper()
	done := make(chan transfer.State, 1)
	h.do(func() {
		d.OnStateChanged(func(_ transfer.Handle, s transfer.State) {
			if s == transfer.StateFinish || s == transfer.StateError {
				done <- s
			}
		})
		d.Start()
	})
	select {
	case s := <-done:
		return s
	case <-time.After(5 * time.Second):
		h.t.Fatal("download did not finish")
		return transfer.StateIdle
	}
}

func (h *harness) snapshot(d *Download) (state transfer.State, path string, received, total int64, msg string, category transfer.ErrorCategory) {
	h.do(func() {
		state = d.State()
		path = d.LocalPath()
		received, total = d.Progress()
		msg, category = d.LastError()
	})
	return
}

func serveFile(name string, ranges *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" && ranges != nil {
			ranges.Add(1)
		}
		http.ServeContent(w, r, name, time.Unix(0, 0), bytes.NewReader(payload))
	}
}

func TestDownload_Completes(t *testing.T) {
	srv := httptest.NewServer(serveFile("data.bin", nil))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), "transferd-test"))
	d := h.create(manager.Request{URL: srv.URL + "/files/data.bin"})

	require.Equal(t, transfer.StateFinish, h.runToEnd(d))

	_, path, received, total, _, _ := h.snapshot(d)
	assert.Equal(t, filepath.Join(h.dir, "data.bin"), path)
	assert.Equal(t, int64(len(payload)), received)
	assert.Equal(t, int64(len(payload)), total)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(d.TempPath())
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_ContentDispositionName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/get?id=7"})

	require.Equal(t, transfer.StateFinish, h.runToEnd(d))
	_, path, _, _, _, _ := h.snapshot(d)
	assert.Equal(t, filepath.Join(h.dir, "report.pdf"), path)
}

func TestDownload_ExplicitNameAndCollision(t *testing.T) {
	srv := httptest.NewServer(serveFile("data.bin", nil))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "mine.bin"), []byte("old"), 0o644))

	d := h.create(manager.Request{URL: srv.URL + "/data.bin", Filename: "mine.bin"})
	require.Equal(t, transfer.StateFinish, h.runToEnd(d))

	_, path, _, _, _, _ := h.snapshot(d)
	assert.Equal(t, filepath.Join(h.dir, "mine (1).bin"), path)
}

func TestDownload_ResumesFromPartialFile(t *testing.T) {
	var ranges atomic.Int32
	srv := httptest.NewServer(serveFile("data.bin", &ranges))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/data.bin"})

	half := len(payload) / 2
	require.NoError(t, os.WriteFile(d.TempPath(), payload[:half], 0o644))

	require.Equal(t, transfer.StateFinish, h.runToEnd(d))
	assert.Equal(t, int32(1), ranges.Load())

	_, path, _, _, _, _ := h.snapshot(d)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_RestartsWhenRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/data.bin"})
	require.NoError(t, os.WriteFile(d.TempPath(), []byte("garbage"), 0o644))

	require.Equal(t, transfer.StateFinish, h.runToEnd(d))

	_, path, _, _, _, _ := h.snapshot(d)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_HTTPErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/missing"})

	require.Equal(t, transfer.StateError, h.runToEnd(d))
	state, _, _, _, msg, category := h.snapshot(d)
	assert.Equal(t, transfer.StateError, state)
	assert.Contains(t, msg, "404")
	assert.Equal(t, transfer.ErrorHTTP, category)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownload_AuthErrorCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/secret"})

	require.Equal(t, transfer.StateError, h.runToEnd(d))
	_, _, _, _, _, category := h.snapshot(d)
	assert.Equal(t, transfer.ErrorAuth, category)
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/flaky.bin"})

	require.Equal(t, transfer.StateFinish, h.runToEnd(d))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownload_CancelRemovesPartialData(t *testing.T) {
	h := newHarness(t, NewHTTPFetcher(nil, ""))
	d := h.create(manager.Request{URL: "https://example.invalid/x.bin"})
	require.NoError(t, os.WriteFile(d.TempPath(), []byte("partial"), 0o644))

	h.do(func() { d.Cancel() })

	assert.Eventually(t, func() bool {
		_, err := os.Stat(d.TempPath())
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestDownload_PauseKeepsPartialData(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(payload[:1024])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, NewHTTPFetcher(srv.Client(), ""))
	d := h.create(manager.Request{URL: srv.URL + "/big.bin"})

	progressed := make(chan struct{}, 1)
	h.do(func() {
		d.OnProgress(func(received, _ int64) {
			if received >= 1024 {
				select {
				case progressed <- struct{}{}:
				default:
				}
			}
		})
		d.Start()
	})

	select {
	case <-progressed:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress reported")
	}

	h.do(func() { d.Pause() })

	assert.Eventually(t, func() bool {
		info, err := os.Stat(d.TempPath())
		return err == nil && info.Size() == 1024
	}, 2*time.Second, 10*time.Millisecond)

	state, _, _, _, _, _ := h.snapshot(d)
	assert.Equal(t, transfer.StatePause, state)
}

func TestFactory_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, NewHTTPFetcher(nil, ""))

	for _, req := range []manager.Request{
		{},
		{URL: "ftp://example.com/file"},
		{URL: "https:///nohost"},
		{URL: "s3://bucket/"},
		{URL: "https://example.com/a", Filename: "../escape"},
	} {
		_, err := h.factory.New("x", "/com/transferd/download/x", req, manager.Defaults{})
		assert.ErrorIs(t, err, manager.ErrInvalidRequest, req.URL)
	}
}

func TestFactory_AppliesDefaults(t *testing.T) {
	h := newHarness(t, NewHTTPFetcher(nil, ""))
	limit := int64(2048)

	job, err := h.factory.New("x", "/com/transferd/download/x", manager.Request{
		URL:      "https://example.com/a.iso",
		Throttle: &limit,
	}, manager.Defaults{AllowMobileData: true, Throttle: 10})
	require.NoError(t, err)

	assert.Equal(t, int64(2048), job.Throttle())
	assert.True(t, job.AllowMobileData())
	assert.True(t, job.Queued())
	assert.Equal(t, h.dir, filepath.Dir(job.(*Download).TempPath()))
}

func TestParseContentRange(t *testing.T) {
	start, total := parseContentRange("bytes 100-199/1000")
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(1000), total)

	_, total = parseContentRange("bytes */500")
	assert.Equal(t, int64(500), total)

	_, total = parseContentRange("bytes 0-10/*")
	assert.Equal(t, int64(-1), total)
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, transfer.ErrorAuth, Categorize(&HTTPError{StatusCode: http.StatusForbidden}))
	assert.Equal(t, transfer.ErrorHTTP, Categorize(&HTTPError{StatusCode: http.StatusGone}))
	assert.Equal(t, transfer.ErrorFile, Categorize(&os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}))
	assert.Equal(t, transfer.ErrorNetwork, Categorize(errors.New("connection reset by peer")))
}

type fakeS3 struct {
	input *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = in
	out := &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("tail"))}
	if in.Range != nil {
		out.ContentRange = aws.String("bytes 6-9/10")
	} else {
		out.ContentLength = aws.Int64(10)
	}
	return out, nil
}

func TestS3Fetcher_RangedGet(t *testing.T) {
	client := &fakeS3{}
	f := NewS3Fetcher(client)

	resp, err := f.Fetch(context.Background(), FetchRequest{URL: "s3://bucket/dir/object.tar", Offset: 6})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bucket", aws.ToString(client.input.Bucket))
	assert.Equal(t, "dir/object.tar", aws.ToString(client.input.Key))
	assert.Equal(t, "bytes=6-", aws.ToString(client.input.Range))
	assert.True(t, resp.Resumed)
	assert.Equal(t, int64(10), resp.Total)
	assert.Equal(t, "object.tar", resp.Filename)

	resp, err = f.Fetch(context.Background(), FetchRequest{URL: "s3://bucket/dir/object.tar"})
	require.NoError(t, err)
	assert.False(t, resp.Resumed)
	assert.Nil(t, client.input.Range)
	assert.Equal(t, int64(10), resp.Total)
}

func TestRouter_RejectsUnknownScheme(t *testing.T) {
	r := &Router{HTTP: NewHTTPFetcher(nil, "")}

	_, err := r.Fetch(context.Background(), FetchRequest{URL: "s3://bucket/key"})
	assert.Error(t, err)

	_, err = r.Fetch(context.Background(), FetchRequest{URL: "gopher://host/x"})
	assert.Error(t, err)
}
