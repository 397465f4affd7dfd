package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// minimal PNG signature followed by filler
var pngData = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 4096)...)

type received struct {
	mu          sync.Mutex
	filename    string
	contentType string
	size        int
	fields      map[string]string
	auth        string
}

func multipartServer(t *testing.T, rec *received) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.fields = map[string]string{}
		rec.auth = r.Header.Get("Authorization")
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "file" {
				rec.filename = part.FileName()
				rec.contentType = part.Header.Get("Content-Type")
				rec.size = len(data)
			} else {
				rec.fields[part.FormName()] = string(data)
			}
		}
		fmt.Fprintf(w, `{"stored":%q}`, rec.filename)
	}))
}

type harness struct {
	t       *testing.T
	loop    *eventloop.Loop
	factory *Factory
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	loop := eventloop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	dir := t.TempDir()
	return &harness{
		t:    t,
		loop: loop,
		dir:  dir,
		factory: &Factory{
			Names:       paths.NewNameLock(),
			Loop:        loop,
			Monitor:     network.NewStatic(network.ClassUnmetered),
			ResponseDir: filepath.Join(dir, "responses"),
			Retry:       retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3, Multiplier: 2},
			Logger:      logger,
		},
	}
}

func (h *harness) writeFile(name string, data []byte) string {
	h.t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(p, data, 0o644))
	return p
}

func (h *harness) create(req manager.Request) *Upload {
	h.t.Helper()
	req.Unqueued = true
	job, err := h.factory.New("up1", "/com/transferd/upload/up1", req, manager.Defaults{AllowMobileData: true})
	require.NoError(h.t, err)
	return job.(*Upload)
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (h *harness) runToEnd(u *Upload) transfer.State {
	h.t.Helper()
	done := make(chan transfer.State, 1)
	h.do(func() {
		u.OnStateChanged(func(_ transfer.Handle, s transfer.State) {
			if s == transfer.StateFinish || s == transfer.StateError {
				done <- s
			}
		})
		u.Start()
	})
	select {
	case s := <-done:
		return s
	case <-time.After(5 * time.Second):
		h.t.Fatal("upload did not finish")
		return transfer.StateIdle
	}
}

func TestUpload_SendsMultipartAndStoresResponse(t *testing.T) {
	rec := &received{}
	srv := multipartServer(t, rec)
	defer srv.Close()

	h := newHarness(t)
	file := h.writeFile("photo.png", pngData)
	u := h.create(manager.Request{
		URL:       srv.URL + "/upload",
		LocalPath: file,
		Headers:   map[string]string{"Authorization": "Bearer token"},
		Metadata:  map[string]string{"album": "holiday", "index": "3"},
	})

	require.Equal(t, transfer.StateFinish, h.runToEnd(u))

	rec.mu.Lock()
	assert.Equal(t, "photo.png", rec.filename)
	assert.Equal(t, "image/png", rec.contentType)
	assert.Equal(t, len(pngData), rec.size)
	assert.Equal(t, map[string]string{"album": "holiday", "index": "3"}, rec.fields)
	assert.Equal(t, "Bearer token", rec.auth)
	rec.mu.Unlock()

	var path string
	var sent, total int64
	h.do(func() {
		path = u.LocalPath()
		sent, total = u.Progress()
	})
	assert.Equal(t, filepath.Join(h.dir, "responses", "photo.png.response"), path)
	assert.Equal(t, int64(len(pngData)), total)
	assert.Equal(t, total, sent)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stored":"photo.png"}`, string(body))
}

func TestUpload_ForbiddenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h := newHarness(t)
	u := h.create(manager.Request{URL: srv.URL, LocalPath: h.writeFile("a.txt", []byte("hello"))})

	require.Equal(t, transfer.StateError, h.runToEnd(u))

	var category transfer.ErrorCategory
	h.do(func() { _, category = u.LastError() })
	assert.Equal(t, transfer.ErrorAuth, category)
}

func TestUpload_RetriesServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newHarness(t)
	u := h.create(manager.Request{URL: srv.URL, LocalPath: h.writeFile("a.txt", []byte("hello"))})

	require.Equal(t, transfer.StateFinish, h.runToEnd(u))
	assert.Equal(t, int32(2), hits.Load())
}

func TestUpload_ResponseNamesDoNotCollide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newHarness(t)
	file := h.writeFile("a.txt", []byte("hello"))
	require.NoError(t, os.MkdirAll(h.factory.ResponseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.factory.ResponseDir, "a.txt.response"), []byte("old"), 0o644))

	u := h.create(manager.Request{URL: srv.URL, LocalPath: file})
	require.Equal(t, transfer.StateFinish, h.runToEnd(u))

	var path string
	h.do(func() { path = u.LocalPath() })
	assert.Equal(t, filepath.Join(h.factory.ResponseDir, "a.txt (1).response"), path)
}

func TestFactory_Validation(t *testing.T) {
	h := newHarness(t)
	file := h.writeFile("a.txt", []byte("x"))

	for _, req := range []manager.Request{
		{URL: "", LocalPath: file},
		{URL: "s3://bucket/key", LocalPath: file},
		{URL: "https://example.com/upload"},
		{URL: "https://example.com/upload", LocalPath: filepath.Join(h.dir, "missing.txt")},
		{URL: "https://example.com/upload", LocalPath: h.dir},
	} {
		_, err := h.factory.New("x", "/com/transferd/upload/x", req, manager.Defaults{})
		assert.ErrorIs(t, err, manager.ErrInvalidRequest)
	}
}

// stallingServer reads the start of the first request body and then drains
// it until the client goes away. Later requests are stored in full.
type stallingServer struct {
	*httptest.Server

	hits    atomic.Int32
	started chan struct{}
	aborted chan error

	mu   sync.Mutex
	body []byte
}

func newStallingServer(t *testing.T) *stallingServer {
	t.Helper()
	s := &stallingServer{
		started: make(chan struct{}),
		aborted: make(chan error, 1),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.hits.Add(1) == 1 {
			buf := make([]byte, 1)
			if _, err := io.ReadFull(r.Body, buf); err != nil {
				s.aborted <- err
				return
			}
			close(s.started)
			_, err := io.Copy(io.Discard, r.Body)
			s.aborted <- err
			return
		}

		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "file" {
				data, _ := io.ReadAll(part)
				s.mu.Lock()
				s.body = data
				s.mu.Unlock()
			}
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stallingServer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload request never reached the server")
	}
}

func (s *stallingServer) waitAborted(t *testing.T) {
	t.Helper()
	select {
	case err := <-s.aborted:
		assert.Error(t, err, "first request body must not complete")
	case <-time.After(5 * time.Second):
		t.Fatal("upload request was not aborted")
	}
}

func slowRequest(url, file string) manager.Request {
	limit := int64(1000)
	return manager.Request{URL: url, LocalPath: file, Throttle: &limit}
}

func TestUpload_PauseAbortsAndResumeRestartsFromFirstByte(t *testing.T) {
	srv := newStallingServer(t)
	h := newHarness(t)
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	u := h.create(slowRequest(srv.URL, h.writeFile("big.bin", data)))

	done := make(chan transfer.State, 1)
	h.do(func() {
		u.OnStateChanged(func(_ transfer.Handle, s transfer.State) {
			if s == transfer.StateFinish || s == transfer.StateError {
				done <- s
			}
		})
		u.Start()
	})
	srv.waitStarted(t)

	h.do(u.Pause)
	srv.waitAborted(t)

	var state transfer.State
	h.do(func() { state = u.State() })
	assert.Equal(t, transfer.StatePause, state)
	assert.Equal(t, int32(1), srv.hits.Load())

	h.do(func() {
		u.SetThrottle(0)
		u.Resume()
	})
	select {
	case s := <-done:
		require.Equal(t, transfer.StateFinish, s)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed upload did not finish")
	}

	assert.Equal(t, int32(2), srv.hits.Load())
	srv.mu.Lock()
	assert.Equal(t, data, srv.body, "resumed upload sends the whole file again")
	srv.mu.Unlock()

	var sent, total int64
	h.do(func() { sent, total = u.Progress() })
	assert.Equal(t, int64(len(data)), total)
	assert.Equal(t, total, sent)
}

func TestUpload_CancelAbortsWithoutResponse(t *testing.T) {
	srv := newStallingServer(t)
	h := newHarness(t)
	u := h.create(slowRequest(srv.URL, h.writeFile("big.bin", bytes.Repeat([]byte("x"), 64*1024))))

	h.do(u.Start)
	srv.waitStarted(t)

	h.do(u.Cancel)
	srv.waitAborted(t)

	// give a late completion the chance to land on the loop
	time.Sleep(50 * time.Millisecond)
	var state transfer.State
	h.do(func() { state = u.State() })
	assert.Equal(t, transfer.StateCancel, state)
	assert.Equal(t, int32(1), srv.hits.Load())

	entries, err := os.ReadDir(h.factory.ResponseDir)
	if err == nil {
		assert.Empty(t, entries)
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}
