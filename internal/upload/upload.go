// Package upload implements multipart/form-data file uploads.
package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/download"
	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
	"github.com/transferd/transferd/internal/retry"
	"github.com/transferd/transferd/internal/throttle"
	"github.com/transferd/transferd/internal/transfer"
)

const (
	progressInterval = 100 * time.Millisecond
	fileField        = "file"
	maxResponseSize  = 16 << 20
)

// Config carries what an upload needs beyond its transfer options.
type Config struct {
	URL         string
	File        string
	ResponseDir string
	Headers     map[string]string
	Metadata    map[string]string

	Client  *http.Client
	Names   *paths.NameLock
	Loop    eventloop.Poster
	Monitor network.Monitor
	Retry   retry.Policy
	Logger  zerolog.Logger
}

// Upload posts one local file. HTTP cannot continue a request body, so a
// paused upload restarts from the first byte when resumed.
type Upload struct {
	*transfer.Base

	url         string
	file        string
	responseDir string
	headers     map[string]string
	metadata    map[string]string

	client  *http.Client
	names   *paths.NameLock
	limiter *throttle.Limiter
	loop    eventloop.Poster
	policy  retry.Policy
	logger  zerolog.Logger

	cancel     context.CancelFunc
	generation int
	onProgress []func(sent, total int64)
}

// New creates an idle upload.
func New(opts transfer.Options, cfg Config) *Upload {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := &Upload{
		url:         cfg.URL,
		file:        cfg.File,
		responseDir: cfg.ResponseDir,
		headers:     cfg.Headers,
		metadata:    cfg.Metadata,
		client:      client,
		names:       cfg.Names,
		limiter:     throttle.NewLimiter(opts.Throttle),
		loop:        cfg.Loop,
		policy:      cfg.Retry,
		logger: cfg.Logger.With().
			Str("component", "upload").
			Str("id", opts.ID).
			Str("handle", string(opts.Handle)).
			Logger(),
	}
	u.Base = transfer.NewBase(opts, cfg.Monitor, u)
	return u
}

// URL returns the destination URL.
func (u *Upload) URL() string { return u.url }

// File returns the local file being uploaded.
func (u *Upload) File() string { return u.file }

// OnProgress implements manager.Job.
func (u *Upload) OnProgress(fn func(sent, total int64)) {
	u.onProgress = append(u.onProgress, fn)
}

// SetThrottle applies the new cap to a running request immediately.
func (u *Upload) SetThrottle(bytesPerSecond int64) {
	u.Base.SetThrottle(bytesPerSecond)
	u.limiter.SetLimit(u.Base.Throttle())
}

// StartTransfer sends the file unless a request is already in flight.
func (u *Upload) StartTransfer() { u.begin() }

// ResumeTransfer sends the file again from the start.
func (u *Upload) ResumeTransfer() { u.begin() }

// PauseTransfer aborts the request in flight.
func (u *Upload) PauseTransfer() {
	if u.stop() {
		u.logger.Info().Msg("Upload paused")
	}
}

// CancelTransfer aborts the request in flight.
func (u *Upload) CancelTransfer() {
	u.stop()
	u.logger.Info().Msg("Upload cancelled")
}

// Dispose stops the request and drops observers.
func (u *Upload) Dispose() {
	u.stop()
	u.onProgress = nil
	u.Base.Dispose()
}

func (u *Upload) begin() {
	if u.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.generation++
	gen := u.generation

	u.logger.Info().Str("url", u.url).Str("file", u.file).Msg("Upload started")
	go u.run(ctx, gen)
}

func (u *Upload) stop() bool {
	if u.cancel == nil {
		return false
	}
	u.cancel()
	u.cancel = nil
	u.generation++
	return true
}

func (u *Upload) run(ctx context.Context, gen int) {
	var responsePath string
	err := retry.Do(ctx, "upload", u.policy, u.logger, func(ctx context.Context) error {
		p, err := u.attempt(ctx, gen)
		responsePath = p
		return err
	})
	if ctx.Err() != nil {
		return
	}
	u.loop.Post(func() { u.complete(gen, responsePath, err) })
}

// attempt streams the multipart body and stores the response.
func (u *Upload) attempt(ctx context.Context, gen int) (string, error) {
	f, err := os.Open(u.file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	total := info.Size()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(u.file); err == nil {
		contentType = mt.String()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	counter := &countingReader{r: throttle.NewReader(ctx, f, u.limiter)}
	go func() {
		pw.CloseWithError(u.writeBody(mw, counter, contentType))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range u.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	u.postProgress(gen, 0, total)
	stopTicker := u.reportWhileSending(ctx, gen, counter, total)
	resp, err := u.client.Do(req)
	stopTicker()
	pr.Close()
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	u.postProgress(gen, counter.n.Load(), total)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &download.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return u.saveResponse(resp.Body)
}

func (u *Upload) writeBody(mw *multipart.Writer, body io.Reader, contentType string) error {
	keys := make([]string, 0, len(u.metadata))
	for k := range u.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, u.metadata[k]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filepath.Base(u.file)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// reportWhileSending posts progress at a fixed rate until the returned
// function is called.
func (u *Upload) reportWhileSending(ctx context.Context, gen int, counter *countingReader, total int64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.postProgress(gen, counter.n.Load(), total)
			}
		}
	}()
	return func() { close(done) }
}

func (u *Upload) saveResponse(body io.Reader) (string, error) {
	if err := os.MkdirAll(u.responseDir, 0o755); err != nil {
		return "", err
	}
	path, err := u.names.Reserve(u.responseDir, filepath.Base(u.file)+".response")
	if err != nil {
		return "", err
	}
	defer u.names.Release(path)

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.LimitReader(body, maxResponseSize)); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	return path, out.Close()
}

func (u *Upload) postProgress(gen int, sent, total int64) {
	u.loop.Post(func() {
		if gen != u.generation {
			return
		}
		u.SetProgress(sent, total)
		for _, fn := range u.onProgress {
			fn(sent, total)
		}
	})
}

func (u *Upload) complete(gen int, responsePath string, err error) {
	if gen != u.generation {
		return
	}
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}

	if err != nil {
		u.logger.Warn().Err(err).Msg("Upload failed")
		u.Fail(download.Categorize(err), err.Error())
		return
	}

	u.logger.Info().Str("response", responsePath).Msg("Upload finished")
	u.Finish(responsePath)
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
