// Package download implements resumable HTTP(S) and S3 downloads.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
	"github.com/transferd/transferd/internal/retry"
	"github.com/transferd/transferd/internal/throttle"
	"github.com/transferd/transferd/internal/transfer"
)

const (
	progressInterval = 100 * time.Millisecond
	bufferSize       = 32 * 1024
)

// Config carries what a download needs beyond its transfer options.
type Config struct {
	URL      string
	Dir      string
	Filename string
	Headers  map[string]string

	Fetcher Fetcher
	Names   *paths.NameLock
	Loop    eventloop.Poster
	Monitor network.Monitor
	Retry   retry.Policy
	Logger  zerolog.Logger
}

// Download streams a remote resource into a temp file and renames it into
// place when complete. Everything except the worker goroutine runs on the
// event loop.
type Download struct {
	*transfer.Base

	url      string
	dir      string
	filename string
	headers  map[string]string

	fetcher Fetcher
	names   *paths.NameLock
	limiter *throttle.Limiter
	loop    eventloop.Poster
	policy  retry.Policy
	logger  zerolog.Logger

	tempPath   string
	cancel     context.CancelFunc
	generation int
	onProgress []func(received, total int64)

	// serializes the worker's writes with temp file removal
	fileMu sync.Mutex
}

// New creates an idle download.
func New(opts transfer.Options, cfg Config) *Download {
	d := &Download{
		url:      cfg.URL,
		dir:      cfg.Dir,
		filename: cfg.Filename,
		headers:  cfg.Headers,
		fetcher:  cfg.Fetcher,
		names:    cfg.Names,
		limiter:  throttle.NewLimiter(opts.Throttle),
		loop:     cfg.Loop,
		policy:   cfg.Retry,
		tempPath: filepath.Join(cfg.Dir, "."+opts.ID+".part"),
		logger: cfg.Logger.With().
			Str("component", "download").
			Str("id", opts.ID).
			Str("handle", string(opts.Handle)).
			Logger(),
	}
	d.Base = transfer.NewBase(opts, cfg.Monitor, d)
	return d
}

// URL returns the source URL.
func (d *Download) URL() string { return d.url }

// TempPath returns where partial data is kept.
func (d *Download) TempPath() string { return d.tempPath }

// OnProgress implements manager.Job.
func (d *Download) OnProgress(fn func(received, total int64)) {
	d.onProgress = append(d.onProgress, fn)
}

// SetThrottle applies the new cap to a running worker immediately.
func (d *Download) SetThrottle(bytesPerSecond int64) {
	d.Base.SetThrottle(bytesPerSecond)
	d.limiter.SetLimit(d.Base.Throttle())
}

// StartTransfer begins or continues fetching. It is a no-op while a worker
// is already running.
func (d *Download) StartTransfer() {
	d.begin()
}

// ResumeTransfer continues from the bytes already on disk.
func (d *Download) ResumeTransfer() {
	d.begin()
}

// PauseTransfer aborts the request and keeps the partial data.
func (d *Download) PauseTransfer() {
	if d.stop() {
		d.logger.Info().Msg("Download paused")
	}
}

// CancelTransfer aborts the request and discards the partial data.
func (d *Download) CancelTransfer() {
	d.stop()
	d.SetProgress(0, -1)
	go d.removeTemp()
	d.logger.Info().Msg("Download cancelled")
}

// Dispose stops any worker. Unfinished partial data is discarded since a
// disposed download can never resume.
func (d *Download) Dispose() {
	d.stop()
	if d.State() != transfer.StateFinish {
		go d.removeTemp()
	}
	d.onProgress = nil
	d.Base.Dispose()
}

func (d *Download) begin() {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.generation++
	gen := d.generation

	d.logger.Info().Str("url", d.url).Msg("Download started")
	go d.run(ctx, gen)
}

// stop cancels the running worker and reports whether there was one.
func (d *Download) stop() bool {
	if d.cancel == nil {
		return false
	}
	d.cancel()
	d.cancel = nil
	d.generation++
	return true
}

func (d *Download) removeTemp() {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	if err := os.Remove(d.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn().Err(err).Str("path", d.tempPath).Msg("Failed to remove partial download")
	}
}

// run is the worker goroutine.
func (d *Download) run(ctx context.Context, gen int) {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	var hint string
	err := retry.Do(ctx, "download", d.policy, d.logger, func(ctx context.Context) error {
		suggested, err := d.attempt(ctx, gen)
		if suggested != "" {
			hint = suggested
		}
		return err
	})
	if ctx.Err() != nil {
		return
	}
	d.loop.Post(func() { d.complete(gen, hint, err) })
}

// attempt appends to the temp file from its current size.
func (d *Download) attempt(ctx context.Context, gen int) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(d.tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size()

	resp, err := d.fetcher.Fetch(ctx, FetchRequest{URL: d.url, Headers: d.headers, Offset: offset})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !resp.Resumed {
		if offset > 0 {
			d.logger.Debug().Int64("offset", offset).Msg("Source ignored range, restarting from zero")
		}
		offset = 0
		if err := f.Truncate(0); err != nil {
			return resp.Filename, err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return resp.Filename, err
	}

	received, total := offset, resp.Total
	d.postProgress(gen, received, total)

	reader := throttle.NewReader(ctx, resp.Body, d.limiter)
	buf := make([]byte, bufferSize)
	var last time.Time
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return resp.Filename, err
			}
			received += int64(n)
			if now := time.Now(); now.Sub(last) >= progressInterval {
				d.postProgress(gen, received, total)
				last = now
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return resp.Filename, readErr
		}
	}

	d.postProgress(gen, received, total)
	if total >= 0 && received < total {
		return resp.Filename, io.ErrUnexpectedEOF
	}
	return resp.Filename, f.Close()
}

func (d *Download) postProgress(gen int, received, total int64) {
	d.loop.Post(func() {
		if gen != d.generation {
			return
		}
		d.SetProgress(received, total)
		for _, fn := range d.onProgress {
			fn(received, total)
		}
	})
}

// complete runs on the loop once the worker is done.
func (d *Download) complete(gen int, hint string, err error) {
	if gen != d.generation {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	if err != nil {
		d.logger.Warn().Err(err).Msg("Download failed")
		d.Fail(Categorize(err), err.Error())
		return
	}

	final, err := d.names.Reserve(d.dir, d.resolveName(hint))
	if err != nil {
		d.Fail(transfer.ErrorFile, err.Error())
		return
	}
	defer d.names.Release(final)

	if err := os.Rename(d.tempPath, final); err != nil {
		d.logger.Error().Err(err).Str("path", final).Msg("Failed to move download into place")
		d.Fail(transfer.ErrorFile, err.Error())
		return
	}

	received, _ := d.Progress()
	d.SetProgress(received, received)
	d.logger.Info().Str("path", final).Int64("bytes", received).Msg("Download finished")
	d.Finish(final)
}

// resolveName prefers the requested name, then the source's suggestion,
// then the last URL path segment.
func (d *Download) resolveName(hint string) string {
	for _, candidate := range []string{d.filename, hint, nameFromURL(d.url)} {
		if name := paths.SanitizeName(candidate); name != "" {
			return name
		}
	}
	return fmt.Sprintf("download-%s", d.ID())
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return path.Base(u.Path)
}
