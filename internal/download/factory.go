package download

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
	"github.com/transferd/transferd/internal/retry"
	"github.com/transferd/transferd/internal/transfer"
)

// Factory builds downloads for the manager.
type Factory struct {
	Fetcher    Fetcher
	Names      *paths.NameLock
	Loop       eventloop.Poster
	Monitor    network.Monitor
	DefaultDir string
	Retry      retry.Policy
	Logger     zerolog.Logger
}

// Kind implements manager.Factory.
func (f *Factory) Kind() manager.Kind { return manager.KindDownload }

// New implements manager.Factory.
func (f *Factory) New(id string, handle transfer.Handle, req manager.Request, d manager.Defaults) (manager.Job, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	dir := req.LocalPath
	if dir == "" {
		dir = f.DefaultDir
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: no destination directory", manager.ErrInvalidRequest)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", manager.ErrInvalidRequest, err)
	}

	if req.Filename != "" && paths.SanitizeName(req.Filename) != req.Filename {
		return nil, fmt.Errorf("%w: filename %q must not contain path separators", manager.ErrInvalidRequest, req.Filename)
	}

	return New(d.Options(id, handle, req), Config{
		URL:      req.URL,
		Dir:      dir,
		Filename: req.Filename,
		Headers:  req.Headers,
		Fetcher:  f.Fetcher,
		Names:    f.Names,
		Loop:     f.Loop,
		Monitor:  f.Monitor,
		Retry:    f.Retry,
		Logger:   f.Logger,
	}), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", manager.ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", manager.ErrInvalidRequest, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: url %q has no host", manager.ErrInvalidRequest, raw)
		}
	case "s3":
		if _, _, err := ParseS3URL(raw); err != nil {
			return fmt.Errorf("%w: %v", manager.ErrInvalidRequest, err)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", manager.ErrInvalidRequest, u.Scheme)
	}
	return nil
}
