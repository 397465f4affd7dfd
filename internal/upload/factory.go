package upload

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
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

// Factory builds uploads for the manager.
type Factory struct {
	Client      *http.Client
	Names       *paths.NameLock
	Loop        eventloop.Poster
	Monitor     network.Monitor
	ResponseDir string
	Retry       retry.Policy
	Logger      zerolog.Logger
}

// Kind implements manager.Factory.
func (f *Factory) Kind() manager.Kind { return manager.KindUpload }

// New implements manager.Factory.
func (f *Factory) New(id string, handle transfer.Handle, req manager.Request, d manager.Defaults) (manager.Job, error) {
	u, err := url.Parse(req.URL)
	if err != nil || req.URL == "" {
		return nil, fmt.Errorf("%w: invalid url %q", manager.ErrInvalidRequest, req.URL)
	}
	if scheme := strings.ToLower(u.Scheme); (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: uploads need an http(s) url, got %q", manager.ErrInvalidRequest, req.URL)
	}

	if req.LocalPath == "" {
		return nil, fmt.Errorf("%w: localPath is required", manager.ErrInvalidRequest)
	}
	file, err := filepath.Abs(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", manager.ErrInvalidRequest, err)
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", manager.ErrInvalidRequest, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", manager.ErrInvalidRequest, file)
	}

	return New(d.Options(id, handle, req), Config{
		URL:         req.URL,
		File:        file,
		ResponseDir: f.ResponseDir,
		Headers:     req.Headers,
		Metadata:    req.Metadata,
		Client:      f.Client,
		Names:       f.Names,
		Loop:        f.Loop,
		Monitor:     f.Monitor,
		Retry:       f.Retry,
		Logger:      f.Logger,
	}), nil
}
