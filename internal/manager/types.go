package manager

import (
	"errors"
	"time"

	"github.com/transferd/transferd/internal/transfer"
)

var (
	// ErrTransferNotFound is returned for unknown transfer ids.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrInvalidRequest is returned when a job description is unusable.
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// Kind names the transfer direction a manager serves.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Request describes a new transfer.
type Request struct {
	URL string `json:"url"`
	// LocalPath is the destination directory of a download or the source
	// file of an upload.
	LocalPath       string            `json:"localPath,omitempty"`
	Filename        string            `json:"filename,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Throttle        *int64            `json:"throttle,omitempty"`
	AllowMobileData *bool             `json:"allowMobileData,omitempty"`
	Unqueued        bool              `json:"unqueued,omitempty"`
	Autostart       bool              `json:"autostart,omitempty"`
}

// Defaults apply to transfers whose request leaves a setting open.
type Defaults struct {
	Throttle        int64 `json:"throttle"`
	AllowMobileData bool  `json:"allowMobileData"`
}

// Options resolves the per-transfer settings from req and d.
func (d Defaults) Options(id string, handle transfer.Handle, req Request) transfer.Options {
	opts := transfer.Options{
		ID:              id,
		Handle:          handle,
		Queued:          !req.Unqueued,
		AllowMobileData: d.AllowMobileData,
		Throttle:        d.Throttle,
	}
	if req.AllowMobileData != nil {
		opts.AllowMobileData = *req.AllowMobileData
	}
	if req.Throttle != nil {
		opts.Throttle = *req.Throttle
	}
	return opts
}

// Job is a transfer a manager can drive.
type Job interface {
	transfer.Transfer

	ID() string
	Start()
	Pause()
	Resume()
	Cancel()

	SetThrottle(bytesPerSecond int64)
	Throttle() int64
	SetAllowMobileData(allowed bool)
	AllowMobileData() bool

	Progress() (received, total int64)
	LastError() (string, transfer.ErrorCategory)
	LocalPath() string

	// OnProgress registers fn for byte progress reported on the loop.
	OnProgress(fn func(received, total int64))
}

// Factory builds jobs of one kind.
type Factory interface {
	Kind() Kind
	New(id string, handle transfer.Handle, req Request, d Defaults) (Job, error)
}

// Info is the externally visible view of a transfer.
type Info struct {
	ID              string            `json:"id"`
	Kind            Kind              `json:"kind"`
	Handle          string            `json:"handle"`
	URL             string            `json:"url"`
	LocalPath       string            `json:"localPath,omitempty"`
	Filename        string            `json:"filename,omitempty"`
	FinalPath       string            `json:"finalPath,omitempty"`
	State           transfer.State    `json:"state"`
	Received        int64             `json:"received"`
	Total           int64             `json:"total"`
	Throttle        int64             `json:"throttle"`
	AllowMobileData bool              `json:"allowMobileData"`
	Queued          bool              `json:"queued"`
	Current         bool              `json:"current"`
	Headers         map[string]string `json:"headers,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCategory   string            `json:"errorCategory,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// QueueInfo describes the queue of one manager.
type QueueInfo struct {
	Current string   `json:"current"`
	Paths   []string `json:"paths"`
	Size    int      `json:"size"`
}
