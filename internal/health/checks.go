package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/network"
)

const (
	defaultWarningFree = 1 << 30   // 1 GiB
	defaultErrorFree   = 100 << 20 // 100 MiB

	databaseItemID = "metadata"
	networkItemID  = "connectivity"
)

// Folder is a directory transfers write into.
type Folder struct {
	ID   string
	Name string
	Path string
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CheckerConfig selects what the checker watches.
type CheckerConfig struct {
	Folders  []Folder
	Database Pinger
	// Free space below these byte counts raises a warning or an error.
	WarningFree uint64
	ErrorFree   uint64
}

// Checker runs the periodic storage and database checks.
type Checker struct {
	svc       *Service
	cfg       CheckerConfig
	diskUsage func(path string) (free, total uint64, err error)
	logger    zerolog.Logger
}

// NewChecker registers the configured items with svc.
func NewChecker(svc *Service, cfg CheckerConfig, logger zerolog.Logger) *Checker {
	if cfg.WarningFree == 0 {
		cfg.WarningFree = defaultWarningFree
	}
	if cfg.ErrorFree == 0 {
		cfg.ErrorFree = defaultErrorFree
	}
	for _, f := range cfg.Folders {
		svc.RegisterItem(CategoryStorage, f.ID, f.Name)
	}
	if cfg.Database != nil {
		svc.RegisterItem(CategoryDatabase, databaseItemID, "Transfer metadata")
	}
	return &Checker{
		svc:       svc,
		cfg:       cfg,
		diskUsage: diskUsage,
		logger:    logger.With().Str("component", "health-check").Logger(),
	}
}

// CheckAll runs every check and reports the first failure of the checks
// themselves. Unhealthy items are not errors.
func (c *Checker) CheckAll(ctx context.Context) error {
	for _, f := range c.cfg.Folders {
		c.checkFolder(f)
	}
	if c.cfg.Database != nil {
		if err := c.cfg.Database.PingContext(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.svc.SetError(CategoryDatabase, databaseItemID, err.Error())
		} else {
			c.svc.ClearStatus(CategoryDatabase, databaseItemID)
		}
	}
	return nil
}

func (c *Checker) checkFolder(f Folder) {
	if err := checkFolderAccessible(f.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.svc.SetWarning(CategoryStorage, f.ID, err.Error())
		} else {
			c.svc.SetError(CategoryStorage, f.ID, err.Error())
		}
		return
	}
	if err := checkFolderWritable(f.Path); err != nil {
		c.svc.SetError(CategoryStorage, f.ID, err.Error())
		return
	}

	free, total, err := c.diskUsage(f.Path)
	if err != nil {
		if !errors.Is(err, errors.ErrUnsupported) {
			c.logger.Debug().Err(err).Str("path", f.Path).Msg("failed to read disk usage")
		}
		c.svc.ClearStatus(CategoryStorage, f.ID)
		return
	}

	switch {
	case free < c.cfg.ErrorFree:
		c.svc.SetError(CategoryStorage, f.ID, fmt.Sprintf("Critically low disk space: %s of %s free", humanize.IBytes(free), humanize.IBytes(total)))
	case free < c.cfg.WarningFree:
		c.svc.SetWarning(CategoryStorage, f.ID, fmt.Sprintf("Low disk space: %s of %s free", humanize.IBytes(free), humanize.IBytes(total)))
	default:
		c.svc.ClearStatus(CategoryStorage, f.ID)
	}
}

// WatchNetwork mirrors the connectivity class into the network category.
// The returned func stops watching.
func (c *Checker) WatchNetwork(monitor network.Monitor) func() {
	c.svc.RegisterItem(CategoryNetwork, networkItemID, "Connectivity")
	update := func(class network.Class) {
		switch class {
		case network.ClassNone:
			c.svc.SetWarning(CategoryNetwork, networkItemID, "No usable network; transfers are on hold")
		case network.ClassUnknown:
			c.svc.SetWarning(CategoryNetwork, networkItemID, "Connectivity not determined yet")
		default:
			c.svc.ClearStatus(CategoryNetwork, networkItemID)
		}
	}
	update(monitor.Class())
	return monitor.Subscribe(update)
}

// checkFolderAccessible verifies that a path exists and is a directory.
func checkFolderAccessible(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s: %w", path, os.ErrNotExist)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied: %s", path)
		}
		return fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// checkFolderWritable creates and removes a probe file in path.
func checkFolderWritable(path string) error {
	probe := filepath.Join(path, ".transferd_health_"+uuid.New().String()[:8])

	f, err := os.Create(probe)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("folder is read-only: %s", path)
		}
		return fmt.Errorf("cannot write to folder: %w", err)
	}
	_, werr := f.Write([]byte("health check"))
	cerr := f.Close()
	rerr := os.Remove(probe)
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("cannot write data: %w", err)
	}
	if rerr != nil {
		return fmt.Errorf("cannot remove probe file: %w", rerr)
	}
	return nil
}
