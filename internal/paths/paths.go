// Package paths resolves default locations and hands out unique
// destination file names.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
)

const appName = "transferd"

// DefaultDownloadDir returns the user's download directory.
func DefaultDownloadDir() string {
	if xdg.UserDirs.Download != "" {
		return xdg.UserDirs.Download
	}
	return filepath.Join(xdg.Home, "Downloads")
}

// DefaultDatabasePath returns the metadata database location.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, appName, "transferd.db")
}

// DefaultResponseDir returns where upload responses are written.
func DefaultResponseDir() string {
	return filepath.Join(xdg.DataHome, appName, "responses")
}

// DefaultLogPath returns the rotating log file location.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, appName, "transferd.log")
}

// DefaultLockDir returns the directory for the single-instance lock.
func DefaultLockDir() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

// ConfigFile returns the first existing config file in the XDG config
// search path, or "" when there is none.
func ConfigFile() string {
	p, err := xdg.SearchConfigFile(filepath.Join(appName, "config.yaml"))
	if err != nil {
		return ""
	}
	return p
}

// SanitizeName strips directory components and characters that are unsafe
// in a file name.
func SanitizeName(name string) string {
	name = filepath.Base(filepath.ToSlash(strings.TrimSpace(name)))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// NameLock hands out destination paths that neither exist on disk nor are
// reserved by another running transfer.
type NameLock struct {
	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewNameLock creates an empty lock set.
func NewNameLock() *NameLock {
	return &NameLock{reserved: make(map[string]struct{})}
}

// Reserve returns a free path for name inside dir, adding " (n)" before the
// extension until one is found.
func (l *NameLock) Reserve(dir, name string) (string, error) {
	name = SanitizeName(name)
	if name == "" {
		return "", errors.New("empty file name")
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		p := filepath.Join(dir, candidate)

		if _, taken := l.reserved[p]; taken {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}

		l.reserved[p] = struct{}{}
		return p, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

// Release makes path available again.
func (l *NameLock) Release(path string) {
	l.mu.Lock()
	delete(l.reserved, path)
	l.mu.Unlock()
}

// Reserved reports whether path is currently held.
func (l *NameLock) Reserved(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.reserved[path]
	return ok
}
