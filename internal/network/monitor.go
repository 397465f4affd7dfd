package network

import (
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// StaticMonitor reports a fixed class until Set or Pin changes it.
type StaticMonitor struct {
	mu    sync.RWMutex
	class Class
	subs  subscribers
}

// NewStatic creates a monitor that reports c.
func NewStatic(c Class) *StaticMonitor {
	return &StaticMonitor{class: c}
}

// Class returns the configured class.
func (m *StaticMonitor) Class() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class
}

// Subscribe registers a change callback.
func (m *StaticMonitor) Subscribe(fn func(Class)) func() {
	return m.subs.add(fn)
}

// Set changes the class and notifies subscribers when it differs.
func (m *StaticMonitor) Set(c Class) {
	m.mu.Lock()
	if m.class == c {
		m.mu.Unlock()
		return
	}
	m.class = c
	m.mu.Unlock()

	m.subs.notify(c)
}

// Pin is Set; a static monitor has nothing to unpin to.
func (m *StaticMonitor) Pin(c Class) { m.Set(c) }

// Unpin is a no-op for static monitors.
func (m *StaticMonitor) Unpin() {}

// Interface is the subset of host interface details used for classification.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// Prober lists the host network interfaces.
type Prober interface {
	Interfaces() ([]Interface, error)
}

// SystemProber reads interfaces from the operating system.
type SystemProber struct{}

// Interfaces implements Prober using net.Interfaces.
func (SystemProber) Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		out = append(out, Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  len(addrs) > 0,
		})
	}
	return out, nil
}

var (
	meteredPrefixes   = []string{"wwan", "rmnet", "ppp", "usb", "ccmni", "wwp"}
	unmeteredPrefixes = []string{"eth", "en", "wl", "bnep", "br"}
)

// Classify picks the best class offered by the given interfaces. Unmetered
// links win over metered ones; interfaces that match neither list are
// treated as unknown.
func Classify(ifaces []Interface) Class {
	best := ClassNone
	sawUnknown := false

	for _, iface := range ifaces {
		if iface.Loopback || !iface.Up || !iface.HasAddr {
			continue
		}
		name := strings.ToLower(iface.Name)
		switch {
		case hasAnyPrefix(name, meteredPrefixes):
			if best != ClassUnmetered {
				best = ClassMetered
			}
		case hasAnyPrefix(name, unmeteredPrefixes):
			best = ClassUnmetered
		default:
			sawUnknown = true
		}
	}

	if best == ClassNone && sawUnknown {
		return ClassUnknown
	}
	return best
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ProbeMonitor derives the class from periodic interface probes. Refresh is
// expected to be called by a scheduled task.
type ProbeMonitor struct {
	prober Prober
	logger zerolog.Logger

	mu     sync.RWMutex
	class  Class
	pinned bool
	subs   subscribers
}

// NewProbeMonitor creates a monitor that starts in ClassUnknown.
func NewProbeMonitor(prober Prober, logger zerolog.Logger) *ProbeMonitor {
	return &ProbeMonitor{
		prober: prober,
		logger: logger.With().Str("component", "network").Logger(),
	}
}

// Class returns the last observed class.
func (m *ProbeMonitor) Class() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class
}

// Subscribe registers a change callback.
func (m *ProbeMonitor) Subscribe(fn func(Class)) func() {
	return m.subs.add(fn)
}

// Refresh probes the interfaces and publishes a change if the class moved.
// It does nothing while the class is pinned.
func (m *ProbeMonitor) Refresh() (Class, error) {
	ifaces, err := m.prober.Interfaces()
	if err != nil {
		return m.Class(), err
	}
	c := Classify(ifaces)

	m.mu.Lock()
	if m.pinned || m.class == c {
		current := m.class
		m.mu.Unlock()
		return current, nil
	}
	previous := m.class
	m.class = c
	m.mu.Unlock()

	m.logger.Info().
		Stringer("from", previous).
		Stringer("to", c).
		Msg("Connectivity class changed")
	m.subs.notify(c)
	return c, nil
}

// Pin forces the reported class until Unpin is called.
func (m *ProbeMonitor) Pin(c Class) {
	m.mu.Lock()
	m.pinned = true
	changed := m.class != c
	m.class = c
	m.mu.Unlock()

	m.logger.Info().Stringer("class", c).Msg("Connectivity class pinned")
	if changed {
		m.subs.notify(c)
	}
}

// Unpin resumes interface based detection on the next Refresh.
func (m *ProbeMonitor) Unpin() {
	m.mu.Lock()
	m.pinned = false
	m.mu.Unlock()
}
