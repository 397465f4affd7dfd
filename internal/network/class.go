// Package network reports the connectivity class of the host and notifies
// subscribers when it changes.
package network

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownClass is returned when a class name cannot be parsed.
var ErrUnknownClass = errors.New("unknown connectivity class")

// Class is the kind of connectivity currently available.
type Class int

const (
	ClassUnknown Class = iota
	ClassNone
	ClassMetered
	ClassUnmetered
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassMetered:
		return "metered"
	case ClassUnmetered:
		return "unmetered"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(text []byte) error {
	parsed, err := ParseClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClass converts a class name into a Class.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return ClassUnknown, nil
	case "none", "offline":
		return ClassNone, nil
	case "metered", "mobile", "cellular":
		return ClassMetered, nil
	case "unmetered", "wifi", "wlan", "ethernet":
		return ClassUnmetered, nil
	default:
		return ClassUnknown, fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
}

// Monitor is the connectivity oracle consulted by transfers and the queue.
type Monitor interface {
	// Class returns the current connectivity class.
	Class() Class
	// Subscribe registers fn to be called after every class change. The
	// returned function removes the subscription.
	Subscribe(fn func(Class)) (unsubscribe func())
}

// Overrider lets callers pin the reported class, bypassing detection.
type Overrider interface {
	Pin(c Class)
	Unpin()
}

// subscribers is a goroutine-safe list of change callbacks.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Class)
}

func (s *subscribers) add(fn func(Class)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(Class))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// notify calls every subscriber in registration order outside the lock.
func (s *subscribers) notify(c Class) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	fns := make([]func(Class), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
