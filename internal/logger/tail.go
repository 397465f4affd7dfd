package logger

import (
	"encoding/json"
	"sync"
)

const defaultTailSize = 500

// Entry is a parsed log line.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Tail keeps the most recent log entries in memory. It implements
// io.Writer for zerolog's JSON output.
type Tail struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewTail creates a tail holding up to size entries.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &Tail{entries: make([]Entry, size)}
}

// Write parses one zerolog entry. Malformed input is dropped.
func (t *Tail) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	e := Entry{Fields: make(map[string]any)}
	e.Timestamp, _ = raw[timeKey].(string)
	e.Level, _ = raw["level"].(string)
	e.Component, _ = raw["component"].(string)
	e.Message, _ = raw["message"].(string)
	for _, k := range []string{timeKey, "level", "component", "message"} {
		delete(raw, k)
	}
	for k, v := range raw {
		e.Fields[k] = v
	}

	t.push(e)
	return len(p), nil
}

const timeKey = "time"

func (t *Tail) push(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.entries)
	t.entries[(t.head+t.count)%size] = e
	if t.count < size {
		t.count++
	} else {
		t.head = (t.head + 1) % size
	}
}

// Recent returns up to n entries, oldest first. n <= 0 returns all.
func (t *Tail) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]Entry, n)
	start := t.count - n
	for i := 0; i < n; i++ {
		out[i] = t.entries[(t.head+start+i)%len(t.entries)]
	}
	return out
}
