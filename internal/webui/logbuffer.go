// Package webui holds the operator dashboard and the log ring buffer behind it.
package webui

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one captured log line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	FamilyID  string    `json:"familyId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogFilter selects entries. Empty fields match everything.
type LogFilter struct {
	Level     string
	Component string
	FamilyID  string
	DeviceID  string
}

func (f LogFilter) match(e LogEntry) bool {
	if f.Level != "" {
		want, err := zerolog.ParseLevel(f.Level)
		got, gerr := zerolog.ParseLevel(e.Level)
		if err == nil && gerr == nil && got < want {
			return false
		}
	}
	return (f.Component == "" || f.Component == e.Component) &&
		(f.FamilyID == "" || f.FamilyID == e.FamilyID) &&
		(f.DeviceID == "" || f.DeviceID == e.DeviceID)
}

// LogBuffer is a thread-safe ring buffer fed by the root zerolog writer
type LogBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewLogBuffer creates a log buffer holding the last size entries
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Write implements io.Writer. Each call carries one zerolog JSON line.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	entry := parseEntry(p)

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % lb.size
	if lb.count < lb.size {
		lb.count++
	}
	return len(p), nil
}

// Entries returns all buffered entries, oldest first
func (lb *LogBuffer) Entries() []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, lb.count)
	start := 0
	if lb.count == lb.size {
		start = lb.head
	}
	for i := 0; i < lb.count; i++ {
		result[i] = lb.entries[(start+i)%lb.size]
	}
	return result
}

// Recent returns at most n of the newest entries matching filter, oldest first
func (lb *LogBuffer) Recent(n int, filter LogFilter) []LogEntry {
	all := lb.Entries()
	matched := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if filter.match(e) {
			matched = append(matched, e)
		}
	}
	if n > 0 && len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}

// Clear drops every entry
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.head = 0
	lb.count = 0
}

type zerologLine struct {
	Time      any    `json:"time"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Component string `json:"component"`
	FamilyID  string `json:"family_id"`
	DeviceID  string `json:"device_id"`
}

func parseEntry(p []byte) LogEntry {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now(), Level: zerolog.InfoLevel.String(), Message: raw, Raw: raw}

	var line zerologLine
	if err := json.Unmarshal(p, &line); err != nil {
		return entry
	}
	if line.Level != "" {
		entry.Level = line.Level
	}
	if line.Message != "" {
		entry.Message = line.Message
	}
	switch ts := line.Time.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = parsed
		}
	case float64:
		entry.Timestamp = time.Unix(int64(ts), 0)
	}
	entry.Component = line.Component
	entry.FamilyID = line.FamilyID
	entry.DeviceID = line.DeviceID
	return entry
}
