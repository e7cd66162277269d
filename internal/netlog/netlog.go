// Package netlog keeps the network log that plugin HTTP traffic is
// recorded in. Entries are bounded; the oldest are dropped first.
package netlog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 1000

// Log is a bounded, concurrency-safe network log.
type Log struct {
	logger   *zap.Logger
	capacity int

	mu      sync.RWMutex
	entries []api.NetworkEvent
	dropped int
}

// New creates a log keeping at most capacity entries.
func New(logger *zap.Logger, capacity int) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{logger: logger.Named("netlog"), capacity: capacity}
}

// Record appends ev.
func (l *Log) Record(ev api.NetworkEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	l.mu.Lock()
	if len(l.entries) >= l.capacity {
		n := len(l.entries) - l.capacity + 1
		l.entries = append(l.entries[:0], l.entries[n:]...)
		l.dropped += n
	}
	l.entries = append(l.entries, ev)
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("plugin", ev.PluginID),
		zap.String("request", ev.RequestID),
		zap.String("kind", ev.Kind),
	}
	if ev.URL != "" {
		fields = append(fields, zap.String("url", ev.URL))
	}
	if ev.Status != 0 {
		fields = append(fields, zap.Int("status", ev.Status))
	}
	if ev.Error != "" {
		l.logger.Warn("plugin network error", append(fields, zap.String("error", ev.Error))...)
		return
	}
	l.logger.Debug("plugin network event", fields...)
}

// Entries returns a copy of the entries, oldest first. A non-empty
// pluginID keeps only that plugin's entries.
func (l *Log) Entries(pluginID string) []api.NetworkEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]api.NetworkEvent, 0, len(l.entries))
	for _, e := range l.entries {
		if pluginID == "" || e.PluginID == pluginID {
			out = append(out, e)
		}
	}
	return out
}

// Request returns the entries of one request, oldest first.
func (l *Log) Request(requestID string) []api.NetworkEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []api.NetworkEvent
	for _, e := range l.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

// Dropped returns how many entries have been evicted.
func (l *Log) Dropped() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Clear removes every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
