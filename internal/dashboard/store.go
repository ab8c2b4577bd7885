package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"liqflow/internal/metrics"
)

// history is a fixed-slot ring holding the most recent entries for the API.
// Old entries are overwritten in place once the ring is full, so feeding it
// at stream rate never reallocates.
type history[T any] struct {
	mu    sync.RWMutex
	slots []T
	next  int
	count int
}

func newHistory[T any](size int) *history[T] {
	if size <= 0 {
		size = 200
	}
	return &history[T]{slots: make([]T, size)}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	h.slots[h.next] = item
	h.next = (h.next + 1) % len(h.slots)
	if h.count < len(h.slots) {
		h.count++
	}
	h.mu.Unlock()
}

// snapshot returns the retained entries oldest first.
func (h *history[T]) snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]T, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.slots)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.slots[(start+i)%len(h.slots)])
	}
	return out
}

// metricStore feeds the /api/metrics history from the metric handler
// registry. Its handle method is registered as a metrics.Handler.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.add(metric)
}

// logRecord is the serialisable representation of a captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore feeds the /api/logs history. It implements the logrus Hook
// interface so the server can attach it to the application logger; close
// detaches it logically because logrus hooks cannot be removed.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{history: newHistory[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	s.add(newLogRecord(entry))
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// newLogRecord flattens a logrus entry into the API shape. The component
// field gets its own column; everything else lands in Fields with errors and
// Stringers rendered as text so the payload stays JSON-encodable.
func newLogRecord(entry *logrus.Entry) logRecord {
	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}
	return record
}
