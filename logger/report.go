package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	framesReceived   int64
	recordsIngested  int64
	dedupSkips       int64
	decodeErrors     int64
	malformedFrames  int64
	storeWriteErrors int64
	reconnects       int64
	warnCount        int64
	errorCount       int64
)

// reportHook counts warn and error level entries for the periodic report.
type reportHook struct{}

func (h *reportHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *reportHook) Fire(entry *logrus.Entry) error {
	switch entry.Level {
	case logrus.WarnLevel:
		atomic.AddInt64(&warnCount, 1)
	case logrus.ErrorLevel:
		atomic.AddInt64(&errorCount, 1)
	}
	return nil
}

// IncrementFrameReceived counts a raw websocket frame handed to the normalizer.
func IncrementFrameReceived() {
	atomic.AddInt64(&framesReceived, 1)
}

// IncrementRecordIngested counts a record accepted into the ring buffer.
func IncrementRecordIngested() {
	atomic.AddInt64(&recordsIngested, 1)
}

// IncrementDedupSkip counts a record rejected as a duplicate natural key.
func IncrementDedupSkip() {
	atomic.AddInt64(&dedupSkips, 1)
}

// IncrementDecodeError counts an unparseable frame.
func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

// IncrementMalformedFrame counts a frame that parsed but failed validation.
func IncrementMalformedFrame() {
	atomic.AddInt64(&malformedFrames, 1)
}

// IncrementStoreWriteError counts a failed durable write.
func IncrementStoreWriteError() {
	atomic.AddInt64(&storeWriteErrors, 1)
}

// IncrementReconnect counts a stream reconnection cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// Counters is a point-in-time snapshot of the ingest counters.
type Counters struct {
	FramesReceived   int64 `json:"frames_received"`
	RecordsIngested  int64 `json:"records_ingested"`
	DedupSkips       int64 `json:"dedup_skips"`
	DecodeErrors     int64 `json:"decode_errors"`
	MalformedFrames  int64 `json:"malformed_frames"`
	StoreWriteErrors int64 `json:"store_write_errors"`
	Reconnects       int64 `json:"reconnects"`
	Warns            int64 `json:"warns"`
	Errors           int64 `json:"errors"`
}

// SnapshotCounters reads the current counter values.
func SnapshotCounters() Counters {
	return Counters{
		FramesReceived:   atomic.LoadInt64(&framesReceived),
		RecordsIngested:  atomic.LoadInt64(&recordsIngested),
		DedupSkips:       atomic.LoadInt64(&dedupSkips),
		DecodeErrors:     atomic.LoadInt64(&decodeErrors),
		MalformedFrames:  atomic.LoadInt64(&malformedFrames),
		StoreWriteErrors: atomic.LoadInt64(&storeWriteErrors),
		Reconnects:       atomic.LoadInt64(&reconnects),
		Warns:            atomic.LoadInt64(&warnCount),
		Errors:           atomic.LoadInt64(&errorCount),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of ingest statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	fields := Fields{
		"frames_received":    atomic.LoadInt64(&framesReceived),
		"records_ingested":   atomic.LoadInt64(&recordsIngested),
		"dedup_skips":        atomic.LoadInt64(&dedupSkips),
		"decode_errors":      atomic.LoadInt64(&decodeErrors),
		"malformed_frames":   atomic.LoadInt64(&malformedFrames),
		"store_write_errors": atomic.LoadInt64(&storeWriteErrors),
		"reconnects":         atomic.LoadInt64(&reconnects),
		"warns":              atomic.LoadInt64(&warnCount),
		"errors":             atomic.LoadInt64(&errorCount),
		"goroutines":         runtime.NumGoroutine(),
	}

	log.WithComponent("report").WithFields(fields).Info("ingest report")
}
