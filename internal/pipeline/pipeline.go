// Package pipeline wires the feed, normalizer, ring buffer and store into a
// single ingest path. Frames are handled synchronously on the feed's read
// goroutine: a frame is normalized, deduplicated against the buffer and
// persisted before the next frame is read, so a slow disk applies
// backpressure to the socket instead of dropping events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/feed"
	"liqflow/internal/models"
	"liqflow/internal/normalize"
	"liqflow/internal/ringbuf"
	"liqflow/internal/stats"
	"liqflow/internal/store"
	"liqflow/logger"
)

// Pipeline owns the ingest path and serves the consumer read API.
type Pipeline struct {
	config     *appconfig.Config
	buffer     *ringbuf.Buffer
	store      *store.Store
	normalizer *normalize.Normalizer
	feed       feed.Feed
	ctx        context.Context
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
}

// New assembles a pipeline over the given store. The ring buffer capacity
// and feed transport come from the configuration.
func New(cfg *appconfig.Config, st *store.Store) (*Pipeline, error) {
	normalizer, err := normalize.New(normalize.Schema(cfg.Feed.Schema))
	if err != nil {
		return nil, err
	}

	capacity := cfg.Buffer.Capacity
	if capacity <= 0 {
		capacity = ringbuf.DefaultCapacity
	}

	p := &Pipeline{
		config:     cfg,
		buffer:     ringbuf.New(capacity),
		store:      st,
		normalizer: normalizer,
		log:        logger.GetLogger(),
	}

	f, err := feed.New(cfg, p.handleFrame)
	if err != nil {
		return nil, err
	}
	p.feed = f

	return p, nil
}

// Start backfills the ring buffer from the store and then begins streaming.
// Backfill runs before the feed connects so ingested frames always dedup
// against the persisted recent window.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("pipeline")

	restored, err := p.backfill(ctx)
	if err != nil {
		log.WithError(err).Warn("backfill failed, starting with an empty buffer")
	} else if restored > 0 {
		log.WithFields(logger.Fields{"records": restored}).Info("restored recent records from store")
	}

	if err := p.feed.Start(ctx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return err
	}

	log.Info("pipeline started")
	return nil
}

// Stop shuts down the feed. The store handle is owned by the caller.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.feed.Stop()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

func (p *Pipeline) backfill(ctx context.Context) (int, error) {
	records, err := p.store.LoadRecent(ctx, p.config.Store.Retention.Std(), p.buffer.Capacity())
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range records {
		if p.buffer.Insert(rec) {
			restored++
		}
	}
	return restored, nil
}

// handleFrame is the synchronous per-frame ingest path. Malformed input is
// counted and skipped; the stream always continues.
func (p *Pipeline) handleFrame(frame models.RawFrame) {
	log := p.log.WithComponent("pipeline")

	rec, err := p.normalizer.Normalize(frame)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrDecode):
			logger.IncrementDecodeError()
			log.WithError(err).Debug("dropping undecodable frame")
		case errors.Is(err, normalize.ErrMalformed):
			logger.IncrementMalformedFrame()
			log.WithError(err).Debug("dropping malformed frame")
		default:
			log.WithError(err).Warn("normalizer failure")
		}
		return
	}
	if rec == nil {
		// Not a liquidation event (acks, heartbeats, other channels).
		return
	}

	if !p.buffer.Insert(*rec) {
		logger.IncrementDedupSkip()
		return
	}
	logger.IncrementRecordIngested()

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.store.InsertIfAbsent(ctx, *rec); err != nil {
		logger.IncrementStoreWriteError()
		log.WithError(err).WithFields(logger.Fields{"id": rec.ID}).Warn("failed to persist record")
	}
}

// Recent returns up to limit records, newest first. limit <= 0 returns the
// whole buffer.
func (p *Pipeline) Recent(limit int) []models.LiquidationRecord {
	return p.buffer.Snapshot(limit)
}

// Stats aggregates the buffered records inside the given window. A zero
// window covers everything the buffer holds.
func (p *Pipeline) Stats(window time.Duration) stats.Stats {
	records := p.buffer.Snapshot(0)
	subset := stats.WindowedSubset(records, time.Now().UTC(), window)
	return stats.Compute(subset)
}

// ConnectionState reports the feed state in the two-value vocabulary served
// to consumers: "connected" while a subscription is live, "disconnected"
// otherwise. The richer lifecycle states stay internal to the feed.
func (p *Pipeline) ConnectionState() string {
	if p.feed.State().Connected() {
		return "connected"
	}
	return "disconnected"
}

// BufferLen reports the number of records currently buffered.
func (p *Pipeline) BufferLen() int {
	return p.buffer.Len()
}

// StoredRows counts the rows currently persisted.
func (p *Pipeline) StoredRows(ctx context.Context) (int64, error) {
	return p.store.Count(ctx)
}

// Store exposes the underlying store for the retention sweeper.
func (p *Pipeline) Store() *store.Store {
	return p.store
}
