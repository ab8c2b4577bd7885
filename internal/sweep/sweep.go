package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liqflow/internal/models"
	"liqflow/logger"
)

// Store is the subset of the persistence layer the sweeper needs.
type Store interface {
	LoadOlderThan(ctx context.Context, cutoff time.Time) ([]models.LiquidationRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver receives expired rows before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, records []models.LiquidationRecord) error
}

// Sweeper periodically deletes rows older than the retention window. When an
// archiver is configured the expired rows are handed off first; a failed
// archive skips that tick's delete so no data is lost.
type Sweeper struct {
	store     Store
	archiver  Archiver
	retention time.Duration
	interval  time.Duration
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
}

// New constructs a sweeper. The archiver may be nil.
func New(store Store, archiver Archiver, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		archiver:  archiver,
		retention: retention,
		interval:  interval,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	if s.retention <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("sweeper requires a positive retention window")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.WithComponent("sweeper").WithFields(logger.Fields{
		"retention": s.retention.String(),
		"interval":  s.interval.String(),
	}).Info("starting retention sweeper")

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop waits for the sweep loop to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("sweeper").Info("retention sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx, time.Now().UTC())
		}
	}
}

// SweepOnce performs a single sweep pass. Failures are logged and retried on
// the next tick rather than propagated.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	log := s.log.WithComponent("sweeper")
	cutoff := now.Add(-s.retention)

	if s.archiver != nil {
		expired, err := s.store.LoadOlderThan(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("failed to load expired rows for archive")
			return
		}
		if len(expired) > 0 {
			if err := s.archiver.Archive(ctx, expired); err != nil {
				log.WithError(err).Warn("archive failed, keeping expired rows until next sweep")
				return
			}
			log.WithFields(logger.Fields{"rows": len(expired)}).Info("archived expired rows")
		}
	}

	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.WithError(err).Warn("retention sweep failed")
		return
	}
	if deleted > 0 {
		log.WithFields(logger.Fields{
			"rows":   deleted,
			"cutoff": cutoff.Format(time.RFC3339),
		}).Info("swept expired rows")
	}
}
