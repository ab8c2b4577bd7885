package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"liqflow/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    []models.LiquidationRecord
	loadErr error
	delErr  error
	deleted int
}

func (s *fakeStore) LoadOlderThan(_ context.Context, cutoff time.Time) ([]models.LiquidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []models.LiquidationRecord
	for _, r := range s.rows {
		if r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return 0, s.delErr
	}
	var kept []models.LiquidationRecord
	var removed int64
	for _, r := range s.rows {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	s.deleted += int(removed)
	return removed, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []models.LiquidationRecord
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, records []models.LiquidationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, records...)
	return nil
}

func recordAt(ts time.Time, symbol string) models.LiquidationRecord {
	return models.NewLiquidationRecord(ts, symbol, models.SideBuy, 100, 1, models.TimeSourceExchange)
}

func TestSweepOnceDeletesExpired(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{rows: []models.LiquidationRecord{
		recordAt(now.Add(-2*time.Hour), "BTC-USD"),
		recordAt(now.Add(-90*time.Minute), "ETH-USD"),
		recordAt(now.Add(-10*time.Minute), "SOL-USD"),
	}}

	s := New(store, nil, time.Hour, time.Minute)
	s.SweepOnce(context.Background(), now)

	if store.deleted != 2 {
		t.Errorf("deleted = %d, want 2", store.deleted)
	}
	if len(store.rows) != 1 || store.rows[0].Symbol != "SOL-USD" {
		t.Errorf("unexpected surviving rows: %+v", store.rows)
	}
}

func TestSweepOnceArchivesBeforeDelete(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{rows: []models.LiquidationRecord{
		recordAt(now.Add(-2*time.Hour), "BTC-USD"),
		recordAt(now.Add(-10*time.Minute), "SOL-USD"),
	}}
	archiver := &fakeArchiver{}

	s := New(store, archiver, time.Hour, time.Minute)
	s.SweepOnce(context.Background(), now)

	if len(archiver.archived) != 1 || archiver.archived[0].Symbol != "BTC-USD" {
		t.Errorf("unexpected archive contents: %+v", archiver.archived)
	}
	if store.deleted != 1 {
		t.Errorf("deleted = %d, want 1", store.deleted)
	}
}

func TestSweepOnceSkipsDeleteWhenArchiveFails(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{rows: []models.LiquidationRecord{
		recordAt(now.Add(-2*time.Hour), "BTC-USD"),
	}}
	archiver := &fakeArchiver{err: errors.New("bucket unavailable")}

	s := New(store, archiver, time.Hour, time.Minute)
	s.SweepOnce(context.Background(), now)

	if store.deleted != 0 {
		t.Errorf("deleted = %d, want 0 when archive fails", store.deleted)
	}
	if len(store.rows) != 1 {
		t.Errorf("rows should survive a failed archive: %+v", store.rows)
	}
}

func TestSweepOnceToleratesDeleteError(t *testing.T) {
	store := &fakeStore{delErr: errors.New("database is locked")}
	s := New(store, nil, time.Hour, time.Minute)
	// Must not panic or propagate; the next tick retries.
	s.SweepOnce(context.Background(), time.Now().UTC())
}

func TestSweeperLifecycle(t *testing.T) {
	store := &fakeStore{}
	s := New(store, nil, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}

	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Stop()
}

func TestSweeperRequiresRetention(t *testing.T) {
	s := New(&fakeStore{}, nil, 0, time.Minute)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start with zero retention should fail")
	}
}
