package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/internal/store"
)

func testPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "liq.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &appconfig.Config{
		Feed: appconfig.FeedConfig{
			Transport: appconfig.TransportWebsocket,
			Schema:    "trades",
			URL:       "ws://127.0.0.1:0",
			Channel:   "trades.ALL",
		},
		Buffer: appconfig.BufferConfig{Capacity: 100},
		Store: appconfig.StoreConfig{
			Path:      "unused",
			Retention: appconfig.Duration(time.Hour),
		},
	}

	p, err := New(cfg, st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st
}

func tradeFrame(market, side string, price, size float64, ts time.Time) models.RawFrame {
	payload := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.ALL","data":{"market":%q,"side":%q,"price":"%g","size":"%g","trade_type":"liquidation","created_at":%d}}}`,
		market, side, price, size, ts.UnixMilli(),
	)
	return models.RawFrame{Payload: []byte(payload), ReceivedAt: ts}
}

func TestHandleFrameIngests(t *testing.T) {
	p, st := testPipeline(t)
	ts := time.Now().UTC().Truncate(time.Millisecond)

	p.handleFrame(tradeFrame("BTC-USD", "SELL", 65000, 0.5, ts))

	if p.BufferLen() != 1 {
		t.Fatalf("buffer len = %d, want 1", p.BufferLen())
	}

	records := p.Recent(0)
	if records[0].Symbol != "BTC-USD" || records[0].Side != models.SideSell {
		t.Errorf("unexpected record: %+v", records[0])
	}
	if records[0].Value != 65000*0.5 {
		t.Errorf("value = %v, want %v", records[0].Value, 65000*0.5)
	}

	count, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored rows = %d, want 1", count)
	}
}

func TestHandleFrameDeduplicates(t *testing.T) {
	p, st := testPipeline(t)
	ts := time.Now().UTC().Truncate(time.Millisecond)
	frame := tradeFrame("BTC-USD", "SELL", 65000, 0.5, ts)

	p.handleFrame(frame)
	p.handleFrame(frame)
	p.handleFrame(frame)

	if p.BufferLen() != 1 {
		t.Errorf("buffer len = %d, want 1 after duplicate frames", p.BufferLen())
	}

	count, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored rows = %d, want 1", count)
	}
}

func TestHandleFrameSkipsNonLiquidation(t *testing.T) {
	p, _ := testPipeline(t)

	frames := [][]byte{
		[]byte(`{"jsonrpc":"2.0","result":{},"id":1}`),
		[]byte(`{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"BTC-USD","side":"SELL","price":"1","size":"1","trade_type":"fill","created_at":1}}}`),
		[]byte(`not json at all`),
		[]byte(`{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"BTC-USD","side":"SELL","size":"1","trade_type":"liquidation","created_at":1}}}`),
	}

	for _, payload := range frames {
		p.handleFrame(models.RawFrame{Payload: payload, ReceivedAt: time.Now().UTC()})
	}

	if p.BufferLen() != 0 {
		t.Errorf("buffer len = %d, want 0", p.BufferLen())
	}
}

func TestBackfillRestoresRecentRecords(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	older := models.NewLiquidationRecord(now.Add(-10*time.Minute), "ETH-USD", models.SideBuy, 3200, 2, models.TimeSourceExchange)
	newer := models.NewLiquidationRecord(now.Add(-time.Minute), "BTC-USD", models.SideSell, 65000, 0.5, models.TimeSourceExchange)
	expired := models.NewLiquidationRecord(now.Add(-2*time.Hour), "SOL-USD", models.SideSell, 150, 10, models.TimeSourceExchange)

	for _, rec := range []models.LiquidationRecord{older, newer, expired} {
		if err := st.InsertIfAbsent(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	restored, err := p.backfill(ctx)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2 (expired row excluded)", restored)
	}

	records := p.Recent(0)
	if len(records) != 2 {
		t.Fatalf("buffer len = %d, want 2", len(records))
	}
	// Snapshot is newest first; backfill inserted oldest first.
	if records[0].Symbol != "BTC-USD" || records[1].Symbol != "ETH-USD" {
		t.Errorf("unexpected order: %s, %s", records[0].Symbol, records[1].Symbol)
	}
}

func TestBackfillThenStreamDeduplicates(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	rec := models.NewLiquidationRecord(ts, "BTC-USD", models.SideSell, 65000, 0.5, models.TimeSourceExchange)
	if err := st.InsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := p.backfill(ctx); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	// The stream redelivers the same event after a reconnect.
	p.handleFrame(tradeFrame("BTC-USD", "SELL", 65000, 0.5, ts))

	if p.BufferLen() != 1 {
		t.Errorf("buffer len = %d, want 1", p.BufferLen())
	}
}

func TestStatsWindow(t *testing.T) {
	p, _ := testPipeline(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	p.handleFrame(tradeFrame("BTC-USD", "SELL", 100, 1, now))
	p.handleFrame(tradeFrame("ETH-USD", "BUY", 200, 1, now.Add(-10*time.Minute)))

	all := p.Stats(0)
	if all.TotalCount != 2 {
		t.Errorf("total_count = %d, want 2", all.TotalCount)
	}

	recent := p.Stats(5 * time.Minute)
	if recent.TotalCount != 1 {
		t.Errorf("windowed total_count = %d, want 1", recent.TotalCount)
	}
	if recent.TopSymbols[0].Symbol != "BTC-USD" {
		t.Errorf("unexpected top symbol: %+v", recent.TopSymbols)
	}
}

func TestConnectionStateBeforeStart(t *testing.T) {
	p, _ := testPipeline(t)
	if p.ConnectionState() != "disconnected" {
		t.Errorf("state = %s, want disconnected", p.ConnectionState())
	}
}

func TestConnectionStateVocabulary(t *testing.T) {
	// Consumers only ever see the two-value vocabulary, regardless of where
	// the feed sits in its lifecycle.
	p, _ := testPipeline(t)
	got := p.ConnectionState()
	if got != "connected" && got != "disconnected" {
		t.Errorf("state %q outside consumer vocabulary", got)
	}
}

func TestNewRejectsUnknownSchema(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "liq.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cfg := &appconfig.Config{
		Feed: appconfig.FeedConfig{
			Transport: appconfig.TransportWebsocket,
			Schema:    "mystery",
			URL:       "ws://127.0.0.1:0",
		},
	}
	if _, err := New(cfg, st); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
