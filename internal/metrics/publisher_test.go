package metrics

import (
	"context"
	"testing"
	"time"

	"liqflow/logger"
)

func collectPublished(t *testing.T) (map[string]int64, func()) {
	t.Helper()
	resetHandlers()

	published := make(map[string]int64)
	id := RegisterHandler(func(m Metric) {
		v, ok := m.Value.(int64)
		if !ok {
			t.Errorf("counter metric %s carries non-int64 value %v", m.Name, m.Value)
			return
		}
		published[m.Name] = v
	})
	return published, func() { UnregisterHandler(id) }
}

func TestPublisherEmitsCounterDeltas(t *testing.T) {
	p := NewPublisher(time.Minute)

	published, cleanup := collectPublished(t)
	defer cleanup()

	logger.IncrementRecordIngested()
	logger.IncrementRecordIngested()
	logger.IncrementDedupSkip()

	p.publish()

	if published["records_ingested"] != 2 {
		t.Errorf("records_ingested = %d, want 2", published["records_ingested"])
	}
	if published["dedup_skips"] != 1 {
		t.Errorf("dedup_skips = %d, want 1", published["dedup_skips"])
	}
}

func TestPublisherSkipsIdleCounters(t *testing.T) {
	p := NewPublisher(time.Minute)

	published, cleanup := collectPublished(t)
	defer cleanup()

	p.publish()

	if len(published) != 0 {
		t.Errorf("idle tick published metrics: %v", published)
	}
}

func TestPublisherDeltasResetEachTick(t *testing.T) {
	p := NewPublisher(time.Minute)

	published, cleanup := collectPublished(t)
	defer cleanup()

	logger.IncrementFrameReceived()
	p.publish()
	if published["frames_received"] != 1 {
		t.Fatalf("frames_received = %d, want 1", published["frames_received"])
	}

	delete(published, "frames_received")
	p.publish()
	if _, ok := published["frames_received"]; ok {
		t.Error("second tick re-published a counter that did not move")
	}
}

func TestPublisherLifecycle(t *testing.T) {
	p := NewPublisher(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}

	p.Stop()
	p.Stop() // idempotent
}
