package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liqflow/logger"
)

const defaultPublishInterval = 30 * time.Second

// Publisher periodically turns the ingest counters into metric events. Each
// tick it snapshots the counters and emits one counter metric per delta, so
// registered handlers (the dashboard history, the CloudWatch client) see the
// same numbers the status endpoint reports.
type Publisher struct {
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	last logger.Counters
}

// NewPublisher constructs a publisher. Counter activity before Start is not
// reported; the first tick covers only what happened since construction.
func NewPublisher(interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	return &Publisher{
		interval: interval,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		last:     logger.SnapshotCounters(),
	}
}

// Start launches the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("metrics publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop cancels the publish loop and waits for it to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

// publish emits one metric per counter that moved since the previous tick.
func (p *Publisher) publish() {
	current := logger.SnapshotCounters()
	deltas := []struct {
		name  string
		value int64
	}{
		{"frames_received", current.FramesReceived - p.last.FramesReceived},
		{"records_ingested", current.RecordsIngested - p.last.RecordsIngested},
		{"dedup_skips", current.DedupSkips - p.last.DedupSkips},
		{"decode_errors", current.DecodeErrors - p.last.DecodeErrors},
		{"malformed_frames", current.MalformedFrames - p.last.MalformedFrames},
		{"store_write_errors", current.StoreWriteErrors - p.last.StoreWriteErrors},
		{"reconnects", current.Reconnects - p.last.Reconnects},
	}
	p.last = current

	for _, d := range deltas {
		if d.value == 0 {
			continue
		}
		EmitMetric(p.log, "pipeline", d.name, d.value, "counter", nil)
	}
}
