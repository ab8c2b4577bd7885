package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/logger"
)

// BinanceFeed streams liquidation orders through the Binance futures SDK,
// one websocket subscription per configured symbol. The SDK owns the
// connection; this type restarts subscriptions until the context is
// cancelled and re-encodes events into raw frames so the rest of the
// pipeline sees the same envelope as the generic websocket transport.
type BinanceFeed struct {
	config  *appconfig.Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	symbols []string

	state      stateTracker
	reconnects atomic.Int64
	active     atomic.Int32
}

// NewBinanceFeed constructs a Binance SDK backed feed.
func NewBinanceFeed(cfg *appconfig.Config, handler Handler) *BinanceFeed {
	return &BinanceFeed{
		config:  cfg,
		handler: handler,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		symbols: cfg.Feed.Symbols,
	}
}

// Start launches one stream worker per configured symbol.
func (f *BinanceFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("binance feed already running")
	}
	if f.handler == nil {
		f.mu.Unlock()
		return fmt.Errorf("binance feed requires a frame handler")
	}
	if len(f.symbols) == 0 {
		f.mu.Unlock()
		return fmt.Errorf("no symbols configured for binance feed")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	log := f.log.WithComponent("binance_feed")
	log.WithFields(logger.Fields{"symbols": strings.Join(f.symbols, ",")}).Info("starting binance liquidation feed")

	for _, symbol := range f.symbols {
		sym := strings.ToUpper(symbol)
		f.wg.Add(1)
		go f.streamSymbol(sym)
	}

	return nil
}

// Stop cancels the symbol workers and waits for them to exit.
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	f.state.set(StateClosing)
	cancel()
	f.log.WithComponent("binance_feed").Info("stopping binance liquidation feed")
	f.wg.Wait()
	f.state.set(StateDisconnected)
	f.log.WithComponent("binance_feed").Info("binance liquidation feed stopped")
}

// State reports the aggregate connection state. With per-symbol streams the
// feed counts as streaming while at least one subscription is live.
func (f *BinanceFeed) State() ConnectionState {
	if f.active.Load() > 0 {
		return StateStreaming
	}
	return f.state.get()
}

// Reconnects reports how many times symbol subscriptions were re-established.
func (f *BinanceFeed) Reconnects() int64 {
	return f.reconnects.Load()
}

func (f *BinanceFeed) streamSymbol(symbol string) {
	defer f.wg.Done()

	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "liquidation_stream",
	})

	reconnectDelay := f.config.Feed.ReconnectDelay.Std()

	handler := func(event *futures.WsLiquidationOrderEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			log.WithError(err).Warn("failed to marshal liquidation event")
			return
		}
		logger.IncrementFrameReceived()
		f.handler(models.RawFrame{Payload: payload, ReceivedAt: time.Now().UTC()})
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	firstAttempt := true
	for {
		if f.ctx.Err() != nil {
			return
		}

		if !firstAttempt {
			f.reconnects.Add(1)
			logger.IncrementReconnect()
		}
		firstAttempt = false

		f.state.set(StateConnecting)
		doneC, stopC, err := futures.WsLiquidationOrderServe(symbol, handler, errHandler)
		if err != nil {
			f.state.set(StateDisconnected)
			log.WithError(err).Error("failed to subscribe to liquidation stream")
			if waitForReconnect(f.ctx, reconnectDelay) {
				return
			}
			continue
		}

		f.active.Add(1)
		f.state.set(StateSubscribed)

		select {
		case <-f.ctx.Done():
			close(stopC)
			<-doneC
			f.active.Add(-1)
			return
		case <-doneC:
			f.active.Add(-1)
			log.Warn("liquidation stream closed, reconnecting")
			close(stopC)
			if waitForReconnect(f.ctx, reconnectDelay) {
				return
			}
		}
	}
}
