package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/internal/normalize"
	"liqflow/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultCloseTimeout   = 5 * time.Second
)

// Handler receives every raw frame read from the upstream feed. The handler
// runs on the read loop goroutine, so slow handlers apply backpressure to the
// socket rather than dropping frames.
type Handler func(models.RawFrame)

// Feed is a streaming source of raw liquidation frames.
type Feed interface {
	Start(ctx context.Context) error
	Stop()
	State() ConnectionState
	Reconnects() int64
}

// New builds the feed implementation selected by the configuration.
func New(cfg *appconfig.Config, handler Handler) (Feed, error) {
	switch cfg.Feed.Transport {
	case appconfig.TransportWebsocket:
		return NewClient(cfg, handler), nil
	case appconfig.TransportBinanceSDK:
		return NewBinanceFeed(cfg, handler), nil
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
}

// Client streams frames from a websocket endpoint and forwards raw payloads
// to the configured handler. The connection is re-established automatically
// until the context is cancelled.
type Client struct {
	config  *appconfig.Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	state      stateTracker
	reconnects atomic.Int64
	sessionID  string
}

// NewClient constructs a websocket feed client.
func NewClient(cfg *appconfig.Config, handler Handler) *Client {
	return &Client{
		config:  cfg,
		handler: handler,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the connection loop. It fails when the client is already
// running or no handler was provided.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feed client already running")
	}
	if c.handler == nil {
		c.mu.Unlock()
		return fmt.Errorf("feed client requires a frame handler")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.sessionID = uuid.NewString()
	c.mu.Unlock()

	log := c.log.WithComponent("feed").WithFields(logger.Fields{
		"url":     c.config.Feed.URL,
		"channel": c.config.Feed.Channel,
		"session": c.sessionID,
	})
	log.Info("starting feed client")

	c.wg.Add(1)
	go c.run(log)

	return nil
}

// Stop cancels the connection loop and waits for the read loop to exit.
// It does not require the Start context to be cancelled first.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.state.set(StateClosing)
	cancel()
	c.log.WithComponent("feed").Info("stopping feed client")
	c.wg.Wait()
	c.state.set(StateDisconnected)
	c.log.WithComponent("feed").Info("feed client stopped")
}

// State reports the current connection state.
func (c *Client) State() ConnectionState {
	return c.state.get()
}

// Reconnects reports how many times the connection has been re-established.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Client) run(log *logger.Entry) {
	defer c.wg.Done()

	cfg := c.config.Feed
	reconnectDelay := cfg.ReconnectDelay.Std()
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout.Std()}
	firstAttempt := true

	for {
		if c.ctx.Err() != nil {
			return
		}

		if !firstAttempt {
			c.reconnects.Add(1)
			logger.IncrementReconnect()
		}
		firstAttempt = false

		c.state.set(StateConnecting)
		conn, _, err := dialer.DialContext(c.ctx, cfg.URL, nil)
		if err != nil {
			// A failed dial is an ordinary disconnect: back off and retry.
			c.state.set(StateDisconnected)
			log.WithError(err).Warn("failed to connect to feed websocket")
			if waitForReconnect(c.ctx, reconnectDelay) {
				return
			}
			continue
		}

		if err := c.subscribe(conn); err != nil {
			c.state.set(StateDisconnected)
			log.WithError(err).Warn("failed to subscribe to feed channel")
			conn.Close()
			if waitForReconnect(c.ctx, reconnectDelay) {
				return
			}
			continue
		}
		c.state.set(StateSubscribed)
		log.Info("subscribed to feed channel")

		pingCancel := c.startPingLoop(conn, log)

		// Unblock the read loop as soon as the context is cancelled.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-c.ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()

		if err := c.readMessages(conn); err != nil && c.ctx.Err() == nil {
			c.state.set(StateDisconnected)
			log.WithError(err).Warn("feed read loop ended")
		}

		close(watchDone)
		pingCancel()
		c.closeConn(conn)

		if c.ctx.Err() != nil {
			return
		}

		if waitForReconnect(c.ctx, reconnectDelay) {
			return
		}
	}
}

// subscribe issues the JSON-RPC subscription request for the configured
// channel. Binance-style endpoints use an uppercase method and a params list
// instead of a channel object.
func (c *Client) subscribe(conn *websocket.Conn) error {
	if c.config.Feed.Schema == string(normalize.SchemaForceOrder) {
		req := struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     int      `json:"id"`
		}{
			Method: "SUBSCRIBE",
			Params: []string{c.config.Feed.Channel},
			ID:     1,
		}
		return conn.WriteJSON(req)
	}

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Channel string `json:"channel"`
		} `json:"params"`
		ID int `json:"id"`
	}{
		JSONRPC: "2.0",
		Method:  "subscribe",
		ID:      1,
	}
	req.Params.Channel = c.config.Feed.Channel
	return conn.WriteJSON(req)
}

func (c *Client) readMessages(conn *websocket.Conn) error {
	pongTimeout := c.config.Feed.PongTimeout.Std()
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}
	pingInterval := c.config.Feed.PingInterval.Std()
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	readDeadline := pingInterval + pongTimeout
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		c.state.set(StateStreaming)
		logger.IncrementFrameReceived()
		c.handler(models.RawFrame{Payload: msg, ReceivedAt: time.Now().UTC()})
	}
}

func (c *Client) startPingLoop(conn *websocket.Conn, log *logger.Entry) context.CancelFunc {
	interval := c.config.Feed.PingInterval.Std()
	if interval <= 0 {
		interval = defaultPingInterval
	}

	pingCtx, cancel := context.WithCancel(c.ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

// closeConn attempts a clean websocket close handshake before dropping the
// underlying connection.
func (c *Client) closeConn(conn *websocket.Conn) {
	closeTimeout := c.config.Feed.CloseTimeout.Std()
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	conn.Close()
	c.state.set(StateDisconnected)
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
