// Package realtime delivers push-style entity updates into the state store
// over a websocket channel. The transport is at-least-once: the store's
// idempotent upsert absorbs replays, and a disconnect triggers a snapshot
// resync instead of trusting any queued events to have survived.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
	"github.com/ChainPay-Network/dashboard_core/internal/app/state"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// Applier merges update events into the entity model. *state.Store
// satisfies this.
type Applier interface {
	ApplyUpdate(ev state.UpdateEvent)
}

// Resyncer re-fetches authoritative snapshots after the channel lost
// continuity.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Handler observes update events after they were applied to the store.
type Handler func(ev state.UpdateEvent)

// Config configures the channel.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Kinds to subscribe to; defaults to wallets and transactions.
	Kinds []string
	// HandshakeTimeout bounds the dial. Default 10s.
	HandshakeTimeout time.Duration
	// Heartbeat interval for keepalive pings. Default 30s.
	Heartbeat time.Duration
	// ReconnectBackoff is the initial redial delay, doubled up to 1 minute.
	// Default 1s.
	ReconnectBackoff time.Duration
	// Log defaults to logger.NewDefault("realtime").
	Log *logger.Logger
}

// Channel maintains the push subscription. It is restartable: Stop then
// Start yields a fresh subscription preceded by a resync.
type Channel struct {
	cfg    Config
	store  Applier
	resync Resyncer
	log    *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	handlers map[string][]Handler
}

// New creates a channel feeding the given store. resync may be nil when no
// query layer is available (tests).
func New(cfg Config, store Applier, resync Resyncer) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if store == nil {
		return nil, errors.New("realtime: store is required")
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []string{state.KindWallet, state.KindTransaction}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("realtime")
	}
	return &Channel{
		cfg:      cfg,
		store:    store,
		resync:   resync,
		log:      cfg.Log,
		handlers: make(map[string][]Handler),
	}, nil
}

// On registers a handler for events of the given kind, invoked after the
// store applied them. Must be called before Start.
func (c *Channel) On(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Name implements system.Service.
func (c *Channel) Name() string { return "realtime" }

// Start dials and begins delivering events. Returns once the first
// connection attempt finished; later disconnects are handled by the
// internal reconnect loop.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("realtime: dial: %w", err)
	}
	c.setConn(conn)

	c.wg.Add(2)
	go c.readLoop(runCtx)
	go c.heartbeat(runCtx)

	c.log.WithField("url", c.cfg.URL).Info("realtime channel connected")
	return nil
}

// Stop closes the connection and waits for the loops to drain.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	for _, kind := range c.cfg.Kinds {
		sub := map[string]any{"type": "subscribe", "kind": kind}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("realtime connection lost")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		var ev state.UpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.log.WithError(err).Warn("dropping undecodable realtime frame")
			continue
		}

		metrics.RecordRealtimeEvent()
		c.store.ApplyUpdate(ev)
		c.dispatch(ev)
	}
}

// reconnect redials with doubling backoff, then resyncs: events published
// while disconnected are gone, and the snapshot is the only authority on
// what was missed. Returns false when the channel is shutting down.
func (c *Channel) reconnect(ctx context.Context) bool {
	backoff := c.cfg.ReconnectBackoff
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.setConn(conn)
			metrics.RecordRealtimeReconnect()
			if c.resync != nil {
				if err := c.resync.Resync(ctx); err != nil {
					c.log.WithError(err).Warn("post-reconnect resync failed")
				}
			}
			c.log.Info("realtime channel reconnected")
			return true
		}

		c.log.WithError(err).Warn("realtime redial failed")
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (c *Channel) dispatch(ev state.UpdateEvent) {
	c.mu.Lock()
	handlers := c.handlers[ev.Kind]
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn := c.currentConn(); conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}
