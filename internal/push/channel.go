// Package push maintains the realtime subscription to the backend. It
// decodes tagged events onto the bus and drives the connectivity state
// machine; after any drop it requests a full resync so the merge layer
// can pick up whatever the channel missed.
package push

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/metrics"
	"github.com/rferraz/syncline/internal/netstatus"
	"go.uber.org/zap"
)

// Channel is the push subscription client.
type Channel struct {
	wsURL  string
	token  string
	bus    *bus.Bus
	net    *netstatus.Machine
	logger *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	cancel context.CancelFunc
}

// NewChannel creates a push channel client for the given websocket URL.
func NewChannel(wsURL, token string, b *bus.Bus, net *netstatus.Machine, logger *zap.Logger) *Channel {
	return &Channel{
		wsURL:     wsURL,
		token:     token,
		bus:       b,
		net:       net,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// Start launches the connect/read loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop closes the channel client.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Channel) run(ctx context.Context) {
	attempt := 0
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if attempt == 0 {
				_ = c.net.Transition(netstatus.Offline)
			}
			attempt++
			metrics.PushReconnects.Inc()
			delay := c.reconnectDelay(attempt)
			c.logger.Warn("push channel dial failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		_ = c.net.Transition(netstatus.Online)
		if everConnected || attempt > 0 {
			// Anything pushed while the channel was down is gone;
			// ask the merge layer to backfill.
			c.bus.Emit(bus.KindResyncNeeded, nil)
		}
		c.logger.Info("push channel connected", zap.Int("after_attempts", attempt))
		attempt = 0
		everConnected = true

		c.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		_ = c.net.Transition(netstatus.Reconnecting)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, header)
	return conn, err
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("push channel read failed", zap.Error(err))
			return
		}

		evt, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed push frame", zap.Error(err))
			continue
		}
		c.bus.Emit(bus.KindPushEvent, evt)
	}
}

// reconnectDelay is capped exponential backoff with jitter, so a fleet
// of clients does not reconnect in lockstep after a server restart.
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	d := c.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxDelay {
			d = c.maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
