// Package transport owns the venue websocket connections: dialing,
// reconnecting, application pings, outbound rate limiting and inbound gap
// timeouts. It knows nothing about message content; every frame is handed
// to the connection's Handler with its receipt timestamp.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"feedflow/logger"
)

// Handler consumes one connection's lifecycle.
type Handler interface {
	// OnConnect runs after each successful dial, before the read loop.
	// Subscribe and auth payloads are sent from here through the Client.
	OnConnect(ctx context.Context) error

	// OnMessage receives one inbound frame with its local receipt time.
	OnMessage(raw []byte, receipt time.Time)

	// OnDisconnect runs when the connection is lost or closed, before any
	// reconnect attempt.
	OnDisconnect()
}

// Options configures one websocket connection.
type Options struct {
	URL               string
	PingInterval      time.Duration
	PingPayload       func() []byte // nil sends protocol-level ping frames
	ReadTimeout       time.Duration // max silence before the connection is recycled
	ReconnectDelay    time.Duration
	MessagesPerSecond float64 // outbound rate limit, 0 = unlimited
	Burst             int
	Dialer            *websocket.Dialer
}

// Client keeps one venue connection alive until its context is cancelled.
type Client struct {
	name    string
	opts    Options
	handler Handler
	limiter *rate.Limiter
	log     *logger.Entry

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client; Run must be called to connect.
func NewClient(name string, opts Options, h Handler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	limit := rate.Inf
	burst := 1
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
		burst = opts.Burst
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{
		name:    name,
		opts:    opts,
		handler: h,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger().WithComponent("transport").WithFields(logger.Fields{"connection": name}),
	}
}

// Send writes one text frame, honoring the outbound rate limit. Safe for
// concurrent use with the read loop.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection %s is not established", c.name)
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Run dials and serves the connection until ctx is cancelled, reconnecting
// after failures with a fixed delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.serve(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.handler.OnDisconnect()
	}()

	c.log.WithFields(logger.Fields{"url": c.opts.URL}).Info("connected")

	if err := c.handler.OnConnect(ctx); err != nil {
		return fmt.Errorf("on connect: %w", err)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	if c.opts.PingInterval > 0 {
		go c.pingLoop(pingCtx)
	}

	// Cancellation unblocks the blocking read below.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if c.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handler.OnMessage(raw, time.Now().UTC())
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.opts.PingPayload != nil {
				err = c.Send(ctx, c.opts.PingPayload())
			} else {
				c.mu.Lock()
				if c.conn != nil {
					err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				c.mu.Unlock()
			}
			if err != nil && ctx.Err() == nil {
				c.log.WithError(err).Debug("ping failed")
			}
		}
	}
}
