// Package transport wraps a TLS WebSocket connection to the exchange.
//
// Gorilla/websocket supports one concurrent reader and one concurrent
// writer, so all writes are serialized through sendMu. Reads happen from
// the client's single reader goroutine.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected = errors.New("connection not open")
	ErrRateLimited  = errors.New("send rate limit exceeded")
)

// Config carries everything needed to dial and operate one connection.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration // max silence between inbound frames; 0 disables
	WriteTimeout time.Duration
	TLS          *tls.Config
	Limiter      *rate.Limiter // optional outbound token bucket
}

// Conn is one WebSocket connection. It is scoped to a single lifecycle:
// on fault the client discards it and constructs a fresh one.
type Conn struct {
	cfg    Config
	ws     *websocket.Conn
	open   atomic.Bool
	closed atomic.Bool

	sendMu sync.Mutex
}

func New(cfg Config) *Conn {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Conn{cfg: cfg}
}

// Connect dials the endpoint and arms the read deadline and ping handler.
func (c *Conn) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  c.cfg.TLS,
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	if c.cfg.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		ws.SetPingHandler(func(appData string) error {
			ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})
	}

	c.ws = ws
	c.open.Store(true)
	return nil
}

// Send writes one frame. Writes are serialized and, when a limiter is
// configured, gated by its token bucket; a context expiring in the bucket
// wait surfaces as ErrRateLimited.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.open.Load() {
		return ErrNotConnected
	}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.open.Store(false)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next frame. Close unblocks it with an error.
func (c *Conn) Receive() ([]byte, error) {
	if !c.open.Load() {
		return nil, ErrNotConnected
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.open.Store(false)
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if c.cfg.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	return data, nil
}

// Close shuts the connection down, also after a failed Receive or Send.
// Idempotent.
func (c *Conn) Close() error {
	c.open.Store(false)
	if c.ws == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// IsOpen reports whether the connection believes it is usable.
func (c *Conn) IsOpen() bool { return c.open.Load() }
