package feed

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig holds tunable parameters for a WSDialer.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	HandshakeTimeout time.Duration

	// CloseGrace bounds how long a graceful close waits for the peer to
	// answer the close frame before the socket is dropped.
	CloseGrace time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for low-latency market data.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CloseGrace:       time.Second,
	}
}

// WSDialer opens gorilla/websocket transports.
type WSDialer struct {
	cfg    WSConfig
	logger *slog.Logger
}

// NewWSDialer creates a dialer for cfg.URL.
func NewWSDialer(cfg WSConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

// Open starts dialing in the background and returns immediately.
func (d *WSDialer) Open(ctx context.Context) Transport {
	c := &wsConn{
		cfg:      d.cfg,
		logger:   d.logger.With("url", d.cfg.URL),
		events:   make(chan TransportEvent, 256),
		outbox:   make(chan []byte, 256),
		closeReq: make(chan struct{}),
	}
	connCtx, stop := context.WithCancel(ctx)
	c.stop = stop
	go c.run(ctx, connCtx)
	return c
}

// wsConn is a single-use connection. It never reconnects; the owner dials a
// new one instead.
type wsConn struct {
	cfg    WSConfig
	logger *slog.Logger

	events chan TransportEvent
	outbox chan []byte

	open    atomic.Bool
	closing atomic.Bool

	closeOnce sync.Once
	closeReq  chan struct{}
	stop      context.CancelFunc
}

func (c *wsConn) Events() <-chan TransportEvent {
	return c.events
}

// Send enqueues a text frame for delivery.
func (c *wsConn) Send(data []byte) error {
	if !c.open.Load() || c.closing.Load() {
		return ErrNotConnected
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		c.logger.Warn("ws: outbox full, dropping message", "bytes", len(data))
		return ErrOutboxFull
	}
}

// Close requests a graceful shutdown. Frames already queued by Send are
// written before the close frame. Safe to call more than once.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if !c.open.Load() {
			c.stop()
			return
		}
		close(c.closeReq)
	})
}

func (c *wsConn) run(ctx, connCtx context.Context) {
	defer close(c.events)
	defer c.stop()

	conn, err := c.dial(connCtx)
	if err != nil {
		if !c.closing.Load() {
			c.logger.Warn("ws: dial failed", "error", err)
			c.emit(ctx, TransportEvent{Kind: EventError, Err: err})
		}
		c.emit(ctx, TransportEvent{Kind: EventClose})
		return
	}

	// Unblocks ReadMessage once the connection is torn down.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	c.open.Store(true)
	if c.closing.Load() {
		// Close raced with the handshake and saw open == false.
		c.stop()
	}
	c.emit(ctx, TransportEvent{Kind: EventOpen})

	writerDone := make(chan struct{})
	go c.writeLoop(connCtx, conn, writerDone)

	c.readLoop(ctx, connCtx, conn)
	c.open.Store(false)
	c.stop()
	<-writerDone

	c.emit(ctx, TransportEvent{Kind: EventClose})
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (c *wsConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   c.cfg.ReadBufferSize,
		WriteBufferSize:  c.cfg.WriteBufferSize,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop forwards inbound frames until the connection ends. Errors caused
// by our own shutdown or by a normal close from the peer are not reported.
func (c *wsConn) readLoop(ctx, connCtx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || connCtx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("ws: closed by peer")
				return
			}
			c.logger.Warn("ws: read error", "error", err)
			c.emit(ctx, TransportEvent{Kind: EventError, Err: err})
			return
		}
		c.emit(ctx, TransportEvent{Kind: EventMessage, Data: msg})
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (c *wsConn) writeLoop(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbox:
			c.write(conn, data)
		case <-c.closeReq:
			c.drain(conn)
			deadline := time.Now().Add(c.cfg.CloseGrace)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("ws: close frame failed", "error", err)
				c.stop()
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.CloseGrace):
				c.stop()
			}
			return
		}
	}
}

func (c *wsConn) drain(conn *websocket.Conn) {
	for {
		select {
		case data := <-c.outbox:
			c.write(conn, data)
		default:
			return
		}
	}
}

func (c *wsConn) write(conn *websocket.Conn, data []byte) {
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("ws: write error", "error", err)
	}
}

func (c *wsConn) emit(ctx context.Context, ev TransportEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
