package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReconnectMin     = 1 * time.Second
	wsReconnectMax     = 30 * time.Second
)

// WSConfig holds feed connection settings. Zero durations use the defaults.
type WSConfig struct {
	URL     string
	Headers http.Header

	// PingDisabled is for servers that ping us; their pings still extend
	// the read deadline.
	PingDisabled bool
	PingInterval time.Duration
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// WSHandler holds the per-feed callbacks.
type WSHandler struct {
	// OnConnect runs after every dial, before any frame is read. It is where
	// subscription requests are sent.
	OnConnect func(conn *websocket.Conn) error

	// OnMessage processes one inbound frame. Errors are logged and the
	// frame is skipped.
	OnMessage func(msg []byte) error
}

// WSClient keeps one feed connection alive, redialing with backoff after
// drops. Writes are serialized.
type WSClient struct {
	config  WSConfig
	handler WSHandler
	logger  logrus.FieldLogger

	writeMu    sync.Mutex
	reconnects atomic.Uint64
	connected  atomic.Bool
}

func NewWSClient(config WSConfig, handler WSHandler, logger logrus.FieldLogger) *WSClient {
	if config.PingInterval <= 0 {
		config.PingInterval = wsPingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = wsReadTimeout
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = wsReconnectMin
	}
	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = max(wsReconnectMax, config.ReconnectMin)
	}
	return &WSClient{config: config, handler: handler, logger: logger}
}

// Reconnects counts successful dials made by Run.
func (c *WSClient) Reconnects() uint64 { return c.reconnects.Load() }

// Connected reports whether a connection is currently being read.
func (c *WSClient) Connected() bool { return c.connected.Load() }

// Dial opens one connection and runs OnConnect on it.
func (c *WSClient) Dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, c.config.Headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)) }
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if c.handler.OnConnect != nil {
		if err := c.handler.OnConnect(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe on %s: %w", c.config.URL, err)
		}
	}
	c.logger.Infof("feed connected to %s", c.config.URL)
	return conn, nil
}

// Run serves conn (dialing first when nil) and redials after every drop
// until ctx ends. The backoff doubles per failed dial and resets once a
// connection has been served.
func (c *WSClient) Run(ctx context.Context, conn *websocket.Conn) {
	delay := c.config.ReconnectMin
	for {
		if conn != nil {
			err := c.serve(ctx, conn)
			conn = nil
			delay = c.config.ReconnectMin
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnf("feed disconnected: %v, reconnecting in %v", err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = min(delay*2, c.config.ReconnectMax)
			c.logger.Warnf("feed redial failed: %v, next attempt in %v", err, delay)
			continue
		}
		c.reconnects.Add(1)
		conn = next
	}
}

// serve reads frames until the connection fails or ctx ends. A watcher
// goroutine pings and closes the connection on cancel to unblock the read.
func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	defer c.connected.Store(false)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		if c.handler.OnMessage == nil {
			continue
		}
		if err := c.handler.OnMessage(msg); err != nil {
			c.logger.Debugf("skipping frame: %v", err)
		}
	}
}

func (c *WSClient) watch(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	var pings <-chan time.Time
	if !c.config.PingDisabled {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			conn.Close()
			return
		case <-pings:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugf("ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// WriteJSON sends v on conn, serialized with pings and pongs.
func (c *WSClient) WriteJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
