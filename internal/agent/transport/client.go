// Package transport maintains the agent's single persistent connection to
// the hub, serializing outbound envelopes and dispatching inbound ones.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/pacphi/sindri-console/internal/events"
	"github.com/pacphi/sindri-console/internal/protocol"
)

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB

	reconnectBaseWait = 2 * time.Second
	reconnectMaxWait  = 60 * time.Second
)

// Handler receives every inbound envelope. A handler error is logged; it
// never tears down the connection.
type Handler func(env protocol.Envelope) error

// Client owns the websocket connection and its reconnect loop. Send is safe
// for concurrent use: a mutex serializes writers so partial frames never
// interleave.
type Client struct {
	url        string
	apiKey     string
	instanceID string
	handler    Handler
	logger     *slog.Logger

	// onConnect runs after every successful dial (including reconnects).
	onConnect func(ctx context.Context)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a Client. instanceID identifies this agent to the hub
// at dial time; handler receives all inbound envelopes.
func NewClient(url, apiKey, instanceID string, handler Handler, logger *slog.Logger) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		instanceID: instanceID,
		handler:    handler,
		logger:     logger,
	}
}

// OnConnect registers a hook invoked after each successful dial. The agent
// uses it to re-announce registration, which is idempotent and cheap.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.onConnect = fn
}

// Run dials the hub and loops until ctx is cancelled, reconnecting with
// exponential backoff after drops. The backoff resets after a successful
// connection.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBaseWait
	attempt := 0

	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("hub connection failed", "error", err, "reconnect_in", backoff)
			events.GetGlobalEventLogger().LogReconnect(attempt, "dial failed", backoff.Milliseconds())
		} else {
			backoff = reconnectBaseWait
			attempt = 0
			if c.onConnect != nil {
				go c.onConnect(ctx)
			}
			c.readLoop(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("hub connection lost; reconnecting", "reconnect_in", backoff)
			events.GetGlobalEventLogger().LogReconnect(attempt+1, "connection lost", backoff.Milliseconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, reconnectMaxWait)
		}
	}
}

// Send serializes an envelope and writes it to the connection.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("X-Instance-ID", c.instanceID)

	conn, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected to hub", "url", c.url)
	return conn, nil
}

// readLoop decodes inbound envelopes and hands them to the handler until
// the connection drops or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingCtx, stopPing := context.WithCancel(ctx)
	go c.pingLoop(pingCtx, conn)

	defer func() {
		stopPing()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "agent shutdown")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed inbound message", "error", err)
			continue
		}

		if err := c.handler(env); err != nil {
			c.logger.Warn("inbound handler error", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
