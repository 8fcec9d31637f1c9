// Package moonraker provides clients for the Moonraker printer API
// server: a WebSocket JSON-RPC client for method calls and an HTTP
// client for health probes and file downloads.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hollowoak/moonbridge/internal/buildinfo"
	"github.com/hollowoak/moonbridge/internal/config"
)

// responseTimeout bounds how long a call waits for its matching
// response frame when the caller's context carries no deadline.
const responseTimeout = 30 * time.Second

// Client manages a WebSocket JSON-RPC connection to Moonraker.
type Client struct {
	baseURL string
	conn    *websocket.Conn
	connMu  sync.Mutex
	msgID   atomic.Int64

	connected atomic.Bool

	// Response channels keyed by request ID
	pending   map[int64]chan rpcResponse
	pendingMu sync.Mutex

	logger *slog.Logger
}

// RPCError is a JSON-RPC error object returned by Moonraker.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("moonraker: %s (code %d)", e.Message, e.Code)
}

// rpcRequest is the JSON-RPC 2.0 request frame.
type rpcRequest struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// rpcFrame is the generic inbound frame: a response when ID is set, a
// server-initiated notification when Method is set.
type rpcFrame struct {
	Version string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// rpcResponse pairs a result with its error for the response channel.
type rpcResponse struct {
	Result json.RawMessage
	Err    error
}

// NewClient creates a WebSocket client for the Moonraker instance at
// baseURL. No connection is made until Connect.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		pending: make(map[int64]chan rpcResponse),
		logger:  logger,
	}
}

// WebsocketURL derives the ws(s):// endpoint from the configured base
// URL. Moonraker serves JSON-RPC at /websocket.
func (c *Client) WebsocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/websocket"
	return u.String(), nil
}

// Connect establishes the WebSocket connection, identifies this client
// to Moonraker, and starts the read loop. Any existing connection is
// closed first, so Connect doubles as reconnect.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.WebsocketURL()
	if err != nil {
		return err
	}

	c.connMu.Lock()
	if c.conn != nil {
		// Closing the old connection unblocks its read loop. Ignore
		// errors — it may already be dead.
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	// In-flight calls belong to the old connection; their responses
	// will never arrive.
	c.failPending(fmt.Errorf("connection replaced"))

	c.logger.Info("connecting to moonraker", "url", wsURL)

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 16 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	// Object queries with gcode metadata can run large.
	conn.SetReadLimit(16 * 1024 * 1024)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	// Identify to Moonraker. Failure here is not fatal — older releases
	// don't implement server.connection.identify.
	if err := c.identify(ctx); err != nil {
		c.logger.Debug("moonraker identify failed", "error", err)
	}

	return nil
}

// identify registers this client with Moonraker's connection tracker so
// it shows up by name in the server's client list.
func (c *Client) identify(ctx context.Context) error {
	idCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.Call(idCtx, "server.connection.identify", map[string]any{
		"client_name": "moonbridge",
		"version":     buildinfo.Version,
		"type":        "agent",
		"url":         "https://github.com/hollowoak/moonbridge",
	})
	if err != nil {
		return err
	}

	var id struct {
		ConnectionID int64 `json:"connection_id"`
	}
	if err := json.Unmarshal(result, &id); err == nil {
		c.logger.Debug("moonraker connection identified", "connection_id", id.ConnectionID)
	}
	return nil
}

// IsConnected reports whether the WebSocket is believed healthy. It
// flips false as soon as the read loop observes an error.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.connected.Store(false)

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Call executes one JSON-RPC method and waits for the matching
// response. params may be nil for parameterless methods. The raw result
// is returned for the caller to unmarshal.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	req := rpcRequest{
		Version: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	respCh := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = conn.WriteJSON(req)
	}
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	c.logger.Log(ctx, config.LevelTrace, "rpc request sent", "method", method, "id", id)

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Err)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(responseTimeout):
		return nil, fmt.Errorf("%s: timeout waiting for response", method)
	}
}

// readLoop reads frames from conn until it dies. Responses are routed
// to their pending channel by ID; notifications are logged at trace
// level and dropped — moonbridge polls rather than subscribes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame rpcFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("moonraker websocket closed")
			} else {
				c.logger.Warn("moonraker websocket read error, connection lost", "error", err)
			}
			c.connected.Store(false)
			c.failPending(fmt.Errorf("connection lost: %w", err))
			return
		}

		switch {
		case frame.ID != nil:
			resp := rpcResponse{Result: frame.Result}
			if frame.Error != nil {
				resp.Err = frame.Error
			}
			c.pendingMu.Lock()
			if ch, ok := c.pending[*frame.ID]; ok {
				ch <- resp
			}
			c.pendingMu.Unlock()

		case frame.Method != "":
			// notify_status_update, notify_proc_stat_update, etc.
			c.logger.Log(context.Background(), config.LevelTrace,
				"moonraker notification dropped", "method", frame.Method)

		default:
			c.logger.Debug("unhandled moonraker frame")
		}
	}
}

// failPending resolves every in-flight call with err. Without this,
// calls issued just before a disconnect would block for the full
// response timeout.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- rpcResponse{Err: err}:
		default:
		}
		delete(c.pending, id)
	}
}
