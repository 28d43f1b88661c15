// Package chainmirror is a client for the external authoritative
// balance oracle (§4.4). It speaks a request/response protocol over a
// persistent WebSocket connection, mirroring the subscribe-and-await
// idiom of a Home Assistant WebSocket client: an auth handshake on
// connect, a pending-request map keyed by message id, and a single
// read loop that demultiplexes responses. Constructing on-chain
// transactions is out of scope; this package only ever reads balances.
package chainmirror

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
)

// Balance is a subscriber's authoritative wallet state as reported by
// the oracle.
type Balance struct {
	Amount         float64
	AlertsReceived int64
	Active         bool
}

// Client maintains a persistent WebSocket connection to the balance
// oracle and serves request/response balance lookups over it.
type Client struct {
	url   string
	token string

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	cacheMu sync.RWMutex
	cache   map[string]Balance

	logger *slog.Logger
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

type balanceResult struct {
	Balance        float64 `json:"balance"`
	AlertsReceived int64   `json:"alerts_received"`
	Active         bool    `json:"active"`
}

// New creates a chain mirror client for the oracle at url, authenticating
// with token. A nil logger is replaced with [slog.Default].
func New(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		cache:   make(map[string]Balance),
		logger:  logger,
	}
}

// Connect establishes the WebSocket connection and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse oracle url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to chain mirror", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial chain mirror: %w", err)
	}

	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("chain mirror authentication failed: %s", authResp.Type)
	}

	c.conn = conn
	c.logger.Info("chain mirror authenticated")

	go c.readLoop()
	return nil
}

// Reconnect closes the existing connection, if any, and re-establishes it.
func (c *Client) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetBalance implements subscriberregistry.BalanceOracle. It reads the
// authoritative balance over the persistent connection and updates the
// local cache; if the oracle is unreachable, it returns the last
// cached value for walletAddress (ok is still true if a cached value
// exists, false otherwise).
func (c *Client) GetBalance(ctx context.Context, walletAddress string) (balance float64, alertsReceived int64, active bool, ok bool) {
	id := c.msgID.Add(1)
	resp, err := c.sendAndWait(ctx, id, map[string]any{
		"id":             id,
		"type":           "get_balance",
		"wallet_address": walletAddress,
	})
	if err != nil {
		c.logger.Warn("chain mirror unreachable, falling back to cache", "wallet", walletAddress, "error", err)
		return c.cached(walletAddress)
	}

	var res balanceResult
	if err := json.Unmarshal(resp, &res); err != nil {
		c.logger.Warn("chain mirror malformed balance response", "wallet", walletAddress, "error", err)
		return c.cached(walletAddress)
	}

	b := Balance{Amount: res.Balance, AlertsReceived: res.AlertsReceived, Active: res.Active}
	c.cacheMu.Lock()
	c.cache[walletAddress] = b
	c.cacheMu.Unlock()

	return b.Amount, b.AlertsReceived, b.Active, true
}

func (c *Client) cached(walletAddress string) (float64, int64, bool, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	b, ok := c.cache[walletAddress]
	if !ok {
		return 0, 0, false, false
	}
	return b.Amount, b.AlertsReceived, b.Active, true
}

func (c *Client) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("chain mirror not connected")
	}

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for chain mirror response")
	}
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("chain mirror connection closed normally")
				return
			}
			c.logger.Error("chain mirror read error, connection lost", "error", err)
			return
		}

		if msg.Type != "result" {
			c.logger.Debug("unhandled chain mirror message type", "type", msg.Type)
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
		}
		c.pendingMu.Unlock()
	}
}
