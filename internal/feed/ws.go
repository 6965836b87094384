// Package feed drives the book cache from the upstream market-data
// WebSocket.
//
// One multiplexed connection carries every token subscription. The feed
// consumes the cache's event channel: a Subscribe event sends the upstream
// subscribe frame, an Unsubscribe event the unsubscribe frame. Incoming
// "book" snapshots and "price_change" deltas are normalized into micros
// and pushed into the cache.
//
// On disconnect the feed reconnects with exponential backoff plus jitter
// and resubscribes every token the cache currently holds, so the wire
// subscription set always converges back to the cache's view. A read
// deadline detects silent server failures within ~2 missed pings.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/internal/book"
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	resubscribeSweep = 10 * time.Second
)

// ConnState is the connection lifecycle: Disconnected -> Connecting ->
// Connected -> Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// rawLevel mirrors the upstream price level: strings preserve decimal
// precision on the wire.
type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsBookEvent struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	Buys      []rawLevel `json:"buys"`  // legacy field name for bids
	Sells     []rawLevel `json:"sells"` // legacy field name for asks
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Side    string `json:"side"`
}

type wsPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

type wsSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

type wsUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// Client owns the market-data connection and feeds the cache.
type Client struct {
	url    string
	cache  *book.Cache
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	sentMu sync.Mutex
	sent   map[string]bool // assets subscribed on the current connection

	state atomic.Int32
}

// NewClient creates a feed client for the given upstream WS URL.
func NewClient(url string, cache *book.Cache, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		cache:  cache,
		logger: logger.With("component", "book_ws"),
		sent:   make(map[string]bool),
	}
}

// State returns the current connection state for the health endpoint.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// Run connects and maintains the connection until ctx is cancelled. The
// cache event loop runs for the whole lifetime so subscription intent is
// never lost while disconnected — the cache's subscription set is the
// source of truth replayed on every reconnect.
func (c *Client) Run(ctx context.Context) error {
	go c.eventLoop(ctx)

	backoff := time.Second
	for {
		c.state.Store(int32(StateConnecting))
		err := c.connectAndRead(ctx)
		c.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		c.logger.Warn("book websocket disconnected, reconnecting",
			"error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the current connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// eventLoop reacts to cache demand changes. Subscribe/unsubscribe frames
// are best-effort while disconnected: the reconnect path resubscribes the
// full set, and a periodic sweep repairs any demand the event channel
// lost in between (a Subscribe dropped on a full channel would otherwise
// leave its token dark until eviction).
func (c *Client) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(resubscribeSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.cache.Events():
			switch evt.Type {
			case book.EventSubscribe:
				if err := c.writeJSON(wsUpdateMsg{AssetIDs: []string{evt.AssetID}, Operation: "subscribe"}); err != nil {
					c.logger.Debug("subscribe deferred until reconnect", "asset", evt.AssetID, "error", err)
				} else {
					c.markSent(evt.AssetID, true)
				}
			case book.EventUnsubscribe:
				if err := c.writeJSON(wsUpdateMsg{AssetIDs: []string{evt.AssetID}, Operation: "unsubscribe"}); err != nil {
					c.logger.Debug("unsubscribe dropped, connection down", "asset", evt.AssetID, "error", err)
				} else {
					c.markSent(evt.AssetID, false)
				}
			case book.EventUpdate, book.EventEvict:
				// Observability only.
			}
		case <-ticker.C:
			c.resubscribeMissing()
		}
	}
}

// resubscribeMissing diffs the cache's subscription set against what this
// connection has actually subscribed and sends frames for the gap.
func (c *Client) resubscribeMissing() {
	if c.State() != StateConnected {
		return
	}
	c.sentMu.Lock()
	var missing []string
	for _, id := range c.cache.Subscriptions() {
		if !c.sent[id] {
			missing = append(missing, id)
		}
	}
	c.sentMu.Unlock()
	if len(missing) == 0 {
		return
	}
	if err := c.writeJSON(wsUpdateMsg{AssetIDs: missing, Operation: "subscribe"}); err != nil {
		c.logger.Debug("resubscribe sweep deferred", "assets", len(missing), "error", err)
		return
	}
	c.sentMu.Lock()
	for _, id := range missing {
		c.sent[id] = true
	}
	c.sentMu.Unlock()
	c.logger.Info("resubscribed assets missing from the wire set", "assets", len(missing))
}

func (c *Client) markSent(assetID string, subscribed bool) {
	c.sentMu.Lock()
	if subscribed {
		c.sent[assetID] = true
	} else {
		delete(c.sent, assetID)
	}
	c.sentMu.Unlock()
}

func (c *Client) setSent(assets []string) {
	c.sentMu.Lock()
	c.sent = make(map[string]bool, len(assets))
	for _, id := range assets {
		c.sent[id] = true
	}
	c.sentMu.Unlock()
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	// Replay the full subscription set; this is what makes reconnects
	// preserve subscriptions exactly.
	subs := c.cache.Subscriptions()
	if err := c.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: subs}); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.setSent(subs)

	c.state.Store(int32(StateConnected))
	c.logger.Info("book websocket connected", "subscriptions", len(subs))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatchMessage(msg)
	}
}

func (c *Client) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal book event", "error", err)
			return
		}
		bids := evt.Bids
		if len(bids) == 0 {
			bids = evt.Buys
		}
		asks := evt.Asks
		if len(asks) == 0 {
			asks = evt.Sells
		}
		c.cache.ApplySnapshot(evt.AssetID, normalizeLevels(bids), normalizeLevels(asks), types.BookSourceWS)

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		// A single message may carry changes for several assets.
		byAsset := make(map[string][]book.Delta)
		for _, pc := range evt.PriceChanges {
			side := types.BUY
			if pc.Side == "SELL" {
				side = types.SELL
			}
			byAsset[pc.AssetID] = append(byAsset[pc.AssetID], book.Delta{
				Side:        side,
				PriceMicros: micros.PriceToMicros(pc.Price),
				SizeMicros:  micros.SharesToMicros(pc.Size),
			})
		}
		for assetID, deltas := range byAsset {
			c.cache.ApplyDeltas(assetID, deltas)
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		c.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		c.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func normalizeLevels(raw []rawLevel) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, types.BookLevel{
			PriceMicros: micros.PriceToMicros(lvl.Price),
			SizeMicros:  micros.SharesToMicros(lvl.Size),
		})
	}
	return out
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}
