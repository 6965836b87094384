// Package book maintains normalized order books for every outcome token the
// engine currently cares about.
//
// The cache is fed from two sources:
//   - full snapshots (REST bootstrap or WS "book" events)
//   - incremental deltas (WS "price_change" events), where size 0 removes
//     a level and any other size replaces it
//
// Raw upstream payloads are never trusted to be sorted: best bid is the
// maximum surviving bid price and best ask the minimum surviving ask price,
// computed after dropping levels at the extremes (price <= 0 or >= 1.00)
// and zero-size entries. Taking the first array element of an unsorted
// payload has produced "impossible" spreads like $0.01/$0.99 upstream.
//
// The cache and the WS feed exchange typed events instead of holding
// mutual pointers: the cache emits Subscribe/Unsubscribe on demand changes
// and Update/Evict for observability; the feed reacts by (un)subscribing
// tokens on the wire.
package book

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-copytrader/pkg/types"
)

// EventType enumerates the finite vocabulary exchanged with the WS feed.
type EventType string

const (
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventUpdate      EventType = "update"
	EventEvict       EventType = "evict"
)

// Event is emitted by the cache on subscription and book state changes.
type Event struct {
	Type    EventType
	AssetID string
}

// Delta is one incremental level change: size 0 removes the level,
// any other size replaces it.
type Delta struct {
	Side        types.Side
	PriceMicros int32
	SizeMicros  int64
}

// Config tunes cache capacity and freshness semantics.
type Config struct {
	MaxEntries int           // LRU capacity; 0 = unbounded
	TTL        time.Duration // evict entries not accessed within this window
	Freshness  time.Duration // snapshots younger than this are "fresh"
}

// Stats is a point-in-time summary for the health endpoint.
type Stats struct {
	Entries     int       `json:"entries"`
	Waiters     int       `json:"waiters"`
	Updates     int64     `json:"updates"`
	Evictions   int64     `json:"evictions"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// tokenBook is the mutable per-token state. Levels are keyed maps so that
// deltas apply in O(1); sorted arrays are materialized on read.
type tokenBook struct {
	assetID    string
	bids       map[int32]int64 // price micros -> size micros
	asks       map[int32]int64
	updatedAt  time.Time // zero until first data arrives
	source     types.BookSource
	lastAccess time.Time
	lruElem    *list.Element
	waiters    []chan struct{}
}

// Cache holds one tokenBook per subscribed asset with LRU + TTL eviction.
// Updates arrive serially from the WS feed; reads come from many
// goroutines. A single mutex guards everything — per-token contention is
// negligible against network latency.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	tokens  map[string]*tokenBook
	lru     *list.List // front = most recently accessed
	stopped bool

	updates   int64
	evictions int64
	lastSeen  time.Time

	events chan Event
}

// NewCache creates an empty book cache.
func NewCache(cfg Config, logger *slog.Logger) *Cache {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 100 * time.Millisecond
	}
	return &Cache{
		cfg:    cfg,
		logger: logger.With("component", "book_cache"),
		tokens: make(map[string]*tokenBook),
		lru:    list.New(),
		events: make(chan Event, 256),
	}
}

// Events returns the channel the WS feed consumes.
func (c *Cache) Events() <-chan Event { return c.events }

// Run performs periodic TTL eviction until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.TTL <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// ApplySnapshot replaces the full book for a token.
func (c *Cache) ApplySnapshot(assetID string, bids, asks []types.BookLevel, src types.BookSource) {
	c.mu.Lock()
	tb := c.ensureLocked(assetID, false)
	tb.bids = make(map[int32]int64, len(bids))
	tb.asks = make(map[int32]int64, len(asks))
	for _, lvl := range bids {
		tb.bids[lvl.PriceMicros] = lvl.SizeMicros
	}
	for _, lvl := range asks {
		tb.asks[lvl.PriceMicros] = lvl.SizeMicros
	}
	c.markUpdatedLocked(tb, src)
	c.mu.Unlock()

	c.emit(Event{Type: EventUpdate, AssetID: assetID})
}

// ApplyDeltas applies incremental level changes to a token's book.
// Deltas for an unknown token create the entry (the feed may deliver the
// first price_change before the snapshot).
func (c *Cache) ApplyDeltas(assetID string, deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	c.mu.Lock()
	tb := c.ensureLocked(assetID, false)
	for _, d := range deltas {
		side := tb.bids
		if d.Side == types.SELL {
			side = tb.asks
		}
		if d.SizeMicros == 0 {
			delete(side, d.PriceMicros)
		} else {
			side[d.PriceMicros] = d.SizeMicros
		}
	}
	c.markUpdatedLocked(tb, types.BookSourceWS)
	c.mu.Unlock()

	c.emit(Event{Type: EventUpdate, AssetID: assetID})
}

// GetNoWait returns the current normalized book without blocking. The
// second return is false when the token has never received data; the
// placeholder book is still returned so callers can fail soft.
func (c *Cache) GetNoWait(assetID string) (*types.NormalizedBook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tb := c.ensureLocked(assetID, true)
	c.touchLocked(tb)
	return normalizeLocked(tb), !tb.updatedAt.IsZero()
}

// GetFreshOrWait ensures a subscription exists for the token, returns
// immediately when the cached snapshot is fresh, and otherwise blocks until
// the next update, the wait elapses, ctx is cancelled, or the cache stops.
// On timeout the stale (or placeholder) book is returned — callers decide
// what staleness means for them via UpdatedAt.
func (c *Cache) GetFreshOrWait(ctx context.Context, assetID string, wait time.Duration) *types.NormalizedBook {
	c.mu.Lock()
	tb := c.ensureLocked(assetID, true)
	c.touchLocked(tb)
	if c.stopped || (!tb.updatedAt.IsZero() && time.Since(tb.updatedAt) <= c.cfg.Freshness) {
		nb := normalizeLocked(tb)
		c.mu.Unlock()
		return nb
	}
	waiter := make(chan struct{})
	tb.waiters = append(tb.waiters, waiter)
	c.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-waiter:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The entry may have been evicted while waiting.
	tb = c.ensureLocked(assetID, true)
	return normalizeLocked(tb)
}

// Subscriptions returns every asset currently held, for WS resubscribe
// after a reconnect.
func (c *Cache) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		out = append(out, id)
	}
	return out
}

// Stats reports cache state for the health endpoint.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := 0
	for _, tb := range c.tokens {
		waiters += len(tb.waiters)
	}
	return Stats{
		Entries:     len(c.tokens),
		Waiters:     waiters,
		Updates:     c.updates,
		Evictions:   c.evictions,
		LastUpdated: c.lastSeen,
	}
}

// Stop wakes every pending waiter (they resolve with whatever book state
// exists) and marks the cache closed. Further GetFreshOrWait calls return
// immediately.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, tb := range c.tokens {
		for _, w := range tb.waiters {
			close(w)
		}
		tb.waiters = nil
	}
}

// ensureLocked returns the tokenBook for assetID, creating a placeholder
// (and emitting a subscribe event) when absent. Callers hold c.mu.
func (c *Cache) ensureLocked(assetID string, subscribe bool) *tokenBook {
	if tb, ok := c.tokens[assetID]; ok {
		return tb
	}
	tb := &tokenBook{
		assetID:    assetID,
		bids:       make(map[int32]int64),
		asks:       make(map[int32]int64),
		lastAccess: time.Now(),
	}
	tb.lruElem = c.lru.PushFront(tb)
	c.tokens[assetID] = tb
	if subscribe && !c.stopped {
		c.emitLocked(Event{Type: EventSubscribe, AssetID: assetID})
	}
	c.enforceCapacityLocked()
	return tb
}

func (c *Cache) markUpdatedLocked(tb *tokenBook, src types.BookSource) {
	now := time.Now()
	tb.updatedAt = now
	tb.source = src
	c.updates++
	c.lastSeen = now
	c.touchLocked(tb)
	for _, w := range tb.waiters {
		close(w)
	}
	tb.waiters = nil
}

func (c *Cache) touchLocked(tb *tokenBook) {
	tb.lastAccess = time.Now()
	c.lru.MoveToFront(tb.lruElem)
}

func (c *Cache) enforceCapacityLocked() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for len(c.tokens) > c.cfg.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.evictLocked(back.Value.(*tokenBook))
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []*tokenBook
	for _, tb := range c.tokens {
		if now.Sub(tb.lastAccess) > c.cfg.TTL {
			expired = append(expired, tb)
		}
	}
	for _, tb := range expired {
		c.evictLocked(tb)
	}
	c.mu.Unlock()
}

func (c *Cache) evictLocked(tb *tokenBook) {
	for _, w := range tb.waiters {
		close(w)
	}
	tb.waiters = nil
	c.lru.Remove(tb.lruElem)
	delete(c.tokens, tb.assetID)
	c.evictions++
	c.emitLocked(Event{Type: EventEvict, AssetID: tb.assetID})
	c.emitLocked(Event{Type: EventUnsubscribe, AssetID: tb.assetID})
}

func (c *Cache) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("book event channel full, dropping event",
			"type", evt.Type, "asset", evt.AssetID)
	}
}

// emitLocked is emit for callers already holding c.mu; the channel send is
// still non-blocking so lock hold time stays bounded.
func (c *Cache) emitLocked(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("book event channel full, dropping event",
			"type", evt.Type, "asset", evt.AssetID)
	}
}
