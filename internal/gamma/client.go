// Package gamma looks up market metadata from the Gamma API: token to
// market/condition resolution for trade enrichment, close times for the
// near-close guardrail, and resolved payouts for settlement.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polymarket-copytrader/pkg/micros"
)

// Market is the slice of the Gamma market document we consume.
type Market struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	ConditionID   string `json:"conditionId"`
	Slug          string `json:"slug"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	EndDate       string `json:"endDate"`
	Outcomes      string `json:"outcomes"`      // JSON-encoded array
	OutcomePrices string `json:"outcomePrices"` // JSON-encoded array, resolved markets hold 0/1
	ClobTokenIds  string `json:"clobTokenIds"`  // JSON-encoded array
}

// TokenInfo is the enrichment result for one outcome token.
type TokenInfo struct {
	MarketID    string
	ConditionID string
	Slug        string
	Question    string
	CloseTime   time.Time // zero when unknown
	Closed      bool
}

// Payout is the resolved value of one token, valid only when Resolved.
type Payout struct {
	Resolved     bool
	PayoutMicros int32 // 0 or 1_000_000 per share
}

// Client is a rate-limited Gamma API client with a token metadata cache.
// Metadata is immutable once a market exists, so cached entries never
// expire; only close/payout state is re-fetched.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]TokenInfo // tokenID -> info
}

// NewClient creates a Gamma client against the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		http:    http,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger.With("component", "gamma"),
		cache:   make(map[string]TokenInfo),
	}
}

// TokenInfo resolves an outcome token to its market metadata.
func (c *Client) TokenInfo(ctx context.Context, tokenID string) (TokenInfo, error) {
	c.mu.Lock()
	if info, ok := c.cache[tokenID]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	m, err := c.fetchMarketByToken(ctx, tokenID)
	if err != nil {
		return TokenInfo{}, err
	}
	info := TokenInfo{
		MarketID:    m.ID,
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		Question:    m.Question,
		Closed:      m.Closed,
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			info.CloseTime = t
		}
	}

	c.mu.Lock()
	c.cache[tokenID] = info
	c.mu.Unlock()
	return info, nil
}

// ResolvedPayout fetches a token's settlement value. Unresolved markets
// return Resolved=false.
func (c *Client) ResolvedPayout(ctx context.Context, tokenID string) (Payout, error) {
	m, err := c.fetchMarketByToken(ctx, tokenID)
	if err != nil {
		return Payout{}, err
	}
	if !m.Closed {
		return Payout{}, nil
	}

	tokens, err := decodeStringArray(m.ClobTokenIds)
	if err != nil {
		return Payout{}, fmt.Errorf("decode token ids: %w", err)
	}
	prices, err := decodeStringArray(m.OutcomePrices)
	if err != nil {
		return Payout{}, fmt.Errorf("decode outcome prices: %w", err)
	}
	for i, id := range tokens {
		if id != tokenID || i >= len(prices) {
			continue
		}
		payout := micros.PriceToMicros(prices[i])
		// A closed market with an interior price has not finalized yet.
		if payout != 0 && payout != micros.Scale {
			return Payout{}, nil
		}
		return Payout{Resolved: true, PayoutMicros: payout}, nil
	}
	return Payout{}, fmt.Errorf("token %s not in market %s", tokenID, m.ID)
}

func (c *Client) fetchMarketByToken(ctx context.Context, tokenID string) (Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Market{}, err
	}

	var markets []Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return Market{}, fmt.Errorf("fetch market for token %s: %w", tokenID, err)
	}
	if resp.IsError() {
		return Market{}, fmt.Errorf("gamma markets: status %d", resp.StatusCode())
	}
	if len(markets) == 0 {
		return Market{}, fmt.Errorf("no market for token %s", tokenID)
	}
	return markets[0], nil
}

// decodeStringArray parses Gamma's JSON-encoded string arrays, e.g.
// "[\"123\", \"456\"]".
func decodeStringArray(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
