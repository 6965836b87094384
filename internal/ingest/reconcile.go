package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// BackfillJob is the payload on the reconcile queue.
type BackfillJob struct {
	WindowMs int64 `json:"windowMs"`
}

// dataAPITrade is the secondary trade API's wire shape. Prices and sizes
// are decimal strings.
type dataAPITrade struct {
	TxHash      string `json:"transactionHash"`
	LogIndex    uint   `json:"logIndex"`
	ProxyWallet string `json:"proxyWallet"`
	Asset       string `json:"asset"`
	ConditionID string `json:"conditionId"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
}

// Reconciler is the REST safety net behind the chain subscription. It
// re-pulls recent user trades and writes anything the WS path missed using
// the same idempotency key, so steady-state runs recover nothing.
type Reconciler struct {
	http    *resty.Client
	limiter *rate.Limiter
	db      *store.DB
	writer  *Writer
	logger  *slog.Logger

	users func() []types.FollowedUser

	recovered atomic.Int64 // trades first seen via this path; should stay 0
	lastRun   atomic.Int64 // unix ms
}

// NewReconciler creates the safety-net client against the data API base
// URL. users supplies the current followed set on each run.
func NewReconciler(baseURL string, db *store.DB, writer *Writer, users func() []types.FollowedUser, logger *slog.Logger) *Reconciler {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Reconciler{
		http:    http,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		db:      db,
		writer:  writer,
		users:   users,
		logger:  logger.With("component", "reconcile"),
	}
}

// Recovered reports how many trades this path saw first. Non-zero values
// mean the chain subscription is dropping fills.
func (r *Reconciler) Recovered() int64 { return r.recovered.Load() }

// LastRun returns when a reconcile sweep last completed.
func (r *Reconciler) LastRun() time.Time {
	ms := r.lastRun.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RunPeriodic sweeps a short window on a fixed cadence until ctx is
// cancelled.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx, 2*interval); err != nil {
				r.logger.Error("periodic reconcile", "error", err)
			}
		}
	}
}

// HandleJob consumes one reconcile-queue job (the reconnect backfill path).
func (r *Reconciler) HandleJob(ctx context.Context, payload []byte) error {
	var job BackfillJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("unmarshal backfill job: %w", err)
	}
	window := time.Duration(job.WindowMs) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Minute
	}
	return r.Reconcile(ctx, window)
}

// Reconcile pulls each followed user's recent trades and upserts them.
// Disabled users are swept too; their fills feed the shadow ledger even
// though the engine never copies them.
func (r *Reconciler) Reconcile(ctx context.Context, window time.Duration) error {
	var firstErr error
	for _, u := range r.users() {
		if err := r.reconcileUser(ctx, u, window); err != nil {
			r.logger.Error("reconcile user", "user", u.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.lastRun.Store(time.Now().UnixMilli())
	return firstErr
}

func (r *Reconciler) reconcileUser(ctx context.Context, user types.FollowedUser, window time.Duration) error {
	since := time.Now().Add(-window)
	if cursor, err := r.db.ReconcileCursor(ctx, user.ID); err == nil && cursor.After(since) {
		// Overlap one window fraction so a slow API cannot hide trades
		// right at the cursor.
		since = cursor.Add(-window / 4)
	}

	var newest time.Time
	for _, addr := range user.AllAddresses() {
		trades, err := r.fetchUserTrades(ctx, addr, since)
		if err != nil {
			return err
		}
		for _, t := range trades {
			ev, ok := r.toCanonical(user, addr, t)
			if !ok {
				continue
			}
			inserted, err := r.writer.Write(ctx, ev)
			if err != nil {
				return err
			}
			if inserted {
				r.recovered.Add(1)
				r.logger.Warn("reconcile recovered a missed trade", "key", ev.Key(), "user", user.ID)
			}
			if ev.EventTime.After(newest) {
				newest = ev.EventTime
			}
		}
	}

	if !newest.IsZero() {
		if err := r.db.SaveReconcileCursor(ctx, user.ID, newest); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) fetchUserTrades(ctx context.Context, wallet string, since time.Time) ([]dataAPITrade, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var trades []dataAPITrade
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  wallet,
			"after": fmt.Sprintf("%d", since.Unix()),
			"limit": "500",
		}).
		SetResult(&trades).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", wallet, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("data api trades: status %d", resp.StatusCode())
	}
	return trades, nil
}

func (r *Reconciler) toCanonical(user types.FollowedUser, wallet string, t dataAPITrade) (types.TradeEvent, bool) {
	if t.TxHash == "" {
		return types.TradeEvent{}, false
	}
	side := types.BUY
	if t.Side == "SELL" {
		side = types.SELL
	}
	price := micros.PriceToMicros(t.Price)
	shares := micros.SharesToMicros(t.Size)
	now := time.Now().UTC()
	return types.TradeEvent{
		TxHash:         t.TxHash,
		LogIndex:       t.LogIndex,
		Source:         types.TradeSourceReconcile,
		EventTime:      time.Unix(t.Timestamp, 0).UTC(),
		DetectTime:     now,
		UserID:         user.ID,
		ProfileAddress: user.ProfileAddress,
		ProxyAddress:   wallet,
		TokenID:        t.Asset,
		AssetID:        t.Asset,
		ConditionID:    t.ConditionID,
		Side:           side,
		PriceMicros:    price,
		ShareMicros:    shares,
		NotionalMicros: micros.Notional(shares, price),
		Enrichment:     types.EnrichPending,
	}, true
}
