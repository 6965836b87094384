// Package ingest turns detected fills into canonical trade rows and
// decision groups.
//
// The writer (C5 in spirit) is the single entry point for both detection
// paths: the chain subscriber and the reconcile backfill. Everything funnels
// through the same (txHash, logIndex) upsert, so the two paths can race
// freely without double-counting. Only first-sight rows notify the grouper.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"polymarket-copytrader/internal/chain"
	"polymarket-copytrader/internal/gamma"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// GroupSink receives first-sight canonical trades for grouping.
type GroupSink interface {
	Add(ctx context.Context, ev types.TradeEvent)
}

// PostProcessor queues follow-up work (metadata enrichment) for a new row.
type PostProcessor interface {
	EnqueuePostProcess(ctx context.Context, tradeKey string) error
}

// BlockClock resolves block numbers to timestamps.
type BlockClock interface {
	Timestamp(ctx context.Context, block uint64) (time.Time, error)
}

// Writer persists canonical trades and fans them out.
type Writer struct {
	db      *store.DB
	clock   BlockClock
	groups  GroupSink
	post    PostProcessor
	gamma   *gamma.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	users map[string]string // lowercase wallet -> followed user id
}

// NewWriter creates the canonical trade writer. clock and post may be nil
// in tests.
func NewWriter(db *store.DB, clock BlockClock, groups GroupSink, post PostProcessor, gc *gamma.Client, logger *slog.Logger) *Writer {
	return &Writer{
		db:     db,
		clock:  clock,
		groups: groups,
		post:   post,
		gamma:  gc,
		logger: logger.With("component", "trade_writer"),
		users:  make(map[string]string),
	}
}

// SetUsers replaces the wallet-to-user mapping. Disabled users stay
// tracked: their fills still flow through detection so the shadow ledger
// keeps mirroring them, and the engine skips the copy instead.
func (w *Writer) SetUsers(users []types.FollowedUser) {
	m := make(map[string]string)
	for _, u := range users {
		for _, addr := range u.AllAddresses() {
			m[strings.ToLower(addr)] = u.ID
		}
	}
	w.mu.Lock()
	w.users = m
	w.mu.Unlock()
}

// TrackedAddresses returns every wallet the chain subscriber should watch.
func (w *Writer) TrackedAddresses() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]common.Address, 0, len(w.users))
	for addr := range w.users {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}

// HandleFill implements chain.FillHandler: one decoded log becomes one
// canonical row. Redelivered logs are absorbed by the upsert.
func (w *Writer) HandleFill(ctx context.Context, fill chain.DecodedFill) error {
	wallet := strings.ToLower(fill.Wallet.Hex())
	w.mu.RLock()
	userID, tracked := w.users[wallet]
	w.mu.RUnlock()
	if !tracked {
		return nil
	}

	eventTime := fill.DetectTime
	if w.clock != nil {
		if ts, err := w.clock.Timestamp(ctx, fill.BlockNumber); err == nil {
			eventTime = ts
		} else {
			w.logger.Warn("block timestamp unavailable, using detect time",
				"block", fill.BlockNumber, "error", err)
		}
	}

	ev := types.TradeEvent{
		TxHash:         fill.TxHash,
		LogIndex:       uint(fill.LogIndex),
		Source:         types.TradeSourceChain,
		EventTime:      eventTime,
		DetectTime:     fill.DetectTime,
		UserID:         userID,
		ProfileAddress: wallet,
		TokenID:        fill.AssetID,
		AssetID:        fill.AssetID,
		Side:           fill.Side,
		PriceMicros:    fill.PriceMicros,
		ShareMicros:    fill.ShareMicros,
		NotionalMicros: fill.NotionalMicros,
		FeeMicros:      fill.FeeMicros,
		Enrichment:     types.EnrichPending,
	}
	_, err := w.Write(ctx, ev)
	return err
}

// Write upserts a canonical trade and, on first sight, notifies the
// grouper and queues post-processing. Returns whether the row was new.
func (w *Writer) Write(ctx context.Context, ev types.TradeEvent) (bool, error) {
	inserted, err := w.db.UpsertTradeEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	w.logger.Info("canonical trade written",
		"key", ev.Key(), "user", ev.UserID, "side", ev.Side,
		"notional", ev.NotionalMicros, "source", ev.Source)

	if w.post != nil {
		if err := w.post.EnqueuePostProcess(ctx, ev.Key()); err != nil {
			w.logger.Error("enqueue post-processing", "key", ev.Key(), "error", err)
		}
	}
	if w.groups != nil {
		w.groups.Add(ctx, ev)
	}
	return true, nil
}

// EnrichPending runs one enrichment sweep: resolve token metadata for
// pending rows and denormalize it onto them.
func (w *Writer) EnrichPending(ctx context.Context, limit int) error {
	pending, err := w.db.PendingEnrichment(ctx, limit)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		info, err := w.gamma.TokenInfo(ctx, ev.TokenID)
		if err != nil {
			w.logger.Warn("token enrichment failed", "key", ev.Key(), "token", ev.TokenID, "error", err)
			if markErr := w.db.MarkTradeEnriched(ctx, ev.TxHash, ev.LogIndex, types.EnrichFailed, "", "", ev.TokenID); markErr != nil {
				return markErr
			}
			continue
		}
		if err := w.db.MarkTradeEnriched(ctx, ev.TxHash, ev.LogIndex, types.EnrichEnriched,
			info.MarketID, info.ConditionID, ev.TokenID); err != nil {
			return err
		}
	}
	return nil
}
