// Package settle closes out positions in resolved markets: winning tokens
// pay 1.00 per share, losing tokens pay nothing, and both end with the
// position zeroed in every portfolio scope.
package settle

import (
	"context"
	"log/slog"
	"time"

	"polymarket-copytrader/internal/gamma"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// PayoutSource resolves a token's settlement value.
type PayoutSource interface {
	ResolvedPayout(ctx context.Context, tokenID string) (gamma.Payout, error)
}

// Service is the settlement sweep.
type Service struct {
	db     *store.DB
	ledger *ledger.Service
	gamma  PayoutSource
	users  func() []types.FollowedUser
	every  time.Duration
	logger *slog.Logger
}

// New creates the settlement service. users supplies the followed user set
// so per-leader scopes settle alongside the global book.
func New(db *store.DB, led *ledger.Service, payouts PayoutSource, users func() []types.FollowedUser, every time.Duration, logger *slog.Logger) *Service {
	if every <= 0 {
		every = 2 * time.Minute
	}
	return &Service{
		db:     db,
		ledger: led,
		gamma:  payouts,
		users:  users,
		every:  every,
		logger: logger.With("component", "settle"),
	}
}

// Run sweeps for resolved markets until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("settlement sweep", "error", err)
			}
		}
	}
}

// Sweep settles every open position whose market has resolved, in every
// scope. Each pass is idempotent: ledger refs are deterministic per asset,
// so a crash mid-sweep or a second pass writes nothing new.
func (s *Service) Sweep(ctx context.Context) error {
	payouts := make(map[string]gamma.Payout)

	if err := s.sweepScope(ctx, types.ScopeExecGlobal, "", payouts); err != nil {
		return err
	}
	for _, u := range s.users() {
		if err := s.sweepScope(ctx, types.ScopeExecUser, u.ID, payouts); err != nil {
			return err
		}
		if err := s.sweepScope(ctx, types.ScopeShadowUser, u.ID, payouts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sweepScope(ctx context.Context, scope types.PortfolioScope, userID string, payouts map[string]gamma.Payout) error {
	positions, err := s.db.OpenPositions(ctx, scope, userID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	settled, err := s.db.SettledAssets(ctx, scope, userID)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if settled[pos.AssetID] {
			continue
		}
		payout, ok := payouts[pos.AssetID]
		if !ok {
			payout, err = s.gamma.ResolvedPayout(ctx, pos.AssetID)
			if err != nil {
				s.logger.Warn("payout lookup failed", "asset", pos.AssetID, "error", err)
				continue
			}
			payouts[pos.AssetID] = payout
		}
		if !payout.Resolved {
			continue
		}

		entries := ledger.SettlementEntries(scope, userID, pos, payout.PayoutMicros, time.Now().UTC())
		if err := s.ledger.Append(ctx, entries); err != nil {
			return err
		}
		s.logger.Info("position settled",
			"scope", scope, "user", userID, "asset", pos.AssetID,
			"shares", pos.ShareMicros, "payout", payout.PayoutMicros)
	}
	return nil
}
