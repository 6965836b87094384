// Polymarket Copy Trader — a paper-trading engine that follows selected
// wallets on Polymarket and simulates copying their fills in real time.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	chain/subscriber.go — Polygon OrderFilled log subscription for tracked wallets
//	chain/decode.go     — raw log -> decoded fill (side, price, shares in integer micros)
//	ingest/writer.go    — canonical trade rows, idempotent on (txHash, logIndex)
//	ingest/grouper.go   — collapses fill bursts into per-(user, asset, side) decision groups
//	ingest/reconcile.go — Data-API catch-up sweep that plugs WS gaps
//	book/cache.go       — normalized order book cache fed by the market WS
//	engine/engine.go    — the decision pipeline: size, bound, simulate, guard, commit
//	engine/buffer.go    — accumulates sub-threshold copies until worth executing
//	ledger/ledger.go    — double-entry paper accounting across portfolio scopes
//	settle/settle.go    — closes positions when markets resolve
//	snapshot/snapshot.go— price and equity time series
//	api/server.go       — health, portfolio reads, pause control
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-copytrader/internal/api"
	"polymarket-copytrader/internal/book"
	"polymarket-copytrader/internal/chain"
	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/feed"
	"polymarket-copytrader/internal/gamma"
	"polymarket-copytrader/internal/ingest"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/queue"
	"polymarket-copytrader/internal/settle"
	"polymarket-copytrader/internal/snapshot"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	queues, err := queue.NewClient(cfg.Redis.URL, logger)
	if err != nil {
		return fmt.Errorf("connect queue broker: %w", err)
	}
	defer queues.Close()
	if err := queues.Ping(ctx); err != nil {
		return fmt.Errorf("ping queue broker: %w", err)
	}
	queues.RequeueStuck(ctx, queue.QueueReconcile, queue.QueueIngestPost, queue.QueueCopyAttempt)

	users := cfg.FollowedUsers()
	usersFn := func() []types.FollowedUser { return users }

	// Accounting. Every scope starts from the same paper bankroll.
	led := ledger.NewService(db, logger)
	bankroll := cfg.InitialBankrollMicros()
	if err := led.EnsureInitialBankroll(ctx, types.ScopeExecGlobal, "", bankroll); err != nil {
		return err
	}
	for _, u := range users {
		if err := led.EnsureInitialBankroll(ctx, types.ScopeExecUser, u.ID, bankroll); err != nil {
			return err
		}
		if err := led.EnsureInitialBankroll(ctx, types.ScopeShadowUser, u.ID, bankroll); err != nil {
			return err
		}
	}

	configs := store.NewConfigStore(db, 5*time.Second)
	if err := seedDefaultConfig(ctx, configs, logger); err != nil {
		return err
	}

	// Market data.
	books := book.NewCache(book.Config{MaxEntries: 2048, TTL: time.Hour}, logger)
	bookFeed := feed.NewClient(cfg.API.WSMarketURL, books, logger)
	gammaClient := gamma.NewClient(cfg.API.GammaBaseURL, logger)

	recorder := snapshot.NewRecorder(snapshot.Config{
		PriceEvery:     cfg.Snapshots.PriceInterval,
		PortfolioEvery: cfg.Snapshots.PortfolioInterval,
	}, db, led, books, usersFn, logger)
	pricer := recorder.Pricer()

	// Decision engine.
	eng := engine.New(engine.Config{BookWait: cfg.Engine.BookWait},
		books, configs, db, newUserDirectory(users), closeTimes{gammaClient},
		led, db, pricer, logger)
	buffer := engine.NewBuffer(eng.SubmitBufferFlush, eng.RecordBufferSkip, logger)
	eng.SetBuffer(buffer)

	// Block timestamps ride a separate RPC connection so header lookups
	// never contend with the log subscription.
	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.WSURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer ethClient.Close()

	// Ingestion: chain logs -> canonical trades -> groups -> copy-attempt queue.
	grouper := ingest.NewGrouper(ingest.GrouperConfig{}, groupEnqueuer{queues}, logger)
	writer := ingest.NewWriter(db, chain.NewBlockTimes(ethClient), grouper, postEnqueuer{queues}, gammaClient, logger)
	writer.SetUsers(users)

	reconciler := ingest.NewReconciler(cfg.API.DataAPIBaseURL, db, writer, usersFn, logger)

	subscriber := chain.NewSubscriber(cfg.Chain.WSURL, writer, db,
		backfillEnqueuer{queues}, cfg.Chain.BackfillWindow, logger)
	subscriber.SetWallets(writer.TrackedAddresses())

	settler := settle.New(db, led, gammaClient, usersFn, cfg.Snapshots.SettleInterval, logger)

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
		logger.Info("component started", "component", name)
	}

	start("book_cache", func() { books.Run(ctx) })
	start("book_ws", func() {
		if err := bookFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("book feed stopped", "error", err)
		}
	})
	start("fill_subscriber", func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("fill subscriber stopped", "error", err)
		}
	})
	start("grouper", func() { grouper.Run(ctx) })
	start("trade_buffer", func() { buffer.Run(ctx) })
	start("reconciler", func() { reconciler.RunPeriodic(ctx, cfg.Reconcile.Interval) })
	start("settler", func() { settler.Run(ctx) })
	start("price_snapshots", func() { recorder.RunPrices(ctx) })
	start("portfolio_snapshots", func() { recorder.RunPortfolios(ctx) })
	start("enrichment", func() { runEnrichment(ctx, writer, logger) })

	// Queue consumers. The copy-attempt queue runs exactly one consumer to
	// keep decisions FIFO.
	start("consume_copy_attempts", func() { queues.Consume(ctx, queue.QueueCopyAttempt, eng.HandleJob) })
	start("consume_reconcile", func() { queues.Consume(ctx, queue.QueueReconcile, reconciler.HandleJob) })
	start("consume_ingest_post", func() {
		queues.Consume(ctx, queue.QueueIngestPost, func(ctx context.Context, _ []byte) error {
			return writer.EnrichPending(ctx, 50)
		})
	})

	apiServer := api.NewServer(cfg.Health.Port, api.Deps{
		DB:         db,
		Queue:      queues,
		Feed:       bookFeed,
		Chain:      subscriber,
		Books:      books,
		Reconciler: reconciler,
		Grouper:    grouper,
		Buffer:     buffer,
		Engine:     eng,
		Ledger:     led,
		Pricer:     pricer,
		Users:      usersFn,
	}, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("copy trader started",
		"users", len(users),
		"bankroll_micros", bankroll,
		"db", cfg.Store.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Shutdown order: stop accepting, drain open groups and buffered
	// trades through the engine, then tear down.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	grouper.FlushAll(drainCtx)
	buffer.FlushAll(drainCtx)
	drainCancel()

	cancel()
	books.Stop()
	if err := bookFeed.Close(); err != nil {
		logger.Error("close book feed", "error", err)
	}
	wg.Wait()

	logger.Info("copy trader stopped")
	return nil
}

// seedDefaultConfig writes the first global config version on a fresh
// database so the engine has something to run with before the operator
// tunes it.
func seedDefaultConfig(ctx context.Context, configs *store.ConfigStore, logger *slog.Logger) error {
	has, err := configs.HasGlobal(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	logger.Info("seeding default copy config")
	return configs.Save(ctx, defaultCopyConfig())
}

func defaultCopyConfig() types.CopyConfig {
	return types.CopyConfig{
		Sizing: types.Sizing{
			Mode:                   types.SizingFixedRate,
			CopyPctNotionalBps:     100, // copy 1% of their notional
			MinTradeNotionalMicros: 5_000_000,
			MaxTradeNotionalMicros: 250_000_000,
			MaxTradeBankrollBps:    200,
		},
		Guardrails: types.Guardrails{
			MaxWorseningVsTheirFillMicros: 10_000,
			MaxOverMidMicros:              15_000,
			MaxSpreadMicros:               50_000,
			MinDepthMultiplierBps:         15_000,
			MaxTotalExposureBps:           6_000,
			MaxExposurePerMarketBps:       1_500,
			MaxExposurePerUserBps:         3_000,
			NoNewOpensWithinMinutesToClose: 30,
			DailyLossLimitBps:              500,
			WeeklyLossLimitBps:             1_200,
			MaxDrawdownBps:                 2_000,
			DecisionLatencyMs:              250,
			JitterMsMax:                    250,
			Netting:                        types.NettingSameSideOnly,
			NotionalThresholdMicros:        5_000_000,
			FlushMinNotionalMicros:         20_000_000,
			MinExecNotionalMicros:          5_000_000,
			BufferQuietMs:                  10_000,
			MaxBufferMs:                    60_000,
		},
	}
}

func runEnrichment(ctx context.Context, writer *ingest.Writer, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.EnrichPending(ctx, 100); err != nil {
				logger.Error("enrichment sweep", "error", err)
			}
		}
	}
}

// groupEnqueuer routes closed groups onto the copy-attempt queue.
type groupEnqueuer struct{ queues *queue.Client }

func (g groupEnqueuer) EmitGroup(ctx context.Context, group types.TradeGroup) {
	if err := g.queues.Enqueue(ctx, queue.QueueCopyAttempt, group); err != nil {
		slog.Error("enqueue trade group", "group", group.Key(), "error", err)
	}
}

// postEnqueuer queues enrichment work for first-sight trades.
type postEnqueuer struct{ queues *queue.Client }

func (p postEnqueuer) EnqueuePostProcess(ctx context.Context, tradeKey string) error {
	return p.queues.Enqueue(ctx, queue.QueueIngestPost, tradeKey)
}

// backfillEnqueuer requests a reconcile sweep after WS gaps.
type backfillEnqueuer struct{ queues *queue.Client }

func (b backfillEnqueuer) EnqueueBackfill(ctx context.Context, window time.Duration) error {
	return b.queues.Enqueue(ctx, queue.QueueReconcile, ingest.BackfillJob{WindowMs: window.Milliseconds()})
}

// closeTimes adapts the Gamma client to the engine's close-time lookup.
type closeTimes struct{ gamma *gamma.Client }

func (c closeTimes) CloseTime(ctx context.Context, assetID string) (time.Time, bool) {
	info, err := c.gamma.TokenInfo(ctx, assetID)
	if err != nil || info.CloseTime.IsZero() {
		return time.Time{}, false
	}
	return info.CloseTime, true
}

// userDirectory answers enabled lookups from the static config.
type userDirectory map[string]bool

func newUserDirectory(users []types.FollowedUser) userDirectory {
	m := make(userDirectory, len(users))
	for _, u := range users {
		m[u.ID] = u.Enabled
	}
	return m
}

func (d userDirectory) Enabled(userID string) bool { return d[userID] }

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
