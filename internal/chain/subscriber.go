package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const subscriberMaxBackoff = 30 * time.Second

// SubState tracks the subscriber lifecycle:
// Starting -> Live -> Disconnected -> Backfilling -> Live.
type SubState int32

const (
	SubStarting SubState = iota
	SubLive
	SubDisconnected
	SubBackfilling
)

func (s SubState) String() string {
	switch s {
	case SubLive:
		return "live"
	case SubDisconnected:
		return "disconnected"
	case SubBackfilling:
		return "backfilling"
	default:
		return "starting"
	}
}

// FillHandler receives each decoded fill exactly where it happened in the
// log stream. Implementations must be idempotent on (txHash, logIndex).
type FillHandler interface {
	HandleFill(ctx context.Context, fill DecodedFill) error
}

// CheckpointStore persists the last fully processed block.
type CheckpointStore interface {
	SaveLastBlock(ctx context.Context, block uint64) error
	LastBlock(ctx context.Context) (uint64, error)
}

// BackfillNotifier requests a reconcile pull covering a recent window.
// Fired after every reconnect so WS gaps get plugged by the REST path.
type BackfillNotifier interface {
	EnqueueBackfill(ctx context.Context, window time.Duration) error
}

// Subscriber maintains the OrderFilled log subscription and routes fills
// involving tracked wallets to the handler.
type Subscriber struct {
	wsURL       string
	handler     FillHandler
	checkpoints CheckpointStore
	backfills   BackfillNotifier
	window      time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	wallets map[common.Hash]common.Address // padded topic -> wallet

	state     atomic.Int32
	lastBlock atomic.Uint64
}

// NewSubscriber creates a fill subscriber. window is the reconcile lookback
// enqueued after each reconnect.
func NewSubscriber(wsURL string, handler FillHandler, cp CheckpointStore, bf BackfillNotifier, window time.Duration, logger *slog.Logger) *Subscriber {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Subscriber{
		wsURL:       wsURL,
		handler:     handler,
		checkpoints: cp,
		backfills:   bf,
		window:      window,
		logger:      logger.With("component", "fill_subscriber"),
		wallets:     make(map[common.Hash]common.Address),
	}
}

// SetWallets replaces the tracked wallet set. Safe to call while running;
// takes effect on the next log.
func (s *Subscriber) SetWallets(addrs []common.Address) {
	wallets := make(map[common.Hash]common.Address, len(addrs))
	for _, a := range addrs {
		wallets[PadAddressTopic(a)] = a
	}
	s.mu.Lock()
	s.wallets = wallets
	s.mu.Unlock()
	s.logger.Info("tracked wallets updated", "count", len(addrs))
}

// State returns the current lifecycle state for the health endpoint.
func (s *Subscriber) State() SubState { return SubState(s.state.Load()) }

// LastBlock returns the highest fully processed block number.
func (s *Subscriber) LastBlock() uint64 { return s.lastBlock.Load() }

// Run connects and consumes logs until ctx is cancelled. Every reconnect
// enqueues a backfill before going live again.
func (s *Subscriber) Run(ctx context.Context) error {
	if block, err := s.checkpoints.LastBlock(ctx); err == nil {
		s.lastBlock.Store(block)
	} else {
		s.logger.Warn("no last-block checkpoint, starting from live head", "error", err)
	}

	backoff := time.Second
	first := true
	for {
		if !first {
			s.state.Store(int32(SubBackfilling))
			if err := s.backfills.EnqueueBackfill(ctx, s.window); err != nil {
				s.logger.Error("enqueue reconnect backfill", "error", err)
			}
		}

		err := s.subscribeAndRead(ctx, !first)
		s.state.Store(int32(SubDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		s.logger.Warn("fill subscription lost, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > subscriberMaxBackoff {
			backoff = subscriberMaxBackoff
		}
	}
}

func (s *Subscriber) subscribeAndRead(ctx context.Context, reconnected bool) error {
	client, err := ethclient.DialContext(ctx, s.wsURL)
	if err != nil {
		return fmt.Errorf("dial chain ws: %w", err)
	}
	defer client.Close()

	// Wallet membership is matched client-side: topic filters AND across
	// positions, which cannot express "wallet is maker OR taker".
	query := ethereum.FilterQuery{
		Addresses: ExchangeAddresses(),
		Topics:    [][]common.Hash{{OrderFilledTopic}},
	}

	logs := make(chan ethtypes.Log, 128)
	sub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	s.state.Store(int32(SubLive))
	s.logger.Info("fill subscription live", "reconnected", reconnected, "lastBlock", s.lastBlock.Load())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)
		case log := <-logs:
			s.processLog(ctx, log)
		}
	}
}

func (s *Subscriber) processLog(ctx context.Context, log ethtypes.Log) {
	if log.Removed {
		s.logger.Warn("skipping removed log", "tx", log.TxHash.Hex(), "index", log.Index)
		return
	}
	if len(log.Topics) < 4 {
		return
	}

	s.mu.RLock()
	maker, isMaker := s.wallets[log.Topics[2]]
	taker, isTaker := s.wallets[log.Topics[3]]
	s.mu.RUnlock()
	if !isMaker && !isTaker {
		return
	}

	// A self-fill between two tracked wallets decodes twice, once per role.
	if isMaker {
		s.dispatch(ctx, log, maker, RoleMaker)
	}
	if isTaker {
		s.dispatch(ctx, log, taker, RoleTaker)
	}
	s.advanceCheckpoint(ctx, log.BlockNumber)
}

func (s *Subscriber) dispatch(ctx context.Context, log ethtypes.Log, wallet common.Address, role WalletRole) {
	fill, err := DecodeOrderFilled(log, wallet, role)
	if err != nil {
		s.logger.Error("decode order filled", "tx", log.TxHash.Hex(), "index", log.Index, "error", err)
		return
	}
	if err := s.handler.HandleFill(ctx, fill); err != nil {
		s.logger.Error("handle fill", "tx", fill.TxHash, "index", fill.LogIndex, "error", err)
	}
}

func (s *Subscriber) advanceCheckpoint(ctx context.Context, block uint64) {
	if block <= s.lastBlock.Load() {
		return
	}
	s.lastBlock.Store(block)
	if err := s.checkpoints.SaveLastBlock(ctx, block); err != nil {
		s.logger.Error("save last-block checkpoint", "block", block, "error", err)
	}
}
