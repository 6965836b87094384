package chain

import (
	"container/list"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/singleflight"
)

const blockTimeCacheSize = 1024

// HeaderSource is the slice of the RPC client block-time lookups need;
// *ethclient.Client satisfies it.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// BlockTimes resolves block numbers to timestamps with a bounded LRU cache.
// Concurrent lookups for the same block coalesce into one RPC call.
type BlockTimes struct {
	source HeaderSource
	group  singleflight.Group

	mu    sync.Mutex
	cache map[uint64]*list.Element
	lru   *list.List // front = most recent
}

type blockTimeEntry struct {
	block uint64
	ts    time.Time
}

// NewBlockTimes creates the cache over a header source.
func NewBlockTimes(source HeaderSource) *BlockTimes {
	return &BlockTimes{
		source: source,
		cache:  make(map[uint64]*list.Element),
		lru:    list.New(),
	}
}

// Timestamp returns the block's timestamp, hitting the RPC at most once per
// block regardless of concurrent callers. Errors are returned to every
// caller of the coalesced lookup; nothing is cached on failure.
func (b *BlockTimes) Timestamp(ctx context.Context, block uint64) (time.Time, error) {
	b.mu.Lock()
	if elem, ok := b.cache[block]; ok {
		b.lru.MoveToFront(elem)
		ts := elem.Value.(*blockTimeEntry).ts
		b.mu.Unlock()
		return ts, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(fmt.Sprintf("%d", block), func() (any, error) {
		header, err := b.source.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err != nil {
			return time.Time{}, fmt.Errorf("header for block %d: %w", block, err)
		}
		ts := time.Unix(int64(header.Time), 0).UTC()
		b.store(block, ts)
		return ts, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (b *BlockTimes) store(block uint64, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache[block]; ok {
		return
	}
	b.cache[block] = b.lru.PushFront(&blockTimeEntry{block: block, ts: ts})
	for len(b.cache) > blockTimeCacheSize {
		back := b.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*blockTimeEntry)
		b.lru.Remove(back)
		delete(b.cache, entry.block)
	}
}
