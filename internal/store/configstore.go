package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"polymarket-copytrader/pkg/types"
)

// ConfigStore serves versioned copy configuration with per-leader
// overrides. Rows are append-only and versioned by updated_at; reads take
// the latest row per scope, so duplicate writes are harmless. A short TTL
// cache keeps the hot path off the database; writes invalidate it.
type ConfigStore struct {
	db  *DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	cfg    *types.CopyConfig
	loaded time.Time
}

// NewConfigStore wraps the DB with a read-through config cache.
func NewConfigStore(db *DB, ttl time.Duration) *ConfigStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ConfigStore{db: db, ttl: ttl, cache: make(map[string]cachedConfig)}
}

// Save appends a new config version. userID "" writes the global scope.
func (c *ConfigStore) Save(ctx context.Context, cfg types.CopyConfig) error {
	cfg.UpdatedAt = nowUTC()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal copy config: %w", err)
	}
	_, err = c.db.db.ExecContext(ctx, `
		INSERT INTO copy_configs (user_id, config, updated_at) VALUES (?,?,?)`,
		cfg.UserID, string(data), cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert copy config: %w", err)
	}

	c.mu.Lock()
	delete(c.cache, cfg.UserID)
	c.mu.Unlock()
	return nil
}

// HasGlobal reports whether any global config version has been written.
func (c *ConfigStore) HasGlobal(ctx context.Context) (bool, error) {
	cfg, err := c.latest(ctx, "")
	if err != nil {
		return false, err
	}
	return cfg != nil, nil
}

// Effective resolves the config for a leader: the latest per-leader row
// where present, falling back field-by-field to the latest global row.
// Missing both yields zero-value config (the engine treats it as disabled).
func (c *ConfigStore) Effective(ctx context.Context, userID string) (types.CopyConfig, error) {
	global, err := c.latest(ctx, "")
	if err != nil {
		return types.CopyConfig{}, err
	}
	perLeader, err := c.latest(ctx, userID)
	if err != nil {
		return types.CopyConfig{}, err
	}

	if global == nil && perLeader == nil {
		return types.CopyConfig{UserID: userID}, nil
	}
	if perLeader == nil {
		out := *global
		out.UserID = userID
		return out, nil
	}
	if global == nil {
		return *perLeader, nil
	}
	return mergeConfigs(*global, *perLeader), nil
}

func (c *ConfigStore) latest(ctx context.Context, userID string) (*types.CopyConfig, error) {
	c.mu.Lock()
	if entry, ok := c.cache[userID]; ok && time.Since(entry.loaded) < c.ttl {
		c.mu.Unlock()
		return entry.cfg, nil
	}
	c.mu.Unlock()

	var data string
	err := c.db.db.QueryRowContext(ctx, `
		SELECT config FROM copy_configs
		WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT 1`, userID).Scan(&data)
	var cfg *types.CopyConfig
	switch {
	case err == sql.ErrNoRows:
		cfg = nil
	case err != nil:
		return nil, fmt.Errorf("query copy config: %w", err)
	default:
		cfg = &types.CopyConfig{}
		if err := json.Unmarshal([]byte(data), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal copy config: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[userID] = cachedConfig{cfg: cfg, loaded: time.Now()}
	c.mu.Unlock()
	return cfg, nil
}

// mergeConfigs overlays per-leader values onto the global baseline. A
// zero-valued per-leader field means "not set here, use global".
func mergeConfigs(global, leader types.CopyConfig) types.CopyConfig {
	out := global
	out.UserID = leader.UserID
	out.UpdatedAt = leader.UpdatedAt

	if leader.Sizing.Mode != "" {
		out.Sizing.Mode = leader.Sizing.Mode
	}
	overlayInt64(&out.Sizing.CopyPctNotionalBps, leader.Sizing.CopyPctNotionalBps)
	overlayInt64(&out.Sizing.BudgetMicros, leader.Sizing.BudgetMicros)
	overlayInt64(&out.Sizing.RateMinBps, leader.Sizing.RateMinBps)
	overlayInt64(&out.Sizing.RateMaxBps, leader.Sizing.RateMaxBps)
	overlayInt64(&out.Sizing.MinTradeNotionalMicros, leader.Sizing.MinTradeNotionalMicros)
	overlayInt64(&out.Sizing.MaxTradeNotionalMicros, leader.Sizing.MaxTradeNotionalMicros)
	overlayInt64(&out.Sizing.MaxTradeBankrollBps, leader.Sizing.MaxTradeBankrollBps)

	g := &out.Guardrails
	l := leader.Guardrails
	overlayInt32(&g.MaxWorseningVsTheirFillMicros, l.MaxWorseningVsTheirFillMicros)
	overlayInt32(&g.MaxOverMidMicros, l.MaxOverMidMicros)
	overlayInt32(&g.MaxSpreadMicros, l.MaxSpreadMicros)
	overlayInt32(&g.MaxBuyCostPerShareMicros, l.MaxBuyCostPerShareMicros)
	overlayInt64(&g.MinDepthMultiplierBps, l.MinDepthMultiplierBps)
	overlayInt64(&g.MaxTotalExposureBps, l.MaxTotalExposureBps)
	overlayInt64(&g.MaxExposurePerMarketBps, l.MaxExposurePerMarketBps)
	overlayInt64(&g.MaxExposurePerUserBps, l.MaxExposurePerUserBps)
	overlayInt64(&g.NoNewOpensWithinMinutesToClose, l.NoNewOpensWithinMinutesToClose)
	overlayInt64(&g.DailyLossLimitBps, l.DailyLossLimitBps)
	overlayInt64(&g.WeeklyLossLimitBps, l.WeeklyLossLimitBps)
	overlayInt64(&g.MaxDrawdownBps, l.MaxDrawdownBps)
	overlayInt64(&g.DecisionLatencyMs, l.DecisionLatencyMs)
	overlayInt64(&g.JitterMsMax, l.JitterMsMax)
	overlayInt64(&g.NotionalThresholdMicros, l.NotionalThresholdMicros)
	overlayInt64(&g.FlushMinNotionalMicros, l.FlushMinNotionalMicros)
	overlayInt64(&g.MinExecNotionalMicros, l.MinExecNotionalMicros)
	overlayInt64(&g.BufferQuietMs, l.BufferQuietMs)
	overlayInt64(&g.MaxBufferMs, l.MaxBufferMs)
	if l.Netting != "" {
		g.Netting = l.Netting
	}
	if len(l.BlacklistedMarkets) > 0 {
		g.BlacklistedMarkets = l.BlacklistedMarkets
	}
	return out
}

func overlayInt64(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}

func overlayInt32(dst *int32, v int32) {
	if v != 0 {
		*dst = v
	}
}
