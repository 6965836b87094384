package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Checkpoint keys. Each key holds one JSON or scalar value in the
// system_checkpoints table.
const (
	ckLastBlock    = "chain.lastBlock"
	ckEnginePaused = "engine.paused"
	ckIngestCursor = "reconcile.cursor." // + userID
)

// SaveLastBlock persists the highest fully processed chain block.
func (d *DB) SaveLastBlock(ctx context.Context, block uint64) error {
	return d.setCheckpoint(ctx, ckLastBlock, strconv.FormatUint(block, 10))
}

// LastBlock returns the persisted chain checkpoint, 0 when unset.
func (d *DB) LastBlock(ctx context.Context) (uint64, error) {
	v, ok, err := d.getCheckpoint(ctx, ckLastBlock)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// SetPaused flips the engine kill-switch.
func (d *DB) SetPaused(ctx context.Context, paused bool) error {
	return d.setCheckpoint(ctx, ckEnginePaused, strconv.FormatBool(paused))
}

// Paused reads the kill-switch; missing means not paused.
func (d *DB) Paused(ctx context.Context) (bool, error) {
	v, ok, err := d.getCheckpoint(ctx, ckEnginePaused)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(v)
}

// SaveReconcileCursor stores a per-user reconcile cursor.
func (d *DB) SaveReconcileCursor(ctx context.Context, userID string, cursor time.Time) error {
	data, err := json.Marshal(cursor.UTC())
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	return d.setCheckpoint(ctx, ckIngestCursor+userID, string(data))
}

// ReconcileCursor returns the per-user cursor; the zero time when unset.
func (d *DB) ReconcileCursor(ctx context.Context, userID string) (time.Time, error) {
	v, ok, err := d.getCheckpoint(ctx, ckIngestCursor+userID)
	if err != nil || !ok {
		return time.Time{}, err
	}
	var cursor time.Time
	if err := json.Unmarshal([]byte(v), &cursor); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return cursor, nil
}

func (d *DB) setCheckpoint(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO system_checkpoints (key, value, updated_at)
		VALUES (?,?,?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

func (d *DB) getCheckpoint(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `
		SELECT value FROM system_checkpoints WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return v, true, nil
}
