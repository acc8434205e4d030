// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FailedItem is a record that exhausted its retry budget and awaits manual
// intervention. At most one entry exists per (entity type, record ID).
type FailedItem struct {
	EntityType EntityType `json:"entity_type"`
	RecordID   string     `json:"record_id"`
	Reason     string     `json:"reason"`
	FailedAt   time.Time  `json:"failed_at"`
}

// AttemptCount returns the retry counter for a record, zero for unseen
// records. The counter resets only on confirmed success or manual recovery,
// never because a new run started.
func (c *Client) AttemptCount(ctx context.Context, entityType EntityType, id string) (int, error) {
	var attempts int
	err := c.DB.QueryRowContext(ctx, `
		SELECT attempts FROM _sync_attempts WHERE entity_type = ? AND record_id = ?
	`, string(entityType), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query attempt count for %s.%s: %w", entityType, id, err)
	}
	return attempts, nil
}

// RecordAttempt increments a record's attempt counter by exactly one and
// returns the new count.
func (c *Client) RecordAttempt(ctx context.Context, entityType EntityType, id string) (int, error) {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_attempts (entity_type, record_id, attempts)
		VALUES (?, ?, 1)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET attempts = attempts + 1
	`, string(entityType), id)
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt for %s.%s: %w", entityType, id, err)
	}
	return c.AttemptCount(ctx, entityType, id)
}

// ClearAttempts resets a record's attempt counter to zero.
func (c *Client) ClearAttempts(ctx context.Context, entityType EntityType, id string) error {
	_, err := c.DB.ExecContext(ctx, `
		DELETE FROM _sync_attempts WHERE entity_type = ? AND record_id = ?
	`, string(entityType), id)
	if err != nil {
		return fmt.Errorf("failed to clear attempts for %s.%s: %w", entityType, id, err)
	}
	return nil
}

// AddOrRefreshFailedItem inserts a failed item, or updates the reason and
// timestamp in place when an entry already exists for this key. Repeated
// failures never append duplicates.
func (c *Client) AddOrRefreshFailedItem(ctx context.Context, entityType EntityType, id, reason string) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_failed (entity_type, record_id, reason, failed_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			reason    = excluded.reason,
			failed_at = excluded.failed_at
	`, string(entityType), id, reason)
	if err != nil {
		return fmt.Errorf("failed to upsert failed item for %s.%s: %w", entityType, id, err)
	}
	return nil
}

// ensureFailedItem inserts a failed item only when none exists yet. Used on
// the ceiling-skip path so an existing entry keeps its original reason and
// timestamp across runs.
func (c *Client) ensureFailedItem(ctx context.Context, entityType EntityType, id, reason string) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_failed (entity_type, record_id, reason, failed_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(entity_type, record_id) DO NOTHING
	`, string(entityType), id, reason)
	if err != nil {
		return fmt.Errorf("failed to ensure failed item for %s.%s: %w", entityType, id, err)
	}
	return nil
}

// RemoveFailedItem deletes a failed item entry. Removing a non-existent
// entry is a no-op.
func (c *Client) RemoveFailedItem(ctx context.Context, entityType EntityType, id string) error {
	_, err := c.DB.ExecContext(ctx, `
		DELETE FROM _sync_failed WHERE entity_type = ? AND record_id = ?
	`, string(entityType), id)
	if err != nil {
		return fmt.Errorf("failed to remove failed item for %s.%s: %w", entityType, id, err)
	}
	return nil
}

// FailedItems lists all records awaiting manual retry, oldest first.
func (c *Client) FailedItems(ctx context.Context) ([]FailedItem, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT entity_type, record_id, reason, failed_at
		FROM _sync_failed
		ORDER BY failed_at, entity_type, record_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	var items []FailedItem
	for rows.Next() {
		var item FailedItem
		var entityType, failedAt string
		if err := rows.Scan(&entityType, &item.RecordID, &item.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed item: %w", err)
		}
		item.EntityType = EntityType(entityType)
		ts, err := time.Parse(timeLayout, failedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse failed item %s.%s timestamp: %w",
				item.EntityType, item.RecordID, err)
		}
		item.FailedAt = ts
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed items: %w", err)
	}
	return items, nil
}

// Recover clears a record's retry state so it re-enters the normal sync
// path: the failed item entry and the attempt counter go away in one SQLite
// transaction. Leaving one without the other would make the record re-fail
// on the very next attempt. Recover does not trigger a sync run; the caller
// requests one if it wants the record retried right away.
func (c *Client) Recover(ctx context.Context, entityType EntityType, id string) error {
	if _, err := c.descriptorFor(entityType); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recovery transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_failed WHERE entity_type = ? AND record_id = ?
	`, string(entityType), id); err != nil {
		return fmt.Errorf("failed to remove failed item during recovery: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_attempts WHERE entity_type = ? AND record_id = ?
	`, string(entityType), id); err != nil {
		return fmt.Errorf("failed to clear attempts during recovery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recovery transaction: %w", err)
	}

	c.logger.Info("Recovered failed record", "entity_type", entityType, "record_id", id)
	return nil
}
