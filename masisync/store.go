// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is a row of an entity table as seen by the sync engine. Payload is
// the business-field JSON; the synchronized flag lives outside the payload.
type Record struct {
	ID        string
	Payload   json.RawMessage
	Synced    bool
	UpdatedAt time.Time
}

// ErrRecordNotFound is returned by GetRecord when no row exists for the ID.
var ErrRecordNotFound = errors.New("record not found")

// Save marshals a business model and upserts it into the local store with
// synchronized = false. Edits reuse the same record ID, so every later Save
// of the same model resets the flag.
func (c *Client) Save(ctx context.Context, rec Syncable) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.EntityType(), err)
	}
	return c.Upsert(ctx, rec.EntityType(), rec.RecordID(), payload)
}

// Upsert writes a record into its entity table and resets its synchronized
// flag. The write is durable before the call returns; the orchestrator is
// notified afterwards.
func (c *Client) Upsert(ctx context.Context, entityType EntityType, id string, payload json.RawMessage) error {
	desc, err := c.descriptorFor(entityType)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("record id must not be empty")
	}

	c.writeMu.Lock()
	_, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, payload, synced, updated_at)
		VALUES (?, ?, 0, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
		ON CONFLICT(id) DO UPDATE SET
			payload    = excluded.payload,
			synced     = 0,
			updated_at = excluded.updated_at
	`, desc.Name), id, string(payload))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to upsert %s record %s: %w", entityType, id, err)
	}

	if c.onLocalWrite != nil {
		c.onLocalWrite()
	}
	return nil
}

// GetUnsynchronized returns all records of an entity type whose synchronized
// flag is false, in local write order.
func (c *Client) GetUnsynchronized(ctx context.Context, entityType EntityType) ([]Record, error) {
	desc, err := c.descriptorFor(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := c.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, payload, synced, updated_at
		FROM "%s"
		WHERE synced = 0
		ORDER BY updated_at, id
	`, desc.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynchronized %s records: %w", entityType, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetRecord loads a single record by ID.
func (c *Client) GetRecord(ctx context.Context, entityType EntityType, id string) (*Record, error) {
	desc, err := c.descriptorFor(entityType)
	if err != nil {
		return nil, err
	}

	var rec Record
	var payload string
	var synced int
	var updatedAt string
	err = c.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, payload, synced, updated_at FROM "%s" WHERE id = ?
	`, desc.Name), id).Scan(&rec.ID, &payload, &synced, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s record %s: %w", entityType, id, err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.Synced = synced != 0
	rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s record %s timestamp: %w", entityType, id, err)
	}
	return &rec, nil
}

// MarkSynchronized flips a record's flag after a confirmed remote write.
// Marking an already-synchronized record is a no-op, not an error.
func (c *Client) MarkSynchronized(ctx context.Context, entityType EntityType, id string) error {
	desc, err := c.descriptorFor(entityType)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE "%s" SET synced = 1 WHERE id = ?
	`, desc.Name), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s record %s synchronized: %w", entityType, id, err)
	}
	return nil
}

// CountUnsynchronized returns the pending count for one entity type.
func (c *Client) CountUnsynchronized(ctx context.Context, entityType EntityType) (int, error) {
	desc, err := c.descriptorFor(entityType)
	if err != nil {
		return 0, err
	}
	var count int
	err = c.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM "%s" WHERE synced = 0
	`, desc.Name)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynchronized %s records: %w", entityType, err)
	}
	return count, nil
}

// PendingCounts returns the per-entity-type pending breakdown and its total.
func (c *Client) PendingCounts(ctx context.Context) (map[EntityType]int, int, error) {
	counts := make(map[EntityType]int, len(c.config.Entities))
	total := 0
	for _, desc := range c.config.Entities {
		n, err := c.CountUnsynchronized(ctx, desc.Name)
		if err != nil {
			return nil, 0, err
		}
		counts[desc.Name] = n
		total += n
	}
	return counts, total, nil
}

// lastSyncAt reads the last completed run timestamp, nil when no run has
// completed yet for this user.
func (c *Client) lastSyncAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_sync_at FROM _sync_client_info WHERE user_id = ?
	`, c.UserID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync time: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	ts, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return &ts, nil
}

// setLastSyncAt records the end of a completed run.
func (c *Client) setLastSyncAt(ctx context.Context, ts time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_client_info (user_id, device_id, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, c.UserID, c.DeviceID, ts.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to persist last sync time: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var payload string
		var synced int
		var updatedAt string
		if err := rows.Scan(&rec.ID, &payload, &synced, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Synced = synced != 0
		ts, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse record %s timestamp: %w", rec.ID, err)
		}
		rec.UpdatedAt = ts
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
