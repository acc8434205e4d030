// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = initializeDatabase(db, DefaultEntityOrder())
	require.NoError(t, err)

	expectedTables := []string{
		"_sync_client_info", "_sync_attempts", "_sync_failed",
		"children", "groups", "group_memberships", "session_notes", "time_entries",
	}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var foreignKeys int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestEnsureDeviceID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	err = initializeDatabase(db, DefaultEntityOrder())
	require.NoError(t, err)

	deviceID1, err := EnsureDeviceID(db, "user1")
	require.NoError(t, err)
	require.NotEmpty(t, deviceID1)

	// Second call returns the same persisted ID
	deviceID2, err := EnsureDeviceID(db, "user1")
	require.NoError(t, err)
	require.Equal(t, deviceID1, deviceID2)
}

func TestUpsertResetsSyncedFlag(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	child := NewChild("Thandi", "Mbeki")
	require.NoError(t, client.Save(ctx, child))

	rec, err := client.GetRecord(ctx, EntityChildren, child.ID)
	require.NoError(t, err)
	require.False(t, rec.Synced)

	// Confirmed remote write flips the flag
	require.NoError(t, client.MarkSynchronized(ctx, EntityChildren, child.ID))
	rec, err = client.GetRecord(ctx, EntityChildren, child.ID)
	require.NoError(t, err)
	require.True(t, rec.Synced)

	// A later edit resets it
	child.School = "Walmer Primary"
	require.NoError(t, client.Save(ctx, child))
	rec, err = client.GetRecord(ctx, EntityChildren, child.ID)
	require.NoError(t, err)
	require.False(t, rec.Synced)

	var saved Child
	require.NoError(t, json.Unmarshal(rec.Payload, &saved))
	require.Equal(t, "Walmer Primary", saved.School)
	require.Equal(t, child.ID, saved.ID)
}

func TestMarkSynchronizedIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	entry := NewTimeEntry("staff-1")
	require.NoError(t, client.Save(ctx, entry))

	require.NoError(t, client.MarkSynchronized(ctx, EntityTimeEntries, entry.ID))
	// Marking an already-synchronized record is a no-op, not an error
	require.NoError(t, client.MarkSynchronized(ctx, EntityTimeEntries, entry.ID))

	rec, err := client.GetRecord(ctx, EntityTimeEntries, entry.ID)
	require.NoError(t, err)
	require.True(t, rec.Synced)
}

func TestGetUnsynchronizedReturnsOnlyPending(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	e1 := NewTimeEntry("staff-1")
	e2 := NewTimeEntry("staff-2")
	require.NoError(t, client.Save(ctx, e1))
	require.NoError(t, client.Save(ctx, e2))
	require.NoError(t, client.MarkSynchronized(ctx, EntityTimeEntries, e1.ID))

	records, err := client.GetUnsynchronized(ctx, EntityTimeEntries)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, e2.ID, records[0].ID)
}

func TestPendingCounts(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Save(ctx, NewChild("A", "B")))
	require.NoError(t, client.Save(ctx, NewTimeEntry("staff-1")))
	require.NoError(t, client.Save(ctx, NewTimeEntry("staff-2")))

	byType, total, err := client.PendingCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, 1, byType[EntityChildren])
	require.Equal(t, 2, byType[EntityTimeEntries])
	require.Equal(t, 0, byType[EntityGroups])
}

func TestUpsertUnknownEntityType(t *testing.T) {
	client := newTestClient(t)
	err := client.Upsert(context.Background(), "staff_notes", "some-id", json.RawMessage(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown entity type")
}

func TestGetRecordRejectsMalformedTimestamp(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.DB.Exec(
		`INSERT INTO children (id, payload, synced, updated_at) VALUES (?, ?, 0, ?)`,
		"c1", `{}`, "not-a-timestamp")
	require.NoError(t, err)

	_, err = client.GetRecord(ctx, EntityChildren, "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "timestamp")

	_, err = client.GetUnsynchronized(ctx, EntityChildren)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timestamp")
}

func TestOnLocalWriteHookFires(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	writes := 0
	client.OnLocalWrite(func() { writes++ })

	require.NoError(t, client.Save(ctx, NewChild("A", "B")))
	require.NoError(t, client.Save(ctx, NewGroup("Grade R")))
	require.Equal(t, 2, writes)
}
