// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"time"
)

// StatusSnapshot is what the UI renders on the sync status screen. It is
// recomputed on every call - staleness here directly misleads the user
// about whether their data is safe.
type StatusSnapshot struct {
	Online        bool               `json:"online"`
	Syncing       bool               `json:"syncing"`
	Pending       int                `json:"pending"`
	PendingByType map[EntityType]int `json:"pending_by_type"`
	LastSyncAt    *time.Time         `json:"last_sync_at,omitempty"`
	FailedItems   []FailedItem       `json:"failed_items,omitempty"`
}

// Status computes a fresh status snapshot from the local store, the retry
// ledger and the orchestrator's own flags.
func (o *Orchestrator) Status(ctx context.Context) (*StatusSnapshot, error) {
	byType, total, err := o.client.PendingCounts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := o.client.FailedItems(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, err := o.client.lastSyncAt(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusSnapshot{
		Online:        o.online.Load(),
		Syncing:       o.syncing.Load(),
		Pending:       total,
		PendingByType: byType,
		LastSyncAt:    lastSync,
		FailedItems:   failed,
	}, nil
}

// RefreshStatus re-probes connectivity and returns a fresh snapshot. This is
// the UI's request-status-refresh operation.
func (o *Orchestrator) RefreshStatus(ctx context.Context) (*StatusSnapshot, error) {
	o.refreshOnline(ctx)
	return o.Status(ctx)
}
