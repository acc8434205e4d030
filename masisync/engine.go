// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureDetail describes one record that could not be pushed during a run.
type FailureDetail struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// RunResult summarizes one entity type's pass.
type RunResult struct {
	EntityType   EntityType      `json:"entity_type"`
	Synchronized int             `json:"synchronized"`
	Failed       int             `json:"failed"`
	Failures     []FailureDetail `json:"failures,omitempty"`
}

// SyncSummary is the result of one full pass over all entity types.
type SyncSummary struct {
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Offline      bool        `json:"offline"`
	Synchronized int         `json:"synchronized"`
	Failed       int         `json:"failed"`
	Results      []RunResult `json:"results"`
}

// backoffDelay returns the wait before push attempt n. Attempt 1 is
// immediate; each later attempt triples the previous delay: with a 5s base
// the schedule is 0, 5s, 15s, 45s, 135s for attempts 1-5. Fast enough growth
// to stop hammering a struggling network, while transient blips still
// resolve within seconds.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 3
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncAll runs one full pass over all entity types in dependency order.
// If the remote service is unreachable before the pass starts, the whole run
// short-circuits with an offline no-op summary: no records are touched and
// no attempt counters move, since those records did not fail - the device
// was offline.
//
// Local storage errors abort the run and propagate; per-record remote
// rejections never do. The caller (the orchestrator) serializes runs; the
// engine never holds writeMu across a push or a backoff wait, so local saves
// keep succeeding immediately while a run is in flight.
func (c *Client) SyncAll(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{StartedAt: time.Now().UTC()}

	if err := c.CheckConnectivity(ctx); err != nil {
		if errors.Is(err, ErrOffline) {
			c.logger.Info("Sync skipped: device offline")
			summary.Offline = true
			summary.FinishedAt = time.Now().UTC()
			return summary, nil
		}
		return nil, err
	}

	for _, desc := range c.config.Entities {
		result, err := c.syncEntity(ctx, desc)
		summary.Results = append(summary.Results, result)
		summary.Synchronized += result.Synchronized
		summary.Failed += result.Failed
		if err != nil {
			return summary, fmt.Errorf("sync pass aborted at %s: %w", desc.Name, err)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	if err := c.setLastSyncAt(ctx, summary.FinishedAt); err != nil {
		return summary, err
	}

	c.logger.Info("Sync run completed",
		"synchronized", summary.Synchronized,
		"failed", summary.Failed,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	return summary, nil
}

// syncEntity pushes every unsynchronized record of one entity type, one
// record at a time. Records are never pushed concurrently within a type:
// that would complicate backoff accounting and risks tripping rate limits
// on the remote service.
func (c *Client) syncEntity(ctx context.Context, desc EntityDescriptor) (RunResult, error) {
	result := RunResult{EntityType: desc.Name}

	records, err := c.GetUnsynchronized(ctx, desc.Name)
	if err != nil {
		return result, err
	}

	for i := range records {
		rec := &records[i]

		attempts, err := c.AttemptCount(ctx, desc.Name, rec.ID)
		if err != nil {
			return result, err
		}

		// Budget already exhausted in an earlier run: keep the record parked
		// on the failed list and move on. The original failure reason stays.
		if attempts >= c.config.MaxAttempts {
			c.writeMu.Lock()
			err := c.ensureFailedItem(ctx, desc.Name, rec.ID, ReasonMaxAttemptsExceeded)
			c.writeMu.Unlock()
			if err != nil {
				return result, err
			}
			result.Failed++
			result.Failures = append(result.Failures, FailureDetail{
				RecordID: rec.ID,
				Reason:   ReasonMaxAttemptsExceeded,
				Attempts: attempts,
			})
			continue
		}

		// This push is attempt number attempts+1. Retries wait first.
		if attempts > 0 {
			delay := backoffDelay(attempts+1, c.config.BackoffBase)
			c.logger.Debug("Backing off before retry",
				"entity_type", desc.Name, "record_id", rec.ID,
				"attempt", attempts+1, "delay", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return result, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return result, err
		}

		pushErr := c.putRecord(ctx, desc.Name, rec.ID, rec.Payload)
		if pushErr == nil {
			if err := c.markPushSuccess(ctx, desc.Name, rec.ID); err != nil {
				return result, err
			}
			result.Synchronized++
			continue
		}

		// Remote rejection: count it, escalate at the ceiling, keep going.
		// A single record's failure never aborts the rest of the run.
		newCount, err := c.markPushFailure(ctx, desc.Name, rec.ID, pushErr.Error())
		if err != nil {
			return result, err
		}
		result.Failed++
		result.Failures = append(result.Failures, FailureDetail{
			RecordID: rec.ID,
			Reason:   pushErr.Error(),
			Attempts: newCount,
		})
		c.logger.Warn("Record push failed",
			"entity_type", desc.Name, "record_id", rec.ID,
			"attempts", newCount, "error", pushErr)
	}

	return result, nil
}

// markPushSuccess flips the record's flag and clears its retry state as one
// unit under writeMu, so a concurrent Recover never observes half of it.
func (c *Client) markPushSuccess(ctx context.Context, entityType EntityType, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.MarkSynchronized(ctx, entityType, id); err != nil {
		return err
	}
	if err := c.ClearAttempts(ctx, entityType, id); err != nil {
		return err
	}
	return c.RemoveFailedItem(ctx, entityType, id)
}

// markPushFailure advances the record's attempt counter and, at the ceiling,
// records the rejection reason on the failed list. Runs under writeMu for the
// same reason as markPushSuccess. Returns the new attempt count.
func (c *Client) markPushFailure(ctx context.Context, entityType EntityType, id, reason string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	newCount, err := c.RecordAttempt(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	if newCount >= c.config.MaxAttempts {
		if err := c.AddOrRefreshFailedItem(ctx, entityType, id, reason); err != nil {
			return newCount, err
		}
	}
	return newCount, nil
}
