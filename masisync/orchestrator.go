// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// eventKind is an inbound trigger into the orchestrator's transition table.
// Triggers never carry authoritative state; actual connectivity is re-probed
// before any run starts.
type eventKind int

const (
	evConnectivityChange eventKind = iota
	evAppForeground
	evAppBackground
	evLocalWrite
	evTick
)

func (e eventKind) String() string {
	switch e {
	case evConnectivityChange:
		return "connectivity_change"
	case evAppForeground:
		return "app_foreground"
	case evAppBackground:
		return "app_background"
	case evLocalWrite:
		return "local_write"
	case evTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Orchestrator is the process-wide sync controller. It decides when to run,
// runs the engine across entity types in dependency order, enforces
// single-flight execution and aggregates status for the UI. One instance is
// created at startup and lives for the whole app lifetime.
type Orchestrator struct {
	client *Client
	logger *slog.Logger

	group      singleflight.Group
	online     atomic.Bool
	syncing    atomic.Bool
	foreground atomic.Bool

	interval time.Duration
	events   chan eventKind
}

// OrchestratorConfig holds orchestrator tuning knobs.
type OrchestratorConfig struct {
	// TickInterval is the periodic status refresh cadence while the app is
	// foregrounded. Defaults to 30s.
	TickInterval time.Duration
}

// NewOrchestrator wires an orchestrator around a client. It installs itself
// as the client's local-write hook so every UI write refreshes status.
func NewOrchestrator(client *Client, config *OrchestratorConfig) *Orchestrator {
	interval := 30 * time.Second
	if config != nil && config.TickInterval > 0 {
		interval = config.TickInterval
	}
	o := &Orchestrator{
		client:   client,
		logger:   client.logger,
		interval: interval,
		events:   make(chan eventKind, 16),
	}
	o.foreground.Store(true)
	client.OnLocalWrite(o.NotifyLocalWrite)
	return o
}

// Start runs the event loop until ctx is cancelled. Events arrive from the
// Notify* methods and from the periodic ticker; each is fed through the
// transition table.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-o.events:
				o.handleEvent(ctx, ev)
			case <-ticker.C:
				if o.foreground.Load() {
					o.handleEvent(ctx, evTick)
				}
			}
		}
	}()
}

// NotifyConnectivityChange feeds an external connectivity notification into
// the transition table. Delivered at-least-once; treated as a trigger only.
func (o *Orchestrator) NotifyConnectivityChange() { o.post(evConnectivityChange) }

// NotifyAppForeground feeds an app-foreground transition.
func (o *Orchestrator) NotifyAppForeground() { o.post(evAppForeground) }

// NotifyAppBackground feeds an app-background transition. The orchestrator
// attempts a best-effort flush before suspension.
func (o *Orchestrator) NotifyAppBackground() { o.post(evAppBackground) }

// NotifyLocalWrite feeds a local-write trigger. The client's OnLocalWrite
// hook posts this automatically after every upsert; external callers batching
// their own writes can post it directly.
func (o *Orchestrator) NotifyLocalWrite() { o.post(evLocalWrite) }

func (o *Orchestrator) post(ev eventKind) {
	select {
	case o.events <- ev:
	default:
		// Event channel full: a run trigger is already queued, and triggers
		// are at-least-once, so dropping this one loses nothing.
	}
}

// handleEvent is the transition table. All paths re-probe connectivity and
// only start a run when unsynchronized records exist.
func (o *Orchestrator) handleEvent(ctx context.Context, ev eventKind) {
	switch ev {
	case evAppForeground:
		o.foreground.Store(true)
	case evAppBackground:
		o.foreground.Store(false)
	}

	o.refreshOnline(ctx)
	if !o.online.Load() {
		return
	}

	_, total, err := o.client.PendingCounts(ctx)
	if err != nil {
		o.logger.Error("Failed to count pending records", "error", err)
		return
	}
	if total == 0 {
		return
	}

	// Every trigger kind starts a run when there is pending work; the
	// periodic tick otherwise only refreshed status above.
	if _, err := o.SyncNow(ctx); err != nil {
		o.logger.Error("Triggered sync run failed", "trigger", ev, "error", err)
	}
}

// SyncNow requests a sync run. Only one run is ever in flight: a request
// arriving while a run is executing joins it and receives that run's
// eventual summary rather than queuing a second run. This is what keeps two
// concurrent passes from double-submitting records or interleaving attempt
// counter updates.
func (o *Orchestrator) SyncNow(ctx context.Context) (*SyncSummary, error) {
	v, err, _ := o.group.Do("sync", func() (interface{}, error) {
		o.syncing.Store(true)
		// Released unconditionally so a failed run can never leave the
		// orchestrator stuck in Running.
		defer o.syncing.Store(false)

		summary, err := o.client.SyncAll(ctx)
		if summary != nil {
			o.online.Store(!summary.Offline)
		}
		return summary, err
	})
	summary, _ := v.(*SyncSummary)
	if err != nil {
		return summary, fmt.Errorf("sync run failed: %w", err)
	}
	return summary, nil
}

// RequestRecovery clears a failed record's retry state so it re-enters the
// normal sync path. It does not trigger a run; the UI requests one right
// after when it wants the record retried immediately.
func (o *Orchestrator) RequestRecovery(ctx context.Context, entityType EntityType, id string) error {
	return o.client.Recover(ctx, entityType, id)
}

// refreshOnline re-probes actual connectivity and updates the online flag.
func (o *Orchestrator) refreshOnline(ctx context.Context) {
	err := o.client.CheckConnectivity(ctx)
	switch {
	case err == nil:
		o.online.Store(true)
	case errors.Is(err, ErrOffline):
		o.online.Store(false)
	default:
		o.logger.Warn("Connectivity probe failed", "error", err)
		o.online.Store(false)
	}
}
