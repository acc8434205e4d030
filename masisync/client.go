// Package masisync implements the offline synchronization engine for the
// masi field-data-collection app: staff record time entries, child rosters,
// group memberships and session notes while disconnected, and this package
// reconciles those local writes with the remote data service once
// connectivity returns.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/time/rate"
)

// Client owns the local SQLite store, the retry ledger and the push path to
// the remote data service. All sync state lives in the local database so a
// killed app resumes exactly where it left off.
type Client struct {
	DB      *sql.DB
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	UserID  string
	// DeviceID identifies this installation; persisted in _sync_client_info.
	DeviceID string
	HTTP     *http.Client

	config  *Config
	logger  *slog.Logger
	limiter *rate.Limiter
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues

	// onLocalWrite is invoked after every successful Upsert. The orchestrator
	// installs itself here so the UI status stays current.
	onLocalWrite func()
}

// Config holds configuration for the sync client.
type Config struct {
	Entities    []EntityDescriptor // Entity types in dependency order
	MaxAttempts int                // Retry budget per record, e.g. 5
	BackoffBase time.Duration      // Base retry delay, e.g. 5s
	PushRate    rate.Limit         // Max record pushes per second
	PushBurst   int                // Burst allowance for the push limiter
	ProbeTime   time.Duration      // Connectivity probe timeout, e.g. 3s
}

// DefaultConfig returns the standard configuration: the full entity order,
// a retry budget of 5 attempts and a 5s backoff base.
func DefaultConfig() *Config {
	return &Config{
		Entities:    DefaultEntityOrder(),
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		PushRate:    rate.Limit(10),
		PushBurst:   1,
		ProbeTime:   3 * time.Second,
	}
}

// NewClient creates a sync client over an opened SQLite database. It creates
// the entity tables and sync metadata tables if they do not exist yet.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.Entities) == 0 {
		return nil, fmt.Errorf("config.Entities must not be empty")
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("config.MaxAttempts must be positive")
	}

	if err := initializeDatabase(db, config.Entities); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		UserID:   userID,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		config:   config,
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(config.PushRate, config.PushBurst),
	}, nil
}

// SetLogger replaces the client logger (defaults to slog.Default()).
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// OnLocalWrite registers a hook fired after every successful local upsert.
func (c *Client) OnLocalWrite(fn func()) {
	c.onLocalWrite = fn
}

// EnsureDeviceID generates and persists a device ID if not already present.
// The same device ID is returned on every subsequent call for this user.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (user_id, device_id, last_sync_at)
			VALUES (?, ?, NULL)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the entity tables and sync metadata tables.
func initializeDatabase(db *sql.DB, entities []EntityDescriptor) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			last_sync_at TEXT,                   -- RFC3339, last completed run
			PRIMARY KEY (user_id)
		)`,

		// Retry ledger: per-record attempt counters
		`CREATE TABLE IF NOT EXISTS _sync_attempts (
			entity_type TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, record_id)
		)`,

		// Retry ledger: records that exhausted the retry budget (one row per PK)
		`CREATE TABLE IF NOT EXISTS _sync_failed (
			entity_type TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			reason      TEXT NOT NULL,
			failed_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (entity_type, record_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// One table per entity type. The synchronized flag is a column and never
	// part of the payload, so the payload is exactly what gets pushed.
	for _, desc := range entities {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id         TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
		)`, desc.Name)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create entity table %s: %w", desc.Name, err)
		}
	}

	return nil
}

// descriptorFor resolves an entity type against the configured descriptors.
// All store and ledger operations go through this check, which also keeps
// entity names out of reach of SQL injection.
func (c *Client) descriptorFor(entityType EntityType) (EntityDescriptor, error) {
	for _, desc := range c.config.Entities {
		if desc.Name == entityType {
			return desc, nil
		}
	}
	return EntityDescriptor{}, fmt.Errorf("unknown entity type: %s", entityType)
}
