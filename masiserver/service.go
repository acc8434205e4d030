// Package masiserver is the reference remote data service for the masi
// field-data app: a Postgres-backed create-or-replace-by-identifier store
// with per-user row ownership. The sync engine treats this service as an
// external collaborator; any backend honoring the same contract works.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRecordNotFound is returned by GetRecord when no row matches.
var ErrRecordNotFound = errors.New("record not found")

// ErrUnregisteredEntity is returned for entity types the service does not
// accept. Clients treat it as an ordinary per-record failure.
var ErrUnregisteredEntity = errors.New("unregistered entity type")

// ServiceConfig holds configuration for the record service.
type ServiceConfig struct {
	AppName string // Application name for logging/connection tracking
	// RegisteredEntityTypes are the entity collections accepted for upsert.
	RegisteredEntityTypes []string
}

// Service provides idempotent per-record storage. Submitting the same record
// twice produces the same state, and a newer payload for an existing
// identifier unconditionally replaces the stored one (last write wins).
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]bool
}

// NewService creates a record service instance from an existing pool.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil || len(config.RegisteredEntityTypes) == 0 {
		return nil, fmt.Errorf("config with registered entity types is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	entities := make(map[string]bool, len(config.RegisteredEntityTypes))
	for _, e := range config.RegisteredEntityTypes {
		entities[strings.ToLower(e)] = true
	}

	return &Service{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: entities,
	}, nil
}

// InitSchema creates the records table. Rows are keyed by the authenticated
// user, the entity type and the client-generated identifier, so per-user
// visibility is structural rather than filtered.
func (s *Service) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS masi_records (
			user_id     TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			record_id   UUID        NOT NULL,
			payload     JSONB       NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, record_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// UpsertRecord stores a record, replacing any previous payload for the same
// identifier. Transient Postgres errors (serialization failures, deadlocks,
// lock timeouts) are retried a few times before surfacing.
func (s *Service) UpsertRecord(ctx context.Context, userID, entityType string, recordID uuid.UUID, payload json.RawMessage) error {
	entityType = strings.ToLower(entityType)
	if !s.entities[entityType] {
		return fmt.Errorf("%w: %s", ErrUnregisteredEntity, entityType)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	const maxTxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO masi_records (user_id, entity_type, record_id, payload, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (user_id, entity_type, record_id) DO UPDATE SET
				payload    = EXCLUDED.payload,
				updated_at = EXCLUDED.updated_at
		`, userID, entityType, recordID, payload)
		if err == nil {
			return nil
		}
		if !isRetryablePGError(err) || attempt == maxTxAttempts {
			break
		}
		s.logger.Warn("Retrying record upsert after transient error",
			"entity_type", entityType, "record_id", recordID, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("failed to upsert %s record %s: %w", entityType, recordID, err)
}

// StoredRecord is a row as returned by GetRecord and ListRecords.
type StoredRecord struct {
	UserID     string          `json:"user_id"`
	EntityType string          `json:"entity_type"`
	RecordID   uuid.UUID       `json:"record_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// GetRecord loads one record owned by the given user.
func (s *Service) GetRecord(ctx context.Context, userID, entityType string, recordID uuid.UUID) (*StoredRecord, error) {
	var rec StoredRecord
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, entity_type, record_id, payload, updated_at
		FROM masi_records
		WHERE user_id = $1 AND entity_type = $2 AND record_id = $3
	`, userID, strings.ToLower(entityType), recordID).
		Scan(&rec.UserID, &rec.EntityType, &rec.RecordID, &rec.Payload, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s record %s: %w", entityType, recordID, err)
	}
	return &rec, nil
}

// ListRecords returns all of a user's records for one entity type, oldest
// update first. Used by verification tooling and admin screens.
func (s *Service) ListRecords(ctx context.Context, userID, entityType string) ([]StoredRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, entity_type, record_id, payload, updated_at
		FROM masi_records
		WHERE user_id = $1 AND entity_type = $2
		ORDER BY updated_at, record_id
	`, userID, strings.ToLower(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", entityType, err)
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		if err := rows.Scan(&rec.UserID, &rec.EntityType, &rec.RecordID, &rec.Payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
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
