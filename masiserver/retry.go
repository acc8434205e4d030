// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masiserver

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryablePGError reports whether a record upsert that hit this error is
// worth retrying: transient contention states resolve on their own, anything
// else (constraint violations, bad SQL) will fail the same way again.
func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
