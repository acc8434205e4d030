// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import "time"

const (
	// DefaultMaxAttempts is the retry budget per record. Once a record fails
	// this many times it moves to the failed list and waits for manual retry.
	DefaultMaxAttempts = 5

	// DefaultBackoffBase is the delay before the second attempt; later
	// attempts triple it (0, 5s, 15s, 45s, 135s for attempts 1-5).
	DefaultBackoffBase = 5 * time.Second
)

// ReasonMaxAttemptsExceeded marks records skipped because the retry budget
// was already exhausted in an earlier run.
const ReasonMaxAttemptsExceeded = "max attempts exceeded"

// timeLayout matches the strftime format used by the SQLite defaults.
const timeLayout = "2006-01-02T15:04:05.000Z"
