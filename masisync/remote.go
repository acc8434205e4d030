// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrOffline is returned by the connectivity probe when the remote data
// service is unreachable. A run that starts offline touches no records.
var ErrOffline = errors.New("remote data service unreachable")

// CheckConnectivity probes the remote health endpoint with a short timeout.
// Lifecycle and connectivity notifications are triggers only; this is the
// authoritative check before a run starts.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTime)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health endpoint returned status %d", ErrOffline, resp.StatusCode)
	}
	return nil
}

// putRecord submits a record to the remote data service as a
// create-or-replace-by-identifier operation. The call is idempotent:
// submitting the same record twice produces the same remote state, which is
// also how last-write-wins conflict resolution happens - the most recent
// local state simply overwrites whatever the remote side holds.
func (c *Client) putRecord(ctx context.Context, entityType EntityType, id string, payload json.RawMessage) error {
	url := fmt.Sprintf("%s/records/%s/%s", c.BaseURL, entityType, id)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
