// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func statusResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// newTestClient creates a client over an in-memory SQLite database with a
// fast backoff so retry paths run in test time.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.PushRate = rate.Inf
	cfg.ProbeTime = time.Second

	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	client, err := NewClient(db, "http://example.com", "user1", "device1", token, cfg)
	require.NoError(t, err)
	return client
}

// fakeRemote is a fake remote data service: healthy unless offline is set,
// records every PUT in order, and fails the record IDs listed in failIDs.
type fakeRemote struct {
	mu          sync.Mutex
	offline     bool
	failIDs     map[string]bool
	puts        []putCall
	putAttempts int // every PUT received, including rejected ones
}

type putCall struct {
	EntityType string
	RecordID   string
	Payload    string
}

func (f *fakeRemote) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeRemote) failRecord(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs == nil {
		f.failIDs = make(map[string]bool)
	}
	f.failIDs[id] = true
}

func (f *fakeRemote) passRecord(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failIDs, id)
}

func (f *fakeRemote) putCalls() []putCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]putCall(nil), f.puts...)
}

func (f *fakeRemote) putAttemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putAttempts
}

func (f *fakeRemote) transport() roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		f.mu.Lock()
		offline := f.offline
		f.mu.Unlock()
		if offline {
			return nil, fmt.Errorf("dial tcp: no route to host")
		}

		if r.Method == http.MethodGet && r.URL.Path == "/healthz" {
			return statusResponse(http.StatusOK, `{"status":"ok"}`), nil
		}

		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/records/") {
			parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/records/"), "/")
			if len(parts) != 2 {
				return statusResponse(http.StatusBadRequest, "bad path"), nil
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}

			f.mu.Lock()
			f.putAttempts++
			fail := f.failIDs[parts[1]]
			if !fail {
				f.puts = append(f.puts, putCall{EntityType: parts[0], RecordID: parts[1], Payload: string(body)})
			}
			f.mu.Unlock()

			if fail {
				return statusResponse(http.StatusBadGateway, "upstream unavailable"), nil
			}
			return statusResponse(http.StatusOK, `{"status":"ok"}`), nil
		}

		return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.String())
	}
}

// wireClient attaches a fake remote to a client.
func wireClient(c *Client, remote *fakeRemote) {
	c.HTTP = &http.Client{Transport: remote.transport()}
}
