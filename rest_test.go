/************************************************************************************
 *
 * dwaz (Discord Wrapper API for Zwafriya), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dwaz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

func newTestRequester(t *testing.T, handler http.HandlerFunc) (*requester, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	r := newRequester(RequesterConfig{
		Token:                   "test-token",
		BaseURL:                 server.URL,
		GlobalRequestsPerSecond: 1000,
		GlobalBurst:             1000,
		BreakerFailureThreshold: 3,
		BreakerWindowSeconds:    60,
		BreakerOpenTimeout:      50 * time.Millisecond,
	}, logger)
	t.Cleanup(r.Shutdown)
	return r, server
}

func TestRequester_RetriesAfter429(t *testing.T) {
	var calls atomic.Int32

	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("X-RateLimit-Reset-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	res := r.Request(context.Background(), http.MethodGet, "/channels/123456789012345678/messages")
	if res.IsErr() {
		t.Fatalf("Request() error: %v", res.Err())
	}
	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 calls (one 429 then a retry), got %d", calls.Load())
	}
}

func TestRequester_CircuitOpensAfterSustainedErrors(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for range 3 {
		res := r.Request(context.Background(), http.MethodGet, "/channels/123456789012345678/messages",
			func(t *RequestTicket) { t.MaxAttempts = 1 })
		if !res.IsErr() {
			t.Fatalf("expected a server error to propagate")
		}
	}

	route, _ := deriveRoute(http.MethodGet, "/channels/123456789012345678/messages")
	cb := r.breakers.get(route)
	if cb.currentState() != breakerOpen {
		t.Fatalf("expected breaker to be open after sustained 5xx responses, state = %v", cb.currentState())
	}
}

func TestRequester_FetchGatewayBot_DecodesSessionStartLimit(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"url":"wss://gateway.example.com","shards":4,"session_start_limit":{"total":1000,"remaining":999,"reset_after":1000,"max_concurrency":2}}`))
	})

	res := r.FetchGatewayBot()
	if res.IsErr() {
		t.Fatalf("FetchGatewayBot() error: %v", res.Err())
	}
	info := res.Value()
	if info.Shards != 4 {
		t.Errorf("Shards = %d, want 4", info.Shards)
	}
	if info.SessionStartLimit.MaxConcurrency != 2 {
		t.Errorf("SessionStartLimit.MaxConcurrency = %d, want 2", info.SessionStartLimit.MaxConcurrency)
	}
}
