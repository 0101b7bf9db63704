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
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

type testMessage struct {
	Content string `json:"content"`
}

func newTestRouter(t *testing.T) *eventRouter {
	t.Helper()
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	pool := NewDefaultWorkerPool(logger, WithMinWorkers(2), WithMaxWorkers(4), WithQueueCap(64))
	t.Cleanup(pool.Shutdown)
	return newEventRouter(logger, pool)
}

func TestEventRouter_PreservesPerShardOrder(t *testing.T) {
	r := newTestRouter(t)

	var mu sync.Mutex
	var seen []int

	OnEvent(r, EventMessageCreate, func(shardID int, msg testMessage) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		time.Sleep(time.Duration(3-n%3) * time.Millisecond)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	for i := range 20 {
		body, _ := json.Marshal(testMessage{Content: "m"})
		r.dispatch(DispatchEnvelope{ShardID: 1, EventName: EventMessageCreate, Data: body})
		_ = i
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events were not all delivered within 1s, got %d/20", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("events delivered out of order for a single shard: %v", seen)
		}
	}
}

func TestEventRouter_RawAndTypedBothFire(t *testing.T) {
	r := newTestRouter(t)

	rawFired := make(chan struct{}, 1)
	typedFired := make(chan struct{}, 1)

	r.OnRaw(func(env DispatchEnvelope) { rawFired <- struct{}{} })
	OnEvent(r, EventMessageCreate, func(shardID int, msg testMessage) { typedFired <- struct{}{} })

	body, _ := json.Marshal(testMessage{Content: "hi"})
	r.dispatch(DispatchEnvelope{ShardID: 0, EventName: EventMessageCreate, Data: body})

	select {
	case <-rawFired:
	case <-time.After(time.Second):
		t.Fatalf("raw handler did not fire")
	}
	select {
	case <-typedFired:
	case <-time.After(time.Second):
		t.Fatalf("typed handler did not fire")
	}
}

func TestShardQueue_EvictsRawOnlyEntriesUnderPressure(t *testing.T) {
	q := &shardQueue{}

	for i := 0; i < shardQueueCap; i++ {
		if !q.push(DispatchEnvelope{EventName: "RAW_ONLY"}, false) {
			t.Fatalf("expected queue to accept up to capacity, failed at %d", i)
		}
	}

	ok := q.push(DispatchEnvelope{EventName: "TYPED"}, true)
	if !ok {
		t.Fatalf("expected a typed-relevant push to evict a raw-only entry and succeed")
	}

	sawTyped := false
	for {
		env, ok := q.pop()
		if !ok {
			break
		}
		if env.EventName == "TYPED" {
			sawTyped = true
		}
	}
	if !sawTyped {
		t.Fatalf("expected the typed-relevant entry to survive eviction")
	}
}
