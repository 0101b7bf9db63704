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
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/marouanesouiri/stdx/xlog"
)

// RawHandler receives every dispatch envelope regardless of event name,
// undecoded beyond the outer envelope. Useful for logging/metrics/replay.
type RawHandler func(DispatchEnvelope)

// typedHandler is a RawHandler bound to one JSON shape, produced by OnEvent.
type typedHandler func(DispatchEnvelope)

// shardQueueCap bounds how many undelivered dispatches one shard may queue
// before the router starts evicting under back-pressure.
const shardQueueCap = 256

// shardQueue is a FIFO of pending dispatches for one shard, with eviction
// that prefers to drop entries no typed handler cares about so raw-only
// observers (logging, metrics) absorb back-pressure before domain logic
// does.
type shardQueue struct {
	mu       sync.Mutex
	items    []DispatchEnvelope
	hasTyped []bool
	draining atomic.Bool
}

// push enqueues env, evicting to make room under the cap. It reports
// whether env was accepted.
func (q *shardQueue) push(env DispatchEnvelope, hasTypedInterest bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= shardQueueCap {
		evicted := false
		for i, t := range q.hasTyped {
			if !t {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.hasTyped = append(q.hasTyped[:i], q.hasTyped[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !hasTypedInterest {
				return false
			}
			q.items = q.items[1:]
			q.hasTyped = q.hasTyped[1:]
		}
	}

	q.items = append(q.items, env)
	q.hasTyped = append(q.hasTyped, hasTypedInterest)
	return true
}

func (q *shardQueue) pop() (DispatchEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return DispatchEnvelope{}, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	q.hasTyped = q.hasTyped[1:]
	return env, true
}

func (q *shardQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// eventRouter fans raw gateway dispatches out to raw and typed handlers,
// preserving per-shard delivery order while never letting handler
// execution block the shard read loop that feeds it.
type eventRouter struct {
	logger xlog.Logger
	pool   WorkerPool

	mu     sync.RWMutex
	raw    []RawHandler
	typed  map[string][]typedHandler
	shards map[int]*shardQueue
}

func newEventRouter(logger xlog.Logger, pool WorkerPool) *eventRouter {
	return &eventRouter{
		logger: logger,
		pool:   pool,
		typed:  make(map[string][]typedHandler),
		shards: make(map[int]*shardQueue),
	}
}

// OnRaw registers a handler invoked for every dispatch on every shard.
func (r *eventRouter) OnRaw(h RawHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, h)
}

// OnEvent registers a typed handler for eventName (e.g. EventMessageCreate).
// The handler receives the shard that dispatched the event and the payload
// decoded into T; decode failures are logged and swallowed rather than
// panicking the router.
func OnEvent[T any](r *eventRouter, eventName string, h func(shardID int, event T)) {
	wrapped := func(env DispatchEnvelope) {
		var v T
		if err := json.Unmarshal(env.Data, &v); err != nil {
			r.logger.WithFields(map[string]any{
				"event": eventName,
				"error": err,
			}).Warn("failed to decode event payload")
			return
		}
		h(env.ShardID, v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed[eventName] = append(r.typed[eventName], wrapped)
}

func (r *eventRouter) hasTypedInterest(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.typed[eventName]) > 0
}

func (r *eventRouter) getOrCreateShardQueue(shardID int) *shardQueue {
	r.mu.RLock()
	q, ok := r.shards[shardID]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok = r.shards[shardID]; ok {
		return q
	}
	q = &shardQueue{}
	r.shards[shardID] = q
	return q
}

// dispatch enqueues env for delivery. It never blocks: a full shard queue
// evicts per the back-pressure policy instead of applying it.
func (r *eventRouter) dispatch(env DispatchEnvelope) {
	q := r.getOrCreateShardQueue(env.ShardID)
	if !q.push(env, r.hasTypedInterest(env.EventName)) {
		r.logger.WithFields(map[string]any{
			"shard_id": env.ShardID,
			"event":    env.EventName,
		}).Debug("dropped dispatch under back-pressure")
		return
	}
	r.scheduleDrain(env.ShardID, q)
}

// scheduleDrain ensures exactly one drain task runs per shard queue at a
// time, so handlers for a shard always execute in arrival order even
// though they run on pool workers rather than a dedicated goroutine.
func (r *eventRouter) scheduleDrain(shardID int, q *shardQueue) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	if !r.pool.Submit(func() { r.drain(shardID, q) }) {
		q.draining.Store(false)
		r.logger.WithField("shard_id", shardID).Warn("event handler pool full, deferring drain")
	}
}

func (r *eventRouter) drain(shardID int, q *shardQueue) {
	for {
		env, ok := q.pop()
		if !ok {
			q.draining.Store(false)
			if !q.empty() && q.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}
		r.deliver(env)
	}
}

func (r *eventRouter) deliver(env DispatchEnvelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(map[string]any{
				"shard_id": env.ShardID,
				"event":    env.EventName,
				"panic":    rec,
				"stack":    string(debug.Stack()),
			}).Error("recovered from panic in event handler")
		}
	}()

	r.mu.RLock()
	raw := r.raw
	typed := r.typed[env.EventName]
	r.mu.RUnlock()

	for _, h := range raw {
		h(env)
	}
	for _, h := range typed {
		h(env)
	}
}
