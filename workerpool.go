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
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *      WorkerPool     *
 ***********************/

type WorkerTask func()

// WorkerPool executes submitted tasks off of whatever goroutine calls
// Submit. The event router uses one to run handlers so a slow handler
// never blocks a shard's read loop.
type WorkerPool interface {
	// Submit enqueues task for execution. Returns false if the task was
	// dropped (queue full).
	Submit(task WorkerTask) bool
	Shutdown()
}

/***********************
 *  Default WorkerPool *
 ***********************/

type defaultWorkerPool struct {
	logger xlog.Logger

	minWorkers int
	maxWorkers int
	queueCap   int

	workerCount        int32
	queue              chan WorkerTask
	queueGrowThreshold float64

	stopSignal   chan struct{}
	shutdownOnce atomic.Bool
	idleTimeout  time.Duration
}

type workerOption func(*defaultWorkerPool)

// WithMinWorkers sets the floor on standing worker goroutines.
func WithMinWorkers(min int) workerOption {
	return func(p *defaultWorkerPool) { p.minWorkers = min }
}

// WithMaxWorkers caps how many worker goroutines may be spawned.
func WithMaxWorkers(max int) workerOption {
	return func(p *defaultWorkerPool) { p.maxWorkers = max }
}

// WithQueueCap sets the task queue's buffer size.
func WithQueueCap(cap int) workerOption {
	return func(p *defaultWorkerPool) { p.queueCap = cap }
}

// WithIdleTimeout sets how long an above-minimum worker waits for a task
// before exiting.
func WithIdleTimeout(d time.Duration) workerOption {
	return func(p *defaultWorkerPool) { p.idleTimeout = d }
}

// WithQueueGrowThreshold sets the queue usage fraction at which the pool
// spawns an additional worker (0.75 = spawn once the queue is 75% full).
func WithQueueGrowThreshold(threshold float64) workerOption {
	return func(p *defaultWorkerPool) { p.queueGrowThreshold = threshold }
}

// NewDefaultWorkerPool creates a dynamically-scaling worker pool.
func NewDefaultWorkerPool(logger xlog.Logger, opts ...workerOption) WorkerPool {
	p := &defaultWorkerPool{
		logger:             logger,
		minWorkers:         10,
		maxWorkers:         300,
		queueCap:           200,
		idleTimeout:        10 * time.Second,
		stopSignal:         make(chan struct{}),
		queueGrowThreshold: 0.75,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.queue = make(chan WorkerTask, p.queueCap)

	for range p.minWorkers {
		p.addWorker()
	}

	return p
}

func (p *defaultWorkerPool) addWorker() {
	atomic.AddInt32(&p.workerCount, 1)

	go func() {
		idleTimer := time.NewTimer(p.idleTimeout)
		defer idleTimer.Stop()

		for {
			select {
			case task := <-p.queue:
				task()

				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.idleTimeout)

			case <-idleTimer.C:
				if atomic.LoadInt32(&p.workerCount) > int32(p.minWorkers) {
					atomic.AddInt32(&p.workerCount, -1)
					p.logger.Debug("worker pool: worker exited due to idle timeout")
					return
				}
				idleTimer.Reset(p.idleTimeout)

			case <-p.stopSignal:
				return
			}
		}
	}()
}

// Submit enqueues a task, growing the pool if the queue is under pressure
// and dropping the task if the queue is full even after growing.
func (p *defaultWorkerPool) Submit(task WorkerTask) bool {
	if p.shutdownOnce.Load() {
		return false
	}

	if float64(len(p.queue)) >= float64(p.queueCap)*p.queueGrowThreshold {
		if atomic.LoadInt32(&p.workerCount) < int32(p.maxWorkers) {
			p.addWorker()
			p.logger.Debug("worker pool: spawned new worker due to high queue usage")
		}
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.logger.Debug("worker pool: dropping task due to full queue")
		return false
	}
}

// Shutdown stops the pool immediately; it does not wait for queued tasks.
func (p *defaultWorkerPool) Shutdown() {
	if p.shutdownOnce.CompareAndSwap(false, true) {
		close(p.stopSignal)
	}
}
