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
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

// heartbeatDriver runs one session's heartbeat loop: a jittered first beat
// per the platform's convention, then a steady ticker, with zombie
// detection once maxMissedBeats consecutive beats go un-acked.
type heartbeatDriver struct {
	logger   xlog.Logger
	interval time.Duration
	send     func() error
	onZombie func()

	lastACK      atomic.Bool
	missedBeats  atomic.Int32
	lastSentNano atomic.Int64
	latencyMs    atomic.Int64

	stop chan struct{}
}

// maxMissedBeats is how many consecutive un-acked heartbeats declare the
// session a zombie and tear it down for reconnect.
const maxMissedBeats = 2

func newHeartbeatDriver(logger xlog.Logger, interval time.Duration, send func() error, onZombie func()) *heartbeatDriver {
	d := &heartbeatDriver{
		logger:   logger,
		interval: interval,
		send:     send,
		onZombie: onZombie,
		stop:     make(chan struct{}),
	}
	d.lastACK.Store(true)
	return d
}

func (d *heartbeatDriver) run() {
	jitter := time.Duration(rand.Float64() * float64(d.interval))
	select {
	case <-time.After(jitter):
	case <-d.stop:
		return
	}

	if !d.beat() {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if !d.lastACK.Load() {
				missed := d.missedBeats.Add(1)
				if missed >= maxMissedBeats {
					d.logger.WithField("missed_beats", missed).Error("zombie connection detected")
					d.onZombie()
					return
				}
			}
			if !d.beat() {
				return
			}
		}
	}
}

func (d *heartbeatDriver) beat() bool {
	d.lastACK.Store(false)
	d.lastSentNano.Store(time.Now().UnixNano())
	if err := d.send(); err != nil {
		d.logger.WithField("error", err).Error("heartbeat send failed")
		d.onZombie()
		return false
	}
	return true
}

// ack records a heartbeat ACK and computes round-trip latency.
func (d *heartbeatDriver) ack() {
	d.lastACK.Store(true)
	d.missedBeats.Store(0)
	if sent := d.lastSentNano.Load(); sent > 0 {
		d.latencyMs.Store(time.Since(time.Unix(0, sent)).Milliseconds())
	}
}

func (d *heartbeatDriver) latency() int64 {
	return d.latencyMs.Load()
}

func (d *heartbeatDriver) shutdown() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}
