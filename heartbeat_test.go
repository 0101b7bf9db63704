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
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

func TestHeartbeatDriver_AckResetsMissedBeats(t *testing.T) {
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	var sends atomic.Int32
	d := newHeartbeatDriver(logger, 20*time.Millisecond, func() error {
		sends.Add(1)
		return nil
	}, func() {
		t.Fatalf("zombie callback fired unexpectedly")
	})

	go d.run()
	defer d.shutdown()

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		d.ack()
	}

	if sends.Load() == 0 {
		t.Fatalf("expected at least one heartbeat to be sent")
	}
	if d.missedBeats.Load() != 0 {
		t.Fatalf("expected missed beats to stay at 0 when acked promptly, got %d", d.missedBeats.Load())
	}
}

func TestHeartbeatDriver_ZombieDetectionFiresAfterMissedBeats(t *testing.T) {
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	zombie := make(chan struct{}, 1)

	d := newHeartbeatDriver(logger, 10*time.Millisecond, func() error {
		return nil // never ack'd, so every beat after the first counts as missed
	}, func() {
		select {
		case zombie <- struct{}{}:
		default:
		}
	})

	go d.run()
	defer d.shutdown()

	select {
	case <-zombie:
	case <-time.After(time.Second):
		t.Fatalf("expected zombie detection to fire within 1s")
	}
}

func TestHeartbeatDriver_LatencyRecordedOnAck(t *testing.T) {
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	d := newHeartbeatDriver(logger, time.Hour, func() error { return nil }, func() {})

	d.beat()
	time.Sleep(5 * time.Millisecond)
	d.ack()

	if d.latency() <= 0 {
		t.Errorf("expected a positive recorded latency after ack, got %d", d.latency())
	}
}
