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
	"testing"
	"time"
)

func TestRouteBreaker_OpensAtAbsoluteFailureThreshold(t *testing.T) {
	cfg := breakerConfig{
		FailureThreshold: 5,
		WindowSeconds:    60,
		OpenTimeout:      time.Minute,
	}
	b := newRouteBreaker(cfg)
	now := time.Now()

	for range 4 {
		b.recordFailure(now, true)
	}
	if b.currentState() != breakerClosed {
		t.Fatalf("expected breaker to stay closed below FailureThreshold, state = %v", b.currentState())
	}

	b.recordFailure(now, true)
	if b.currentState() != breakerOpen {
		t.Fatalf("expected breaker to open at the 5th counted failure, state = %v", b.currentState())
	}
	if b.allow(now) {
		t.Fatalf("expected allow() to reject while open")
	}
}

func TestRouteBreaker_UncountedFailuresDoNotOpenIt(t *testing.T) {
	cfg := defaultBreakerConfig()
	b := newRouteBreaker(cfg)
	now := time.Now()

	for range 50 {
		b.recordFailure(now, false)
	}

	if b.currentState() != breakerClosed {
		t.Fatalf("expected uncounted failures (outside network|timeout|server) to never open the breaker, state = %v", b.currentState())
	}
}

func TestRouteBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cfg := breakerConfig{
		FailureThreshold: 2,
		WindowSeconds:    60,
		OpenTimeout:      10 * time.Millisecond,
	}
	b := newRouteBreaker(cfg)
	now := time.Now()

	b.recordFailure(now, true)
	b.recordFailure(now, true)
	if b.currentState() != breakerOpen {
		t.Fatalf("expected breaker open, got %v", b.currentState())
	}

	later := now.Add(20 * time.Millisecond)
	if !b.allow(later) {
		t.Fatalf("expected allow() to admit a probe once OpenTimeout elapses")
	}
	if b.currentState() != breakerHalfOpen {
		t.Fatalf("expected breaker to move to half-open, got %v", b.currentState())
	}
}

func TestRouteBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := breakerConfig{
		FailureThreshold: 2,
		WindowSeconds:    60,
		OpenTimeout:      time.Millisecond,
	}
	b := newRouteBreaker(cfg)
	now := time.Now()

	b.recordFailure(now, true)
	b.recordFailure(now, true)
	probeAt := now.Add(5 * time.Millisecond)
	b.allow(probeAt)
	b.recordSuccess(probeAt)

	if b.currentState() != breakerClosed {
		t.Fatalf("expected breaker to close after a successful probe, got %v", b.currentState())
	}
}

func TestRouteBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := breakerConfig{
		FailureThreshold: 2,
		WindowSeconds:    60,
		OpenTimeout:      time.Millisecond,
	}
	b := newRouteBreaker(cfg)
	now := time.Now()

	b.recordFailure(now, true)
	b.recordFailure(now, true)
	probeAt := now.Add(5 * time.Millisecond)
	b.allow(probeAt)
	b.recordFailure(probeAt, false) // even an uncounted failure reopens a probe

	if b.currentState() != breakerOpen {
		t.Fatalf("expected a failed probe to reopen the breaker, got %v", b.currentState())
	}
}

func TestBreakerRegistry_EvictsIdle(t *testing.T) {
	reg := newBreakerRegistry(defaultBreakerConfig(), time.Millisecond)
	now := time.Now()

	b := reg.get("GET:/channels/:id/messages")
	b.recordSuccess(now)

	reg.evictIdle(now.Add(10 * time.Millisecond))

	b2 := reg.get("GET:/channels/:id/messages")
	if b2 == b {
		t.Fatalf("expected idle-evicted route to get a fresh breaker instance")
	}
}
