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
	"time"

	"github.com/google/uuid"
	"github.com/marouanesouiri/stdx/optional"
)

// Priority orders tickets waiting on the same bucket. Higher priorities are
// served first; tickets of equal priority are served FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// RequestTicket describes one REST call as it is handed to the bucket
// manager. Callers build these indirectly via Request (promoted onto Client)
// and the typed REST helpers; the fields here are what the rate-limit engine and circuit
// breaker need to route, admit and retry the call.
type RequestTicket struct {
	Method  string
	Path    string // raw path, e.g. "/channels/123456789012345678/messages"
	Query   string // already-encoded query string, without leading '?'
	Body    []byte
	Headers http.Header

	// IdempotencyToken identifies this logical request across retries. If
	// unset, one is generated so a caller's retry-after-timeout does not
	// collide with the engine's own internal retry of the same ticket.
	IdempotencyToken string

	Priority    Priority
	MaxAttempts int
	Timeout     time.Duration

	// NoAuth skips attaching the Authorization header (e.g. /gateway).
	NoAuth bool

	// attempt counts physical sends across both the bucket manager's
	// internal 429 retries and the REST engine's backoff retries of other
	// failures, so MaxAttempts bounds the total regardless of which layer
	// is driving the retry.
	attempt int

	ctx context.Context
}

// newRequestTicket builds a ticket with defaults applied.
func newRequestTicket(ctx context.Context, method, path string) *RequestTicket {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RequestTicket{
		Method:           method,
		Path:             path,
		Headers:          make(http.Header),
		IdempotencyToken: uuid.NewString(),
		Priority:         PriorityNormal,
		MaxAttempts:      5,
		Timeout:          30 * time.Second,
		ctx:              ctx,
	}
}

func (t *RequestTicket) context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Reason returns the ticket's X-Audit-Log-Reason override, if WithReason
// was supplied when the request was built.
func (t *RequestTicket) Reason() optional.Option[string] {
	v := t.Headers.Get("X-Audit-Log-Reason")
	return optional.FromPair(v, v != "")
}
