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
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marouanesouiri/stdx/xlog"
)

// MiddlewareRequest is the request-in-flight view stages may inspect and
// rewrite before it is sent.
type MiddlewareRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// MiddlewareResponse is the response-in-flight view stages may inspect and
// rewrite after it is received, before the bucket manager sees it.
type MiddlewareResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestStage runs before a request is sent. Returning a non-nil error
// short-circuits the pipeline: the request is never sent and the error
// flows into the error stages.
type RequestStage func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error)

// ResponseStage runs after a response is received, in descending priority
// order. Returning a non-nil error short-circuits remaining response
// stages and flows into the error stages.
type ResponseStage func(ctx context.Context, resp *MiddlewareResponse) (*MiddlewareResponse, error)

// ErrorStage observes an error produced anywhere in the pipeline (request
// stage, send failure, or response stage). A stage that returns normally
// (nil error) has recovered, short-circuiting the remaining error stages and
// replacing the call's result with the returned response. A stage that
// returns a non-nil error instead hands that (possibly different) error to
// the next error stage.
type ErrorStage func(ctx context.Context, err error) (*MiddlewareResponse, error)

type requestStageEntry struct {
	priority int
	fn       RequestStage
}
type responseStageEntry struct {
	priority int
	fn       ResponseStage
}
type errorStageEntry struct {
	priority int
	fn       ErrorStage
}

// MiddlewarePipeline runs the onion-model request/response/error stages
// around every REST call. Stages are sorted by descending priority at
// registration time; a running call snapshots the stage slice at entry so
// concurrent registration never mutates an in-flight pipeline, and a
// recovered panic inside any stage is treated as that stage returning its
// input unchanged (counted, not silently swallowed).
type MiddlewarePipeline struct {
	mu              sync.RWMutex
	requestStages   []requestStageEntry
	responseStages  []responseStageEntry
	errorStages     []errorStageEntry
	logger          xlog.Logger
	recoveredPanics atomic.Int64
}

func newMiddlewarePipeline(logger xlog.Logger) *MiddlewarePipeline {
	return &MiddlewarePipeline{logger: logger}
}

// UseRequest registers a request stage at the given priority (higher runs
// first).
func (p *MiddlewarePipeline) UseRequest(priority int, fn RequestStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestStages = append(p.requestStages, requestStageEntry{priority, fn})
	sort.SliceStable(p.requestStages, func(i, j int) bool {
		return p.requestStages[i].priority > p.requestStages[j].priority
	})
}

// UseResponse registers a response stage at the given priority.
func (p *MiddlewarePipeline) UseResponse(priority int, fn ResponseStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseStages = append(p.responseStages, responseStageEntry{priority, fn})
	sort.SliceStable(p.responseStages, func(i, j int) bool {
		return p.responseStages[i].priority > p.responseStages[j].priority
	})
}

// UseError registers an error stage at the given priority.
func (p *MiddlewarePipeline) UseError(priority int, fn ErrorStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorStages = append(p.errorStages, errorStageEntry{priority, fn})
	sort.SliceStable(p.errorStages, func(i, j int) bool {
		return p.errorStages[i].priority > p.errorStages[j].priority
	})
}

func (p *MiddlewarePipeline) snapshotRequest() []requestStageEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]requestStageEntry, len(p.requestStages))
	copy(out, p.requestStages)
	return out
}

func (p *MiddlewarePipeline) snapshotResponse() []responseStageEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]responseStageEntry, len(p.responseStages))
	copy(out, p.responseStages)
	return out
}

func (p *MiddlewarePipeline) snapshotError() []errorStageEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]errorStageEntry, len(p.errorStages))
	copy(out, p.errorStages)
	return out
}

func (p *MiddlewarePipeline) runRequest(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
	for _, stage := range p.snapshotRequest() {
		var (
			next *MiddlewareRequest
			err  error
		)
		func() {
			defer p.recover(&err)
			next, err = stage.fn(ctx, req)
		}()
		if err != nil {
			return req, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

func (p *MiddlewarePipeline) runResponse(ctx context.Context, resp *MiddlewareResponse) (*MiddlewareResponse, error) {
	for _, stage := range p.snapshotResponse() {
		var (
			next *MiddlewareResponse
			err  error
		)
		func() {
			defer p.recover(&err)
			next, err = stage.fn(ctx, resp)
		}()
		if err != nil {
			return resp, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// runError walks the error stages in priority order. The first stage that
// recovers (returns a nil error) short-circuits the rest and its response is
// returned as the call's result; otherwise the (possibly replaced) error
// flows into the next stage. If no stage recovers, the final error is
// returned with a nil response.
func (p *MiddlewarePipeline) runError(ctx context.Context, err error) (*MiddlewareResponse, error) {
	for _, stage := range p.snapshotError() {
		resp, nextErr, recovered := p.runErrorStage(ctx, stage.fn, err)
		if recovered {
			return resp, nil
		}
		err = nextErr
	}
	return nil, err
}

func (p *MiddlewarePipeline) runErrorStage(ctx context.Context, fn ErrorStage, err error) (resp *MiddlewareResponse, nextErr error, recovered bool) {
	nextErr = err
	defer p.recover(&nextErr)

	r, replaced := fn(ctx, err)
	if replaced == nil {
		return r, nil, true
	}
	return nil, replaced, false
}

func (p *MiddlewarePipeline) recover(errOut *error) {
	if r := recover(); r != nil {
		p.recoveredPanics.Add(1)
		if p.logger != nil {
			p.logger.WithFields(map[string]any{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("recovered from panic in middleware stage")
		}
	}
}

// RecoveredPanics reports how many middleware stage panics have been
// recovered over the pipeline's lifetime, for health monitoring.
func (p *MiddlewarePipeline) RecoveredPanics() int64 {
	return p.recoveredPanics.Load()
}
