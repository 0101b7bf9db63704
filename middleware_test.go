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
	"errors"
	"os"
	"testing"

	"github.com/marouanesouiri/stdx/xlog"
)

func TestMiddlewarePipeline_RunsInPriorityOrder(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	var order []string
	p.UseRequest(1, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		order = append(order, "low")
		return req, nil
	})
	p.UseRequest(10, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		order = append(order, "high")
		return req, nil
	})
	p.UseRequest(5, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		order = append(order, "mid")
		return req, nil
	})

	_, err := p.runRequest(context.Background(), &MiddlewareRequest{})
	if err != nil {
		t.Fatalf("runRequest returned error: %v", err)
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMiddlewarePipeline_ShortCircuitsOnError(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	var secondRan bool
	wantErr := errors.New("boom")
	p.UseRequest(10, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		return req, wantErr
	})
	p.UseRequest(5, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		secondRan = true
		return req, nil
	})

	_, err := p.runRequest(context.Background(), &MiddlewareRequest{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("runRequest error = %v, want %v", err, wantErr)
	}
	if secondRan {
		t.Fatalf("expected lower-priority stage to be skipped after an error")
	}
}

func TestMiddlewarePipeline_RegistrationDuringRunDoesNotAffectInFlightRun(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	var ran []string
	p.UseRequest(10, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		ran = append(ran, "first")
		p.UseRequest(20, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
			ran = append(ran, "registered-mid-run")
			return req, nil
		})
		return req, nil
	})

	_, err := p.runRequest(context.Background(), &MiddlewareRequest{})
	if err != nil {
		t.Fatalf("runRequest returned error: %v", err)
	}
	if len(ran) != 1 || ran[0] != "first" {
		t.Fatalf("expected the snapshot taken at entry to exclude stages registered mid-run, got %v", ran)
	}
}

func TestMiddlewarePipeline_ErrorStageRecoversWithSynthesizedResponse(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	var secondRan bool
	p.UseError(10, func(ctx context.Context, err error) (*MiddlewareResponse, error) {
		return &MiddlewareResponse{StatusCode: 200, Body: []byte(`{"cached":true}`)}, nil
	})
	p.UseError(5, func(ctx context.Context, err error) (*MiddlewareResponse, error) {
		secondRan = true
		return nil, err
	})

	resp, err := p.runError(context.Background(), errors.New("upstream unavailable"))
	if err != nil {
		t.Fatalf("runError returned error after a stage recovered: %v", err)
	}
	if resp == nil || resp.StatusCode != 200 || string(resp.Body) != `{"cached":true}` {
		t.Fatalf("runError response = %+v, want the synthesized recovery response", resp)
	}
	if secondRan {
		t.Fatalf("expected the lower-priority error stage to be skipped once a higher one recovered")
	}
}

func TestMiddlewarePipeline_ErrorStageReplacesErrorWithoutRecovering(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	wantErr := errors.New("replaced")
	p.UseError(10, func(ctx context.Context, err error) (*MiddlewareResponse, error) {
		return nil, wantErr
	})

	resp, err := p.runError(context.Background(), errors.New("original"))
	if resp != nil {
		t.Fatalf("expected a nil response when no stage recovers, got %+v", resp)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("runError error = %v, want %v", err, wantErr)
	}
}

func TestMiddlewarePipeline_RecoversPanicAndCountsIt(t *testing.T) {
	p := newMiddlewarePipeline(xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel))

	p.UseRequest(10, func(ctx context.Context, req *MiddlewareRequest) (*MiddlewareRequest, error) {
		panic("stage exploded")
	})

	_, err := p.runRequest(context.Background(), &MiddlewareRequest{})
	if err != nil {
		t.Fatalf("expected a recovered panic to surface as no error from runRequest, got %v", err)
	}
	if p.RecoveredPanics() != 1 {
		t.Fatalf("RecoveredPanics() = %d, want 1", p.RecoveredPanics())
	}
}
