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

func TestClassifyCloseCode_ExampleCodes(t *testing.T) {
	cases := []struct {
		code int
		want CloseAction
	}{
		{1000, CloseActionResume},
		{1001, CloseActionReidentify},
		{1006, CloseActionReidentify},
		{4000, CloseActionResume},
		{4001, CloseActionResume},
		{4003, CloseActionResume},
		{4004, CloseActionTerminal},
		{4009, CloseActionResume},
		{4013, CloseActionTerminal},
		{4014, CloseActionTerminal},
	}
	for _, c := range cases {
		got := classifyCloseCode(c.code)
		if got.Action != c.want {
			t.Errorf("classifyCloseCode(%d).Action = %v, want %v", c.code, got.Action, c.want)
		}
	}
}

func TestClassifyCloseCode_UnknownDefaultsToReidentify(t *testing.T) {
	got := classifyCloseCode(9999)
	if got.Action != CloseActionReidentify {
		t.Errorf("classifyCloseCode(9999).Action = %v, want CloseActionReidentify", got.Action)
	}
}

func TestShard_BuildResumeURL_PreservesExistingQueryAndAddsDefaults(t *testing.T) {
	s := &Shard{useCompression: true}
	got := s.buildResumeURL("wss://gateway.example.com/?session=abc")

	want := map[string]bool{
		"session=abc":            false,
		"v=" + gatewayVersion:    false,
		"encoding=json":          false,
		"compress=zlib-stream":   false,
	}
	for frag := range want {
		found := false
		for i := 0; i+len(frag) <= len(got); i++ {
			if got[i:i+len(frag)] == frag {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("buildResumeURL(%q) = %q, missing fragment %q", "wss://gateway.example.com/?session=abc", got, frag)
		}
	}
}

func TestDefaultShardsRateLimiter_StaggersSameBucket(t *testing.T) {
	rl := NewDefaultShardsRateLimiter(2, 30*time.Millisecond)

	start := time.Now()
	rl.Wait(0) // bucket 0
	rl.Wait(2) // bucket 0 (2 % 2 == 0), must stagger behind shard 0
	elapsed := time.Since(start)

	if elapsed < 25*time.Millisecond {
		t.Errorf("expected shards sharing a concurrency bucket to stagger by ~30ms, elapsed = %v", elapsed)
	}
}

func TestDefaultShardsRateLimiter_DifferentBucketsDoNotStagger(t *testing.T) {
	rl := NewDefaultShardsRateLimiter(4, time.Second)

	start := time.Now()
	rl.Wait(0)
	rl.Wait(1)
	elapsed := time.Since(start)

	if elapsed > 100*time.Millisecond {
		t.Errorf("expected shards in different concurrency buckets to proceed without staggering, elapsed = %v", elapsed)
	}
}
