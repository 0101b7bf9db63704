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
	"container/list"
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/marouanesouiri/stdx/xlog"
	"github.com/maypok86/otter/v2"
	"golang.org/x/time/rate"
)

/***********************
 *   Route templates   *
 ***********************/

var snowflakeRe = regexp.MustCompile(`\d{17,20}`)
var reactionRe = regexp.MustCompile(`/reactions/.*`)
var webhookTokenRe = regexp.MustCompile(`/webhooks/:id/[^/?]+`)

// deriveRoute normalizes an endpoint path into a bucket route template and
// extracts its major parameter (the first snowflake in the path), which
// Discord-style APIs fold into the bucket's identity so e.g. two different
// channels never share a bucket even though their route template is equal.
func deriveRoute(method, path string) (route string, majorParam string) {
	if strings.HasPrefix(path, "/interactions/") && strings.HasSuffix(path, "/callback") {
		return method + ":/interactions/:id/:token/callback", "global"
	}

	majorParam = snowflakeRe.FindString(path)
	base := snowflakeRe.ReplaceAllString(path, ":id")
	base = reactionRe.ReplaceAllString(base, "/reactions/:reaction")
	base = webhookTokenRe.ReplaceAllString(base, "/webhooks/:id/:token")

	if majorParam == "" {
		majorParam = "global"
	}
	return method + ":" + base, majorParam
}

/***********************
 *    Token Bucket     *
 ***********************/

const (
	minSafetyMargin      = 50 * time.Millisecond
	maxSafetyMargin      = 100 * time.Millisecond
	minAdaptiveMultiplier = 1.0
	maxAdaptiveMultiplier = 5.0
)

// rlHeaders is the subset of a REST response's rate-limit headers the
// bucket cares about.
type rlHeaders struct {
	HasLimit     bool
	Limit        int
	HasRemaining bool
	Remaining    int
	HasResetAt   bool
	ResetAfter   time.Duration
	BucketKey    string
	Global       bool
	Scope        string
}

func parseRLHeaders(h http.Header) rlHeaders {
	var out rlHeaders
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.Limit, out.HasLimit = n, true
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.Remaining, out.HasRemaining = n, true
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.ResetAfter = time.Duration(f * float64(time.Second))
			out.HasResetAt = true
		}
	}
	out.BucketKey = h.Get("X-RateLimit-Bucket")
	out.Global = h.Get("X-RateLimit-Global") == "true"
	out.Scope = h.Get("X-RateLimit-Scope")
	return out
}

// rateLimit429Body is the JSON payload a 429 response carries:
// {"message": ..., "retry_after": <seconds>, "global": <bool>}.
type rateLimit429Body struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// parseRetryAfter determines the authoritative delay for a 429 response.
// The body's retry_after takes precedence, since it is always present on a
// 429 and is what global rate limits actually carry. The standard
// Retry-After header is tried next, then X-RateLimit-Reset-After as a
// last-resort fallback for servers that omit both. A global 429 omits the
// per-route reset-after header entirely, so that header alone is not a
// reliable source of the wait.
func parseRetryAfter(header http.Header, body []byte) (retryAfter time.Duration, global bool) {
	var parsed rateLimit429Body
	if err := sonic.Unmarshal(body, &parsed); err == nil && parsed.RetryAfter > 0 {
		return time.Duration(parsed.RetryAfter * float64(time.Second)), parsed.Global
	}

	global = header.Get("X-RateLimit-Global") == "true"
	if v := header.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second)), global
		}
	}

	return parseRLHeaders(header).ResetAfter, global
}

// tokenBucket tracks one route's (or the global) admission window, with an
// adaptive delay multiplier that widens the safety margin after repeated
// 429s and decays back toward 1.0 on clean admits.
type tokenBucket struct {
	mu sync.Mutex

	key          string
	isGlobalLike bool

	limit     int
	remaining int
	resetAt   time.Time

	lastActivity time.Time

	adaptiveMultiplier float64
	safetyMargin       time.Duration

	// burstTokens is a dormant allowance pool: it silently regenerates over
	// time but tryAdmit never draws from it unless isBurst is true, and no
	// exported constructor ever sets isBurst. The field exists so a future
	// priority-bypass feature has somewhere to live without a bucket schema
	// change; it is inert today.
	burstTokens     float64
	lastBurstRegen  time.Time
}

func newTokenBucket(key string, isGlobalLike bool) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		key:                key,
		isGlobalLike:       isGlobalLike,
		remaining:          1,
		limit:              1,
		lastActivity:       now,
		adaptiveMultiplier: minAdaptiveMultiplier,
		safetyMargin:       minSafetyMargin,
		lastBurstRegen:     now,
	}
}

// admitDecision is the result of a tryAdmit call.
type admitDecision struct {
	Admitted bool
	WaitFor  time.Duration
}

// tryAdmit optimistically reserves a slot if the bucket believes it has
// capacity, otherwise reports how long the caller must wait before retrying.
// The wait is scaled by adaptiveMultiplier and padded by safetyMargin so
// retries land comfortably after the server-side reset instant.
func (b *tokenBucket) tryAdmit(now time.Time, isBurst bool) admitDecision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.regenBurstLocked(now)

	if b.remaining > 0 {
		b.remaining--
		b.lastActivity = now
		b.decayLocked()
		return admitDecision{Admitted: true}
	}

	if isBurst && b.burstTokens >= 1 {
		b.burstTokens--
		b.lastActivity = now
		return admitDecision{Admitted: true}
	}

	if now.After(b.resetAt) {
		// Window has rolled over server-side but we have not seen a fresh
		// header yet; optimistically allow one request and let the next
		// response headers correct our state.
		b.lastActivity = now
		return admitDecision{Admitted: true}
	}

	wait := b.resetAt.Sub(now)
	wait = time.Duration(float64(wait) * b.adaptiveMultiplier)
	wait += b.safetyMargin
	return admitDecision{Admitted: false, WaitFor: wait}
}

func (b *tokenBucket) regenBurstLocked(now time.Time) {
	elapsed := now.Sub(b.lastBurstRegen)
	if elapsed <= 0 {
		return
	}
	const burstRegenPerSecond = 0.2
	b.burstTokens += elapsed.Seconds() * burstRegenPerSecond
	if b.burstTokens > 3 {
		b.burstTokens = 3
	}
	b.lastBurstRegen = now
}

// decayLocked halves the multiplier's excess over 1.0 on every clean admit,
// so a bucket that has been throttled recovers its steady-state pacing
// within a handful of successful requests rather than snapping back
// immediately (which would re-trigger the same 429) or never recovering.
func (b *tokenBucket) decayLocked() {
	if b.adaptiveMultiplier <= minAdaptiveMultiplier {
		return
	}
	excess := b.adaptiveMultiplier - minAdaptiveMultiplier
	b.adaptiveMultiplier = minAdaptiveMultiplier + excess/2
	if b.adaptiveMultiplier < minAdaptiveMultiplier {
		b.adaptiveMultiplier = minAdaptiveMultiplier
	}
	if b.safetyMargin > minSafetyMargin {
		b.safetyMargin = minSafetyMargin
	}
}

// updateFromHeaders folds a response's rate-limit headers into the bucket's
// state. It returns the canonical bucket key the server revealed, if any.
func (b *tokenBucket) updateFromHeaders(h rlHeaders, now time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h.HasLimit {
		b.limit = h.Limit
	}
	if h.HasRemaining {
		b.remaining = h.Remaining
	}
	if h.HasResetAt {
		b.resetAt = now.Add(h.ResetAfter)
	}
	b.lastActivity = now
	return h.BucketKey
}

// onRateLimited widens the adaptive multiplier and safety margin after a
// 429, bounded to [1,5] and [50ms,100ms] respectively, and pins the bucket
// exhausted until retryAfter elapses.
func (b *tokenBucket) onRateLimited(retryAfter time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remaining = 0
	b.resetAt = now.Add(retryAfter)
	b.lastActivity = now

	b.adaptiveMultiplier *= 1.5
	if b.adaptiveMultiplier > maxAdaptiveMultiplier {
		b.adaptiveMultiplier = maxAdaptiveMultiplier
	}
	b.safetyMargin += 10 * time.Millisecond
	if b.safetyMargin > maxSafetyMargin {
		b.safetyMargin = maxSafetyMargin
	}
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastActivity)
}

/***********************
 *   Global admission  *
 ***********************/

// globalAdmission gates every outgoing request through an x/time/rate
// limiter before it is ever considered against its per-route bucket,
// modelling the distinguished bucket shared across every route.
type globalAdmission struct {
	limiter *rate.Limiter
}

func newGlobalAdmission(requestsPerSecond float64, burst int) *globalAdmission {
	return &globalAdmission{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

func (g *globalAdmission) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

/***********************
 *   Bucket Manager    *
 ***********************/

// restOutcome is what an executor reports back to the bucket manager after
// attempting one HTTP round trip for a ticket.
type restOutcome struct {
	StatusCode      int
	Header          http.Header
	Body            []byte
	Err             error
	ErrRetryable    bool
	RateLimited     bool
	RetryAfter      time.Duration
	GlobalOrShared  bool
	CanonicalBucket string
}

type ticketJob struct {
	ticket   *RequestTicket
	route    string
	major    string
	resultCh chan ticketResult
}

type ticketResult struct {
	outcome *restOutcome
	err     error
}

type bucketEntry struct {
	mu      sync.Mutex
	bucket  *tokenBucket
	queues  [4]*list.List // indexed by Priority
	wake    chan struct{}
	started bool

	// mergedInto is set once this entry has been folded into a canonical
	// entry; every push after that point redirects there instead of
	// queueing locally, and merged is closed so this entry's dispatcher
	// loop notices and exits.
	mergedInto *bucketEntry
	merged     chan struct{}
}

func newBucketEntry(key string, isGlobalLike bool) *bucketEntry {
	e := &bucketEntry{
		bucket: newTokenBucket(key, isGlobalLike),
		wake:   make(chan struct{}, 1),
		merged: make(chan struct{}),
	}
	for i := range e.queues {
		e.queues[i] = list.New()
	}
	return e
}

func (e *bucketEntry) push(job *ticketJob, front bool) {
	e.mu.Lock()
	if target := e.mergedInto; target != nil {
		e.mu.Unlock()
		target.push(job, front)
		return
	}
	q := e.queues[job.ticket.Priority]
	if front {
		q.PushFront(job)
	} else {
		q.PushBack(job)
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// mergeInto drains every job currently queued on e into target, in priority
// order, then marks e as merged so any push still in flight (already holding
// a reference to e, whether blocked on e.mu or arriving afterward) redirects
// to target instead of being queued where nothing will ever dispatch it.
func (e *bucketEntry) mergeInto(target *bucketEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mergedInto != nil {
		return
	}
	for p := range e.queues {
		q := e.queues[p]
		for el := q.Front(); el != nil; el = q.Front() {
			q.Remove(el)
			target.push(el.Value.(*ticketJob), false)
		}
	}
	e.mergedInto = target
	close(e.merged)
}

// pop returns the next job in strict priority order (Critical..Low), FIFO
// within a priority band.
func (e *bucketEntry) pop() *ticketJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := len(e.queues) - 1; p >= 0; p-- {
		q := e.queues[p]
		if el := q.Front(); el != nil {
			q.Remove(el)
			return el.Value.(*ticketJob)
		}
	}
	return nil
}

func (e *bucketEntry) empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

func (e *bucketEntry) drainRejecting(errFn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		for el := q.Front(); el != nil; el = q.Front() {
			q.Remove(el)
			job := el.Value.(*ticketJob)
			job.resultCh <- ticketResult{err: errFn()}
		}
	}
}

// bucketManagerConfig configures the bucket manager's bounds.
type bucketManagerConfig struct {
	MaxBuckets        int
	MaxIdle           time.Duration
	GlobalRPS         float64
	GlobalBurst       int
	SweepInterval     time.Duration
}

func defaultBucketManagerConfig() bucketManagerConfig {
	return bucketManagerConfig{
		MaxBuckets:    10_000,
		MaxIdle:       10 * time.Minute,
		GlobalRPS:     50,
		GlobalBurst:   50,
		SweepInterval: time.Minute,
	}
}

// bucketManager is the REST engine's per-route queueing and admission
// layer: one FIFO dispatcher per bucket, a distinguished global admission
// gate, canonical-bucket-key merging once the server reveals it, and
// bounded-size + idle eviction of the bucket table via an Otter LRU cache
// so a long-lived client does not accumulate one bucket per snowflake seen.
type bucketManager struct {
	mu      sync.Mutex
	logger  xlog.Logger
	entries map[string]*bucketEntry // key (synthetic "route:major" or canonical) -> entry
	aliases map[string]string       // synthetic key -> canonical key, once learned

	global     *bucketEntry
	admission  *globalAdmission

	lru *otter.Cache[string, struct{}]
	cfg bucketManagerConfig

	execute func(ctx context.Context, t *RequestTicket, attempt int) *restOutcome

	stop chan struct{}
}

func newBucketManager(logger xlog.Logger, cfg bucketManagerConfig, execute func(ctx context.Context, t *RequestTicket, attempt int) *restOutcome) *bucketManager {
	lru, err := otter.New[string, struct{}](&otter.Options[string, struct{}]{
		MaximumSize: cfg.MaxBuckets,
	})
	if err != nil {
		// Otter only fails construction on invalid options; MaxBuckets is
		// always a sane positive int here, so this is an invariant
		// violation, not a runtime condition callers can recover from.
		panic("dwaz: bucket manager LRU cache: " + err.Error())
	}

	m := &bucketManager{
		logger:    logger,
		entries:   make(map[string]*bucketEntry),
		aliases:   make(map[string]string),
		global:    newBucketEntry("global", true),
		admission: newGlobalAdmission(cfg.GlobalRPS, cfg.GlobalBurst),
		lru:       lru,
		cfg:       cfg,
		execute:   execute,
		stop:      make(chan struct{}),
	}
	go m.globalDispatcher()
	go m.sweepLoop()
	return m
}

// enqueue routes a ticket to its bucket entry (creating it if new) and
// returns a channel the caller blocks on for the final result.
func (m *bucketManager) enqueue(job *ticketJob) chan ticketResult {
	job.resultCh = make(chan ticketResult, 1)

	m.mu.Lock()
	key := job.route + ":" + job.major
	if canon, ok := m.aliases[key]; ok {
		key = canon
	}
	entry, ok := m.entries[key]
	if !ok {
		entry = newBucketEntry(key, false)
		m.entries[key] = entry
	}
	m.lru.Set(key, struct{}{})
	started := entry.started
	entry.started = true
	m.mu.Unlock()

	entry.push(job, false)
	if !started {
		go m.dispatchLoop(key, entry)
	}
	return job.resultCh
}

// dispatchLoop is the single consumer for one bucket: admit, execute,
// fold headers back in, and on 429 re-insert the ticket at the head of its
// priority class while attempts remain (the attempt counter keeps counting
// every send, so MaxAttempts bounds 429 retries too), exactly as the bucket
// manager (not the REST engine's backoff) owns 429 recovery.
func (m *bucketManager) dispatchLoop(key string, entry *bucketEntry) {
	for {
		job := entry.pop()
		if job == nil {
			select {
			case <-entry.wake:
				continue
			case <-entry.merged:
				return
			case <-time.After(m.cfg.MaxIdle):
				if entry.empty() {
					m.retireIfIdle(key, entry)
					return
				}
				continue
			case <-m.stop:
				return
			}
		}

		m.runJob(key, entry, job)
	}
}

func (m *bucketManager) globalDispatcher() {
	// The global bucket behaves like any other entry but is never retired.
	for {
		job := m.global.pop()
		if job == nil {
			select {
			case <-m.global.wake:
				continue
			case <-m.stop:
				return
			}
		}
		m.runJob("global", m.global, job)
	}
}

func (m *bucketManager) runJob(key string, entry *bucketEntry, job *ticketJob) {
	ctx := job.ticket.context()

	if err := m.admission.wait(ctx); err != nil {
		job.resultCh <- ticketResult{err: newCancelledError(err)}
		return
	}

	decision := entry.bucket.tryAdmit(time.Now(), false)
	if !decision.Admitted {
		select {
		case <-time.After(decision.WaitFor):
		case <-ctx.Done():
			job.resultCh <- ticketResult{err: newCancelledError(ctx.Err())}
			return
		}
	}

	job.ticket.attempt++
	outcome := m.execute(ctx, job.ticket, job.ticket.attempt)

	now := time.Now()
	if canon := entry.bucket.updateFromHeaders(parseRLHeaders(outcome.Header), now); canon != "" {
		m.promoteCanonical(key, canon, entry)
	}

	if outcome.RateLimited {
		entry.bucket.onRateLimited(outcome.RetryAfter, now)
		if outcome.GlobalOrShared {
			m.global.bucket.onRateLimited(outcome.RetryAfter, now)
		}
		if job.ticket.attempt < job.ticket.MaxAttempts {
			entry.push(job, true)
			return
		}
		job.resultCh <- ticketResult{err: newRateLimitError(job.route, outcome.RetryAfter.String())}
		return
	}

	job.resultCh <- ticketResult{outcome: outcome}
}

// promoteCanonical merges a synthetic "route:major" key into the canonical
// bucket key the server revealed, so future tickets for the same route go
// straight to the shared bucket instead of re-learning its state. If no
// entry yet exists under the canonical key, the synthetic entry simply
// becomes it. If one already does (another synthetic key resolved to the
// same canonical bucket first), the synthetic entry's queued tickets are
// moved into the existing canonical entry and the synthetic entry's own
// dispatcher is signalled to stop, all while holding the manager lock so no
// enqueue can observe a half-completed merge and no ticket is ever admitted
// by both dispatchers.
func (m *bucketManager) promoteCanonical(syntheticKey, canonicalKey string, entry *bucketEntry) {
	if syntheticKey == canonicalKey {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	canonical, exists := m.entries[canonicalKey]
	switch {
	case !exists:
		m.entries[canonicalKey] = entry
	case canonical != entry:
		entry.mergeInto(canonical)
		delete(m.entries, syntheticKey)
		m.lru.Invalidate(syntheticKey)
	}

	m.aliases[syntheticKey] = canonicalKey
	m.lru.Set(canonicalKey, struct{}{})
}

func (m *bucketManager) retireIfIdle(key string, entry *bucketEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur == entry && entry.empty() {
		delete(m.entries, key)
		m.lru.Invalidate(key)
	}
}

// sweepLoop evicts buckets Otter's LRU has already dropped (size pressure)
// or that have sat idle past MaxIdle, rejecting any tickets still queued on
// them so callers never wait forever on a bucket nobody is servicing.
func (m *bucketManager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *bucketManager) sweepOnce() {
	now := time.Now()
	m.mu.Lock()
	var dead []*bucketEntry
	for key, entry := range m.entries {
		_, stillCached := m.lru.GetIfPresent(key)
		if !stillCached || entry.bucket.idleSince(now) > m.cfg.MaxIdle {
			dead = append(dead, entry)
			delete(m.entries, key)
			m.lru.Invalidate(key)
		}
	}
	m.mu.Unlock()

	for _, entry := range dead {
		entry.drainRejecting(func() error {
			return newLibError(ErrKindCancelled, nil, map[string]any{"reason": "bucket evicted"})
		})
	}
}

func (m *bucketManager) shutdown() {
	close(m.stop)
}
