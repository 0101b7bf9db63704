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
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/marouanesouiri/stdx/result"
	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *  Requester config   *
 ***********************/

// RequesterConfig configures the REST engine's transport and rate-limit /
// breaker tuning. Zero values resolve to sane defaults in newRequester.
type RequesterConfig struct {
	Token      string
	BaseURL    string // defaults to the platform's v10 REST base
	UserAgent  string
	HTTPClient *http.Client

	GlobalRequestsPerSecond float64
	GlobalBurst             int
	MaxBuckets              int
	BucketMaxIdle           time.Duration

	// BreakerFailureThreshold is the absolute count of network|timeout|server
	// failures within BreakerWindowSeconds that opens the breaker.
	BreakerFailureThreshold int
	BreakerWindowSeconds    int
	BreakerOpenTimeout      time.Duration
	BreakerMaxIdle          time.Duration
}

const (
	apiVersion = "v10"
	baseAPIURL = "https://discord.com/api/" + apiVersion
)

func (c RequesterConfig) withDefaults() RequesterConfig {
	if c.BaseURL == "" {
		c.BaseURL = baseAPIURL
	}
	if c.UserAgent == "" {
		c.UserAgent = "DiscordBot (dwaz)"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          500,
				MaxIdleConnsPerHost:   100,
				MaxConnsPerHost:       200,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	if c.GlobalRequestsPerSecond == 0 {
		c.GlobalRequestsPerSecond = 50
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 50
	}
	if c.MaxBuckets == 0 {
		c.MaxBuckets = 10_000
	}
	if c.BucketMaxIdle == 0 {
		c.BucketMaxIdle = 10 * time.Minute
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerWindowSeconds == 0 {
		c.BreakerWindowSeconds = 60
	}
	if c.BreakerOpenTimeout == 0 {
		c.BreakerOpenTimeout = 60 * time.Second
	}
	if c.BreakerMaxIdle == 0 {
		c.BreakerMaxIdle = 10 * time.Minute
	}
	return c
}

/***********************
 *      Requester      *
 ***********************/

// RESTResponse is the decoded shape of a completed REST call: status,
// headers, and raw body. Typed helpers (FetchGateway, FetchGatewayBot, and
// any caller-defined decode step) build on top of this.
type RESTResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// requester is the REST engine: it owns the middleware pipeline, the
// per-route circuit breaker registry, and the bucket manager, and is the
// sole place that actually performs an HTTP round trip.
type requester struct {
	cfg      RequesterConfig
	logger   xlog.Logger
	pipeline *MiddlewarePipeline
	breakers *breakerRegistry
	buckets  *bucketManager
	stop     chan struct{}
}

func newRequester(cfg RequesterConfig, logger xlog.Logger) *requester {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	}

	r := &requester{
		cfg:      cfg,
		logger:   logger,
		pipeline: newMiddlewarePipeline(logger),
		breakers: newBreakerRegistry(breakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			WindowSeconds:    cfg.BreakerWindowSeconds,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		}, cfg.BreakerMaxIdle),
		stop: make(chan struct{}),
	}

	bmCfg := bucketManagerConfig{
		MaxBuckets:    cfg.MaxBuckets,
		MaxIdle:       cfg.BucketMaxIdle,
		GlobalRPS:     cfg.GlobalRequestsPerSecond,
		GlobalBurst:   cfg.GlobalBurst,
		SweepInterval: time.Minute,
	}
	r.buckets = newBucketManager(logger, bmCfg, r.executeOnce)

	go r.breakerSweepLoop()
	return r
}

func (r *requester) breakerSweepLoop() {
	ticker := time.NewTicker(r.cfg.BreakerMaxIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.breakers.evictIdle(time.Now())
		case <-r.stop:
			return
		}
	}
}

// Shutdown releases the requester's background goroutines and idle
// connections.
func (r *requester) Shutdown() {
	close(r.stop)
	r.buckets.shutdown()
	r.cfg.HTTPClient.CloseIdleConnections()
}

/***********************
 *   RequestOption     *
 ***********************/

// RequestOption customizes a single REST call built via Request.
type RequestOption func(*RequestTicket)

func WithQuery(query string) RequestOption {
	return func(t *RequestTicket) { t.Query = query }
}
func WithJSONBody(body []byte) RequestOption {
	return func(t *RequestTicket) {
		t.Body = body
		t.Headers.Set("Content-Type", "application/json")
	}
}
func WithReason(reason string) RequestOption {
	return func(t *RequestTicket) { t.Headers.Set("X-Audit-Log-Reason", reason) }
}
func WithPriority(p Priority) RequestOption {
	return func(t *RequestTicket) { t.Priority = p }
}
func WithIdempotencyToken(token string) RequestOption {
	return func(t *RequestTicket) { t.IdempotencyToken = token }
}
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(t *RequestTicket) { t.Timeout = d }
}
func withNoAuth() RequestOption {
	return func(t *RequestTicket) { t.NoAuth = true }
}

// Request performs one REST call through the full engine: bucket
// admission, circuit breaker, middleware, HTTP send, retry with backoff on
// retryable failures.
func (r *requester) Request(ctx context.Context, method, path string, opts ...RequestOption) result.Result[*RESTResponse] {
	ticket := newRequestTicket(ctx, method, path)
	for _, opt := range opts {
		opt(ticket)
	}

	route, major := deriveRoute(method, path)
	job := &ticketJob{ticket: ticket, route: route, major: major}

	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		resultCh := r.buckets.enqueue(job)
		var res ticketResult
		select {
		case res = <-resultCh:
		case <-ticket.context().Done():
			return result.Err[*RESTResponse](newCancelledError(ticket.context().Err()))
		}

		if res.err != nil {
			return result.Err[*RESTResponse](res.err)
		}

		outcome := res.outcome
		if outcome.Err != nil {
			if outcome.ErrRetryable && ticket.attempt < ticket.MaxAttempts {
				r.logger.WithFields(map[string]any{"route": route, "attempt": ticket.attempt}).
					Debug("retrying after retryable REST failure")
				select {
				case <-time.After(backoff):
				case <-ticket.context().Done():
					return result.Err[*RESTResponse](newCancelledError(ticket.context().Err()))
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			if le, ok := AsLibError(outcome.Err); ok {
				return result.Err[*RESTResponse](le)
			}
			return result.Err[*RESTResponse](newNetworkError(outcome.Err, route))
		}

		return result.Ok(&RESTResponse{
			StatusCode: outcome.StatusCode,
			Header:     outcome.Header,
			Body:       outcome.Body,
		})
	}
}

// executeOnce performs exactly one HTTP round trip for a ticket attempt,
// gated by the route's circuit breaker and wrapped in the middleware
// pipeline. It never retries; retry policy belongs to the bucket manager
// (429) and Request's backoff loop (everything else).
func (r *requester) executeOnce(ctx context.Context, ticket *RequestTicket, attempt int) *restOutcome {
	route, _ := deriveRoute(ticket.Method, ticket.Path)
	cb := r.breakers.get(route)

	if ticket.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ticket.Timeout)
		defer cancel()
	}

	if !cb.allow(time.Now()) {
		return &restOutcome{Err: newCircuitOpenError(route), ErrRetryable: true}
	}

	mwReq := &MiddlewareRequest{
		Method: ticket.Method,
		Path:   ticket.Path,
		Header: ticket.Headers.Clone(),
		Body:   ticket.Body,
	}
	mwReq, err := r.pipeline.runRequest(ctx, mwReq)
	if err != nil {
		if resp, recovered := r.pipeline.runError(ctx, err); recovered == nil {
			cb.recordSuccess(time.Now())
			return &restOutcome{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
		} else {
			err = recovered
		}
		// A request stage failing before anything was sent is not one of
		// the network|timeout|server classes the breaker counts.
		cb.recordFailure(time.Now(), false)
		return &restOutcome{Err: err, ErrRetryable: IsRetryable(err)}
	}

	url := r.cfg.BaseURL + mwReq.Path
	if ticket.Query != "" {
		url += "?" + ticket.Query
	}

	httpReq, err := http.NewRequestWithContext(ctx, mwReq.Method, url, bytes.NewReader(mwReq.Body))
	if err != nil {
		// Nothing was sent, so this is not a counted failure class.
		cb.recordFailure(time.Now(), false)
		return &restOutcome{Err: newValidationError(err.Error())}
	}
	httpReq.Header = mwReq.Header
	if !ticket.NoAuth {
		httpReq.Header.Set("Authorization", "Bot "+r.cfg.Token)
	}
	httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", ticket.IdempotencyToken)

	resp, err := r.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		kind := error(newNetworkError(err, route))
		if ctx.Err() != nil {
			kind = newTimeoutError(err, route)
		}
		if recoveredResp, recovered := r.pipeline.runError(ctx, kind); recovered == nil {
			cb.recordSuccess(time.Now())
			return &restOutcome{StatusCode: recoveredResp.StatusCode, Header: recoveredResp.Header, Body: recoveredResp.Body}
		} else {
			kind = recovered
		}
		cb.recordFailure(time.Now(), true)
		le, ok := AsLibError(kind)
		if !ok {
			le = newNetworkError(kind, route)
		}
		return &restOutcome{Err: le, ErrRetryable: le.Retryable}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		cb.recordFailure(time.Now(), true)
		return &restOutcome{Err: newNetworkError(err, route), ErrRetryable: true}
	}

	mwResp := &MiddlewareResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: bodyBytes}
	mwResp, err = r.pipeline.runResponse(ctx, mwResp)
	if err != nil {
		if recoveredResp, recovered := r.pipeline.runError(ctx, err); recovered == nil {
			cb.recordSuccess(time.Now())
			return &restOutcome{StatusCode: recoveredResp.StatusCode, Header: recoveredResp.Header, Body: recoveredResp.Body}
		} else {
			err = recovered
		}
		cb.recordFailure(time.Now(), false)
		return &restOutcome{Err: err, ErrRetryable: IsRetryable(err)}
	}

	headers := parseRLHeaders(mwResp.Header)
	out := &restOutcome{
		StatusCode:      mwResp.StatusCode,
		Header:          mwResp.Header,
		Body:            mwResp.Body,
		CanonicalBucket: headers.BucketKey,
	}

	switch {
	case mwResp.StatusCode == http.StatusTooManyRequests:
		out.RateLimited = true
		out.RetryAfter, out.GlobalOrShared = parseRetryAfter(mwResp.Header, mwResp.Body)
		if !out.GlobalOrShared {
			out.GlobalOrShared = headers.Scope == "shared"
		}
		// A 429 is not one of the network|timeout|server classes the
		// breaker counts; the endpoint is reachable, just throttled.
		cb.recordSuccess(time.Now())
		return out

	case mwResp.StatusCode >= 500:
		cb.recordFailure(time.Now(), true)
		out.Err = newServerError(mwResp.StatusCode, route, mwResp.Body)
		out.ErrRetryable = true
		return out

	case mwResp.StatusCode == http.StatusUnauthorized:
		cb.recordSuccess(time.Now())
		out.Err = newAuthenticationError(route)
		return out

	case mwResp.StatusCode == http.StatusForbidden:
		cb.recordSuccess(time.Now())
		out.Err = newAuthorizationError(route)
		return out

	case mwResp.StatusCode >= 400:
		cb.recordSuccess(time.Now())
		out.Err = newClientError(mwResp.StatusCode, route, mwResp.Body)
		return out

	default:
		cb.recordSuccess(time.Now())
		return out
	}
}

/***********************
 *  Gateway endpoints  *
 ***********************/

// sessionStartLimit mirrors the platform's session-start-limit payload,
// used by the shard manager to pace Identify concurrency.
type sessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

type gatewayInfo struct {
	URL string `json:"url"`
}

type gatewayBotInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit sessionStartLimit `json:"session_start_limit"`
}

// FetchGateway retrieves the bare Gateway WSS URL. It does not require
// authentication.
func (r *requester) FetchGateway() result.Result[*gatewayInfo] {
	res := r.Request(context.Background(), http.MethodGet, "/gateway", withNoAuth())
	if res.IsErr() {
		return result.Err[*gatewayInfo](res.Err())
	}
	var info gatewayInfo
	if err := sonic.Unmarshal(res.Value().Body, &info); err != nil {
		return result.Err[*gatewayInfo](newValidationError("decode /gateway: " + err.Error()))
	}
	return result.Ok(&info)
}

// FetchGatewayBot retrieves the Gateway WSS URL along with the recommended
// shard count and session-start-limit, required before starting shards.
func (r *requester) FetchGatewayBot() result.Result[*gatewayBotInfo] {
	res := r.Request(context.Background(), http.MethodGet, "/gateway/bot")
	if res.IsErr() {
		return result.Err[*gatewayBotInfo](res.Err())
	}
	var info gatewayBotInfo
	if err := sonic.Unmarshal(res.Value().Body, &info); err != nil {
		return result.Err[*gatewayBotInfo](newValidationError("decode /gateway/bot: " + err.Error()))
	}
	return result.Ok(&info)
}
