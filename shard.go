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
	"compress/zlib"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/marouanesouiri/stdx/xlog"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter controls the pace at which shards may send
// Identify payloads, keyed by shardID so shards that share a
// max_concurrency bucket serialize against each other while shards in
// different buckets may identify concurrently.
type ShardsIdentifyRateLimiter interface {
	// Wait blocks the calling shard until it may send Identify.
	Wait(shardID int)
}

// DefaultShardsRateLimiter buckets shards by shardID % maxConcurrency (the
// platform's session-start-limit concurrency bucketing) and paces each
// bucket at least `stagger` apart.
type DefaultShardsRateLimiter struct {
	mu             sync.Mutex
	maxConcurrency int
	stagger        time.Duration
	nextAllowed    map[int]time.Time
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a rate limiter honoring the
// session-start-limit's max_concurrency and a minimum stagger between
// Identify sends within the same concurrency bucket.
func NewDefaultShardsRateLimiter(maxConcurrency int, stagger time.Duration) *DefaultShardsRateLimiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &DefaultShardsRateLimiter{
		maxConcurrency: maxConcurrency,
		stagger:        stagger,
		nextAllowed:    make(map[int]time.Time),
	}
}

// Wait blocks until shardID's concurrency bucket is free to identify.
func (rl *DefaultShardsRateLimiter) Wait(shardID int) {
	bucket := shardID % rl.maxConcurrency
	for {
		rl.mu.Lock()
		now := time.Now()
		allowedAt, ok := rl.nextAllowed[bucket]
		if !ok || !now.Before(allowedAt) {
			rl.nextAllowed[bucket] = now.Add(rl.stagger)
			rl.mu.Unlock()
			return
		}
		wait := allowedAt.Sub(now)
		rl.mu.Unlock()
		time.Sleep(wait)
	}
}

/*************************************
 * ShardManager: manages multiple shards
 *************************************/

// IdentifyProperties configures the "properties" field of the Identify
// payload.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// ShardManagerConfig configures fleet-level sharding/clustering.
//
// For sharding (multiple shards in one process): ShardManagerConfig{TotalShards: 4}.
// For clustering (specific shards per process): set ShardIDs to the subset
// this process owns while TotalShards stays the fleet-wide total.
type ShardManagerConfig struct {
	TotalShards int
	ShardIDs    []int
	Identify    IdentifyProperties
	UseCompression bool
}

// ShardManager orchestrates the lifecycle of every shard this process
// owns: spawning, bucketed Identify pacing, aggregate status, and
// coordinated shutdown.
type ShardManager struct {
	mu              sync.RWMutex
	config          ShardManagerConfig
	shards          []*Shard
	token           string
	intents         GatewayIntent
	logger          xlog.Logger
	identifyLimiter ShardsIdentifyRateLimiter
	dispatchRaw     func(envelope DispatchEnvelope)

	readyCh   chan struct{}
	readyOnce sync.Once
}

func newShardManager(
	config ShardManagerConfig,
	token string,
	intents GatewayIntent,
	logger xlog.Logger,
	identifyLimiter ShardsIdentifyRateLimiter,
	dispatchRaw func(envelope DispatchEnvelope),
) *ShardManager {
	return &ShardManager{
		config:          config,
		token:           token,
		intents:         intents,
		logger:          logger,
		identifyLimiter: identifyLimiter,
		dispatchRaw:     dispatchRaw,
		readyCh:         make(chan struct{}),
	}
}

// Start connects every configured shard to the gateway.
func (sm *ShardManager) Start(ctx context.Context, totalShards int) error {
	shardIDs := sm.config.ShardIDs
	if len(shardIDs) == 0 {
		shardIDs = make([]int, totalShards)
		for i := range totalShards {
			shardIDs[i] = i
		}
	}

	sm.logger.WithFields(map[string]any{
		"total_shards":   totalShards,
		"managed_shards": shardIDs,
	}).Info("starting shard manager")

	for _, shardID := range shardIDs {
		shard := newShard(shardID, totalShards, sm.token, sm.intents, sm.logger,
			sm.identifyLimiter, sm.config.UseCompression, sm.config.Identify, sm.dispatchRaw, sm.onShardReady)
		if err := shard.connect(ctx); err != nil {
			return err
		}
		sm.mu.Lock()
		sm.shards = append(sm.shards, shard)
		sm.mu.Unlock()
	}

	return nil
}

func (sm *ShardManager) onShardReady() {
	sm.mu.RLock()
	total := len(sm.shards)
	ready := 0
	for _, s := range sm.shards {
		if s.isReady() {
			ready++
		}
	}
	sm.mu.RUnlock()

	if ready >= total && total > 0 {
		sm.readyOnce.Do(func() { close(sm.readyCh) })
	}
}

// Ready returns a channel closed exactly once, when every managed shard has
// completed its first READY.
func (sm *ShardManager) Ready() <-chan struct{} { return sm.readyCh }

// Status reports the aggregate fleet status: per-shard readiness and
// latency, for polling callers that do not want to wait on Ready().
func (sm *ShardManager) Status() []ShardStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]ShardStatus, 0, len(sm.shards))
	for _, s := range sm.shards {
		out = append(out, ShardStatus{
			ShardID:   s.shardID,
			Ready:     s.isReady(),
			LatencyMs: s.Latency(),
			Err:       s.Err(),
		})
	}
	return out
}

// ShardStatus is one shard's point-in-time status.
type ShardStatus struct {
	ShardID   int
	Ready     bool
	LatencyMs int64
	Err       *LibError
}

// Shutdown gracefully closes all managed shards.
func (sm *ShardManager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.logger.Info("shard manager shutting down")
	for _, shard := range sm.shards {
		shard.Shutdown()
	}
	sm.shards = nil
}

// Shards returns the list of managed shards.
func (sm *ShardManager) Shards() []*Shard {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Shard, len(sm.shards))
	copy(out, sm.shards)
	return out
}

/*************************************
 * Shard: a single Gateway connection
 *************************************/

const (
	gatewayVersion = "10"
	gatewayURL     = "wss://gateway.discord.gg/?v=" + gatewayVersion + "&encoding=json"
	gatewayURLZlib = "wss://gateway.discord.gg/?v=" + gatewayVersion + "&encoding=json&compress=zlib-stream"
)

type gatewayOpcode int

const (
	gatewayOpcodeDispatch gatewayOpcode = iota
	gatewayOpcodeHeartbeat
	gatewayOpcodeIdentify
	gatewayOpcodePresenceUpdate
	gatewayOpcodeVoiceStateUpdate
	_ // reserved
	gatewayOpcodeResume
	gatewayOpcodeReconnect
	gatewayOpcodeRequestGuildMembers
	gatewayOpcodeInvalidSession
	gatewayOpcodeHello
	gatewayOpcodeHeartbeatACK
)

type gatewayPayload struct {
	Op gatewayOpcode   `json:"op"`
	D  json.RawMessage `json:"d"`
	S  int64           `json:"s"`
	T  string          `json:"t"`
}

// Shard manages a single WebSocket connection: session state, Identify /
// Resume, heartbeats via heartbeatDriver, and reconnect with exponential
// backoff, classifying close codes per closecode.go instead of always
// resuming blindly.
type Shard struct {
	shardID     int
	totalShards int
	token       string
	intents     GatewayIntent

	logger          xlog.Logger
	identifyLimiter ShardsIdentifyRateLimiter
	dispatchRaw     func(envelope DispatchEnvelope)
	onReady         func()

	conn atomic.Pointer[net.Conn]

	seq       atomic.Int64
	sessionID atomic.Pointer[string]
	resumeURL atomic.Pointer[string]
	ready     atomic.Bool

	heartbeat atomic.Pointer[heartbeatDriver]
	fatalErr  atomic.Pointer[LibError]

	useCompression bool
	properties     IdentifyProperties

	shutdownOnce sync.Once
	closed       atomic.Bool
}

func newShard(
	shardID, totalShards int, token string, intents GatewayIntent,
	logger xlog.Logger, limiter ShardsIdentifyRateLimiter,
	useCompression bool, properties IdentifyProperties,
	dispatchRaw func(envelope DispatchEnvelope), onReady func(),
) *Shard {
	return &Shard{
		shardID:         shardID,
		totalShards:     totalShards,
		token:           token,
		intents:         intents,
		logger:          logger.WithField("shard_id", shardID),
		identifyLimiter: limiter,
		dispatchRaw:     dispatchRaw,
		onReady:         onReady,
		useCompression:  useCompression,
		properties:      properties,
	}
}

func (s *Shard) getConn() net.Conn {
	p := s.conn.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Shard) setConn(c net.Conn) { s.conn.Store(&c) }

// connect dials (or resumes) the gateway and starts the read loop.
func (s *Shard) connect(ctx context.Context) error {
	if hb := s.heartbeat.Load(); hb != nil {
		hb.shutdown()
	}
	if c := s.getConn(); c != nil {
		c.Close()
	}

	connURL := gatewayURL
	if s.useCompression {
		connURL = gatewayURLZlib
	}
	if ru := s.resumeURL.Load(); ru != nil && *ru != "" {
		connURL = s.buildResumeURL(*ru)
	}

	conn, _, _, err := ws.Dialer{}.Dial(ctx, connURL)
	if err != nil {
		return newNetworkError(err, "gateway")
	}

	s.logger.Info("connected")
	s.setConn(conn)
	s.ready.Store(false)

	go s.readLoop()
	return nil
}

func (s *Shard) buildResumeURL(resumeURL string) string {
	parsed, err := url.Parse(resumeURL)
	if err != nil {
		return resumeURL
	}
	q := parsed.Query()
	if q.Get("v") == "" {
		q.Set("v", gatewayVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	if s.useCompression && q.Get("compress") == "" {
		q.Set("compress", "zlib-stream")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// gatewayReader bridges WebSocket frames into an io.Reader stream,
// transparently answering control frames (ping/pong) as they arrive.
type gatewayReader struct {
	conn net.Conn
	buf  bytes.Buffer
}

func (gr *gatewayReader) Read(p []byte) (int, error) {
	if gr.buf.Len() > 0 {
		return gr.buf.Read(p)
	}
	for {
		msg, op, err := wsutil.ReadServerData(gr.conn)
		if err != nil {
			return 0, err
		}
		switch op {
		case ws.OpBinary:
			gr.buf.Write(msg)
			return gr.buf.Read(p)
		case ws.OpClose:
			return 0, io.EOF
		case ws.OpPing:
			wsutil.WriteClientMessage(gr.conn, ws.OpPong, msg)
		case ws.OpPong, ws.OpText:
			// ignore; the session never mixes text frames with zlib-stream
		}
	}
}

func (s *Shard) readLoop() {
	conn := s.getConn()
	var (
		decoder *json.Decoder
		zr      io.ReadCloser
		err     error
	)

	if s.useCompression {
		zr, err = zlib.NewReader(&gatewayReader{conn: conn})
		if err != nil {
			s.logger.WithField("error", err).Error("zlib handshake failed")
			s.reconnectOrTerminate(1006)
			return
		}
		defer zr.Close()
		decoder = json.NewDecoder(zr)
	}
	defer conn.Close()

	for {
		var payload gatewayPayload
		var closeCode int

		if s.useCompression {
			if decErr := decoder.Decode(&payload); decErr != nil {
				s.logger.WithField("error", decErr).Error("decode/read error")
				s.reconnectOrTerminate(1006)
				return
			}
		} else {
			msg, op, readErr := wsutil.ReadServerData(conn)
			if readErr != nil {
				s.logger.WithField("error", readErr).Error("read error")
				s.reconnectOrTerminate(1006)
				return
			}
			switch op {
			case ws.OpText:
				if err := json.Unmarshal(msg, &payload); err != nil {
					s.logger.WithField("error", err).Error("unmarshal error")
					continue
				}
			case ws.OpClose:
				closeCode = parseCloseCode(msg)
				s.reconnectOrTerminate(closeCode)
				return
			default:
				continue
			}
		}

		s.handlePayload(payload)
	}
}

func parseCloseCode(frame []byte) int {
	if len(frame) < 2 {
		return 1006
	}
	return int(frame[0])<<8 | int(frame[1])
}

func (s *Shard) handlePayload(payload gatewayPayload) {
	if payload.S > 0 {
		s.seq.Store(payload.S)
	}

	if payload.Op == gatewayOpcodeDispatch && s.dispatchRaw != nil {
		s.dispatchRaw(DispatchEnvelope{
			ShardID:   s.shardID,
			Sequence:  payload.S,
			EventName: payload.T,
			Data:      payload.D,
		})
	}

	switch payload.Op {
	case gatewayOpcodeDispatch:
		switch payload.T {
		case "READY":
			var ready struct {
				SessionID        string `json:"session_id"`
				ResumeGatewayURL string `json:"resume_gateway_url"`
			}
			json.Unmarshal(payload.D, &ready)
			s.sessionID.Store(&ready.SessionID)
			s.resumeURL.Store(&ready.ResumeGatewayURL)
			s.ready.Store(true)
			s.logger.Info("READY received")
			if s.onReady != nil {
				s.onReady()
			}
		case "RESUMED":
			s.ready.Store(true)
			s.logger.Info("RESUMED received")
			if s.onReady != nil {
				s.onReady()
			}
		}

	case gatewayOpcodeReconnect:
		s.logger.Info("RECONNECT received")
		if c := s.getConn(); c != nil {
			c.Close()
		}

	case gatewayOpcodeInvalidSession:
		var resumable bool
		json.Unmarshal(payload.D, &resumable)
		time.Sleep(time.Duration(100+s.shardID%500) * time.Millisecond)
		if resumable {
			s.logger.Info("session invalid (resumable), resuming")
			s.sendResume()
		} else {
			s.logger.Info("session invalid (non-resumable), identifying")
			empty := ""
			s.sessionID.Store(&empty)
			s.seq.Store(0)
			s.sendIdentify()
		}

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		json.Unmarshal(payload.D, &hello)
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.logger.WithField("heartbeat_interval", interval.String()).Debug("HELLO received")

		hb := newHeartbeatDriver(s.logger, interval, s.sendHeartbeat, func() {
			if c := s.getConn(); c != nil {
				c.Close()
			}
		})
		s.heartbeat.Store(hb)
		go hb.run()

		if sid := s.sessionID.Load(); sid != nil && *sid != "" && s.seq.Load() > 0 {
			s.logger.Info("resuming session")
			s.sendResume()
		} else {
			s.logger.Debug("identifying new session")
			s.sendIdentify()
		}

	case gatewayOpcodeHeartbeatACK:
		if hb := s.heartbeat.Load(); hb != nil {
			hb.ack()
		}

	case gatewayOpcodeHeartbeat:
		s.sendHeartbeat()
	}
}

func (s *Shard) sendIdentify() error {
	payload, _ := json.Marshal(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      s.properties.OS,
				"browser": s.properties.Browser,
				"device":  s.properties.Device,
			},
			"shards":  [2]int{s.shardID, s.totalShards},
			"intents": s.intents,
		},
	})
	s.identifyLimiter.Wait(s.shardID)
	conn := s.getConn()
	if conn == nil {
		return newNetworkError(net.ErrClosed, "gateway")
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

func (s *Shard) sendResume() error {
	sid := ""
	if p := s.sessionID.Load(); p != nil {
		sid = *p
	}
	payload, _ := json.Marshal(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": sid,
			"seq":        s.seq.Load(),
		},
	})
	conn := s.getConn()
	if conn == nil {
		return newNetworkError(net.ErrClosed, "gateway")
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

func (s *Shard) sendHeartbeat() error {
	payload, _ := json.Marshal(map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  s.seq.Load(),
	})
	conn := s.getConn()
	if conn == nil {
		return newNetworkError(net.ErrClosed, "gateway")
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

// reconnectOrTerminate classifies the close code and either resumes,
// re-identifies, or gives up entirely per closecode.go.
func (s *Shard) reconnectOrTerminate(code int) {
	if s.closed.Load() {
		return
	}
	info := classifyCloseCode(code)
	s.logger.WithFields(map[string]any{"code": code, "reason": info.Reason}).Warn("connection closed")

	switch info.Action {
	case CloseActionTerminal:
		s.logger.WithField("code", code).Error("terminal close code, not reconnecting")
		s.fatalErr.Store(newFatalError(code, info.Reason))
		s.closed.Store(true)
		return
	case CloseActionReidentify:
		empty := ""
		s.sessionID.Store(&empty)
		s.seq.Store(0)
	case CloseActionResume:
		// session/seq preserved; connect() picks up resumeURL if set.
	}

	s.reconnect()
}

// jitterBackoff spreads a backoff duration by up to +/-factor so a fleet of
// shards reconnecting after the same outage does not retry in lockstep. The
// returned duration is only ever used for the sleep itself; the caller's own
// backoff variable keeps doubling on the exact unjittered schedule.
func jitterBackoff(d time.Duration, factor float64) time.Duration {
	spread := 1 + (rand.Float64()*2-1)*factor
	return time.Duration(float64(d) * spread)
}

func (s *Shard) reconnect() {
	if c := s.getConn(); c != nil {
		c.Close()
	}

	backoff := time.Second
	const maxBackoff = 60 * time.Second
	const jitterFactor = 0.2

	for {
		sleepFor := jitterBackoff(backoff, jitterFactor)
		s.logger.WithField("backoff", sleepFor.String()).Info("attempting reconnect")
		time.Sleep(sleepFor)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err := s.connect(ctx)
		cancel()

		if err == nil {
			s.logger.Debug("reconnected successfully")
			return
		}
		s.logger.WithField("error", err).Error("reconnect failed")
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Latency returns the shard's current heartbeat round-trip latency in
// milliseconds.
func (s *Shard) Latency() int64 {
	if hb := s.heartbeat.Load(); hb != nil {
		return hb.latency()
	}
	return 0
}

func (s *Shard) isReady() bool { return s.ready.Load() }

// Err returns the terminal error that stopped this shard from reconnecting,
// if any. A nil return means the shard is still attempting to stay
// connected (or was shut down deliberately via Shutdown).
func (s *Shard) Err() *LibError {
	return s.fatalErr.Load()
}

// Shutdown closes the shard's connection and stops its heartbeat driver.
func (s *Shard) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		if hb := s.heartbeat.Load(); hb != nil {
			hb.shutdown()
		}
		if c := s.getConn(); c != nil {
			s.logger.Info("shutting down")
			c.Close()
		}
	})
}
