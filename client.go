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
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/*****************************
 *          Client
 *****************************/

// Client is the top-level handle on a connection to the gateway and REST
// API: a sharded Gateway session manager, a rate-limited REST engine, and
// an event router, wired together with shared configuration.
//
// Build one with New() and the With* options, then call Start().
type Client struct {
	ctx context.Context

	Logger xlog.Logger

	identifyLimiter ShardsIdentifyRateLimiter
	token           string
	intents         GatewayIntent
	useCompression  bool

	shardManager       *ShardManager
	shardManagerConfig ShardManagerConfig

	*requester
	requesterConfig RequesterConfig

	events *eventRouter
	pool   WorkerPool
}

// clientOption configures a Client at construction time.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token used for REST and Gateway authentication.
// The "Bot " prefix, if present, is stripped automatically.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.SplitN(token, " ", 2)[1]
	}
	return func(c *Client) {
		c.token = token
		c.requesterConfig.Token = token
	}
}

// WithLogger sets the structured logger used throughout the client.
func WithLogger(logger xlog.Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithRequesterConfig overrides the REST engine's configuration (base URL,
// user agent, HTTP client, global rate limit, bucket and breaker tuning).
func WithRequesterConfig(config RequesterConfig) clientOption {
	return func(c *Client) {
		if config.Token == "" {
			config.Token = c.token
		}
		c.requesterConfig = config
	}
}

// WithShardManagerConfig sets the shard manager's configuration.
//
// For sharding (multiple shards in one process):
//
//	dwaz.WithShardManagerConfig(dwaz.ShardManagerConfig{TotalShards: 4})
//
// For clustering (specific shards per process):
//
//	// Process 1:
//	dwaz.WithShardManagerConfig(dwaz.ShardManagerConfig{TotalShards: 4, ShardIDs: []int{0, 1}})
//	// Process 2:
//	dwaz.WithShardManagerConfig(dwaz.ShardManagerConfig{TotalShards: 4, ShardIDs: []int{2, 3}})
func WithShardManagerConfig(config ShardManagerConfig) clientOption {
	return func(c *Client) {
		c.shardManagerConfig = config
	}
}

// WithShardsIdentifyRateLimiter overrides how Identify payloads are paced
// across shards.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("WithShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithIntents sets the Gateway intents requested at Identify.
func WithIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, intent := range intents {
		total |= intent
	}
	return func(c *Client) {
		c.intents = total
	}
}

// WithCompression enables or disables zlib-stream compression on Gateway
// connections. Enabled by default.
func WithCompression(enabled bool) clientOption {
	return func(c *Client) {
		c.useCompression = enabled
	}
}

// WithIdentifyProperties sets the "properties" object sent with Identify.
func WithIdentifyProperties(props IdentifyProperties) clientOption {
	return func(c *Client) {
		c.shardManagerConfig.Identify = props
	}
}

// WithHandlerPool overrides the worker pool used to execute event
// handlers. Useful to tune concurrency limits or share a pool across
// multiple clients.
func WithHandlerPool(pool WorkerPool) clientOption {
	if pool == nil {
		log.Fatal("WithHandlerPool: pool must not be nil")
	}
	return func(c *Client) {
		c.pool = pool
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a Client from the given options.
//
// Defaults:
//   - Logger: text logger on stdout at Info level.
//   - Intents: Guilds | GuildMessages | GuildMembers.
//   - Compression: enabled.
//   - Handler pool: NewDefaultWorkerPool defaults.
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		useCompression: true,
	}

	for _, option := range options {
		option(client)
	}

	if client.requesterConfig.Token == "" {
		client.requesterConfig.Token = client.token
	}
	if client.pool == nil {
		client.pool = NewDefaultWorkerPool(client.Logger)
	}

	client.requester = newRequester(client.requesterConfig, client.Logger)
	client.events = newEventRouter(client.Logger, client.pool)
	return client
}

/*****************************
 *   Event registration
 *****************************/

// OnRaw registers a handler invoked for every Gateway dispatch on every
// shard, undecoded beyond the outer envelope.
func (c *Client) OnRaw(h RawHandler) {
	c.events.OnRaw(h)
}

// OnClientEvent registers a handler for one named Gateway event, decoding
// its payload into T. Use the Event* constants for well-known events, or
// any other event name the platform may send.
func OnClientEvent[T any](c *Client, eventName string, h func(shardID int, event T)) {
	OnEvent(c.events, eventName, h)
}

/*****************************
 *       Start
 *****************************/

// Start fetches Gateway connection info, connects every configured shard,
// and blocks until ctx (passed to New) is cancelled.
//
// If ctx is context.Background(), Start blocks forever. Shutdown does not
// cancel ctx, so calling it from another goroutine does not make Start
// return.
func (c *Client) Start() error {
	res := c.requester.FetchGatewayBot()
	if res.IsErr() {
		return res.Err()
	}
	gatewayBotData := res.Value()

	if c.identifyLimiter == nil {
		c.identifyLimiter = NewDefaultShardsRateLimiter(gatewayBotData.SessionStartLimit.MaxConcurrency, 5*time.Second)
	}

	if c.shardManagerConfig.Identify.OS == "" {
		c.shardManagerConfig.Identify.OS = runtime.GOOS
	}
	if c.shardManagerConfig.Identify.Browser == "" {
		c.shardManagerConfig.Identify.Browser = "dwaz"
	}
	if c.shardManagerConfig.Identify.Device == "" {
		c.shardManagerConfig.Identify.Device = "dwaz"
	}
	c.shardManagerConfig.UseCompression = c.useCompression

	totalShards := gatewayBotData.Shards
	if c.shardManagerConfig.TotalShards > 0 {
		totalShards = c.shardManagerConfig.TotalShards
	}

	c.shardManager = newShardManager(
		c.shardManagerConfig,
		c.token,
		c.intents,
		c.Logger,
		c.identifyLimiter,
		c.events.dispatch,
	)

	if err := c.shardManager.Start(c.ctx, totalShards); err != nil {
		return err
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("error", err).Error("client shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

// Shards returns the fleet's per-shard status snapshot.
func (c *Client) Shards() []ShardStatus {
	if c.shardManager == nil {
		return nil
	}
	return c.shardManager.Status()
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown closes the REST engine's idle connections and every managed
// shard's Gateway connection.
func (c *Client) Shutdown() {
	c.Logger.Info("client shutting down")
	if c.requester != nil {
		c.requester.Shutdown()
	}
	if c.shardManager != nil {
		c.shardManager.Shutdown()
		c.shardManager = nil
	}
	if c.pool != nil {
		c.pool.Shutdown()
	}
}
