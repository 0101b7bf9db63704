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

// GatewayIntent is a bitfield of subscriptions a shard requests in its
// Identify payload, controlling which dispatch events the gateway sends it.
type GatewayIntent uint64

const (
	GatewayIntentGuilds GatewayIntent = 1 << iota
	GatewayIntentGuildMembers
	GatewayIntentGuildModeration
	GatewayIntentGuildEmojisAndStickers
	GatewayIntentGuildIntegrations
	GatewayIntentGuildWebhooks
	GatewayIntentGuildInvites
	GatewayIntentGuildVoiceStates
	GatewayIntentGuildPresences
	GatewayIntentGuildMessages
	GatewayIntentGuildMessageReactions
	GatewayIntentGuildMessageTyping
	GatewayIntentDirectMessages
	GatewayIntentDirectMessageReactions
	GatewayIntentDirectMessageTyping
	GatewayIntentMessageContent
	GatewayIntentGuildScheduledEvents
	_ // reserved
	_ // reserved
	_ // reserved
	GatewayIntentAutoModerationConfiguration
	GatewayIntentAutoModerationExecution
)

// Has reports whether all of the given intents are set.
func (g GatewayIntent) Has(intents ...GatewayIntent) bool {
	return BitMaskHas(g, intents...)
}

// Add returns g with the given intents added.
func (g GatewayIntent) Add(intents ...GatewayIntent) GatewayIntent {
	return BitMaskAdd(g, intents...)
}

// Remove returns g with the given intents cleared.
func (g GatewayIntent) Remove(intents ...GatewayIntent) GatewayIntent {
	return BitMaskRemove(g, intents...)
}
