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

// Package dwaz is a client library for Discord-style chat platform gateways:
// a sharded, reconnecting WebSocket gateway session engine and a rate-limited,
// circuit-breaker-protected REST engine.
//
// The package deliberately does not model the underlying domain objects
// (users, guilds, channels, messages, ...). Callers receive raw dispatch
// payloads and decode them into their own types, or register typed handlers
// with their own unmarshal step via OnEvent.
package dwaz
