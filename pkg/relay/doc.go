// Copyright 2024-2026 Aiku AI

// Package relay routes inbound chat events between Discord, Telegram and
// Fluxer.
//
// Every platform adapter normalises its events into an [InboundMessage] and
// hands them to [Engine.OnInboundEvent]. The engine resolves the bridge
// mapping the origin channel belongs to, fetches media, correlates replies
// and builds one [DeliveryTarget] per destination channel on every other
// platform. Targets are sent concurrently through the registered [Sender]s;
// a failure on one destination never affects the others.
//
// # Loop Prevention
//
// Relayed messages appear as new messages on the destination platforms, so
// the engine drops anything the bridge itself produced before routing. Layers
// are checked in order: the bridge bot's own user ID on the origin platform,
// webhooks the bridge owns in the origin channel ([LoopGuard]), bot authors
// (unless relaying bots is enabled) and platform service events. These layers
// must not be simplified or removed.
//
// # Retries
//
// Delivery retries happen only at the sender boundary, through
// [RetryingSender]. The engine itself never retries.
package relay
