// Copyright 2024-2026 Aiku AI

// Package connector assembles the bridge: it opens the state store, builds
// the relay engine and starts one listener per enabled platform.
//
// # Core Types
//
// [Connector] owns the platform clients and supervises the listeners. A
// failing listener stops the whole bridge so a supervisor can restart it.
//
// # Echo Prevention
//
// Every webhook listed in the config is registered with the loop guard when
// the connector is created, and each platform records its bot user ID as it
// logs in. Webhooks the Discord sender provisions itself are registered as
// they are created. These layers must not be simplified or removed.
//
// # Sub-packages
//
//   - discordfmt converts Discord markup to plain text for Telegram.
package connector
