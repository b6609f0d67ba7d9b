// Copyright 2024-2026 Aiku AI

package relay

import (
	"sync"

	"go.mau.fi/util/exsync"
)

type webhookKey struct {
	platform  Platform
	channelID string
	webhookID string
}

// LoopGuard remembers the identities the bridge posts under, so that its own
// output is not routed again. It is safe for concurrent use.
type LoopGuard struct {
	mu       sync.RWMutex
	botUsers map[Platform]string
	webhooks *exsync.Set[webhookKey]
}

// NewLoopGuard returns an empty guard.
func NewLoopGuard() *LoopGuard {
	return &LoopGuard{
		botUsers: make(map[Platform]string),
		webhooks: exsync.NewSet[webhookKey](),
	}
}

// SetBotUser records the bridge bot's user ID on a platform, typically from
// the gateway READY event.
func (g *LoopGuard) SetBotUser(platform Platform, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botUsers[platform] = userID
}

// BotUser returns the recorded bot user ID for the platform.
func (g *LoopGuard) BotUser(platform Platform) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.botUsers[platform]
}

// IsOwnUser reports whether userID is the bridge bot on the platform.
func (g *LoopGuard) IsOwnUser(platform Platform, userID string) bool {
	if userID == "" {
		return false
	}
	return g.BotUser(platform) == userID
}

// RememberWebhook registers a webhook the bridge posts through in a channel.
func (g *LoopGuard) RememberWebhook(platform Platform, channelID, webhookID string) {
	if webhookID == "" {
		return
	}
	g.webhooks.Add(webhookKey{platform, channelID, webhookID})
}

// IsOwnWebhook reports whether the webhook was registered for the channel.
func (g *LoopGuard) IsOwnWebhook(platform Platform, channelID, webhookID string) bool {
	if webhookID == "" {
		return false
	}
	return g.webhooks.Has(webhookKey{platform, channelID, webhookID})
}
