// Copyright 2024-2026 Aiku AI

package relay

import (
	"strconv"

	"github.com/aiku/fca-bridge/pkg/config"
)

// Resolver maps platform-native channel IDs to bridge mappings. It only ever
// sees enabled bridges and is read-only after construction.
type Resolver struct {
	bridges []*config.BridgeMapping
}

// NewResolver keeps the enabled mappings in config order.
func NewResolver(bridges []config.BridgeMapping) *Resolver {
	r := &Resolver{bridges: make([]*config.BridgeMapping, 0, len(bridges))}
	for i := range bridges {
		if bridges[i].Enabled {
			r.bridges = append(r.bridges, &bridges[i])
		}
	}
	return r
}

// Resolve returns the first mapping containing nativeID on the platform.
func (r *Resolver) Resolve(platform Platform, nativeID string) (*config.BridgeMapping, bool) {
	for _, b := range r.bridges {
		if hasMember(b, platform, nativeID) {
			return b, true
		}
	}
	return nil, false
}

// ResolveGuild returns every mapping with at least one channel on the
// platform. Member events on guild-based platforms apply to all of them.
func (r *Resolver) ResolveGuild(platform Platform) []*config.BridgeMapping {
	var out []*config.BridgeMapping
	for _, b := range r.bridges {
		if len(Members(b, platform)) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// Mappings returns every enabled mapping.
func (r *Resolver) Mappings() []*config.BridgeMapping {
	return r.bridges
}

func hasMember(b *config.BridgeMapping, platform Platform, nativeID string) bool {
	switch platform {
	case Discord:
		_, ok := b.DiscordWebhook[nativeID]
		return ok
	case Fluxer:
		_, ok := b.FluxerWebhook[nativeID]
		return ok
	case Telegram:
		chatID, err := strconv.ParseInt(nativeID, 10, 64)
		return err == nil && b.HasTelegramChat(chatID)
	default:
		return false
	}
}

// Members returns the mapping's channel IDs on the platform in a stable order.
func Members(b *config.BridgeMapping, platform Platform) []string {
	switch platform {
	case Discord:
		return b.DiscordChannels()
	case Fluxer:
		return b.FluxerChannels()
	case Telegram:
		ids := make([]string, len(b.TelegramChatID))
		for i, id := range b.TelegramChatID {
			ids[i] = strconv.FormatInt(id, 10)
		}
		return ids
	default:
		return nil
	}
}

// webhookFor returns the configured webhook URL for a channel.
func webhookFor(b *config.BridgeMapping, platform Platform, channelID string) string {
	switch platform {
	case Discord:
		return b.DiscordWebhook[channelID]
	case Fluxer:
		return b.FluxerWebhook[channelID]
	default:
		return ""
	}
}
