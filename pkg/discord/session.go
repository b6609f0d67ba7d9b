// Copyright 2024-2026 Aiku AI

// Package discord bridges Discord channels through a gateway bot and
// per-channel webhooks.
package discord

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// NewSession creates a bot session. Events are dispatched synchronously so a
// channel's messages are relayed in the order they were posted, and the
// library's own REST retries are disabled in favour of the relay's.
func NewSession(token string, client *http.Client, log zerolog.Logger) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + strings.TrimPrefix(token, "Bot "))
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if client != nil {
		s.Client = client
	}
	s.SyncEvents = true
	s.MaxRestRetries = 0
	s.ShouldRetryOnRateLimit = false
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	dlog := log.With().Str("component", "discordgo").Logger()
	discordgo.Logger = func(msgL, _ int, format string, a ...any) {
		var evt *zerolog.Event
		switch msgL {
		case discordgo.LogError:
			evt = dlog.Error()
		case discordgo.LogWarning:
			evt = dlog.Warn()
		case discordgo.LogInformational:
			evt = dlog.Debug()
		default:
			evt = dlog.Trace()
		}
		evt.Msgf(format, a...)
	}
	return s, nil
}
