// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/relay"
)

// Router receives inbound events.
type Router interface {
	OnInboundEvent(ctx context.Context, origin relay.Platform, msg *relay.InboundMessage)
}

type gateway interface {
	AddHandler(handler any) func()
	Open() error
	Close() error
}

// Listener turns gateway events of the configured guild into inbound
// events.
type Listener struct {
	gateway gateway
	router  Router
	guard   *relay.LoopGuard
	guildID string
	log     zerolog.Logger

	retryInterval time.Duration
}

// NewListener creates a listener for the given guild. An empty guildID
// accepts every guild the bot is in.
func NewListener(gw gateway, router Router, guard *relay.LoopGuard, guildID string, log zerolog.Logger) *Listener {
	return &Listener{
		gateway:       gw,
		router:        router,
		guard:         guard,
		guildID:       guildID,
		log:           log.With().Str("component", "discord_listener").Logger(),
		retryInterval: time.Second,
	}
}

// Run connects to the gateway and blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	handlers := []any{
		func(_ *discordgo.Session, r *discordgo.Ready) { l.handleReady(r) },
		func(_ *discordgo.Session, m *discordgo.MessageCreate) { l.handleMessage(ctx, m.Message) },
		func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) { l.handleMember(ctx, m.Member, relay.KindJoin) },
		func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) { l.handleMember(ctx, m.Member, relay.KindLeave) },
	}
	for _, h := range handlers {
		remove := l.gateway.AddHandler(h)
		defer remove()
	}
	if err := l.open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	<-ctx.Done()
	l.log.Info().Msg("Disconnecting from Discord")
	if err := l.gateway.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Failed to close discord session")
	}
	return nil
}

// open connects with exponential backoff. Only a rejected token is fatal.
func (l *Listener) open(ctx context.Context) error {
	retry := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.retryInterval),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	), ctx)
	return backoff.RetryNotify(func() error {
		err := l.gateway.Open()
		if isAuthFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		l.log.Warn().Err(err).Dur("retry_in", wait).Msg("Failed to connect to Discord, retrying")
	})
}

func isAuthFailure(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == 4004
	}
	return errors.Is(err, discordgo.ErrUnauthorized)
}

func (l *Listener) recoverEvent(kind string) {
	if p := recover(); p != nil {
		l.log.Error().Any("panic", p).Str("event", kind).Msg("Panic while handling Discord event")
	}
}

func (l *Listener) handleReady(r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	l.guard.SetBotUser(relay.Discord, r.User.ID)
	l.log.Info().
		Str("user_id", r.User.ID).
		Str("username", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("Connected to Discord")
}

func (l *Listener) handleMessage(ctx context.Context, m *discordgo.Message) {
	defer l.recoverEvent("message")
	evt := l.parseMessage(m)
	if evt == nil {
		return
	}
	l.router.OnInboundEvent(ctx, relay.Discord, evt)
}

func (l *Listener) handleMember(ctx context.Context, m *discordgo.Member, kind relay.EventKind) {
	defer l.recoverEvent(kind.String())
	evt := l.parseMember(m, kind)
	if evt == nil {
		return
	}
	l.router.OnInboundEvent(ctx, relay.Discord, evt)
}

// parseMessage returns nil for messages outside the bridged guild.
func (l *Listener) parseMessage(m *discordgo.Message) *relay.InboundMessage {
	if m == nil || m.Author == nil {
		return nil
	}
	if m.GuildID == "" || (l.guildID != "" && m.GuildID != l.guildID) {
		l.log.Trace().Str("channel_id", m.ChannelID).Msg("Ignoring message outside bridged guild")
		return nil
	}
	evt := &relay.InboundMessage{
		Platform:       relay.Discord,
		ChatID:         m.ChannelID,
		GuildID:        m.GuildID,
		MessageID:      m.ID,
		SenderID:       m.Author.ID,
		SenderName:     m.Author.DisplayName(),
		SenderUsername: m.Author.Username,
		AvatarURL:      m.Author.AvatarURL(""),
		Text:           m.Content,
		Kind:           relay.KindMessage,
		IsService:      m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply,
		FromBot:        m.Author.Bot,
		WebhookID:      m.WebhookID,
	}
	if m.Member != nil && m.Member.Nick != "" {
		evt.SenderName = m.Member.Nick
	}
	if m.Type == discordgo.MessageTypeReply && m.MessageReference != nil {
		evt.ReplyToID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		evt.Attachments = append(evt.Attachments, relay.AttachmentRef{
			URL:      a.URL,
			Filename: a.Filename,
			Size:     int64(a.Size),
		})
	}
	return evt
}

func (l *Listener) parseMember(m *discordgo.Member, kind relay.EventKind) *relay.InboundMessage {
	if m == nil || m.User == nil {
		return nil
	}
	if l.guildID != "" && m.GuildID != l.guildID {
		return nil
	}
	return &relay.InboundMessage{
		Platform:       relay.Discord,
		GuildID:        m.GuildID,
		SenderID:       m.User.ID,
		SenderName:     m.DisplayName(),
		SenderUsername: m.User.Username,
		FromBot:        m.User.Bot,
		Kind:           kind,
	}
}
