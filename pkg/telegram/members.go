// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/relay"
)

type updateSource interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MemberListener long-polls the Bot API for join and leave service messages.
// Regular chat messages arrive through the archive poller instead.
type MemberListener struct {
	src    updateSource
	router Router
	log    zerolog.Logger
}

// NewMemberListener creates a listener for chat member updates.
func NewMemberListener(src updateSource, router Router, log zerolog.Logger) *MemberListener {
	return &MemberListener{
		src:    src,
		router: router,
		log:    log.With().Str("component", "telegram_members").Logger(),
	}
}

// Run consumes updates until ctx is cancelled.
func (l *MemberListener) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"message"}
	updates := l.src.GetUpdatesChan(cfg)
	l.log.Info().Msg("Listening for membership updates")
	for {
		select {
		case <-ctx.Done():
			l.src.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			for _, evt := range parseMemberEvents(&upd) {
				l.log.Debug().
					Str("chat_id", evt.ChatID).
					Str("kind", evt.Kind.String()).
					Str("user", evt.SenderName).
					Msg("Received membership update")
				l.router.OnInboundEvent(ctx, relay.Telegram, evt)
			}
		}
	}
}

// parseMemberEvents returns nil for updates that are not membership changes.
func parseMemberEvents(upd *tgbotapi.Update) []*relay.InboundMessage {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	var events []*relay.InboundMessage
	for i := range msg.NewChatMembers {
		events = append(events, memberEvent(chatID, &msg.NewChatMembers[i], relay.KindJoin))
	}
	if msg.LeftChatMember != nil {
		events = append(events, memberEvent(chatID, msg.LeftChatMember, relay.KindLeave))
	}
	return events
}

func memberEvent(chatID string, u *tgbotapi.User, kind relay.EventKind) *relay.InboundMessage {
	return &relay.InboundMessage{
		Platform:       relay.Telegram,
		ChatID:         chatID,
		SenderID:       strconv.FormatInt(u.ID, 10),
		SenderName:     userDisplayName(u),
		SenderUsername: u.UserName,
		FromBot:        u.IsBot,
		Kind:           kind,
	}
}

func userDisplayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		name = "User_" + strconv.FormatInt(u.ID, 10)
	}
	return name
}
