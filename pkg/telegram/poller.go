// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/relay"
)

// HistoryFetcher is the archive the poller reads from.
type HistoryFetcher interface {
	History(ctx context.Context, chatID int64) (*HistoryBatch, error)
	MediaURL(chatID, messageID int64) string
}

// ProcessedStore records which archive messages were already routed.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, chatID, messageID int64) (bool, error)
	MarkProcessed(ctx context.Context, chatID, messageID int64) error
}

// Router receives every accepted message.
type Router interface {
	OnInboundEvent(ctx context.Context, origin relay.Platform, msg *relay.InboundMessage)
}

// PollerConfig holds the poller timing and filtering settings.
type PollerConfig struct {
	Warmup   time.Duration
	Interval time.Duration
	// Blocked usernames are compared case-insensitively.
	Blocked           []string
	AvatarURLTemplate string
}

// Poller periodically reads the history of every bridged Telegram chat and
// routes new messages oldest first. A message is marked processed once
// routing returns, whatever the per-destination outcome, so delivery is at
// least once.
type Poller struct {
	fetcher  HistoryFetcher
	store    ProcessedStore
	router   Router
	mappings []*config.BridgeMapping
	blocked  map[string]struct{}
	cfg      PollerConfig
	log      zerolog.Logger
}

// NewPoller creates a poller for the Telegram chats of mappings.
func NewPoller(fetcher HistoryFetcher, st ProcessedStore, router Router, mappings []*config.BridgeMapping, cfg PollerConfig, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	blocked := make(map[string]struct{}, len(cfg.Blocked))
	for _, name := range cfg.Blocked {
		blocked[strings.ToLower(strings.TrimPrefix(name, "@"))] = struct{}{}
	}
	return &Poller{
		fetcher:  fetcher,
		store:    st,
		router:   router,
		mappings: mappings,
		blocked:  blocked,
		cfg:      cfg,
		log:      log.With().Str("component", "telegram_poller").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if !sleepCtx(ctx, p.cfg.Warmup) {
		return nil
	}
	p.log.Info().Dur("interval", p.cfg.Interval).Msg("Starting history polling")
	for cycle := 1; ; cycle++ {
		p.PollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.log.Trace().Int("cycle", cycle).Msg("Poll cycle completed")
		if !sleepCtx(ctx, p.cfg.Interval) {
			p.log.Info().Msg("History polling stopped")
			return nil
		}
	}
}

// PollOnce runs a single cycle over every mapping and chat.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, m := range p.mappings {
		if ctx.Err() != nil {
			return
		}
		p.pollMapping(ctx, m)
	}
}

func (p *Poller) pollMapping(ctx context.Context, m *config.BridgeMapping) {
	log := p.log.With().Str("bridge", m.Name).Logger()
	defer recoverTo(log, "mapping")
	for _, chatID := range m.TelegramChatID {
		if ctx.Err() != nil {
			return
		}
		p.pollChat(ctx, chatID, log)
	}
}

func (p *Poller) pollChat(ctx context.Context, chatID int64, log zerolog.Logger) {
	log = log.With().Int64("chat_id", chatID).Logger()
	defer recoverTo(log, "chat")
	batch, err := p.fetcher.History(ctx, chatID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to fetch chat history")
		}
		return
	}
	for i := len(batch.Messages) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		p.processMessage(ctx, chatID, &batch.Messages[i], batch, log)
	}
}

func (p *Poller) processMessage(ctx context.Context, chatID int64, msg *ArchiveMessage, batch *HistoryBatch, log zerolog.Logger) {
	log = log.With().Int64("message_id", msg.ID).Logger()
	defer recoverTo(log, "message")

	switch {
	case msg.ID == 0:
		log.Trace().Msg("Skipping message without ID")
		return
	case msg.IsService():
		log.Trace().Msg("Skipping service message")
		return
	case msg.Text == "" && !msg.HasMedia:
		log.Trace().Msg("Skipping empty message")
		return
	case msg.FromID < 0:
		log.Trace().Int64("from_id", msg.FromID).Msg("Skipping channel-authored message")
		return
	}
	sender := batch.User(msg.FromID)
	if sender != nil && sender.IsBot {
		log.Debug().Int64("from_id", msg.FromID).Msg("Skipping bot message (echo prevention)")
		return
	}

	done, err := p.store.IsProcessed(ctx, chatID, msg.ID)
	if err != nil {
		log.Err(err).Msg("Failed to check processed state")
		return
	}
	if done {
		return
	}

	if sender != nil && p.isBlocked(sender.Username) {
		log.Debug().Str("username", sender.Username).Msg("Skipping message from blocked user")
		p.markProcessed(ctx, chatID, msg.ID, log)
		return
	}

	p.router.OnInboundEvent(ctx, relay.Telegram, p.toInbound(chatID, msg, sender))
	if ctx.Err() != nil {
		log.Debug().Msg("Routing interrupted, message will be retried")
		return
	}
	p.markProcessed(ctx, chatID, msg.ID, log)
}

func (p *Poller) markProcessed(ctx context.Context, chatID, messageID int64, log zerolog.Logger) {
	if err := p.store.MarkProcessed(ctx, chatID, messageID); err != nil {
		log.Err(err).Msg("Failed to mark message as processed")
	}
}

func (p *Poller) isBlocked(username string) bool {
	if username == "" {
		return false
	}
	_, ok := p.blocked[strings.ToLower(username)]
	return ok
}

func (p *Poller) toInbound(chatID int64, msg *ArchiveMessage, sender *ArchiveUser) *relay.InboundMessage {
	in := &relay.InboundMessage{
		Platform:  relay.Telegram,
		ChatID:    strconv.FormatInt(chatID, 10),
		MessageID: strconv.FormatInt(msg.ID, 10),
		Text:      msg.Text,
		Kind:      relay.KindMessage,
	}
	switch {
	case sender != nil:
		in.SenderName = sender.Name
		in.SenderUsername = sender.Username
	case msg.FromID != 0:
		in.SenderName = "User_" + strconv.FormatInt(msg.FromID, 10)
	default:
		in.SenderName = "Unknown"
	}
	if msg.FromID != 0 {
		in.SenderID = strconv.FormatInt(msg.FromID, 10)
	}
	if in.SenderUsername != "" && p.cfg.AvatarURLTemplate != "" {
		in.AvatarURL = fmt.Sprintf(p.cfg.AvatarURLTemplate, in.SenderUsername)
	}
	if msg.ReplyToID != 0 {
		in.ReplyToID = strconv.FormatInt(msg.ReplyToID, 10)
	}
	if msg.HasMedia {
		in.Attachments = []relay.AttachmentRef{{
			URL:      p.fetcher.MediaURL(chatID, msg.ID),
			Filename: msg.Filename,
		}}
	}
	return in
}

func recoverTo(log zerolog.Logger, scope string) {
	if err := recover(); err != nil {
		log.Error().
			Str("scope", scope).
			Any("panic", err).
			Msg("Recovered from panic while polling")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
