// Copyright 2024-2026 Aiku AI

package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/fca-bridge/pkg/connector/discordfmt"
	"github.com/aiku/fca-bridge/pkg/relay"
)

const (
	maxContentRunes  = 2000
	maxFiles         = 10
	maxUsernameRunes = 80
)

// session is the part of *discordgo.Session used for sending.
type session interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
}

type webhook struct {
	ID    string
	Token string
}

// Sender posts to Discord channels through a webhook so the message shows
// the original author, falling back to a plain bot message.
type Sender struct {
	session     session
	guard       *relay.LoopGuard
	guildID     string
	webhookName string

	hooksLock sync.RWMutex
	hooks     map[string]*webhook
	provision singleflight.Group

	log zerolog.Logger
}

var _ relay.Sender = (*Sender)(nil)

// NewSender creates a sender that provisions webhooks named webhookName when
// a channel has none configured.
func NewSender(s session, guard *relay.LoopGuard, guildID, webhookName string, log zerolog.Logger) *Sender {
	if webhookName == "" {
		webhookName = "FCA Relay"
	}
	return &Sender{
		session:     s,
		guard:       guard,
		guildID:     guildID,
		webhookName: webhookName,
		hooks:       make(map[string]*webhook),
		log:         log.With().Str("component", "discord_sender").Logger(),
	}
}

func (s *Sender) Platform() relay.Platform {
	return relay.Discord
}

func (s *Sender) Send(ctx context.Context, target *relay.DeliveryTarget) (*relay.SendResult, error) {
	log := s.log.With().Str("channel_id", target.ChannelID).Logger()
	if len(target.Files) > maxFiles {
		log.Warn().Int("count", len(target.Files)).Msg("Too many files, sending the first ones only")
	}

	hook, err := s.webhookFor(ctx, target.ChannelID, target.Webhook)
	if err == nil {
		msg, err := s.session.WebhookExecute(hook.ID, hook.Token, true, &discordgo.WebhookParams{
			Content:         discordfmt.Truncate(target.Content, maxContentRunes),
			Username:        webhookUsername(target.DisplayName),
			AvatarURL:       target.AvatarURL,
			Files:           toFiles(target.Files),
			AllowedMentions: allowedMentions(),
		}, discordgo.WithContext(ctx))
		if err == nil {
			return s.result(msg, target.ChannelID), nil
		}
		if isStatus(err, http.StatusNotFound) {
			s.forgetWebhook(target.ChannelID)
		}
		log.Warn().Err(err).Msg("Webhook send failed, falling back to bot message")
	} else {
		log.Debug().Err(err).Msg("No usable webhook, sending as bot")
	}

	data := &discordgo.MessageSend{
		Content:         discordfmt.Truncate(target.PrefixedContent, maxContentRunes),
		Files:           toFiles(target.Files),
		AllowedMentions: allowedMentions(),
	}
	if ref := target.ReplyTo; ref != nil && ref.ChannelID == target.ChannelID {
		failIfMissing := false
		data.Reference = &discordgo.MessageReference{
			MessageID:       ref.MessageID,
			ChannelID:       ref.ChannelID,
			GuildID:         ref.GuildID,
			FailIfNotExists: &failIfMissing,
		}
	}
	if data.Content == "" && len(data.Files) == 0 {
		return nil, nil
	}
	msg, err := s.session.ChannelMessageSendComplex(target.ChannelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyError(err)
	}
	return s.result(msg, target.ChannelID), nil
}

func (s *Sender) result(msg *discordgo.Message, channelID string) *relay.SendResult {
	if msg == nil {
		return nil
	}
	res := &relay.SendResult{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
	}
	if res.ChannelID == "" {
		res.ChannelID = channelID
	}
	if res.GuildID == "" {
		res.GuildID = s.guildID
	}
	if msg.Author != nil {
		res.AuthorID = msg.Author.ID
	}
	return res
}

// webhookFor returns the configured webhook of a channel or the one the
// bridge provisioned for it. Concurrent first sends to a channel share a
// single provisioning call.
func (s *Sender) webhookFor(ctx context.Context, channelID, configured string) (*webhook, error) {
	if configured != "" {
		id, token, err := relay.ParseWebhookURL(configured)
		if err != nil {
			return nil, fmt.Errorf("configured webhook for %s: %w", channelID, err)
		}
		return &webhook{ID: id, Token: token}, nil
	}
	s.hooksLock.RLock()
	hook, ok := s.hooks[channelID]
	s.hooksLock.RUnlock()
	if ok {
		return hook, nil
	}
	v, err, _ := s.provision.Do(channelID, func() (any, error) {
		s.hooksLock.RLock()
		hook, ok := s.hooks[channelID]
		s.hooksLock.RUnlock()
		if ok {
			return hook, nil
		}
		hook, err := s.provisionWebhook(ctx, channelID)
		if err != nil {
			return nil, err
		}
		s.hooksLock.Lock()
		s.hooks[channelID] = hook
		s.hooksLock.Unlock()
		s.guard.RememberWebhook(relay.Discord, channelID, hook.ID)
		return hook, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*webhook), nil
}

func (s *Sender) provisionWebhook(ctx context.Context, channelID string) (*webhook, error) {
	existing, err := s.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	for _, w := range existing {
		if w.Name == s.webhookName && w.Token != "" {
			s.log.Debug().Str("channel_id", channelID).Str("webhook_id", w.ID).Msg("Reusing existing webhook")
			return &webhook{ID: w.ID, Token: w.Token}, nil
		}
	}
	created, err := s.session.WebhookCreate(channelID, s.webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	s.log.Info().Str("channel_id", channelID).Str("webhook_id", created.ID).Msg("Created webhook")
	return &webhook{ID: created.ID, Token: created.Token}, nil
}

func (s *Sender) forgetWebhook(channelID string) {
	s.hooksLock.Lock()
	delete(s.hooks, channelID)
	s.hooksLock.Unlock()
}

func toFiles(files []relay.File) []*discordgo.File {
	if len(files) > maxFiles {
		files = files[:maxFiles]
	}
	out := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		out = append(out, &discordgo.File{Name: f.Name, Reader: bytes.NewReader(f.Data)})
	}
	return out
}

func allowedMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
	}
}

func webhookUsername(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Relay"
	}
	return discordfmt.Truncate(name, maxUsernameRunes)
}

func isStatus(err error, code int) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == code
}

// classifyError maps REST failures onto the retry policy.
func classifyError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &relay.RetryAfterError{Err: err, After: rl.RetryAfter}
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return relay.Permanent(err)
		}
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return relay.Permanent(err)
	}
	return err
}
