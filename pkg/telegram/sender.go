// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/connector/discordfmt"
	"github.com/aiku/fca-bridge/pkg/relay"
)

const (
	maxMessageRunes = 4096
	maxCaptionRunes = 1024
)

// botAPI is the part of the Bot API client used for sending.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender posts delivery targets to Telegram chats as the bridge bot.
type Sender struct {
	bot botAPI
	log zerolog.Logger
}

var _ relay.Sender = (*Sender)(nil)

// NewSender creates a sender on top of a logged-in bot.
func NewSender(bot botAPI, log zerolog.Logger) *Sender {
	return &Sender{
		bot: bot,
		log: log.With().Str("component", "telegram_sender").Logger(),
	}
}

func (s *Sender) Platform() relay.Platform {
	return relay.Telegram
}

// Send posts the prefixed text, then each file as a photo or document. Telegram has
// no per-message identity, so the author is carried in the text or, for a
// file-only message, in the first caption.
func (s *Sender) Send(ctx context.Context, target *relay.DeliveryTarget) (*relay.SendResult, error) {
	chatID, err := strconv.ParseInt(target.ChannelID, 10, 64)
	if err != nil {
		return nil, relay.Permanent(fmt.Errorf("invalid telegram chat id %q: %w", target.ChannelID, err))
	}
	replyTo := 0
	if target.ReplyTo != nil {
		replyTo, _ = strconv.Atoi(target.ReplyTo.MessageID)
	}
	text := discordfmt.Truncate(discordfmt.ToPlain(target.PrefixedContent), maxMessageRunes)

	var first *tgbotapi.Message
	if text != "" {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyToMessageID = replyTo
		sent, err := s.bot.Send(msg)
		if err != nil {
			return nil, classifyError(err)
		}
		first = &sent
	}
	for i, f := range target.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var caption string
		fileReplyTo := 0
		if first == nil {
			fileReplyTo = replyTo
			if i == 0 && !target.System && target.DisplayName != "" {
				caption = discordfmt.Truncate(target.DisplayName, maxCaptionRunes)
			}
		}
		sent, err := s.bot.Send(fileMessage(chatID, f, caption, fileReplyTo))
		if err != nil {
			if first != nil {
				// The text already went out, so retrying would duplicate it.
				s.log.Warn().Err(err).Str("file", f.Name).Int64("chat_id", chatID).Msg("Failed to send file")
				continue
			}
			return nil, classifyError(err)
		}
		if first == nil {
			first = &sent
		}
	}
	if first == nil {
		return nil, nil
	}
	res := &relay.SendResult{
		MessageID: strconv.Itoa(first.MessageID),
		ChannelID: target.ChannelID,
	}
	if first.From != nil {
		res.AuthorID = strconv.FormatInt(first.From.ID, 10)
	}
	return res, nil
}

// photoExtensions are the formats sendPhoto renders inline.
var photoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

func fileMessage(chatID int64, f relay.File, caption string, replyTo int) tgbotapi.Chattable {
	data := tgbotapi.FileBytes{Name: f.Name, Bytes: f.Data}
	if photoExtensions[strings.ToLower(path.Ext(f.Name))] {
		photo := tgbotapi.NewPhoto(chatID, data)
		photo.Caption = caption
		photo.ReplyToMessageID = replyTo
		return photo
	}
	doc := tgbotapi.NewDocument(chatID, data)
	doc.Caption = caption
	doc.ReplyToMessageID = replyTo
	return doc
}

// classifyError maps Bot API failures onto the retry policy: flood control
// waits for the advertised delay and other client errors are not retried.
func classifyError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.RetryAfter > 0:
		return &relay.RetryAfterError{Err: err, After: time.Duration(apiErr.RetryAfter) * time.Second}
	case apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests:
		return relay.Permanent(err)
	default:
		return err
	}
}
