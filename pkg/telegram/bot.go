// Copyright 2024-2026 Aiku AI

// Package telegram bridges Telegram chats. Messages are read by polling an
// archive endpoint; the Bot API is used for sending and for membership
// updates.
package telegram

import (
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// NewBot logs in to the Bot API and routes its internal logging to log.
func NewBot(token string, client *http.Client, log zerolog.Logger) (*tgbotapi.BotAPI, error) {
	_ = tgbotapi.SetLogger(botLogger{log: log.With().Str("component", "telegram_bot").Logger()})
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to log in to telegram: %w", err)
	}
	return bot, nil
}

type botLogger struct {
	log zerolog.Logger
}

func (l botLogger) Println(v ...any) {
	l.log.Debug().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l botLogger) Printf(format string, v ...any) {
	l.log.Debug().Msgf(format, v...)
}
