// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/fca-bridge/pkg/relay"
)

type executeCall struct {
	webhookID string
	token     string
	params    *discordgo.WebhookParams
	fileData  []string
}

type sendCall struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu         sync.Mutex
	executes   []executeCall
	sends      []sendCall
	existing   []*discordgo.Webhook
	listCalls  int
	created    int
	listErr    error
	executeErr error
	sendErr    error
	listDelay  time.Duration
	nextID     int
}

func (m *mockSession) WebhookExecute(webhookID, token string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	call := executeCall{webhookID: webhookID, token: token, params: data}
	for _, f := range data.Files {
		b, _ := io.ReadAll(f.Reader)
		call.fileData = append(call.fileData, string(b))
	}
	m.executes = append(m.executes, call)
	m.nextID++
	return &discordgo.Message{
		ID:     "wh-" + strconv.Itoa(m.nextID),
		Author: &discordgo.User{ID: webhookID, Bot: true},
	}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sends = append(m.sends, sendCall{channelID: channelID, data: data})
	m.nextID++
	return &discordgo.Message{
		ID:        "bot-" + strconv.Itoa(m.nextID),
		ChannelID: channelID,
		GuildID:   "guild-1",
		Author:    &discordgo.User{ID: "bot-user", Bot: true},
	}, nil
}

func (m *mockSession) ChannelWebhooks(channelID string, _ ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	if m.listDelay > 0 {
		time.Sleep(m.listDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.existing, nil
}

func (m *mockSession) WebhookCreate(channelID, name, _ string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return &discordgo.Webhook{
		ID:        "hook-" + channelID,
		ChannelID: channelID,
		Name:      name,
		Token:     "secret",
	}, nil
}

type mockRouter struct {
	mu      sync.Mutex
	events  []*relay.InboundMessage
	panicOn string
}

func (r *mockRouter) OnInboundEvent(_ context.Context, _ relay.Platform, msg *relay.InboundMessage) {
	if r.panicOn != "" && msg.MessageID == r.panicOn {
		panic("router failure")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

type mockGateway struct {
	mu       sync.Mutex
	handlers []any
	removed  int
	opens    int
	opened   bool
	closed   bool
	// openErrs are returned by successive Open calls; once exhausted, Open
	// succeeds.
	openErrs []error
}

func (g *mockGateway) AddHandler(h any) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.removed++
	}
}

func (g *mockGateway) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opens++
	if len(g.openErrs) > 0 {
		err := g.openErrs[0]
		g.openErrs = g.openErrs[1:]
		return err
	}
	g.opened = true
	return nil
}

func (g *mockGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func restError(code int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: code, Status: strconv.Itoa(code)}}
}
