// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/store"
)

// mockSender records targets and returns canned results.
type mockSender struct {
	platform Platform

	mu      sync.Mutex
	targets []*DeliveryTarget
	// errs are returned by successive calls; once exhausted, calls succeed.
	errs   []error
	failOn map[string]error
	nextID int
}

func newMockSender(p Platform) *mockSender {
	return &mockSender{platform: p}
}

func (m *mockSender) Platform() Platform { return m.platform }

func (m *mockSender) Send(_ context.Context, t *DeliveryTarget) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, t)
	if err := m.failOn[t.ChannelID]; err != nil {
		return nil, err
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.nextID++
	return &SendResult{
		MessageID: string(m.platform) + "-msg-" + strconv.Itoa(m.nextID),
		ChannelID: t.ChannelID,
		GuildID:   "guild-" + string(m.platform),
	}, nil
}

func (m *mockSender) Targets() []*DeliveryTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*DeliveryTarget, len(m.targets))
	copy(cp, m.targets)
	return cp
}

func (m *mockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// panicSender fails every send with a runtime panic.
type panicSender struct {
	platform Platform
	links    map[string]string
}

func (p *panicSender) Platform() Platform { return p.platform }

func (p *panicSender) Send(_ context.Context, t *DeliveryTarget) (*SendResult, error) {
	p.links[t.ChannelID] = t.Content
	return nil, nil
}

// mockStore is an in-memory identity link store.
type mockStore struct {
	mu    sync.Mutex
	links []*store.IdentityLink
	err   error
}

func (m *mockStore) LinkIdentity(_ context.Context, link *store.IdentityLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *link
	m.links = append(m.links, &cp)
	return nil
}

func (m *mockStore) LinkedMessages(_ context.Context, platform, channelID, msgID string) ([]*store.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*store.IdentityLink
	for _, l := range m.links {
		if (l.OriginPlatform == platform && l.OriginChannelID == channelID && l.OriginMsgID == msgID) ||
			(l.DestPlatform == platform && l.DestChannelID == channelID && l.DestMsgID == msgID) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) Links() []*store.IdentityLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.IdentityLink, len(m.links))
	copy(cp, m.links)
	return cp
}

// mockMedia returns fixed files and notices.
type mockMedia struct {
	files   []File
	notices []string
	calls   int
}

func (m *mockMedia) Fetch(_ context.Context, _ Platform, _ []AttachmentRef) ([]File, []string) {
	m.calls++
	return m.files, m.notices
}

var errSendFailed = errors.New("send failed")

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// testBridge has one channel on every platform.
func testBridge() []config.BridgeMapping {
	return []config.BridgeMapping{{
		Enabled:        true,
		Name:           "main",
		DiscordWebhook: map[string]string{"100": "https://discord.com/api/webhooks/1/tok"},
		TelegramChatID: []int64{200},
		FluxerWebhook:  map[string]string{"300": ""},
	}}
}

type testEngine struct {
	*Engine
	discord  *mockSender
	telegram *mockSender
	fluxer   *mockSender
	store    *mockStore
	guard    *LoopGuard
}

func newTestEngine(bridges []config.BridgeMapping, opts ...EngineOption) *testEngine {
	te := &testEngine{
		discord:  newMockSender(Discord),
		telegram: newMockSender(Telegram),
		fluxer:   newMockSender(Fluxer),
		store:    &mockStore{},
		guard:    NewLoopGuard(),
	}
	te.Engine = NewEngine(NewResolver(bridges), te.store, te.guard, testLogger(), opts...)
	te.RegisterSender(te.discord)
	te.RegisterSender(te.telegram)
	te.RegisterSender(te.fluxer)
	return te
}

func (te *testEngine) totalCalls() int {
	return te.discord.Calls() + te.telegram.Calls() + te.fluxer.Calls()
}
