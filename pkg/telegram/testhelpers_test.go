// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/relay"
)

type mockFetcher struct {
	mu      sync.Mutex
	batches map[int64]*HistoryBatch
	errs    map[int64]error
	calls   int
}

func (f *mockFetcher) History(_ context.Context, chatID int64) (*HistoryBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[chatID]; err != nil {
		return nil, err
	}
	if b := f.batches[chatID]; b != nil {
		return b, nil
	}
	return &HistoryBatch{}, nil
}

func (f *mockFetcher) MediaURL(chatID, messageID int64) string {
	return fmt.Sprintf("https://archive.test/api/getMedia?peer=%d&id=%d", chatID, messageID)
}

type processedKey struct {
	chat, msg int64
}

type mockStore struct {
	mu     sync.Mutex
	marked map[processedKey]bool
	order  []int64
}

func newMockStore() *mockStore {
	return &mockStore{marked: make(map[processedKey]bool)}
}

func (s *mockStore) IsProcessed(_ context.Context, chatID, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[processedKey{chatID, messageID}], nil
}

func (s *mockStore) MarkProcessed(_ context.Context, chatID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := processedKey{chatID, messageID}
	if !s.marked[key] {
		s.order = append(s.order, messageID)
	}
	s.marked[key] = true
	return nil
}

func (s *mockStore) isMarked(chatID, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[processedKey{chatID, messageID}]
}

// mockRouter records routed messages. onEvent runs before recording.
type mockRouter struct {
	mu      sync.Mutex
	events  []*relay.InboundMessage
	onEvent func(msg *relay.InboundMessage)
}

func (r *mockRouter) OnInboundEvent(_ context.Context, origin relay.Platform, msg *relay.InboundMessage) {
	if origin != relay.Telegram {
		panic("unexpected origin " + origin)
	}
	if r.onEvent != nil {
		r.onEvent(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

func (r *mockRouter) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Text
	}
	return out
}

type mockBot struct {
	mu     sync.Mutex
	sent   []tgbotapi.Chattable
	errs   []error
	nextID int
}

func (b *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	b.sent = append(b.sent, c)
	b.nextID++
	return tgbotapi.Message{MessageID: 500 + b.nextID, From: &tgbotapi.User{ID: 77, IsBot: true}}, nil
}

type mockUpdates struct {
	ch      chan tgbotapi.Update
	cfg     tgbotapi.UpdateConfig
	stopped bool
	mu      sync.Mutex
}

func (m *mockUpdates) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	m.cfg = cfg
	return m.ch
}

func (m *mockUpdates) StopReceivingUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

const testChat int64 = -1001234567890

func testMappings() []*config.BridgeMapping {
	return []*config.BridgeMapping{{
		Enabled:        true,
		Name:           "general",
		DiscordWebhook: map[string]string{"100": ""},
		TelegramChatID: []int64{testChat},
	}}
}

// newestFirst builds a batch in archive order from oldest-first messages.
func newestFirst(users []*ArchiveUser, oldestFirst ...ArchiveMessage) *HistoryBatch {
	b := &HistoryBatch{Users: make(map[int64]*ArchiveUser)}
	for _, u := range users {
		b.Users[u.ID] = u
	}
	for i := len(oldestFirst) - 1; i >= 0; i-- {
		b.Messages = append(b.Messages, oldestFirst[i])
	}
	return b
}
