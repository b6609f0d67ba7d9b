// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/fca-bridge/pkg/config"
)

// testConfig returns a config with Discord and Fluxer enabled and Telegram
// disabled, so no component needs network access to start.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.URI = "file:" + filepath.Join(t.TempDir(), "bridge.db") + "?_txlock=immediate"
	cfg.Telegram.Enabled = false
	cfg.Discord.Token = "discord-token"
	cfg.Discord.GuildID = "g-discord"
	cfg.Fluxer.GuildID = "g-fluxer"
	cfg.Donation.Enabled = false
	cfg.Bridges = []config.BridgeMapping{{
		Enabled:        true,
		Name:           "general",
		DiscordWebhook: map[string]string{"100": "https://discord.com/api/webhooks/555/tok", "101": ""},
		FluxerWebhook:  map[string]string{"300": "https://api.fluxer.app/v1/webhooks/777/tok", "301": "garbage"},
	}}
	return cfg
}

func newTestConnector(t *testing.T, cfg *config.Config) *Connector {
	t.Helper()
	c, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// mockRunner blocks until cancelled unless err or panicValue is set.
type mockRunner struct {
	err        error
	panicValue any
	started    atomic.Bool
	stopped    atomic.Bool
}

func (r *mockRunner) Run(ctx context.Context) error {
	r.started.Store(true)
	if r.panicValue != nil {
		panic(r.panicValue)
	}
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	r.stopped.Store(true)
	return nil
}
