// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge configuration.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

var (
	ErrNotEnoughPlatforms  = errors.New("at least two platforms must be enabled for bridging")
	ErrDuplicateMembership = errors.New("channel is a member of more than one enabled bridge")
	ErrMissingCredential   = errors.New("missing required credential")
)

// Config is the root bridge configuration.
type Config struct {
	Discord  DiscordConfig   `json:"discord" yaml:"discord"`
	Telegram TelegramConfig  `json:"telegram" yaml:"telegram"`
	Fluxer   FluxerConfig    `json:"fluxer" yaml:"fluxer"`
	Bridges  []BridgeMapping `json:"bridges" yaml:"bridges"`

	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Donation DonationConfig `json:"donation" yaml:"donation"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token" env:"DISCORD_TOKEN"`
	GuildID string `json:"guild_id" yaml:"guild_id"`
	// WebhookName is the name used when the bridge provisions its own
	// webhook in a channel that has no configured webhook URL.
	WebhookName string `json:"webhook_name" yaml:"webhook_name"`
}

type TelegramConfig struct {
	Enabled                  bool     `json:"enabled" yaml:"enabled"`
	Token                    string   `json:"token" yaml:"token" env:"TELEGRAM_TOKEN"`
	BlockedTelegramUsernames []string `json:"blocked_telegram_usernames" yaml:"blocked_telegram_usernames"`
	// TelegramAPIURL is the host (optionally with scheme) of the archive
	// endpoint serving messages.getHistory and getMedia.
	TelegramAPIURL string `json:"telegram_api_url" yaml:"telegram_api_url"`
	// AvatarURLTemplate is formatted with the sender username.
	AvatarURLTemplate string `json:"avatar_url_template" yaml:"avatar_url_template"`
}

type FluxerConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Token      string `json:"token" yaml:"token" env:"FLUXER_TOKEN"`
	GuildID    string `json:"guild_id" yaml:"guild_id"`
	APIBase    string `json:"api_base" yaml:"api_base"`
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`
}

type DatabaseConfig struct {
	Type string `json:"type" yaml:"type"`
	URI  string `json:"uri" yaml:"uri" env:"BRIDGE_DATABASE"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"BRIDGE_LOG_LEVEL"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// RelayConfig tunes the relay engine and the Telegram poller.
type RelayConfig struct {
	PollInterval  Duration `json:"poll_interval" yaml:"poll_interval"`
	PollWarmup    Duration `json:"poll_warmup" yaml:"poll_warmup"`
	PollLimit     int      `json:"poll_limit" yaml:"poll_limit"`
	FetchTimeout  Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	MediaTimeout  Duration `json:"media_timeout" yaml:"media_timeout"`
	MaxMediaBytes int64    `json:"max_media_bytes" yaml:"max_media_bytes"`
	SendRetries   uint64   `json:"send_retries" yaml:"send_retries"`
	// RelayBots allows messages from third-party bots to be relayed.
	// Messages from the bridge's own identities are always dropped.
	RelayBots bool `json:"relay_bots" yaml:"relay_bots"`
}

type DonationConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// BridgeMapping describes one logical room spanning the platforms.
type BridgeMapping struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name" yaml:"name"`
	// DiscordWebhook maps Discord channel IDs to webhook URLs. An empty URL
	// means the channel is bridged but has no preconfigured webhook.
	DiscordWebhook map[string]string `json:"discord_webhook" yaml:"discord_webhook"`
	FluxerWebhook  map[string]string `json:"fluxer_webhook" yaml:"fluxer_webhook"`
	TelegramChatID []int64           `json:"telegram_chat_id" yaml:"telegram_chat_id"`
}

// DiscordChannels returns the bridged Discord channel IDs in a stable order.
func (b *BridgeMapping) DiscordChannels() []string {
	return sortedKeys(b.DiscordWebhook)
}

// FluxerChannels returns the bridged Fluxer channel IDs in a stable order.
func (b *BridgeMapping) FluxerChannels() []string {
	return sortedKeys(b.FluxerWebhook)
}

// HasTelegramChat reports whether the chat is part of this mapping.
func (b *BridgeMapping) HasTelegramChat(chatID int64) bool {
	return slices.Contains(b.TelegramChatID, chatID)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// UnmarshalJSON treats a missing enabled flag as true, matching how bridge
// entries are usually written without one.
func (b *BridgeMapping) UnmarshalJSON(data []byte) error {
	type rawMapping BridgeMapping
	b.Enabled = true
	return json.Unmarshal(data, (*rawMapping)(b))
}

func (b *BridgeMapping) UnmarshalYAML(node *yaml.Node) error {
	type rawMapping BridgeMapping
	b.Enabled = true
	return node.Decode((*rawMapping)(b))
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	return &Config{
		Discord:  DiscordConfig{Enabled: true, WebhookName: "FCA Relay"},
		Telegram: TelegramConfig{Enabled: true, AvatarURLTemplate: "https://furryconarchives.org/api/telegram-avatar/%s"},
		Fluxer: FluxerConfig{
			Enabled:    true,
			APIBase:    "https://api.fluxer.app/v1",
			GatewayURL: "wss://gateway.fluxer.app",
		},
		Database: DatabaseConfig{Type: "sqlite3-fk-wal", URI: "file:bridge_state.db?_txlock=immediate"},
		Logging:  LoggingConfig{Level: "info"},
		Relay: RelayConfig{
			PollInterval:  Duration(5e9),
			PollWarmup:    Duration(2e9),
			PollLimit:     15,
			FetchTimeout:  Duration(10e9),
			MediaTimeout:  Duration(30e9),
			MaxMediaBytes: 10 * 1024 * 1024,
			SendRetries:   2,
		},
		Donation: DonationConfig{
			Enabled:  true,
			URL:      "https://furryconarchives.org/api/latest-donation",
			Schedule: "@every 60s",
		},
	}
}

// Load reads the file at path. Files ending in .json are decoded as JSON,
// anything else as YAML. Environment overrides are applied afterwards and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config data and applies environment overrides without
// validating.
func Parse(data []byte, isJSON bool) (*Config, error) {
	cfg := Default()
	var err error
	if isJSON {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cfg, nil
}

// PostProcess drops disabled bridges and bridge entries of disabled
// platforms, then validates the result.
func (c *Config) PostProcess() error {
	c.Telegram.TelegramAPIURL = strings.TrimSuffix(c.Telegram.TelegramAPIURL, "/")
	c.Fluxer.APIBase = strings.TrimSuffix(c.Fluxer.APIBase, "/")

	bridges := c.Bridges[:0]
	for _, b := range c.Bridges {
		if !b.Enabled {
			continue
		}
		if !c.Discord.Enabled {
			b.DiscordWebhook = nil
		}
		if !c.Fluxer.Enabled {
			b.FluxerWebhook = nil
		}
		if !c.Telegram.Enabled {
			b.TelegramChatID = nil
		}
		bridges = append(bridges, b)
	}
	c.Bridges = bridges
	return c.Validate()
}

// EnabledPlatforms returns the number of enabled platforms.
func (c *Config) EnabledPlatforms() int {
	n := 0
	for _, enabled := range []bool{c.Discord.Enabled, c.Telegram.Enabled, c.Fluxer.Enabled} {
		if enabled {
			n++
		}
	}
	return n
}

// Validate checks the invariants the relay depends on.
func (c *Config) Validate() error {
	if c.EnabledPlatforms() < 2 {
		return ErrNotEnoughPlatforms
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("%w: discord.token", ErrMissingCredential)
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("%w: telegram.token", ErrMissingCredential)
		}
		if c.Telegram.TelegramAPIURL == "" {
			return fmt.Errorf("%w: telegram.telegram_api_url", ErrMissingCredential)
		}
	}
	return c.validateMembership()
}

func (c *Config) validateMembership() error {
	discord := make(map[string]string)
	fluxer := make(map[string]string)
	telegram := make(map[int64]string)
	for i := range c.Bridges {
		b := &c.Bridges[i]
		name := b.Name
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		for ch := range b.DiscordWebhook {
			if prev, ok := discord[ch]; ok {
				return fmt.Errorf("%w: discord channel %s in %q and %q", ErrDuplicateMembership, ch, prev, name)
			}
			discord[ch] = name
		}
		for ch := range b.FluxerWebhook {
			if prev, ok := fluxer[ch]; ok {
				return fmt.Errorf("%w: fluxer channel %s in %q and %q", ErrDuplicateMembership, ch, prev, name)
			}
			fluxer[ch] = name
		}
		for _, chat := range b.TelegramChatID {
			if prev, ok := telegram[chat]; ok {
				return fmt.Errorf("%w: telegram chat %d in %q and %q", ErrDuplicateMembership, chat, prev, name)
			}
			telegram[chat] = name
		}
	}
	return nil
}
