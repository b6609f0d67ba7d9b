// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/discord"
	"github.com/aiku/fca-bridge/pkg/donation"
	"github.com/aiku/fca-bridge/pkg/fluxer"
	"github.com/aiku/fca-bridge/pkg/media"
	"github.com/aiku/fca-bridge/pkg/relay"
	"github.com/aiku/fca-bridge/pkg/store"
	"github.com/aiku/fca-bridge/pkg/telegram"
)

// Runner is a long-lived component started by the connector. Run must block
// until ctx is cancelled and return nil on a clean shutdown.
type Runner interface {
	Run(ctx context.Context) error
}

type namedRunner struct {
	name string
	Runner
}

// Connector owns the platform clients, the state store and the relay engine.
type Connector struct {
	Config   *config.Config
	Store    *store.Store
	Guard    *relay.LoopGuard
	Resolver *relay.Resolver
	Engine   *relay.Engine

	apiClient   *http.Client
	mediaClient *http.Client
	runners     []namedRunner
	closers     []func() error

	log zerolog.Logger
}

// New opens the store and builds the relay engine. Platform clients are
// created by Start.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Connector, error) {
	st, err := store.Open(ctx, cfg.Database.Type, cfg.Database.URI, log)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		Config:   cfg,
		Store:    st,
		Guard:    relay.NewLoopGuard(),
		Resolver: relay.NewResolver(cfg.Bridges),
		apiClient: exhttp.SensibleClientSettings.
			WithGlobalTimeout(cfg.Relay.FetchTimeout.Std()).
			Compile(),
		mediaClient: exhttp.SensibleClientSettings.
			WithGlobalTimeout(cfg.Relay.MediaTimeout.Std()).
			Compile(),
		closers: []func() error{st.Close},
		log:     log,
	}
	downloader := media.NewDownloader(c.mediaClient, cfg.Relay.MaxMediaBytes, log)
	c.Engine = relay.NewEngine(c.Resolver, st, c.Guard, log,
		relay.WithRelayBots(cfg.Relay.RelayBots),
		relay.WithMedia(downloader),
	)
	c.rememberWebhooks()
	return c, nil
}

// Start creates the enabled platform clients, registers their senders and
// prepares the listeners. It does not connect to any gateway yet.
func (c *Connector) Start(ctx context.Context) error {
	if c.Config.Discord.Enabled {
		if err := c.startDiscord(); err != nil {
			return err
		}
	}
	if c.Config.Telegram.Enabled {
		if err := c.startTelegram(ctx); err != nil {
			return err
		}
	}
	if c.Config.Fluxer.Enabled {
		c.startFluxer()
	}
	if cfg := c.Config.Donation; cfg.Enabled && cfg.URL != "" {
		c.addRunner("donation", donation.NewPoller(c.apiClient, cfg.URL, cfg.Schedule, c.Engine, c.log))
	}
	return nil
}

func (c *Connector) startDiscord() error {
	cfg := c.Config.Discord
	session, err := discord.NewSession(cfg.Token, c.apiClient, c.log)
	if err != nil {
		return err
	}
	c.registerSender(discord.NewSender(session, c.Guard, cfg.GuildID, cfg.WebhookName, c.log))
	c.addRunner("discord", discord.NewListener(session, c.Engine, c.Guard, cfg.GuildID, c.log))
	return nil
}

func (c *Connector) startTelegram(ctx context.Context) error {
	cfg := c.Config.Telegram
	// Long polling holds the response for up to 30 seconds.
	botClient := exhttp.SensibleClientSettings.
		WithResponseHeaderTimeout(45 * time.Second).
		WithGlobalTimeout(time.Minute).
		Compile()
	bot, err := telegram.NewBot(cfg.Token, botClient, c.log)
	if err != nil {
		return err
	}
	c.Guard.SetBotUser(relay.Telegram, strconv.FormatInt(bot.Self.ID, 10))
	c.log.Info().Str("username", bot.Self.UserName).Msg("Logged in to Telegram")
	c.registerSender(telegram.NewSender(bot, c.log))

	archive := telegram.NewArchiveClient(c.apiClient, cfg.TelegramAPIURL, c.Config.Relay.PollLimit, c.log)
	c.addRunner("telegram_poller", telegram.NewPoller(archive, c.Store, c.Engine, c.Resolver.Mappings(), telegram.PollerConfig{
		Warmup:            c.Config.Relay.PollWarmup.Std(),
		Interval:          c.Config.Relay.PollInterval.Std(),
		Blocked:           cfg.BlockedTelegramUsernames,
		AvatarURLTemplate: cfg.AvatarURLTemplate,
	}, c.log))
	c.addRunner("telegram_members", telegram.NewMemberListener(bot, c.Engine, c.log))
	return nil
}

func (c *Connector) startFluxer() {
	cfg := c.Config.Fluxer
	c.registerSender(fluxer.NewSender(c.apiClient, cfg.APIBase, cfg.Token, cfg.GuildID, c.log))
	if cfg.Token == "" {
		c.log.Warn().Msg("No Fluxer token configured, Fluxer is outbound only")
		return
	}
	c.addRunner("fluxer", fluxer.NewGateway(cfg.GatewayURL, cfg.Token, cfg.GuildID, c.Engine, c.Guard, c.log))
}

func (c *Connector) registerSender(s relay.Sender) {
	c.Engine.RegisterSender(relay.NewRetryingSender(s, c.Config.Relay.SendRetries, c.log))
}

func (c *Connector) addRunner(name string, r Runner) {
	c.runners = append(c.runners, namedRunner{name: name, Runner: r})
}

// rememberWebhooks registers every configured webhook with the loop guard so
// messages the bridge posts through them are not relayed back.
func (c *Connector) rememberWebhooks() {
	for _, m := range c.Resolver.Mappings() {
		c.rememberPlatformWebhooks(relay.Discord, m.Name, m.DiscordWebhook)
		c.rememberPlatformWebhooks(relay.Fluxer, m.Name, m.FluxerWebhook)
	}
}

func (c *Connector) rememberPlatformWebhooks(platform relay.Platform, mapping string, hooks map[string]string) {
	for channelID, hookURL := range hooks {
		if hookURL == "" {
			continue
		}
		webhookID, _, err := relay.ParseWebhookURL(hookURL)
		if err != nil {
			c.log.Warn().Err(err).
				Str("platform", string(platform)).
				Str("mapping", mapping).
				Str("channel_id", channelID).
				Msg("Failed to parse webhook URL, echo prevention relies on the bot flag")
			continue
		}
		c.Guard.RememberWebhook(platform, channelID, webhookID)
	}
}

// Run starts every runner and blocks until ctx is cancelled or one of them
// fails. A failing runner stops the others.
func (c *Connector) Run(ctx context.Context) error {
	if len(c.runners) == 0 {
		return errors.New("no platform listeners configured")
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, r := range c.runners {
		log := c.log.With().Str("runner", r.name).Logger()
		eg.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error().Any("panic", p).Msg("Runner panicked")
					err = fmt.Errorf("%s panicked: %v", r.name, p)
				}
			}()
			log.Debug().Msg("Starting runner")
			if err = r.Run(egCtx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			log.Debug().Msg("Runner stopped")
			return nil
		})
	}
	c.log.Info().Int("runners", len(c.runners)).Int("bridges", len(c.Resolver.Mappings())).Msg("Bridge running")
	return eg.Wait()
}

// Close releases the store. It must be called after Run returns.
func (c *Connector) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}
