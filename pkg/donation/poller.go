// Copyright 2024-2026 Aiku AI

// Package donation watches the latest-donation endpoint and announces new
// donations in every bridged room.
package donation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// AlertAuthor is the display name donation alerts are posted under.
const AlertAuthor = "Donation Alert"

// Broadcaster posts a system message to every bridged room.
type Broadcaster interface {
	Broadcast(ctx context.Context, author, text string)
}

// Donation is the latest donation as reported by the endpoint.
type Donation struct {
	Name            string
	Amount          string
	DiscordUsername string
}

// Key identifies a donation for deduplication.
func (d *Donation) Key() string {
	return d.Name + "-" + d.Amount + "-" + d.DiscordUsername
}

// AlertText renders the announcement for the donation.
func (d *Donation) AlertText() string {
	amount, _ := strconv.ParseFloat(d.Amount, 64)
	username, _, _ := strings.Cut(d.DiscordUsername, "#")
	if username == "" {
		username = d.Name
	}
	return fmt.Sprintf("☕ Donation received!\nDonor: %s\nAmount: $%.2f\nMessage: %s donated $%s",
		d.Name, amount, username, d.Amount)
}

// Poller checks the endpoint on a cron schedule. The first donation it sees
// only primes the dedup key so a restart does not repeat an old alert.
type Poller struct {
	client   *http.Client
	url      string
	schedule string
	target   Broadcaster

	mu      sync.Mutex
	lastKey string
	primed  bool

	log zerolog.Logger
}

// NewPoller creates a poller. An empty schedule checks every minute.
func NewPoller(client *http.Client, url, schedule string, target Broadcaster, log zerolog.Logger) *Poller {
	if schedule == "" {
		schedule = "@every 60s"
	}
	return &Poller{
		client:   client,
		url:      url,
		schedule: schedule,
		target:   target,
		log:      log.With().Str("component", "donation").Logger(),
	}
}

// Run primes the dedup key, then checks the endpoint on schedule until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	logger := cronLogger{p.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(p.schedule, func() {
		if err := p.Check(ctx); err != nil {
			p.log.Err(err).Msg("Failed to check latest donation")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid donation schedule %q: %w", p.schedule, err)
	}
	if err = p.Check(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Initial donation check failed")
	}
	c.Start()
	p.log.Info().Str("schedule", p.schedule).Msg("Donation poller started")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Check fetches the latest donation and broadcasts it if it is new.
func (p *Poller) Check(ctx context.Context) error {
	d, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	key := d.Key()
	p.mu.Lock()
	isNew := key != p.lastKey
	wasPrimed := p.primed
	p.lastKey, p.primed = key, true
	p.mu.Unlock()

	switch {
	case !wasPrimed:
		p.log.Debug().Str("donation", key).Msg("Primed latest donation")
	case isNew:
		text := d.AlertText()
		p.target.Broadcast(ctx, AlertAuthor, text)
		p.log.Info().Str("donor", d.Name).Str("amount", d.Amount).Msg("Donation alert sent")
	}
	return nil
}

var errNoDonation = errors.New("response has no latest_donation")

func (p *Poller) fetch(ctx context.Context) (*Donation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest donation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON in donation response")
	}
	latest := gjson.GetBytes(data, "latest_donation")
	if !latest.IsObject() {
		return nil, errNoDonation
	}
	d := &Donation{
		Name:            latest.Get("name").String(),
		Amount:          latest.Get("amount").String(),
		DiscordUsername: latest.Get("discord_username").String(),
	}
	if d.Name == "" {
		d.Name = "Anonymous"
	}
	if d.Amount == "" {
		d.Amount = "0.00"
	}
	return d, nil
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Err(err).Fields(keysAndValues).Msg(msg)
}
