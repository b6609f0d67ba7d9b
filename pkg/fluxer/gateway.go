// Copyright 2024-2026 Aiku AI

// Package fluxer bridges Fluxer channels. Fluxer speaks a Discord-compatible
// gateway and REST API; inbound events come from the gateway and outbound
// messages go through webhooks.
package fluxer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/fca-bridge/pkg/relay"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Intents requested on identify: guilds, guild members, guild messages and
// message content.
const defaultIntents = 1<<0 | 1<<1 | 1<<9 | 1<<15

var (
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated session")
	errDropped        = errors.New("gateway connection dropped")
	ErrAuthFailed     = errors.New("fluxer gateway rejected the token")
)

// Router receives inbound events.
type Router interface {
	OnInboundEvent(ctx context.Context, origin relay.Platform, msg *relay.InboundMessage)
}

type frame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Gateway keeps a websocket connection to the Fluxer gateway, resuming or
// reconnecting when it drops.
type Gateway struct {
	url     string
	token   string
	guildID string
	router  Router
	guard   *relay.LoopGuard
	dialer  *websocket.Dialer

	sessionID string
	resumeURL string
	seq       atomic.Int64

	log zerolog.Logger
}

// NewGateway creates a gateway client. Run connects it.
func NewGateway(gatewayURL, token, guildID string, router Router, guard *relay.LoopGuard, log zerolog.Logger) *Gateway {
	return &Gateway{
		url:     gatewayURL,
		token:   token,
		guildID: guildID,
		router:  router,
		guard:   guard,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:     log.With().Str("component", "fluxer_gateway").Logger(),
	}
}

// Run keeps the gateway connected until ctx is cancelled. It only returns an
// error when the token is rejected.
func (g *Gateway) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		established, err := g.connect(ctx)
		if ctx.Err() != nil {
			g.log.Info().Msg("Gateway stopped")
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if established {
			reconnect.Reset()
		}
		wait := reconnect.NextBackOff()
		g.log.Warn().Err(err).Dur("retry_in", wait).Msg("Gateway connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// connection is one websocket session. Writes are serialised because the
// heartbeat runs concurrently with the read loop.
type connection struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	acked    atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
}

func (c *connection) write(op int, d any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame{Op: op, D: d})
}

func (c *connection) stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		_ = c.conn.Close()
	})
}

func (g *Gateway) connect(ctx context.Context) (established bool, err error) {
	target := g.url
	resuming := g.sessionID != "" && g.resumeURL != ""
	if resuming {
		target = g.resumeURL
	}
	ws, _, err := g.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial gateway: %w", err)
	}
	c := &connection{conn: ws, stopChan: make(chan struct{})}
	defer c.stop()
	unwatch := context.AfterFunc(ctx, c.stop)
	defer unwatch()

	interval, err := g.readHello(c)
	if err != nil {
		return false, err
	}
	if resuming {
		err = c.write(opResume, map[string]any{
			"token":      g.token,
			"session_id": g.sessionID,
			"seq":        g.seq.Load(),
		})
	} else {
		err = c.write(opIdentify, map[string]any{
			"token":   g.token,
			"intents": defaultIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "fca-bridge",
				"device":  "fca-bridge",
			},
		})
	}
	if err != nil {
		return false, fmt.Errorf("failed to identify: %w", err)
	}

	c.acked.Store(true)
	go g.heartbeat(c, interval)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return established, g.closeReason(err)
		}
		done, err := g.handleFrame(ctx, c, data, &established)
		if done {
			return established, err
		}
	}
}

func (g *Gateway) readHello(c *connection) (time.Duration, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("failed to read hello: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	hello := gjson.ParseBytes(data)
	if hello.Get("op").Int() != opHello {
		return 0, fmt.Errorf("expected hello, got op %d", hello.Get("op").Int())
	}
	interval := time.Duration(hello.Get("d.heartbeat_interval").Int()) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	return interval, nil
}

func (g *Gateway) heartbeat(c *connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if !c.acked.Swap(false) {
				g.log.Warn().Msg("Heartbeat not acknowledged, dropping connection")
				c.stop()
				return
			}
			if err := c.write(opHeartbeat, g.seq.Load()); err != nil {
				g.log.Debug().Err(err).Msg("Failed to send heartbeat")
				c.stop()
				return
			}
		}
	}
}

// handleFrame processes one gateway frame. done reports that the connection
// must be dropped.
func (g *Gateway) handleFrame(ctx context.Context, c *connection, data []byte, established *bool) (done bool, err error) {
	msg := gjson.ParseBytes(data)
	switch msg.Get("op").Int() {
	case opDispatch:
		if s := msg.Get("s"); s.Exists() && s.Type != gjson.Null {
			g.seq.Store(s.Int())
		}
		eventType := msg.Get("t").String()
		if eventType == "READY" || eventType == "RESUMED" {
			*established = true
		}
		g.dispatch(ctx, eventType, msg.Get("d"))
	case opHeartbeat:
		if err := c.write(opHeartbeat, g.seq.Load()); err != nil {
			return true, fmt.Errorf("failed to send heartbeat: %w", err)
		}
	case opHeartbeatACK:
		c.acked.Store(true)
	case opReconnect:
		return true, errReconnect
	case opInvalidSession:
		if !msg.Get("d").Bool() {
			g.resetSession()
		}
		return true, errInvalidSession
	default:
		g.log.Trace().Int64("op", msg.Get("op").Int()).Msg("Unhandled gateway opcode")
	}
	return false, nil
}

func (g *Gateway) closeReason(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case 4004:
			return ErrAuthFailed
		case 4007, 4009:
			g.resetSession()
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return errDropped
	}
	return fmt.Errorf("gateway read failed: %w", err)
}

func (g *Gateway) resetSession() {
	g.sessionID = ""
	g.resumeURL = ""
	g.seq.Store(0)
}

func (g *Gateway) dispatch(ctx context.Context, eventType string, d gjson.Result) {
	defer func() {
		if p := recover(); p != nil {
			g.log.Error().Any("panic", p).Str("event_type", eventType).Msg("Panic while handling gateway event")
		}
	}()
	switch eventType {
	case "READY":
		g.sessionID = d.Get("session_id").String()
		g.resumeURL = d.Get("resume_gateway_url").String()
		userID := d.Get("user.id").String()
		g.guard.SetBotUser(relay.Fluxer, userID)
		g.log.Info().Str("user_id", userID).Str("username", d.Get("user.username").String()).Msg("Connected to Fluxer")
	case "RESUMED":
		g.log.Info().Msg("Resumed gateway session")
	case "MESSAGE_CREATE":
		if evt := g.parseMessage(d); evt != nil {
			g.router.OnInboundEvent(ctx, relay.Fluxer, evt)
		}
	case "GUILD_MEMBER_ADD":
		if evt := g.parseMember(d, relay.KindJoin); evt != nil {
			g.router.OnInboundEvent(ctx, relay.Fluxer, evt)
		}
	case "GUILD_MEMBER_REMOVE":
		if evt := g.parseMember(d, relay.KindLeave); evt != nil {
			g.router.OnInboundEvent(ctx, relay.Fluxer, evt)
		}
	default:
		g.log.Trace().Str("event_type", eventType).Msg("Unhandled dispatch event")
	}
}
