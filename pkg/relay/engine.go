// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/fca-bridge/pkg/config"
	"github.com/aiku/fca-bridge/pkg/store"
)

// Engine routes inbound events to every other platform of their mapping.
type Engine struct {
	resolver  *Resolver
	store     Store
	media     MediaFetcher
	guard     *LoopGuard
	senders   map[Platform]Sender
	relayBots bool
	log       zerolog.Logger
}

// EngineOption configures optional engine behaviour.
type EngineOption func(*Engine)

// WithRelayBots makes the engine relay messages authored by third-party bots.
// The bridge's own identities are dropped regardless.
func WithRelayBots(relay bool) EngineOption {
	return func(e *Engine) { e.relayBots = relay }
}

// WithMedia sets the attachment downloader. Without one, attachments are
// ignored.
func WithMedia(m MediaFetcher) EngineOption {
	return func(e *Engine) { e.media = m }
}

// NewEngine creates an engine with no senders; register them before routing.
func NewEngine(resolver *Resolver, st Store, guard *LoopGuard, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		resolver: resolver,
		store:    st,
		guard:    guard,
		senders:  make(map[Platform]Sender),
		log:      log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterSender enables delivery to the sender's platform. It must be called
// before events are routed.
func (e *Engine) RegisterSender(s Sender) {
	e.senders[s.Platform()] = s
}

// OnInboundEvent routes one event. It returns once every destination send
// has finished, so callers feeding events sequentially keep their order.
func (e *Engine) OnInboundEvent(ctx context.Context, origin Platform, msg *InboundMessage) {
	log := e.log.With().
		Str("origin", string(origin)).
		Str("chat_id", msg.ChatID).
		Str("message_id", msg.MessageID).
		Logger()
	if e.isEcho(origin, msg, &log) {
		return
	}

	mappings := e.mappingsFor(origin, msg)
	if len(mappings) == 0 {
		log.Trace().Msg("Event is not from a bridged channel")
		return
	}

	if msg.Kind == KindJoin || msg.Kind == KindLeave {
		text := MembershipText(msg.Kind, msg.SenderName, origin)
		for _, m := range mappings {
			targets := e.targets(m, origin, func(t *DeliveryTarget) {
				t.DisplayName = SystemAuthor
				t.Content = text
				t.PrefixedContent = text
				t.System = true
			})
			e.dispatch(ctx, origin, msg, targets, false, log)
		}
		log.Info().Str("kind", msg.Kind.String()).Str("user", msg.SenderName).Msg("Relayed membership event")
		return
	}

	text := msg.Text
	var files []File
	if len(msg.Attachments) > 0 && e.media != nil {
		var notices []string
		files, notices = e.media.Fetch(ctx, origin, msg.Attachments)
		text = appendNotices(text, notices)
	}
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		log.Debug().Msg("Skipping event without content")
		return
	}

	replies := e.replyRefs(ctx, origin, msg, log)
	targets := e.targets(mappings[0], origin, func(t *DeliveryTarget) {
		t.DisplayName = msg.SenderName
		t.AvatarURL = msg.AvatarURL
		t.Content = text
		t.PrefixedContent = PrefixText(msg.SenderName, text)
		t.Files = files
		if ref := replies[targetKey{t.Platform, t.ChannelID}]; ref != nil {
			t.ReplyTo = ref
			if t.Platform != Telegram {
				t.Content = replyLine(t.Platform, ref) + t.Content
			}
		}
	})
	e.dispatch(ctx, origin, msg, targets, true, log)
}

// Broadcast sends a bridge-authored notice to every channel of every mapping.
func (e *Engine) Broadcast(ctx context.Context, author, text string) {
	log := e.log.With().Str("action", "broadcast").Logger()
	for _, m := range e.resolver.Mappings() {
		targets := e.targets(m, "", func(t *DeliveryTarget) {
			t.DisplayName = author
			t.Content = text
			t.PrefixedContent = text
			t.System = true
		})
		e.dispatch(ctx, "", nil, targets, false, log)
	}
}

func (e *Engine) isEcho(origin Platform, msg *InboundMessage, log *zerolog.Logger) bool {
	if e.guard != nil && e.guard.IsOwnUser(origin, msg.SenderID) {
		log.Debug().Str("sender_id", msg.SenderID).Msg("Skipping own bot message (echo prevention)")
		return true
	}
	if msg.WebhookID != "" && e.guard != nil && e.guard.IsOwnWebhook(origin, msg.ChatID, msg.WebhookID) {
		log.Debug().Str("webhook_id", msg.WebhookID).Msg("Skipping own webhook message (echo prevention)")
		return true
	}
	if msg.FromBot && !e.relayBots {
		log.Debug().Str("sender_id", msg.SenderID).Msg("Skipping bot message (echo prevention)")
		return true
	}
	if msg.IsService {
		log.Debug().Msg("Skipping service event")
		return true
	}
	return false
}

func (e *Engine) mappingsFor(origin Platform, msg *InboundMessage) []*config.BridgeMapping {
	if msg.ChatID != "" {
		if m, ok := e.resolver.Resolve(origin, msg.ChatID); ok {
			return []*config.BridgeMapping{m}
		}
		return nil
	}
	if msg.Kind != KindMessage {
		return e.resolver.ResolveGuild(origin)
	}
	return nil
}

// targets builds one target per destination channel of the mapping on every
// platform except origin that has a registered sender.
func (e *Engine) targets(m *config.BridgeMapping, origin Platform, fill func(*DeliveryTarget)) []*DeliveryTarget {
	var out []*DeliveryTarget
	for _, p := range Platforms {
		if p == origin || e.senders[p] == nil {
			continue
		}
		for _, channelID := range Members(m, p) {
			t := &DeliveryTarget{
				Platform:  p,
				ChannelID: channelID,
				Webhook:   webhookFor(m, p, channelID),
			}
			fill(t)
			out = append(out, t)
		}
	}
	return out
}

// dispatch sends all targets concurrently. Errors and panics are logged per
// target and never cancel sibling sends.
func (e *Engine) dispatch(ctx context.Context, origin Platform, msg *InboundMessage, targets []*DeliveryTarget, link bool, log zerolog.Logger) {
	var eg errgroup.Group
	for _, t := range targets {
		sender := e.senders[t.Platform]
		eg.Go(func() error {
			tlog := log.With().Str("dest", string(t.Platform)).Str("dest_channel_id", t.ChannelID).Logger()
			defer func() {
				if p := recover(); p != nil {
					tlog.Error().Any("panic", p).Msg("Panic while delivering message")
				}
			}()
			res, err := sender.Send(ctx, t)
			if err != nil {
				tlog.Err(err).Msg("Failed to deliver message")
				return nil
			}
			tlog.Debug().Msg("Delivered message")
			if link && res != nil && res.MessageID != "" && msg.MessageID != "" && e.store != nil {
				e.linkIdentity(ctx, origin, msg, t, res, tlog)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (e *Engine) linkIdentity(ctx context.Context, origin Platform, msg *InboundMessage, t *DeliveryTarget, res *SendResult, log zerolog.Logger) {
	channelID := res.ChannelID
	if channelID == "" {
		channelID = t.ChannelID
	}
	err := e.store.LinkIdentity(ctx, &store.IdentityLink{
		OriginPlatform:  string(origin),
		OriginMsgID:     msg.MessageID,
		OriginChannelID: msg.ChatID,
		OriginAuthorID:  msg.SenderID,
		OriginGuildID:   msg.GuildID,
		DestPlatform:    string(t.Platform),
		DestMsgID:       res.MessageID,
		DestChannelID:   channelID,
		DestAuthorID:    res.AuthorID,
		DestGuildID:     res.GuildID,
	})
	if err != nil {
		log.Err(err).Msg("Failed to store message link")
	}
}

type targetKey struct {
	platform  Platform
	channelID string
}

// replyRefs finds the counterparts of the replied-to message on the other
// platforms. The replied message may be an original that was relayed out, or
// itself a relayed copy, in which case its origin and that origin's other
// copies are used.
func (e *Engine) replyRefs(ctx context.Context, origin Platform, msg *InboundMessage, log zerolog.Logger) map[targetKey]*ReplyRef {
	if msg.ReplyToID == "" || e.store == nil {
		return nil
	}
	links, err := e.store.LinkedMessages(ctx, string(origin), msg.ChatID, msg.ReplyToID)
	if err != nil {
		log.Warn().Err(err).Str("reply_to", msg.ReplyToID).Msg("Failed to look up replied message")
		return nil
	}
	refs := make(map[targetKey]*ReplyRef)
	add := func(p Platform, ref *ReplyRef) {
		key := targetKey{p, ref.ChannelID}
		if p != origin && refs[key] == nil {
			refs[key] = ref
		}
	}
	for _, l := range links {
		if Platform(l.OriginPlatform) == origin && l.OriginChannelID == msg.ChatID && l.OriginMsgID == msg.ReplyToID {
			// Copies are authored by the bridge, so there is no one to mention.
			add(Platform(l.DestPlatform), &ReplyRef{
				MessageID: l.DestMsgID,
				ChannelID: l.DestChannelID,
				GuildID:   l.DestGuildID,
			})
			continue
		}
		add(Platform(l.OriginPlatform), &ReplyRef{
			MessageID: l.OriginMsgID,
			ChannelID: l.OriginChannelID,
			AuthorID:  l.OriginAuthorID,
			GuildID:   l.OriginGuildID,
		})
		siblings, err := e.store.LinkedMessages(ctx, l.OriginPlatform, l.OriginChannelID, l.OriginMsgID)
		if err != nil {
			log.Warn().Err(err).Str("reply_to", l.OriginMsgID).Msg("Failed to look up relayed copies")
			continue
		}
		for _, s := range siblings {
			if s.OriginPlatform == l.OriginPlatform && s.OriginChannelID == l.OriginChannelID && s.OriginMsgID == l.OriginMsgID {
				add(Platform(s.DestPlatform), &ReplyRef{
					MessageID: s.DestMsgID,
					ChannelID: s.DestChannelID,
					GuildID:   s.DestGuildID,
				})
			}
		}
	}
	return refs
}
