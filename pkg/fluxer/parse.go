// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"github.com/tidwall/gjson"

	"github.com/aiku/fca-bridge/pkg/relay"
)

const (
	messageTypeDefault = 0
	messageTypeReply   = 19
)

// parseMessage converts a MESSAGE_CREATE payload. It returns nil for
// messages outside the bridged guild.
func (g *Gateway) parseMessage(d gjson.Result) *relay.InboundMessage {
	author := d.Get("author")
	if !author.Exists() {
		return nil
	}
	guildID := d.Get("guild_id").String()
	if guildID == "" || (g.guildID != "" && guildID != g.guildID) {
		g.log.Trace().Str("channel_id", d.Get("channel_id").String()).Msg("Ignoring message outside bridged guild")
		return nil
	}
	msgType := d.Get("type").Int()
	evt := &relay.InboundMessage{
		Platform:       relay.Fluxer,
		ChatID:         d.Get("channel_id").String(),
		GuildID:        guildID,
		MessageID:      d.Get("id").String(),
		SenderID:       author.Get("id").String(),
		SenderName:     userDisplayName(author, d.Get("member.nick").String()),
		SenderUsername: author.Get("username").String(),
		Text:           d.Get("content").String(),
		Kind:           relay.KindMessage,
		IsService:      msgType != messageTypeDefault && msgType != messageTypeReply,
		FromBot:        author.Get("bot").Bool(),
		WebhookID:      d.Get("webhook_id").String(),
	}
	if ref := d.Get("message_reference.message_id"); ref.Exists() {
		evt.ReplyToID = ref.String()
	}
	d.Get("attachments").ForEach(func(_, a gjson.Result) bool {
		evt.Attachments = append(evt.Attachments, relay.AttachmentRef{
			URL:      a.Get("url").String(),
			Filename: a.Get("filename").String(),
			Size:     a.Get("size").Int(),
		})
		return true
	})
	return evt
}

// parseMember converts GUILD_MEMBER_ADD and GUILD_MEMBER_REMOVE payloads.
func (g *Gateway) parseMember(d gjson.Result, kind relay.EventKind) *relay.InboundMessage {
	user := d.Get("user")
	if !user.Exists() {
		return nil
	}
	guildID := d.Get("guild_id").String()
	if g.guildID != "" && guildID != g.guildID {
		return nil
	}
	return &relay.InboundMessage{
		Platform:       relay.Fluxer,
		GuildID:        guildID,
		SenderID:       user.Get("id").String(),
		SenderName:     userDisplayName(user, d.Get("nick").String()),
		SenderUsername: user.Get("username").String(),
		FromBot:        user.Get("bot").Bool(),
		Kind:           kind,
	}
}

func userDisplayName(user gjson.Result, nick string) string {
	if nick != "" {
		return nick
	}
	if name := user.Get("global_name").String(); name != "" {
		return name
	}
	if name := user.Get("username").String(); name != "" {
		return name
	}
	return "User_" + user.Get("id").String()
}
