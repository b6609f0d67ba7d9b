// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"github.com/aiku/fca-bridge/pkg/store"
)

// Platform identifies one of the bridged chat networks.
type Platform string

const (
	Discord  Platform = "discord"
	Telegram Platform = "telegram"
	Fluxer   Platform = "fluxer"
)

// Platforms lists every supported platform in fan-out order.
var Platforms = []Platform{Discord, Telegram, Fluxer}

// DisplayName is the human-readable platform name used in system messages.
func (p Platform) DisplayName() string {
	switch p {
	case Discord:
		return "Discord"
	case Telegram:
		return "Telegram"
	case Fluxer:
		return "Fluxer"
	default:
		return string(p)
	}
}

// EventKind distinguishes chat messages from membership changes.
type EventKind int

const (
	KindMessage EventKind = iota
	KindJoin
	KindLeave
)

func (k EventKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "message"
	}
}

// AttachmentRef points at media that still has to be downloaded.
type AttachmentRef struct {
	URL      string
	Filename string
	// Size is the size announced by the platform, or 0 when unknown.
	Size int64
}

// File is downloaded media ready to be uploaded.
type File struct {
	Name string
	Data []byte
}

// InboundMessage is the platform-independent view of one inbound event.
type InboundMessage struct {
	Platform Platform
	// ChatID is the channel or chat the event happened in. Member events
	// from guild-scoped platforms leave it empty and set GuildID instead.
	ChatID    string
	GuildID   string
	MessageID string

	SenderID       string
	SenderName     string
	SenderUsername string
	AvatarURL      string

	Text        string
	Attachments []AttachmentRef
	ReplyToID   string

	Kind EventKind
	// IsService marks platform system events such as pins or admin
	// actions. They are never relayed.
	IsService bool
	FromBot   bool
	WebhookID string
}

// ReplyRef is the counterpart of a replied-to message on a destination.
type ReplyRef struct {
	MessageID string
	ChannelID string
	AuthorID  string
	GuildID   string
}

// DeliveryTarget is one outbound send to a single destination channel.
type DeliveryTarget struct {
	Platform  Platform
	ChannelID string
	// Webhook is the configured webhook URL for the channel, if any.
	Webhook string

	DisplayName string
	AvatarURL   string
	// Content is the body for sends that carry the author identity
	// (webhooks). PrefixedContent embeds the author name for sends made as
	// the bridge bot.
	Content         string
	PrefixedContent string
	Files           []File
	ReplyTo         *ReplyRef
	// System marks bridge-authored notices (membership, donations).
	System bool
}

// SendResult describes the message a sender created.
type SendResult struct {
	MessageID string
	ChannelID string
	AuthorID  string
	GuildID   string
}

// Sender delivers targets on one platform.
type Sender interface {
	Platform() Platform
	Send(ctx context.Context, target *DeliveryTarget) (*SendResult, error)
}

// MediaFetcher downloads attachments. Media that cannot be forwarded inline
// is returned as a notice line instead.
type MediaFetcher interface {
	Fetch(ctx context.Context, origin Platform, refs []AttachmentRef) (files []File, notices []string)
}

// Store is the identity-link part of the state store.
type Store interface {
	LinkIdentity(ctx context.Context, link *store.IdentityLink) error
	LinkedMessages(ctx context.Context, platform, channelID, msgID string) ([]*store.IdentityLink, error)
}
