// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
)

// SystemAuthor is the display name used for membership notices.
const SystemAuthor = "System"

// MembershipText renders the notice relayed when someone joins or leaves.
func MembershipText(kind EventKind, name string, origin Platform) string {
	if kind == KindLeave {
		return fmt.Sprintf("📍 %s left the %s Chat", name, origin.DisplayName())
	}
	return fmt.Sprintf("📌 %s joined the %s Chat", name, origin.DisplayName())
}

// PrefixText prepends the author name for sends that cannot carry a custom
// identity.
func PrefixText(name, text string) string {
	if text == "" {
		return ""
	}
	if name == "" {
		return text
	}
	return name + ": " + text
}

func appendNotices(text string, notices []string) string {
	if len(notices) == 0 {
		return text
	}
	lines := make([]string, 0, len(notices)+1)
	if text != "" {
		lines = append(lines, text)
	}
	lines = append(lines, notices...)
	return strings.Join(lines, "\n")
}

// JumpLink returns a link to a message on a platform with web permalinks.
func JumpLink(platform Platform, ref *ReplyRef) string {
	if ref == nil || ref.GuildID == "" || ref.ChannelID == "" || ref.MessageID == "" {
		return ""
	}
	switch platform {
	case Discord:
		return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", ref.GuildID, ref.ChannelID, ref.MessageID)
	case Fluxer:
		return fmt.Sprintf("https://fluxer.app/channels/%s/%s/%s", ref.GuildID, ref.ChannelID, ref.MessageID)
	default:
		return ""
	}
}

// replyLine renders the back-reference quoted above a reply on platforms
// whose webhooks cannot thread messages natively.
func replyLine(platform Platform, ref *ReplyRef) string {
	if ref == nil {
		return ""
	}
	parts := []string{"> ↪"}
	if ref.AuthorID != "" {
		parts = append(parts, "<@"+ref.AuthorID+">")
	}
	if link := JumpLink(platform, ref); link != "" {
		parts = append(parts, link)
	}
	if len(parts) == 1 {
		return ""
	}
	return strings.Join(parts, " ") + "\n"
}
