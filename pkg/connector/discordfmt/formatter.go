// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord-flavoured markdown for platforms that
// render plain text, and sanitises relayed text for Discord-like platforms.
package discordfmt

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(?:[\\w+-]+\\n)?\\n?(.*?)```")
	codeRe       = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*([^*\s][^*]*?)\*`)
	italicUndRe  = regexp.MustCompile(`(^|\W)_([^_\s][^_]*?)_(\W|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(<?([^)>]+)>?\)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	subtextRe    = regexp.MustCompile(`(?m)^-#\s+(.+)$`)
	emojiRe      = regexp.MustCompile(`<a?(:\w+:)\d+>`)
	timestampRe  = regexp.MustCompile(`<t:(-?\d+)(?::[tTdDfFR])?>`)
	userRe       = regexp.MustCompile(`<@!?(\d+)>`)
	channelRe    = regexp.MustCompile(`<#(\d+)>`)
	roleRe       = regexp.MustCompile(`<@&(\d+)>`)
	massRe       = regexp.MustCompile(`@(everyone|here)`)
)

// ToPlain strips Discord markup, keeping the visible text. Code is kept
// verbatim, links become "text (url)" and custom emoji become ":name:".
func ToPlain(text string) string {
	if text == "" {
		return ""
	}

	var blocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		blocks = append(blocks, strings.TrimSuffix(parts[1], "\n"))
		return "\x00BLOCK" + strconv.Itoa(len(blocks)-1) + "\x00"
	})
	var spans []string
	text = codeRe.ReplaceAllStringFunc(text, func(match string) string {
		spans = append(spans, codeRe.FindStringSubmatch(match)[1])
		return "\x00SPAN" + strconv.Itoa(len(spans)-1) + "\x00"
	})

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], strings.TrimSpace(parts[2])
		if label == href {
			return href
		}
		return label + " (" + href + ")"
	})
	text = headingRe.ReplaceAllString(text, "$1")
	text = subtextRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = underlineRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = spoilerRe.ReplaceAllString(text, "$1")
	text = italicStarRe.ReplaceAllString(text, "$1")
	text = italicUndRe.ReplaceAllString(text, "$1$2$3")
	text = emojiRe.ReplaceAllString(text, "$1")
	text = timestampRe.ReplaceAllString(text, "<t:$1>")
	text = roleRe.ReplaceAllString(text, "@role")
	text = userRe.ReplaceAllString(text, "@$1")
	text = channelRe.ReplaceAllString(text, "#$1")

	for i, s := range spans {
		text = strings.Replace(text, "\x00SPAN"+strconv.Itoa(i)+"\x00", s, 1)
	}
	for i, b := range blocks {
		text = strings.Replace(text, "\x00BLOCK"+strconv.Itoa(i)+"\x00", b, 1)
	}
	return text
}

// EscapeMentions defuses @everyone and @here so a relayed message cannot
// ping a whole server.
func EscapeMentions(text string) string {
	return massRe.ReplaceAllString(text, "@\u200b$1")
}

// Truncate shortens text to at most limit runes, marking the cut with an
// ellipsis.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}
