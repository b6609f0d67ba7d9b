// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidWebhookURL = errors.New("invalid webhook URL")

// ParseWebhookURL extracts the webhook ID and token from a Discord-style
// webhook URL such as https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", ErrInvalidWebhookURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part != "webhooks" {
			continue
		}
		if i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", ErrInvalidWebhookURL
}
