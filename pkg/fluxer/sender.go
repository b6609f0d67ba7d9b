// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/retryafter"

	"github.com/aiku/fca-bridge/pkg/connector/discordfmt"
	"github.com/aiku/fca-bridge/pkg/relay"
)

const (
	maxContentRunes = 2000
	maxFiles        = 10
	defaultUsername = "Relay"
)

type attachmentPayload struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type messageReference struct {
	MessageID       string `json:"message_id"`
	ChannelID       string `json:"channel_id,omitempty"`
	GuildID         string `json:"guild_id,omitempty"`
	FailIfNotExists bool   `json:"fail_if_not_exists"`
}

type webhookPayload struct {
	Username        string              `json:"username"`
	AvatarURL       string              `json:"avatar_url,omitempty"`
	Content         string              `json:"content"`
	Attachments     []attachmentPayload `json:"attachments"`
	AllowedMentions allowedMentions     `json:"allowed_mentions"`
}

type messagePayload struct {
	Content          string              `json:"content"`
	Attachments      []attachmentPayload `json:"attachments"`
	AllowedMentions  allowedMentions     `json:"allowed_mentions"`
	MessageReference *messageReference   `json:"message_reference,omitempty"`
}

// Sender posts to Fluxer channels through their configured webhook, or as
// the bot when no webhook works and a bot token is configured.
type Sender struct {
	client  *http.Client
	apiBase string
	token   string
	guildID string
	log     zerolog.Logger
}

var _ relay.Sender = (*Sender)(nil)

// NewSender creates a webhook sender. With a non-empty token it falls back to
// posting as the bot.
func NewSender(client *http.Client, apiBase, token, guildID string, log zerolog.Logger) *Sender {
	return &Sender{
		client:  client,
		apiBase: apiBase,
		token:   token,
		guildID: guildID,
		log:     log.With().Str("component", "fluxer_sender").Logger(),
	}
}

func (s *Sender) Platform() relay.Platform {
	return relay.Fluxer
}

func (s *Sender) Send(ctx context.Context, target *relay.DeliveryTarget) (*relay.SendResult, error) {
	log := s.log.With().Str("channel_id", target.ChannelID).Logger()
	if len(target.Files) > maxFiles {
		log.Warn().Int("count", len(target.Files)).Msg("Too many files, sending the first ones only")
	}
	if target.Webhook != "" {
		res, err := s.executeWebhook(ctx, target)
		if err == nil || s.token == "" {
			return res, err
		}
		log.Warn().Err(err).Msg("Webhook send failed, falling back to bot message")
	}
	if s.token == "" {
		return nil, relay.Permanent(relay.ErrNoWebhook)
	}
	return s.sendAsBot(ctx, target)
}

func (s *Sender) executeWebhook(ctx context.Context, target *relay.DeliveryTarget) (*relay.SendResult, error) {
	endpoint, err := url.Parse(target.Webhook)
	if err != nil {
		return nil, relay.Permanent(fmt.Errorf("invalid webhook URL: %w", err))
	}
	q := endpoint.Query()
	q.Set("wait", "true")
	endpoint.RawQuery = q.Encode()

	username := target.DisplayName
	if username == "" {
		username = defaultUsername
	}
	files := limitFiles(target.Files)
	payload := &webhookPayload{
		Username:        discordfmt.Truncate(username, 80),
		AvatarURL:       target.AvatarURL,
		Content:         prepareContent(target.Content),
		Attachments:     attachmentList(files),
		AllowedMentions: allowedMentions{Parse: []string{"users"}},
	}
	res, err := s.post(ctx, endpoint.String(), "", payload, files)
	if err != nil {
		return nil, err
	}
	return s.result(res, target.ChannelID), nil
}

func (s *Sender) sendAsBot(ctx context.Context, target *relay.DeliveryTarget) (*relay.SendResult, error) {
	files := limitFiles(target.Files)
	payload := &messagePayload{
		Content:         prepareContent(target.PrefixedContent),
		Attachments:     attachmentList(files),
		AllowedMentions: allowedMentions{Parse: []string{"users"}},
	}
	if ref := target.ReplyTo; ref != nil && ref.ChannelID == target.ChannelID {
		payload.MessageReference = &messageReference{
			MessageID: ref.MessageID,
			ChannelID: ref.ChannelID,
			GuildID:   ref.GuildID,
		}
	}
	if payload.Content == "" && len(files) == 0 {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/channels/%s/messages", s.apiBase, url.PathEscape(target.ChannelID))
	res, err := s.post(ctx, endpoint, "Bot "+s.token, payload, files)
	if err != nil {
		return nil, err
	}
	return s.result(res, target.ChannelID), nil
}

func (s *Sender) result(body []byte, channelID string) *relay.SendResult {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	msg := gjson.ParseBytes(body)
	res := &relay.SendResult{
		MessageID: msg.Get("id").String(),
		ChannelID: msg.Get("channel_id").String(),
		AuthorID:  msg.Get("author.id").String(),
		GuildID:   msg.Get("guild_id").String(),
	}
	if res.ChannelID == "" {
		res.ChannelID = channelID
	}
	if res.GuildID == "" {
		res.GuildID = s.guildID
	}
	return res
}

// post sends a multipart request with a payload_json part and one files[i]
// part per file, returning the response body of a successful request.
func (s *Sender) post(ctx context.Context, endpoint, auth string, payload any, files []relay.File) ([]byte, error) {
	body, contentType, err := buildMultipart(payload, files)
	if err != nil {
		return nil, relay.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, relay.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return data, nil
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case retryafter.Should(resp.StatusCode, true) || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &relay.RetryAfterError{
			Err:   fmt.Errorf("fluxer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			After: retryDelay(resp, data),
		}
	default:
		return nil, relay.Permanent(fmt.Errorf("fluxer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
}

func retryDelay(resp *http.Response, body []byte) time.Duration {
	if delay := retryafter.Parse(resp.Header.Get("Retry-After"), 0); delay > 0 {
		return delay
	}
	// Rate limit bodies carry the delay in seconds.
	if secs := gjson.GetBytes(body, "retry_after").Float(); secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func buildMultipart(payload any, files []relay.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create payload part: %w", err)
	}
	if err = json.NewEncoder(part).Encode(payload); err != nil {
		return nil, "", fmt.Errorf("failed to encode payload: %w", err)
	}
	for i, f := range files {
		fw, err := w.CreateFormFile("files["+strconv.Itoa(i)+"]", f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err = fw.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}
	if err = w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func prepareContent(text string) string {
	return discordfmt.Truncate(discordfmt.EscapeMentions(text), maxContentRunes)
}

func limitFiles(files []relay.File) []relay.File {
	if len(files) > maxFiles {
		return files[:maxFiles]
	}
	return files
}

func attachmentList(files []relay.File) []attachmentPayload {
	out := make([]attachmentPayload, len(files))
	for i, f := range files {
		out[i] = attachmentPayload{ID: i, Filename: f.Name}
	}
	return out
}
