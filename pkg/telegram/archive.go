// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ArchiveUser is a sender entry from a history batch.
type ArchiveUser struct {
	ID       int64
	Name     string
	Username string
	IsBot    bool
}

// ArchiveMessage is one message from a history batch.
type ArchiveMessage struct {
	ID        int64
	FromID    int64
	Type      string
	Text      string
	HasMedia  bool
	MediaType string
	// Filename is derived from the media descriptor, empty without media.
	Filename  string
	ReplyToID int64
}

// IsService reports whether the message is a chat service event.
func (m *ArchiveMessage) IsService() bool {
	return m.Type == "messageService"
}

// HistoryBatch is the parsed result of one history request. Messages are in
// the order the archive returned them, newest first.
type HistoryBatch struct {
	Messages []ArchiveMessage
	Users    map[int64]*ArchiveUser
}

// User returns the directory entry for id, or nil.
func (b *HistoryBatch) User(id int64) *ArchiveUser {
	if b == nil {
		return nil
	}
	return b.Users[id]
}

// ArchiveClient reads chat history from the archive endpoint.
type ArchiveClient struct {
	client  *http.Client
	baseURL string
	limit   int
	log     zerolog.Logger
}

// NewArchiveClient creates a client for apiURL, which may be a bare host
// (https is assumed) or a full base URL.
func NewArchiveClient(client *http.Client, apiURL string, limit int, log zerolog.Logger) *ArchiveClient {
	if limit <= 0 {
		limit = 15
	}
	return &ArchiveClient{
		client:  client,
		baseURL: BaseURL(apiURL),
		limit:   limit,
		log:     log.With().Str("component", "telegram_archive").Logger(),
	}
}

// BaseURL normalises the configured archive address.
func BaseURL(apiURL string) string {
	apiURL = strings.TrimSuffix(apiURL, "/")
	if strings.Contains(apiURL, "://") {
		return apiURL
	}
	return "https://" + apiURL
}

// History fetches the latest messages of chatID.
func (c *ArchiveClient) History(ctx context.Context, chatID int64) (*HistoryBatch, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("page", "1")
	q.Set("peer", strconv.FormatInt(chatID, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages.getHistory?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("history response is not valid JSON")
	}
	batch := parseHistory(data)
	c.log.Debug().
		Int64("chat_id", chatID).
		Int("count", len(batch.Messages)).
		Msg("Fetched history batch")
	return batch, nil
}

// MediaURL is the download address of the media attached to a message.
func (c *ArchiveClient) MediaURL(chatID, messageID int64) string {
	return fmt.Sprintf("%s/api/getMedia?peer=%d&id=%d", c.baseURL, chatID, messageID)
}

func parseHistory(data []byte) *HistoryBatch {
	root := gjson.GetBytes(data, "response")
	batch := &HistoryBatch{Users: make(map[int64]*ArchiveUser)}

	root.Get("users").ForEach(func(_, u gjson.Result) bool {
		id := u.Get("id").Int()
		if id == 0 {
			return true
		}
		batch.Users[id] = &ArchiveUser{
			ID:       id,
			Name:     displayName(id, u.Get("first_name").String(), u.Get("last_name").String(), u.Get("username").String()),
			Username: u.Get("username").String(),
			IsBot:    u.Get("is_bot").Bool(),
		}
		return true
	})

	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		msg := ArchiveMessage{
			ID:        m.Get("id").Int(),
			FromID:    peerID(m.Get("from_id")),
			Type:      m.Get("_").String(),
			Text:      m.Get("message").String(),
			ReplyToID: m.Get("reply_to.reply_to_msg_id").Int(),
		}
		if media := m.Get("media"); media.Exists() && media.Type != gjson.Null {
			msg.HasMedia = true
			msg.MediaType = media.Get("_").String()
			msg.Filename = mediaFilename(media)
		}
		batch.Messages = append(batch.Messages, msg)
		return true
	})
	return batch
}

// peerID accepts both a bare numeric id and a peer object.
func peerID(v gjson.Result) int64 {
	if !v.IsObject() {
		return v.Int()
	}
	if id := v.Get("user_id"); id.Exists() {
		return id.Int()
	}
	if id := v.Get("channel_id"); id.Exists() {
		return -id.Int()
	}
	return -v.Get("chat_id").Int()
}

func displayName(id int64, first, last, username string) string {
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case username != "":
		return username
	default:
		return "User_" + strconv.FormatInt(id, 10)
	}
}

func mediaFilename(media gjson.Result) string {
	switch media.Get("_").String() {
	case "messageMediaDocument":
		var name string
		media.Get("document.attributes").ForEach(func(_, attr gjson.Result) bool {
			if attr.Get("_").String() == "documentAttributeFilename" {
				name = attr.Get("file_name").String()
				return false
			}
			return true
		})
		if name != "" {
			return name
		}
	case "messageMediaPhoto":
		return "telegram_photo.jpg"
	case "messageMediaVideo":
		return "telegram_video.mp4"
	case "messageMediaAudio":
		return "telegram_audio.mp3"
	case "messageMediaVoice":
		return "telegram_voice.ogg"
	}
	return "telegram_file"
}
