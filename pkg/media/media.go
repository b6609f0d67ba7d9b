// Copyright 2024-2026 Aiku AI

// Package media downloads attachments for relaying. Files over the size
// limit are never attached; they become a link notice in the message text.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"

	"github.com/aiku/fca-bridge/pkg/relay"
)

// DefaultMaxBytes is the largest file forwarded inline.
const DefaultMaxBytes = 10 * 1024 * 1024

// Downloader fetches attachment refs over HTTP.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	log      zerolog.Logger
}

var _ relay.MediaFetcher = (*Downloader)(nil)

// NewDownloader creates a downloader. maxBytes <= 0 uses DefaultMaxBytes.
func NewDownloader(client *http.Client, maxBytes int64, log zerolog.Logger) *Downloader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Downloader{
		client:   client,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "media").Logger(),
	}
}

// Fetch downloads every ref in order. A ref that is too large or fails to
// download is replaced by a notice so the content is never silently lost.
func (d *Downloader) Fetch(ctx context.Context, origin relay.Platform, refs []relay.AttachmentRef) ([]relay.File, []string) {
	var files []relay.File
	var notices []string
	for _, ref := range refs {
		name := ref.Filename
		if name == "" {
			name = fallbackName(ref.URL)
		}
		if ref.Size > d.maxBytes {
			d.log.Debug().Str("file", name).Int64("size", ref.Size).Msg("Attachment over size limit, sending link")
			notices = append(notices, OversizedNotice(name, ref.URL))
			continue
		}
		file, err := d.download(ctx, ref.URL, name)
		switch {
		case err == nil:
			files = append(files, *file)
		case errors.Is(err, errTooLarge):
			d.log.Debug().Str("file", name).Msg("Downloaded attachment over size limit, sending link")
			notices = append(notices, OversizedNotice(name, ref.URL))
		default:
			d.log.Warn().Err(err).Str("file", name).Str("url", ref.URL).Msg("Failed to download attachment")
			notices = append(notices, FailedNotice(origin, name, ref.URL))
		}
	}
	return files, notices
}

var errTooLarge = errors.New("attachment exceeds size limit")

func (d *Downloader) download(ctx context.Context, rawURL, name string) (*relay.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return nil, errTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, errTooLarge
	}
	if path.Ext(name) == "" {
		name += exmime.ExtensionFromMimetype(resp.Header.Get("Content-Type"))
	}
	return &relay.File{Name: name, Data: data}, nil
}

func fallbackName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "file"
	}
	return base
}

// OversizedNotice is the text that replaces a file too large to forward.
func OversizedNotice(name, link string) string {
	return fmt.Sprintf("[%s](%s)", name, link)
}

// FailedNotice is the text that replaces a file that could not be fetched.
func FailedNotice(origin relay.Platform, name, link string) string {
	return fmt.Sprintf("[%s File: %s] Download: %s", origin.DisplayName(), name, link)
}
