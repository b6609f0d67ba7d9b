// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aiku/fca-bridge/pkg/relay"
)

type mockRouter struct {
	mu      sync.Mutex
	events  []*relay.InboundMessage
	notify  chan struct{}
	panicOn string
}

func newMockRouter() *mockRouter {
	return &mockRouter{notify: make(chan struct{}, 16)}
}

func (r *mockRouter) OnInboundEvent(_ context.Context, origin relay.Platform, msg *relay.InboundMessage) {
	if origin != relay.Fluxer {
		panic("unexpected origin " + origin)
	}
	if r.panicOn != "" && msg.MessageID == r.panicOn {
		panic("router failure")
	}
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

// capturedRequest is a decoded multipart request.
type capturedRequest struct {
	path    string
	query   string
	auth    string
	payload map[string]any
	files   map[string]string
	names   map[string]string
}

func captureMultipart(t *testing.T, r *http.Request) *capturedRequest {
	t.Helper()
	c := &capturedRequest{
		path:  r.URL.Path,
		query: r.URL.RawQuery,
		auth:  r.Header.Get("Authorization"),
		files: make(map[string]string),
		names: make(map[string]string),
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		t.Errorf("expected multipart body, got %q", r.Header.Get("Content-Type"))
		return c
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Errorf("reading part: %v", err)
			break
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "payload_json" {
			if ct := part.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("payload_json content type: got %q", ct)
			}
			if err := json.Unmarshal(data, &c.payload); err != nil {
				t.Errorf("payload_json: %v", err)
			}
			continue
		}
		c.files[part.FormName()] = string(data)
		c.names[part.FormName()] = part.FileName()
	}
	return c
}
