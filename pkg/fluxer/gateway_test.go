// Copyright 2024-2026 Aiku AI

package fluxer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/fca-bridge/pkg/relay"
)

// fakeGateway runs script once per websocket connection.
func fakeGateway(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(conn *websocket.Conn, raw string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func TestGatewayIdentifyAndDispatch(t *testing.T) {
	t.Parallel()
	identified := make(chan string, 1)
	url := fakeGateway(t, func(conn *websocket.Conn) {
		if sendFrame(conn, `{"op":10,"d":{"heartbeat_interval":20}}`) != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		identify := gjson.ParseBytes(data)
		if identify.Get("op").Int() != opIdentify {
			t.Errorf("expected identify, got %s", data)
			return
		}
		identified <- identify.Get("d.token").String()
		_ = sendFrame(conn, `{"op":0,"s":1,"t":"READY","d":{"session_id":"s1","user":{"id":"bot-1","username":"relay"}}}`)
		_ = sendFrame(conn, `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"id":"m1","channel_id":"300","guild_id":"g-1","type":0,"content":"hello","author":{"id":"u1","username":"ann"}}}`)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if gjson.GetBytes(data, "op").Int() == opHeartbeat {
				_ = sendFrame(conn, `{"op":11}`)
			}
		}
	})

	router := newMockRouter()
	guard := relay.NewLoopGuard()
	g := NewGateway(url, "secret", "g-1", router, guard, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	select {
	case token := <-identified:
		if token != "secret" {
			t.Errorf("identify token: got %q", token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never identified")
	}
	select {
	case <-router.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("message was never routed")
	}
	router.mu.Lock()
	evt := router.events[0]
	router.mu.Unlock()
	if evt.ChatID != "300" || evt.Text != "hello" || evt.SenderName != "ann" {
		t.Errorf("routed event: got %+v", evt)
	}
	if !guard.IsOwnUser(relay.Fluxer, "bot-1") {
		t.Error("READY should record the bot user")
	}
	if g.seq.Load() != 2 {
		t.Errorf("sequence: got %d", g.seq.Load())
	}

	// Let a few heartbeats go through before shutting down.
	time.Sleep(80 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestGatewayAuthFailure(t *testing.T) {
	t.Parallel()
	url := fakeGateway(t, func(conn *websocket.Conn) {
		if sendFrame(conn, `{"op":10,"d":{"heartbeat_interval":45000}}`) != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(4004, "Authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	g := NewGateway(url, "bad", "", newMockRouter(), relay.NewLoopGuard(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Run(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestHandleFrameInvalidSession(t *testing.T) {
	t.Parallel()
	g := NewGateway("", "", "", newMockRouter(), relay.NewLoopGuard(), zerolog.Nop())
	g.sessionID = "s1"
	g.resumeURL = "wss://resume"
	g.seq.Store(9)

	var established bool
	done, err := g.handleFrame(context.Background(), nil, []byte(`{"op":9,"d":true}`), &established)
	if !done || !errors.Is(err, errInvalidSession) || g.sessionID != "s1" {
		t.Errorf("resumable invalid session should keep state, got done=%v err=%v session=%q", done, err, g.sessionID)
	}
	done, err = g.handleFrame(context.Background(), nil, []byte(`{"op":9,"d":false}`), &established)
	if !done || !errors.Is(err, errInvalidSession) || g.sessionID != "" || g.seq.Load() != 0 {
		t.Errorf("non-resumable invalid session should reset state, got done=%v err=%v session=%q", done, err, g.sessionID)
	}
	done, err = g.handleFrame(context.Background(), nil, []byte(`{"op":7}`), &established)
	if !done || !errors.Is(err, errReconnect) {
		t.Errorf("reconnect: got done=%v err=%v", done, err)
	}
	if established {
		t.Error("control frames should not mark the session established")
	}
}

func TestDispatchRecoversRouterPanic(t *testing.T) {
	t.Parallel()
	r := newMockRouter()
	r.panicOn = "boom"
	g := NewGateway("", "", "g-1", r, relay.NewLoopGuard(), zerolog.Nop())
	msg := func(id string) gjson.Result {
		return gjson.Parse(`{"id":"` + id + `","channel_id":"300","guild_id":"g-1","type":0,"content":"hi","author":{"id":"u1","username":"ann"}}`)
	}

	g.dispatch(context.Background(), "MESSAGE_CREATE", msg("boom"))
	g.dispatch(context.Background(), "MESSAGE_CREATE", msg("next"))

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) != 1 || r.events[0].MessageID != "next" {
		t.Errorf("events after a panicking one should still be routed, got %+v", r.events)
	}
}

func TestCloseReason(t *testing.T) {
	t.Parallel()
	g := NewGateway("", "", "", newMockRouter(), relay.NewLoopGuard(), zerolog.Nop())
	g.sessionID = "s1"
	g.resumeURL = "wss://resume"

	if err := g.closeReason(&websocket.CloseError{Code: 4004}); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("4004: got %v", err)
	}
	if g.sessionID != "s1" {
		t.Error("auth failure should not touch the session")
	}
	if err := g.closeReason(&websocket.CloseError{Code: 4009}); err == nil || g.sessionID != "" {
		t.Errorf("4009 should reset the session, got err=%v session=%q", err, g.sessionID)
	}
}
