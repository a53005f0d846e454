package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kursadbilgin/realtime-gate/internal/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type gatewayFixture struct {
	server   *httptest.Server
	hub      *Hub
	registry *registry.Registry
	auth     *Authenticator
}

func newGatewayFixture(t *testing.T, regCfg registry.Config, cfg Config) *gatewayFixture {
	t.Helper()

	auth, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	hub := NewHub(16, nil)
	reg := registry.New(regCfg, hub, nil)
	handler, err := NewHandler(hub, reg, auth, cfg, nil)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	server := httptest.NewServer(handler.Router())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &gatewayFixture{server: server, hub: hub, registry: reg, auth: auth}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) (*websocket.Conn, Frame) {
	t.Helper()

	token, err := f.auth.Issue(userID, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, readFrame(t, conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func readCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("ReadMessage() error = %v, want close error", err)
		}
		return closeErr
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{})

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() expected error without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() response = %v, want 401", resp)
	}
	if f.registry.Stats().TotalChannels != 0 {
		t.Fatalf("TotalChannels = %d, want 0", f.registry.Stats().TotalChannels)
	}
}

func TestServeWSRegistersChannelAndDelivers(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{})
	conn, welcome := f.dial(t, "u1")

	if welcome.Type != frameConnected || welcome.ChannelID == "" {
		t.Fatalf("welcome frame = %+v, want connected with channel id", welcome)
	}
	if !f.registry.IsOnline("u1") {
		t.Fatal("IsOnline(u1) = false, want true")
	}
	if got := f.registry.Channels("u1"); len(got) != 1 || got[0] != welcome.ChannelID {
		t.Fatalf("Channels(u1) = %v, want [%s]", got, welcome.ChannelID)
	}

	reached := f.registry.Send(context.Background(), map[string]string{"hello": "world"}, "u1", "offline")
	if reached != 1 {
		t.Fatalf("Send() reached = %d, want 1", reached)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload map[string]string
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if payload["hello"] != "world" {
		t.Fatalf("payload = %v, want hello=world", payload)
	}
}

func TestServeWSPingRefreshesPresence(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{})
	conn, _ := f.dial(t, "u1")

	if err := conn.WriteJSON(Frame{Type: framePing, TS: 42}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	pong := readFrame(t, conn)
	if pong.Type != framePong || pong.TS != 42 {
		t.Fatalf("pong frame = %+v, want pong ts=42", pong)
	}

	if err := conn.WriteJSON(Frame{Type: "subscribe"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if got := readFrame(t, conn); got.Type != frameError {
		t.Fatalf("frame = %+v, want error frame", got)
	}
}

func TestServeWSThrottlesInboundFrames(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{InboundRate: 0.001, InboundBurst: 1})
	conn, _ := f.dial(t, "u1")

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(Frame{Type: framePing, TS: int64(i + 1)}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	if got := readFrame(t, conn); got.Type != framePong {
		t.Fatalf("first frame = %+v, want pong", got)
	}
	if got := readFrame(t, conn); got.Type != frameError || got.Error != "rate limited" {
		t.Fatalf("second frame = %+v, want rate limited error", got)
	}
}

func TestServeWSClosesWithTryAgainLaterAtGlobalCap(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{MaxChannelsPerUser: 2, MaxChannelsGlobal: 1}, Config{})
	f.dial(t, "u1")

	token, err := f.auth.Issue("u2", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	closeErr := readCloseError(t, conn)
	if closeErr.Code != closeTryAgainLater {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeTryAgainLater)
	}
	if f.registry.IsOnline("u2") {
		t.Fatal("IsOnline(u2) = true, want false")
	}
}

func TestServeWSEvictedChannelIsClosed(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{MaxChannelsPerUser: 1, MaxChannelsGlobal: 10}, Config{})
	first, firstWelcome := f.dial(t, "u1")
	_, secondWelcome := f.dial(t, "u1")

	closeErr := readCloseError(t, first)
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}

	got := f.registry.Channels("u1")
	if len(got) != 1 || got[0] != secondWelcome.ChannelID {
		t.Fatalf("Channels(u1) = %v, want [%s]", got, secondWelcome.ChannelID)
	}
	if got[0] == firstWelcome.ChannelID {
		t.Fatal("evicted channel is still registered")
	}
}

func TestServeWSClientCloseRemovesChannel(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{})
	conn, _ := f.dial(t, "u1")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()

	waitFor(t, func() bool { return !f.registry.IsOnline("u1") })
	waitFor(t, func() bool { return f.hub.Connections() == 0 })
}

func TestServeWSLogsWithUserAndCorrelationID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	auth, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	hub := NewHub(16, nil)
	reg := registry.New(registry.Config{}, hub, nil)
	handler, err := NewHandler(hub, reg, auth, Config{}, zap.New(core))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler.Router())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	token, err := auth.Issue("u-log", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	header := http.Header{}
	header.Set("X-Request-ID", "req-77")
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	readFrame(t, conn)

	waitFor(t, func() bool {
		return logs.FilterMessage("channel connected").Len() == 1
	})
	fields := logs.FilterMessage("channel connected").All()[0].ContextMap()
	if fields["userId"] != "u-log" {
		t.Fatalf("userId field = %v, want u-log", fields["userId"])
	}
	if fields["correlationId"] != "req-77" {
		t.Fatalf("correlationId field = %v, want req-77", fields["correlationId"])
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, registry.Config{}, Config{})

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body error = %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestNewHandlerValidatesDependencies(t *testing.T) {
	t.Parallel()

	auth, _ := NewAuthenticator("secret")
	hub := NewHub(0, nil)
	reg := registry.New(registry.Config{}, hub, nil)

	if _, err := NewHandler(nil, reg, auth, Config{}, nil); err == nil {
		t.Fatal("NewHandler(nil hub) expected error")
	}
	if _, err := NewHandler(hub, nil, auth, Config{}, nil); err == nil {
		t.Fatal("NewHandler(nil presence) expected error")
	}
	if _, err := NewHandler(hub, reg, nil, Config{}, nil); err == nil {
		t.Fatal("NewHandler(nil auth) expected error")
	}
}
