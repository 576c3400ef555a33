package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/farmchat/internal/bridge"
)

// startRelay runs a full relay over the memory bridge behind an httptest
// server.
func startRelay(t *testing.T, configure func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := NewConfig()
	cfg.StaticDir = t.TempDir()
	cfg.Bridge.Driver = bridge.DriverMemory
	if configure != nil {
		configure(cfg)
	}

	br := bridge.NewMemory(zerolog.Nop())
	srv := New(*cfg, br, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	ts := httptest.NewServer(SetupRoutes(srv))
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
		cancel()
		_ = br.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

// readUntil skips frames until one carrying event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	for {
		env := readFrame(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func readCount(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	var count int
	require.NoError(t, json.Unmarshal(readUntil(t, conn, EventOnlineCount).Data, &count))
	return count
}

func readChat(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, EventChatMessage).Data, &msg))
	return msg
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := encodeEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestRelayConnectReceivesCountAndHistory(t *testing.T) {
	_, ts := startRelay(t, nil)
	conn := dial(t, ts)

	first := readFrame(t, conn)
	assert.Equal(t, EventOnlineCount, first.Event)
	assert.JSONEq(t, "1", string(first.Data))

	second := readFrame(t, conn)
	assert.Equal(t, EventChatHistory, second.Event)
	assert.JSONEq(t, "[]", string(second.Data))
}

func TestRelayBroadcastIncludesSender(t *testing.T) {
	_, ts := startRelay(t, nil)

	sender := dial(t, ts)
	readUntil(t, sender, EventChatHistory)
	listener := dial(t, ts)
	readUntil(t, listener, EventChatHistory)

	sendEvent(t, sender, EventChatMessage, SubmitPayload{User: "Ann", Text: "carrots ready", Role: "admin"})

	for _, conn := range []*websocket.Conn{sender, listener} {
		msg := readChat(t, conn)
		assert.Equal(t, "Ann", msg.User)
		assert.Equal(t, "carrots ready", msg.Text)
		assert.Equal(t, "admin", msg.Role)
		assert.NotZero(t, msg.ID)
		assert.NotEmpty(t, msg.Time)
	}
}

func TestRelayDisconnectUpdatesCount(t *testing.T) {
	srv, ts := startRelay(t, nil)

	stay := dial(t, ts)
	assert.Equal(t, 1, readCount(t, stay))

	leave := dial(t, ts)
	assert.Equal(t, 2, readCount(t, stay))
	readUntil(t, leave, EventChatHistory)

	require.NoError(t, leave.Close())
	assert.Equal(t, 1, readCount(t, stay))
	assert.Equal(t, 1, srv.Hub().ClientCount())
}

func TestRelayLateJoinerGetsHistory(t *testing.T) {
	_, ts := startRelay(t, nil)

	early := dial(t, ts)
	readUntil(t, early, EventChatHistory)
	for _, text := range []string{"one", "two", "three"} {
		sendEvent(t, early, EventChatMessage, SubmitPayload{Text: text})
		readChat(t, early)
	}

	late := dial(t, ts)
	var backlog []ChatMessage
	require.NoError(t, json.Unmarshal(readUntil(t, late, EventChatHistory).Data, &backlog))
	require.Len(t, backlog, 3)
	assert.Equal(t, "one", backlog[0].Text)
	assert.Equal(t, "three", backlog[2].Text)
	assert.Equal(t, "Farmer", backlog[0].User)
}

func TestRelayIgnoresUnknownEvents(t *testing.T) {
	_, ts := startRelay(t, nil)
	conn := dial(t, ts)
	readUntil(t, conn, EventChatHistory)

	sendEvent(t, conn, "typing", map[string]string{"user": "Ann"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEvent(t, conn, EventChatMessage, SubmitPayload{Text: "after noise"})

	env := readFrame(t, conn)
	require.Equal(t, EventChatMessage, env.Event, "unknown events must not produce frames")
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "after noise", msg.Text)
}

func TestRelayPublishLoopsBackThroughBridge(t *testing.T) {
	_, ts := startRelay(t, nil)
	conn := dial(t, ts)
	readUntil(t, conn, EventChatHistory)

	resp, err := http.Post(ts.URL+PublishPath, "application/json", bytes.NewBufferString(`{"data":"rain tomorrow"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg := readChat(t, conn)
	assert.Equal(t, bridge.DefaultPublishName, msg.User)
	assert.Equal(t, "rain tomorrow", msg.Text)
	assert.Equal(t, "user", msg.Role)
}

func TestRelayPublishToOtherChannelIsNotRelayed(t *testing.T) {
	_, ts := startRelay(t, nil)
	conn := dial(t, ts)
	readUntil(t, conn, EventChatHistory)

	resp, err := http.Post(ts.URL+PublishPath, "application/json", bytes.NewBufferString(`{"channel":"elsewhere","data":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sendEvent(t, conn, EventChatMessage, SubmitPayload{Text: "local"})
	assert.Equal(t, "local", readChat(t, conn).Text)
}

func TestRelayRateLimitDiscardsExcess(t *testing.T) {
	_, ts := startRelay(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	})
	conn := dial(t, ts)
	readUntil(t, conn, EventChatHistory)

	sendEvent(t, conn, EventChatMessage, SubmitPayload{Text: "first"})
	sendEvent(t, conn, EventChatMessage, SubmitPayload{Text: "second"})
	assert.Equal(t, "first", readChat(t, conn).Text)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "second message should have been discarded")
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	_, ts := startRelay(t, func(c *Config) {
		c.AllowedOrigins = []string{"https://farm.example"}
	})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://FARM.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRelayServesStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>farm</h1>"), 0o644))

	_, ts := startRelay(t, func(c *Config) { c.StaticDir = dir })

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<h1>farm</h1>")
}

func TestRelayOversizedMessageClosesSender(t *testing.T) {
	_, ts := startRelay(t, func(c *Config) { c.MaxMessageSize = 64 })

	sender := dial(t, ts)
	readUntil(t, sender, EventChatHistory)
	receiver := dial(t, ts)
	readUntil(t, receiver, EventChatHistory)

	sendEvent(t, sender, EventChatMessage, SubmitPayload{Text: strings.Repeat("A", 128)})

	next := readFrame(t, receiver)
	require.Equal(t, EventOnlineCount, next.Event, "oversized message must not be broadcast")
	assert.JSONEq(t, "1", string(next.Data))

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(eventTimeout)))
	for {
		if _, _, err := sender.ReadMessage(); err != nil {
			break
		}
	}
}

func TestRelayConcurrentConnections(t *testing.T) {
	const clients = 10
	srv, ts := startRelay(t, nil)

	var wg sync.WaitGroup
	conns := make([]*websocket.Conn, clients)
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], _, errs[i] = websocket.DefaultDialer.Dial(wsURL(ts), nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i])
		conn := conns[i]
		t.Cleanup(func() { _ = conn.Close() })
	}

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == clients }, eventTimeout, 10*time.Millisecond)
	for _, conn := range conns {
		count := 0
		for count != clients {
			count = readCount(t, conn)
		}
	}
}

func TestRelayShutdownDisconnectsClients(t *testing.T) {
	srv, ts := startRelay(t, nil)

	conns := []*websocket.Conn{dial(t, ts), dial(t, ts), dial(t, ts)}
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == len(conns) }, eventTimeout, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(2*time.Second))
	assert.Equal(t, 0, srv.Hub().ClientCount())

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventTimeout)))
		var err error
		for err == nil {
			_, _, err = conn.ReadMessage()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout(), "connection should be closed by the server, not time out")
		}
	}
}

func TestRelayHidesDotfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ABLY_API_KEY=app.key:secret\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("[core]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('farm')"), 0o644))

	_, ts := startRelay(t, func(c *Config) { c.StaticDir = dir })

	tests := []struct {
		path         string
		expectedCode int
	}{
		{path: "/.env", expectedCode: http.StatusNotFound},
		{path: "/%2eenv", expectedCode: http.StatusNotFound},
		{path: "/.git/config", expectedCode: http.StatusNotFound},
		{path: "/app.js", expectedCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode)
			assert.NotContains(t, string(body), "secret")
		})
	}
}
