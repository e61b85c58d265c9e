package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/config"
	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/jsonrpc"
)

// stubExecutor answers execute/preview frames with canned data.
type stubExecutor struct {
	result  map[string]any
	updates []map[string]any
	err     error
}

func (s *stubExecutor) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	return s.result, s.err
}

func (s *stubExecutor) ExecuteStreaming(_ context.Context, _ map[string]any, emit func(map[string]any)) error {
	for _, u := range s.updates {
		emit(u)
	}
	return s.err
}

func (s *stubExecutor) Preview(_ context.Context, _ map[string]any) (map[string]any, error) {
	return s.result, s.err
}

func setupAPI(t *testing.T, exec Executor) (*API, *broker.Broker, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := broker.New(broker.Options{})
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	manager := connection.NewManager(bus, connection.Options{})
	manager.Start(ctx)
	t.Cleanup(manager.Stop)

	rpc := jsonrpc.NewHandler()
	rpc.Register("echo", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		return map[string]any{"echoed": true}, nil
	})

	api := New(config.WSAPIConfig{HeartbeatInterval: time.Hour}, bus, manager, rpc, exec, nil)
	require.NoError(t, api.Start(ctx))
	t.Cleanup(api.Stop)

	server := httptest.NewServer(http.HandlerFunc(api.Handle))
	t.Cleanup(server.Close)
	return api, bus, server
}

func connectWS(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWelcomeFrame(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "sess-welcome")

	msg := readJSON(t, conn)
	assert.Equal(t, "welcome", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
	assert.Equal(t, "sess-welcome", msg["session_id"])
}

func TestPingPong(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestSubscribeAndForward(t *testing.T) {
	_, bus, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "subscribe", "topics": []string{"terminal.*"}})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscribed", msg["type"])

	_, err := bus.Publish("terminal.output", map[string]any{"data": "hi"})
	require.NoError(t, err)

	msg = readJSON(t, conn)
	assert.Equal(t, "terminal_event", msg["type"])
	assert.Equal(t, "terminal.output", msg["event"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", data["data"])
}

func TestDefaultSubscriptions(t *testing.T) {
	// fs.* and hop.* arrive without an explicit subscribe.
	_, bus, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	_, err := bus.Publish("fs.file_created", map[string]any{"path": "/a"})
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, "filesystem_event", msg["type"])
	assert.Equal(t, "fs.file_created", msg["event"])
}

func TestUnsubscribeStopsForwarding(t *testing.T) {
	_, bus, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "unsubscribe", "topics": []string{"fs.*", "hop.*"}})
	readJSON(t, conn) // unsubscribed

	_, err := bus.Publish("fs.file_created", map[string]any{"path": "/a"})
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err, "should not receive events after unsubscribe")
}

func TestJSONRPCFrame(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{
		"type":    "jsonrpc",
		"request": map[string]any{"jsonrpc": "2.0", "method": "echo", "id": 1},
	})

	msg := readJSON(t, conn)
	assert.Equal(t, "jsonrpc_response", msg["type"])
	resp, ok := msg["response"].(map[string]any)
	require.True(t, ok)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["echoed"])
}

func TestJSONRPCNotificationIsSilent(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	// No id means notification; no response frame must come back.
	writeJSON(t, conn, map[string]any{
		"type":    "jsonrpc",
		"request": map[string]any{"jsonrpc": "2.0", "method": "echo"},
	})

	writeJSON(t, conn, map[string]any{"type": "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestInvalidJSONKeepsConnection(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	writeJSON(t, conn, map[string]any{"type": "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestUnknownFrameType(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "frobnicate"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "frobnicate")
}

func TestAuthenticate(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "sess-auth")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "authenticate", "user_id": "alice"})
	msg := readJSON(t, conn)
	assert.Equal(t, "authenticated", msg["type"])
	assert.Equal(t, "alice", msg["user_id"])
	assert.Equal(t, "sess-auth", msg["session_id"])
}

func TestAuthenticateWithoutUser(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "authenticate"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestReplayOnReconnect(t *testing.T) {
	_, bus, server := setupAPI(t, nil)

	conn := connectWS(t, server, "sess-replay")
	readJSON(t, conn) // welcome

	const events = 5
	for i := 0; i < events; i++ {
		_, err := bus.Publish("fs.file_created", map[string]any{"seq": i})
		require.NoError(t, err)
		msg := readJSON(t, conn)
		require.Equal(t, "filesystem_event", msg["type"])
	}
	conn.Close(websocket.StatusNormalClosure, "")
	time.Sleep(100 * time.Millisecond)

	conn2 := connectWS(t, server, "sess-replay")
	msg := readJSON(t, conn2)
	require.Equal(t, "welcome", msg["type"])

	msg = readJSON(t, conn2)
	require.Equal(t, "message_replay", msg["type"])
	assert.Equal(t, float64(events), msg["count"])

	messages, ok := msg["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, events)
	for i, m := range messages {
		frame, ok := m.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "filesystem_event", frame["type"])
		data := frame["data"].(map[string]any)
		assert.Equal(t, float64(i), data["seq"], "replay must preserve publish order")
	}
}

func TestFreshSessionHasNoReplay(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "sess-fresh")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"], "no replay frame before the pong")
}

func TestExecute(t *testing.T) {
	exec := &stubExecutor{result: map[string]any{"stdout": "42\n"}}
	_, _, server := setupAPI(t, exec)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "execute", "payload": map[string]any{"code": "6*7"}})

	msg := readJSON(t, conn)
	assert.Equal(t, "execution_started", msg["type"])
	msg = readJSON(t, conn)
	assert.Equal(t, "execution_result", msg["type"])
	result := msg["result"].(map[string]any)
	assert.Equal(t, "42\n", result["stdout"])
}

func TestExecuteStreaming(t *testing.T) {
	exec := &stubExecutor{updates: []map[string]any{
		{"chunk": "line 1\n"},
		{"chunk": "line 2\n"},
	}}
	_, _, server := setupAPI(t, exec)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "execute_streaming", "payload": map[string]any{}})

	msg := readJSON(t, conn)
	assert.Equal(t, "execution_started", msg["type"])
	for i := 1; i <= 2; i++ {
		msg = readJSON(t, conn)
		assert.Equal(t, "execution_update", msg["type"])
		assert.Equal(t, fmt.Sprintf("line %d\n", i), msg["chunk"])
	}
	msg = readJSON(t, conn)
	assert.Equal(t, "execution_completed", msg["type"])
}

func TestExecuteError(t *testing.T) {
	exec := &stubExecutor{err: fmt.Errorf("interpreter crashed")}
	_, _, server := setupAPI(t, exec)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "execute", "payload": map[string]any{}})

	msg := readJSON(t, conn)
	assert.Equal(t, "execution_started", msg["type"])
	msg = readJSON(t, conn)
	assert.Equal(t, "execution_error", msg["type"])
	assert.Contains(t, msg["message"], "interpreter crashed")
}

func TestExecuteWithoutExecutor(t *testing.T) {
	_, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "execute", "payload": map[string]any{}})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestPreview(t *testing.T) {
	exec := &stubExecutor{result: map[string]any{"url": "http://localhost:5173"}}
	_, _, server := setupAPI(t, exec)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // welcome

	writeJSON(t, conn, map[string]any{"type": "preview", "payload": map[string]any{}})
	msg := readJSON(t, conn)
	assert.Equal(t, "preview", msg["type"])
	result := msg["result"].(map[string]any)
	assert.Equal(t, "http://localhost:5173", result["url"])
}

func TestIdleClientDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := broker.New(broker.Options{})
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	manager := connection.NewManager(bus, connection.Options{})
	manager.Start(ctx)
	t.Cleanup(manager.Stop)

	api := New(config.WSAPIConfig{
		HeartbeatInterval: time.Hour,
		ConnectionTimeout: 100 * time.Millisecond,
	}, bus, manager, jsonrpc.NewHandler(), nil, nil)
	require.NoError(t, api.Start(ctx))
	t.Cleanup(api.Stop)

	server := httptest.NewServer(http.HandlerFunc(api.Handle))
	t.Cleanup(server.Close)

	conn := connectWS(t, server, "idle")
	readJSON(t, conn) // welcome

	// No inbound frames: the server closes the socket once the idle
	// window elapses.
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestStats(t *testing.T) {
	api, _, server := setupAPI(t, nil)
	conn := connectWS(t, server, "sess-stats")
	readJSON(t, conn) // welcome

	stats := api.Stats()
	assert.Equal(t, 1, stats["clients"])
}

func TestEventFrameType(t *testing.T) {
	cases := map[string]string{
		"fs.file_created":          "filesystem_event",
		"terminal.output":          "terminal_event",
		"workspace.saved":          "workspace_event",
		"agents.reply":             "agent_event",
		"hop.status":               "hop_event",
		"hop.send_files.completed": "hop_event",
		"scm.commit":               "scm_event",
	}
	for topic, want := range cases {
		assert.Equal(t, want, eventFrameType(topic), topic)
	}
}

func TestReplayRingWraps(t *testing.T) {
	ring := newReplayRing(3)
	for i := 0; i < 5; i++ {
		ring.append(map[string]any{"seq": i})
	}
	got := ring.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0]["seq"])
	assert.Equal(t, 4, got[2]["seq"])
}
