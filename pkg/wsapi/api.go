// Package wsapi is the WebSocket surface of the fabric: per-connection
// topic subscriptions, JSON-RPC over the socket, code execution frames
// and session-scoped replay of recent events.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/config"
	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/jsonrpc"
)

// forwardedPatterns are the broker namespaces relayed to WebSocket
// clients. Multi-segment globs so nested topics like
// hop.send_files.completed travel too.
var forwardedPatterns = []string{
	"fs.**", "terminal.**", "workspace.**", "agents.**", "hop.**", "scm.**", "ws.**",
}

// defaultSubscriptions seed every new connection so UIs that miss the
// first subscribe window still get critical notifications.
var defaultSubscriptions = []string{"fs.*", "hop.*"}

// Executor runs code on behalf of execute/preview frames. The server
// core has no interpreter of its own; the collaborator decides what
// "running code" means.
type Executor interface {
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
	ExecuteStreaming(ctx context.Context, payload map[string]any, emit func(frame map[string]any)) error
	Preview(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// API owns the WebSocket endpoint.
type API struct {
	cfg     config.WSAPIConfig
	bus     *broker.Broker
	manager *connection.Manager
	rpc     *jsonrpc.Handler
	exec    Executor
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	replays map[string]*replayRing
	subIDs  []string
}

type client struct {
	id        string
	sessionID string
	userID    string
	sock      *websocket.Conn
	api       *API

	ctx    context.Context
	cancel context.CancelFunc

	// subs is guarded by api.mu.
	subs map[string]struct{}
}

// New wires the API. exec may be nil; execute frames then answer with
// an error frame.
func New(cfg config.WSAPIConfig, bus *broker.Broker, manager *connection.Manager, rpc *jsonrpc.Handler, exec Executor, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = time.Hour
	}
	return &API{
		cfg:     cfg,
		bus:     bus,
		manager: manager,
		rpc:     rpc,
		exec:    exec,
		log:     log,
		clients: make(map[string]*client),
		replays: make(map[string]*replayRing),
	}
}

// Start subscribes to the forwarded broker namespaces and launches the
// heartbeat loop. Transport liveness probing is the connection
// manager's job.
func (a *API) Start(ctx context.Context) error {
	for _, pattern := range forwardedPatterns {
		id, err := a.bus.Subscribe(pattern, a.forward, nil)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.subIDs = append(a.subIDs, id)
		a.mu.Unlock()
	}
	go a.heartbeatLoop(ctx)
	return nil
}

// Stop drops the broker subscriptions.
func (a *API) Stop() {
	a.mu.Lock()
	ids := a.subIDs
	a.subIDs = nil
	a.mu.Unlock()
	for _, id := range ids {
		a.bus.Unsubscribe(id)
	}
}

// Handle upgrades the request and serves the connection until it
// closes. Mount it on the /ws route.
func (a *API) Handle(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.log.Warn("websocket accept failed", "error", err)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	a.serve(r.Context(), sock, sessionID)
}

// serve owns one connection's lifecycle: register, welcome, replay,
// read loop, teardown.
func (a *API) serve(parentCtx context.Context, sock *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	cl := &client{
		sessionID: sessionID,
		sock:      sock,
		api:       a,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]struct{}),
	}

	info, err := a.manager.ConnectWebSocket(cl, sessionID, "")
	if err != nil {
		a.log.Warn("websocket registration failed", "error", err)
		sock.Close(websocket.StatusTryAgainLater, "connection limit")
		cancel()
		return
	}
	cl.id = info.ID

	a.mu.Lock()
	a.clients[cl.id] = cl
	for _, topic := range defaultSubscriptions {
		cl.subs[topic] = struct{}{}
	}
	hadReplay := a.replays[sessionID] != nil
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.clients, cl.id)
		a.mu.Unlock()
		cancel()
		a.manager.Disconnect(cl.id, "client closed")
	}()

	a.send(cl, map[string]any{
		"type":          frameWelcome,
		"connection_id": cl.id,
		"session_id":    sessionID,
		"user_id":       cl.userID,
		"timestamp":     now(),
	})
	if hadReplay {
		a.replaySession(cl)
	}

	// A client that sends nothing at all within ConnectionTimeout is
	// dropped at this layer; transport liveness is the manager's job.
	for {
		readCtx, cancelRead := context.WithTimeout(ctx, a.cfg.ConnectionTimeout)
		_, data, err := sock.Read(readCtx)
		cancelRead()
		if err != nil {
			return
		}
		a.manager.UpdateActivity(cl.id)
		a.handleFrame(cl, data)
	}
}

// handleFrame dispatches one inbound frame. Bad input answers with an
// error frame and keeps the connection; only socket failures kill it.
func (a *API) handleFrame(cl *client, data []byte) {
	var frame inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		a.sendError(cl, "invalid JSON frame")
		return
	}
	switch frame.Type {
	case "ping":
		a.send(cl, map[string]any{"type": framePong, "timestamp": now()})
	case "subscribe":
		a.subscribe(cl, frame.Topics)
	case "unsubscribe":
		a.unsubscribe(cl, frame.Topics)
	case "jsonrpc", "json-rpc":
		a.handleRPC(cl, frame.Request)
	case "authenticate":
		a.authenticate(cl, frame.UserID, frame.SessionID)
	case "execute":
		a.execute(cl, frame.Payload, false)
	case "execute_streaming":
		a.execute(cl, frame.Payload, true)
	case "preview":
		a.preview(cl, frame.Payload)
	default:
		a.sendError(cl, "unknown frame type "+frame.Type)
	}
}

func (a *API) subscribe(cl *client, topics []string) {
	if len(topics) == 0 {
		a.sendError(cl, "subscribe needs topics")
		return
	}
	a.mu.Lock()
	for _, t := range topics {
		cl.subs[t] = struct{}{}
	}
	a.mu.Unlock()
	a.send(cl, map[string]any{"type": frameSubscribed, "topics": topics, "timestamp": now()})
}

func (a *API) unsubscribe(cl *client, topics []string) {
	a.mu.Lock()
	for _, t := range topics {
		delete(cl.subs, t)
	}
	a.mu.Unlock()
	a.send(cl, map[string]any{"type": frameUnsubscribed, "topics": topics, "timestamp": now()})
}

func (a *API) handleRPC(cl *client, raw json.RawMessage) {
	if len(raw) == 0 {
		a.sendError(cl, "jsonrpc frame needs a request")
		return
	}
	resp := a.rpc.HandleRaw(cl.ctx, raw)
	if resp == nil {
		// Notification; nothing to send back.
		return
	}
	a.send(cl, map[string]any{
		"type":      frameRPCResponse,
		"response":  json.RawMessage(resp),
		"timestamp": now(),
	})
}

func (a *API) authenticate(cl *client, userID, sessionID string) {
	if userID == "" {
		a.sendError(cl, "authenticate needs user_id")
		return
	}
	if sessionID == "" {
		sessionID = cl.sessionID
	}
	if _, err := a.manager.Bind(cl.id, sessionID, userID); err != nil {
		a.sendError(cl, "authentication failed")
		return
	}
	a.mu.Lock()
	cl.userID = userID
	cl.sessionID = sessionID
	a.mu.Unlock()
	a.send(cl, map[string]any{
		"type":       frameAuthenticated,
		"user_id":    userID,
		"session_id": sessionID,
		"timestamp":  now(),
	})
	a.replaySession(cl)
}

func (a *API) execute(cl *client, payload map[string]any, streaming bool) {
	if a.exec == nil {
		a.sendError(cl, "code execution is not available")
		return
	}
	a.send(cl, map[string]any{"type": "execution_started", "timestamp": now()})
	if !streaming {
		result, err := a.exec.Execute(cl.ctx, payload)
		if err != nil {
			a.record(cl.sessionID, a.send(cl, map[string]any{
				"type": "execution_error", "message": err.Error(), "timestamp": now(),
			}))
			return
		}
		a.record(cl.sessionID, a.send(cl, map[string]any{
			"type": "execution_result", "result": result, "timestamp": now(),
		}))
		return
	}

	err := a.exec.ExecuteStreaming(cl.ctx, payload, func(update map[string]any) {
		frame := map[string]any{"type": "execution_update", "timestamp": now()}
		for k, v := range update {
			frame[k] = v
		}
		a.record(cl.sessionID, a.send(cl, frame))
	})
	if err != nil {
		a.record(cl.sessionID, a.send(cl, map[string]any{
			"type": "execution_error", "message": err.Error(), "timestamp": now(),
		}))
		return
	}
	a.record(cl.sessionID, a.send(cl, map[string]any{
		"type": "execution_completed", "timestamp": now(),
	}))
}

func (a *API) preview(cl *client, payload map[string]any) {
	if a.exec == nil {
		a.sendError(cl, "preview is not available")
		return
	}
	result, err := a.exec.Preview(cl.ctx, payload)
	if err != nil {
		a.sendError(cl, err.Error())
		return
	}
	a.send(cl, map[string]any{"type": "preview", "result": result, "timestamp": now()})
}

// forward relays one broker message to every client whose subscription
// set matches its topic. Matching is symmetric so both "subscribe to
// fs.*" and "subscribe to fs.file_created while events carry fs.*
// patterns" work.
func (a *API) forward(msg *broker.Message) {
	frame := map[string]any{
		"type":      eventFrameType(msg.Topic),
		"event":     msg.Topic,
		"data":      msg.Payload,
		"timestamp": now(),
	}

	a.mu.Lock()
	var targets []*client
	sessions := make(map[string]bool)
	for _, cl := range a.clients {
		for pattern := range cl.subs {
			if broker.TopicMatchesSymmetric(pattern, msg.Topic) {
				targets = append(targets, cl)
				sessions[cl.sessionID] = true
				break
			}
		}
	}
	a.mu.Unlock()

	for _, cl := range targets {
		a.send(cl, frame)
	}
	for sessionID := range sessions {
		a.record(sessionID, frame)
	}
}

// replaySession dumps the session's retained frames as one
// message_replay frame.
func (a *API) replaySession(cl *client) {
	a.mu.Lock()
	ring := a.replays[cl.sessionID]
	var messages []map[string]any
	if ring != nil {
		messages = ring.snapshot()
	}
	a.mu.Unlock()
	if len(messages) == 0 {
		return
	}
	a.send(cl, map[string]any{
		"type":      frameReplay,
		"messages":  messages,
		"count":     len(messages),
		"timestamp": now(),
	})
}

// record appends a frame to the session's replay ring.
func (a *API) record(sessionID string, frame map[string]any) {
	if sessionID == "" || frame == nil {
		return
	}
	a.mu.Lock()
	ring := a.replays[sessionID]
	if ring == nil {
		ring = newReplayRing(a.cfg.ReplaySize)
		a.replays[sessionID] = ring
	}
	ring.append(frame)
	a.mu.Unlock()
}

func (a *API) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := map[string]any{"type": frameHeartbeat, "timestamp": now()}
			a.mu.Lock()
			targets := make([]*client, 0, len(a.clients))
			for _, cl := range a.clients {
				targets = append(targets, cl)
			}
			a.mu.Unlock()
			for _, cl := range targets {
				a.send(cl, frame)
			}
		}
	}
}

// send marshals and writes a frame, returning it for replay recording.
// A write failure tears the connection down.
func (a *API) send(cl *client, frame map[string]any) map[string]any {
	data, err := json.Marshal(frame)
	if err != nil {
		a.log.Warn("frame marshal failed", "connection_id", cl.id, "error", err)
		return frame
	}
	if err := cl.Send(cl.ctx, data); err != nil {
		a.log.Warn("websocket send failed, dropping connection",
			"connection_id", cl.id, "error", err)
		cl.cancel()
	}
	return frame
}

func (a *API) sendError(cl *client, message string) {
	a.send(cl, map[string]any{"type": frameError, "message": message, "timestamp": now()})
}

// Stats reports live connection counts and replay ring sizes.
func (a *API) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"clients":         len(a.clients),
		"replay_sessions": len(a.replays),
	}
}

// Send implements connection.Transport.
func (c *client) Send(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.api.cfg.WriteTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

// Ping implements connection.Transport.
func (c *client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.api.cfg.WriteTimeout)
	defer cancel()
	return c.sock.Ping(pingCtx)
}

// Close implements connection.Transport.
func (c *client) Close(reason string) error {
	c.cancel()
	return c.sock.Close(websocket.StatusNormalClosure, reason)
}
