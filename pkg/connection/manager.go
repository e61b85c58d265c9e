// Package connection tracks every client connection (WebSocket, HTTP, CLI)
// in a single pool with secondary indices by kind, session and user, and
// runs the idle reaper and WebSocket liveness probe.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icotes/icotes/pkg/broker"
)

var (
	// ErrConnectionLimit is returned when a session already holds the
	// maximum number of connections.
	ErrConnectionLimit = errors.New("connection limit exceeded for session")

	// ErrNotFound is returned for unknown connection ids.
	ErrNotFound = errors.New("connection not found")

	// ErrNotSendable is returned when sending to a connection that is not
	// in a sendable state or has no push transport.
	ErrNotSendable = errors.New("connection does not accept sends")
)

// AuthFunc validates an authentication token. The manager ships a
// permissive default; deployments install their own policy.
type AuthFunc func(ctx context.Context, token, method string) (userID string, err error)

// Options configure a Manager.
type Options struct {
	MaxPerSession     int
	ConnectionTimeout time.Duration
	PingInterval      time.Duration
	Authenticate      AuthFunc
}

// Manager owns the connection pool. The primary map and all secondary
// indices are mutated together under one mutex so a connection is always
// in exactly the indices its fields imply.
type Manager struct {
	mu        sync.Mutex
	conns     map[string]*Connection
	byKind    map[Kind]map[string]struct{}
	bySession map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}

	bus  *broker.Broker
	opts Options

	cancel context.CancelFunc
	done   chan struct{}

	totalConnected    uint64
	totalDisconnected uint64
}

// NewManager creates a Manager publishing connection.* events on bus.
func NewManager(bus *broker.Broker, opts Options) *Manager {
	if opts.MaxPerSession <= 0 {
		opts.MaxPerSession = 10
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 300 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Authenticate == nil {
		opts.Authenticate = func(_ context.Context, token, _ string) (string, error) {
			if token == "" {
				return "", errors.New("empty token")
			}
			return "", nil
		}
	}
	return &Manager{
		conns:     make(map[string]*Connection),
		byKind:    make(map[Kind]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		bus:       bus,
		opts:      opts,
	}
}

// Start launches the idle reaper and liveness probe loops.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	slog.Info("Connection manager started",
		"max_per_session", m.opts.MaxPerSession,
		"connection_timeout", m.opts.ConnectionTimeout,
		"ping_interval", m.opts.PingInterval)
}

// Stop halts the background loops and disconnects every connection.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Disconnect(id, "server shutdown")
	}
	slog.Info("Connection manager stopped")
}

// ConnectWebSocket registers a long-lived WebSocket connection.
func (m *Manager) ConnectWebSocket(t Transport, sessionID, userID string) (Info, error) {
	return m.connect(KindWebSocket, t, sessionID, userID)
}

// ConnectHTTP registers a short-lived HTTP connection.
func (m *Manager) ConnectHTTP(sessionID, userID string) (Info, error) {
	return m.connect(KindHTTP, NoTransport{}, sessionID, userID)
}

// ConnectCLI registers a CLI connection.
func (m *Manager) ConnectCLI(sessionID, userID string) (Info, error) {
	return m.connect(KindCLI, NoTransport{}, sessionID, userID)
}

func (m *Manager) connect(kind Kind, t Transport, sessionID, userID string) (Info, error) {
	now := time.Now()
	c := &Connection{
		id:           uuid.New().String(),
		kind:         kind,
		state:        StateConnecting,
		sessionID:    sessionID,
		userID:       userID,
		createdAt:    now,
		lastActivity: now,
		transport:    t,
	}

	m.mu.Lock()
	if sessionID != "" && len(m.bySession[sessionID]) >= m.opts.MaxPerSession {
		m.mu.Unlock()
		return Info{}, ErrConnectionLimit
	}
	c.state = StateConnected
	m.conns[c.id] = c
	m.indexAdd(c)
	m.totalConnected++
	info := c.info()
	m.mu.Unlock()

	m.publish("connection.established", map[string]any{
		"connection_id": c.id,
		"kind":          string(kind),
		"session_id":    sessionID,
		"user_id":       userID,
	})
	return info, nil
}

// Authenticate runs the configured auth hook and promotes the connection.
func (m *Manager) Authenticate(ctx context.Context, id, token, method string) (Info, error) {
	userID, err := m.opts.Authenticate(ctx, token, method)
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrNotFound
	}
	m.indexRemove(c)
	if userID != "" {
		c.userID = userID
	}
	c.state = StateAuthenticated
	c.lastActivity = time.Now()
	m.indexAdd(c)
	info := c.info()
	m.mu.Unlock()

	m.publish("connection.authenticated", map[string]any{
		"connection_id": id,
		"user_id":       info.UserID,
		"method":        method,
	})
	return info, nil
}

// Bind attaches session and user ids to an existing connection, moving it
// between the secondary indices atomically.
func (m *Manager) Bind(id, sessionID, userID string) (Info, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrNotFound
	}
	m.indexRemove(c)
	if sessionID != "" {
		c.sessionID = sessionID
	}
	if userID != "" {
		c.userID = userID
	}
	c.lastActivity = time.Now()
	m.indexAdd(c)
	info := c.info()
	m.mu.Unlock()
	return info, nil
}

// Disconnect tears down one connection and purges every index entry.
// Unknown ids return ErrNotFound; repeated disconnects are otherwise safe.
func (m *Manager) Disconnect(id, reason string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	c.state = StateDisconnecting
	m.mu.Unlock()

	m.publish("connection.disconnecting", map[string]any{
		"connection_id": id,
		"reason":        reason,
	})

	if err := c.transport.Close(reason); err != nil {
		slog.Debug("Transport close failed", "connection_id", id, "error", err)
	}

	m.mu.Lock()
	m.indexRemove(c)
	delete(m.conns, id)
	c.state = StateDisconnected
	m.totalDisconnected++
	m.mu.Unlock()

	m.publish("connection.disconnected", map[string]any{
		"connection_id": id,
		"kind":          string(c.kind),
		"reason":        reason,
	})
	return nil
}

// UpdateActivity refreshes the idle timer for a connection.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		c.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// Send delivers a payload to one connection. Only connected or
// authenticated connections accept sends.
func (m *Manager) Send(ctx context.Context, id string, data []byte) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !c.sendable() {
		m.mu.Unlock()
		return ErrNotSendable
	}
	t := c.transport
	c.sent++
	m.mu.Unlock()

	return t.Send(ctx, data)
}

// Broadcast sends data to every connection accepted by filter (nil filter
// means all sendable connections). Returns the number of successful sends.
func (m *Manager) Broadcast(ctx context.Context, data []byte, filter func(Info) bool) int {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if !c.sendable() {
			continue
		}
		if filter != nil && !filter(c.info()) {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.transport.Send(ctx, data); err != nil {
			slog.Warn("Broadcast send failed", "connection_id", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Get returns a snapshot of one connection.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return c.info(), nil
}

// BySession returns snapshots of every connection in a session.
func (m *Manager) BySession(sessionID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		out = append(out, m.conns[id].info())
	}
	return out
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Active            int            `json:"active"`
	ByKind            map[Kind]int   `json:"by_kind"`
	Sessions          int            `json:"sessions"`
	Users             int            `json:"users"`
	TotalConnected    uint64         `json:"total_connected"`
	TotalDisconnected uint64         `json:"total_disconnected"`
}

// Stats returns pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind := make(map[Kind]int, len(m.byKind))
	for k, set := range m.byKind {
		byKind[k] = len(set)
	}
	return Stats{
		Active:            len(m.conns),
		ByKind:            byKind,
		Sessions:          len(m.bySession),
		Users:             len(m.byUser),
		TotalConnected:    m.totalConnected,
		TotalDisconnected: m.totalDisconnected,
	}
}

// indexAdd and indexRemove must run under m.mu. Empty secondary sets are
// deleted so index membership always mirrors connection fields exactly.
func (m *Manager) indexAdd(c *Connection) {
	if m.byKind[c.kind] == nil {
		m.byKind[c.kind] = make(map[string]struct{})
	}
	m.byKind[c.kind][c.id] = struct{}{}
	if c.sessionID != "" {
		if m.bySession[c.sessionID] == nil {
			m.bySession[c.sessionID] = make(map[string]struct{})
		}
		m.bySession[c.sessionID][c.id] = struct{}{}
	}
	if c.userID != "" {
		if m.byUser[c.userID] == nil {
			m.byUser[c.userID] = make(map[string]struct{})
		}
		m.byUser[c.userID][c.id] = struct{}{}
	}
}

func (m *Manager) indexRemove(c *Connection) {
	if set, ok := m.byKind[c.kind]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(m.byKind, c.kind)
		}
	}
	if c.sessionID != "" {
		if set, ok := m.bySession[c.sessionID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(m.bySession, c.sessionID)
			}
		}
	}
	if c.userID != "" {
		if set, ok := m.byUser[c.userID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(m.byUser, c.userID)
			}
		}
	}
}

func (m *Manager) publish(topic string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if _, err := m.bus.Publish(topic, payload, broker.WithSender("connection_manager")); err != nil {
		slog.Debug("Connection event publish failed", "topic", topic, "error", err)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	reap := time.NewTicker(60 * time.Second)
	defer reap.Stop()
	ping := time.NewTicker(m.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			m.reapIdle()
		case <-ping.C:
			m.probeWebSockets(ctx)
		}
	}
}

// reapIdle disconnects connections whose last activity exceeded the
// configured timeout.
func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.opts.ConnectionTimeout)

	m.mu.Lock()
	var stale []string
	for id, c := range m.conns {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Info("Reaping idle connection", "connection_id", id)
		_ = m.Disconnect(id, "Connection timeout")
	}
}

// probeWebSockets pings every WebSocket connection and disconnects the
// ones that fail.
func (m *Manager) probeWebSockets(ctx context.Context) {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.byKind[KindWebSocket]))
	for id := range m.byKind[KindWebSocket] {
		targets = append(targets, m.conns[id])
	}
	m.mu.Unlock()

	for _, c := range targets {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.transport.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Warn("Liveness probe failed", "connection_id", c.id, "error", err)
			_ = m.Disconnect(c.id, "Ping failed")
			continue
		}
		// A pong proves the peer is alive; a quiet-but-healthy client
		// must not fall to the idle reaper.
		m.UpdateActivity(c.id)
	}
}
