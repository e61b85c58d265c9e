// Package remoteterm bridges WebSocket clients to PTY channels on hop
// sessions. One manager instance serves every remote context; it is
// registered with the hop service so terminals die with their session
// instead of hanging on a dead transport.
package remoteterm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/icotes/icotes/pkg/hop"
)

const (
	termType    = "xterm-256color"
	defaultCols = 120
	defaultRows = 30
	readBufSize = 8192
)

// Manager tracks live remote terminals.
type Manager struct {
	hop   *hop.Service
	shell string
	log   *slog.Logger

	mu    sync.Mutex
	terms map[string]*remoteTerminal
}

type remoteTerminal struct {
	id        string
	contextID string
	channel   hop.TerminalChannel
	cancel    context.CancelFunc
}

// NewManager builds the manager and hooks it into the hop service so a
// session disconnect shuts its terminals down first.
func NewManager(hopSvc *hop.Service, shell string, log *slog.Logger) *Manager {
	if shell == "" {
		shell = "/bin/bash"
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		hop:   hopSvc,
		shell: shell,
		log:   log,
		terms: make(map[string]*remoteTerminal),
	}
	hopSvc.OnDisconnect(m.ShutdownAll)
	return m
}

func (m *Manager) Kind() string { return "remote" }

// Attach opens a PTY on the session's host and bridges it to the
// stream until the process exits or the client goes away.
func (m *Manager) Attach(ctx context.Context, stream hop.TerminalStream, opts hop.TerminalOptions) (string, error) {
	contextID := opts.ContextID
	if contextID == "" {
		contextID = m.hop.ActiveContext()
	}
	if contextID == hop.LocalContextID {
		return "", fmt.Errorf("remote terminals need a remote context")
	}
	sess, ok := m.hop.Session(contextID)
	if !ok || sess.Status != hop.StatusConnected {
		return "", fmt.Errorf("session %q is not connected", contextID)
	}
	conn, err := m.hop.Conn(contextID)
	if err != nil {
		return "", err
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	channel, shellUsed, err := m.openShell(conn, sess.Cwd, cols, rows)
	if err != nil {
		return "", err
	}

	termCtx, cancel := context.WithCancel(ctx)
	term := &remoteTerminal{
		id:        uuid.New().String(),
		contextID: contextID,
		channel:   channel,
		cancel:    cancel,
	}
	m.mu.Lock()
	m.terms[term.id] = term
	m.mu.Unlock()
	m.log.Info("remote terminal started",
		"terminal_id", term.id, "context_id", contextID, "shell", shellUsed)

	m.bridge(termCtx, term, stream)

	m.mu.Lock()
	delete(m.terms, term.id)
	m.mu.Unlock()
	channel.Close()
	stream.Close("terminal closed")
	m.log.Info("remote terminal closed", "terminal_id", term.id, "context_id", contextID)
	return term.id, nil
}

// openShell starts the user's shell as a login interactive shell,
// degrading to plain interactive and finally /bin/sh when the remote
// side rejects the richer invocations.
func (m *Manager) openShell(conn hop.SSHConn, cwd string, cols, rows int) (hop.TerminalChannel, string, error) {
	anchor := ""
	if cwd != "" {
		anchor = fmt.Sprintf("cd %s 2>/dev/null; ", shellQuote(cwd))
	}
	candidates := []string{
		anchor + "exec " + m.shell + " -l -i",
		anchor + "exec " + m.shell + " -i",
		anchor + "exec /bin/sh -i",
	}
	var lastErr error
	for _, cmd := range candidates {
		channel, err := conn.OpenTerminal(termType, cols, rows, cmd)
		if err == nil {
			return channel, cmd, nil
		}
		lastErr = err
		m.log.Warn("shell start failed, trying fallback", "command", cmd, "error", err)
	}
	return nil, "", fmt.Errorf("starting remote shell: %w", lastErr)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// bridge runs the three pumps: PTY output to the stream, stream input
// to the PTY with in-band resize interception, and a process watcher.
// It returns when any pump stops.
func (m *Manager) bridge(ctx context.Context, term *remoteTerminal, stream hop.TerminalStream) {
	done := make(chan struct{}, 3)

	// Output pump.
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, readBufSize)
		for {
			n, err := term.channel.Read(buf)
			if n > 0 {
				if werr := stream.Write(ctx, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Input pump.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			data, err := stream.Read(ctx)
			if err != nil {
				return
			}
			if cols, rows, ok := parseResize(data); ok {
				if err := term.channel.Resize(cols, rows); err != nil {
					m.log.Warn("remote resize failed", "terminal_id", term.id, "error", err)
				}
				continue
			}
			if _, err := term.channel.Write(data); err != nil {
				return
			}
		}
	}()

	// Process watcher.
	go func() {
		defer func() { done <- struct{}{} }()
		term.channel.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	term.cancel()
}

// parseResize recognises the in-band {"type":"resize","cols":N,"rows":N}
// control frame. Anything else is terminal input, including JSON the
// user happens to paste, which is why the type field must match exactly.
func parseResize(data []byte) (cols, rows int, ok bool) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return 0, 0, false
	}
	var frame struct {
		Type string `json:"type"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return 0, 0, false
	}
	if frame.Type != "resize" || frame.Cols <= 0 || frame.Rows <= 0 {
		return 0, 0, false
	}
	return frame.Cols, frame.Rows, true
}

// Resize applies an out-of-band resize, for clients that use the RPC
// path instead of the in-band frame.
func (m *Manager) Resize(terminalID string, cols, rows int) error {
	m.mu.Lock()
	term, ok := m.terms[terminalID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown terminal %q", terminalID)
	}
	return term.channel.Resize(cols, rows)
}

// Detach force-kills a terminal. The bridge notices the closed channel
// and unwinds.
func (m *Manager) Detach(terminalID string) error {
	m.mu.Lock()
	term, ok := m.terms[terminalID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown terminal %q", terminalID)
	}
	term.channel.Close()
	term.cancel()
	return nil
}

// ShutdownAll kills every terminal on a context. The hop service calls
// it while tearing a session down, before the transport closes.
func (m *Manager) ShutdownAll(contextID string) {
	m.mu.Lock()
	var victims []*remoteTerminal
	for _, term := range m.terms {
		if term.contextID == contextID {
			victims = append(victims, term)
		}
	}
	m.mu.Unlock()
	for _, term := range victims {
		m.log.Info("shutting down remote terminal with session",
			"terminal_id", term.id, "context_id", contextID)
		term.channel.Close()
		term.cancel()
	}
}

// Count returns the number of live terminals, for stats reporting.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terms)
}
