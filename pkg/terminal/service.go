// Package terminal runs local PTY sessions for the workspace. Sessions
// survive WebSocket detach and reattach; an idle reaper destroys the
// ones nobody came back for.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/icotes/icotes/pkg/config"
	"github.com/icotes/icotes/pkg/hop"
)

const (
	defaultCols = 120
	defaultRows = 30
	readBufSize = 8192

	// termGraceTimeout is how long a process group gets to honour
	// SIGTERM before SIGKILL.
	termGraceTimeout = 5 * time.Second
)

// Info is the externally visible state of one terminal session.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	Attached   bool      `json:"attached"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

type session struct {
	id         string
	name       string
	cols, rows int
	createdAt  time.Time
	lastActive time.Time

	cmd     *exec.Cmd
	ptmx    *os.File
	done    chan struct{} // closed when the process exits
	running bool
	// stream is the currently attached client, nil while detached.
	// The session's single output pump checks it on every chunk, so
	// reattachment never leaves a stale reader racing the PTY.
	stream hop.TerminalStream
}

// Service manages local terminal sessions.
type Service struct {
	cfg   config.TerminalConfig
	shell string
	cwd   string
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService builds the service. Sessions start shell (typically the
// user's $SHELL) with cwd as working directory.
func NewService(cfg config.TerminalConfig, shell, cwd string, log *slog.Logger) *Service {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		shell:    shell,
		cwd:      cwd,
		log:      log,
		sessions: make(map[string]*session),
	}
}

func (s *Service) Kind() string { return "local" }

// Run drives the idle reaper until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.DestroyAll()
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// Create registers a terminal session without starting its process.
func (s *Service) Create(name string, cols, rows int) Info {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	now := time.Now()
	sess := &session{
		id:         uuid.New().String(),
		name:       name,
		cols:       cols,
		rows:       rows,
		createdAt:  now,
		lastActive: now,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Info("terminal created", "terminal_id", sess.id, "name", name)
	return snapshot(sess)
}

// Start launches the shell on a fresh PTY. Starting an already running
// session is an error; a stopped session can be started again.
func (s *Service) Start(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("unknown terminal %q", id)
	}
	if sess.running {
		return Info{}, fmt.Errorf("terminal %q is already running", id)
	}

	cmd := exec.Command(s.shell)
	cmd.Dir = s.cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(sess.cols),
		Rows: uint16(sess.rows),
	})
	if err != nil {
		return Info{}, fmt.Errorf("starting shell: %w", err)
	}

	sess.cmd = cmd
	sess.ptmx = ptmx
	sess.done = make(chan struct{})
	sess.running = true
	sess.lastActive = time.Now()

	done := sess.done
	go func() {
		cmd.Wait()
		s.mu.Lock()
		sess.running = false
		s.mu.Unlock()
		close(done)
	}()
	go s.outputLoop(sess, ptmx)

	s.log.Info("terminal started", "terminal_id", id, "shell", s.shell, "pid", cmd.Process.Pid)
	return snapshot(sess), nil
}

// Stop terminates the session's process group: SIGTERM first, SIGKILL
// after the grace period. The session itself stays registered.
func (s *Service) Stop(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown terminal %q", id)
	}
	cmd, done, running := sess.cmd, sess.done, sess.running
	s.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	// The shell runs in its own session, so its pid doubles as the
	// process group id and the negative pid addresses the whole group.
	pgid := cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(termGraceTimeout):
		s.log.Warn("terminal ignored SIGTERM, killing", "terminal_id", id)
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// Destroy stops the session and removes it.
func (s *Service) Destroy(id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess != nil && sess.ptmx != nil {
		sess.ptmx.Close()
	}
	s.log.Info("terminal destroyed", "terminal_id", id)
	return nil
}

// DestroyAll tears down every session, for shutdown.
func (s *Service) DestroyAll() {
	s.mu.Lock()
	var ids []string
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Destroy(id)
	}
}

// Resize changes the PTY window size.
func (s *Service) Resize(id string, cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("unknown terminal %q", id)
	}
	sess.cols, sess.rows = cols, rows
	sess.lastActive = time.Now()
	if sess.ptmx == nil {
		return nil
	}
	return pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// SendInput writes keystrokes to the PTY, for the RPC input path.
func (s *Service) SendInput(id string, data []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || !sess.running {
		s.mu.Unlock()
		return fmt.Errorf("terminal %q is not running", id)
	}
	ptmx := sess.ptmx
	sess.lastActive = time.Now()
	s.mu.Unlock()
	_, err := ptmx.Write(data)
	return err
}

// List returns all sessions.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, snapshot(sess))
	}
	return out
}

// Get returns one session.
func (s *Service) Get(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("unknown terminal %q", id)
	}
	return snapshot(sess), nil
}

// Attach bridges a client stream to a session. A missing TerminalID
// creates and starts a fresh session; an existing one is reattached,
// started first if needed. A second client attaching to the same
// session replaces the first. Attach blocks until the process exits or
// the client goes away, and leaves the session registered so the
// client can come back.
func (s *Service) Attach(ctx context.Context, stream hop.TerminalStream, opts hop.TerminalOptions) (string, error) {
	id := opts.TerminalID
	if id == "" {
		id = s.Create("", opts.Cols, opts.Rows).ID
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	running := ok && sess.running
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown terminal %q", id)
	}
	if !running {
		if _, err := s.Start(id); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	ptmx, done := sess.ptmx, sess.done
	if prev := sess.stream; prev != nil {
		prev.Close("replaced by a new client")
	}
	sess.stream = stream
	sess.lastActive = time.Now()
	s.mu.Unlock()

	s.inputLoop(ctx, id, ptmx, done, stream)

	s.mu.Lock()
	if sess.stream == stream {
		sess.stream = nil
	}
	sess.lastActive = time.Now()
	s.mu.Unlock()
	stream.Close("terminal detached")
	return id, nil
}

// Detach force-destroys a terminal, satisfying the terminal backend
// contract used by the context router.
func (s *Service) Detach(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown terminal %q", id)
	}
	return s.Destroy(id)
}

// outputLoop is the session's single PTY reader, started with the
// process and stopped by PTY EOF after exit. Output lands on whichever
// stream is attached and is dropped while nobody is.
func (s *Service) outputLoop(sess *session, ptmx *os.File) {
	buf := make([]byte, readBufSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			stream := sess.stream
			s.mu.Unlock()
			if stream != nil {
				if werr := stream.Write(context.Background(), buf[:n]); werr != nil {
					s.mu.Lock()
					if sess.stream == stream {
						sess.stream = nil
					}
					s.mu.Unlock()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// inputLoop pumps client frames into the PTY until the client or the
// process goes away. Resize control frames are intercepted in-band.
func (s *Service) inputLoop(ctx context.Context, id string, ptmx *os.File, done chan struct{}, stream hop.TerminalStream) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for {
		data, err := stream.Read(loopCtx)
		if err != nil {
			return
		}
		if cols, rows, ok := parseResize(data); ok {
			if err := s.Resize(id, cols, rows); err != nil {
				s.log.Warn("resize failed", "terminal_id", id, "error", err)
			}
			continue
		}
		s.touch(id)
		if _, err := ptmx.Write(data); err != nil {
			return
		}
	}
}

func (s *Service) touch(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastActive = time.Now()
	}
	s.mu.Unlock()
}

// reapIdle destroys detached sessions idle past the timeout.
func (s *Service) reapIdle() {
	timeout := s.cfg.SessionTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	cutoff := time.Now().Add(-timeout)

	s.mu.Lock()
	var victims []string
	for id, sess := range s.sessions {
		if sess.stream == nil && sess.lastActive.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	s.mu.Unlock()
	for _, id := range victims {
		s.log.Info("reaping idle terminal", "terminal_id", id)
		s.Destroy(id)
	}
}

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

func snapshot(sess *session) Info {
	return Info{
		ID:         sess.id,
		Name:       sess.name,
		Running:    sess.running,
		Attached:   sess.stream != nil,
		Cols:       sess.cols,
		Rows:       sess.rows,
		CreatedAt:  sess.createdAt,
		LastActive: sess.lastActive,
	}
}
