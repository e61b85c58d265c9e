package hop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/config"
)

// connectParams is everything needed to (re)establish one session.
// Secrets live here, in memory only, so the reconnect loop can redial
// without asking the user again.
type connectParams struct {
	cred       Credential
	password   string
	passphrase string
}

// Service manages SSH hop sessions. Each connected destination is a
// session keyed by context id; the implicit "local" session always
// exists. One session is active at a time and receives the filesystem
// and terminal traffic routed by Router.
type Service struct {
	cfg   config.HopConfig
	store *CredentialStore
	bus   *broker.Broker
	dial  Dialer
	log   *slog.Logger
	scrub *Sanitizer

	// connectMu serialises connect, disconnect and reconnect attempts so
	// two callers cannot race the same context through the state machine.
	connectMu sync.Mutex

	mu            sync.Mutex
	sessions      map[string]*Session
	conns         map[string]SSHConn
	sftps         map[string]SFTPClient
	params        map[string]connectParams
	everConnected map[string]bool
	reconnects    map[string]context.CancelFunc
	active        string
	onDisconnect  []func(contextID string)

	// sleep is the reconnect delay primitive. Tests replace it to drive
	// the backoff schedule without waiting.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewService builds the hop service. The broker may be nil, in which
// case no events are published.
func NewService(cfg config.HopConfig, store *CredentialStore, bus *broker.Broker, dial Dialer, log *slog.Logger) *Service {
	if dial == nil {
		dial = DialSSH
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:           cfg,
		store:         store,
		bus:           bus,
		dial:          dial,
		log:           log,
		scrub:         NewSanitizer(),
		sessions:      make(map[string]*Session),
		conns:         make(map[string]SSHConn),
		sftps:         make(map[string]SFTPClient),
		params:        make(map[string]connectParams),
		everConnected: make(map[string]bool),
		reconnects:    make(map[string]context.CancelFunc),
		active:        LocalContextID,
		sleep: func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return true
			case <-ctx.Done():
				return false
			}
		},
	}
	s.sessions[LocalContextID] = &Session{
		ContextID: LocalContextID,
		Status:    StatusConnected,
		Quality:   QualityGood,
		Cwd:       "",
	}
	return s
}

// Store exposes the credential store for the API layer.
func (s *Service) Store() *CredentialStore { return s.store }

// OnDisconnect registers a hook run while a session is being torn down,
// before the SSH connection closes. The remote terminal manager uses it
// to shut down PTYs that would otherwise hang on a dead transport.
func (s *Service) OnDisconnect(hook func(contextID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, hook)
}

// Connect establishes a session for the named credential and makes it
// the active context. Password and passphrase are used for this dial
// and kept in memory for the reconnect loop; they are never persisted.
func (s *Service) Connect(ctx context.Context, credential, password, passphrase string) (Session, error) {
	cred, err := s.store.Get(credential)
	if err != nil {
		return Session{}, err
	}
	if cred.Name == LocalContextID {
		return Session{}, fmt.Errorf("credential name %q is reserved", LocalContextID)
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	contextID := cred.Name
	s.cancelReconnect(contextID)

	s.setStatus(contextID, func(sess *Session) {
		sess.Status = StatusConnecting
		sess.Host = cred.Host
		sess.Port = cred.Port
		sess.Username = cred.Username
		sess.CredentialID = cred.ID
		sess.CredentialName = cred.Name
		sess.LastError = ""
		sess.ReconnectAttempt = 0
		sess.Quality = QualityUnknown
	})

	p := connectParams{cred: cred, password: password, passphrase: passphrase}
	if err := s.establish(ctx, contextID, p); err != nil {
		friendly := FriendlyError(err)
		s.setStatus(contextID, func(sess *Session) {
			sess.Status = StatusError
			sess.LastError = friendly
		})
		s.log.Error("hop connect failed",
			"context_id", contextID,
			"host", cred.Host,
			"user", MaskUser(cred.Username),
			"error", s.scrub.Scrub(err.Error()))
		return Session{}, fmt.Errorf("%s", friendly)
	}

	s.mu.Lock()
	s.params[contextID] = p
	s.everConnected[contextID] = true
	s.active = contextID
	snap := *s.sessions[contextID]
	snap.Active = true
	s.mu.Unlock()

	s.publishContextChanged(contextID)
	s.publishSessions()
	s.log.Info("hop connected",
		"context_id", contextID,
		"host", cred.Host,
		"user", MaskUser(cred.Username),
		"cwd", snap.Cwd)
	return snap, nil
}

// establish dials, starts SFTP and resolves the working directory. On
// success the connection is registered and a monitor goroutine watches
// for unexpected drops. Callers hold connectMu.
func (s *Service) establish(ctx context.Context, contextID string, p connectParams) error {
	sshCfg, err := buildClientConfig(p.cred, p.password, p.passphrase, s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	addr := fmt.Sprintf("%s:%d", p.cred.Host, p.cred.Port)
	s.debugLog("hop dialing", "context_id", contextID, "addr", addr, "auth", string(p.cred.Auth))
	conn, err := s.dial(dialCtx, addr, sshCfg)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	s.debugLog("hop transport established", "context_id", contextID, "addr", addr)

	sftpClient := s.startSFTP(contextID, conn)
	cwd := s.resolveCwd(ctx, conn, sftpClient, p.cred.DefaultPath)
	s.debugLog("hop session ready",
		"context_id", contextID, "cwd", cwd, "sftp", sftpClient != nil)

	s.mu.Lock()
	if old := s.conns[contextID]; old != nil {
		old.Close()
	}
	s.conns[contextID] = conn
	if old := s.sftps[contextID]; old != nil {
		old.Close()
	}
	if sftpClient != nil {
		s.sftps[contextID] = sftpClient
	} else {
		delete(s.sftps, contextID)
	}
	sess := s.sessions[contextID]
	sess.Status = StatusConnected
	sess.Cwd = cwd
	sess.LastError = ""
	sess.ReconnectAttempt = 0
	sess.SFTPAvailable = sftpClient != nil
	sess.ConnectedAt = time.Now()
	s.mu.Unlock()
	s.publishStatus(contextID)

	go s.monitor(contextID, conn)
	return nil
}

// startSFTP opens the SFTP subsystem, bounded by the configured start
// timeout. A session without SFTP is still usable for terminals, so
// failure here degrades rather than aborts.
func (s *Service) startSFTP(contextID string, conn SSHConn) SFTPClient {
	type result struct {
		client SFTPClient
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := conn.OpenSFTP()
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			s.log.Warn("sftp subsystem unavailable",
				"context_id", contextID, "error", s.scrub.Scrub(r.err.Error()))
			return nil
		}
		return r.client
	case <-time.After(s.cfg.SFTPStartTimeout):
		s.log.Warn("sftp subsystem start timed out", "context_id", contextID)
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil
	}
}

// resolveCwd picks the session working directory: the credential's
// default path when it exists on the remote, otherwise $HOME, otherwise
// the server's own idea of the current directory, otherwise root.
func (s *Service) resolveCwd(ctx context.Context, conn SSHConn, sftpClient SFTPClient, defaultPath string) string {
	if defaultPath != "" {
		if sftpClient == nil {
			return defaultPath
		}
		if info, err := sftpClient.Stat(defaultPath); err == nil && info.IsDir() {
			return defaultPath
		}
		s.log.Warn("default path missing on remote, falling back", "path", defaultPath)
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	if out, err := conn.RunCommand(probeCtx, "echo $HOME"); err == nil {
		if home := strings.TrimSpace(string(out)); home != "" {
			return home
		}
	}
	if out, err := conn.RunCommand(probeCtx, "pwd"); err == nil {
		if wd := strings.TrimSpace(string(out)); wd != "" {
			return wd
		}
	}
	return "/"
}

// monitor waits for the transport to drop. A deliberate Disconnect
// removes the connection from the map first, so a stale monitor wakes
// up, sees it no longer owns the slot and exits without reconnecting.
func (s *Service) monitor(contextID string, conn SSHConn) {
	err := conn.Wait()

	s.mu.Lock()
	current := s.conns[contextID] == conn
	if current {
		delete(s.conns, contextID)
		if c := s.sftps[contextID]; c != nil {
			c.Close()
			delete(s.sftps, contextID)
		}
	}
	retries := s.cfg.MaxRetries
	s.mu.Unlock()
	if !current {
		return
	}

	msg := "connection closed"
	if err != nil {
		msg = s.scrub.Scrub(err.Error())
	}
	s.log.Warn("hop connection dropped", "context_id", contextID, "error", msg)

	if retries <= 0 {
		s.setStatus(contextID, func(sess *Session) {
			sess.Status = StatusError
			sess.LastError = "Connection lost."
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.reconnects[contextID] = cancel
	s.mu.Unlock()
	go s.reconnectLoop(ctx, contextID)
}

// reconnectLoop retries the last successful connect parameters with
// exponential backoff, capped at 30 seconds between attempts.
func (s *Service) reconnectLoop(ctx context.Context, contextID string) {
	defer s.cancelReconnect(contextID)

	s.mu.Lock()
	p, ok := s.params[contextID]
	s.mu.Unlock()
	if !ok {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.cfg.BackoffBase * float64(time.Second))
	bo.Multiplier = s.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.setStatus(contextID, func(sess *Session) {
			sess.Status = StatusReconnecting
			sess.ReconnectAttempt = attempt
		})
		if !s.sleep(ctx, bo.NextBackOff()) {
			return
		}

		s.connectMu.Lock()
		err := s.establish(ctx, contextID, p)
		s.connectMu.Unlock()
		if err == nil {
			s.log.Info("hop reconnected", "context_id", contextID, "attempt", attempt)
			s.publishSessions()
			return
		}
		s.log.Warn("hop reconnect attempt failed",
			"context_id", contextID, "attempt", attempt,
			"error", s.scrub.Scrub(err.Error()))
		if ctx.Err() != nil {
			return
		}
	}

	s.setStatus(contextID, func(sess *Session) {
		sess.Status = StatusError
		sess.LastError = fmt.Sprintf("Failed to reconnect after %d attempts.", s.cfg.MaxRetries)
	})
	s.publishSessions()
}

func (s *Service) cancelReconnect(contextID string) {
	s.mu.Lock()
	cancel := s.reconnects[contextID]
	delete(s.reconnects, contextID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect tears down a session. The local context cannot be
// disconnected; if the session was active, the local context becomes
// active again.
func (s *Service) Disconnect(contextID string) error {
	if contextID == LocalContextID {
		return fmt.Errorf("the local context cannot be disconnected")
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	s.cancelReconnect(contextID)

	s.mu.Lock()
	sess, ok := s.sessions[contextID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown session %q", contextID)
	}
	sess.Status = StatusDisconnected
	conn := s.conns[contextID]
	sftpClient := s.sftps[contextID]
	delete(s.conns, contextID)
	delete(s.sftps, contextID)
	delete(s.params, contextID)
	hooks := append([]func(string){}, s.onDisconnect...)
	wasActive := s.active == contextID
	if wasActive {
		s.active = LocalContextID
	}
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(contextID)
	}
	if sftpClient != nil {
		sftpClient.Close()
	}
	if conn != nil {
		s.closeWithTimeout(contextID, conn)
	}

	s.publishStatus(contextID)
	if wasActive {
		s.publishContextChanged(LocalContextID)
	}
	s.publishSessions()
	s.log.Info("hop disconnected", "context_id", contextID)
	return nil
}

// closeWithTimeout closes the transport but refuses to hang on it: a
// dead TCP peer can stall Close until kernel timeouts fire.
func (s *Service) closeWithTimeout(contextID string, conn SSHConn) {
	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("hop transport close timed out, abandoning", "context_id", contextID)
	}
}

// HopTo switches the active context to an already connected session.
func (s *Service) HopTo(contextID string) (Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[contextID]
	if !ok {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("unknown session %q", contextID)
	}
	if sess.Status != StatusConnected {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("session %q is %s, not connected", contextID, sess.Status)
	}
	s.active = contextID
	snap := *sess
	snap.Active = true
	s.mu.Unlock()

	s.publishContextChanged(contextID)
	s.publishSessions()
	return snap, nil
}

// Status returns the active session. Sessions that claim to be
// connected but have no live transport and never completed a connect
// are normalised to disconnected; the active context falls back to
// local rather than pointing at a ghost.
func (s *Service) Status() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[s.active]
	if sess.ContextID != LocalContextID &&
		sess.Status == StatusConnected &&
		s.conns[sess.ContextID] == nil &&
		!s.everConnected[sess.ContextID] {
		sess.Status = StatusDisconnected
		s.active = LocalContextID
		sess = s.sessions[LocalContextID]
	}
	snap := *sess
	snap.Active = true
	return snap
}

// ActiveContext returns the active context id.
func (s *Service) ActiveContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ListSessions returns a snapshot of every session, local included.
func (s *Service) ListSessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		snap := *sess
		snap.Active = id == s.active
		out = append(out, snap)
	}
	return out
}

// Session returns a snapshot of one session.
func (s *Service) Session(contextID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[contextID]
	if !ok {
		return Session{}, false
	}
	snap := *sess
	snap.Active = contextID == s.active
	return snap, true
}

// Conn returns the live SSH connection for a context.
func (s *Service) Conn(contextID string) (SSHConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[contextID]
	if conn == nil {
		return nil, fmt.Errorf("session %q has no live connection", contextID)
	}
	return conn, nil
}

// SFTP returns the shared SFTP client for a context. Long-running bulk
// work should use EphemeralSFTP instead so it cannot wedge the shared
// channel.
func (s *Service) SFTP(contextID string) (SFTPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.sftps[contextID]
	if c == nil {
		return nil, fmt.Errorf("session %q has no SFTP channel", contextID)
	}
	return c, nil
}

// EphemeralSFTP opens a dedicated SFTP channel over the existing
// connection. The caller owns it and must Close it.
func (s *Service) EphemeralSFTP(contextID string) (SFTPClient, error) {
	conn, err := s.Conn(contextID)
	if err != nil {
		return nil, err
	}
	return conn.OpenSFTP()
}

// EphemeralSSH dials a brand-new connection with the session's stored
// parameters, for work that must not share fate with the main
// transport. The caller owns it and must Close it.
func (s *Service) EphemeralSSH(ctx context.Context, contextID string) (SSHConn, error) {
	s.mu.Lock()
	p, ok := s.params[contextID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no stored connect parameters for session %q", contextID)
	}
	sshCfg, err := buildClientConfig(p.cred, p.password, p.passphrase, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.dial(dialCtx, fmt.Sprintf("%s:%d", p.cred.Host, p.cred.Port), sshCfg)
}

// CheckConnectionHealth probes a session with a round-trip echo and
// grades the latency. Errors grade as poor.
func (s *Service) CheckConnectionHealth(ctx context.Context, contextID string) (Quality, time.Duration, error) {
	if contextID == LocalContextID {
		return QualityGood, 0, nil
	}
	conn, err := s.Conn(contextID)
	if err != nil {
		return QualityUnknown, 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	start := time.Now()
	_, err = conn.RunCommand(probeCtx, "echo icotes-ping")
	latency := time.Since(start)

	quality := QualityPoor
	switch {
	case err != nil:
		quality = QualityPoor
	case latency < 300*time.Millisecond:
		quality = QualityGood
	case latency < time.Second:
		quality = QualityDegraded
	}
	s.setStatus(contextID, func(sess *Session) { sess.Quality = quality })
	if err != nil {
		return quality, latency, fmt.Errorf("health probe: %s", s.scrub.Scrub(err.Error()))
	}
	return quality, latency, nil
}

// Shutdown disconnects every remote session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	var ids []string
	for id := range s.sessions {
		if id != LocalContextID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Disconnect(id); err != nil {
			s.log.Warn("shutdown disconnect failed", "context_id", id, "error", err)
		}
	}
}

// setStatus mutates a session under the lock, creating it if needed,
// then publishes the updated snapshot.
func (s *Service) setStatus(contextID string, mutate func(*Session)) {
	s.mu.Lock()
	sess, ok := s.sessions[contextID]
	if !ok {
		sess = &Session{ContextID: contextID, Quality: QualityUnknown}
		s.sessions[contextID] = sess
	}
	mutate(sess)
	s.mu.Unlock()
	s.publishStatus(contextID)
}

func (s *Service) publishStatus(contextID string) {
	if s.bus == nil {
		return
	}
	if snap, ok := s.Session(contextID); ok {
		s.bus.Publish(TopicStatus, snap, broker.WithSender("hop"))
	}
}

func (s *Service) publishSessions() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(TopicSessions, s.ListSessions(), broker.WithSender("hop"))
}

func (s *Service) publishContextChanged(contextID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(TopicContextChanged, map[string]any{"contextId": contextID}, broker.WithSender("hop"))
}

// CreateCredential stores a credential and announces it on the bus.
// Credentials carry no secrets (keys live on disk behind KeyFile), so
// the full record is safe to publish.
func (s *Service) CreateCredential(c Credential) (Credential, error) {
	created, err := s.store.Create(c)
	if err != nil {
		return Credential{}, err
	}
	s.publishCredential(TopicCredentialCreated, created)
	return created, nil
}

// UpdateCredential persists changes to a credential and announces them.
func (s *Service) UpdateCredential(c Credential) (Credential, error) {
	updated, err := s.store.Update(c)
	if err != nil {
		return Credential{}, err
	}
	s.publishCredential(TopicCredentialUpdated, updated)
	return updated, nil
}

// DeleteCredential removes a credential and announces the removal with
// the last known record.
func (s *Service) DeleteCredential(idOrName string) error {
	cred, err := s.store.Get(idOrName)
	if err != nil {
		return err
	}
	if err := s.store.Delete(idOrName); err != nil {
		return err
	}
	s.publishCredential(TopicCredentialDeleted, cred)
	return nil
}

// debugLog emits connection-phase detail when HOP_DEBUG_MODE is set.
// The lines go out at info level so the knob works without touching
// the global log level.
func (s *Service) debugLog(msg string, args ...any) {
	if !s.cfg.DebugMode {
		return
	}
	s.log.Info(msg, args...)
}

func (s *Service) publishCredential(topic string, c Credential) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, c, broker.WithSender("hop"))
}
