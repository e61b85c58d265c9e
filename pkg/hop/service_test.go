package hop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/config"
)

// fakeConn is an in-process SSHConn. Wait blocks until the test drops
// the connection or the service closes it.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
	drop   chan struct{}
	once   sync.Once

	cmdOut   map[string]string
	cmdDelay time.Duration
	sftpErr  error
	sftp     *fakeSFTP
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		drop:   make(chan struct{}),
		cmdOut: map[string]string{"echo $HOME": "/home/dev"},
		sftp:   newFakeSFTP(),
	}
}

func (c *fakeConn) RunCommand(ctx context.Context, cmd string) ([]byte, error) {
	if c.cmdDelay > 0 {
		select {
		case <-time.After(c.cmdDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	out, ok := c.cmdOut[cmd]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("command %q failed", cmd)
	}
	return []byte(out + "\n"), nil
}

func (c *fakeConn) OpenSFTP() (SFTPClient, error) {
	if c.sftpErr != nil {
		return nil, c.sftpErr
	}
	return c.sftp, nil
}

func (c *fakeConn) OpenTerminal(term string, cols, rows int, command string) (TerminalChannel, error) {
	return nil, errors.New("no terminal in this fake")
}

func (c *fakeConn) Wait() error {
	<-c.drop
	return errors.New("connection reset by peer")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.drop) })
	return nil
}

// dropNow simulates a network-level drop without a deliberate Close.
func (c *fakeConn) dropNow() { c.once.Do(func() { close(c.drop) }) }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeSFTP is a tiny in-memory remote filesystem, enough for cwd
// validation and uploads.
type fakeSFTP struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	closed bool
}

func newFakeSFTP() *fakeSFTP {
	return &fakeSFTP{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true, "/home": true, "/home/dev": true},
	}
}

type fakeFileInfo struct {
	name string
	size int64
	dir  bool
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

func (f *fakeSFTP) Stat(p string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[p] {
		return fakeFileInfo{name: path.Base(p), dir: true}, nil
	}
	if data, ok := f.files[p]; ok {
		return fakeFileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeSFTP) Lstat(p string) (os.FileInfo, error) { return f.Stat(p) }

func (f *fakeSFTP) ReadDir(dir string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[dir] {
		return nil, os.ErrNotExist
	}
	var out []os.FileInfo
	for p, data := range f.files {
		if path.Dir(p) == dir {
			out = append(out, fakeFileInfo{name: path.Base(p), size: int64(len(data))})
		}
	}
	for p := range f.dirs {
		if p != dir && path.Dir(p) == dir {
			out = append(out, fakeFileInfo{name: path.Base(p), dir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (f *fakeSFTP) Open(p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeWriter struct {
	buf  bytes.Buffer
	done func([]byte)
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error                { w.done(w.buf.Bytes()); return nil }

func (f *fakeSFTP) Create(p string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[path.Dir(p)] {
		return nil, os.ErrNotExist
	}
	return &fakeWriter{done: func(data []byte) {
		f.mu.Lock()
		f.files[p] = data
		f.mu.Unlock()
	}}, nil
}

func (f *fakeSFTP) Mkdir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[p] {
		return os.ErrExist
	}
	if !f.dirs[path.Dir(p)] {
		return os.ErrNotExist
	}
	f.dirs[p] = true
	return nil
}

func (f *fakeSFTP) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	return nil
}

func (f *fakeSFTP) RemoveDirectory(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs, p)
	return nil
}

func (f *fakeSFTP) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[oldPath]; ok {
		f.files[newPath] = data
		delete(f.files, oldPath)
	}
	return nil
}

func (f *fakeSFTP) ReadLink(p string) (string, error) { return "", errors.New("not a link") }
func (f *fakeSFTP) Getwd() (string, error)            { return "/home/dev", nil }
func (f *fakeSFTP) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// scriptedDialer returns the queued outcomes in order and records every
// attempt.
type scriptedDialer struct {
	mu       sync.Mutex
	outcomes []func() (SSHConn, error)
	attempts int
}

func (d *scriptedDialer) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (SSHConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.outcomes) == 0 {
		return nil, errors.New("dial tcp: connection refused")
	}
	next := d.outcomes[0]
	d.outcomes = d.outcomes[1:]
	return next()
}

func (d *scriptedDialer) queueConn(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, func() (SSHConn, error) { return c, nil })
}

func (d *scriptedDialer) queueErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, func() (SSHConn, error) { return nil, err })
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func testHopConfig() config.HopConfig {
	return config.HopConfig{
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
		SFTPStartTimeout: time.Second,
		MaxRetries:       3,
		BackoffBase:      2,
		RemoteShell:      "/bin/bash",
	}
}

func newTestService(t *testing.T, dialer *scriptedDialer) *Service {
	t.Helper()
	store, _ := newTestStore(t)
	_, err := store.Create(Credential{
		Name: "buildbox", Host: "build.example.com", Port: 22,
		Username: "deploy", Auth: AuthPassword,
	})
	require.NoError(t, err)

	svc := NewService(testHopConfig(), store, nil, dialer.dial,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.sleep = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	return svc
}

func waitForStatus(t *testing.T, svc *Service, contextID string, want Status) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := svc.Session(contextID); ok && sess.Status == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := svc.Session(contextID)
	t.Fatalf("session %s never reached %s, stuck at %s (%s)", contextID, want, sess.Status, sess.LastError)
	return Session{}
}

func TestConnectSuccess(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	sess, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	assert.Equal(t, "buildbox", sess.ContextID)
	assert.Equal(t, "/home/dev", sess.Cwd, "cwd should come from the $HOME probe")
	assert.True(t, sess.SFTPAvailable)
	assert.True(t, sess.Active)
	assert.Equal(t, "buildbox", svc.ActiveContext())
}

func TestConnectUsesDefaultPath(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	conn.sftp.dirs["/srv/app"] = true
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	cred, err := svc.Store().Get("buildbox")
	require.NoError(t, err)
	cred.DefaultPath = "/srv/app"
	_, err = svc.Store().Update(cred)
	require.NoError(t, err)

	sess, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", sess.Cwd)
}

func TestConnectDefaultPathMissingFallsBack(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)

	cred, err := svc.Store().Get("buildbox")
	require.NoError(t, err)
	cred.DefaultPath = "/does/not/exist"
	_, err = svc.Store().Update(cred)
	require.NoError(t, err)

	sess, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev", sess.Cwd)
}

func TestConnectFailureIsFriendly(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueErr(errors.New("ssh: unable to authenticate, attempted methods [password], password=hunter2"))
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "hunter2", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2", "secrets must never surface in errors")
	assert.Contains(t, err.Error(), "Authentication failed")

	sess, ok := svc.Session("buildbox")
	require.True(t, ok)
	assert.Equal(t, StatusError, sess.Status)
	assert.Equal(t, LocalContextID, svc.ActiveContext(), "failed connect must not steal the active context")
}

func TestConnectWithoutSFTPDegrades(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	conn.sftpErr = errors.New("subsystem request failed")
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	sess, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	assert.False(t, sess.SFTPAvailable)

	_, err = svc.SFTP("buildbox")
	assert.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	var hookCalls []string
	svc.OnDisconnect(func(id string) { hookCalls = append(hookCalls, id) })

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect("buildbox"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, []string{"buildbox"}, hookCalls)
	assert.Equal(t, LocalContextID, svc.ActiveContext(), "active context falls back to local")

	sess, _ := svc.Session("buildbox")
	assert.Equal(t, StatusDisconnected, sess.Status)

	// A deliberate disconnect must not trigger the reconnect loop.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestDisconnectLocalRejected(t *testing.T) {
	svc := newTestService(t, &scriptedDialer{})
	assert.Error(t, svc.Disconnect(LocalContextID))
}

func TestReconnectAfterDrop(t *testing.T) {
	dialer := &scriptedDialer{}
	first := newFakeConn()
	second := newFakeConn()
	dialer.queueConn(first)
	dialer.queueErr(errors.New("dial tcp: connection refused"))
	dialer.queueConn(second)
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	first.dropNow()
	sess := waitForStatus(t, svc, "buildbox", StatusConnected)
	assert.Zero(t, sess.ReconnectAttempt, "attempt counter resets on success")
	assert.Equal(t, 3, dialer.dialCount(), "connect, failed retry, successful retry")
}

func TestReconnectExhausted(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	// Leave the queue empty so every reconnect attempt fails.
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	c, err := svc.Conn("buildbox")
	require.NoError(t, err)
	c.(*fakeConn).dropNow()

	sess := waitForStatus(t, svc, "buildbox", StatusError)
	assert.Contains(t, sess.LastError, "Failed to reconnect after 3 attempts")
	assert.Equal(t, 4, dialer.dialCount(), "initial connect plus three retries")
}

func TestReconnectDisabled(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	svc.cfg.MaxRetries = 0

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	conn, err := svc.Conn("buildbox")
	require.NoError(t, err)
	conn.(*fakeConn).dropNow()

	sess := waitForStatus(t, svc, "buildbox", StatusError)
	assert.Equal(t, "Connection lost.", sess.LastError)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestHopTo(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	local, err := svc.HopTo(LocalContextID)
	require.NoError(t, err)
	assert.True(t, local.Active)
	assert.Equal(t, LocalContextID, svc.ActiveContext())

	back, err := svc.HopTo("buildbox")
	require.NoError(t, err)
	assert.Equal(t, "buildbox", back.ContextID)

	_, err = svc.HopTo("ghost")
	assert.Error(t, err)
}

func TestHopToDisconnectedRejected(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect("buildbox"))

	_, err = svc.HopTo("buildbox")
	assert.ErrorContains(t, err, "not connected")
}

func TestStatusNormalisesGhostSession(t *testing.T) {
	svc := newTestService(t, &scriptedDialer{})

	// A session left in connected state with no transport and no
	// completed connect is a stale artifact and must read as
	// disconnected.
	svc.mu.Lock()
	svc.sessions["ghost"] = &Session{ContextID: "ghost", Status: StatusConnected}
	svc.active = "ghost"
	svc.mu.Unlock()

	sess := svc.Status()
	assert.Equal(t, LocalContextID, sess.ContextID)
	assert.Equal(t, LocalContextID, svc.ActiveContext())

	ghost, _ := svc.Session("ghost")
	assert.Equal(t, StatusDisconnected, ghost.Status)
}

func TestListSessionsIncludesLocal(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	sessions := svc.ListSessions()
	require.Len(t, sessions, 2)
	byID := map[string]Session{}
	for _, s := range sessions {
		byID[s.ContextID] = s
	}
	assert.Equal(t, StatusConnected, byID[LocalContextID].Status)
	assert.False(t, byID[LocalContextID].Active)
	assert.True(t, byID["buildbox"].Active)
}

func TestCheckConnectionHealth(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	conn.cmdOut["echo icotes-ping"] = "icotes-ping"
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	quality, latency, err := svc.CheckConnectionHealth(context.Background(), "buildbox")
	require.NoError(t, err)
	assert.Equal(t, QualityGood, quality)
	assert.Less(t, latency, 300*time.Millisecond)

	conn.cmdDelay = 500 * time.Millisecond
	quality, _, err = svc.CheckConnectionHealth(context.Background(), "buildbox")
	require.NoError(t, err)
	assert.Equal(t, QualityDegraded, quality)

	sess, _ := svc.Session("buildbox")
	assert.Equal(t, QualityDegraded, sess.Quality)

	quality, _, _ = svc.CheckConnectionHealth(context.Background(), LocalContextID)
	assert.Equal(t, QualityGood, quality)
}

func TestHealthProbeFailureGradesPoor(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	delete(conn.cmdOut, "echo icotes-ping")
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	quality, _, err := svc.CheckConnectionHealth(context.Background(), "buildbox")
	assert.Error(t, err)
	assert.Equal(t, QualityPoor, quality)
}

func TestEphemeralSFTP(t *testing.T) {
	dialer := &scriptedDialer{}
	conn := newFakeConn()
	dialer.queueConn(conn)
	svc := newTestService(t, dialer)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	client, err := svc.EphemeralSFTP("buildbox")
	require.NoError(t, err)
	_, err = client.Getwd()
	assert.NoError(t, err)

	_, err = svc.EphemeralSFTP("ghost")
	assert.Error(t, err)
}

func TestDebugModeLogsConnectionPhases(t *testing.T) {
	connect := func(debug bool) string {
		dialer := &scriptedDialer{}
		dialer.queueConn(newFakeConn())

		store, _ := newTestStore(t)
		_, err := store.Create(Credential{
			Name: "buildbox", Host: "build.example.com", Port: 22,
			Username: "deploy", Auth: AuthPassword,
		})
		require.NoError(t, err)

		var buf bytes.Buffer
		cfg := testHopConfig()
		cfg.DebugMode = debug
		svc := NewService(cfg, store, nil, dialer.dial,
			slog.New(slog.NewTextHandler(&buf, nil)))

		_, err = svc.Connect(context.Background(), "buildbox", "pw", "")
		require.NoError(t, err)
		return buf.String()
	}

	verbose := connect(true)
	assert.Contains(t, verbose, "hop dialing")
	assert.Contains(t, verbose, "hop session ready")

	quiet := connect(false)
	assert.NotContains(t, quiet, "hop dialing")
}

func TestCredentialEventsPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := broker.New(broker.Options{})
	bus.Start(ctx)
	defer bus.Stop()

	var mu sync.Mutex
	events := map[string]Credential{}
	_, err := bus.Subscribe("hop.credentials.*", func(msg *broker.Message) {
		mu.Lock()
		if cred, ok := msg.Payload.(Credential); ok {
			events[msg.Topic] = cred
		}
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	store, _ := newTestStore(t)
	svc := NewService(testHopConfig(), store, bus, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	created, err := svc.CreateCredential(Credential{
		Name: "staging", Host: "stage.example.com", Username: "deploy", Auth: AuthPassword,
	})
	require.NoError(t, err)

	created.Host = "stage2.example.com"
	_, err = svc.UpdateCredential(created)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCredential(created.ID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "staging", events[TopicCredentialCreated].Name)
	assert.Equal(t, "stage2.example.com", events[TopicCredentialUpdated].Host)
	assert.Equal(t, created.ID, events[TopicCredentialDeleted].ID)
}

func TestHopEventsPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := broker.New(broker.Options{})
	bus.Start(ctx)
	defer bus.Stop()

	var mu sync.Mutex
	var topics []string
	_, err := bus.Subscribe("hop.**", func(msg *broker.Message) {
		mu.Lock()
		topics = append(topics, msg.Topic)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())

	store, _ := newTestStore(t)
	_, err = store.Create(Credential{Name: "buildbox", Host: "h", Username: "u", Auth: AuthPassword})
	require.NoError(t, err)
	svc := NewService(testHopConfig(), store, bus, dialer.dial,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect("buildbox"))

	seen := func(topic string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, got := range topics {
			if got == topic {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if seen(TopicStatus) && seen(TopicSessions) && seen(TopicContextChanged) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("missing hop events, saw %s", strings.Join(topics, ", "))
}
