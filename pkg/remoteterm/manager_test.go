package remoteterm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/icotes/pkg/config"
	"github.com/icotes/icotes/pkg/hop"
)

// fakeChannel is an in-process PTY channel. Output written by the test
// via push() flows out of Read; Write records terminal input.
type fakeChannel struct {
	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]int
	cmd     string

	outR *io.PipeReader
	outW *io.PipeWriter

	waitOnce sync.Once
	waitCh   chan struct{}
}

func newFakeChannel(cmd string) *fakeChannel {
	r, w := io.Pipe()
	return &fakeChannel{cmd: cmd, outR: r, outW: w, waitCh: make(chan struct{})}
}

func (c *fakeChannel) push(data string) { c.outW.Write([]byte(data)) }

func (c *fakeChannel) Read(p []byte) (int, error) { return c.outR.Read(p) }

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.Write(p)
}

func (c *fakeChannel) Resize(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, [2]int{cols, rows})
	return nil
}

func (c *fakeChannel) Wait() error { <-c.waitCh; return nil }

func (c *fakeChannel) Close() error {
	c.waitOnce.Do(func() {
		close(c.waitCh)
		c.outW.Close()
	})
	return nil
}

func (c *fakeChannel) inputString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.String()
}

func (c *fakeChannel) resizeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resizes)
}

// fakeSSH hands out fakeChannels, optionally rejecting the first N
// shell invocations to exercise the fallback chain.
type fakeSSH struct {
	mu       sync.Mutex
	rejects  int
	attempts []string
	channels []*fakeChannel
	drop     chan struct{}
	dropOnce sync.Once
}

func (c *fakeSSH) RunCommand(ctx context.Context, cmd string) ([]byte, error) {
	if cmd == "echo $HOME" {
		return []byte("/home/dev\n"), nil
	}
	return nil, errors.New("unknown command")
}

func (c *fakeSSH) OpenSFTP() (hop.SFTPClient, error) { return nil, errors.New("no sftp") }

func (c *fakeSSH) OpenTerminal(term string, cols, rows int, command string) (hop.TerminalChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, command)
	if c.rejects > 0 {
		c.rejects--
		return nil, errors.New("exec request failed")
	}
	ch := newFakeChannel(command)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeSSH) Wait() error  { <-c.drop; return nil }
func (c *fakeSSH) Close() error { c.dropOnce.Do(func() { close(c.drop) }); return nil }

// fakeStream is the client half of the bridge.
type fakeStream struct {
	mu       sync.Mutex
	received bytes.Buffer
	frames   chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.frames:
		return data, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received.Write(data)
	return nil
}

func (s *fakeStream) Close(reason string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) receivedString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

func newConnectedManager(t *testing.T, conn *fakeSSH) (*Manager, *hop.Service) {
	t.Helper()
	conn.drop = make(chan struct{})
	dir := t.TempDir()
	store := hop.NewCredentialStore(filepath.Join(dir, "config"), filepath.Join(dir, "keys"), "")
	_, err := store.Create(hop.Credential{Name: "box", Host: "h", Username: "u", Auth: hop.AuthPassword})
	require.NoError(t, err)

	cfg := config.HopConfig{
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
		SFTPStartTimeout: 100 * time.Millisecond,
		BackoffBase:      2,
	}
	dial := func(ctx context.Context, addr string, c *ssh.ClientConfig) (hop.SSHConn, error) {
		return conn, nil
	}
	svc := hop.NewService(cfg, store, nil, dial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr := NewManager(svc, "/bin/bash", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = svc.Connect(context.Background(), "box", "pw", "")
	require.NoError(t, err)
	return mgr, svc
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAttachBridges(t *testing.T) {
	conn := &fakeSSH{}
	mgr, _ := newConnectedManager(t, conn)
	stream := newFakeStream()

	attachDone := make(chan error, 1)
	go func() {
		_, err := mgr.Attach(context.Background(), stream, hop.TerminalOptions{ContextID: "box"})
		attachDone <- err
	}()

	waitFor(t, func() bool { return mgr.Count() == 1 }, "terminal never registered")
	conn.mu.Lock()
	require.Len(t, conn.channels, 1)
	channel := conn.channels[0]
	assert.Contains(t, channel.cmd, "cd '/home/dev'")
	assert.Contains(t, channel.cmd, "exec /bin/bash -l -i")
	conn.mu.Unlock()

	// PTY output reaches the client.
	channel.push("dev@box:~$ ")
	waitFor(t, func() bool { return strings.Contains(stream.receivedString(), "dev@box:~$") },
		"prompt never reached the stream")

	// Client input reaches the PTY.
	stream.frames <- []byte("ls -la\r")
	waitFor(t, func() bool { return channel.inputString() == "ls -la\r" },
		"input never reached the channel")

	// Resize frames are intercepted, not typed into the shell.
	stream.frames <- []byte(`{"type":"resize","cols":200,"rows":50}`)
	waitFor(t, func() bool { return channel.resizeCount() == 1 }, "resize never applied")
	assert.Equal(t, [2]int{200, 50}, channel.resizes[0])
	assert.Equal(t, "ls -la\r", channel.inputString())

	// Process exit unwinds the bridge.
	channel.Close()
	select {
	case err := <-attachDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("attach never returned after process exit")
	}
	assert.Equal(t, 0, mgr.Count())
}

func TestShellFallbackChain(t *testing.T) {
	conn := &fakeSSH{rejects: 2}
	mgr, _ := newConnectedManager(t, conn)
	stream := newFakeStream()

	go mgr.Attach(context.Background(), stream, hop.TerminalOptions{ContextID: "box"})
	waitFor(t, func() bool { return mgr.Count() == 1 }, "terminal never started")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.attempts, 3)
	assert.Contains(t, conn.attempts[0], "/bin/bash -l -i")
	assert.Contains(t, conn.attempts[1], "/bin/bash -i")
	assert.Contains(t, conn.attempts[2], "/bin/sh -i")
	conn.channels[0].Close()
}

func TestShellFallbackExhausted(t *testing.T) {
	conn := &fakeSSH{rejects: 3}
	mgr, _ := newConnectedManager(t, conn)

	_, err := mgr.Attach(context.Background(), newFakeStream(), hop.TerminalOptions{ContextID: "box"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting remote shell")
	assert.Equal(t, 0, mgr.Count())
}

func TestAttachRejectsLocalContext(t *testing.T) {
	conn := &fakeSSH{}
	mgr, _ := newConnectedManager(t, conn)
	_, err := mgr.Attach(context.Background(), newFakeStream(), hop.TerminalOptions{ContextID: hop.LocalContextID})
	assert.Error(t, err)
}

func TestDetachForceKills(t *testing.T) {
	conn := &fakeSSH{}
	mgr, _ := newConnectedManager(t, conn)
	stream := newFakeStream()

	attachDone := make(chan struct{})
	var termID string
	go func() {
		id, _ := mgr.Attach(context.Background(), stream, hop.TerminalOptions{ContextID: "box"})
		termID = id
		close(attachDone)
	}()
	waitFor(t, func() bool { return mgr.Count() == 1 }, "terminal never started")

	mgr.mu.Lock()
	var id string
	for k := range mgr.terms {
		id = k
	}
	mgr.mu.Unlock()

	require.NoError(t, mgr.Detach(id))
	select {
	case <-attachDone:
	case <-time.After(2 * time.Second):
		t.Fatal("attach never returned after detach")
	}
	assert.Equal(t, id, termID)
	assert.Error(t, mgr.Detach(id), "second detach should fail")
}

func TestHopDisconnectShutsTerminalsDown(t *testing.T) {
	conn := &fakeSSH{}
	mgr, svc := newConnectedManager(t, conn)
	stream := newFakeStream()

	attachDone := make(chan struct{})
	go func() {
		mgr.Attach(context.Background(), stream, hop.TerminalOptions{ContextID: "box"})
		close(attachDone)
	}()
	waitFor(t, func() bool { return mgr.Count() == 1 }, "terminal never started")

	require.NoError(t, svc.Disconnect("box"))
	select {
	case <-attachDone:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal survived its session")
	}
	assert.Equal(t, 0, mgr.Count())
}

func TestOutOfBandResize(t *testing.T) {
	conn := &fakeSSH{}
	mgr, _ := newConnectedManager(t, conn)
	stream := newFakeStream()

	go mgr.Attach(context.Background(), stream, hop.TerminalOptions{ContextID: "box", Cols: 80, Rows: 24})
	waitFor(t, func() bool { return mgr.Count() == 1 }, "terminal never started")

	mgr.mu.Lock()
	var id string
	for k := range mgr.terms {
		id = k
	}
	mgr.mu.Unlock()

	require.NoError(t, mgr.Resize(id, 132, 43))
	conn.mu.Lock()
	channel := conn.channels[0]
	conn.mu.Unlock()
	assert.Equal(t, [2]int{132, 43}, channel.resizes[0])
	channel.Close()
}

func TestParseResize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid", `{"type":"resize","cols":80,"rows":24}`, true},
		{"valid with whitespace", ` {"type":"resize","cols":1,"rows":1} `, true},
		{"wrong type", `{"type":"ping"}`, false},
		{"pasted json without type", `{"cols":80,"rows":24}`, false},
		{"zero size", `{"type":"resize","cols":0,"rows":24}`, false},
		{"plain input", "ls -la", false},
		{"brace but not json", "{not json", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, ok := parseResize([]byte(tc.input))
			assert.Equal(t, tc.ok, ok)
		})
	}
}
