package hop

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SFTPClient is the subset of the SFTP protocol the remote filesystem
// needs. *sftp.Client satisfies it through sftpAdapter; tests substitute
// an in-memory fake.
type SFTPClient interface {
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Mkdir(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	ReadLink(path string) (string, error)
	Getwd() (string, error)
	Close() error
}

// TerminalChannel is an interactive PTY channel on a remote host. Read
// returns multiplexed stdout+stderr; Write feeds stdin.
type TerminalChannel interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	Wait() error
	Close() error
}

// SSHConn is one established SSH connection. The hop service multiplexes
// exec channels, SFTP channels and PTY channels over it.
type SSHConn interface {
	// RunCommand executes cmd in a fresh session and returns combined
	// output. The context bounds the whole exchange.
	RunCommand(ctx context.Context, cmd string) ([]byte, error)
	// OpenSFTP starts an SFTP subsystem channel.
	OpenSFTP() (SFTPClient, error)
	// OpenTerminal starts a PTY channel running command under term with
	// the given initial size.
	OpenTerminal(term string, cols, rows int, command string) (TerminalChannel, error)
	// Wait blocks until the underlying transport drops.
	Wait() error
	Close() error
}

// Dialer establishes SSH connections. The production dialer wraps
// x/crypto/ssh; tests inject fakes to drive connect and reconnect paths.
type Dialer func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (SSHConn, error)

// DialSSH is the production Dialer.
func DialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (SSHConn, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return &realConn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type realConn struct {
	client *ssh.Client
}

func (c *realConn) RunCommand(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}

func (c *realConn) OpenSFTP() (SFTPClient, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &sftpAdapter{client}, nil
}

func (c *realConn) OpenTerminal(term string, cols, rows int, command string) (TerminalChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	// With a PTY the server multiplexes stderr onto stdout already.
	if command == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(command)
	}
	if err != nil {
		sess.Close()
		return nil, err
	}
	return &realTerminal{sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (c *realConn) Wait() error  { return c.client.Wait() }
func (c *realConn) Close() error { return c.client.Close() }

type realTerminal struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (t *realTerminal) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *realTerminal) Write(p []byte) (int, error) { return t.stdin.Write(p) }
func (t *realTerminal) Resize(cols, rows int) error { return t.sess.WindowChange(rows, cols) }
func (t *realTerminal) Wait() error                 { return t.sess.Wait() }
func (t *realTerminal) Close() error                { return t.sess.Close() }

// sftpAdapter narrows *sftp.Client to the SFTPClient interface. The
// concrete return types on Open/Create are what keep *sftp.Client from
// satisfying the interface directly.
type sftpAdapter struct {
	c *sftp.Client
}

func (a *sftpAdapter) Stat(path string) (os.FileInfo, error)      { return a.c.Stat(path) }
func (a *sftpAdapter) Lstat(path string) (os.FileInfo, error)     { return a.c.Lstat(path) }
func (a *sftpAdapter) ReadDir(path string) ([]os.FileInfo, error) { return a.c.ReadDir(path) }
func (a *sftpAdapter) Open(path string) (io.ReadCloser, error)    { return a.c.Open(path) }
func (a *sftpAdapter) Create(path string) (io.WriteCloser, error) { return a.c.Create(path) }
func (a *sftpAdapter) Mkdir(path string) error                    { return a.c.Mkdir(path) }
func (a *sftpAdapter) Remove(path string) error                   { return a.c.Remove(path) }
func (a *sftpAdapter) RemoveDirectory(path string) error          { return a.c.RemoveDirectory(path) }
func (a *sftpAdapter) Rename(oldPath, newPath string) error       { return a.c.Rename(oldPath, newPath) }
func (a *sftpAdapter) ReadLink(path string) (string, error)       { return a.c.ReadLink(path) }
func (a *sftpAdapter) Getwd() (string, error)                     { return a.c.Getwd() }
func (a *sftpAdapter) Close() error                               { return a.c.Close() }

// buildClientConfig assembles the ssh.ClientConfig for a credential.
// Password and passphrase come from the caller and never touch disk.
func buildClientConfig(cred Credential, password, passphrase string, timeout time.Duration) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	switch cred.Auth {
	case AuthPassword:
		methods = append(methods, ssh.Password(password))
	case AuthPrivateKey:
		pem, err := os.ReadFile(cred.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("connecting to ssh agent: %w", err)
		}
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	default:
		return nil, fmt.Errorf("unknown auth method %q", cred.Auth)
	}

	return &ssh.ClientConfig{
		User: cred.Username,
		Auth: methods,
		// Host key verification is intentionally permissive; the service
		// fronts interactive dev sessions, not fleet automation.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}
