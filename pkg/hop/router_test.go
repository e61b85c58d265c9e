package hop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icotes/icotes/pkg/filesystem"
)

type staticTerm string

func (s staticTerm) Kind() string { return string(s) }
func (s staticTerm) Attach(ctx context.Context, stream TerminalStream, opts TerminalOptions) (string, error) {
	return string(s), nil
}
func (s staticTerm) Resize(id string, cols, rows int) error { return nil }
func (s staticTerm) Detach(id string) error                 { return nil }

func newTestRouter(t *testing.T, svc *Service) (*Router, filesystem.FileSystem, filesystem.FileSystem) {
	t.Helper()
	localFS := filesystem.NewLocal(t.TempDir(), nil)
	remoteFS := filesystem.NewLocal(t.TempDir(), nil) // stands in for the SFTP adapter
	return NewRouter(svc, localFS, remoteFS, staticTerm("local"), staticTerm("remote")), localFS, remoteFS
}

func TestRouterRoutesByContext(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	router, localFS, remoteFS := newTestRouter(t, svc)

	// Local context before any connect.
	fs, err := router.Filesystem("")
	require.NoError(t, err)
	assert.Same(t, localFS, fs)

	term, err := router.Terminal("")
	require.NoError(t, err)
	assert.Equal(t, "local", term.Kind())

	_, err = svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	// Active context is now the remote session.
	fs, err = router.Filesystem("")
	require.NoError(t, err)
	assert.Same(t, remoteFS, fs)

	term, err = router.Terminal("")
	require.NoError(t, err)
	assert.Equal(t, "remote", term.Kind())

	// Explicit context ids override the active one.
	fs, err = router.Filesystem(LocalContextID)
	require.NoError(t, err)
	assert.Same(t, localFS, fs)
}

func TestRouterRejectsDisconnectedContext(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	router, _, _ := newTestRouter(t, svc)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect("buildbox"))

	_, err = router.Filesystem("buildbox")
	assert.ErrorContains(t, err, "disconnected")

	_, err = router.Filesystem("never-heard-of-it")
	assert.ErrorContains(t, err, "unknown context")
}

func TestRouterFallsBackToLocalWhenActiveDrops(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	svc.cfg.MaxRetries = 0
	router, localFS, _ := newTestRouter(t, svc)

	_, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	conn, err := svc.Conn("buildbox")
	require.NoError(t, err)
	conn.(*fakeConn).dropNow()
	waitForStatus(t, svc, "buildbox", StatusError)

	// The active context is still buildbox, but until it is connected
	// again the workspace serves requests.
	require.Equal(t, "buildbox", svc.ActiveContext())

	fs, err := router.Filesystem("")
	require.NoError(t, err)
	assert.Same(t, localFS, fs)

	term, err := router.Terminal("")
	require.NoError(t, err)
	assert.Equal(t, "local", term.Kind())

	// Naming the dropped context degrades too while it is active, so
	// bare namespaced paths keep resolving.
	fs, err = router.Filesystem("buildbox")
	require.NoError(t, err)
	assert.Same(t, localFS, fs)
}

func TestParseNamespacedPath(t *testing.T) {
	dialer := &scriptedDialer{}
	dialer.queueConn(newFakeConn())
	svc := newTestService(t, dialer)
	router, _, _ := newTestRouter(t, svc)

	sess, err := svc.Connect(context.Background(), "buildbox", "pw", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		ref     string
		wantCtx string
		wantPth string
	}{
		{"bare path uses active context", "src/main.go", "buildbox", "src/main.go"},
		{"explicit local", "local:notes.md", LocalContextID, "notes.md"},
		{"session by name", "buildbox:/srv/app", "buildbox", "/srv/app"},
		{"session by credential id", sess.CredentialID + ":/tmp", "buildbox", "/tmp"},
		{"windows drive is a path", `C:\Users\dev\main.go`, "buildbox", `C:\Users\dev\main.go`},
		{"windows drive forward slashes", "D:/work/repo", "buildbox", "D:/work/repo"},
		{"colon after slash is a path", "/tmp/a:b", "buildbox", "/tmp/a:b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotCtx, gotPath, err := router.ParseNamespacedPath(tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCtx, gotCtx)
			assert.Equal(t, tc.wantPth, gotPath)
		})
	}

	_, _, err = router.ParseNamespacedPath("ghost:/etc")
	assert.ErrorContains(t, err, "unknown context")
}
