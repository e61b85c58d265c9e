package hop

import (
	"context"
	"fmt"
	"strings"

	"github.com/icotes/icotes/pkg/filesystem"
)

// TerminalStream is the client side of a terminal bridge, usually a
// WebSocket. Read returns whole frames; control frames such as resize
// requests arrive in-band as JSON.
type TerminalStream interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// TerminalOptions parameterise one terminal attachment.
type TerminalOptions struct {
	ContextID  string
	TerminalID string // reattach to an existing terminal when set
	Cols       int
	Rows       int
}

// TerminalBackend is what the WebSocket layer needs from a terminal
// implementation, local or remote. Both pkg/terminal and pkg/remoteterm
// satisfy it.
type TerminalBackend interface {
	Kind() string
	// Attach bridges the stream to a terminal and blocks until either
	// side closes. It returns the terminal id.
	Attach(ctx context.Context, stream TerminalStream, opts TerminalOptions) (string, error)
	Resize(terminalID string, cols, rows int) error
	Detach(terminalID string) error
}

// Router picks the filesystem and terminal implementation for the
// active hop context: local services for the local context, SSH-backed
// services for everything else.
type Router struct {
	hop        *Service
	localFS    filesystem.FileSystem
	remoteFS   filesystem.FileSystem
	localTerm  TerminalBackend
	remoteTerm TerminalBackend
}

// NewRouter wires a router over the hop service. The remote filesystem
// and terminal are context-aware adapters that resolve the session at
// call time, so a single instance of each serves every remote context.
func NewRouter(hop *Service, localFS, remoteFS filesystem.FileSystem, localTerm, remoteTerm TerminalBackend) *Router {
	return &Router{
		hop:        hop,
		localFS:    localFS,
		remoteFS:   remoteFS,
		localTerm:  localTerm,
		remoteTerm: remoteTerm,
	}
}

// Filesystem returns the filesystem serving the given context. An empty
// context id means the active context.
func (r *Router) Filesystem(contextID string) (filesystem.FileSystem, error) {
	id, err := r.resolve(contextID)
	if err != nil {
		return nil, err
	}
	if id == LocalContextID {
		return r.localFS, nil
	}
	return r.remoteFS, nil
}

// Terminal returns the terminal backend serving the given context.
func (r *Router) Terminal(contextID string) (TerminalBackend, error) {
	id, err := r.resolve(contextID)
	if err != nil {
		return nil, err
	}
	if id == LocalContextID {
		return r.localTerm, nil
	}
	return r.remoteTerm, nil
}

// resolve maps an empty id to the active context and verifies remote
// contexts are usable before handing out services for them. The active
// context degrades to the local workspace while its transport is down
// (drop, reconnect in flight); only a named foreign context that is
// unusable is an error.
func (r *Router) resolve(contextID string) (string, error) {
	active := r.hop.ActiveContext()
	if contextID == "" {
		contextID = active
	}
	if contextID == LocalContextID {
		return contextID, nil
	}
	sess, ok := r.hop.Session(contextID)
	if !ok {
		return "", fmt.Errorf("unknown context %q", contextID)
	}
	if sess.Status == StatusConnected {
		return contextID, nil
	}
	if contextID == active {
		return LocalContextID, nil
	}
	return "", fmt.Errorf("context %q is %s", contextID, sess.Status)
}

// ParseNamespacedPath splits a "context:path" reference. Paths without
// a namespace belong to the active context. Windows drive letters
// ("C:/...") are a path, not a namespace. The namespace may be a
// context id, a credential name or a credential id; credential forms
// resolve to the matching session.
func (r *Router) ParseNamespacedPath(ref string) (contextID, path string, err error) {
	if isWindowsPath(ref) {
		return r.hop.ActiveContext(), ref, nil
	}
	i := strings.Index(ref, ":")
	if i < 0 {
		return r.hop.ActiveContext(), ref, nil
	}
	ns, rest := ref[:i], ref[i+1:]
	if ns == "" || strings.ContainsAny(ns, "/\\") {
		// "/a:b/c" style paths keep their colon.
		return r.hop.ActiveContext(), ref, nil
	}
	if ns == LocalContextID {
		return LocalContextID, rest, nil
	}
	if _, ok := r.hop.Session(ns); ok {
		return ns, rest, nil
	}
	// Allow addressing a session by credential id.
	for _, sess := range r.hop.ListSessions() {
		if sess.CredentialID == ns {
			return sess.ContextID, rest, nil
		}
	}
	return "", "", fmt.Errorf("unknown context %q in path %q", ns, ref)
}

func isWindowsPath(ref string) bool {
	if len(ref) < 3 || ref[1] != ':' {
		return false
	}
	c := ref[0]
	isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return isAlpha && (ref[2] == '/' || ref[2] == '\\')
}
