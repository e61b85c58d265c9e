// Package remotefs serves the filesystem contract for hop sessions over
// SFTP. One adapter instance covers every remote context: the session
// and its SFTP channel are resolved at call time from the hop service.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/filesystem"
	"github.com/icotes/icotes/pkg/hop"
)

// SFTP adapts a hop session's SFTP channel to filesystem.FileSystem.
// Every call is bounded by the operation timeout so a wedged transport
// fails the request instead of hanging the caller.
type SFTP struct {
	hop       *hop.Service
	bus       *broker.Broker
	opTimeout time.Duration
}

// New builds the adapter. bus may be nil; events are then skipped.
func New(hopSvc *hop.Service, bus *broker.Broker, opTimeout time.Duration) *SFTP {
	if opTimeout <= 0 {
		opTimeout = 60 * time.Second
	}
	return &SFTP{hop: hopSvc, bus: bus, opTimeout: opTimeout}
}

func (s *SFTP) Kind() string { return "remote" }

// session resolves the active remote session and its SFTP channel.
func (s *SFTP) session() (hop.Session, hop.SFTPClient, error) {
	contextID := s.hop.ActiveContext()
	if contextID == hop.LocalContextID {
		return hop.Session{}, nil, errors.New("no remote session is active")
	}
	sess, ok := s.hop.Session(contextID)
	if !ok || sess.Status != hop.StatusConnected {
		return hop.Session{}, nil, fmt.Errorf("session %q is not connected", contextID)
	}
	client, err := s.hop.SFTP(contextID)
	if err != nil {
		return hop.Session{}, nil, err
	}
	return sess, client, nil
}

// resolve anchors relative paths at the session working directory.
// Remote paths are always POSIX.
func resolve(sess hop.Session, p string) string {
	if p == "" || p == "." {
		return sess.Cwd
	}
	if !path.IsAbs(p) {
		p = path.Join(sess.Cwd, p)
	}
	return path.Clean(p)
}

// run executes fn bounded by the operation timeout. SFTP calls have no
// native cancellation, so on timeout the channel keeps working in the
// background and the caller gets an error now.
func (s *SFTP) run(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("remote operation: %w", ctx.Err())
	}
}

func (s *SFTP) List(ctx context.Context, p string, opts filesystem.ListOptions) ([]filesystem.FileInfo, error) {
	sess, client, err := s.session()
	if err != nil {
		return nil, err
	}
	abs := resolve(sess, p)

	var out []filesystem.FileInfo
	err = s.run(ctx, func() error {
		if !opts.Recursive {
			var err error
			out, err = listDir(client, abs, opts.IncludeHidden)
			return err
		}
		var err error
		out, err = listRecursive(client, abs, opts.IncludeHidden)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func listDir(client hop.SFTPClient, dir string, includeHidden bool) ([]filesystem.FileInfo, error) {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	var out []filesystem.FileInfo
	for _, e := range entries {
		hidden := strings.HasPrefix(e.Name(), ".")
		if hidden && !includeHidden {
			continue
		}
		out = append(out, toFileInfo(path.Join(dir, e.Name()), e, hidden))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// listRecursive walks with an explicit stack. Symlinked directories are
// reported but never descended into, and resolved link targets are
// tracked so a link cycle cannot loop the walk.
func listRecursive(client hop.SFTPClient, root string, includeHidden bool) ([]filesystem.FileInfo, error) {
	var out []filesystem.FileInfo
	visited := map[string]bool{root: true}
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entries, err := client.ReadDir(dir)
		if err != nil {
			if dir == root {
				return nil, mapSFTPError(err)
			}
			continue
		}
		for _, e := range entries {
			hidden := strings.HasPrefix(e.Name(), ".")
			if hidden && !includeHidden {
				continue
			}
			full := path.Join(dir, e.Name())
			out = append(out, toFileInfo(full, e, hidden))
			if !e.IsDir() {
				continue
			}
			key := full
			if lst, err := client.Lstat(full); err == nil && lst.Mode()&os.ModeSymlink != 0 {
				target, err := client.ReadLink(full)
				if err != nil {
					continue
				}
				if !path.IsAbs(target) {
					target = path.Join(dir, target)
				}
				key = path.Clean(target)
			}
			if visited[key] {
				continue
			}
			visited[key] = true
			stack = append(stack, full)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *SFTP) Read(ctx context.Context, p string) ([]byte, error) {
	sess, client, err := s.session()
	if err != nil {
		return nil, err
	}
	abs := resolve(sess, p)

	var data []byte
	err = s.run(ctx, func() error {
		f, err := client.Open(abs)
		if err != nil {
			return mapSFTPError(err)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

func (s *SFTP) Write(ctx context.Context, p string, data []byte) error {
	sess, client, err := s.session()
	if err != nil {
		return err
	}
	abs := resolve(sess, p)

	existed := false
	err = s.run(ctx, func() error {
		if _, err := client.Stat(abs); err == nil {
			existed = true
		}
		if err := mkdirAll(client, path.Dir(abs)); err != nil {
			return err
		}
		f, err := client.Create(abs)
		if err != nil {
			return mapSFTPError(err)
		}
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	})
	if err != nil {
		return err
	}
	topic := filesystem.TopicFileCreated
	if existed {
		topic = filesystem.TopicFileUpdated
	}
	s.emit(topic, abs)
	return nil
}

func (s *SFTP) CreateDirectory(ctx context.Context, p string) error {
	sess, client, err := s.session()
	if err != nil {
		return err
	}
	abs := resolve(sess, p)
	if err := s.run(ctx, func() error { return mkdirAll(client, abs) }); err != nil {
		return err
	}
	s.emit(filesystem.TopicDirectoryCreated, abs)
	return nil
}

func (s *SFTP) Delete(ctx context.Context, p string) error {
	sess, client, err := s.session()
	if err != nil {
		return err
	}
	abs := resolve(sess, p)
	if err := s.run(ctx, func() error { return deleteRecursive(client, abs) }); err != nil {
		return err
	}
	s.emit(filesystem.TopicFileDeleted, abs)
	return nil
}

// deleteRecursive removes a tree in post-order. SFTP directories must
// be empty before RemoveDirectory succeeds.
func deleteRecursive(client hop.SFTPClient, abs string) error {
	info, err := client.Lstat(abs)
	if err != nil {
		return mapSFTPError(err)
	}
	if !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return mapSFTPError(client.Remove(abs))
	}
	entries, err := client.ReadDir(abs)
	if err != nil {
		return mapSFTPError(err)
	}
	for _, e := range entries {
		if err := deleteRecursive(client, path.Join(abs, e.Name())); err != nil {
			return err
		}
	}
	return mapSFTPError(client.RemoveDirectory(abs))
}

func (s *SFTP) Move(ctx context.Context, src, dst string, overwrite bool) error {
	sess, client, err := s.session()
	if err != nil {
		return err
	}
	absSrc, absDst := resolve(sess, src), resolve(sess, dst)

	err = s.run(ctx, func() error {
		if _, err := client.Stat(absDst); err == nil {
			if !overwrite {
				return fmt.Errorf("%w: %s", filesystem.ErrExists, absDst)
			}
			if err := deleteRecursive(client, absDst); err != nil {
				return err
			}
		}
		return mapSFTPError(client.Rename(absSrc, absDst))
	})
	if err != nil {
		return err
	}
	s.emit(filesystem.TopicFileMoved, absDst)
	return nil
}

func (s *SFTP) Copy(ctx context.Context, src, dst string) error {
	sess, client, err := s.session()
	if err != nil {
		return err
	}
	absSrc, absDst := resolve(sess, src), resolve(sess, dst)

	if err := s.run(ctx, func() error { return copyRecursive(client, absSrc, absDst) }); err != nil {
		return err
	}
	s.emit(filesystem.TopicFileCopied, absDst)
	return nil
}

func copyRecursive(client hop.SFTPClient, src, dst string) error {
	info, err := client.Stat(src)
	if err != nil {
		return mapSFTPError(err)
	}
	if info.IsDir() {
		if err := mkdirAll(client, dst); err != nil {
			return err
		}
		entries, err := client.ReadDir(src)
		if err != nil {
			return mapSFTPError(err)
		}
		for _, e := range entries {
			if err := copyRecursive(client, path.Join(src, e.Name()), path.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := mkdirAll(client, path.Dir(dst)); err != nil {
		return err
	}
	in, err := client.Open(src)
	if err != nil {
		return mapSFTPError(err)
	}
	defer in.Close()
	out, err := client.Create(dst)
	if err != nil {
		return mapSFTPError(err)
	}
	_, werr := io.Copy(out, in)
	if cerr := out.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

func (s *SFTP) Stat(ctx context.Context, p string) (filesystem.FileInfo, error) {
	sess, client, err := s.session()
	if err != nil {
		return filesystem.FileInfo{}, err
	}
	abs := resolve(sess, p)

	var out filesystem.FileInfo
	err = s.run(ctx, func() error {
		info, err := client.Stat(abs)
		if err != nil {
			return mapSFTPError(err)
		}
		out = toFileInfo(abs, info, strings.HasPrefix(info.Name(), "."))
		return nil
	})
	return out, err
}

func (s *SFTP) Search(ctx context.Context, root, pattern string, limit int) ([]filesystem.FileInfo, error) {
	sess, client, err := s.session()
	if err != nil {
		return nil, err
	}
	abs := resolve(sess, root)

	var out []filesystem.FileInfo
	err = s.run(ctx, func() error {
		all, err := listRecursive(client, abs, false)
		if err != nil {
			return err
		}
		useGlob := strings.ContainsAny(pattern, "*?[")
		for _, info := range all {
			if limit > 0 && len(out) >= limit {
				break
			}
			if useGlob {
				if ok, _ := path.Match(pattern, info.Name); ok {
					out = append(out, info)
				}
			} else if strings.Contains(strings.ToLower(info.Name), strings.ToLower(pattern)) {
				out = append(out, info)
			}
		}
		return nil
	})
	return out, err
}

func (s *SFTP) Stream(ctx context.Context, p string) (io.ReadCloser, error) {
	sess, client, err := s.session()
	if err != nil {
		return nil, err
	}
	abs := resolve(sess, p)

	var rc io.ReadCloser
	err = s.run(ctx, func() error {
		f, err := client.Open(abs)
		if err != nil {
			return mapSFTPError(err)
		}
		rc = f
		return nil
	})
	return rc, err
}

// mkdirAll creates a remote directory segment by segment; SFTP has no
// native MkdirAll.
func mkdirAll(client hop.SFTPClient, dir string) error {
	dir = path.Clean(dir)
	if dir == "/" || dir == "." {
		return nil
	}
	if info, err := client.Stat(dir); err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", dir)
	}
	if err := mkdirAll(client, path.Dir(dir)); err != nil {
		return err
	}
	if err := client.Mkdir(dir); err != nil {
		if info, serr := client.Stat(dir); serr == nil && info.IsDir() {
			return nil
		}
		return mapSFTPError(err)
	}
	return nil
}

func toFileInfo(full string, info os.FileInfo, hidden bool) filesystem.FileInfo {
	return filesystem.FileInfo{
		Name:    info.Name(),
		Path:    full,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		Hidden:  hidden,
		Remote:  true,
	}
}

func mapSFTPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "file does not exist") {
		return fmt.Errorf("%w: %s", filesystem.ErrNotFound, err)
	}
	return err
}

func (s *SFTP) emit(topic, path string) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(topic, map[string]any{"path": path, "remote": true},
		broker.WithSender("filesystem")); err != nil {
		slog.Debug("Filesystem event publish failed", "topic", topic, "error", err)
	}
}
