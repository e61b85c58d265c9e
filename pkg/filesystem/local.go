package filesystem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/icotes/icotes/pkg/broker"
)

// Local serves the contract from the workspace root on the local disk.
// Every resolved path is confined to the root; traversal attempts return
// ErrOutsideRoot.
type Local struct {
	root string
	bus  *broker.Broker
}

// NewLocal creates a Local filesystem rooted at root. bus may be nil in
// tests; events are then skipped.
func NewLocal(root string, bus *broker.Broker) *Local {
	return &Local{root: filepath.Clean(root), bus: bus}
}

func (l *Local) Kind() string { return "local" }

// resolve joins a possibly-relative path with the root and rejects
// results that escape it.
func (l *Local) resolve(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return p, nil
}

func (l *Local) List(_ context.Context, path string, opts ListOptions) ([]FileInfo, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	if !opts.Recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, mapOSError(err)
		}
		for _, e := range entries {
			hidden := strings.HasPrefix(e.Name(), ".")
			if hidden && !opts.IncludeHidden {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileInfo(filepath.Join(abs, e.Name()), info, false))
		}
		sortEntries(out)
		return out, nil
	}

	// Iterative walk with an explicit stack; symlinked directories are not
	// descended into so a link cycle cannot loop forever.
	stack := []string{abs}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			hidden := strings.HasPrefix(e.Name(), ".")
			if hidden && !opts.IncludeHidden {
				continue
			}
			full := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileInfo(full, info, false))
			if e.IsDir() && info.Mode()&os.ModeSymlink == 0 {
				stack = append(stack, full)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (l *Local) Read(_ context.Context, path string) ([]byte, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, mapOSError(err)
	}
	return data, nil
}

func (l *Local) Write(_ context.Context, path string, data []byte) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(abs)
	existed := statErr == nil

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return mapOSError(err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return mapOSError(err)
	}

	topic := TopicFileCreated
	if existed {
		topic = TopicFileUpdated
	}
	l.emit(topic, abs)
	return nil
}

func (l *Local) CreateDirectory(_ context.Context, path string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return mapOSError(err)
	}
	l.emit(TopicDirectoryCreated, abs)
	return nil
}

func (l *Local) Delete(_ context.Context, path string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return mapOSError(err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return mapOSError(err)
	}
	l.emit(TopicFileDeleted, abs)
	return nil
}

func (l *Local) Move(_ context.Context, src, dst string, overwrite bool) error {
	absSrc, err := l.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := l.resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absDst); err == nil {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrExists, dst)
		}
		if err := os.RemoveAll(absDst); err != nil {
			return mapOSError(err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return mapOSError(err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return mapOSError(err)
	}
	l.emit(TopicFileMoved, absDst)
	return nil
}

func (l *Local) Copy(ctx context.Context, src, dst string) error {
	absSrc, err := l.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := l.resolve(dst)
	if err != nil {
		return err
	}
	info, err := os.Stat(absSrc)
	if err != nil {
		return mapOSError(err)
	}
	if info.IsDir() {
		if err := l.copyDir(absSrc, absDst); err != nil {
			return err
		}
	} else {
		if err := copyFile(absSrc, absDst, info.Mode()); err != nil {
			return err
		}
	}
	l.emit(TopicFileCopied, absDst)
	return nil
}

func (l *Local) copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, info.Mode())
	})
}

func (l *Local) Stat(_ context.Context, path string) (FileInfo, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, mapOSError(err)
	}
	return fileInfo(abs, info, false), nil
}

// Search walks the tree under root matching file names against a substring
// or glob pattern, capped at limit results.
func (l *Local) Search(ctx context.Context, root, pattern string, limit int) ([]FileInfo, error) {
	abs, err := l.resolve(root)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limit > 0 && len(out) >= limit {
			return filepath.SkipAll
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && p != abs {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !nameMatches(name, pattern) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, fileInfo(p, info, false))
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return out, err
	}
	return out, nil
}

func (l *Local) Stream(_ context.Context, path string) (io.ReadCloser, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, mapOSError(err)
	}
	return f, nil
}

func (l *Local) emit(topic, path string) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.Publish(topic, map[string]any{"path": path, "remote": false},
		broker.WithSender("filesystem")); err != nil {
		slog.Debug("Filesystem event publish failed", "topic", topic, "error", err)
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return mapOSError(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mapOSError(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return mapOSError(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func fileInfo(path string, info os.FileInfo, remote bool) FileInfo {
	return FileInfo{
		Name:    info.Name(),
		Path:    path,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		Hidden:  strings.HasPrefix(info.Name(), "."),
		Remote:  remote,
	}
}

// nameMatches accepts either a glob (when pattern contains meta characters)
// or a case-insensitive substring.
func nameMatches(name, pattern string) bool {
	if pattern == "" {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}

func sortEntries(entries []FileInfo) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}

func mapOSError(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
