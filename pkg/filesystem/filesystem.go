// Package filesystem defines the file operation contract served either by
// the local workspace filesystem or by the SFTP adapter for the active
// hop, plus the fs.* event vocabulary emitted on mutations.
package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// Event topics published on mutations.
const (
	TopicFileCreated      = "fs.file_created"
	TopicFileUpdated      = "fs.file_updated"
	TopicFileDeleted      = "fs.file_deleted"
	TopicFileMoved        = "fs.file_moved"
	TopicFileCopied       = "fs.file_copied"
	TopicDirectoryCreated = "fs.directory_created"
)

// StreamChunkSize is the read size used by Stream implementations.
const StreamChunkSize = 1 << 20 // 1 MiB

var (
	// ErrNotFound is returned for paths that do not exist.
	ErrNotFound = errors.New("path not found")

	// ErrOutsideRoot is returned when a resolved path escapes the
	// filesystem root.
	ErrOutsideRoot = errors.New("path outside filesystem root")

	// ErrExists is returned when a destination already exists and
	// overwrite was not requested.
	ErrExists = errors.New("destination already exists")
)

// FileInfo describes one entry. Remote is true for entries served over
// SFTP so clients can tell which context produced a listing.
type FileInfo struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	IsDir   bool        `json:"is_dir"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	Hidden  bool        `json:"hidden"`
	Remote  bool        `json:"remote"`
}

// ListOptions control directory listings.
type ListOptions struct {
	IncludeHidden bool
	Recursive     bool
}

// FileSystem is the operation contract shared by the local and SFTP
// implementations. Paths may be absolute or relative to the
// implementation's root (local workspace or hop session cwd).
type FileSystem interface {
	// Kind returns "local" or "remote".
	Kind() string

	List(ctx context.Context, path string, opts ListOptions) ([]FileInfo, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	CreateDirectory(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Move(ctx context.Context, src, dst string, overwrite bool) error
	Copy(ctx context.Context, src, dst string) error
	Stat(ctx context.Context, path string) (FileInfo, error)
	Search(ctx context.Context, root, pattern string, limit int) ([]FileInfo, error)
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
}
