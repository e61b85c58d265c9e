package hop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/icotes/icotes/pkg/broker"
)

// SendResult reports one bulk upload.
type SendResult struct {
	ContextID string   `json:"contextId"`
	Dest      string   `json:"dest"`
	Sent      []string `json:"sent"`
	Failed    []string `json:"failed,omitempty"`
	Bytes     int64    `json:"bytes"`
}

// SendFiles uploads workspace files to a directory on a remote session
// over a dedicated SFTP channel. Source paths are relative to localRoot
// and must stay inside it; directories are uploaded recursively. The
// upload keeps going past individual file failures and reports them.
func (s *Service) SendFiles(ctx context.Context, contextID, localRoot string, paths []string, dest string) (SendResult, error) {
	res := SendResult{ContextID: contextID, Dest: dest}
	if contextID == LocalContextID {
		return res, fmt.Errorf("cannot send files to the local context")
	}
	if dest == "" {
		return res, fmt.Errorf("destination directory is required")
	}

	client, err := s.EphemeralSFTP(contextID)
	if err != nil {
		return res, err
	}
	defer client.Close()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		local, rel, err := confinePath(localRoot, p)
		if err != nil {
			res.Failed = append(res.Failed, p)
			s.log.Warn("send_files rejected path", "path", p, "error", err)
			continue
		}
		n, err := s.sendOne(ctx, client, local, path.Join(dest, rel))
		if err != nil {
			res.Failed = append(res.Failed, p)
			s.log.Warn("send_files upload failed", "path", p, "error", s.scrub.Scrub(err.Error()))
			continue
		}
		res.Sent = append(res.Sent, p)
		res.Bytes += n
	}

	if s.bus != nil {
		s.bus.Publish(TopicSendFilesCompleted, res, broker.WithSender("hop"))
	}
	return res, nil
}

// confinePath resolves a workspace-relative path and rejects anything
// that escapes the root.
func confinePath(root, p string) (abs, rel string, err error) {
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(root, p)
	}
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return abs, filepath.ToSlash(rel), nil
}

func (s *Service) sendOne(ctx context.Context, client SFTPClient, local, remote string) (int64, error) {
	info, err := os.Stat(local)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		var total int64
		entries, err := os.ReadDir(local)
		if err != nil {
			return 0, err
		}
		if err := mkdirAllRemote(client, remote); err != nil {
			return 0, err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, err := s.sendOne(ctx, client, filepath.Join(local, e.Name()), path.Join(remote, e.Name()))
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}

	if err := mkdirAllRemote(client, path.Dir(remote)); err != nil {
		return 0, err
	}
	src, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst, err := client.Create(remote)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// mkdirAllRemote creates a remote directory segment by segment. SFTP
// has no MkdirAll and servers differ on nested Mkdir behaviour.
func mkdirAllRemote(client SFTPClient, dir string) error {
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
	if err := mkdirAllRemote(client, path.Dir(dir)); err != nil {
		return err
	}
	if err := client.Mkdir(dir); err != nil {
		// A concurrent creator is fine.
		if info, serr := client.Stat(dir); serr == nil && info.IsDir() {
			return nil
		}
		return err
	}
	return nil
}
