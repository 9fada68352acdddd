// Package sftp serves a per-session virtual file tree over the SFTP
// subsystem and captures every uploaded file as evidence.
//
// Each session gets its own scratch root on the host. Client paths are
// normalized against that root so traversal sequences land inside it, and
// writes are mirrored into a memory buffer that becomes the upload record
// when the handle closes.
package sftp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/sftp"

	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

// Serve runs the SFTP request server on ch until the client closes the
// subsystem. The session root is created on demand.
func Serve(ch io.ReadWriteCloser, sessionID, root string, store storage.Store, log *logger.Logger) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create sftp root: %w", err)
	}

	h := NewHandler(sessionID, root, store, log)
	srv := sftp.NewRequestServer(ch, sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	})
	err := srv.Serve()
	srv.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Handler implements the pkg/sftp request handlers over one session root.
type Handler struct {
	sessionID string
	root      string
	store     storage.Store
	log       *logger.Logger
}

func NewHandler(sessionID, root string, store storage.Store, log *logger.Logger) *Handler {
	return &Handler{sessionID: sessionID, root: root, store: store, log: log}
}

var (
	_ sftp.FileReader         = (*Handler)(nil)
	_ sftp.FileWriter         = (*Handler)(nil)
	_ sftp.OpenFileWriter     = (*Handler)(nil)
	_ sftp.FileCmder          = (*Handler)(nil)
	_ sftp.FileLister         = (*Handler)(nil)
	_ sftp.LstatFileLister    = (*Handler)(nil)
	_ sftp.ReadlinkFileLister = (*Handler)(nil)
)

// resolve maps a client path into the session root. The path is cleaned
// as absolute first, so `..` chains collapse before the root is applied
// and cannot climb out of it.
func (h *Handler) resolve(p string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(p))
	full := filepath.Join(h.root, filepath.FromSlash(clean))
	if full != h.root && !strings.HasPrefix(full, h.root+string(os.PathSeparator)) {
		return "", os.ErrPermission
	}
	return full, nil
}

func (h *Handler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	h.log.Debug("sftp read", "session_id", h.sessionID, "path", r.Filepath)
	return f, nil
}

func (h *Handler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return h.openCapture(r)
}

// OpenFile serves read-write opens on a single handle.
func (h *Handler) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return h.openCapture(r)
}

func (h *Handler) openCapture(r *sftp.Request) (*captureFile, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	pflags := r.Pflags()
	osFlags := os.O_RDONLY
	switch {
	case pflags.Read && pflags.Write:
		osFlags = os.O_RDWR
	case pflags.Write:
		osFlags = os.O_WRONLY
	}
	// The append flag is not mapped to O_APPEND: it conflicts with
	// WriteAt, and clients send explicit offsets anyway.
	if pflags.Creat {
		osFlags |= os.O_CREATE
	}
	if pflags.Trunc {
		osFlags |= os.O_TRUNC
	}
	if pflags.Excl {
		osFlags |= os.O_EXCL
	}

	mode := os.FileMode(0o666)
	if r.AttrFlags().Permissions {
		if attr := r.Attributes(); attr != nil {
			mode = attr.FileMode().Perm()
		}
	}

	f, err := os.OpenFile(p, osFlags, mode)
	if err != nil {
		return nil, err
	}

	h.log.Debug("sftp open for write",
		"session_id", h.sessionID, "path", r.Filepath, "flags", osFlags)
	return &captureFile{
		f:         f,
		virtual:   r.Filepath,
		handler:   h,
		capturing: pflags.Write || pflags.Append || pflags.Creat,
	}, nil
}

func (h *Handler) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		if r.AttrFlags().Permissions {
			if attr := r.Attributes(); attr != nil {
				if err := os.Chmod(p, attr.FileMode().Perm()); err != nil {
					return err
				}
			}
		}
		// Size, time and ownership changes are accepted and dropped.
		return nil

	case "Rename":
		from, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		to, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		h.log.Debug("sftp rename", "session_id", h.sessionID, "from", r.Filepath, "to", r.Target)
		return os.Rename(from, to)

	case "Remove":
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		fi, err := os.Lstat(p)
		if err != nil {
			return err
		}
		// Remove unlinks files only; os.Remove would fall back to rmdir.
		if fi.IsDir() {
			return &os.PathError{Op: "remove", Path: r.Filepath, Err: syscall.EISDIR}
		}
		h.log.Debug("sftp remove", "session_id", h.sessionID, "path", r.Filepath)
		return os.Remove(p)

	case "Rmdir":
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		fi, err := os.Lstat(p)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return &os.PathError{Op: "rmdir", Path: r.Filepath, Err: syscall.ENOTDIR}
		}
		h.log.Debug("sftp rmdir", "session_id", h.sessionID, "path", r.Filepath)
		return os.Remove(p)

	case "Mkdir":
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		return os.Mkdir(p, 0o755)

	case "Symlink":
		// Only the link location is mapped; the target string is kept
		// verbatim, dangling or not. What the attacker links to is
		// itself evidence.
		link, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Symlink(r.Filepath, link)

	case "Link":
		oldname, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		newname, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Link(oldname, newname)

	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *Handler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	switch r.Method {
	case "List":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerat(infos), nil

	case "Stat":
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		return listerat{info}, nil

	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// Lstat serves lstat without following a final symlink.
func (h *Handler) Lstat(r *sftp.Request) (sftp.ListerAt, error) {
	p, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	return listerat{info}, nil
}

// Readlink reads a symlink target. Targets inside the session root are
// rewritten to virtual paths so the client never sees the host layout.
func (h *Handler) Readlink(p string) (string, error) {
	full, err := h.resolve(p)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", err
	}
	if target == h.root {
		return "/", nil
	}
	if strings.HasPrefix(target, h.root+string(os.PathSeparator)) {
		return filepath.ToSlash(strings.TrimPrefix(target, h.root)), nil
	}
	return target, nil
}

// captureFile is an open SFTP handle. Writes pass through to disk and, on
// success, append to a memory buffer that becomes the upload record when
// the handle closes. The buffer reflects write order, not file offsets.
type captureFile struct {
	f       *os.File
	virtual string
	handler *Handler

	mu        sync.Mutex
	buf       []byte
	capturing bool
	closed    bool
}

func (c *captureFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.f.WriteAt(p, off)
	if n > 0 && c.capturing {
		c.mu.Lock()
		c.buf = append(c.buf, p[:n]...)
		c.mu.Unlock()
	}
	return n, err
}

func (c *captureFile) ReadAt(p []byte, off int64) (int, error) {
	return c.f.ReadAt(p, off)
}

func (c *captureFile) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	buf := c.buf
	c.buf = nil
	capturing := c.capturing
	c.mu.Unlock()

	if capturing && len(buf) > 0 {
		name := path.Base(path.Clean("/" + filepath.ToSlash(c.virtual)))
		c.handler.store.RecordUpload(c.handler.sessionID, name, buf)
		c.handler.log.Info("sftp upload captured",
			"session_id", c.handler.sessionID,
			"filename", name,
			"size_bytes", len(buf))
	}
	return c.f.Close()
}

// listerat serves sftp.ListerAt over a fixed slice.
type listerat []os.FileInfo

func (l listerat) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}
