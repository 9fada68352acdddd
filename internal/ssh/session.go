package ssh

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/honeyshell/honeyshell/internal/logger"
	sftpsrv "github.com/honeyshell/honeyshell/internal/sftp"
	"github.com/honeyshell/honeyshell/internal/storage"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
)

// sessionRef is the single-assignment handle for a connection's session
// id. Auth resolves it once, in the background; consumers wait on it with
// a bounded timeout. An unresolved id closes shell and exec channels; the
// sftp subsystem falls back to storage.SessionUnknown instead.
type sessionRef struct {
	once sync.Once
	done chan struct{}
	id   string
	err  error
}

func newSessionRef() *sessionRef {
	return &sessionRef{done: make(chan struct{})}
}

func (r *sessionRef) resolve(id string) {
	r.once.Do(func() {
		r.id = id
		close(r.done)
	})
}

func (r *sessionRef) fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// wait blocks until the ref resolves or the timeout elapses.
func (r *sessionRef) wait(clock clockwork.Clock, timeout time.Duration) (string, bool) {
	select {
	case <-r.done:
	case <-clock.After(timeout):
		return storage.SessionUnknown, false
	}
	if r.err != nil {
		return storage.SessionUnknown, false
	}
	return r.id, true
}

// sessionState carries per-channel request products into the bridge: the
// negotiated PTY dimensions and the live resize hook.
type sessionState struct {
	mu       sync.Mutex
	width    uint32
	height   uint32
	havePTY  bool
	resizeFn func(width, height uint32)
	started  bool
}

func (st *sessionState) setPTY(width, height uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.width, st.height = width, height
	st.havePTY = true
}

func (st *sessionState) dims() (uint32, uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.havePTY || st.width == 0 || st.height == 0 {
		return defaultWidth, defaultHeight
	}
	return st.width, st.height
}

func (st *sessionState) setResize(fn func(width, height uint32)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resizeFn = fn
}

func (st *sessionState) resize(width, height uint32) {
	st.mu.Lock()
	fn := st.resizeFn
	st.mu.Unlock()
	if fn != nil {
		fn(width, height)
	}
}

// begin claims the channel for a shell, exec or subsystem. Only the first
// claim wins; later session-starting requests are refused.
func (st *sessionState) begin() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.started {
		return false
	}
	st.started = true
	return true
}

// handleSession pumps requests on one session channel. The pump keeps
// running after a shell starts so window-change requests keep flowing to
// the live exec.
func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, conn *connState, log *logger.Logger) {
	st := &sessionState{}
	var work sync.WaitGroup
	defer channel.Close()
	defer work.Wait()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty, err := parsePTYRequest(req.Payload)
			if err != nil {
				log.Debug("bad pty-req payload", "error", err)
				req.Reply(false, nil)
				continue
			}
			st.setPTY(pty.Width, pty.Height)
			log.Debug("pty requested", "term", pty.Term, "width", pty.Width, "height", pty.Height)
			req.Reply(true, nil)

		case "env":
			// Env injection is refused; execs run with a fixed
			// environment.
			req.Reply(false, nil)

		case "shell":
			if !st.begin() {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			work.Add(1)
			go func() {
				defer work.Done()
				defer logPanic(log, "shell")
				s.runSession(channel, conn, st, nil, log)
			}()

		case "exec":
			command, err := parseExecRequest(req.Payload)
			if err != nil || !st.begin() {
				req.Reply(false, nil)
				continue
			}
			log.Info("exec requested", "command", string(command))
			req.Reply(true, nil)
			work.Add(1)
			go func() {
				defer work.Done()
				defer logPanic(log, "exec")
				s.runSession(channel, conn, st, command, log)
			}()

		case "subsystem":
			name, err := parseSubsystemRequest(req.Payload)
			if err != nil || name != "sftp" || !st.begin() {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			work.Add(1)
			go func() {
				defer work.Done()
				defer logPanic(log, "sftp")
				s.runSFTP(channel, conn, log)
			}()

		case "window-change":
			dims, err := parseWindowChange(req.Payload)
			if err == nil {
				st.setPTY(dims.Width, dims.Height)
				st.resize(dims.Width, dims.Height)
			}
			if req.WantReply {
				req.Reply(err == nil, nil)
			}

		default:
			log.Debug("unhandled session request", "type", req.Type)
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runSession provisions a sandbox and bridges the channel to an exec
// inside it. A nil command means an interactive shell.
func (s *Server) runSession(channel ssh.Channel, conn *connState, st *sessionState, command []byte, log *logger.Logger) {
	defer channel.Close()

	sessionID, resolved := conn.session.wait(s.clock, s.cfg.ResolveTimeout)
	if !resolved {
		// No session record means nothing to correlate the capture with.
		log.Warn("session id unresolved, closing channel")
		return
	}
	log = log.With("session_id", sessionID)

	createCtx, cancel := context.WithTimeout(context.Background(), createTimeout)
	containerID, err := s.runtime.Create(createCtx, sessionID)
	cancel()
	if err != nil {
		log.Error("sandbox create failed", "error", err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		s.runtime.Destroy(ctx, containerID)
	}()

	patchCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	if err := s.store.SetContainer(patchCtx, sessionID, containerID); err != nil {
		log.Warn("record container id", "error", err)
	}
	cancel()

	argv := []string{"/bin/bash"}
	tty := true
	if command != nil {
		argv = []string{"sh", "-c", string(command)}
		tty = false
	}
	width, height := st.dims()

	execCtx, cancel := context.WithTimeout(context.Background(), createTimeout)
	execID, stream, err := s.runtime.OpenExec(execCtx, containerID, argv, tty, width, height)
	cancel()
	if err != nil {
		log.Error("sandbox exec failed", "error", err)
		return
	}
	defer stream.Close()

	st.setResize(func(w, h uint32) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
		defer cancel()
		s.runtime.Resize(ctx, execID, w, h)
	})
	defer st.setResize(nil)
	// A window-change can land while the exec is still attaching; replay
	// the latest dimensions so the tty does not keep the stale size.
	if w, h := st.dims(); w != width || h != height {
		st.resize(w, h)
	}

	log.Info("session bridged", "container_id", containerID, "tty", tty)
	s.bridge(channel, stream, sessionID, log)

	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	code, err := stream.Wait(waitCtx)
	cancel()
	if err != nil {
		log.Debug("exit status unavailable", "error", err)
	} else {
		sendExitStatus(channel, uint32(code))
	}
	log.Info("session bridge finished", "container_id", containerID)
}

// runSFTP serves the sftp subsystem against the session's scratch root.
func (s *Server) runSFTP(channel ssh.Channel, conn *connState, log *logger.Logger) {
	defer channel.Close()

	sessionID, resolved := conn.session.wait(s.clock, s.cfg.ResolveTimeout)
	if !resolved {
		log.Warn("session id unresolved for sftp, recording as unknown")
	}
	root := filepath.Join(s.cfg.SFTPRoot, storage.ShortID(sessionID))
	log = log.With("session_id", sessionID)

	log.Info("sftp subsystem started", "root", root)
	if err := sftpsrv.Serve(channel, sessionID, root, s.store, log); err != nil {
		log.Warn("sftp subsystem failed", "error", err)
		return
	}
	log.Debug("sftp subsystem closed")
}
