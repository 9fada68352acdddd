// Package ssh implements the honeypot's public face: an SSH server that
// accepts every credential, records what it was offered, and bridges
// session channels into disposable sandbox containers.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/honeyshell/honeyshell/internal/container"
	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

const (
	// defaultChannelTimeout bounds how long a handshaked connection may
	// idle before opening its first session channel.
	defaultChannelTimeout = 20 * time.Second
	// defaultResolveTimeout bounds waits on the deferred session id and
	// on per-operation storage calls.
	defaultResolveTimeout = 5 * time.Second

	createTimeout  = 30 * time.Second
	destroyTimeout = 30 * time.Second

	ioChunkSize = 4096
)

// Config carries the listener parameters.
type Config struct {
	Addr     string
	Banner   string
	HostKey  ssh.Signer
	SFTPRoot string

	// ChannelTimeout and ResolveTimeout default to the package values
	// when zero. Tests shrink them.
	ChannelTimeout time.Duration
	ResolveTimeout time.Duration
}

// Server accepts attacker connections and drives their sessions.
type Server struct {
	cfg     Config
	runtime container.Runtime
	store   storage.Store
	clock   clockwork.Clock
	log     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config, runtime container.Runtime, store storage.Store, log *logger.Logger) *Server {
	return newServer(cfg, runtime, store, clockwork.NewRealClock(), log)
}

func newServer(cfg Config, runtime container.Runtime, store storage.Store, clock clockwork.Clock, log *logger.Logger) *Server {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = defaultChannelTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	return &Server{
		cfg:     cfg,
		runtime: runtime,
		store:   store,
		clock:   clock,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("ssh listener started", "addr", ln.Addr().String(), "banner", s.cfg.Banner)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every live connection, then waits for
// handlers to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("ssh listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// connState is the per-connection session handle. The auth callbacks fire
// once per connection and kick off the session insert; everything else on
// the connection waits on the ref.
type connState struct {
	session  *sessionRef
	authOnce sync.Once
}

func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.log.With("remote_addr", remote)
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked", "panic", r)
			conn.Close()
		}
	}()
	log.Debug("connection accepted")

	state := &connState{session: newSessionRef()}

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig(state, log))
	if err != nil {
		log.Debug("handshake failed", "error", err)
		conn.Close()
		return
	}
	defer sshConn.Close()
	log = log.With("client_version", string(sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	// Probes that authenticate and then sit idle get dropped; real
	// clients open a session channel almost immediately.
	channelTimer := s.clock.AfterFunc(s.cfg.ChannelTimeout, func() {
		log.Debug("no session channel before timeout, dropping connection")
		sshConn.Close()
	})

	var handlers sync.WaitGroup
	sawChannel := false
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			log.Debug("rejecting channel", "type", newChannel.ChannelType())
			newChannel.Reject(ssh.Prohibited, "channel type not permitted")
			continue
		}
		if !sawChannel {
			sawChannel = true
			channelTimer.Stop()
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn("channel accept failed", "error", err)
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer logPanic(log, "session channel")
			s.handleSession(channel, requests, state, log)
		}()
	}
	channelTimer.Stop()
	handlers.Wait()

	// The connection is gone and every channel has unwound, so the
	// session record can be finalized exactly once.
	if id, ok := state.session.wait(s.clock, s.cfg.ResolveTimeout); ok {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
		if err := s.store.EndSession(ctx, id); err != nil {
			log.Warn("end session", "session_id", id, "error", err)
		}
		cancel()
	}
	log.Debug("connection closed")
}

// serverConfig builds the per-connection handshake config. Both auth
// callbacks accept unconditionally; what matters is what they saw.
func (s *Server) serverConfig(state *connState, log *logger.Logger) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: s.cfg.Banner,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.recordAuth(state, meta, storage.AuthPassword, string(password), log)
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			// Fires for both the probe and the signed attempt; the
			// once-guard in recordAuth keeps a single session.
			s.recordAuth(state, meta, storage.AuthPublicKey, ssh.FingerprintLegacyMD5(key), log)
			return &ssh.Permissions{}, nil
		},
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			log.Debug("auth attempt", "user", meta.User(), "method", method, "accepted", err == nil)
		},
	}
	cfg.AddHostKey(s.cfg.HostKey)
	return cfg
}

// recordAuth captures the first credential offered on the connection and
// creates the session record in the background, so the handshake never
// stalls on storage.
func (s *Server) recordAuth(state *connState, meta ssh.ConnMetadata, method, secret string, log *logger.Logger) {
	state.authOnce.Do(func() {
		ip, port := splitHostPort(meta.RemoteAddr().String())
		creds := storage.Credentials{
			SourceIP:   ip,
			SourcePort: port,
			Username:   meta.User(),
			Secret:     secret,
			Method:     method,
		}
		log.Info("credentials captured", "user", creds.Username, "method", method)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
			defer cancel()
			id, err := s.store.CreateSession(ctx, creds)
			if err != nil {
				log.Error("create session record", "error", err)
				state.session.fail(err)
				return
			}
			state.session.resolve(id)
		}()
	})
}

// logPanic is deferred at each handler goroutine boundary. A panicking
// connection or channel must not take the listener down with it.
func logPanic(log *logger.Logger, scope string) {
	if r := recover(); r != nil {
		log.Error("handler panicked", "scope", scope, "panic", r)
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
