// Package mock provides a scripted Runtime for tests. No engine is
// involved: execs run against in-memory streams that either echo input
// back (TTY mode) or play a canned response (exec mode).
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/honeyshell/honeyshell/internal/container"
)

// Response scripts the outcome of one non-TTY exec, keyed by the command
// string passed to `sh -c`.
type Response struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// WaitForInput delays stdout until stdin is half-closed, imitating a
	// command that consumes its input before producing output.
	WaitForInput bool
}

// CreateCall records one Create invocation.
type CreateCall struct {
	SessionID   string
	ContainerID string
}

// ExecCall records one OpenExec invocation.
type ExecCall struct {
	ContainerID string
	Argv        []string
	Tty         bool
	Width       uint32
	Height      uint32
	ExecID      string
	Stream      *Stream
}

// ResizeCall records one Resize invocation.
type ResizeCall struct {
	ExecID string
	Width  uint32
	Height uint32
}

// Runtime records every call. Create and OpenExec can be overridden
// through the Func fields to inject failures.
type Runtime struct {
	CreateFunc   func(ctx context.Context, sessionID string) (string, error)
	OpenExecFunc func(ctx context.Context, containerID string, argv []string, tty bool, width, height uint32) (string, container.Stream, error)

	// Responses scripts non-TTY execs by `sh -c` command. Commands with
	// no entry produce empty output and exit 0.
	Responses map[string]Response

	mu       sync.Mutex
	seq      int
	creates  []CreateCall
	execs    []ExecCall
	resizes  []ResizeCall
	destroys []string
	sweeps   int
}

func New() *Runtime {
	return &Runtime{Responses: make(map[string]Response)}
}

var _ container.Runtime = (*Runtime)(nil)

func (r *Runtime) Create(ctx context.Context, sessionID string) (string, error) {
	if r.CreateFunc != nil {
		return r.CreateFunc(ctx, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("mock-container-%d", r.seq)
	r.creates = append(r.creates, CreateCall{SessionID: sessionID, ContainerID: id})
	return id, nil
}

func (r *Runtime) OpenExec(ctx context.Context, containerID string, argv []string, tty bool, width, height uint32) (string, container.Stream, error) {
	if r.OpenExecFunc != nil {
		return r.OpenExecFunc(ctx, containerID, argv, tty, width, height)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	execID := fmt.Sprintf("mock-exec-%d", r.seq)

	var stream *Stream
	if tty {
		stream = newEchoStream()
	} else {
		cmd := ""
		if len(argv) == 3 && argv[0] == "sh" && argv[1] == "-c" {
			cmd = argv[2]
		}
		stream = newScriptedStream(r.Responses[cmd])
	}

	r.execs = append(r.execs, ExecCall{
		ContainerID: containerID,
		Argv:        append([]string(nil), argv...),
		Tty:         tty,
		Width:       width,
		Height:      height,
		ExecID:      execID,
		Stream:      stream,
	})
	return execID, stream, nil
}

func (r *Runtime) Resize(ctx context.Context, execID string, width, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, ResizeCall{ExecID: execID, Width: width, Height: height})
}

func (r *Runtime) Destroy(ctx context.Context, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys = append(r.destroys, containerID)
}

func (r *Runtime) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 0, nil
}

func (r *Runtime) Close() error { return nil }

// Creates returns a snapshot of recorded Create calls.
func (r *Runtime) Creates() []CreateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CreateCall(nil), r.creates...)
}

// Execs returns a snapshot of recorded OpenExec calls.
func (r *Runtime) Execs() []ExecCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecCall(nil), r.execs...)
}

// Resizes returns a snapshot of recorded Resize calls.
func (r *Runtime) Resizes() []ResizeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResizeCall(nil), r.resizes...)
}

// Destroyed returns the container ids Destroy was called with.
func (r *Runtime) Destroyed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroys...)
}

// Stream is an in-memory container.Stream. In echo mode every write is
// reflected back on the read side, imitating a shell PTY; in scripted
// mode the canned output plays once and the read side EOFs.
type Stream struct {
	echo     bool
	exitCode int
	outR     *io.PipeReader
	outW     *io.PipeWriter
	stderr   io.Reader
	gate     chan struct{}

	mu    sync.Mutex
	input []byte

	writeOnce sync.Once
	gateOnce  sync.Once
	closeOnce sync.Once
}

func newEchoStream() *Stream {
	outR, outW := io.Pipe()
	return &Stream{echo: true, outR: outR, outW: outW}
}

func newScriptedStream(resp Response) *Stream {
	outR, outW := io.Pipe()
	s := &Stream{outR: outR, outW: outW, exitCode: resp.ExitCode}
	if len(resp.Stderr) > 0 {
		s.stderr = bytes.NewReader(resp.Stderr)
	}
	if resp.WaitForInput {
		s.gate = make(chan struct{})
	}
	gate := s.gate
	stdout := append([]byte(nil), resp.Stdout...)
	go func() {
		if gate != nil {
			<-gate
		}
		if len(stdout) > 0 {
			_, _ = outW.Write(stdout)
		}
		outW.Close()
	}()
	return s
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.outR.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	s.mu.Lock()
	s.input = append(s.input, b...)
	s.mu.Unlock()
	if s.echo {
		if _, err := s.outW.Write(b); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func (s *Stream) Stderr() io.Reader { return s.stderr }

func (s *Stream) CloseWrite() error {
	if s.echo {
		s.writeOnce.Do(func() { s.outW.Close() })
		return nil
	}
	if s.gate != nil {
		s.gateOnce.Do(func() { close(s.gate) })
	}
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.gate != nil {
			s.gateOnce.Do(func() { close(s.gate) })
		}
		s.outR.Close()
		s.writeOnce.Do(func() { s.outW.Close() })
	})
	return nil
}

func (s *Stream) Wait(ctx context.Context) (int, error) {
	return s.exitCode, nil
}

// Input returns everything written to the stream so far.
func (s *Stream) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input...)
}
