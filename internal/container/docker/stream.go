package docker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// execStream adapts a hijacked exec connection to container.Stream. With a
// TTY the raw stream is stdout; without one the engine multiplexes stdout
// and stderr onto the same connection and stdcopy splits them back apart.
type execStream struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	stdout    io.Reader
	stderr    io.Reader
	closeOnce sync.Once
}

func newExecStream(cli *client.Client, execID string, resp types.HijackedResponse, tty bool) *execStream {
	s := &execStream{client: cli, execID: execID, hijacked: resp}
	if tty {
		s.stdout = resp.Reader
		return s
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, resp.Reader)
		stdoutWriter.CloseWithError(err)
		stderrWriter.CloseWithError(err)
	}()
	s.stdout = stdoutReader
	s.stderr = stderrReader
	return s
}

func (s *execStream) Read(b []byte) (int, error) {
	return s.stdout.Read(b)
}

func (s *execStream) Write(b []byte) (int, error) {
	return s.hijacked.Conn.Write(b)
}

func (s *execStream) Stderr() io.Reader {
	return s.stderr
}

func (s *execStream) CloseWrite() error {
	if cw, ok := s.hijacked.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.hijacked.Close()
	})
	return nil
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := s.client.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
