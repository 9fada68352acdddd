package ssh

import (
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/honeyshell/honeyshell/internal/container"
	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

// bridge shuttles bytes between the attacker's channel and the sandbox
// exec, recording each chunk after it is forwarded. It returns when the
// container side stops producing output; the ingress pump is unblocked by
// the channel close that follows.
func (s *Server) bridge(channel ssh.Channel, stream container.Stream, sessionID string, log *logger.Logger) {
	// Ingress: attacker -> sandbox.
	go func() {
		buf := make([]byte, ioChunkSize)
		for {
			n, err := channel.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(buf[:n]); werr != nil {
					log.Debug("sandbox stdin closed", "error", werr)
					return
				}
				s.store.RecordKeystroke(sessionID, storage.DirectionInput, buf[:n])
			}
			if err != nil {
				// Stdin is done; the exec sees EOF while its
				// output keeps draining.
				stream.CloseWrite()
				if err != io.EOF {
					log.Debug("channel read ended", "error", err)
				}
				return
			}
		}
	}()

	// Stderr only exists on non-TTY execs; with a PTY it is folded into
	// the main stream.
	var aux sync.WaitGroup
	if stderr := stream.Stderr(); stderr != nil {
		aux.Add(1)
		go func() {
			defer aux.Done()
			buf := make([]byte, ioChunkSize)
			for {
				n, err := stderr.Read(buf)
				if n > 0 {
					if _, werr := channel.Stderr().Write(buf[:n]); werr != nil {
						return
					}
					s.store.RecordKeystroke(sessionID, storage.DirectionOutput, buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	}

	// Egress: sandbox -> attacker.
	buf := make([]byte, ioChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := channel.Write(buf[:n]); werr != nil {
				log.Debug("channel write failed", "error", werr)
				break
			}
			s.store.RecordKeystroke(sessionID, storage.DirectionOutput, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("sandbox stream ended", "error", err)
			}
			break
		}
	}
	aux.Wait()
}
