// Package container defines the sandbox runtime contract: per-session
// containers, execs bridged to SSH channels, and their cleanup.
package container

import (
	"context"
	"errors"
	"io"
)

// SessionLabel marks sandbox containers with the session that owns them,
// which is how leftover sandboxes are found on startup.
const SessionLabel = "honeyshell.session_id"

// ExecEnv is the fixed environment presented to every sandbox process.
// Attacker-supplied env requests are refused upstream.
var ExecEnv = []string{
	"TERM=xterm-256color",
	"LANG=en_US.UTF-8",
	"HOME=/root",
}

// DecoyHosts is bait injected into every sandbox's hosts file, suggesting
// an internal network worth exploring. None of the addresses are routable
// from the isolated sandbox network.
var DecoyHosts = []string{
	"db-internal:10.0.1.10",
	"redis-internal:10.0.1.11",
	"api-internal:10.0.1.12",
}

var (
	// ErrNotFound reports an operation against a container that no longer
	// exists, typically after its TTL reaped it mid-session.
	ErrNotFound = errors.New("container not found")
	// ErrImageNotFound reports that the sandbox image is not present on
	// the engine.
	ErrImageNotFound = errors.New("sandbox image not found")
)

// Stream is a bidirectional connection to a running exec. Read delivers
// stdout; with a TTY, stderr is merged into stdout and Stderr returns nil.
type Stream interface {
	io.Reader
	io.Writer
	// Stderr returns the demultiplexed stderr stream, or nil when the
	// exec runs under a TTY.
	Stderr() io.Reader
	// CloseWrite half-closes the input direction so the exec sees EOF on
	// stdin while its output continues to drain.
	CloseWrite() error
	Close() error
	// Wait blocks until the exec exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// Runtime manages sandbox containers for attacker sessions.
type Runtime interface {
	// Create provisions and starts a sandbox owned by the session and
	// arms its TTL timer. Returns the container id.
	Create(ctx context.Context, sessionID string) (string, error)

	// OpenExec starts argv inside the container with stdio attached.
	// With tty set the exec gets a PTY sized width x height.
	OpenExec(ctx context.Context, containerID string, argv []string, tty bool, width, height uint32) (execID string, stream Stream, err error)

	// Resize adjusts a live exec's PTY. Failures are logged and
	// swallowed; the exec may already be gone.
	Resize(ctx context.Context, execID string, width, height uint32)

	// Destroy stops and removes the container. Idempotent: a missing
	// container counts as destroyed, other failures are logged rather
	// than returned.
	Destroy(ctx context.Context, containerID string)

	// Sweep destroys leftover sandboxes from a previous run and returns
	// how many it found.
	Sweep(ctx context.Context) (int, error)

	Close() error
}
