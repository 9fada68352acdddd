// Package storage defines the persistence contract for sessions, keystroke
// capture, and uploaded files.
package storage

import (
	"context"
	"time"
)

// Direction tags which side of the bridge produced a keystroke chunk.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Auth methods recorded on sessions.
const (
	AuthPassword  = "password"
	AuthPublicKey = "publickey"
)

// Session status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// SessionUnknown is the fallback id the sftp subsystem records under when
// the session id cannot be resolved in time. Shell and exec channels close
// instead; uploads are kept under this id so the file still reaches the
// store.
const SessionUnknown = "unknown"

// Credentials captures what the attacker presented during auth.
type Credentials struct {
	SourceIP   string
	SourcePort int
	Username   string
	// Secret is the plaintext password, or the MD5 colon-hex fingerprint of
	// the offered public key.
	Secret string
	Method string
}

// Session is the canonical per-connection record.
type Session struct {
	ID              string     `bson:"session_id"`
	SourceIP        string     `bson:"source_ip"`
	SourcePort      int        `bson:"source_port"`
	Username        string     `bson:"username"`
	Password        string     `bson:"password"`
	AuthMethod      string     `bson:"auth_method"`
	ContainerID     *string    `bson:"container_id"`
	StartedAt       time.Time  `bson:"started_at"`
	EndedAt         *time.Time `bson:"ended_at"`
	DurationSeconds *int       `bson:"duration_seconds"`
	Status          string     `bson:"status"`
}

// Store is the persistence gateway. CreateSession, SetContainer, and
// EndSession are awaited by the orchestrator under bounded contexts; the
// Record methods are fire-and-forget and must never block the bridge.
type Store interface {
	// CreateSession allocates a session id and persists the initial record.
	CreateSession(ctx context.Context, creds Credentials) (string, error)
	// SetContainer records the sandbox container backing the session.
	SetContainer(ctx context.Context, sessionID, containerID string) error
	// EndSession stamps ended_at and duration and completes the session.
	// Unknown ids are tolerated.
	EndSession(ctx context.Context, sessionID string) error
	// RecordKeystroke captures one bridge chunk. The implementation copies
	// data before returning; callers reuse their buffers.
	RecordKeystroke(sessionID string, direction Direction, data []byte)
	// RecordUpload captures one written SFTP file. Ownership of content
	// passes to the store.
	RecordUpload(sessionID, filename string, content []byte)
	// Close drains pending writes and releases the backend.
	Close(ctx context.Context) error
}

// ShortID returns the first 8 characters of a session id, the form used for
// container names and SFTP scratch directories.
func ShortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
