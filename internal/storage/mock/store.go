// Package mock provides a recording Store for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/honeyshell/honeyshell/internal/storage"
)

// Keystroke is one recorded bridge chunk.
type Keystroke struct {
	SessionID string
	Direction storage.Direction
	Data      []byte
	At        time.Time
}

// Upload is one recorded file capture.
type Upload struct {
	SessionID string
	Filename  string
	Content   []byte
	At        time.Time
}

// Store records every call. Individual operations can be overridden through
// the Func fields to inject failures.
type Store struct {
	CreateSessionFunc func(ctx context.Context, creds storage.Credentials) (string, error)
	SetContainerFunc  func(ctx context.Context, sessionID, containerID string) error
	EndSessionFunc    func(ctx context.Context, sessionID string) error

	mu         sync.Mutex
	sessions   map[string]*storage.Session
	order      []string
	keystrokes []Keystroke
	uploads    []Upload
	ended      []string
	closed     bool
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*storage.Session)}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, creds storage.Credentials) (string, error) {
	if s.CreateSessionFunc != nil {
		return s.CreateSessionFunc(ctx, creds)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &storage.Session{
		ID:         id,
		SourceIP:   creds.SourceIP,
		SourcePort: creds.SourcePort,
		Username:   creds.Username,
		Password:   creds.Secret,
		AuthMethod: creds.Method,
		StartedAt:  now,
		Status:     storage.StatusActive,
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *Store) SetContainer(ctx context.Context, sessionID, containerID string) error {
	if s.SetContainerFunc != nil {
		return s.SetContainerFunc(ctx, sessionID, containerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		cid := containerID
		sess.ContainerID = &cid
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.EndSessionFunc != nil {
		return s.EndSessionFunc(ctx, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	if sess, ok := s.sessions[sessionID]; ok {
		now := time.Now().UTC()
		d := int(now.Sub(sess.StartedAt).Seconds())
		sess.EndedAt = &now
		sess.DurationSeconds = &d
		sess.Status = storage.StatusCompleted
	}
	return nil
}

func (s *Store) RecordKeystroke(sessionID string, direction storage.Direction, data []byte) {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keystrokes = append(s.keystrokes, Keystroke{
		SessionID: sessionID,
		Direction: direction,
		Data:      cp,
		At:        time.Now().UTC(),
	})
}

func (s *Store) RecordUpload(sessionID, filename string, content []byte) {
	cp := append([]byte(nil), content...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, Upload{
		SessionID: sessionID,
		Filename:  filename,
		Content:   cp,
		At:        time.Now().UTC(),
	})
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sessions returns a snapshot of all session records in creation order.
func (s *Store) Sessions() []storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.sessions[id])
	}
	return out
}

// Session returns the record for id.
func (s *Store) Session(id string) (storage.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, false
	}
	return *sess, true
}

// Keystrokes returns a snapshot of recorded chunks.
func (s *Store) Keystrokes() []Keystroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Keystroke(nil), s.keystrokes...)
}

// Captured concatenates the recorded chunks for one session and direction,
// in record order.
func (s *Store) Captured(sessionID string, direction storage.Direction) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, k := range s.keystrokes {
		if k.SessionID == sessionID && k.Direction == direction {
			out = append(out, k.Data...)
		}
	}
	return out
}

// Uploads returns a snapshot of recorded uploads.
func (s *Store) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Ended returns the session ids EndSession was called with.
func (s *Store) Ended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}
