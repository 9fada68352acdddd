// Package mongo implements the persistence gateway on MongoDB, with upload
// blobs in GridFS.
package mongo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

const (
	collSessions   = "sessions"
	collKeystrokes = "keystrokes"
	collUploads    = "uploads"

	queueDepth = 256
	opTimeout  = 10 * time.Second
)

// Store persists sessions, keystrokes, and uploads. All writes run on the
// queue's single worker goroutine.
type Store struct {
	client     *mongo.Client
	sessions   *mongo.Collection
	keystrokes *mongo.Collection
	uploads    *mongo.Collection
	bucket     *gridfs.Bucket
	queue      *queue
	log        *logger.Logger
}

var _ storage.Store = (*Store)(nil)

// Connect builds a Store for the given URI and database. The client connects
// lazily: a down MongoDB surfaces on first use, not at startup.
func Connect(ctx context.Context, uri, dbName string, log *logger.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("configure mongo client: %w", err)
	}
	db := client.Database(dbName)
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	s := &Store{
		client:     client,
		sessions:   db.Collection(collSessions),
		keystrokes: db.Collection(collKeystrokes),
		uploads:    db.Collection(collUploads),
		bucket:     bucket,
		log:        log,
	}
	s.queue = newQueue(queueDepth, opTimeout, func() {
		log.Warn("persistence queue full, dropping capture record")
	})
	go s.ensureIndexes()
	return s, nil
}

// ensureIndexes runs off the write queue so a down database cannot occupy
// the worker during startup.
func (s *Store) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.sessions, mongo.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.keystrokes, mongo.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}}}},
		{s.uploads, mongo.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			s.log.Warn("create index", "collection", ix.coll.Name(), "error", err)
		}
	}
}

// await runs fn on the worker and waits for its error under ctx.
func (s *Store) await(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if err := s.queue.submit(ctx, func(wctx context.Context) {
		errc <- fn(wctx)
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession allocates a UUID, inserts the initial session document, and
// returns the id.
func (s *Store) CreateSession(ctx context.Context, creds storage.Credentials) (string, error) {
	id := uuid.NewString()
	err := s.await(ctx, func(wctx context.Context) error {
		doc := storage.Session{
			ID:         id,
			SourceIP:   creds.SourceIP,
			SourcePort: creds.SourcePort,
			Username:   creds.Username,
			Password:   creds.Secret,
			AuthMethod: creds.Method,
			StartedAt:  time.Now().UTC(),
			Status:     storage.StatusActive,
		}
		if _, err := s.sessions.InsertOne(wctx, doc); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("session created",
		"session_id", id,
		"source_ip", creds.SourceIP,
		"username", creds.Username,
		"auth_method", creds.Method)
	return id, nil
}

func (s *Store) SetContainer(ctx context.Context, sessionID, containerID string) error {
	return s.await(ctx, func(wctx context.Context) error {
		res, err := s.sessions.UpdateOne(wctx,
			bson.M{"session_id": sessionID},
			bson.M{"$set": bson.M{"container_id": containerID}})
		if err != nil {
			return fmt.Errorf("set container: %w", err)
		}
		if res.MatchedCount == 0 {
			s.log.Warn("set container on unknown session", "session_id", sessionID)
		}
		return nil
	})
}

// sessionDuration is the whole-second lifetime stamped on a completed
// session. Clock skew can put the end before the start; the value is
// clamped to zero rather than stored negative.
func sessionDuration(start, end time.Time) int {
	d := int(end.Sub(start).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	return s.await(ctx, func(wctx context.Context) error {
		var sess storage.Session
		err := s.sessions.FindOne(wctx, bson.M{"session_id": sessionID}).Decode(&sess)
		if errors.Is(err, mongo.ErrNoDocuments) {
			s.log.Warn("end session on unknown id", "session_id", sessionID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		now := time.Now().UTC()
		duration := sessionDuration(sess.StartedAt, now)
		_, err = s.sessions.UpdateOne(wctx,
			bson.M{"session_id": sessionID},
			bson.M{"$set": bson.M{
				"ended_at":         now,
				"duration_seconds": duration,
				"status":           storage.StatusCompleted,
			}})
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		s.log.Info("session ended", "session_id", sessionID, "duration_seconds", duration)
		return nil
	})
}

// RecordKeystroke encodes and enqueues one bridge chunk. The base64 encoding
// happens here so the caller's buffer is free for reuse on return.
func (s *Store) RecordKeystroke(sessionID string, direction storage.Direction, data []byte) {
	if len(data) == 0 {
		return
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	ts := time.Now().UTC()
	s.queue.post(func(wctx context.Context) {
		doc := bson.M{
			"session_id": sessionID,
			"timestamp":  ts,
			"data":       encoded,
			"direction":  string(direction),
		}
		if _, err := s.keystrokes.InsertOne(wctx, doc); err != nil {
			s.log.Warn("record keystroke", "session_id", sessionID, "error", err)
		}
	})
}

// uploadDigest returns the sha256 hex and byte length recorded alongside
// a stored blob.
func uploadDigest(content []byte) (string, int) {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), len(content)
}

// RecordUpload stores the blob in GridFS, then the metadata record that
// references it.
func (s *Store) RecordUpload(sessionID, filename string, content []byte) {
	hash, size := uploadDigest(content)
	ts := time.Now().UTC()
	s.queue.post(func(wctx context.Context) {
		if deadline, ok := wctx.Deadline(); ok {
			_ = s.bucket.SetWriteDeadline(deadline)
		}
		fileID, err := s.bucket.UploadFromStream(filename, bytes.NewReader(content))
		if err != nil {
			s.log.Error("store upload blob",
				"session_id", sessionID, "filename", filename, "error", err)
			return
		}
		doc := bson.M{
			"session_id":   sessionID,
			"filename":     filename,
			"size_bytes":   size,
			"content_hash": hash,
			"uploaded_at":  ts,
			"file_ref":     fileID,
		}
		if _, err := s.uploads.InsertOne(wctx, doc); err != nil {
			s.log.Error("record upload",
				"session_id", sessionID, "filename", filename, "error", err)
			return
		}
		s.log.Info("upload captured",
			"session_id", sessionID,
			"filename", filename,
			"size_bytes", size,
			"sha256", hash)
	})
}

// Close drains the queue, then disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.queue.close(ctx); err != nil {
		s.log.Warn("persistence queue drain interrupted", "error", err)
	}
	return s.client.Disconnect(ctx)
}
