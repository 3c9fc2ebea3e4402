package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shellcache/internal/model"
	"shellcache/internal/storage"
)

func TestCommitLogFlushOnBufferLimit(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "journal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        30 * time.Second, // avoid periodic flush interference
		MaxEnqueuingMutation: 16,
		BufferBytes:          128, // small to trigger flush by size with crafted payloads
	}

	mgr, cancel, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}
	defer cancel()

	first := model.Mutation{Op: model.PUT, Store: "s", Key: []byte("k1"), Value: []byte("v1")}
	if err := mgr.Append(first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if size := storage.Size(walPath); size != 0 {
		t.Fatalf("expected no flush after first append, got size %d", size)
	}

	second := model.Mutation{
		Op:    model.PUT,
		Store: "s",
		Key:   bytes.Repeat([]byte("a"), 60),
		Value: bytes.Repeat([]byte("b"), 20),
	}
	if err := mgr.Append(second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	// Append blocks until the writer has buffered the record, and buffering
	// the second one forces the first to disk.
	if size := storage.Size(walPath); size == 0 {
		t.Fatalf("expected flush on buffer limit, got size %d", size)
	}
}

func TestCommitLogFlushOnContextShutdown(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "journal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        30 * time.Second,
		MaxEnqueuingMutation: 16,
		BufferBytes:          1 << 20,
	}

	mgr, cancel, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}

	if err := mgr.Append(model.Mutation{Op: model.OPEN, Store: "s"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if size := storage.Size(walPath); size != 0 {
		t.Fatalf("expected no flush before shutdown, got size %d", size)
	}

	cancel()
	<-mgr.Done()

	if size := storage.Size(walPath); size == 0 {
		t.Fatalf("expected flush after context shutdown, got size %d", size)
	}
	if err := mgr.Append(model.Mutation{Op: model.OPEN, Store: "late"}); err != ErrClosed {
		t.Fatalf("append after shutdown: got %v want ErrClosed", err)
	}
}

func TestCommitLogFlushOnInterval(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "journal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        20 * time.Millisecond,
		MaxEnqueuingMutation: 16,
		BufferBytes:          1 << 20, // large to avoid size-based flush
	}

	mgr, cancel, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}
	defer cancel()

	if err := mgr.Append(model.Mutation{Op: model.PUT, Store: "s", Key: []byte("k1"), Value: []byte("v1")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for storage.Size(walPath) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if size := storage.Size(walPath); size == 0 {
		t.Fatalf("expected periodic flush to write data, got size %d", size)
	}
}

func TestCommitLogReplayPreservesOrderAndSequence(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "journal.log")
	cfg := CommitLogCfg{Path: walPath, FlushInterval: time.Hour}

	mgr, cancel, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	batch := []model.Mutation{
		{Op: model.OPEN, Store: "app-static-v1"},
		{Op: model.PUT, Store: "app-static-v1", Key: []byte("GET /"), Value: []byte("root")},
		{Op: model.PUT, Store: "app-static-v1", Key: []byte("GET /a"), Value: nil},
	}
	if err := mgr.AppendBatch(batch); err != nil {
		t.Fatalf("append batch: %v", err)
	}
	cancel()
	<-mgr.Done()

	// Reopening continues the sequence after the last record.
	mgr2, cancel2, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := mgr2.Append(model.Mutation{Op: model.DROP, Store: "app-static-v1"}); err != nil {
		t.Fatalf("append drop: %v", err)
	}
	cancel2()
	<-mgr2.Done()

	got := LoadFile(walPath)
	if len(got) != 4 {
		t.Fatalf("replayed %d mutations, want 4", len(got))
	}
	for i, m := range got {
		if m.Sequence != uint64(i) {
			t.Fatalf("mutation %d has sequence %d", i, m.Sequence)
		}
	}
	if got[1].Store != "app-static-v1" || string(got[1].Key) != "GET /" || string(got[1].Value) != "root" {
		t.Fatalf("unexpected mutation: %+v", got[1])
	}
	if got[3].Op != model.DROP {
		t.Fatalf("last op: got %v want DROP", got[3].Op)
	}
}

func TestCommitLogLoadStopsAtCorruption(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "journal.log")
	good := encodeMutation(model.Mutation{Op: model.OPEN, Store: "a"})
	bad := encodeMutation(model.Mutation{Sequence: 1, Op: model.OPEN, Store: "b"})
	bad[len(bad)-1] ^= 0xff
	tail := encodeMutation(model.Mutation{Sequence: 2, Op: model.OPEN, Store: "c"})

	data := append(append(append([]byte{}, good...), bad...), tail[:len(tail)-2]...)
	if err := os.WriteFile(walPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := LoadFile(walPath)
	if len(got) != 1 || got[0].Store != "a" {
		t.Fatalf("expected only the first record, got %+v", got)
	}
}
