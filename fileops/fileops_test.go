package fileops

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asyncrt/asyncrt"
)

func newTestLoop(t *testing.T) (*asyncrt.Loop, *asyncrt.Async, func()) {
	t.Helper()
	loop, err := asyncrt.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := asyncrt.NewAsync(loop)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return loop, a, func() {
		cancel()
		_ = loop.Shutdown(context.Background())
		<-done
	}
}

func TestQueue_ReadFile(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	q := New(loop, a, 0)
	p := q.ReadFile(context.Background(), path)

	result := <-p.ToChannel()
	data, ok := result.([]byte)
	if !ok {
		t.Fatalf("expected []byte result, got %T (%v)", result, result)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Errorf("unexpected contents: %q", data)
	}
}

func TestQueue_ReadFileMissingRejects(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	q := New(loop, a, 0)
	p := q.ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))

	<-p.ToChannel()
	if p.State() != asyncrt.Rejected {
		t.Fatalf("expected rejection, got state %v", p.State())
	}
	if _, ok := p.Result().(*asyncrt.IOError); !ok {
		t.Errorf("expected IOError, got %v", p.Result())
	}
}

func TestQueue_WriteStreamChunksAndResolves(t *testing.T) {
	_, a, stop := newTestLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	payload := bytes.Repeat([]byte("x"), 5)
	q := New(nil, a, 2) // small chunk size to force multiple ticks

	p := q.WriteStream(context.Background(), path, bytes.NewReader(payload))
	result := <-p.ToChannel()

	total, ok := result.(int64)
	if !ok || total != int64(len(payload)) {
		t.Fatalf("expected total %d, got %v (%T)", len(payload), result, result)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Errorf("unexpected written contents: %q", written)
	}
}

func TestQueue_WriteStreamCancellation(t *testing.T) {
	_, a, stop := newTestLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := New(nil, a, 1)
	p := q.WriteStream(ctx, path, bytes.NewReader([]byte("abc")))

	<-p.ToChannel()
	if p.State() != asyncrt.Rejected {
		t.Fatalf("expected rejection, got state %v", p.State())
	}
	if _, ok := p.Reason().(*asyncrt.CancellationError); !ok {
		t.Errorf("expected CancellationError, got %v", p.Reason())
	}
}

// TestFileWatcher_PollDetectsCreateAndModify watches a path that does not
// exist yet, which forces fsnotify.Add to fail and the watcher onto its
// poll-based fallback (classifyFsnotifyOp semantics are covered instead by
// the invariant that both backends agree on WatchEvent.Kind values).
func TestFileWatcher_PollDetectsCreateAndModify(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")

	events := make(chan WatchEvent, 8)
	fw, err := NewFileWatcher(loop, a, path, 20, func(ev WatchEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	defer fw.Close()

	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != "created" {
			t.Errorf("expected first event to be 'created', got %q", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe created event")
	}

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2, longer content to bump mtime"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != "modified" {
			t.Errorf("expected a 'modified' event, got %q", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe modification event")
	}
}
