// Package fileops implements the File Operation Queue (C5): promise-returning
// file operations bridged from blocking calls via asyncrt's Promisify
// pattern, plus a poll-based FileWatcher with an optional fsnotify-backed
// accelerated backend.
//
// Non-streaming operations (ReadFile, Stat, Remove, ...) run to completion
// once begun, matching spec.md's File cancellation granularity decision.
// The streaming operation (WriteStream) is cooperatively chunked:
// each chunk is written on its own tick via asyncrt.Async.Delay(0), checking
// the supplied context between chunks so cancellation is honored within one
// chunk's latency rather than only at the end of the whole transfer.
package fileops

import (
	"context"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/asyncrt/asyncrt"
)

// DefaultChunkBytes is the recommended streaming chunk size from spec.md §4.5.
const DefaultChunkBytes = 64 * 1024

// Queue bridges blocking filesystem calls into loop-owned promises.
type Queue struct {
	loop       *asyncrt.Loop
	async      *asyncrt.Async
	chunkBytes int
}

// New creates a Queue bound to loop/a. chunkBytes <= 0 uses [DefaultChunkBytes].
func New(loop *asyncrt.Loop, a *asyncrt.Async, chunkBytes int) *Queue {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	return &Queue{loop: loop, async: a, chunkBytes: chunkBytes}
}

// ReadFile reads the named file to completion and resolves with its
// contents as []byte, or rejects with [asyncrt.IOError].
func (q *Queue) ReadFile(ctx context.Context, path string) asyncrt.Promise {
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &asyncrt.IOError{Cause: err, Path: path, Message: "read failed"}
		}
		return data, nil
	})
}

// Stat resolves with the file's [os.FileInfo], or rejects with
// [asyncrt.IOError].
func (q *Queue) Stat(ctx context.Context, path string) asyncrt.Promise {
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, &asyncrt.IOError{Cause: err, Path: path, Message: "stat failed"}
		}
		return info, nil
	})
}

// Remove deletes the named file, resolving with nil on success.
func (q *Queue) Remove(ctx context.Context, path string) asyncrt.Promise {
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		if err := os.Remove(path); err != nil {
			return nil, &asyncrt.IOError{Cause: err, Path: path, Message: "remove failed"}
		}
		return nil, nil
	})
}

// WriteStream writes the contents of r to the file at path in chunks of
// q.chunkBytes, re-enqueuing itself one chunk per tick via a.Delay(fn, 0),
// and resolves with the total number of bytes written, or rejects with
// [asyncrt.IOError] on a create/read/write failure, or with
// [asyncrt.CancellationError] when ctx is done before a chunk.
func (q *Queue) WriteStream(ctx context.Context, path string, r io.Reader) *asyncrt.ChainedPromise {
	result, resolve, reject := q.async.NewChainedPromise()

	f, err := os.Create(path)
	if err != nil {
		reject(&asyncrt.IOError{Cause: err, Path: path, Message: "create failed"})
		return result
	}

	buf := make([]byte, q.chunkBytes)
	var total int64

	var step func()
	step = func() {
		select {
		case <-ctx.Done():
			_ = f.Close()
			reject(&asyncrt.CancellationError{Cause: ctx.Err(), Message: "write canceled"})
			return
		default:
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				_ = f.Close()
				reject(&asyncrt.IOError{Cause: writeErr, Path: path, Message: "write failed"})
				return
			}
			total += int64(n)
		}

		if readErr == io.EOF {
			_ = f.Close()
			resolve(total)
			return
		}
		if readErr != nil {
			_ = f.Close()
			reject(&asyncrt.IOError{Cause: readErr, Path: path, Message: "read failed"})
			return
		}

		if _, err := q.async.Delay(step, 0); err != nil {
			_ = f.Close()
			reject(&asyncrt.IOError{Cause: err, Path: path, Message: "failed to schedule next chunk"})
		}
	}

	step()
	return result
}

// WatchEvent is delivered to a [FileWatcher]'s callback.
type WatchEvent struct {
	Path string
	Kind string // "created", "modified", or "deleted"
}

// FileWatcher polls (or, when fsnotify is available for the path, watches
// natively) for changes to a file and invokes a callback on the loop
// goroutine for each detected change.
type FileWatcher struct {
	path     string
	callback func(WatchEvent)
	watcher  *fsnotify.Watcher
	loop     *asyncrt.Loop
	async    *asyncrt.Async
	lastMod  int64
	stopped  bool
}

// NewFileWatcher starts watching path, preferring an fsnotify-backed
// (inotify/FSEvents) watcher and falling back to the spec-mandated
// busy-poll backend if fsnotify's watcher cannot be created for this
// platform/path. pollIntervalMs is only used by the poll backend.
func NewFileWatcher(loop *asyncrt.Loop, a *asyncrt.Async, path string, pollIntervalMs int, callback func(WatchEvent)) (*FileWatcher, error) {
	fw := &FileWatcher{path: path, callback: callback, loop: loop, async: a}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(path); err == nil {
			fw.watcher = w
			go fw.runFsnotify()
			loop.RegisterManager(fw)
			return fw, nil
		}
		_ = w.Close()
	}

	if _, err := a.Interval(fw.pollOnce, pollIntervalMs, 0); err != nil {
		return nil, &asyncrt.IOError{Cause: err, Path: path, Message: "failed to start watcher"}
	}
	loop.RegisterManager(fw)
	return fw, nil
}

// HasWork reports whether the watcher is still active, giving the loop's
// idle-stop check visibility into its background goroutine (the fsnotify
// backend) or running interval (the poll backend, which is additionally
// already visible via its own timer).
func (fw *FileWatcher) HasWork() bool {
	return !fw.stopped
}

// runFsnotify translates fsnotify's OS-native events into WatchEvent
// callbacks, submitted through SubmitInternal so they run on the loop
// goroutine like every other manager callback.
func (fw *FileWatcher) runFsnotify() {
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			kind := classifyFsnotifyOp(ev.Op)
			if kind == "" {
				continue
			}
			_ = fw.loop.SubmitInternal(asyncrt.Task{Runnable: func() {
				if !fw.stopped {
					fw.callback(WatchEvent{Path: ev.Name, Kind: kind})
				}
			}})
		case _, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func classifyFsnotifyOp(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "created"
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return "deleted"
	case op&fsnotify.Write != 0, op&fsnotify.Chmod != 0:
		return "modified"
	default:
		return ""
	}
}

// pollOnce is the busy-poll backend's per-tick stat check.
func (fw *FileWatcher) pollOnce() {
	if fw.stopped {
		return
	}
	info, err := os.Stat(fw.path)
	if err != nil {
		if fw.lastMod != 0 {
			fw.lastMod = 0
			fw.callback(WatchEvent{Path: fw.path, Kind: "deleted"})
		}
		return
	}
	mod := info.ModTime().UnixNano()
	switch {
	case fw.lastMod == 0:
		fw.lastMod = mod
		fw.callback(WatchEvent{Path: fw.path, Kind: "created"})
	case mod != fw.lastMod:
		fw.lastMod = mod
		fw.callback(WatchEvent{Path: fw.path, Kind: "modified"})
	}
}

// Close stops the watcher: no further callbacks are delivered, and the
// fsnotify handle (if any) is closed. The poll backend's interval is not
// canceled; it keeps firing, and each firing returns without a stat.
func (fw *FileWatcher) Close() error {
	fw.stopped = true
	if fw.watcher != nil {
		return fw.watcher.Close()
	}
	return nil
}
