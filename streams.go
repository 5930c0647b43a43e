// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package asyncrt

import (
	"sync"
)

// fdWatchers holds the at-most-one read watcher and at-most-one write
// watcher multiplexed onto a single poller registration for one file
// descriptor.
type fdWatchers struct {
	fd         int
	registered bool

	readID  uint64
	readCB  func(IOEvents)
	writeID uint64
	writeCB func(IOEvents)
}

// StreamManager is the Stream/Socket Manager (C4): cooperative,
// one-shot read- and write-readiness watchers, multiplexed per file
// descriptor onto the loop's poller. Every watcher fires at most once; a
// caller that wants to keep watching re-registers from its own callback.
//
// Per file descriptor, a ready write always dispatches before a ready read,
// since a writer waiting on backpressure should be unblocked before more
// data is handed to a reader.
type StreamManager struct {
	loop *Loop

	mu     sync.Mutex
	nextID uint64
	byFD   map[int]*fdWatchers
	idToFD map[uint64]int
}

// NewStreamManager creates a StreamManager bound to loop.
func NewStreamManager(loop *Loop) *StreamManager {
	return &StreamManager{
		loop:   loop,
		byFD:   make(map[int]*fdWatchers),
		idToFD: make(map[uint64]int),
	}
}

// AddRead registers a one-shot read-readiness watcher on fd, returning its
// id. cb runs on the loop thread once fd is readable, after any write
// watcher also pending on fd for the same readiness event.
func (m *StreamManager) AddRead(fd int, cb func(IOEvents)) (uint64, error) {
	return m.add(fd, cb, false)
}

// AddWrite registers a one-shot write-readiness watcher on fd, returning its
// id. cb runs on the loop thread once fd is writable, ahead of any read
// watcher also pending on fd for the same readiness event.
func (m *StreamManager) AddWrite(fd int, cb func(IOEvents)) (uint64, error) {
	return m.add(fd, cb, true)
}

func (m *StreamManager) add(fd int, cb func(IOEvents), write bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byFD[fd]
	if !ok {
		w = &fdWatchers{fd: fd}
		m.byFD[fd] = w
	}

	m.nextID++
	id := m.nextID

	if write {
		w.writeID, w.writeCB = id, cb
	} else {
		w.readID, w.readCB = id, cb
	}
	m.idToFD[id] = fd

	if err := m.syncLocked(w); err != nil {
		if write {
			w.writeID, w.writeCB = 0, nil
		} else {
			w.readID, w.readCB = 0, nil
		}
		delete(m.idToFD, id)
		return 0, err
	}
	return id, nil
}

// Remove cancels a single previously registered watcher by id. Removing an
// id that has already fired or was never registered is a no-op.
func (m *StreamManager) Remove(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fd, ok := m.idToFD[id]
	if !ok {
		return nil
	}
	delete(m.idToFD, id)

	w, ok := m.byFD[fd]
	if !ok {
		return nil
	}
	if w.readID == id {
		w.readID, w.readCB = 0, nil
	}
	if w.writeID == id {
		w.writeID, w.writeCB = 0, nil
	}
	return m.syncLocked(w)
}

// Clear cancels every watcher registered on fd, read and write alike, and
// unregisters fd from the poller.
func (m *StreamManager) Clear(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byFD[fd]
	if !ok {
		return nil
	}
	delete(m.idToFD, w.readID)
	delete(m.idToFD, w.writeID)
	delete(m.byFD, fd)

	if !w.registered {
		return nil
	}
	return m.loop.UnregisterFD(fd)
}

// syncLocked reconciles fd's poller registration with the watchers still
// pending on it: unregistering once both are gone, registering on the first
// watcher, and modifying the monitored event mask otherwise.
func (m *StreamManager) syncLocked(w *fdWatchers) error {
	var events IOEvents
	if w.readCB != nil {
		events |= EventRead
	}
	if w.writeCB != nil {
		events |= EventWrite
	}

	if events == 0 {
		delete(m.byFD, w.fd)
		if !w.registered {
			return nil
		}
		return m.loop.UnregisterFD(w.fd)
	}

	if !w.registered {
		fd := w.fd
		if err := m.loop.RegisterFD(fd, events, func(ev IOEvents) { m.dispatch(fd, ev) }); err != nil {
			return err
		}
		w.registered = true
		return nil
	}
	return m.loop.ModifyFD(w.fd, events)
}

// dispatch runs the watchers pending on fd that the reported events
// satisfy, write before read, removing each as it fires.
func (m *StreamManager) dispatch(fd int, ev IOEvents) {
	m.mu.Lock()
	w, ok := m.byFD[fd]
	if !ok {
		m.mu.Unlock()
		return
	}

	var writeCB, readCB func(IOEvents)
	if ev&EventWrite != 0 && w.writeCB != nil {
		writeCB = w.writeCB
		delete(m.idToFD, w.writeID)
		w.writeID, w.writeCB = 0, nil
	}
	if ev&EventRead != 0 && w.readCB != nil {
		readCB = w.readCB
		delete(m.idToFD, w.readID)
		w.readID, w.readCB = 0, nil
	}
	err := m.syncLocked(w)
	m.mu.Unlock()

	if err != nil {
		m.loop.logError("stream manager: failed to resync fd watchers", err)
	}
	if writeCB != nil {
		writeCB(ev)
	}
	if readCB != nil {
		readCB(ev)
	}
}

// Stream reads a registered file descriptor on the loop thread, emitting
// "data", "end" and "error" events through an [EventTarget]. It is a
// standalone socket/pipe wrapper; the HTTP and database managers do not use
// it. Internally it re-registers a fresh
// one-shot read watcher via [StreamManager] after each readable chunk, to
// present continuous streaming over one-shot primitives.
type Stream struct {
	*EventTarget

	loop    *Loop
	streams *StreamManager
	fd      int

	mu     sync.Mutex
	readID uint64
	closed bool
}

// NewStream registers fd with loop for read-readiness and returns a Stream
// that dispatches events as data arrives. The caller retains ownership of fd
// and must call Close to unregister it.
func NewStream(loop *Loop, fd int) (*Stream, error) {
	s := &Stream{
		EventTarget: NewEventTarget(),
		loop:        loop,
		streams:     NewStreamManager(loop),
		fd:          fd,
	}

	if err := s.armRead(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) armRead() error {
	id, err := s.streams.AddRead(s.fd, s.onReadable)
	if err != nil {
		return &NetworkError{Cause: err, Message: "stream: register fd failed"}
	}
	s.mu.Lock()
	s.readID = id
	s.mu.Unlock()
	return nil
}

func (s *Stream) onReadable(IOEvents) {
	s.mu.Lock()
	s.readID = 0
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	buf := make([]byte, 32*1024)
	n, err := readFD(s.fd, buf)
	if n > 0 {
		s.DispatchEvent(NewCustomEvent("data", buf[:n]).EventPtr())
	}
	if err != nil {
		netErr := &NetworkError{Cause: err, Message: "stream read failed"}
		s.DispatchEvent(NewCustomEvent("error", netErr).EventPtr())
		return
	}
	if n == 0 {
		s.DispatchEvent(NewEvent("end"))
		return
	}
	if err := s.armRead(); err != nil {
		s.DispatchEvent(NewCustomEvent("error", err).EventPtr())
	}
}

// Write makes a single write attempt of p on the underlying file descriptor
// and returns the count written, wrapping any error in a [NetworkError]. It
// does not wait for write readiness: a write that would block returns that
// error rather than being retried.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := writeFD(s.fd, p)
	if err != nil {
		return n, &NetworkError{Cause: err, Message: "stream write failed"}
	}
	return n, nil
}

// Close unregisters the stream's file descriptor from the loop. It does not
// close the fd itself; the caller owns that lifecycle.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.streams.Clear(s.fd)
}
