// Package core implements a Bitcask-style embedded key/value store: an
// append-only, log-structured on-disk layout with an in-memory keydir
// mapping every live key to the byte location of its most recent value.
package core

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine is a single open Bitcask database. One Engine owns exactly one
// directory; opening the same directory from two Engines concurrently
// fails with ErrDirectoryLocked.
type Engine struct {
	dir string

	rw            sync.RWMutex // guards segments, segmentsByID and keydir
	segments      []*segment   // last is the active segment; ascending by id except after a merge, which puts its output segments first
	segmentsByID  map[uint32]*segment
	keydir        *keydir
	nextTxID      uint64
	nextFileID    atomic.Uint32
	closed        bool
	dirLock       *flock.Flock

	maxSegmentBytes      int64
	writeBufferBytes     int
	flushOnWrite         bool
	bestEffortRecovery   bool
	mergeEnabled         bool
	mergeTriggerSegments int

	log          *zap.SugaredLogger
	mergeSem     chan struct{} // 1-slot semaphore: only one merge at a time
	mergeErrCh   chan error    // async merge failures, for callers who want them
	onMergeStart func()        // test hook; see WithOnMergeStart
}

// Open opens (creating if necessary) a Bitcask database rooted at dir. It
// acquires a directory lock, runs recovery to rebuild the keydir from
// whatever segments already exist, and ensures there is a writable active
// segment.
func Open(dir string, opts ...Option) (e *Engine, err error) {
	e = &Engine{
		dir:                  dir,
		segmentsByID:         make(map[uint32]*segment),
		keydir:               newKeydir(),
		maxSegmentBytes:      DefaultMaxSegmentBytes,
		writeBufferBytes:     DefaultWriteBufferBytes,
		flushOnWrite:         true,
		mergeEnabled:         true,
		mergeTriggerSegments: DefaultMergeTriggerSegments,
		log:                  zap.NewNop().Sugar(),
		mergeSem:             make(chan struct{}, 1),
		mergeErrCh:           make(chan error, 1),
		onMergeStart:         func() {},
	}
	for _, opt := range opts {
		opt(e)
	}

	// DO NOT shadow err below so this defer always sees an Open failure.
	// The engine is captured separately because every failing return sets
	// the named result e to nil before this defer runs.
	opened := e
	defer func() {
		if err != nil {
			opened.abortOpen()
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	e.dirLock, err = acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	if err = ensureFormatSidecar(dir); err != nil {
		return nil, err
	}

	if err = gcOrphanMergeOutputs(dir, e.log); err != nil {
		return nil, err
	}

	segIDs, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	maxTxID, err := e.recover(segIDs)
	if err != nil {
		return nil, err
	}
	e.nextTxID = maxTxID + 1

	maxFileID := uint32(0)
	if len(segIDs) > 0 {
		maxFileID = segIDs[len(segIDs)-1]
	}
	e.nextFileID.Store(maxFileID + 1)

	if err = e.ensureActiveSegment(); err != nil {
		return nil, err
	}

	return e, nil
}

func listSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var ids []uint32
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := parseSegmentFileName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ensureActiveSegment makes sure the last segment in e.segments can accept
// appends: it reuses the highest-id existing segment if it still has room,
// otherwise it rotates in a fresh one (spec.md §4.4).
func (e *Engine) ensureActiveSegment() error {
	if len(e.segments) == 0 {
		return e.addSegmentLocked()
	}

	last := e.segments[len(e.segments)-1]
	if last.size >= e.maxSegmentBytes {
		return e.addSegmentLocked()
	}

	last.enableWrites(e.writeBufferBytes)
	return nil
}

func (e *Engine) claimNextFileID() uint32 {
	return e.nextFileID.Add(1) - 1
}

// addSegmentLocked creates a new active segment and appends it to the
// segment set. Callers must hold e.rw for writing.
func (e *Engine) addSegmentLocked() error {
	id := e.claimNextFileID()
	seg, err := createSegment(e.dir, id, e.writeBufferBytes)
	if err != nil {
		return err
	}
	e.segments = append(e.segments, seg)
	e.segmentsByID[seg.id] = seg
	return nil
}

// abortOpen cleans up whatever Open managed to acquire before failing.
func (e *Engine) abortOpen() {
	var errs error
	for _, s := range e.segments {
		errs = multierr.Append(errs, s.close())
	}
	if e.dirLock != nil {
		errs = multierr.Append(errs, e.dirLock.Unlock())
	}
	if errs != nil {
		e.log.Warnw("cleanup after failed open reported errors", "error", errs)
	}
}

// Close flushes and closes every segment and releases the directory lock.
// The engine is unusable afterward: every method with an error result
// returns ErrClosed. ContainsKey and Keys, which have no error result, keep
// answering from the in-memory keydir as it was at Close.
func (e *Engine) Close() error {
	e.rw.Lock()
	defer e.rw.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.closed = true

	var errs error
	for _, s := range e.segments {
		if err := s.sync(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.file.Close())
	}
	errs = multierr.Append(errs, e.dirLock.Unlock())
	return errs
}

// Insert writes key/value as a new record and updates the keydir to point
// at it. If flush_on_write is enabled, the active segment is flushed and
// fsynced before Insert returns.
func (e *Engine) Insert(key, value []byte) error {
	e.rw.Lock()
	defer e.rw.Unlock()

	if e.closed {
		return ErrClosed
	}

	txID := e.nextTxID
	e.nextTxID++

	rec, err := encodeInsert(key, value, txID)
	if err != nil {
		return err
	}

	active := e.segments[len(e.segments)-1]
	off, err := active.append(rec)
	if err != nil {
		return err
	}
	valueOffset := off + int64(hdrLen+len(key))

	e.keydir.put(string(key), keydirEntry{
		fileID:      active.id,
		valueSize:   uint32(len(value)),
		valueOffset: valueOffset,
		txID:        txID,
	})

	if e.flushOnWrite {
		if err := active.sync(); err != nil {
			return err
		}
	}

	return e.maybeRotateAndMergeLocked(active)
}

// Remove deletes key by writing a tombstone record. Removing an absent key
// is a no-op, not an error.
func (e *Engine) Remove(key []byte) error {
	e.rw.Lock()
	defer e.rw.Unlock()

	if e.closed {
		return ErrClosed
	}

	if !e.keydir.contains(string(key)) {
		return nil
	}

	txID := e.nextTxID
	e.nextTxID++

	rec, err := encodeTombstone(key, txID)
	if err != nil {
		return err
	}

	active := e.segments[len(e.segments)-1]
	if _, err := active.append(rec); err != nil {
		return err
	}

	e.keydir.remove(string(key))

	if e.flushOnWrite {
		if err := active.sync(); err != nil {
			return err
		}
	}

	return e.maybeRotateAndMergeLocked(active)
}

// maybeRotateAndMergeLocked rotates the active segment once it has reached
// the size threshold, and fires an automatic merge once enough inactive
// segments have accumulated. Callers must hold e.rw for writing.
func (e *Engine) maybeRotateAndMergeLocked(active *segment) error {
	if active.size < e.maxSegmentBytes {
		return nil
	}

	if err := active.closeForWrites(); err != nil {
		return err
	}
	if err := e.addSegmentLocked(); err != nil {
		return err
	}

	// len(e.segments)-1 inactive segments now exist (everything but the
	// brand-new active one).
	if e.mergeEnabled && len(e.segments)-1 >= e.mergeTriggerSegments {
		e.tryMerge()
	}

	return nil
}

// Get returns the current value for key, or ErrNotFound. The record's CRC
// is not re-verified on this fast path; integrity is recovery's and
// merge's responsibility (spec.md §4.4).
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	entry, ok := e.keydir.get(string(key))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	seg, ok := e.segmentsByID[entry.fileID]
	if !ok {
		return nil, fmt.Errorf("bitcask: keydir references unknown segment %d", entry.fileID)
	}

	val, err := seg.readAt(entry.valueOffset, int(entry.valueSize))
	if err != nil {
		return nil, fmt.Errorf("read value for %q: %w", key, err)
	}
	return val, nil
}

// ContainsKey reports whether key currently has a live record.
func (e *Engine) ContainsKey(key []byte) bool {
	e.rw.RLock()
	defer e.rw.RUnlock()
	return e.keydir.contains(string(key))
}

// Keys returns a snapshot of every currently-live key.
func (e *Engine) Keys() []string {
	e.rw.RLock()
	defer e.rw.RUnlock()
	return e.keydir.keys()
}

// Flush flushes the active segment's write buffer to the OS and fsyncs it.
func (e *Engine) Flush() error {
	e.rw.Lock()
	defer e.rw.Unlock()

	if e.closed {
		return ErrClosed
	}
	return e.segments[len(e.segments)-1].sync()
}

// DiskSize returns the sum of all on-disk segment file sizes.
func (e *Engine) DiskSize() (int64, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()

	if e.closed {
		return 0, ErrClosed
	}

	var total int64
	for _, seg := range e.segments {
		info, err := seg.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat segment %d: %w", seg.id, err)
		}
		total += info.Size()
	}
	return total, nil
}

// MergeErrors exposes errors from merges triggered automatically by
// rollover; merges invoked directly via Merge() report errors through
// their return value instead.
func (e *Engine) MergeErrors() <-chan error { return e.mergeErrCh }
