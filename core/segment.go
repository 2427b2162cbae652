package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// segmentSuffix is the canonical extension for a segment file, a nod to
// the Bitcask-in-Rust project (ckampfe/b2) this engine's on-disk format
// was distilled from.
const segmentSuffix = ".b2"

// mergeTmpSuffix marks a merge output file that hasn't been renamed to its
// canonical name yet. Recovery never considers files with this suffix.
const mergeTmpSuffix = ".merge.tmp"

// segment is an append-only file of records. Exactly one segment at a time
// is writable (the active segment, or a merge-output segment while merge
// is still appending to it); all others are immutable and open only for
// random reads.
type segment struct {
	id     uint32
	path   string
	file   *os.File
	writer *bufio.Writer // nil once the segment is closed to further writes
	size   int64
}

func segmentFileName(id uint32) string {
	return fmt.Sprintf("%010d%s", id, segmentSuffix)
}

// parseSegmentFileName extracts the file_id from a canonical segment name,
// reporting false for anything else (including merge temp files).
func parseSegmentFileName(name string) (uint32, bool) {
	if !strings.HasSuffix(name, segmentSuffix) || strings.Contains(name, mergeTmpSuffix) {
		return 0, false
	}
	idPart := strings.TrimSuffix(name, segmentSuffix)
	id, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// createSegment creates a brand-new, empty, writable segment file.
func createSegment(dir string, id uint32, writeBufferBytes int) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %q: %w", path, err)
	}
	return &segment{
		id:     id,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, writeBufferBytes),
	}, nil
}

func mergeTmpFileName(id uint32) string {
	return segmentFileName(id) + mergeTmpSuffix
}

// createMergeOutputSegment creates a new writable segment under its
// temporary name; recovery ignores files with this suffix, so a merge
// that crashes before finalize leaves nothing for recovery to
// misinterpret.
func createMergeOutputSegment(dir string, id uint32, writeBufferBytes int) (*segment, error) {
	path := filepath.Join(dir, mergeTmpFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create merge output %q: %w", path, err)
	}
	return &segment{
		id:     id,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, writeBufferBytes),
	}, nil
}

// finalize renames a merge output from its temporary name to its
// canonical segment name, fsyncing the directory so the rename survives a
// crash. Must be called with the segment already flushed.
func (s *segment) finalize(dir string) error {
	canonical := filepath.Join(dir, segmentFileName(s.id))
	if err := os.Rename(s.path, canonical); err != nil {
		return fmt.Errorf("finalize merge output %q: %w", s.path, err)
	}
	s.path = canonical
	return fsyncDir(dir)
}

// openSegmentForRecovery opens an existing segment file read-write so a
// torn tail can be truncated if found.
func openSegmentForRecovery(dir string, id uint32) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %q: %w", path, err)
	}
	return &segment{id: id, path: path, file: f}, nil
}

// enableWrites attaches a write buffer so this (already-open, already-
// positioned-at-EOF) segment can become the active segment after recovery.
func (s *segment) enableWrites(writeBufferBytes int) {
	s.writer = bufio.NewWriterSize(s.file, writeBufferBytes)
}

// closeForWrites flushes and detaches the write buffer; the file handle
// stays open for reads. Used on rotation: the segment remains reachable
// from the keydir but will never be appended to again.
func (s *segment) closeForWrites() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Flush()
	s.writer = nil
	return err
}

// append writes a fully-encoded record and returns the offset at which it
// begins. Callers derive the value-payload offset by adding back the
// header and key length.
func (s *segment) append(b []byte) (offset int64, err error) {
	if s.writer == nil {
		return 0, fmt.Errorf("bitcask: segment %d is not writable", s.id)
	}
	offset = s.size
	n, err := s.writer.Write(b)
	s.size += int64(n)
	if err != nil {
		return offset, fmt.Errorf("append to segment %d: %w", s.id, err)
	}
	return offset, nil
}

// flush pushes any buffered-but-unwritten bytes to the OS so subsequent
// readAt calls (including on this same segment) observe them.
func (s *segment) flush() error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush segment %d: %w", s.id, err)
	}
	return nil
}

// sync flushes the write buffer and fsyncs the underlying file.
func (s *segment) sync() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d: %w", s.id, err)
	}
	return nil
}

// readAt returns the n raw bytes at off. It flushes any pending write
// buffer first, so callers never need to call flush themselves to see
// their own prior writes.
func (s *segment) readAt(off int64, n int) ([]byte, error) {
	if err := s.flush(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read segment %d at %d: %w", s.id, off, err)
	}
	return buf, nil
}

func (s *segment) close() error {
	if err := s.flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// scannedRecord is what the scanner produces for each record it reads off
// a segment, including the offset needed to address it from the keydir.
type scannedRecord struct {
	*decodedRecord
	off int64 // start offset of the record within the segment
}

// recordScanner walks a segment from offset 0, decoding one record at a
// time. A truncated header or payload at the tail (io.EOF or
// io.ErrUnexpectedEOF from the read) stops the
// scan without error: that's the torn-tail case recovery tolerates. A
// structurally complete but corrupt record (bad CRC, bad sizes) sets err to
// ErrCorruption and also stops the scan — callers decide whether that's
// fatal (strict recovery) or skippable (best-effort recovery).
type recordScanner struct {
	reader *bufio.Reader
	record *scannedRecord
	end    int64
	err    error
}

func newRecordScanner(r io.ReaderAt) *recordScanner {
	const maxInt64 = 1<<63 - 1
	sr := io.NewSectionReader(r, 0, maxInt64)
	return &recordScanner{reader: bufio.NewReader(sr)}
}

func (rs *recordScanner) scan() bool {
	if rs.err != nil {
		return false
	}
	rs.record = nil

	isEOF := func(err error) bool {
		return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	}

	var hdr [hdrLen]byte
	if _, err := io.ReadFull(rs.reader, hdr[:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("read record header: %w", err)
		}
		// Clean EOF right at a record boundary is the happy path: no
		// torn tail, nothing left to scan.
		return false
	}

	_, _, keySize, valueSize := parseHeader(hdr)
	tombstone := valueSize == tombstoneSentinel
	payloadLen := keySize
	if !tombstone {
		payloadLen += int(valueSize)
	}

	buf := make([]byte, hdrLen+payloadLen)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(rs.reader, buf[hdrLen:]); err != nil {
		if !isEOF(err) {
			rs.err = fmt.Errorf("read record payload: %w", err)
			return false
		}
		// EOF mid-payload: a torn tail from a crash mid-append. Tolerated.
		return false
	}

	rec, err := parseRecord(buf)
	if err != nil {
		rs.err = err
		return false
	}

	rs.record = &scannedRecord{decodedRecord: rec, off: rs.end}
	rs.end += int64(len(buf))
	return true
}
