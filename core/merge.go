package core

import (
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
)

// mergeRewrite records, for one key, the keydir entry it had when merge
// copied its record forward and the new location merge wrote it to. The
// fix-up step only applies the rewrite if the live keydir still holds
// exactly oldEntry at that time (spec.md §4.6 step 5).
type mergeRewrite struct {
	oldEntry keydirEntry
	newEntry keydirEntry
}

// tryMerge fires a background merge unless one is already running; it's
// how rollover triggers merge automatically without blocking the writer
// that caused the rollover. It calls mergeLocked directly rather than
// Merge itself, since mergeSem is already claimed here — re-entering
// Merge would deadlock waiting on the same slot it just took.
func (e *Engine) tryMerge() {
	select {
	case e.mergeSem <- struct{}{}:
		go func() {
			defer func() { <-e.mergeSem }()
			if err := e.mergeLocked(); err != nil {
				select {
				case e.mergeErrCh <- err:
				default:
				}
			}
		}()
	default:
		// a merge is already in flight; this trigger is dropped
	}
}

// Merge reclaims space occupied by obsolete records: superseded inserts,
// tombstones, and the dead records they refer to. After a successful
// Merge, every key still in the keydir reads back the same value it did
// before, and no tombstone records remain on disk (spec.md §4.6, §8
// invariant 6).
//
// Only one merge runs at a time (spec.md §5): Merge claims mergeSem itself
// so two direct callers, or a direct caller racing an auto-triggered merge
// from tryMerge, are serialized rather than running the algorithm
// concurrently. Callers may invoke Merge concurrently with
// Insert/Remove/Get without either blocking the other for long: the
// exclusive lock is only held for the initial snapshot/rotation and the
// final keydir fix-up, not for the bulk of the I/O.
func (e *Engine) Merge() error {
	e.mergeSem <- struct{}{}
	defer func() { <-e.mergeSem }()
	return e.mergeLocked()
}

// mergeLocked runs the merge algorithm itself. Callers must already hold
// e.mergeSem so at most one merge (direct or auto-triggered) runs at a time.
func (e *Engine) mergeLocked() (rerr error) {
	e.rw.Lock()
	if e.closed {
		e.rw.Unlock()
		return ErrClosed
	}

	// Rotate unconditionally so no write landing after this point can
	// reach any segment merge is about to consider. The freshly created
	// segment becomes the live-writes segment and is excluded below.
	var previousActive *segment
	if len(e.segments) > 0 {
		previousActive = e.segments[len(e.segments)-1]
	}
	if err := e.addSegmentLocked(); err != nil {
		e.rw.Unlock()
		return fmt.Errorf("merge: rotate before snapshot: %w", err)
	}
	if previousActive != nil {
		if err := previousActive.closeForWrites(); err != nil {
			e.rw.Unlock()
			return fmt.Errorf("merge: seal previous active segment %d: %w", previousActive.id, err)
		}
	}
	n := len(e.segments)
	toMerge := append([]*segment(nil), e.segments[:n-1]...)
	e.rw.Unlock()

	if len(toMerge) == 0 {
		return nil
	}

	e.onMergeStart()

	var outSegs []*segment
	defer func() {
		if rerr != nil {
			var errs error
			for _, s := range outSegs {
				errs = multierr.Append(errs, s.close())
				errs = multierr.Append(errs, os.Remove(s.path))
			}
			if errs != nil {
				e.log.Warnw("cleanup after aborted merge reported errors", "error", errs)
			}
		}
	}()

	rollover := func(cur *segment) (*segment, error) {
		if cur != nil {
			// Seal, don't close: the file is still synced, finalized and
			// read from once it joins the segment set.
			if err := cur.closeForWrites(); err != nil {
				return nil, fmt.Errorf("seal merge output %d: %w", cur.id, err)
			}
		}
		seg, err := createMergeOutputSegment(e.dir, e.claimNextFileID(), e.writeBufferBytes)
		if err != nil {
			return nil, err
		}
		outSegs = append(outSegs, seg)
		return seg, nil
	}

	out, err := rollover(nil)
	if err != nil {
		return err
	}

	rewrites := make(map[string]mergeRewrite)

	for _, seg := range toMerge {
		rs := newRecordScanner(seg.file)
		for rs.scan() {
			rec := rs.record
			if rec.tombstone {
				// Tombstones themselves are never copied forward; if the
				// key is still dead its keydir entry is simply absent
				// below, so nothing references this offset anyway.
				continue
			}

			key := string(rec.key)
			e.rw.RLock()
			loc, ok := e.keydir.get(key)
			e.rw.RUnlock()
			if !ok {
				// No longer live at all (deleted or superseded and this
				// isn't the surviving copy): skip.
				continue
			}
			recValueOffset := rec.off + int64(hdrLen+len(rec.key))
			isLatest := loc.fileID == seg.id && loc.valueOffset == recValueOffset
			if !isLatest {
				continue
			}

			if out.size >= e.maxSegmentBytes {
				out, err = rollover(out)
				if err != nil {
					return err
				}
			}

			newRec, err := encodeInsert(rec.key, rec.value, rec.txID)
			if err != nil {
				return fmt.Errorf("re-encode %q during merge: %w", key, err)
			}
			off, err := out.append(newRec)
			if err != nil {
				return fmt.Errorf("write %q to merge output %d: %w", key, out.id, err)
			}

			rewrites[key] = mergeRewrite{
				oldEntry: loc,
				newEntry: keydirEntry{
					fileID:      out.id,
					valueSize:   uint32(len(rec.value)),
					valueOffset: off + int64(hdrLen+len(rec.key)),
					txID:        rec.txID,
				},
			}
		}
		if rs.err != nil {
			return fmt.Errorf("scan segment %d during merge: %w", seg.id, rs.err)
		}
	}

	for _, seg := range outSegs {
		if err := seg.sync(); err != nil {
			return fmt.Errorf("sync merge output %d: %w", seg.id, err)
		}
	}
	for _, seg := range outSegs {
		if err := seg.finalize(e.dir); err != nil {
			return fmt.Errorf("finalize merge output %d: %w", seg.id, err)
		}
	}

	e.rw.Lock()
	defer e.rw.Unlock()

	for key, rw := range rewrites {
		cur, ok := e.keydir.get(key)
		if !ok {
			continue // deleted while we were rewriting it
		}
		if cur != rw.oldEntry {
			// A newer write landed on this key after we captured it;
			// that write already lives in the live-writes segment or
			// later, so we leave it alone.
			continue
		}
		e.keydir.put(key, keydirEntry{
			fileID:      rw.newEntry.fileID,
			valueSize:   cur.valueSize,
			valueOffset: rw.newEntry.valueOffset,
			txID:        cur.txID,
		})
	}

	referenced := mapset.NewSet[uint32]()
	for key := range e.keydir.entries {
		referenced.Add(e.keydir.entries[key].fileID)
	}

	remaining := make([]*segment, 0, len(outSegs)+len(toMerge)+1)
	remaining = append(remaining, outSegs...)
	for _, seg := range toMerge {
		if referenced.Contains(seg.id) {
			remaining = append(remaining, seg)
		}
	}
	remaining = append(remaining, e.segments[n-1:]...)
	e.segments = remaining

	e.segmentsByID = make(map[uint32]*segment, len(e.segments))
	for _, s := range e.segments {
		e.segmentsByID[s.id] = s
	}

	var errs error
	for _, seg := range toMerge {
		if referenced.Contains(seg.id) {
			// Happens when this segment's scan stopped at a torn tail
			// before reaching a live record; never delete a segment
			// something still points at. It stays in the segment set.
			e.log.Warnw("merge left a snapshotted segment still referenced; keeping it", "segment", seg.id)
			continue
		}
		errs = multierr.Append(errs, seg.close())
		errs = multierr.Append(errs, os.Remove(seg.path))
	}
	if errs != nil {
		e.log.Warnw("cleanup of merged-away segments reported errors", "error", errs)
	}

	return nil
}
