package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// recover scans every segment named in segIDs, ascending by file_id, and
// rebuilds e.keydir and e.segments/segmentsByID from what it finds. It
// returns the highest tx_id observed across all segments, so the caller
// can initialize the write counter to one past it (spec.md §4.5).
func (e *Engine) recover(segIDs []uint32) (maxTxID uint64, err error) {
	for _, id := range segIDs {
		seg, err := openSegmentForRecovery(e.dir, id)
		if err != nil {
			return 0, err
		}

		segMax, scanErr := e.recoverSegment(seg)
		if scanErr != nil {
			_ = seg.file.Close()
			return 0, scanErr
		}
		if segMax > maxTxID {
			maxTxID = segMax
		}

		e.segments = append(e.segments, seg)
		e.segmentsByID[seg.id] = seg
	}
	return maxTxID, nil
}

// recoverSegment scans one segment, folding its records into e.keydir
// according to the tie-breaking rule in spec.md §4.5: an insert replaces
// the keydir entry when the key is absent or holds a strictly lower
// tx_id; a tombstone clears it under the same rule. Scanning segments in
// ascending file_id order, and within a segment from offset 0 forward,
// makes "later in scan order wins" fall out of a simple "<=" comparison.
func (e *Engine) recoverSegment(seg *segment) (maxTxID uint64, err error) {
	rs := newRecordScanner(seg.file)
	for rs.scan() {
		rec := rs.record
		if rec.txID > maxTxID {
			maxTxID = rec.txID
		}

		key := string(rec.key)
		existing, hasExisting := e.keydir.get(key)

		if rec.tombstone {
			if !hasExisting || existing.txID <= rec.txID {
				e.keydir.remove(key)
			}
			continue
		}

		if !hasExisting || existing.txID <= rec.txID {
			e.keydir.put(key, keydirEntry{
				fileID:      seg.id,
				valueSize:   uint32(len(rec.value)),
				valueOffset: rec.off + int64(hdrLen+len(rec.key)),
				txID:        rec.txID,
			})
		}
	}

	if rs.err != nil && !e.bestEffortRecovery {
		// A structurally complete but corrupt record: a hard open failure.
		// Leave the file untouched — Open is about to fail, and a failed
		// open must not destructively truncate the database.
		return 0, fmt.Errorf("segment %d: %w", seg.id, rs.err)
	}

	// Either a torn tail (rs.err == nil) or a corrupt record tolerated under
	// best-effort recovery: truncate to the last fully-decoded record so the
	// segment's size() matches reality and future appends land right after it.
	seg.size = rs.end
	if err := seg.file.Truncate(seg.size); err != nil {
		return 0, fmt.Errorf("truncate torn tail on segment %d: %w", seg.id, err)
	}
	if _, err := seg.file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seek segment %d to end: %w", seg.id, err)
	}

	if rs.err != nil {
		e.log.Warnw("skipping corrupt record, remainder of segment discarded",
			"segment", seg.id, "error", rs.err)
	}

	return maxTxID, nil
}

// gcOrphanMergeOutputs removes merge-output files left behind by a merge
// that crashed before renaming them to their canonical names (spec.md
// §4.6: "Orphan outputs should be garbage-collected at open"). Recovery's
// directory scan never considers these files in the first place, since
// parseSegmentFileName rejects the .merge.tmp suffix; without this sweep
// they'd simply accumulate forever.
func gcOrphanMergeOutputs(dir string, log *zap.SugaredLogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), mergeTmpSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove orphaned merge output %q: %w", path, err)
		}
		log.Infow("removed orphaned merge output from a prior crashed merge", "path", path)
	}
	return nil
}
