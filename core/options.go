package core

import "go.uber.org/zap"

// Defaults, implementation-chosen per spec.md §6.
const (
	DefaultMaxSegmentBytes       int64 = 64 * 1024 * 1024
	DefaultWriteBufferBytes            = 64 * 1024
	DefaultMergeTriggerSegments        = 100
)

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithMaxSegmentBytes sets the rotation threshold for the active segment.
// Rotation is triggered strictly after an append that brings the segment
// to or past this size (spec.md §4.4): exactly-at-threshold triggers
// rotation on the *next* append, not the one that reached it.
func WithMaxSegmentBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSegmentBytes = n
		}
	}
}

// WithFlushOnWrite controls whether every Insert/Remove flushes the active
// segment (and requests durability) before returning. Default true.
func WithFlushOnWrite(b bool) Option {
	return func(e *Engine) { e.flushOnWrite = b }
}

// WithWriteBufferBytes sets the active segment's in-memory write buffer size.
func WithWriteBufferBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.writeBufferBytes = n
		}
	}
}

// WithBestEffortRecovery makes Open skip a corrupt mid-segment record
// (logging it) instead of failing outright. Torn tails are always
// tolerated regardless of this setting.
func WithBestEffortRecovery(b bool) Option {
	return func(e *Engine) { e.bestEffortRecovery = b }
}

// WithMergeEnabled toggles automatic merge triggering on rollover. Merge()
// can always be called directly regardless of this setting.
func WithMergeEnabled(b bool) Option {
	return func(e *Engine) { e.mergeEnabled = b }
}

// WithMergeTriggerSegments sets how many inactive segments must accumulate
// before a rollover automatically triggers a background merge.
func WithMergeTriggerSegments(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mergeTriggerSegments = n
		}
	}
}

// WithLogger attaches a structured logger. The default is a no-op logger,
// so the engine stays silent unless a caller opts in.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithOnMergeStart installs a test hook invoked right after merge has
// snapshotted its input segments and released the exclusive lock, before
// it starts rewriting records. Not part of the public contract; it only
// exists so tests can deterministically interleave merge with concurrent
// writers.
// todo consider a channel-based signal instead, so multiple observers can subscribe
func WithOnMergeStart(f func()) Option {
	return func(e *Engine) {
		if f != nil {
			e.onMergeStart = f
		}
	}
}
