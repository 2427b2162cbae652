package core

import "errors"

var (
	// ErrNotFound is returned by Get when the key has no live keydir entry.
	ErrNotFound = errors.New("bitcask: key not found")

	// ErrCorruption is returned when a record fails its CRC-32 check or has
	// a malformed header. Surfaced from Open (unless WithBestEffortRecovery
	// is set) and from Merge, which both abort on it.
	ErrCorruption = errors.New("bitcask: corrupt record")

	// ErrDirectoryLocked is returned by Open when another engine already
	// holds the directory lock.
	ErrDirectoryLocked = errors.New("bitcask: directory is locked by another engine")

	// ErrClosed is returned by every Engine method with an error result once
	// the engine has been closed.
	ErrClosed = errors.New("bitcask: engine is closed")
)
