package core

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".lock"

// acquireDirLock takes a non-blocking exclusive lock on dir, so a second
// Open of the same directory fails fast with ErrDirectoryLocked instead of
// racing the first engine's writes (spec.md §3/§4.4).
func acquireDirLock(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire directory lock: %w", err)
	}
	if !locked {
		return nil, ErrDirectoryLocked
	}
	return fl, nil
}
