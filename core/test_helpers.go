package core

import (
	"os"
	"testing"
)

// setupTempEngine opens a fresh Engine rooted at a new temp directory and
// registers cleanup (close + remove) on tb. Returns the directory too, since
// several tests need to reopen it directly.
func setupTempEngine(tb testing.TB, opts ...Option) (dir string, e *Engine) {
	tb.Helper()

	dir, err := os.MkdirTemp("", "kaskdb_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}

	e, err = Open(dir, opts...)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q): %v", dir, err)
	}

	tb.Cleanup(func() {
		_ = e.Close()
		_ = os.RemoveAll(dir)
	})

	return dir, e
}
