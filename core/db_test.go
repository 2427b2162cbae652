package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestInsertAndGet(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	if err := e.Insert([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if val, err := e.Get([]byte("foo")); err != nil {
		t.Fatalf("Get: %v", err)
	} else if string(val) != "bar" {
		t.Errorf("Get = %q, want %q", val, "bar")
	}
}

func TestOverwrite(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	_ = e.Insert([]byte("key"), []byte("first"))
	_ = e.Insert([]byte("key"), []byte("second"))

	if val, err := e.Get([]byte("key")); err != nil || string(val) != "second" {
		t.Errorf("Get = %q, %v; want %q", val, err, "second")
	}
}

func TestGetMissingKey(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	if _, err := e.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing key = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	_ = e.Insert([]byte("k"), []byte("v"))
	if err := e.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := e.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
	if e.ContainsKey([]byte("k")) {
		t.Errorf("ContainsKey after Remove = true")
	}
}

func TestRemoveMissingKeyIsNoop(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))
	if err := e.Remove([]byte("nope")); err != nil {
		t.Errorf("Remove on absent key should be a no-op, got %v", err)
	}
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.Insert([]byte("a"), []byte("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close = %v, want ErrClosed", err)
	}
	if _, err := e.Get([]byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := e.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir, e := setupTempEngine(t, WithMergeEnabled(false))

	_ = e.Insert([]byte("a"), []byte("1"))
	_ = e.Insert([]byte("b"), []byte("2"))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close() // nolint:errcheck

	if val, err := e2.Get([]byte("a")); err != nil || string(val) != "1" {
		t.Errorf("a = %q, %v; want 1", val, err)
	}
	if val, err := e2.Get([]byte("b")); err != nil || string(val) != "2" {
		t.Errorf("b = %q, %v; want 2", val, err)
	}
}

func TestSecondOpenOfSameDirFails(t *testing.T) {
	dir, _ := setupTempEngine(t, WithMergeEnabled(false))

	_, err := Open(dir, WithMergeEnabled(false))
	if !errors.Is(err, ErrDirectoryLocked) {
		t.Fatalf("second Open = %v, want ErrDirectoryLocked", err)
	}
}

func TestManyKeys(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	const n = 1000
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		if err := e.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k, want := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		got, err := e.Get([]byte(k))
		if err != nil || string(got) != want {
			t.Fatalf("Get %s = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestGetLatestWinsAcrossSegments(t *testing.T) {
	_, e := setupTempEngine(t, WithMaxSegmentBytes(1), WithMergeEnabled(false))

	_ = e.Insert([]byte("k"), []byte("v1"))
	_ = e.Insert([]byte("k"), []byte("v2"))

	if got, _ := e.Get([]byte("k")); string(got) != "v2" {
		t.Fatalf("Get = %q, want v2", got)
	}
}

func TestSegmentRollover(t *testing.T) {
	const (
		keys   = 10
		rounds = 5

		keyLen   = 5 // "k%04d"
		valLen   = 3 // "xxx"
		writeLen = hdrLen + keyLen + valLen

		segSizeMax = 32
	)

	_, e := setupTempEngine(t, WithMaxSegmentBytes(segSizeMax), WithMergeEnabled(false))

	for r := 0; r < rounds; r++ {
		for k := 0; k < keys; k++ {
			key := fmt.Sprintf("k%04d", k)
			if err := e.Insert([]byte(key), []byte("xxx")); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
	}

	writesPerSeg := segSizeMax/writeLen + 1
	totalWrites := keys * rounds
	expectedSegs := (totalWrites + writesPerSeg - 1) / writesPerSeg

	if got := len(e.segments); got != expectedSegs {
		t.Fatalf("segment count = %d, want %d", got, expectedSegs)
	}

	size, err := e.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize: %v", err)
	}
	if size < int64(totalWrites*writeLen) {
		t.Fatalf("DiskSize = %d, want >= %d", size, totalWrites*writeLen)
	}
}

func TestRecoveryTruncatesTornHeader(t *testing.T) {
	dir, e := setupTempEngine(t, WithMergeEnabled(false))

	_ = e.Insert([]byte("x"), []byte("y"))
	active := e.segments[len(e.segments)-1]
	tornOffset := active.size
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, segmentFileName(active.id))
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteAt([]byte{0x01, 0x02}, tornOffset); err != nil {
		t.Fatalf("write torn header: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen after torn header: %v", err)
	}
	defer e2.Close() // nolint:errcheck

	if val, err := e2.Get([]byte("x")); err != nil || string(val) != "y" {
		t.Errorf("Get(x) = %q, %v; want y", val, err)
	}
}

func TestOpenRejectsCorruptRecordByDefault(t *testing.T) {
	dir, e := setupTempEngine(t, WithMergeEnabled(false))

	if err := e.Insert([]byte("x"), []byte("y")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	active := e.segments[len(e.segments)-1]
	path := filepath.Join(dir, segmentFileName(active.id))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a payload byte so the CRC no longer matches, without changing length.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, active.size-1); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(dir, WithMergeEnabled(false)); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Open over corrupt segment = %v, want ErrCorruption", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false), WithBestEffortRecovery(true))
	if err != nil {
		t.Fatalf("Open with WithBestEffortRecovery: %v", err)
	}
	defer e2.Close() // nolint:errcheck
	if _, err := e2.Get([]byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(x) under best-effort recovery = %v, want ErrNotFound", err)
	}
}

func TestKeysSnapshot(t *testing.T) {
	_, e := setupTempEngine(t, WithMergeEnabled(false))

	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		_ = e.Insert([]byte(k), []byte("v"))
	}

	got := map[string]bool{}
	for _, k := range e.Keys() {
		got[k] = true
	}
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for k := range want {
		if !got[k] {
			t.Errorf("Keys() missing %q", k)
		}
	}
}
