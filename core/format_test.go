package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureFormatSidecarCreatesOnFreshDir(t *testing.T) {
	dir := t.TempDir()

	if err := ensureFormatSidecar(dir); err != nil {
		t.Fatalf("ensureFormatSidecar: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, formatFileName))
	if err != nil {
		t.Fatalf("read FORMAT: %v", err)
	}

	version, width, err := parseFormatSidecar(data)
	if err != nil {
		t.Fatalf("parseFormatSidecar: %v", err)
	}
	if version != formatVersion {
		t.Errorf("version = %d, want %d", version, formatVersion)
	}
	if width != txIDWidth {
		t.Errorf("width = %d, want %d", width, txIDWidth)
	}
}

func TestEnsureFormatSidecarAcceptsMatchingWidth(t *testing.T) {
	dir := t.TempDir()
	if err := ensureFormatSidecar(dir); err != nil {
		t.Fatalf("first ensureFormatSidecar: %v", err)
	}
	if err := ensureFormatSidecar(dir); err != nil {
		t.Fatalf("second ensureFormatSidecar on an already-formatted dir: %v", err)
	}
}

func TestEnsureFormatSidecarRejectsWidthMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, formatFileName)
	content := "version=1\ntx_id_width=16\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed FORMAT: %v", err)
	}

	if err := ensureFormatSidecar(dir); err == nil {
		t.Fatalf("expected an error opening a database with an incompatible tx_id width")
	}
}

func TestParseFormatSidecarRejectsMissingWidth(t *testing.T) {
	if _, _, err := parseFormatSidecar([]byte("version=1\n")); err == nil {
		t.Fatalf("expected an error when tx_id_width is absent")
	}
}
