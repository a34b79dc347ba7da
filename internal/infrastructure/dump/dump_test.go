package dump

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestWriter_Disabled_IsNoOp(t *testing.T) {
	w, err := New("", false, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.Enabled() {
		t.Fatal("expected an empty dir to produce a disabled writer")
	}
	w.WriteFailedRequest("/v1/chat/completions", "m", []byte("{}"), errors.New("boom"))
}

func TestWriter_WritesDumpFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, false, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.WriteFailedRequest("/v1/chat/completions", "m", []byte(`{"model":"m"}`), errors.New("upstream failed"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dump file, got %d", len(entries))
	}
}

func TestWriter_ClearOnStart(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := New(dir, true, zap.NewNop()); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected clear_on_start to remove pre-existing dump files")
	}
}
