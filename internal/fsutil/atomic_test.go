package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicNoPartialState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "snapshot.json")

	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file after write, got %d", len(entries))
	}
	if entries[0].Name() != "snapshot.json" {
		t.Fatalf("leftover temp file: %s", entries[0].Name())
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	want := doc{Name: "widget", Count: 3}
	if err := WriteJSONAtomic(path, want, 0o644); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var got doc
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCreateExclusiveFailsOnCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")

	if err := CreateExclusive(path, []byte("a")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := CreateExclusive(path, []byte("b")); !os.IsExist(err) {
		t.Fatalf("expected IsExist error, got %v", err)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	if Exists(path) {
		t.Fatalf("expected Exists to be false for missing file")
	}
	if err := WriteFileAtomic(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if !Exists(path) {
		t.Fatalf("expected Exists to be true after write")
	}
}
