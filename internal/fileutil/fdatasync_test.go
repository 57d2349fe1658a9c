package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFdatasync(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "x"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := Fdatasync(f); err != nil {
		t.Fatalf("Fdatasync = %v", err)
	}
	if err := SyncDir(dir); err != nil {
		t.Fatalf("SyncDir = %v", err)
	}
}
