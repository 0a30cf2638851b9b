package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"scarabd/pkg/counterstore"
)

func corruptCounterFile(t *testing.T, dir, id string) {
	t.Helper()

	path := filepath.Join(dir, counterstore.FileName(id))
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open counter file for corruption: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("deadbeef"), 0); err != nil {
		t.Fatalf("corrupt counter file: %v", err)
	}
}
