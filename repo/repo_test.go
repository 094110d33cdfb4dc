//go:build linux
// +build linux

package repo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	r, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(root, "objects"),
		filepath.Join(root, "images"),
		filepath.Join(root, "images", "refs"),
		filepath.Join(root, "streams"),
		filepath.Join(root, "streams", "refs"),
	} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory at %s", dir)
		}
	}

	// Idempotent: opening again against the same root succeeds.
	if _, err := Open(root); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = r
}
