//go:build linux
// +build linux

package repo

import (
	"errors"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
)

func TestCreateRefIdempotentAndConflicting(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := r.Store().EnsureObject([]byte("image a"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	b, err := r.Store().EnsureObject([]byte("image b"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}

	if err := r.CreateRef(ImageRef, "latest", a); err != nil {
		t.Fatalf("create ref: %v", err)
	}
	// Idempotent: creating the same name pointing at the same target again
	// succeeds.
	if err := r.CreateRef(ImageRef, "latest", a); err != nil {
		t.Fatalf("create ref (idempotent): %v", err)
	}
	// Conflicting: same name, different target.
	if err := r.CreateRef(ImageRef, "latest", b); !errors.Is(err, cferrors.ErrAlreadyExists) {
		t.Fatalf("create ref (conflict): got %v, want ErrAlreadyExists", err)
	}

	resolved, err := r.Resolve(ImageRef, "refs/latest")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != a {
		t.Fatalf("resolved %s, want %s", resolved, a)
	}
}

func TestCreateRefNested(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err := r.Store().EnsureObject([]byte("nested target"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	if err := r.CreateRef(StreamRef, "alice/app/latest", d); err != nil {
		t.Fatalf("create nested ref: %v", err)
	}
	resolved, err := r.Resolve(StreamRef, "refs/alice/app/latest")
	if err != nil {
		t.Fatalf("resolve nested ref: %v", err)
	}
	if resolved != d {
		t.Fatalf("resolved %s, want %s", resolved, d)
	}
}

func TestDeleteRefRefusesDangling(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.DeleteRef(ImageRef, "never-created"); !errors.Is(err, cferrors.ErrNotFound) {
		t.Fatalf("delete nonexistent ref: got %v, want ErrNotFound", err)
	}
}

func TestDeleteRefRemovesResolvingName(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err := r.Store().EnsureObject([]byte("deletable"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	if err := r.CreateRef(ImageRef, "tmp", d); err != nil {
		t.Fatalf("create ref: %v", err)
	}
	if err := r.DeleteRef(ImageRef, "refs/tmp"); err != nil {
		t.Fatalf("delete ref: %v", err)
	}
	if _, err := r.Resolve(ImageRef, "refs/tmp"); !errors.Is(err, cferrors.ErrNotFound) {
		t.Fatalf("resolve after delete: got %v, want ErrNotFound", err)
	}
}
