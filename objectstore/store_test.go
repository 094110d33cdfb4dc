//go:build linux
// +build linux

package objectstore

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

func TestEnsureObjectIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	data := []byte("hello\n")
	d1, err := s.EnsureObject(data)
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	d2, err := s.EnsureObject(data)
	if err != nil {
		t.Fatalf("ensure object again: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ across calls: %s != %s", d1, d2)
	}
	if !s.HasObject(d1) {
		t.Fatalf("object missing after install")
	}
}

// TestEnsureObjectConcurrent exercises scenario 1 from the spec: two
// concurrent installers of identical content converge on one digest and
// one file on disk.
func TestEnsureObjectConcurrent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	data := []byte("hello\n")
	const writers = 8
	digests := make([]digestResult, writers)
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := range digests {
		go func(i int) {
			defer wg.Done()
			d, err := s.EnsureObject(data)
			digests[i] = digestResult{d, err}
		}(i)
	}
	wg.Wait()

	first := digests[0]
	if first.err != nil {
		t.Fatalf("writer 0: %v", first.err)
	}
	for i, r := range digests {
		if r.err != nil {
			t.Fatalf("writer %d: %v", i, r.err)
		}
		if r.digest != first.digest {
			t.Fatalf("writer %d produced a different digest", i)
		}
	}

	objects := 0
	if err := s.WalkObjects(func(digest.Digest) error {
		objects++
		return nil
	}); err != nil {
		t.Fatalf("walk objects: %v", err)
	}
	if objects != 1 {
		t.Fatalf("expected exactly one object on disk, got %d", objects)
	}
}

type digestResult struct {
	digest [32]byte
	err    error
}

func TestOpenObjectNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	_, err = s.OpenObject([32]byte{})
	if err == nil {
		t.Fatalf("expected error for missing object")
	}
	if !errors.Is(err, cferrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOpenObjectRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	data := []byte("round trip payload")
	d, err := s.EnsureObject(data)
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	h, err := s.OpenObject(d)
	if err != nil {
		t.Fatalf("open object: %v", err)
	}
	defer h.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(h); err != nil {
		t.Fatalf("read object: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("object content mismatch")
	}
}

func TestLinkAsIdempotentAndConflicting(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d1, err := s.EnsureObject([]byte("one"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}
	d2, err := s.EnsureObject([]byte("two"))
	if err != nil {
		t.Fatalf("ensure object: %v", err)
	}

	if err := s.LinkAs(d1, "images/"+d1.String()); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Idempotent: linking the same digest at the same path again succeeds.
	if err := s.LinkAs(d1, "images/"+d1.String()); err != nil {
		t.Fatalf("relink same digest: %v", err)
	}
	// Conflicting: a different digest at that path fails.
	if err := s.LinkAs(d2, "images/"+d1.String()); err == nil {
		t.Fatalf("expected AlreadyExists error")
	}
}
