// Package objectstore implements the content-addressed object repository:
// a disk layout mapping fs-verity digests to immutable files, with
// insertion, lookup, and linking semantics that remain consistent under
// concurrent writers and interrupted operations.
//
// The installation algorithm (write to a same-filesystem temp file, fsync,
// enable fs-verity, measure, link into place by digest) generalizes the
// teacher's blob-extraction chain in internal/image/import.go's
// extractBlob, which already stages a temp file and verifies a digest
// before publishing into the content-addressed blobs/ tree — this package
// additionally enables fs-verity before that publish, per the object
// invariant that fs-verity must be enabled before a file is visible to
// readers.
package objectstore

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shawn111/composefs-repo/internal/verity"
	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
	"github.com/shawn111/composefs-repo/pkg/fileutil"
)

// objectsDirName and tempDirName are the store's two top-level
// subdirectories, relative to its root.
const (
	objectsDirName = "objects"
	tempDirName    = ".tmp"
)

// Store is a content-addressed object repository rooted at a directory.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating root and its objects/ and
// temp directories if they do not already exist.
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	if err := fileutil.EnsureDir(s.objectsDir(), 0o755); err != nil {
		return nil, cferrors.NewIoError("create objects directory", err)
	}
	if err := fileutil.EnsureDir(s.tempDir(), 0o755); err != nil {
		return nil, cferrors.NewIoError("create temp directory", err)
	}
	return s, nil
}

// Root returns the repository root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectsDir() string { return filepath.Join(s.root, objectsDirName) }
func (s *Store) tempDir() string    { return filepath.Join(s.root, tempDirName) }

// ObjectPath returns the on-disk path for the object identified by d,
// following the objects/XX/YYYY… convention: XX is the first digest byte
// in lowercase hex, YYYY… is the remaining 62 hex characters.
func (s *Store) ObjectPath(d digest.Digest) string {
	return filepath.Join(s.objectsDir(), d.ShardDir(), d.ShardName())
}

// relObjectPathFrom returns the object's path relative to base, used when
// constructing the "../objects/XX/YYYY…" symlinks under images/ or
// streams/.
func (s *Store) relObjectPathFrom(base string) func(digest.Digest) (string, error) {
	return func(d digest.Digest) (string, error) {
		return filepath.Rel(base, s.ObjectPath(d))
	}
}

// RelObjectPath returns the object's path relative to base (an absolute
// directory such as a repository's images/ or streams/ directory), for
// building the relative symlinks described in the disk layout.
func (s *Store) RelObjectPath(base string, d digest.Digest) (string, error) {
	return s.relObjectPathFrom(base)(d)
}

// EnsureObject installs data into the store if an object with its
// fs-verity digest is not already present, and returns that digest. It is
// idempotent: calling it twice with the same bytes, concurrently or not,
// always yields the same digest and leaves exactly one object on disk.
func (s *Store) EnsureObject(data []byte) (digest.VerityDigest, error) {
	return s.ensureObjectFrom(func(f *os.File) (int64, error) {
		n, err := f.Write(data)
		return int64(n), err
	})
}

// EnsureObjectFromReader is like EnsureObject but streams from r instead
// of requiring the caller to buffer the whole object in memory — used for
// externalizing large tar entry payloads.
func (s *Store) EnsureObjectFromReader(r io.Reader) (digest.VerityDigest, error) {
	return s.ensureObjectFrom(func(f *os.File) (int64, error) {
		return io.Copy(f, r)
	})
}

// ensureObjectFrom runs the shared installation algorithm: stage into a
// temp file via write, fsync, enable fs-verity, measure, then attempt to
// link the temp file into its content-addressed path. If the target
// already exists, the existing object is authoritative and the new temp
// file is discarded — this is how two concurrent installers of identical
// content race safely at the final link.
func (s *Store) ensureObjectFrom(write func(*os.File) (int64, error)) (digest.VerityDigest, error) {
	tmp, err := os.CreateTemp(s.tempDir(), "obj-*")
	if err != nil {
		return digest.Digest{}, cferrors.NewIoError("create temp object", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := write(tmp); err != nil {
		return digest.Digest{}, cferrors.NewIoError("write temp object", err)
	}
	if err := tmp.Sync(); err != nil {
		return digest.Digest{}, cferrors.NewIoError("fsync temp object", err)
	}

	// Enabling fs-verity before the file is ever linked into its public
	// path guarantees the store-wide invariant that every object visible
	// to readers already has fs-verity enabled.
	if err := verity.Enable(int(tmp.Fd())); err != nil {
		return digest.Digest{}, cferrors.NewIoError("enable fs-verity", err)
	}
	measured, err := verity.Measure(int(tmp.Fd()))
	if err != nil {
		return digest.Digest{}, cferrors.NewIoError("measure fs-verity", err)
	}
	if err := tmp.Close(); err != nil {
		return digest.Digest{}, cferrors.NewIoError("close temp object", err)
	}

	targetPath := s.ObjectPath(measured)
	shardDir := filepath.Dir(targetPath)
	if err := fileutil.EnsureDir(shardDir, 0o755); err != nil {
		return digest.Digest{}, cferrors.NewIoError("create shard directory", err)
	}
	if err := syncDir(shardDir); err != nil {
		return digest.Digest{}, cferrors.NewIoError("sync shard directory", err)
	}

	if err := os.Link(tmpPath, targetPath); err != nil {
		if os.IsExist(err) {
			// The loser of the race: the existing object is authoritative.
			success = true
			os.Remove(tmpPath)
			return measured, nil
		}
		return digest.Digest{}, cferrors.NewIoError("link object into place", err)
	}
	success = true
	os.Remove(tmpPath)
	return measured, nil
}

// ObjectHandle is a read-only, integrity-verified handle on a stored
// object.
type ObjectHandle struct {
	*os.File
}

// OpenObject opens the object identified by digest d for reading. It
// fails with cferrors.ErrNotFound if no such object exists, and with
// cferrors.ErrIntegrityViolation if the file's kernel-measured fs-verity
// digest does not equal d.
func (s *Store) OpenObject(d digest.Digest) (*ObjectHandle, error) {
	path := s.ObjectPath(d)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cferrors.NotFoundf("object %s", d)
		}
		return nil, cferrors.NewIoError("open object", err)
	}
	measured, err := verity.Measure(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, cferrors.NewIoError("measure fs-verity", err)
	}
	if measured != d {
		f.Close()
		return nil, cferrors.IntegrityViolationf("object %s: fs-verity measured %s", d, measured)
	}
	return &ObjectHandle{File: f}, nil
}

// HasObject reports whether an object with digest d is present, without
// verifying its fs-verity measurement.
func (s *Store) HasObject(d digest.Digest) bool {
	_, err := os.Stat(s.ObjectPath(d))
	return err == nil
}

// Size returns the object's on-disk size without opening or verifying it.
func (s *Store) Size(d digest.Digest) (int64, error) {
	fi, err := os.Stat(s.ObjectPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, cferrors.NotFoundf("object %s", d)
		}
		return 0, cferrors.NewIoError("stat object", err)
	}
	return fi.Size(), nil
}

// LinkAs creates a relative symlink at relPath — a path under the
// repository root such as "images/<hex>" or "images/refs/latest" —
// pointing into objects/. It fails with cferrors.ErrAlreadyExists if a
// different link already exists at relPath, and succeeds idempotently if
// the existing link already matches.
func (s *Store) LinkAs(d digest.Digest, relPath string) error {
	absPath := filepath.Join(s.root, relPath)
	if err := fileutil.EnsureParentDir(absPath, 0o755); err != nil {
		return cferrors.NewIoError("create reference parent directory", err)
	}

	target, err := s.RelObjectPath(filepath.Dir(absPath), d)
	if err != nil {
		return cferrors.NewIoError("compute relative object path", err)
	}

	if existing, err := os.Readlink(absPath); err == nil {
		if existing == target {
			return nil
		}
		return cferrors.AlreadyExistsf("reference %s already points elsewhere", relPath)
	} else if !os.IsNotExist(err) {
		// Path exists but isn't a symlink (or some other lstat failure).
		if _, statErr := os.Lstat(absPath); statErr == nil {
			return cferrors.AlreadyExistsf("reference %s exists and is not a symlink", relPath)
		}
		return cferrors.NewIoError("read existing reference", err)
	}

	if err := os.Symlink(target, absPath); err != nil {
		if os.IsExist(err) {
			return cferrors.AlreadyExistsf("reference %s already exists", relPath)
		}
		return cferrors.NewIoError("create reference symlink", err)
	}
	return nil
}

// PruneTempFiles deletes temp files in the store's staging area older
// than olderThan. This is the offline crash-recovery operation described
// in the concurrency model: interrupted installs never pollute the public
// namespace, they just leave a temp file behind for this to clean up.
func (s *Store) PruneTempFiles(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	entries, err := os.ReadDir(s.tempDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cferrors.NewIoError("read temp directory", err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.tempDir(), e.Name()))
		}
	}
	return nil
}

// DeleteObject removes the object identified by d. It is only ever called
// by garbage collection, never by ingestion paths.
func (s *Store) DeleteObject(d digest.Digest) error {
	err := os.Remove(s.ObjectPath(d))
	if err != nil && !os.IsNotExist(err) {
		return cferrors.NewIoError("delete object", err)
	}
	return nil
}

// WalkObjects calls fn for the digest of every object currently in the
// store. Used by garbage collection's sweep phase.
func (s *Store) WalkObjects(fn func(digest.Digest) error) error {
	shards, err := os.ReadDir(s.objectsDir())
	if err != nil {
		return cferrors.NewIoError("read objects directory", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.objectsDir(), shard.Name())
		names, err := os.ReadDir(shardPath)
		if err != nil {
			return cferrors.NewIoError("read shard directory", err)
		}
		for _, n := range names {
			if n.IsDir() {
				continue
			}
			d, err := digest.Parse(shard.Name() + n.Name())
			if err != nil {
				continue // not one of our objects; ignore foreign files
			}
			if err := fn(d); err != nil {
				return err
			}
		}
	}
	return nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

var _ fs.File = (*ObjectHandle)(nil)

func init() {
	// Sanity-check that a freshly-created digest's shard name round-trips
	// through the path scheme used throughout this package.
	var d digest.Digest
	if len(d.ShardDir())+len(d.ShardName()) != digest.Size*2 {
		panic(fmt.Sprintf("objectstore: shard split invariant broken for %T", d))
	}
}
