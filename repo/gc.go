package repo

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shawn111/composefs-repo/erofs"
	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
	"github.com/shawn111/composefs-repo/pkg/fileutil"
	"github.com/shawn111/composefs-repo/splitstream"
)

// gcReportName is the checkpoint file GC leaves behind after a run, the
// kind of small metadata write pkg/fileutil.AtomicWriteFile exists for
// (as distinct from the object store's own heavier write-fsync-verity-link
// chain).
const gcReportName = ".gc-report.json"

// gcReport records one GC run's outcome for operators auditing disk-space
// reclamation after the fact.
type gcReport struct {
	SweptAt time.Time `json:"swept_at"`
	Count   int       `json:"count"`
	Digests []string  `json:"digests"`
}

// GC runs mark-and-sweep over the object store: roots are every target
// under images/ and streams/ (direct entries and refs/ subtrees); marking
// recurses on split-streams referenced by other split-streams via their
// mapping headers, and treats an image's erofs xattr digests as roots
// without needing to mount it. It holds the repository-wide exclusive
// lock for its entire run, so no ingestion may proceed concurrently.
func (r *Repository) GC(ctx context.Context) ([]digest.Digest, error) {
	fl, err := r.lock.lockExclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	marked := make(map[digest.Digest]struct{})

	imageRoots, err := r.enumerateRoots(ImageRef)
	if err != nil {
		return nil, err
	}
	streamRoots, err := r.enumerateRoots(StreamRef)
	if err != nil {
		return nil, err
	}

	for _, d := range imageRoots {
		if err := ctx.Err(); err != nil {
			return nil, cferrors.Cancelledf("gc: %v", err)
		}
		marked[d] = struct{}{}
		handle, err := r.store.OpenObject(d)
		if err != nil {
			return nil, err
		}
		imageBytes, err := io.ReadAll(handle)
		closeErr := handle.Close()
		if err != nil {
			return nil, cferrors.NewIoError("read image object", err)
		}
		if closeErr != nil {
			return nil, cferrors.NewIoError("close image object", closeErr)
		}
		fileDigests, err := erofs.ExtractVerityDigests(imageBytes)
		if err != nil {
			return nil, err
		}
		for fd := range fileDigests {
			marked[fd] = struct{}{}
		}
	}

	// An iterative worklist, never recursion, since split-streams may
	// reference each other cyclically through their mapping headers.
	var worklist []digest.Digest
	for _, d := range streamRoots {
		if _, ok := marked[d]; !ok {
			marked[d] = struct{}{}
			worklist = append(worklist, d)
		}
	}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, cferrors.Cancelledf("gc: %v", err)
		}
		d := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if err := r.markStream(d, marked, &worklist); err != nil {
			return nil, err
		}
	}

	var swept []digest.Digest
	err = r.store.WalkObjects(func(d digest.Digest) error {
		if _, ok := marked[d]; ok {
			return nil
		}
		if err := r.store.DeleteObject(d); err != nil {
			return err
		}
		swept = append(swept, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.writeGCReport(swept); err != nil {
		return nil, err
	}
	return swept, nil
}

// writeGCReport persists a checkpoint of what this run swept, written
// atomically so a crash mid-write never leaves a torn report behind.
func (r *Repository) writeGCReport(swept []digest.Digest) error {
	rep := gcReport{SweptAt: time.Now().UTC(), Count: len(swept)}
	for _, d := range swept {
		rep.Digests = append(rep.Digests, d.String())
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return cferrors.NewIoError("marshal gc report", err)
	}
	if err := fileutil.AtomicWriteFile(filepath.Join(r.Root(), gcReportName), data, 0o644); err != nil {
		return cferrors.NewIoError("write gc report", err)
	}
	return nil
}

// markStream opens the split-stream at d and marks everything it
// references: mapping-header values are other split-streams, pushed onto
// worklist for further expansion; External block digests are leaf
// payload objects, marked directly.
func (r *Repository) markStream(d digest.VerityDigest, marked map[digest.Digest]struct{}, worklist *[]digest.Digest) error {
	rc, err := r.openStream(d)
	if err != nil {
		return err
	}
	defer rc.Close()

	sr, err := splitstream.NewReader(rc)
	if err != nil {
		return err
	}
	for _, m := range sr.Mappings {
		if _, ok := marked[m.StreamDigest]; !ok {
			marked[m.StreamDigest] = struct{}{}
			*worklist = append(*worklist, m.StreamDigest)
		}
	}
	return sr.Iterate(func(e splitstream.Entry) error {
		if e.IsExternal {
			marked[e.External] = struct{}{}
		}
		return nil
	})
}

// enumerateRoots lists every root digest under images/ or streams/: the
// direct-digest entries plus every refs/ symlink, resolved down to the
// direct reference it ultimately points at.
func (r *Repository) enumerateRoots(kind RefKind) ([]digest.Digest, error) {
	base := r.baseDir(kind)
	var roots []digest.Digest

	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, cferrors.NewIoError("read reference directory", err)
	}
	for _, e := range entries {
		if e.Name() == "refs" || !hexNamePattern.MatchString(e.Name()) {
			continue
		}
		d, err := digest.Parse(e.Name())
		if err != nil {
			continue
		}
		roots = append(roots, d)
	}

	refsDir := filepath.Join(base, "refs")
	walkErr := filepath.WalkDir(refsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return cferrors.IntegrityViolationf("named reference %s does not resolve: %v", path, err)
		}
		dig, err := r.digestFromObjectPath(resolved)
		if err != nil {
			return err
		}
		roots = append(roots, dig)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return roots, nil
}
