package repo

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// RefKind distinguishes the images/ tree from the streams/ tree; both
// share the same name grammar and resolution algorithm.
type RefKind int

const (
	// ImageRef resolves names under images/ and images/refs/.
	ImageRef RefKind = iota
	// StreamRef resolves names under streams/ and streams/refs/.
	StreamRef
)

var hexNamePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// isValidName reports whether name matches the accepted grammar:
// ^[0-9a-f]{64}$ or ^refs/.+$.
func isValidName(name string) bool {
	return hexNamePattern.MatchString(name) || strings.HasPrefix(name, "refs/")
}

func (r *Repository) baseDir(kind RefKind) string {
	if kind == StreamRef {
		return r.layout.StreamsDir()
	}
	return r.layout.ImagesDir()
}

// Resolve turns a user-supplied name into the digest it names, per the
// grammar `^[0-9a-f]{64}$|^refs/.+$`. A direct hex name is trusted as
// written — callers that need fs-verity re-verification get it for free
// by then opening the digest through the object store. A refs/ name is
// resolved by following its symlink chain down to a direct reference; the
// resulting digest is not re-verified here, since the repository's own
// write discipline (refs only ever point at already-verified objects)
// guarantees it.
func (r *Repository) Resolve(kind RefKind, name string) (digest.Digest, error) {
	if !isValidName(name) {
		return digest.Digest{}, cferrors.InvalidNamef("name %q does not match the accepted grammar", name)
	}

	base := r.baseDir(kind)

	if hexNamePattern.MatchString(name) {
		direct := filepath.Join(base, name)
		if _, err := os.Lstat(direct); err != nil {
			if os.IsNotExist(err) {
				return digest.Digest{}, cferrors.NotFoundf("%s", name)
			}
			return digest.Digest{}, cferrors.NewIoError("stat direct reference", err)
		}
		return digest.Parse(name)
	}

	// name has the "refs/..." form; resolve relative to base.
	refPath := filepath.Join(base, name)
	resolved, err := filepath.EvalSymlinks(refPath)
	if err != nil {
		if os.IsNotExist(err) {
			return digest.Digest{}, cferrors.NotFoundf("%s", name)
		}
		return digest.Digest{}, cferrors.NewIoError("resolve named reference", err)
	}

	d, err := r.digestFromObjectPath(resolved)
	if err != nil {
		return digest.Digest{}, cferrors.NotFoundf("%s: %v", name, err)
	}
	return d, nil
}

// digestFromObjectPath recovers a digest from an absolute path under the
// store's objects/ tree (objects/XX/YYYY...), the form every reference
// ultimately resolves to.
func (r *Repository) digestFromObjectPath(absPath string) (digest.Digest, error) {
	objectsDir := filepath.Dir(filepath.Dir(r.store.ObjectPath(digest.Digest{})))
	relToObjects, err := filepath.Rel(objectsDir, absPath)
	if err != nil {
		return digest.Digest{}, err
	}
	parts := strings.Split(relToObjects, string(filepath.Separator))
	if len(parts) != 2 {
		return digest.Digest{}, cferrors.IntegrityViolationf("reference does not resolve into objects/: %s", absPath)
	}
	return digest.Parse(parts[0] + parts[1])
}
