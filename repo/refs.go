package repo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// CreateRef creates (or idempotently confirms) a direct reference for
// target under images/ or streams/, then a named symlink at
// images/refs/<name> (or streams/refs/<name>) pointing at it. name must
// not include the "refs/" prefix or kind-specific base; nested names
// (e.g. "system/base" or "<uid>/<app>/latest") create intermediate
// directories as needed.
func (r *Repository) CreateRef(kind RefKind, name string, target digest.Digest) error {
	base := r.baseDir(kind)
	directRel := target.String()
	if err := r.store.LinkAs(target, filepath.Join(filepath.Base(base), directRel)); err != nil {
		return err
	}

	namedAbs := filepath.Join(base, "refs", name)
	if err := os.MkdirAll(filepath.Dir(namedAbs), r.settings.DirMode); err != nil {
		return cferrors.NewIoError("create named reference parent directory", err)
	}

	directAbs := filepath.Join(base, directRel)
	linkTarget, err := filepath.Rel(filepath.Dir(namedAbs), directAbs)
	if err != nil {
		return cferrors.NewIoError("compute relative reference path", err)
	}

	if existing, err := os.Readlink(namedAbs); err == nil {
		if existing == linkTarget {
			return nil
		}
		return cferrors.AlreadyExistsf("named reference %s already points elsewhere", name)
	} else if !os.IsNotExist(err) {
		if _, statErr := os.Lstat(namedAbs); statErr == nil {
			return cferrors.AlreadyExistsf("named reference %s exists and is not a symlink", name)
		}
	}

	if err := os.Symlink(linkTarget, namedAbs); err != nil {
		if os.IsExist(err) {
			return cferrors.AlreadyExistsf("named reference %s already exists", name)
		}
		return cferrors.NewIoError("create named reference symlink", err)
	}
	return nil
}

// DeleteRef removes the named reference at images/refs/<name> (or
// streams/refs/<name>). It refuses if the name does not currently resolve
// to an existing target, since a dangling named reference left behind by
// a failed delete would itself be the repository inconsistency spec.md
// warns about — better to fail loudly than to half-delete.
func (r *Repository) DeleteRef(kind RefKind, name string) error {
	if strings.HasPrefix(name, "refs/") {
		name = strings.TrimPrefix(name, "refs/")
	}
	base := r.baseDir(kind)
	namedAbs := filepath.Join(base, "refs", name)

	if _, err := os.Lstat(namedAbs); err != nil {
		if os.IsNotExist(err) {
			return cferrors.NotFoundf("named reference %s", name)
		}
		return cferrors.NewIoError("stat named reference", err)
	}
	if _, err := filepath.EvalSymlinks(namedAbs); err != nil {
		return cferrors.NotFoundf("named reference %s does not resolve: %v", name, err)
	}

	if err := os.Remove(namedAbs); err != nil {
		return cferrors.NewIoError("delete named reference", err)
	}
	return nil
}
