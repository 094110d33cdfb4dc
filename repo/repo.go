// Package repo implements the repository facade: named references under
// images/ and streams/, name resolution, ingestion entry points, garbage
// collection, and mount invocation. It is the top-level API a caller
// embeds, generalizing the teacher's imageStore from an OCI blob/tag store
// to a composefs object+image repository.
package repo

import (
	"github.com/shawn111/composefs-repo/erofs"
	"github.com/shawn111/composefs-repo/objectstore"
	"github.com/shawn111/composefs-repo/pkg/cfsconfig"
	"github.com/shawn111/composefs-repo/pkg/fileutil"
)

// Repository is a composefs repository rooted at a directory: an object
// store plus the images/ and streams/ reference trees layered on top of it.
type Repository struct {
	layout   cfsconfig.Layout
	settings cfsconfig.Settings
	store    *objectstore.Store
	builder  *erofs.Builder
	lock     *repoLock
}

// Open lays out a repository at root — objects/, images/, images/refs/,
// streams/, streams/refs/ — creating whatever is missing, and returns a
// ready-to-use Repository. It is safe to call repeatedly against the same
// root; bootstrap is idempotent.
func Open(root string, opts ...cfsconfig.Option) (*Repository, error) {
	settings := cfsconfig.ApplyOptions(opts...)
	layout := cfsconfig.NewLayout(root)

	for _, dir := range []string{
		layout.ImagesDir(),
		layout.ImagesRefsDir(),
		layout.StreamsDir(),
		layout.StreamsRefsDir(),
	} {
		if err := fileutil.EnsureDir(dir, settings.DirMode); err != nil {
			return nil, err
		}
	}

	store, err := objectstore.Open(root)
	if err != nil {
		return nil, err
	}

	return &Repository{
		layout:   layout,
		settings: settings,
		store:    store,
		builder:  erofs.NewBuilder(),
		lock:     newRepoLock(layout.LockPath()),
	}, nil
}

// Root returns the repository's root directory.
func (r *Repository) Root() string { return r.layout.Root }

// Layout exposes the repository's derived directory paths, for
// collaborators (mount helpers, CLI front-ends) that need them directly.
func (r *Repository) Layout() cfsconfig.Layout { return r.layout }

// Store returns the repository's underlying object store.
func (r *Repository) Store() *objectstore.Store { return r.store }
