package erofs

import (
	"context"
	"io"
)

// Builder merges an ordered set of layer split-streams into one erofs
// image. It performs no repository I/O — callers supply already-opened
// layer readers and receive back the serialized image bytes, which the
// caller then hands to the object store via ensure_object.
type Builder struct{}

// NewBuilder returns a ready-to-use Builder. It carries no state between
// builds.
func NewBuilder() *Builder { return &Builder{} }

// Build merges layers (base layer first, most-derived last) and returns
// the serialized erofs image. buildTimeSec is recorded in the
// superblock; callers pass a stable value (e.g. the max mtime already
// present in the inputs) when byte-identical output across repeated
// builds of equivalent input matters, since the wall-clock time of the
// build itself is not part of the merge algorithm's inputs.
func (b *Builder) Build(ctx context.Context, layers []io.Reader, buildTimeSec int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := buildTreeFromLayers(layers)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSerializer()
	return s.build(t.root, buildTimeSec)
}
