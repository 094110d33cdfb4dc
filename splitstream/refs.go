package splitstream

import (
	"io"

	"github.com/shawn111/composefs-repo/pkg/digest"
)

// ReferencedDigests returns every fs-verity digest a split stream
// references: the union of digests appearing in External blocks and
// digests appearing as mapping-header values. This is the set the
// garbage collector marks reachable from a split-stream root, computed in
// one forward pass with no buffering of the decoded entries.
func ReferencedDigests(r io.Reader) (map[digest.VerityDigest]struct{}, error) {
	sr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	refs := make(map[digest.VerityDigest]struct{}, len(sr.Mappings))
	for _, m := range sr.Mappings {
		refs[m.StreamDigest] = struct{}{}
	}
	err = sr.Iterate(func(e Entry) error {
		if e.IsExternal {
			refs[e.External] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
