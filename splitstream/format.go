// Package splitstream implements the split-stream binary container
// format: a mapping header followed by a sequence of blocks, each either
// inline bytes or a reference to an external object by its fs-verity
// digest. It also implements the tar-aware splitter used to externalize
// tar entry payloads into the object pool while keeping the surrounding
// tar scaffolding (headers, padding) inline.
//
// None of this package touches the object store or applies compression;
// per the design, the codec operates purely on already-decompressed
// bytes, and compression wrapping happens at the repository's ingress/
// egress boundary (see the repo package).
package splitstream

import (
	"encoding/binary"
	"io"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// Mapping associates a content digest with the fs-verity digest of
// another split stream it references, used to traverse and verify the
// reference graph during garbage collection.
type Mapping struct {
	ContentDigest digest.ContentDigest
	StreamDigest  digest.VerityDigest
}

// mappingRecordSize is the on-disk size of one mapping record: two
// 32-byte digests.
const mappingRecordSize = digest.Size * 2

// Entry is one decoded item from a split stream: either inline bytes or a
// reference to an external object.
type Entry struct {
	// Inline holds the payload when this entry came from a size>0 block.
	// Nil (not just empty) distinguishes an External entry.
	Inline []byte
	// External holds the referenced object's fs-verity digest when this
	// entry came from a size==0 block.
	External digest.VerityDigest
	// IsExternal is true when this entry is an External reference rather
	// than Inline bytes (needed because an Inline block can legitimately
	// be empty-length... though in practice writers never emit one).
	IsExternal bool
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// validateMappingsSorted checks the ascending-by-content-digest order the
// format requires of the mapping header.
func validateMappingsSorted(mappings []Mapping) error {
	for i := 1; i < len(mappings); i++ {
		if !mappings[i-1].ContentDigest.Less(mappings[i].ContentDigest) {
			return cferrors.UnsupportedFormatf("mapping header not sorted ascending at index %d", i)
		}
	}
	return nil
}

// checkBlockSize guards against a corrupt or hostile block size claiming an
// implausible allocation.
func checkBlockSize(size uint64) error {
	const maxReasonableBlock = 1 << 34 // 16 GiB; generous but finite
	if size > maxReasonableBlock {
		return cferrors.IntegrityViolationf("block size %d exceeds sanity limit", size)
	}
	return nil
}
