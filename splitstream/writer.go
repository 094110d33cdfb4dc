package splitstream

import (
	"bytes"
	"io"
	"sort"

	"github.com/shawn111/composefs-repo/pkg/digest"
)

// blockEncoder writes the block sequence that follows a split stream's
// mapping header: inline bytes coalesced into blocks, and size==0 blocks
// carrying an external object's fs-verity digest. It knows nothing about
// the mapping header, so it can be driven either after a header has
// already been written (Writer) or into a scratch buffer while the
// mapping set is still being discovered (the tar splitter).
type blockEncoder struct {
	w       io.Writer
	pending bytes.Buffer
	err     error
}

// WriteInline appends bytes that will be emitted inline, as part of the
// next flushed block. Consecutive WriteInline calls may each become their
// own block or may be coalesced by a flush; both are valid per the
// format's "reader must tolerate either" rule. This encoder coalesces
// pending inline bytes into one block whenever a WriteExternal call or
// Close forces a flush.
func (be *blockEncoder) WriteInline(b []byte) error {
	if be.err != nil {
		return be.err
	}
	_, err := be.pending.Write(b)
	return err
}

// WriteExternal flushes any pending inline bytes as one block, then
// emits a size==0 block carrying objectDigest.
func (be *blockEncoder) WriteExternal(objectDigest digest.VerityDigest) error {
	if be.err != nil {
		return be.err
	}
	if err := be.flushInline(); err != nil {
		return err
	}
	if err := writeU64(be.w, 0); err != nil {
		be.err = err
		return err
	}
	if _, err := be.w.Write(objectDigest[:]); err != nil {
		be.err = err
		return err
	}
	return nil
}

func (be *blockEncoder) flushInline() error {
	if be.pending.Len() == 0 {
		return nil
	}
	if err := writeU64(be.w, uint64(be.pending.Len())); err != nil {
		be.err = err
		return err
	}
	if _, err := be.w.Write(be.pending.Bytes()); err != nil {
		be.err = err
		return err
	}
	be.pending.Reset()
	return nil
}

// Close flushes any remaining pending inline bytes. It does not close the
// underlying writer.
func (be *blockEncoder) Close() error {
	return be.flushInline()
}

// Writer builds a complete split-stream byte sequence: a sorted mapping
// header followed by inline/external blocks, emitted in the order its
// methods are called.
type Writer struct {
	blockEncoder
	mappings []Mapping
}

// NewWriter returns a Writer that will emit to w once mappings are known.
// Because the mapping header must precede every block and must be sorted,
// callers pass the complete mapping set up front.
func NewWriter(w io.Writer, mappings []Mapping) (*Writer, error) {
	sorted := sortedMappings(mappings)
	sw := &Writer{blockEncoder: blockEncoder{w: w}, mappings: sorted}
	if err := writeMappingHeader(w, sorted); err != nil {
		return nil, err
	}
	return sw, nil
}

func sortedMappings(mappings []Mapping) []Mapping {
	sorted := append([]Mapping(nil), mappings...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ContentDigest.Less(sorted[j].ContentDigest)
	})
	return sorted
}

func writeMappingHeader(w io.Writer, sortedMappings []Mapping) error {
	if err := writeU64(w, uint64(len(sortedMappings))); err != nil {
		return err
	}
	for _, m := range sortedMappings {
		if _, err := w.Write(m.ContentDigest[:]); err != nil {
			return err
		}
		if _, err := w.Write(m.StreamDigest[:]); err != nil {
			return err
		}
	}
	return nil
}
