package splitstream

import (
	"io"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// Reader iterates the blocks of a split stream after its mapping header.
type Reader struct {
	r        io.Reader
	Mappings []Mapping
}

// NewReader parses the mapping header from r and returns a Reader
// positioned at the first block.
func NewReader(r io.Reader) (*Reader, error) {
	count, err := readU64(r)
	if err != nil {
		return nil, cferrors.IntegrityViolationf("read mapping count: %v", err)
	}
	mappings := make([]Mapping, 0, count)
	for i := uint64(0); i < count; i++ {
		var m Mapping
		if _, err := io.ReadFull(r, m.ContentDigest[:]); err != nil {
			return nil, cferrors.IntegrityViolationf("read mapping %d content digest: %v", i, err)
		}
		if _, err := io.ReadFull(r, m.StreamDigest[:]); err != nil {
			return nil, cferrors.IntegrityViolationf("read mapping %d stream digest: %v", i, err)
		}
		mappings = append(mappings, m)
	}
	if err := validateMappingsSorted(mappings); err != nil {
		return nil, err
	}
	return &Reader{r: r, Mappings: mappings}, nil
}

// Next returns the next entry in the stream, or io.EOF when the stream is
// exhausted at a clean block boundary. A partial block at EOF is an
// integrity violation, per the format's "no terminator" rule: readers can
// only tell the stream ended cleanly by hitting EOF exactly where a new
// block's size field would start.
func (r *Reader) Next() (Entry, error) {
	size, err := readU64(r.r)
	if err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, cferrors.IntegrityViolationf("read block size: %v", err)
	}
	if err := checkBlockSize(size); err != nil {
		return Entry{}, err
	}

	if size == 0 {
		var d digest.VerityDigest
		if _, err := io.ReadFull(r.r, d[:]); err != nil {
			return Entry{}, cferrors.IntegrityViolationf("read external block digest: %v", err)
		}
		return Entry{External: d, IsExternal: true}, nil
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Entry{}, cferrors.IntegrityViolationf("read inline block of %d bytes: %v", size, err)
	}
	return Entry{Inline: buf}, nil
}

// Iterate calls fn for every entry in the stream until EOF or fn returns
// an error.
func (r *Reader) Iterate(fn func(Entry) error) error {
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
