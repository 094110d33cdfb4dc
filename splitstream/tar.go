package splitstream

import (
	"archive/tar"
	"bytes"
	"io"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// tarBlockSize is the tar format's block size; regular-file payloads are
// always padded to a multiple of it.
const tarBlockSize = 512

// Externalizer stores a regular-file payload, already padded to a tar
// block boundary, in the object pool and returns the fs-verity digest of
// the stored object. contentDigest is the SHA-256 of the unpadded
// payload, computed by the caller of Externalizer (EncodeTar) and handed
// through so the mapping header can be built without a second read.
type Externalizer func(contentDigest digest.ContentDigest, paddedPayload []byte) (digest.VerityDigest, error)

// headerCaptureReader records every byte read from the wrapped reader, so
// EncodeTar can recover the verbatim bytes tar.Reader consumed for each
// entry instead of re-serializing a *tar.Header through tar.Writer — which
// would silently swap out a GNU long-name or PAX extension entry's actual
// on-wire encoding for Go's own format choice.
type headerCaptureReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (c *headerCaptureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
	}
	return n, err
}

// captured returns everything read since the last call and resets the
// accumulator.
func (c *headerCaptureReader) captured() []byte {
	b := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	return b
}

// EncodeTar reads a tar byte stream from r and writes its split-stream
// equivalent to w: every regular-file entry whose payload is at least one
// tar block (512 bytes) is externalized via externalize, recorded as an
// External block plus a mapping from the unpadded payload's content
// digest to the stored object's fs-verity digest; the tar header bytes
// (verbatim, including any GNU long-name/PAX extension entries that
// preceded them) and any entry smaller than one block are kept inline.
// decode_with_substitution run over EncodeTar's output reconstructs the
// input byte-for-byte, per spec — encode never re-renders a header. It
// returns the sorted mappings that were written into the header, mainly
// so callers and tests can inspect what got externalized without
// re-parsing the stream.
//
// The mapping header must precede every block, so the block sequence is
// assembled into a scratch buffer while mappings are still being
// discovered; only once the tar stream is fully consumed does EncodeTar
// write the header, followed by the buffered body, to w.
func EncodeTar(r io.Reader, w io.Writer, externalize Externalizer) ([]Mapping, error) {
	capture := &headerCaptureReader{r: r}
	tr := tar.NewReader(capture)

	var body bytes.Buffer
	enc := &blockEncoder{w: &body}
	var mappings []Mapping

	// pendingPad is the count of tar padding bytes that trail the entry
	// just processed; archive/tar.Reader only discards them from the
	// wrapped reader on the *next* call to Next(), so they show up at the
	// front of that call's captured bytes and must be stripped before what
	// remains is treated as the next entry's header.
	var pendingPad int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cferrors.IntegrityViolationf("read tar header: %v", err)
		}

		raw := capture.captured()
		if int64(len(raw)) < pendingPad {
			return nil, cferrors.IntegrityViolationf("tar padding accounting mismatch before %q", hdr.Name)
		}
		headerBytes := raw[pendingPad:]
		pendingPad = 0

		if err := enc.WriteInline(headerBytes); err != nil {
			return nil, err
		}
		// The header is always its own block, never coalesced with a
		// neighboring member's bytes: a consumer that re-derives tar
		// structure from the scaffold (the image builder) relies on each
		// member contributing exactly one header block, then at most one
		// body block.
		if err := enc.flushInline(); err != nil {
			return nil, err
		}

		if hdr.Size > 0 {
			pendingPad = (tarBlockSize - hdr.Size%tarBlockSize) % tarBlockSize
		}

		if hdr.Typeflag != tar.TypeReg || hdr.Size < tarBlockSize {
			payload, err := io.ReadAll(tr)
			if err != nil {
				return nil, cferrors.IntegrityViolationf("read payload for %q: %v", hdr.Name, err)
			}
			capture.captured() // body bytes; the zero padding is re-derived below
			if len(payload) == 0 {
				continue
			}
			if err := enc.WriteInline(padToBlock(payload)); err != nil {
				return nil, err
			}
			if err := enc.flushInline(); err != nil {
				return nil, err
			}
			continue
		}

		payload := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, payload); err != nil {
			return nil, cferrors.IntegrityViolationf("read payload for %q: %v", hdr.Name, err)
		}
		capture.captured() // body bytes; the zero padding is re-derived below
		contentDigest := digest.FromBytes(payload)
		padded := padToBlock(payload)

		verityDigest, err := externalize(contentDigest, padded)
		if err != nil {
			return nil, err
		}
		if err := enc.WriteExternal(verityDigest); err != nil {
			return nil, err
		}
		mappings = append(mappings, Mapping{ContentDigest: contentDigest, StreamDigest: verityDigest})
	}

	// tr.Next() has already consumed pendingPad (the last entry's padding)
	// plus the two-block end-of-archive terminator into capture's buffer
	// before reporting io.EOF. The padding was already re-derived into the
	// last entry's body block, so it is stripped here; whatever is left
	// unread beyond the terminator (e.g. a writer's record-size padding) is
	// drained directly. The terminator and that remainder are replayed
	// verbatim so decode_with_substitution reproduces the input exactly,
	// trailer included.
	trailer := capture.captured()
	if int64(len(trailer)) < pendingPad {
		return nil, cferrors.IntegrityViolationf("tar padding accounting mismatch before trailer")
	}
	trailer = trailer[pendingPad:]
	rest, err := io.ReadAll(capture)
	if err != nil {
		return nil, cferrors.IntegrityViolationf("read tar trailer: %v", err)
	}
	trailer = append(trailer, rest...)
	if len(trailer) > 0 {
		if err := enc.WriteInline(trailer); err != nil {
			return nil, err
		}
		if err := enc.flushInline(); err != nil {
			return nil, err
		}
	}

	if err := enc.Close(); err != nil {
		return nil, err
	}

	sorted := sortedMappings(mappings)
	if err := writeMappingHeader(w, sorted); err != nil {
		return nil, err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return nil, err
	}
	return sorted, nil
}

// padToBlock pads b with zero bytes up to the next multiple of
// tarBlockSize, matching tar's own content padding. A zero-length payload
// stays zero-length: tar never pads an empty body.
func padToBlock(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	rem := len(b) % tarBlockSize
	if rem == 0 {
		return b
	}
	padded := make([]byte, len(b)+(tarBlockSize-rem))
	copy(padded, b)
	return padded
}

// ObjectOpener opens the payload object addressed by an fs-verity digest,
// used by DecodeWithSubstitution to resolve External blocks back into
// bytes.
type ObjectOpener interface {
	OpenByVerityDigest(d digest.VerityDigest) (io.ReadCloser, error)
}

// DecodeWithSubstitution reconstructs the original tar byte stream from a
// split stream produced by EncodeTar, substituting each External block's
// referenced object for its stored bytes. It returns a reader that yields
// the reconstructed tar stream lazily, one block at a time, so the whole
// archive is never buffered in memory.
func DecodeWithSubstitution(r io.Reader, opener ObjectOpener) io.Reader {
	sr, err := NewReader(r)
	if err != nil {
		return &errReader{err: err}
	}
	return &substitutionReader{sr: sr, opener: opener}
}

type substitutionReader struct {
	sr     *Reader
	opener ObjectOpener
	cur    io.Reader
	err    error
}

func (s *substitutionReader) Read(p []byte) (int, error) {
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.cur != nil {
			n, err := s.cur.Read(p)
			if err == io.EOF {
				if closer, ok := s.cur.(io.Closer); ok {
					_ = closer.Close()
				}
				s.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		e, err := s.sr.Next()
		if err == io.EOF {
			s.err = io.EOF
			return 0, io.EOF
		}
		if err != nil {
			s.err = err
			return 0, err
		}
		if e.IsExternal {
			obj, err := s.opener.OpenByVerityDigest(e.External)
			if err != nil {
				s.err = err
				return 0, err
			}
			s.cur = obj
			continue
		}
		s.cur = bytes.NewReader(e.Inline)
	}
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }
