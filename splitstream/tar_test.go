package splitstream

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/digest"
)

// memObjectStore is a trivial in-memory stand-in for objectstore.Store,
// used to drive EncodeTar/DecodeWithSubstitution without touching the
// filesystem.
type memObjectStore struct {
	objects map[digest.VerityDigest][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[digest.VerityDigest][]byte)}
}

func (m *memObjectStore) externalize(contentDigest digest.ContentDigest, padded []byte) (digest.VerityDigest, error) {
	// A real store measures fs-verity; here the "verity digest" is just
	// another content hash of the padded bytes, which is all the codec
	// needs from it (a stable 32-byte handle).
	d := digest.FromBytes(padded)
	m.objects[d] = append([]byte(nil), padded...)
	return d, nil
}

func (m *memObjectStore) OpenByVerityDigest(d digest.VerityDigest) (io.ReadCloser, error) {
	b, ok := m.objects[d]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func buildTar(t *testing.T, entries map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		data := entries[name]
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(data)),
		}); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write body %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

// TestEncodeTarExternalizesLargePayloadOnly asserts the spec's threshold
// policy (scenario: a tar with one small file and one large file).
func TestEncodeTarExternalizesLargePayloadOnly(t *testing.T) {
	small := []byte("tiny")
	large := bytes.Repeat([]byte("x"), 2000)

	raw := buildTar(t, map[string][]byte{
		"small.txt": small,
		"large.bin": large,
	}, []string{"small.txt", "large.bin"})

	store := newMemObjectStore()
	var encoded bytes.Buffer
	mappings, err := EncodeTar(bytes.NewReader(raw), &encoded, store.externalize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected exactly one externalized entry, got %d", len(mappings))
	}
	if mappings[0].ContentDigest != digest.FromBytes(large) {
		t.Fatalf("mapping content digest mismatch")
	}

	decoded, err := io.ReadAll(DecodeWithSubstitution(&encoded, store))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(raw, decoded) {
		t.Fatalf("decoded archive is not byte-for-byte identical to the original")
	}

	tr := tar.NewReader(bytes.NewReader(decoded))
	got := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read decoded tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read decoded entry %s: %v", hdr.Name, err)
		}
		got[hdr.Name] = data
	}
	if !bytes.Equal(got["small.txt"], small) {
		t.Fatalf("small.txt content mismatch")
	}
	if !bytes.Equal(got["large.bin"], large) {
		t.Fatalf("large.bin content mismatch")
	}
}

// TestEncodeDecodeRoundTripIsStable asserts encode(decode(encode(x))) ==
// encode(x): re-encoding a reconstructed stream is a no-op, since
// EncodeTar now captures the original header bytes verbatim rather than
// re-rendering them.
func TestEncodeDecodeRoundTripIsStable(t *testing.T) {
	raw := buildTar(t, map[string][]byte{
		"a": bytes.Repeat([]byte("a"), 600),
		"b": []byte("short"),
	}, []string{"a", "b"})

	store := newMemObjectStore()
	var first bytes.Buffer
	if _, err := EncodeTar(bytes.NewReader(raw), &first, store.externalize); err != nil {
		t.Fatalf("first encode: %v", err)
	}

	reconstructed, err := io.ReadAll(DecodeWithSubstitution(bytes.NewReader(first.Bytes()), store))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(raw, reconstructed) {
		t.Fatalf("decoded archive is not byte-for-byte identical to the original")
	}

	var second bytes.Buffer
	if _, err := EncodeTar(bytes.NewReader(reconstructed), &second, store.externalize); err != nil {
		t.Fatalf("second encode: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("re-encoding a reconstructed stream changed its bytes")
	}
}

// TestEncodeDecodeRoundTripPreservesGNULongName exercises the exact case
// plain header re-rendering gets wrong: a filename long enough to force a
// GNU long-name extension entry ahead of the real header block. EncodeTar
// must capture both blocks verbatim rather than letting archive/tar.Writer
// pick its own (PAX, by default) extension format on re-render.
func TestEncodeDecodeRoundTripPreservesGNULongName(t *testing.T) {
	longName := "a/very/deeply/nested/path/that/exceeds/the/classic/ustar/100/character/name/field/limit/file.txt"
	if len(longName) <= 100 {
		t.Fatalf("test fixture name is not actually long enough: %d bytes", len(longName))
	}
	data := []byte("payload for a long-named entry")

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	if err := tw.WriteHeader(&tar.Header{
		Name:   longName,
		Mode:   0644,
		Size:   int64(len(data)),
		Format: tar.FormatGNU,
	}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}

	store := newMemObjectStore()
	var encoded bytes.Buffer
	if _, err := EncodeTar(bytes.NewReader(raw.Bytes()), &encoded, store.externalize); err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := io.ReadAll(DecodeWithSubstitution(&encoded, store))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(raw.Bytes(), decoded) {
		t.Fatalf("GNU long-name archive was not reconstructed byte-for-byte")
	}
}

// TestEncodeTarMappingOrder asserts the mapping header is sorted by
// content digest regardless of the order entries appear in the tar.
func TestEncodeTarMappingOrder(t *testing.T) {
	payloadA := bytes.Repeat([]byte("A"), 600)
	payloadB := bytes.Repeat([]byte("B"), 600)

	raw := buildTar(t, map[string][]byte{
		"first":  payloadA,
		"second": payloadB,
	}, []string{"first", "second"})

	store := newMemObjectStore()
	var encoded bytes.Buffer
	mappings, err := EncodeTar(bytes.NewReader(raw), &encoded, store.externalize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
	for i := 1; i < len(mappings); i++ {
		if !mappings[i-1].ContentDigest.Less(mappings[i].ContentDigest) {
			t.Fatalf("mappings not sorted ascending at index %d", i)
		}
	}

	refs, err := ReferencedDigests(bytes.NewReader(encoded.Bytes()))
	if err != nil {
		t.Fatalf("referenced digests: %v", err)
	}
	for _, m := range mappings {
		if _, ok := refs[m.StreamDigest]; !ok {
			t.Fatalf("ReferencedDigests missing stream digest %s", m.StreamDigest)
		}
	}
}
