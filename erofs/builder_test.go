package erofs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/digest"
	"github.com/shawn111/composefs-repo/splitstream"
)

// memObjectStore is a trivial in-memory stand-in for objectstore.Store,
// used to drive splitstream.EncodeTar without touching the filesystem.
type memObjectStore struct {
	objects map[digest.VerityDigest][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[digest.VerityDigest][]byte)}
}

func (m *memObjectStore) externalize(contentDigest digest.ContentDigest, padded []byte) (digest.VerityDigest, error) {
	d := digest.FromBytes(padded)
	m.objects[d] = append([]byte(nil), padded...)
	return d, nil
}

// buildLayerScaffold encodes a tar archive's entries into a split-stream
// layer the way an ingestion path would, using an in-memory externalizer
// so tests never touch the filesystem.
func buildLayerScaffold(t *testing.T, files []tarFile) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.name,
			Typeflag: f.typeflag,
			Mode:     f.mode,
			Size:     int64(len(f.data)),
			Linkname: f.linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", f.name, err)
		}
		if len(f.data) > 0 {
			if _, err := tw.Write(f.data); err != nil {
				t.Fatalf("write body %s: %v", f.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	store := newMemObjectStore()
	var encoded bytes.Buffer
	if _, err := splitstream.EncodeTar(bytes.NewReader(raw.Bytes()), &encoded, store.externalize); err != nil {
		t.Fatalf("encode tar: %v", err)
	}
	return encoded.Bytes()
}

type tarFile struct {
	name     string
	typeflag byte
	mode     int64
	data     []byte
	linkname string
}

func TestBuildDeterministic(t *testing.T) {
	layer := buildLayerScaffold(t, []tarFile{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/passwd", data: []byte("root:x:0:0\n"), mode: 0644},
		{name: "bin/", typeflag: tar.TypeDir, mode: 0755},
	})

	b := NewBuilder()
	img1, err := b.Build(context.Background(), []io.Reader{bytes.NewReader(layer)}, 100)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	img2, err := b.Build(context.Background(), []io.Reader{bytes.NewReader(layer)}, 100)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if !bytes.Equal(img1, img2) {
		t.Fatalf("two builds of identical input produced different bytes")
	}
	if digest.FromBytes(img1) != digest.FromBytes(img2) {
		t.Fatalf("image digests differ across identical builds")
	}
}

func TestWhiteoutRemovesEntry(t *testing.T) {
	base := buildLayerScaffold(t, []tarFile{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/foo", data: bytes.Repeat([]byte("x"), 600), mode: 0644},
	})
	overlay := buildLayerScaffold(t, []tarFile{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/.wh.foo", data: nil, mode: 0644},
	})

	b := NewBuilder()
	baseOnly, err := b.Build(context.Background(), []io.Reader{bytes.NewReader(base)}, 0)
	if err != nil {
		t.Fatalf("build base: %v", err)
	}
	merged, err := b.Build(context.Background(), []io.Reader{bytes.NewReader(base), bytes.NewReader(overlay)}, 0)
	if err != nil {
		t.Fatalf("build merged: %v", err)
	}

	if digest.FromBytes(baseOnly) == digest.FromBytes(merged) {
		t.Fatalf("whiteout layer did not change the image digest")
	}

	digests, err := ExtractVerityDigests(merged)
	if err != nil {
		t.Fatalf("extract digests: %v", err)
	}
	if len(digests) != 0 {
		t.Fatalf("expected no regular-file objects after whiteout, got %d", len(digests))
	}
}

func TestOpaqueDirectoryDropsPriorChildren(t *testing.T) {
	base := buildLayerScaffold(t, []tarFile{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/old", data: bytes.Repeat([]byte("x"), 600), mode: 0644},
	})
	overlay := buildLayerScaffold(t, []tarFile{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/.wh..wh..opq", data: nil, mode: 0644},
		{name: "etc/new", data: bytes.Repeat([]byte("y"), 600), mode: 0644},
	})

	b := NewBuilder()
	tImg, err := b.Build(context.Background(), []io.Reader{bytes.NewReader(base), bytes.NewReader(overlay)}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	digests, err := ExtractVerityDigests(tImg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(digests) != 1 {
		t.Fatalf("expected exactly one surviving regular file after opaque marker, got %d", len(digests))
	}
}

func TestHardlinkSharesInode(t *testing.T) {
	layer := buildLayerScaffold(t, []tarFile{
		{name: "bin/", typeflag: tar.TypeDir, mode: 0755},
		{name: "bin/bash", data: bytes.Repeat([]byte("#!/"), 300), mode: 0755},
		{name: "bin/sh", typeflag: tar.TypeLink, linkname: "bin/bash", mode: 0755},
	})

	t2, err := buildTreeFromLayers([]io.Reader{bytes.NewReader(layer)})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	binDir := t2.lookup("/bin")
	if binDir == nil {
		t.Fatalf("missing /bin")
	}
	bash := binDir.children["bash"]
	sh := binDir.children["sh"]
	if bash == nil || sh == nil {
		t.Fatalf("missing bash/sh entries")
	}
	if sh.AliasOf != bash {
		t.Fatalf("sh is not aliased to bash")
	}

	s := newSerializer()
	if _, err := s.build(t2.root, 0); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if s.nlinkCache[bash] != 2 {
		t.Fatalf("expected nlink 2 for bash/sh group, got %d", s.nlinkCache[bash])
	}
}
