package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/klauspost/compress/zstd"

	"github.com/shawn111/composefs-repo/erofs"
	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
	"github.com/shawn111/composefs-repo/splitstream"
)

// IngestTarLayer runs one tar stream through the split-stream encoder,
// installing every externalized payload plus the resulting scaffold
// stream (zstd-wrapped, per the ingress/egress compression boundary) into
// the object store, and links the scaffold under streams/. It returns the
// scaffold's fs-verity digest.
func (r *Repository) IngestTarLayer(ctx context.Context, tarStream io.Reader) (digest.VerityDigest, error) {
	if err := ctx.Err(); err != nil {
		return digest.VerityDigest{}, cferrors.Cancelledf("ingest tar layer: %v", err)
	}

	fl, err := r.lock.lockShared(ctx)
	if err != nil {
		return digest.VerityDigest{}, err
	}
	defer fl.Unlock()

	externalize := func(contentDigest digest.ContentDigest, padded []byte) (digest.VerityDigest, error) {
		if err := ctx.Err(); err != nil {
			return digest.VerityDigest{}, cferrors.Cancelledf("ingest tar layer: %v", err)
		}
		return r.store.EnsureObject(padded)
	}

	var scaffold bytes.Buffer
	if _, err := splitstream.EncodeTar(tarStream, &scaffold, externalize); err != nil {
		return digest.VerityDigest{}, err
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return digest.VerityDigest{}, cferrors.NewIoError("create zstd writer", err)
	}
	if _, err := zw.Write(scaffold.Bytes()); err != nil {
		zw.Close()
		return digest.VerityDigest{}, cferrors.NewIoError("zstd-compress scaffold", err)
	}
	if err := zw.Close(); err != nil {
		return digest.VerityDigest{}, cferrors.NewIoError("close zstd writer", err)
	}

	streamDigest, err := r.store.EnsureObjectFromReader(bytes.NewReader(compressed.Bytes()))
	if err != nil {
		return digest.VerityDigest{}, err
	}
	if err := r.store.LinkAs(streamDigest, filepath.Join("streams", streamDigest.String())); err != nil {
		return digest.VerityDigest{}, err
	}
	return streamDigest, nil
}

// openStream opens a previously-ingested scaffold stream by its
// fs-verity digest and returns an io.Reader over its decompressed
// split-stream bytes, ready for splitstream.NewReader or erofs.Builder.
func (r *Repository) openStream(d digest.VerityDigest) (io.ReadCloser, error) {
	handle, err := r.store.OpenObject(d)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(handle)
	if err != nil {
		handle.Close()
		return nil, cferrors.NewIoError("create zstd reader", err)
	}
	return &zstdReadCloser{decoder: zr, underlying: handle}, nil
}

// zstdReadCloser pairs a zstd.Decoder (which has no error-returning Close)
// with the object handle it decompresses from, so both are released
// together through one io.Closer.
type zstdReadCloser struct {
	decoder    *zstd.Decoder
	underlying io.Closer
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.decoder.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.decoder.Close()
	return z.underlying.Close()
}

// selectManifestDescriptor picks the manifest to ingest from a
// multi-platform index: the sole manifest if there is only one, else the
// first whose platform matches want on OS and Architecture, and on Variant
// when want sets one.
// Generalizes the teacher's hardcoded linux/amd64 preference in
// internal/image/import.go to take an explicit default.
func selectManifestDescriptor(idx *v1.IndexManifest, want *ocispec.Platform) (v1.Descriptor, error) {
	if idx == nil || len(idx.Manifests) == 0 {
		return v1.Descriptor{}, cferrors.UnsupportedFormatf("OCI index has no manifests")
	}
	if len(idx.Manifests) == 1 {
		return idx.Manifests[0], nil
	}
	if want == nil {
		want = &ocispec.Platform{OS: "linux", Architecture: "amd64"}
	}
	for _, desc := range idx.Manifests {
		p := desc.Platform
		if p != nil && p.OS == want.OS && p.Architecture == want.Architecture &&
			(want.Variant == "" || p.Variant == want.Variant) {
			return desc, nil
		}
	}
	return v1.Descriptor{}, cferrors.UnsupportedFormatf(
		"multi-platform OCI index: no manifest matching %s/%s", want.OS, want.Architecture)
}

// IngestOCIImage opens a local OCI Image Layout directory (a layout
// packed as a .tar archive is not read), selects a manifest for platform (nil defaults to linux/amd64), ingests
// each layer bottom-to-top via IngestTarLayer, then merges the resulting
// scaffolds through erofs.Builder and stores the image. It returns the
// image's fs-verity digest, already linked under images/.
func (r *Repository) IngestOCIImage(ctx context.Context, layoutPath string, platform *ocispec.Platform) (digest.VerityDigest, error) {
	path, err := layout.FromPath(layoutPath)
	if err != nil {
		return digest.VerityDigest{}, cferrors.UnsupportedFormatf("open OCI layout %s: %v", layoutPath, err)
	}
	idx, err := path.ImageIndex()
	if err != nil {
		return digest.VerityDigest{}, cferrors.UnsupportedFormatf("read OCI index: %v", err)
	}
	indexManifest, err := idx.IndexManifest()
	if err != nil {
		return digest.VerityDigest{}, cferrors.UnsupportedFormatf("read index manifest: %v", err)
	}

	desc, err := selectManifestDescriptor(indexManifest, platform)
	if err != nil {
		return digest.VerityDigest{}, err
	}

	img, err := idx.Image(desc.Digest)
	if err != nil {
		return digest.VerityDigest{}, cferrors.UnsupportedFormatf("load image manifest %s: %v", desc.Digest, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return digest.VerityDigest{}, cferrors.UnsupportedFormatf("list layers: %v", err)
	}

	var streamDigests []digest.VerityDigest
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return digest.VerityDigest{}, cferrors.Cancelledf("ingest image: %v", err)
		}
		// Reading and decompressing a blob that already sits in a local
		// OCI layout is the unavoidable last step of turning on-disk
		// bytes into the tar stream the codec expects; it is not the
		// registry-transport concern the spec excludes.
		uncompressed, err := layer.Uncompressed()
		if err != nil {
			return digest.VerityDigest{}, cferrors.UnsupportedFormatf("decompress layer %d: %v", i, err)
		}
		streamDigest, err := r.IngestTarLayer(ctx, uncompressed)
		closeErr := uncompressed.Close()
		if err != nil {
			return digest.VerityDigest{}, fmt.Errorf("ingest layer %d: %w", i, err)
		}
		if closeErr != nil {
			return digest.VerityDigest{}, cferrors.NewIoError("close layer reader", closeErr)
		}
		streamDigests = append(streamDigests, streamDigest)
	}

	if err := ctx.Err(); err != nil {
		return digest.VerityDigest{}, cferrors.Cancelledf("build image: %v", err)
	}

	var scaffolds []io.Reader
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, sd := range streamDigests {
		rc, err := r.openStream(sd)
		if err != nil {
			return digest.VerityDigest{}, err
		}
		closers = append(closers, rc)
		scaffolds = append(scaffolds, rc)
	}

	// buildTimeSec is recorded in the superblock only; the per-file mtime
	// data that determines the synthesized root inode's mtime already
	// flows through the merged tree itself (erofs.DefaultRootInode), so a
	// fixed value here keeps repeated builds of the same image inputs
	// byte-identical.
	imageBytes, err := erofs.NewBuilder().Build(ctx, scaffolds, 0)
	if err != nil {
		return digest.VerityDigest{}, err
	}

	imageDigest, err := r.store.EnsureObject(imageBytes)
	if err != nil {
		return digest.VerityDigest{}, err
	}
	if err := r.store.LinkAs(imageDigest, filepath.Join("images", imageDigest.String())); err != nil {
		return digest.VerityDigest{}, err
	}
	return imageDigest, nil
}
