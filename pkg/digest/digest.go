// Package digest provides the raw 256-bit digest type shared by the object
// store, split-stream codec, and image builder.
//
// Two flavors of digest occur in this system: a content digest (SHA-256 of a
// stream's logical content) and an fs-verity digest (the kernel-computed
// Merkle root of a stored file). Both are SHA-256 and both are always
// serialized as exactly 32 raw bytes, so they share one representation here;
// the flavor is tracked by which named alias a call site uses, not by the
// type system.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	godigest "github.com/opencontainers/go-digest"
)

// Size is the byte length of a digest.
const Size = sha256.Size

// Digest is a raw SHA-256 value.
type Digest [Size]byte

// ContentDigest is a Digest known to be the SHA-256 of a stream's original
// logical content (e.g. an uncompressed tar stream).
type ContentDigest = Digest

// VerityDigest is a Digest known to be a kernel-measured fs-verity Merkle
// root of a stored object.
type VerityDigest = Digest

// Zero is the all-zero digest, used as a sentinel in tests and for the
// concrete wire-format scenario in the split-stream spec.
var Zero Digest

// FromBytes computes the SHA-256 content digest of b.
func FromBytes(b []byte) ContentDigest {
	return Digest(sha256.Sum256(b))
}

// FromReader computes the SHA-256 content digest of everything read from r.
func FromReader(r io.Reader) (ContentDigest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(hexStr string) (Digest, error) {
	if len(hexStr) != Size*2 {
		return Digest{}, fmt.Errorf("digest: wrong length %d, want %d", len(hexStr), Size*2)
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: invalid hex: %w", err)
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// MustParse is like Parse but panics on error; used for constants in tests.
func MustParse(hexStr string) Digest {
	d, err := Parse(hexStr)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Less reports whether d sorts before other, used for the split-stream
// mapping header's ascending-by-content-digest order and for the image
// builder's deterministic emission order.
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// ShardDir returns the two lowercase hex characters naming the objects/XX
// shard directory for d.
func (d Digest) ShardDir() string {
	return hex.EncodeToString(d[:1])
}

// ShardName returns the remaining 62 hex characters used as the object's
// filename within its shard directory.
func (d Digest) ShardName() string {
	return hex.EncodeToString(d[1:])
}

// FromOCI converts an OCI go-digest value (an "alg:hex" string, always
// sha256 in this system) into a Digest. It is the boundary crossing between
// OCI descriptor digests — which are always content digests of the blob
// they describe — and this package's raw representation.
func FromOCI(d godigest.Digest) (ContentDigest, error) {
	if d.Algorithm() != godigest.SHA256 {
		return Digest{}, fmt.Errorf("digest: unsupported algorithm %q", d.Algorithm())
	}
	return Parse(d.Encoded())
}

// ToOCI converts a Digest back into an OCI go-digest value.
func (d Digest) ToOCI() godigest.Digest {
	return godigest.NewDigestFromEncoded(godigest.SHA256, d.String())
}

// Sort sorts a slice of Digest values ascending, used wherever the spec
// requires deterministic emission order over a digest set.
func Sort(ds []Digest) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Less(ds[j]) })
}
