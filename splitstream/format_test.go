package splitstream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// TestMappingHeaderLayout asserts the mapping header's byte layout for a
// single mapping: the little-endian count followed by the content digest
// then the stream digest, with no padding. Sort order across several
// mappings is covered by TestEncodeTarMappingOrder.
func TestMappingHeaderLayout(t *testing.T) {
	content := digest.MustParse("1111111111111111111111111111111111111111111111111111111111111111111111111111"[:digest.Size*2])
	stream := digest.MustParse("2222222222222222222222222222222222222222222222222222222222222222222222222222"[:digest.Size*2])

	var buf bytes.Buffer
	w, err := NewWriter(&buf, []Mapping{{ContentDigest: content, StreamDigest: stream}})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := buf.Bytes()
	if len(got) < 8+64 {
		t.Fatalf("header too short: %d bytes", len(got))
	}
	if count := leU64(got[:8]); count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if !bytes.Equal(got[8:40], content[:]) {
		t.Fatalf("content digest mismatch")
	}
	if !bytes.Equal(got[40:72], stream[:]) {
		t.Fatalf("stream digest mismatch")
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// TestDecodeConcreteExample decodes the hand-built stream from scenario 3:
// zero mappings, one 8-byte inline block "ABCDEFGH", one external block
// referencing the all-zero digest.
func TestDecodeConcreteExample(t *testing.T) {
	var buf bytes.Buffer
	if err := writeU64(&buf, 0); err != nil {
		t.Fatal(err)
	}
	if err := writeU64(&buf, 8); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("ABCDEFGH")
	if err := writeU64(&buf, 0); err != nil {
		t.Fatal(err)
	}
	buf.Write(make([]byte, digest.Size))

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	if len(r.Mappings) != 0 {
		t.Fatalf("expected no mappings, got %d", len(r.Mappings))
	}

	var entries []Entry
	if err := r.Iterate(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].IsExternal || string(entries[0].Inline) != "ABCDEFGH" {
		t.Fatalf("entry 0 = %+v, want inline ABCDEFGH", entries[0])
	}
	if !entries[1].IsExternal || entries[1].External != digest.Zero {
		t.Fatalf("entry 1 = %+v, want external zero digest", entries[1])
	}
}

// TestPartialTrailingBlockIsIntegrityViolation asserts that EOF in the
// middle of a block's declared size is reported, not silently truncated.
func TestPartialTrailingBlockIsIntegrityViolation(t *testing.T) {
	var buf bytes.Buffer
	writeU64(&buf, 0)
	writeU64(&buf, 10)
	buf.WriteString("short")

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	_, err = r.Next()
	if err == nil || err == io.EOF || !errors.Is(err, cferrors.ErrIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

// TestCoalescedVsSplitInlineBlocksDecodeIdentically asserts the
// reader-must-tolerate-either rule: a writer may emit consecutive inline
// bytes as one coalesced block or as several small blocks, and both
// decode to the same logical byte sequence.
func TestCoalescedVsSplitInlineBlocksDecodeIdentically(t *testing.T) {
	var coalesced, split bytes.Buffer

	cw, err := NewWriter(&coalesced, nil)
	if err != nil {
		t.Fatal(err)
	}
	cw.WriteInline([]byte("hello "))
	cw.WriteInline([]byte("world"))
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	// A Writer coalesces everything pending at Close, so to get two
	// distinct blocks instead of one, hand-assemble the block sequence
	// after a shared header rather than driving Writer a second time.
	split.Reset()
	writeU64(&split, 0)
	writeU64(&split, 6)
	split.WriteString("hello ")
	writeU64(&split, 5)
	split.WriteString("world")

	wantReader, err := NewReader(&coalesced)
	if err != nil {
		t.Fatal(err)
	}
	var want bytes.Buffer
	wantReader.Iterate(func(e Entry) error {
		want.Write(e.Inline)
		return nil
	})

	gotReader, err := NewReader(&split)
	if err != nil {
		t.Fatal(err)
	}
	var got bytes.Buffer
	gotReader.Iterate(func(e Entry) error {
		got.Write(e.Inline)
		return nil
	})

	if want.String() != got.String() {
		t.Fatalf("coalesced decode %q != split decode %q", want.String(), got.String())
	}
	if want.String() != "hello world" {
		t.Fatalf("decoded content = %q, want %q", want.String(), "hello world")
	}
}
