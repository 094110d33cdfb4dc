package erofs

import (
	"archive/tar"
	"bytes"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
)

// xattrPatch records where a regular-file inode's XattrOffset field needs
// to be rewritten once the xattr blob's absolute base address is known;
// offsets are computed relative to the blob while it is still being
// filled in during the tree walk.
type xattrPatch struct {
	inodeOffset uint64
	relOffset   uint64
}

// serializer assembles the on-disk byte image from a merged tree,
// assigning inode numbers and byte offsets as it walks.
type serializer struct {
	buf         bytes.Buffer
	nextIno     uint64
	inodeOffset map[*node]uint64 // node -> absolute offset of its own inode record (aliases excluded)
	nlinkCache  map[*node]uint32 // primary node -> number of dirents referencing it
	xattr       bytes.Buffer
	pendingXattrPatches []xattrPatch
}

func newSerializer() *serializer {
	return &serializer{
		inodeOffset: make(map[*node]uint64),
		nlinkCache:  make(map[*node]uint32),
	}
}

// build writes the superblock, then the inode records and dirent blocks
// interleaved in depth-first order (each directory's dirent block directly
// before its own inode record, the root's inode last), then the xattr
// area, and returns the complete image bytes.
func (s *serializer) build(root *node, buildTimeSec int64) ([]byte, error) {
	s.countNlinks(root)

	// Reserve the superblock region; it is patched in once the root
	// offset and inode count are known.
	s.buf.Write(make([]byte, superblockSize))

	rootOffset, err := s.emitNode(root)
	if err != nil {
		return nil, err
	}

	xattrBase := uint64(s.buf.Len())
	s.buf.Write(s.xattr.Bytes())

	out := s.buf.Bytes()
	for _, p := range s.pendingXattrPatches {
		abs := xattrBase + p.relOffset
		patchCompactXattrOffset(out[p.inodeOffset:p.inodeOffset+compactInodeSize], uint32(abs))
	}

	sb := Superblock{
		Magic:           Magic,
		Version:         FormatVersion,
		Flags:           FlagNoACL,
		BlockSize:       BlockSize,
		InodeCount:      s.nextIno,
		RootInodeOffset: rootOffset,
		BuildTimeSec:    buildTimeSec,
	}
	copy(out[0:superblockSize], sb.marshal())
	return out, nil
}

// countNlinks walks the tree once before emission so every node's final
// dirent-reference count (1 for an ordinary node, N for the primary of an
// N-1-alias hardlink group) is known before its inode record is written.
func (s *serializer) countNlinks(n *node) {
	primary := n
	if n.AliasOf != nil {
		primary = n.AliasOf
	}
	s.nlinkCache[primary]++
	if n.isDir() {
		for _, child := range n.children {
			s.countNlinks(child)
		}
	}
}

func patchCompactXattrOffset(inodeBuf []byte, abs uint32) {
	// XattrOffset occupies bytes [24:28) of a compact inode record; see
	// compactInode.marshal.
	inodeBuf[24] = byte(abs)
	inodeBuf[25] = byte(abs >> 8)
	inodeBuf[26] = byte(abs >> 16)
	inodeBuf[27] = byte(abs >> 24)
}

// emitNode writes n (and, for directories, its entire sorted subtree)
// depth-first and returns the absolute offset of n's own inode record.
// Alias nodes never get their own record; they resolve to their
// primary's offset, emitting it on demand if some other parent hasn't
// already triggered it.
func (s *serializer) emitNode(n *node) (uint64, error) {
	if n.AliasOf != nil {
		return s.emitNode(n.AliasOf)
	}
	if off, ok := s.inodeOffset[n]; ok {
		return off, nil
	}

	switch n.Typeflag {
	case tar.TypeDir:
		return s.emitDir(n)
	case tar.TypeSymlink:
		return s.emitSymlink(n)
	case tar.TypeReg, 0:
		return s.emitRegular(n)
	default:
		return s.emitOther(n)
	}
}

func (s *serializer) allocIno() uint64 {
	ino := s.nextIno
	s.nextIno++
	return ino
}

func (s *serializer) emitRegular(n *node) (uint64, error) {
	offset := uint64(s.buf.Len())
	s.inodeOffset[n] = offset

	var size uint32
	if !n.External {
		size = uint32(len(n.Inline))
	}

	inlineOff := noInline
	if n.HasContent && !n.External {
		inlineOff = uint32(s.xattr.Len())
		s.xattr.Write(n.Inline)
	}

	rec := compactInode{
		FileType:     FileTypeRegular,
		Mode:         uint16(n.Mode & 0o7777),
		Nlink:        s.nlinkCache[n],
		Size:         size,
		MtimeSec:     uint32(n.MtimeSec),
		Ino:          s.allocIno(),
		XattrOffset:  noXattr,
		InlineOffset: inlineOff,
	}
	buf := rec.marshal()
	s.buf.Write(buf)

	if n.HasContent && n.External {
		relOff := uint64(s.xattr.Len())
		s.xattr.Write(n.ObjectDig[:])
		s.pendingXattrPatches = append(s.pendingXattrPatches, xattrPatch{inodeOffset: offset, relOffset: relOff})
	}
	return offset, nil
}

func (s *serializer) emitSymlink(n *node) (uint64, error) {
	offset := uint64(s.buf.Len())
	s.inodeOffset[n] = offset

	target := []byte(n.Linkname)
	inlineOff := uint32(s.xattr.Len())
	s.xattr.Write(target)

	rec := compactInode{
		FileType:     FileTypeSymlink,
		Mode:         uint16(n.Mode & 0o7777),
		Nlink:        s.nlinkCache[n],
		Size:         uint32(len(target)),
		MtimeSec:     uint32(n.MtimeSec),
		Ino:          s.allocIno(),
		XattrOffset:  noXattr,
		InlineOffset: inlineOff,
	}
	s.buf.Write(rec.marshal())
	return offset, nil
}

func (s *serializer) emitOther(n *node) (uint64, error) {
	offset := uint64(s.buf.Len())
	s.inodeOffset[n] = offset
	rec := compactInode{
		FileType:     FileTypeOther,
		Mode:         uint16(n.Mode & 0o7777),
		Nlink:        s.nlinkCache[n],
		MtimeSec:     uint32(n.MtimeSec),
		Ino:          s.allocIno(),
		XattrOffset:  noXattr,
		InlineOffset: noInline,
	}
	s.buf.Write(rec.marshal())
	return offset, nil
}

func (s *serializer) emitDir(n *node) (uint64, error) {
	names := n.sortedChildNames()

	type childInfo struct {
		name     string
		offset   uint64
		fileType uint8
	}
	children := make([]childInfo, 0, len(names))
	for _, name := range names {
		child := n.children[name]
		off, err := s.emitNode(child)
		if err != nil {
			return 0, cferrors.UnsupportedFormatf("emit %q: %v", name, err)
		}
		children = append(children, childInfo{name: name, offset: off, fileType: fileTypeOf(child)})
	}

	direntOffset := uint64(s.buf.Len())
	var headerBuf, nameBuf bytes.Buffer
	cursor := uint16(len(children) * direntHeaderSize)
	for _, c := range children {
		h := direntHeader{
			InodeOffset: c.offset,
			NameOffset:  cursor,
			NameLen:     uint16(len(c.name)),
			FileType:    c.fileType,
		}
		headerBuf.Write(h.marshal())
		nameBuf.WriteString(c.name)
		cursor += uint16(len(c.name))
	}
	s.buf.Write(headerBuf.Bytes())
	s.buf.Write(nameBuf.Bytes())
	direntSize := uint64(headerBuf.Len() + nameBuf.Len())

	offset := uint64(s.buf.Len())
	s.inodeOffset[n] = offset
	rec := extendedInode{
		FileType:     FileTypeDir,
		Mode:         uint16(n.Mode & 0o7777),
		Nlink:        s.nlinkCache[n],
		Size:         direntSize,
		MtimeSec:     uint32(n.MtimeSec),
		Ino:          s.allocIno(),
		XattrOffset:  noXattr,
		DirentOffset: direntOffset,
		DirentSize:   direntSize,
	}
	s.buf.Write(rec.marshal())
	return offset, nil
}

func fileTypeOf(n *node) uint8 {
	switch {
	case n.AliasOf != nil:
		return fileTypeOf(n.AliasOf)
	case n.Typeflag == tar.TypeDir:
		return FileTypeDir
	case n.Typeflag == tar.TypeSymlink:
		return FileTypeSymlink
	case n.Typeflag == tar.TypeReg || n.Typeflag == 0:
		return FileTypeRegular
	default:
		return FileTypeOther
	}
}
