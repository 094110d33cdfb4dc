package erofs

import (
	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
)

// ExtractVerityDigests parses a serialized image and returns the
// fs-verity digest of every regular file's backing object: the reverse
// of the xattr writes serialize.go performs. The garbage collector uses
// this to mark an image's file-content objects as reachable without
// needing to mount the image.
func ExtractVerityDigests(image []byte) (map[digest.VerityDigest]struct{}, error) {
	sb, err := unmarshalSuperblock(image)
	if err != nil {
		return nil, err
	}

	digests := make(map[digest.VerityDigest]struct{})
	visited := make(map[uint64]bool)
	if err := walkInode(image, sb.RootInodeOffset, digests, visited); err != nil {
		return nil, err
	}
	return digests, nil
}

func walkInode(image []byte, offset uint64, out map[digest.VerityDigest]struct{}, visited map[uint64]bool) error {
	if visited[offset] {
		return nil
	}
	visited[offset] = true

	kind, err := inodeKindAt(image, offset)
	if err != nil {
		return err
	}

	switch kind {
	case inodeTagExtended:
		if offset+extendedInodeSize > uint64(len(image)) {
			return cferrors.IntegrityViolationf("erofs: extended inode at %d truncated", offset)
		}
		dirInode, err := unmarshalExtendedInode(image[offset : offset+extendedInodeSize])
		if err != nil {
			return cferrors.IntegrityViolationf("erofs: %v", err)
		}
		return walkDirent(image, dirInode.DirentOffset, dirInode.DirentSize, out, visited)

	case inodeTagCompact:
		if offset+compactInodeSize > uint64(len(image)) {
			return cferrors.IntegrityViolationf("erofs: compact inode at %d truncated", offset)
		}
		fi, err := unmarshalCompactInode(image[offset : offset+compactInodeSize])
		if err != nil {
			return cferrors.IntegrityViolationf("erofs: %v", err)
		}
		if fi.FileType == FileTypeRegular && fi.XattrOffset != noXattr {
			end := uint64(fi.XattrOffset) + digest.Size
			if end > uint64(len(image)) {
				return cferrors.IntegrityViolationf("erofs: xattr digest at %d truncated", fi.XattrOffset)
			}
			var d digest.VerityDigest
			copy(d[:], image[fi.XattrOffset:end])
			out[d] = struct{}{}
		}
		return nil

	default:
		return cferrors.IntegrityViolationf("erofs: unknown inode tag %d at offset %d", kind, offset)
	}
}

func walkDirent(image []byte, offset, size uint64, out map[digest.VerityDigest]struct{}, visited map[uint64]bool) error {
	if offset+size > uint64(len(image)) {
		return cferrors.IntegrityViolationf("erofs: dirent block at %d truncated", offset)
	}
	block := image[offset : offset+size]
	if len(block) < direntHeaderSize {
		return nil // empty directory
	}

	// The first header's NameOffset is, by construction, exactly the
	// number of children times direntHeaderSize (serialize.go's cursor
	// starts there), which marks where the header region ends and the
	// packed name table begins.
	first := unmarshalDirentHeader(block[:direntHeaderSize])
	headerRegionEnd := uint64(first.NameOffset)
	if headerRegionEnd == 0 || headerRegionEnd > uint64(len(block)) || headerRegionEnd%direntHeaderSize != 0 {
		return cferrors.IntegrityViolationf("erofs: dirent header region size %d invalid", headerRegionEnd)
	}

	var headers []direntHeader
	for pos := uint64(0); pos < headerRegionEnd; pos += direntHeaderSize {
		headers = append(headers, unmarshalDirentHeader(block[pos:pos+direntHeaderSize]))
	}

	for _, h := range headers {
		if err := walkInode(image, h.InodeOffset, out, visited); err != nil {
			return err
		}
	}
	return nil
}
