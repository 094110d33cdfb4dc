package erofs

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
	"github.com/shawn111/composefs-repo/pkg/digest"
	"github.com/shawn111/composefs-repo/splitstream"
)

// scaffoldEntry is one tar member recovered from a layer's split stream,
// with its payload still expressed as either inline bytes or an external
// object reference — the builder never needs to read real file content,
// only the header metadata and the digest that stands in for it.
type scaffoldEntry struct {
	Name       string
	Typeflag   byte
	Mode       int64
	Uid, Gid   int
	Size       int64
	MtimeSec   int64
	Linkname   string
	HasContent bool // false for directories and zero-length entries
	External   bool
	ObjectDig  digest.VerityDigest
	Inline     []byte
}

// decodeScaffold walks a layer's split-stream bytes and recovers its tar
// structure. It relies on EncodeTar's own discipline of never coalescing
// a tar member's header bytes with its neighbors: each member yields
// exactly one header block, then at most one body block.
func decodeScaffold(r io.Reader) ([]scaffoldEntry, error) {
	sr, err := splitstream.NewReader(r)
	if err != nil {
		return nil, err
	}

	var entries []scaffoldEntry
	for {
		headerBlock, err := sr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if headerBlock.IsExternal {
			return nil, cferrors.IntegrityViolationf("scaffold: tar header block was external")
		}

		hdr, err := parseTarHeader(headerBlock.Inline)
		if err == io.EOF {
			// EncodeTar appends the tar format's own trailing
			// end-of-archive terminator (two zero blocks, plus any
			// further record-size padding) as one final inline block so
			// decode_with_substitution reconstructs it verbatim; a tar
			// reader sees nothing but zero blocks here and reports EOF
			// rather than a real header. It is never followed by a body
			// block, so just stop.
			return entries, nil
		}
		if err != nil {
			return nil, cferrors.IntegrityViolationf("scaffold: %v", err)
		}

		se := scaffoldEntry{
			Name:     path.Clean("/" + hdr.Name),
			Typeflag: hdr.Typeflag,
			Mode:     hdr.Mode,
			Uid:      hdr.Uid,
			Gid:      hdr.Gid,
			Size:     hdr.Size,
			MtimeSec: hdr.ModTime.Unix(),
			Linkname: hdr.Linkname,
		}

		if hdr.Size > 0 {
			body, err := sr.Next()
			if err == io.EOF {
				return nil, cferrors.IntegrityViolationf("scaffold: missing body for %q", hdr.Name)
			}
			if err != nil {
				return nil, err
			}
			se.HasContent = true
			if body.IsExternal {
				se.External = true
				se.ObjectDig = body.External
			} else {
				if int64(len(body.Inline)) < hdr.Size {
					return nil, cferrors.IntegrityViolationf("scaffold: inline body shorter than header size for %q", hdr.Name)
				}
				se.Inline = body.Inline[:hdr.Size]
			}
		}

		entries = append(entries, se)
	}
}

// parseTarHeader decodes a single tar member's header block(s) — which
// may include a preceding PAX or GNU long-name extension entry — as
// EncodeTar captured them verbatim from the input archive.
func parseTarHeader(raw []byte) (*tar.Header, error) {
	tr := tar.NewReader(bytes.NewReader(raw))
	return tr.Next()
}

// node is one path in the merged virtual filesystem tree.
type node struct {
	Name     string // basename
	Typeflag byte
	Mode     int64
	Uid, Gid int
	MtimeSec int64
	Linkname string

	HasContent bool
	External   bool
	ObjectDig  digest.VerityDigest
	Inline     []byte

	// AliasOf points at the primary node a hardlink alias shares its
	// inode with. Nil for ordinary nodes and for the primary itself.
	AliasOf *node

	children map[string]*node
}

func newDirNode() *node {
	return &node{Typeflag: tar.TypeDir, Mode: 0755, children: make(map[string]*node)}
}

func (n *node) isDir() bool { return n.Typeflag == tar.TypeDir }

func (n *node) sortedChildNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tree is the merge state threaded across all layers of one image build.
type tree struct {
	root         *node
	explicitRoot bool
	maxMtimeSec  int64
}

func newTree() *tree {
	return &tree{root: newDirNode()}
}

func (t *tree) observeMtime(sec int64) {
	if sec > t.maxMtimeSec {
		t.maxMtimeSec = sec
	}
}

// lookup returns the node at an already-cleaned absolute path, or nil.
func (t *tree) lookup(cleanPath string) *node {
	if cleanPath == "/" {
		return t.root
	}
	parts := strings.Split(strings.TrimPrefix(cleanPath, "/"), "/")
	cur := t.root
	for _, part := range parts {
		if cur == nil || cur.children == nil {
			return nil
		}
		cur = cur.children[part]
	}
	return cur
}

// ensureParentDirs walks from root to the parent of cleanPath, creating
// implicit directories with default metadata for any missing ancestor.
func (t *tree) ensureParentDirs(cleanPath string) *node {
	dir := path.Dir(cleanPath)
	if dir == "/" || dir == "." {
		return t.root
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	cur := t.root
	for _, part := range parts {
		if cur.children == nil {
			cur.children = make(map[string]*node)
		}
		child, ok := cur.children[part]
		if !ok || child == nil {
			child = newDirNode()
			child.Name = part
			cur.children[part] = child
		}
		cur = child
	}
	return cur
}

func (t *tree) setChild(parent *node, name string, n *node) {
	if parent.children == nil {
		parent.children = make(map[string]*node)
	}
	n.Name = name
	parent.children[name] = n
}

// removeChild deletes a name from its parent, used by whiteout markers.
func (t *tree) removeChild(parent *node, name string) {
	if parent.children != nil {
		delete(parent.children, name)
	}
}

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// applyLayer merges one layer's decoded scaffold entries into t, in
// stream order, per the whiteout/opaque/hardlink rules.
func (t *tree) applyLayer(entries []scaffoldEntry) error {
	for _, e := range entries {
		clean := path.Clean("/" + strings.TrimPrefix(e.Name, "./"))
		base := path.Base(clean)
		dirPath := path.Dir(clean)

		if base == opaqueMarker {
			dirNode := t.lookup(dirPath)
			if dirNode != nil {
				dirNode.children = make(map[string]*node)
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := strings.TrimPrefix(base, whiteoutPrefix)
			parent := t.lookup(dirPath)
			if parent != nil {
				t.removeChild(parent, target)
			}
			continue
		}

		t.observeMtime(e.MtimeSec)

		if clean == "/" {
			t.root = t.nodeFromEntry(e, t.root.children)
			t.explicitRoot = true
			continue
		}

		parent := t.ensureParentDirs(clean)

		switch e.Typeflag {
		case tar.TypeDir:
			existing := parent.children[base]
			var children map[string]*node
			if existing != nil && existing.isDir() {
				children = existing.children
			} else {
				children = make(map[string]*node)
			}
			n := t.nodeFromEntry(e, children)
			t.setChild(parent, base, n)

		case tar.TypeLink:
			targetClean := path.Clean("/" + strings.TrimPrefix(e.Linkname, "./"))
			primary := t.lookup(targetClean)
			if primary == nil {
				return cferrors.UnsupportedFormatf("hardlink %q references unknown path %q", clean, e.Linkname)
			}
			if primary.AliasOf != nil {
				primary = primary.AliasOf
			}
			alias := &node{
				Typeflag: primary.Typeflag,
				Mode:     primary.Mode,
				Uid:      primary.Uid,
				Gid:      primary.Gid,
				MtimeSec: primary.MtimeSec,
				HasContent: primary.HasContent,
				External:   primary.External,
				ObjectDig:  primary.ObjectDig,
				Inline:     primary.Inline,
				AliasOf:    primary,
			}
			t.setChild(parent, base, alias)

		default:
			n := t.nodeFromEntry(e, nil)
			t.setChild(parent, base, n)
		}
	}
	return nil
}

func (t *tree) nodeFromEntry(e scaffoldEntry, children map[string]*node) *node {
	ft := e.Typeflag
	if ft == 0 {
		ft = tar.TypeReg
	}
	return &node{
		Typeflag:   ft,
		Mode:       e.Mode,
		Uid:        e.Uid,
		Gid:        e.Gid,
		MtimeSec:   e.MtimeSec,
		Linkname:   e.Linkname,
		HasContent: e.HasContent,
		External:   e.External,
		ObjectDig:  e.ObjectDig,
		Inline:     e.Inline,
		children:   children,
	}
}

// buildTreeFromLayers runs decodeScaffold + applyLayer over every layer in
// order (base first), as the image builder's merge step.
func buildTreeFromLayers(layers []io.Reader) (*tree, error) {
	t := newTree()
	for i, layer := range layers {
		entries, err := decodeScaffold(layer)
		if err != nil {
			return nil, cferrors.IntegrityViolationf("layer %d: %v", i, err)
		}
		if err := t.applyLayer(entries); err != nil {
			return nil, err
		}
	}
	if !t.explicitRoot {
		applyDefaultRootInode(t.root, t.maxMtimeSec)
	}
	return t, nil
}

// DefaultRootInode reports the metadata this builder synthesizes for the
// root directory when no layer contains an explicit entry for "/":
// owner 0:0, mode 0555, and mtime set by the caller to the max mtime
// observed across the merged tree. It is exported so callers (and tests)
// can assert against the resolved Open Question from the design notes
// without reaching into unexported tree internals.
func DefaultRootInode(maxMtimeSec int64) (mode int64, uid, gid int, mtimeSec int64) {
	return 0o555, 0, 0, maxMtimeSec
}

func applyDefaultRootInode(root *node, maxMtimeSec int64) {
	mode, uid, gid, mtime := DefaultRootInode(maxMtimeSec)
	root.Mode = mode
	root.Uid = uid
	root.Gid = gid
	root.MtimeSec = mtime
}
