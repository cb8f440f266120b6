package ccfs

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/container-investigations/cc-fs/pkg/ccindex"
)

// maxNameLength is the longest name Lookup will accept, per §4.4.
const maxNameLength = 255

// fsNode is one kernel-visible inode: an embedded fs.Inode plus the
// position of the entry it describes in the shared Index.
type fsNode struct {
	fs.Inode
	srv *Server
	ino int
}

var (
	_ fs.NodeLookuper  = (*fsNode)(nil)
	_ fs.NodeGetattrer = (*fsNode)(nil)
	_ fs.NodeReaddirer = (*fsNode)(nil)
	_ fs.NodeReadlinker = (*fsNode)(nil)
	_ fs.NodeOpener    = (*fsNode)(nil)
	_ fs.NodeReader    = (*fsNode)(nil)
)

func (n *fsNode) entry() *ccindex.Inode {
	return &n.srv.idx.Inodes[n.ino]
}

// Lookup resolves name within the directory n. A matched hard link is
// substituted with its already-resolved target per §4.4: both the
// reported inode number and its attributes belong to the target, not
// the link itself. A dangling or cyclic hard link falls back to
// reporting the link entry's own (unresolved) attributes.
func (n *fsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if len(name) > maxNameLength {
		return nil, syscall.ENAMETOOLONG
	}

	parent := n.entry()
	if parent.Typeflag != ccindex.Directory {
		return nil, syscall.ENOENT
	}

	childPos, ok := n.srv.idx.ChildByName(n.ino, name)
	if !ok {
		return nil, syscall.ENOENT
	}

	reportIno := childPos
	if n.srv.idx.Inodes[childPos].Typeflag == ccindex.HardLink {
		if resolved := n.srv.idx.GetHardLinkTarget(childPos); resolved != 0 {
			reportIno = resolved
		}
	}

	attr := n.srv.attrFor(reportIno)
	out.Attr = attr
	child := n.NewInode(ctx, &fsNode{srv: n.srv, ino: reportIno}, fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})
	return child, fs.OK
}

// Getattr resolves hard links (a defensive no-op for everything else)
// before returning attributes, since a hard link's own inode number is
// never exposed to the kernel but the method must still behave
// correctly if called with one.
func (n *fsNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	resolved := n.srv.idx.GetHardLinkTarget(n.ino)
	if resolved == 0 || resolved >= len(n.srv.idx.Inodes) {
		return syscall.ENOENT
	}
	out.Attr = n.srv.attrFor(resolved)
	return fs.OK
}

// Readdir yields "." and ".." followed by the directory's children in
// index order, addressed by their raw (non-hard-link-resolved) inode
// number — lookup dereferences hard links, readdir does not.
func (n *fsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	self := n.entry()
	if self.Typeflag != ccindex.Directory {
		return nil, syscall.ENOTDIR
	}

	idx := n.srv.idx
	entries := make([]fuse.DirEntry, 0, 2+int(self.NumChildren))
	entries = append(entries, fuse.DirEntry{Name: ".", Ino: uint64(n.ino), Mode: kindBits(ccindex.Directory)})

	parentPos, err := idx.Find(self.Parent, 0, n.ino)
	if err != nil {
		log.Error().Str("parent", self.Parent).Int("ino", n.ino).Msg("ccfs: readdir could not locate parent")
		return nil, syscall.EIO
	}
	entries = append(entries, fuse.DirEntry{Name: "..", Ino: uint64(parentPos), Mode: kindBits(ccindex.Directory)})

	lo := int(self.ChildInode)
	hi := lo + int(self.NumChildren)
	for i := lo; i < hi; i++ {
		child := &idx.Inodes[i]
		entries = append(entries, fuse.DirEntry{
			Name: child.Name,
			Ino:  uint64(i),
			Mode: kindBits(child.Typeflag),
		})
	}

	return fs.NewListDirStream(entries), fs.OK
}

// Readlink returns a symlink's stored target verbatim.
func (n *fsNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	e := n.entry()
	if e.Typeflag != ccindex.SymLink || e.Extra == nil || e.Extra.Link == "" {
		return nil, syscall.ENOENT
	}
	return []byte(e.Extra.Link), fs.OK
}

// Open allocates the next file handle. The handle is never consulted by
// Read, which addresses content purely from the node's own inode
// position, so it is not returned to the kernel.
func (n *fsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	e := n.entry()
	if e.Typeflag != ccindex.RegularFile && e.Typeflag != ccindex.HardLink {
		return nil, 0, syscall.ENOENT
	}
	atomic.AddUint64(&n.srv.nextFH, 1)
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}
