package ccfs

import (
	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/container-investigations/cc-fs/pkg/ccindex"
)

const pageSize = 4096

// kindBits returns the POSIX file-type bits (S_IFDIR/S_IFLNK/S_IFREG) for
// an entry's typeflag. HardLink maps to S_IFREG, same as RegularFile: by
// the time an entry reaches attribute reporting a hard link is either
// already resolved to its target (Lookup, Getattr) or reported verbatim
// with file semantics (Readdir).
func kindBits(t ccindex.Typeflag) uint32 {
	switch t {
	case ccindex.Directory:
		return unix.S_IFDIR
	case ccindex.SymLink:
		return unix.S_IFLNK
	default:
		return unix.S_IFREG
	}
}

// attrFor builds the FUSE attributes for the inode at position ino,
// following §4.4.1: directories report a fixed size of one page,
// symlinks report the length of their target, everything else reports
// its stored size.
func (s *Server) attrFor(ino int) fuse.Attr {
	e := &s.idx.Inodes[ino]

	var size uint64
	switch e.Typeflag {
	case ccindex.Directory:
		size = pageSize
	case ccindex.SymLink:
		if e.Extra != nil {
			size = uint64(len(e.Extra.Link))
		}
	default:
		size = e.Size
	}

	mtime := uint64(e.Mtime)

	var attr fuse.Attr
	attr.Ino = uint64(ino)
	attr.Size = size
	attr.Blocks = size / pageSize
	attr.Atime = mtime
	attr.Mtime = mtime
	attr.Ctime = mtime
	attr.Mode = kindBits(e.Typeflag) | (e.Mode & 0o7777)
	attr.Nlink = e.Links
	attr.Owner = fuse.Owner{Uid: e.Uid, Gid: e.Gid}
	attr.Blksize = pageSize
	return attr
}
