package ccfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
	"github.com/container-investigations/cc-fs/pkg/ccindex"
)

// Read implements §4.4's page-aligned, verified read: it fetches the
// smallest 512-byte-aligned span covering every 4096-byte page touched
// by [offset, offset+size), verifies each page against the hash state
// the builder saved for it, and hands back exactly the requested slice.
//
// A verification failure is fatal: rather than risk returning tampered
// bytes, the process aborts outright, per §7.
func (n *fsNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	e := n.entry()
	if e.Typeflag != ccindex.RegularFile && e.Typeflag != ccindex.HardLink {
		return nil, syscall.ENOENT
	}

	if off >= int64(e.Size) {
		return fuse.ReadResultData(dest[:0]), fs.OK
	}

	size := int64(len(dest))
	if remaining := int64(e.Size) - off; size > remaining {
		size = remaining
	}

	pageStart := (off / pageSize) * pageSize
	end := off + size
	bytes := end - pageStart
	bufSize := (bytes + 511) / 512 * 512

	buf := make([]byte, bufSize)
	tarOffset := int64(e.Offset)*512 + pageStart

	// The full buf_size span is fetched, including any trailing
	// alignment padding past bytes: that padding still lies inside the
	// file's own zero-padded final tar block, and Verify needs the
	// complete page the builder hashed, not a partial prefix of it.
	if _, err := n.srv.tar.ReadAt(buf, tarOffset); err != nil {
		log.Error().Err(err).Int64("offset", tarOffset).Msg("ccfs: read backing tar")
		return nil, syscall.EIO
	}

	pageNum := uint32(pageStart/pageSize) + e.HashIndex
	for pos := 0; pos < len(buf); pos += pageSize {
		pageEnd := pos + pageSize
		if pageEnd > len(buf) {
			pageEnd = len(buf)
		}
		ok, err := n.srv.idx.Hasher.Verify(pageNum, buf[pos:pageEnd])
		if err != nil || !ok {
			log.Fatal().Err(err).Uint32("page", pageNum).Msg(ccerrors.ErrIntegrityFailed.Error())
		}
		pageNum++
	}

	return fuse.ReadResultData(buf[off%pageSize : bytes]), fs.OK
}
