// Package tarindex performs the single streaming pass over a POSIX tar
// archive that builds a ccindex.Index while feeding every byte through
// the archive's Hasher, so the resulting digest covers exactly the
// bytes the index claims to describe.
package tarindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
	"github.com/container-investigations/cc-fs/pkg/ccindex"
)

const pageSize = 4096

// progressEvery controls how often a debug line is emitted while
// indexing large archives; it has no effect on the resulting Index.
const progressEvery = 4096

// TarIndexer consumes a tar byte stream exactly once and produces a
// ccindex.Index. It holds the staged Inode and Extra that accumulate
// PAX/GNU overlays until the item header that they describe arrives.
type TarIndexer struct {
	r   *bufio.Reader
	idx *ccindex.Index

	header [512]byte
	inode  ccindex.Inode
	extra  ccindex.Extra

	offset    uint64 // current position in the archive, in 512-byte blocks
	processed uint64
}

// New wraps r for indexing. r is read forward-only and exactly once.
func New(r io.Reader) *TarIndexer {
	return &TarIndexer{
		r:   bufio.NewReaderSize(r, 256*1024),
		idx: ccindex.New(),
	}
}

// Index runs the full one-pass scan and returns the built Index. The
// returned Index has not had Process called on it; the caller (or a
// later load) is responsible for that before serving it.
func (ti *TarIndexer) Index() (*ccindex.Index, error) {
	consecutiveZero := 0

	for {
		_, err := io.ReadFull(ti.r, ti.header[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: read tar header: %v", ccerrors.ErrIo, err)
		}

		if err := ti.idx.Hasher.Measure(ti.header[:]); err != nil {
			return nil, err
		}
		ti.offset++

		typeflag := ti.header[offTypeflag]
		if typeflag == 0 {
			consecutiveZero++
			if consecutiveZero >= 2 {
				break
			}
			continue
		}
		consecutiveZero = 0

		size, err := parseOctal(ti.header[offSize : offSize+12])
		if err != nil {
			return nil, fmt.Errorf("tarindex: parse size at block %d: %w", ti.offset, err)
		}
		rsize := ceilTo512(size)

		switch typeflag {
		case 'x':
			if err := ti.parsePaxHeader(rsize); err != nil {
				return nil, err
			}
		case 'L', 'K':
			if err := ti.parseGNU(typeflag, size, rsize); err != nil {
				return nil, err
			}
		case '0', '1', '2', '5':
			if err := ti.parseItem(typeflag, size, rsize); err != nil {
				return nil, err
			}
			ti.processed++
			if ti.processed%progressEvery == 0 {
				log.Debug().Uint64("entries", ti.processed).Msg("tarindex: progress")
			}
		default:
			return nil, fmt.Errorf("%w: %q", ccerrors.ErrUnsupportedTypeflag, typeflag)
		}

		ti.offset += rsize / 512
	}

	if _, err := ti.idx.Hasher.Finalize(); err != nil {
		return nil, err
	}

	return ti.idx, nil
}

// parsePaxHeader reads and measures the PAX extended header payload and
// applies its recognized fields to the staged inode/extra.
func (ti *TarIndexer) parsePaxHeader(rsize uint64) error {
	buf := make([]byte, rsize)
	if _, err := io.ReadFull(ti.r, buf); err != nil {
		return fmt.Errorf("%w: read pax header: %v", ccerrors.ErrIo, err)
	}
	if err := ti.idx.Hasher.Measure(buf); err != nil {
		return err
	}

	records, err := parsePaxRecords(buf)
	if err != nil {
		return err
	}

	for _, rec := range records {
		switch rec.key {
		case "path":
			parent, name := ccindex.SplitPath(ensureAbsolute(string(rec.value)))
			ti.inode.Parent = parent
			ti.inode.Name = name
		case "linkpath":
			ti.extra.Link = ensureAbsolute(string(rec.value))
		case "uname":
			ti.extra.Uname = string(rec.value)
		case "gname":
			ti.extra.Gname = string(rec.value)
		case "mtime":
			v, err := parseDecimal(rec.value)
			if err != nil {
				return fmt.Errorf("tarindex: pax mtime: %w", err)
			}
			ti.inode.Mtime = int64(v)
		case "uid":
			v, err := parseOctal(rec.value)
			if err != nil {
				return fmt.Errorf("tarindex: pax uid: %w", err)
			}
			ti.inode.Uid = uint32(v)
		case "gid":
			v, err := parseOctal(rec.value)
			if err != nil {
				return fmt.Errorf("tarindex: pax gid: %w", err)
			}
			ti.inode.Gid = uint32(v)
		default:
			return fmt.Errorf("%w: %s", ccerrors.ErrUnsupportedPaxField, rec.key)
		}
	}
	return nil
}

// parseGNU reads and measures a GNU long-name ('L') or long-link ('K')
// payload and applies it to the staged inode/extra.
func (ti *TarIndexer) parseGNU(typeflag byte, size, rsize uint64) error {
	buf := make([]byte, rsize)
	if _, err := io.ReadFull(ti.r, buf); err != nil {
		return fmt.Errorf("%w: read gnu payload: %v", ccerrors.ErrIo, err)
	}
	if err := ti.idx.Hasher.Measure(buf); err != nil {
		return err
	}
	if size > uint64(len(buf)) {
		return fmt.Errorf("%w: gnu payload size exceeds padded length", ccerrors.ErrMalformedDecimal)
	}
	payload := cstring(buf[:size])

	switch typeflag {
	case 'L':
		parent, name := ccindex.SplitPath(payload)
		ti.inode.Parent = parent
		ti.inode.Name = name
	case 'K':
		ti.extra.Link = payload
	}
	return nil
}

// parseItem finalizes the staged inode from the raw header (filling in
// whatever PAX/GNU did not already set), hashes its content if it
// carries any, and appends it to the index.
func (ti *TarIndexer) parseItem(typeflag byte, size, rsize uint64) error {
	if err := ti.populateHeaderDefaults(size); err != nil {
		return err
	}

	switch typeflag {
	case '0':
		ti.inode.Typeflag = ccindex.RegularFile
	case '1':
		ti.inode.Typeflag = ccindex.HardLink
	case '2':
		ti.inode.Typeflag = ccindex.SymLink
	case '5':
		ti.inode.Typeflag = ccindex.Directory
	}

	if !ti.extra.IsEmpty() {
		extraCopy := ti.extra
		ti.inode.Extra = &extraCopy
	}

	if typeflag == '0' {
		pos, err := ti.idx.Hasher.SaveState()
		if err != nil {
			return err
		}
		ti.inode.HashIndex = pos
		ti.inode.Offset = ti.offset
	}

	if err := ti.readContentPages(rsize); err != nil {
		return err
	}

	ti.idx.Inodes = append(ti.idx.Inodes, ti.inode)
	ti.inode = ccindex.Inode{}
	ti.extra = ccindex.Extra{}
	return nil
}

// readContentPages reads and hashes rsize bytes of item content in
// 4096-byte pages, saving a hash snapshot after each one (including a
// final short page), so every regular file ends up with exactly
// ceil(size/4096)+1 snapshots counting the one taken before its first
// byte of content.
func (ti *TarIndexer) readContentPages(rsize uint64) error {
	full := rsize / pageSize
	buf := make([]byte, pageSize)

	for i := uint64(0); i < full; i++ {
		if _, err := io.ReadFull(ti.r, buf); err != nil {
			return fmt.Errorf("%w: read content page: %v", ccerrors.ErrIo, err)
		}
		if err := ti.idx.Hasher.Measure(buf); err != nil {
			return err
		}
		if _, err := ti.idx.Hasher.SaveState(); err != nil {
			return err
		}
	}

	remaining := rsize % pageSize
	if remaining > 0 {
		rbuf := buf[:remaining]
		if _, err := io.ReadFull(ti.r, rbuf); err != nil {
			return fmt.Errorf("%w: read final content page: %v", ccerrors.ErrIo, err)
		}
		if err := ti.idx.Hasher.Measure(rbuf); err != nil {
			return err
		}
		if _, err := ti.idx.Hasher.SaveState(); err != nil {
			return err
		}
	}

	return nil
}

// populateHeaderDefaults fills every inode field the raw USTAR header
// carries, but only where a PAX or GNU overlay has not already set it.
func (ti *TarIndexer) populateHeaderDefaults(size uint64) error {
	if ti.inode.Uid == 0 {
		v, err := parseOctal(ti.header[offUid : offUid+8])
		if err != nil {
			return fmt.Errorf("tarindex: uid: %w", err)
		}
		ti.inode.Uid = uint32(v)
	}
	if ti.inode.Gid == 0 {
		v, err := parseOctal(ti.header[offGid : offGid+8])
		if err != nil {
			return fmt.Errorf("tarindex: gid: %w", err)
		}
		ti.inode.Gid = uint32(v)
	}
	if ti.inode.Mtime == 0 {
		v, err := parseOctal(ti.header[offMtime : offMtime+12])
		if err != nil {
			return fmt.Errorf("tarindex: mtime: %w", err)
		}
		ti.inode.Mtime = int64(v)
	}

	if ti.header[offGname] != 0 && ti.extra.Gname == "" {
		ti.extra.Gname = cstring(ti.header[offGname : offGname+32])
	}
	if ti.header[offUname] != 0 && ti.extra.Uname == "" {
		ti.extra.Uname = cstring(ti.header[offUname : offUname+32])
	}

	ti.inode.Size = size

	if ti.inode.Name == "" {
		var full []byte
		if ti.header[offPrefix] != 0 {
			full = append(full, []byte(cstring(ti.header[offPrefix:offPrefix+155]))...)
			full = append(full, '/')
		}
		full = append(full, []byte(cstring(ti.header[offName:offName+100]))...)
		parent, name := ccindex.SplitPath(string(full))
		ti.inode.Parent = parent
		ti.inode.Name = name
	}

	ti.inode.Depth = ccindex.DepthOf(ti.inode.Parent)

	if ti.header[offLinkname] != 0 && ti.extra.Link == "" {
		ti.extra.Link = cstring(ti.header[offLinkname : offLinkname+100])
	}

	mode, err := parseOctal(ti.header[offMode : offMode+8])
	if err != nil {
		return fmt.Errorf("tarindex: mode: %w", err)
	}
	ti.inode.Mode = uint32(mode)

	return nil
}

// IndexTar is a convenience wrapper: it runs a full TarIndexer pass over
// r and returns the resulting unsorted, unprocessed Index.
func IndexTar(r io.Reader) (*ccindex.Index, error) {
	return New(r).Index()
}
