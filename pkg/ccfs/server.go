// Package ccfs serves a ccindex.Index and its backing tar file as a
// read-only FUSE filesystem, verifying every page of file content
// against the index's saved hash states as it is read.
package ccfs

import (
	"fmt"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
	"github.com/container-investigations/cc-fs/pkg/ccindex"
)

// Server holds the immutable, fully processed Index and the open tar
// file backing it. After construction neither field is ever mutated;
// the only mutable state is nextFH, which is only ever incremented.
type Server struct {
	idx   *ccindex.Index
	tar   *os.File
	nextFH uint64
}

// New loads idx for serving: it processes the index (sorting inodes,
// linking directory child runs, resolving hard links) and opens tar for
// positional reads. Process is idempotent, so idx may already have been
// processed.
func New(idx *ccindex.Index, tarPath string) (*Server, error) {
	if err := idx.Process(); err != nil {
		return nil, fmt.Errorf("ccfs: prepare index: %w", err)
	}
	idx.TrimExcess()

	f, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open backing tar: %v", ccerrors.ErrIo, err)
	}

	return &Server{idx: idx, tar: f, nextFH: 1}, nil
}

// Close releases the backing tar file handle.
func (s *Server) Close() error {
	return s.tar.Close()
}

// Root returns the filesystem's root InodeEmbedder, for fs.NewNodeFS.
func (s *Server) Root() fs.InodeEmbedder {
	return &fsNode{srv: s, ino: 1}
}

// Mount starts serving s at mountpoint with the fixed option set
// mandated for cc-fs: default_permissions, read-only, suid, exec,
// noatime, async. It returns the running fuse.Server; callers should
// call Wait on it (or Unmount to stop early).
func Mount(s *Server, mountpoint string) (*fuse.Server, error) {
	attrTimeout := time.Second
	entryTimeout := time.Second

	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			FsName:        "cc-fs",
			Name:          "cc-fs",
			AllowOther:    false,
			Options:       []string{"default_permissions", "ro", "suid", "exec", "noatime", "async"},
			MaxBackground: 128,
		},
	}

	server, err := fs.Mount(mountpoint, s.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: mount cc-fs: %v", ccerrors.ErrIo, err)
	}

	log.Info().Str("mountpoint", mountpoint).Msg("ccfs: mounted")
	return server, nil
}
