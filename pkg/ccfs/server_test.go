package ccfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-investigations/cc-fs/pkg/ccindex"
	"github.com/container-investigations/cc-fs/pkg/tarindex"
)

// A minimal USTAR header builder, mirroring pkg/tarindex's own test
// fixtures closely enough to exercise the server without depending on
// that package's unexported helpers.

const (
	testOffName     = 0
	testOffMode     = 100
	testOffUid      = 108
	testOffGid      = 116
	testOffSize     = 124
	testOffMtime    = 136
	testOffTypeflag = 156
	testOffLinkname = 157
	testOffMagic    = 257
)

func putTestOctal(field []byte, v uint64) {
	width := len(field) - 1
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = byte('0' + v%8)
		v /= 8
	}
	copy(field, digits)
}

func testHeader(name string, typeflag byte, size uint64, linkname string) []byte {
	h := make([]byte, 512)
	copy(h[testOffName:], name)
	putTestOctal(h[testOffMode:testOffMode+8], 0o644)
	putTestOctal(h[testOffUid:testOffUid+8], 1000)
	putTestOctal(h[testOffGid:testOffGid+8], 1000)
	putTestOctal(h[testOffSize:testOffSize+12], size)
	putTestOctal(h[testOffMtime:testOffMtime+12], 1700000000)
	h[testOffTypeflag] = typeflag
	copy(h[testOffLinkname:], linkname)
	copy(h[testOffMagic:], "ustar\x0000")
	return h
}

func pad512(b []byte) []byte {
	if r := len(b) % 512; r != 0 {
		b = append(b, make([]byte, 512-r)...)
	}
	return b
}

// buildTestServer writes a small tree to disk and returns the processed,
// ready-to-serve Server for it:
//
//	/hello.txt       (13 bytes, "Hello, world!")
//	/dir/nested.txt  (4 bytes, "abcd")
//	/dir/link.txt    -> hard link to /hello.txt
//	/sym              symlink to hello.txt
func buildTestServer(t *testing.T) *Server {
	t.Helper()

	var archive bytes.Buffer
	helloContent := []byte("Hello, world!")
	archive.Write(testHeader("hello.txt", '0', uint64(len(helloContent)), ""))
	archive.Write(pad512(append([]byte{}, helloContent...)))

	archive.Write(testHeader("dir/", '5', 0, ""))

	nestedContent := []byte("abcd")
	archive.Write(testHeader("dir/nested.txt", '0', uint64(len(nestedContent)), ""))
	archive.Write(pad512(append([]byte{}, nestedContent...)))

	archive.Write(testHeader("dir/link.txt", '1', 0, "hello.txt"))

	archive.Write(testHeader("sym", '2', 0, "hello.txt"))

	archive.Write(make([]byte, 1024)) // two zero headers: end of archive

	idx, err := tarindex.IndexTar(&archive)
	require.NoError(t, err)

	dir := t.TempDir()
	tarPath := filepath.Join(dir, "archive.tar")
	require.NoError(t, os.WriteFile(tarPath, archive.Bytes(), 0o644))

	srv, err := New(idx, tarPath)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return srv
}

// rootNode returns the server's root fsNode, wired through fs.NewNodeFS
// so that NewInode calls on it behave as they would under a real mount.
func rootNode(t *testing.T, srv *Server) *fsNode {
	t.Helper()
	root := srv.Root()
	_ = fs.NewNodeFS(root, &fs.Options{})
	return root.(*fsNode)
}

func TestServerReaddirListsRootChildren(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, fs.OK, errno)

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, fs.OK, errno)
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{".", "..", "hello.txt", "dir", "sym"}, names)
}

func TestServerLookupAndReadRegularFile(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	child, errno := root.Lookup(ctx, "hello.txt", &entryOut)
	require.Equal(t, fs.OK, errno)
	require.NotNil(t, child)

	node := child.Operations().(*fsNode)
	assert.EqualValues(t, 13, entryOut.Attr.Size)

	dest := make([]byte, 32)
	result, errno := node.Read(ctx, nil, dest, 0)
	require.Equal(t, fs.OK, errno)

	data, status := result.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "Hello, world!", string(data))
}

func TestServerReadPartialRange(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	child, errno := root.Lookup(ctx, "hello.txt", &entryOut)
	require.Equal(t, fs.OK, errno)
	node := child.Operations().(*fsNode)

	dest := make([]byte, 5)
	result, errno := node.Read(ctx, nil, dest, 7)
	require.Equal(t, fs.OK, errno)

	data, status := result.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "world", string(data))
}

func TestServerReadPastEOFReturnsEmpty(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	child, errno := root.Lookup(ctx, "hello.txt", &entryOut)
	require.Equal(t, fs.OK, errno)
	node := child.Operations().(*fsNode)

	dest := make([]byte, 16)
	result, errno := node.Read(ctx, nil, dest, 13)
	require.Equal(t, fs.OK, errno)

	data, status := result.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Empty(t, data)
}

func TestServerLookupRejectsOverlongName(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)

	longName := make([]byte, 256)
	for i := range longName {
		longName[i] = 'a'
	}

	var entryOut fuse.EntryOut
	_, errno := root.Lookup(context.Background(), string(longName), &entryOut)
	assert.Equal(t, syscall.ENAMETOOLONG, errno)
}

func TestServerReadlinkReturnsTarget(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var entryOut fuse.EntryOut
	child, errno := root.Lookup(ctx, "sym", &entryOut)
	require.Equal(t, fs.OK, errno)
	node := child.Operations().(*fsNode)

	target, errno := node.Readlink(ctx)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "hello.txt", string(target))
}

func TestServerHardLinkLookupResolvesToTarget(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var dirEntryOut fuse.EntryOut
	dirChild, errno := root.Lookup(ctx, "dir", &dirEntryOut)
	require.Equal(t, fs.OK, errno)
	dirNode := dirChild.Operations().(*fsNode)

	var linkEntryOut fuse.EntryOut
	linkChild, errno := dirNode.Lookup(ctx, "link.txt", &linkEntryOut)
	require.Equal(t, fs.OK, errno)
	linkNode := linkChild.Operations().(*fsNode)

	var helloEntryOut fuse.EntryOut
	helloChild, errno := root.Lookup(ctx, "hello.txt", &helloEntryOut)
	require.Equal(t, fs.OK, errno)

	// A hard link is looked up as its resolved target: same reported
	// inode number and attributes as looking up the target directly.
	assert.Equal(t, helloEntryOut.Attr.Ino, linkEntryOut.Attr.Ino)
	assert.Equal(t, helloEntryOut.Attr.Size, linkEntryOut.Attr.Size)

	dest := make([]byte, 32)
	result, errno := linkNode.Read(ctx, nil, dest, 0)
	require.Equal(t, fs.OK, errno)
	data, status := result.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "Hello, world!", string(data))
}

func TestServerGetattrOnDirectory(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)
	ctx := context.Background()

	var out fuse.AttrOut
	errno := root.Getattr(ctx, nil, &out)
	require.Equal(t, fs.OK, errno)
	assert.EqualValues(t, pageSize, out.Attr.Size)
}

func TestServerOpenRejectsDirectory(t *testing.T) {
	srv := buildTestServer(t)
	root := rootNode(t, srv)

	_, _, errno := root.Open(context.Background(), 0)
	assert.NotEqual(t, fs.OK, errno)
}
