package ccindex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSimple constructs:
//
//	/
//	  a/
//	    b/
//	      c.txt
//	  hello.txt
func buildSimple(t *testing.T) *Index {
	t.Helper()
	idx := New()

	idx.Inodes = append(idx.Inodes,
		Inode{Typeflag: Directory, Name: "a", Parent: "/", Depth: DepthOf("/"), Mode: 0o755, Links: 2},
		Inode{Typeflag: Directory, Name: "b", Parent: "/a/", Depth: DepthOf("/a/"), Mode: 0o755, Links: 2},
		Inode{Typeflag: RegularFile, Name: "c.txt", Parent: "/a/b/", Depth: DepthOf("/a/b/"), Size: 3, Links: 1},
		Inode{Typeflag: RegularFile, Name: "hello.txt", Parent: "/", Depth: DepthOf("/"), Size: 5, Links: 1},
	)

	require.NoError(t, idx.Process())
	return idx
}

func TestProcessOrdersAndLinksChildren(t *testing.T) {
	idx := buildSimple(t)

	for i := 1; i < len(idx.Inodes); i++ {
		if i == 1 {
			continue
		}
		a, b := &idx.Inodes[i-1], &idx.Inodes[i]
		assert.LessOrEqual(t, compareKey(a.Depth, a.Parent, a.Name, b), 0, "entries must be non-decreasing")
	}

	root := idx.Inodes[1]
	assert.EqualValues(t, 2, root.ChildInode)
	assert.EqualValues(t, 2, root.NumChildren) // a/ and hello.txt

	aIdx, err := idx.Find("/a", 1, len(idx.Inodes))
	require.NoError(t, err)
	a := idx.Inodes[aIdx]
	assert.EqualValues(t, 1, a.NumChildren) // b/

	bIdx, err := idx.Find("/a/b", 1, len(idx.Inodes))
	require.NoError(t, err)
	b := idx.Inodes[bIdx]
	assert.EqualValues(t, 1, b.NumChildren) // c.txt
}

func TestFindResolvesNestedPaths(t *testing.T) {
	idx := buildSimple(t)

	root, err := idx.Find("/", 1, len(idx.Inodes))
	require.NoError(t, err)
	assert.Equal(t, 1, root)

	cIdx, err := idx.Find("/a/b/c.txt", 1, len(idx.Inodes))
	require.NoError(t, err)
	assert.Equal(t, "c.txt", idx.Inodes[cIdx].Name)

	_, err = idx.Find("/does/not/exist", 1, len(idx.Inodes))
	assert.Error(t, err)
}

func TestChildByName(t *testing.T) {
	idx := buildSimple(t)

	pos, ok := idx.ChildByName(1, "hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hello.txt", idx.Inodes[pos].Name)

	_, ok = idx.ChildByName(1, "missing")
	assert.False(t, ok)
}

func TestHardLinkResolutionIncrementsTargetLinks(t *testing.T) {
	idx := New()
	idx.Inodes = append(idx.Inodes,
		Inode{Typeflag: RegularFile, Name: "target.txt", Parent: "/", Depth: DepthOf("/"), Size: 4},
		Inode{Typeflag: HardLink, Name: "link.txt", Parent: "/", Depth: DepthOf("/"), Extra: &Extra{Link: "/target.txt"}},
	)
	require.NoError(t, idx.Process())

	targetIdx, err := idx.Find("/target.txt", 1, len(idx.Inodes))
	require.NoError(t, err)
	linkIdx, err := idx.Find("/link.txt", 1, len(idx.Inodes))
	require.NoError(t, err)

	assert.EqualValues(t, targetIdx, idx.Inodes[linkIdx].TargetIno)
	assert.EqualValues(t, 2, idx.Inodes[targetIdx].Links) // target itself + the one hard link

	resolved := idx.GetHardLinkTarget(linkIdx)
	assert.Equal(t, targetIdx, resolved)

	// Idempotent on a non-hardlink.
	assert.Equal(t, targetIdx, idx.GetHardLinkTarget(targetIdx))
}

func TestDanglingHardLinkResolvesToZero(t *testing.T) {
	idx := New()
	idx.Inodes = append(idx.Inodes,
		Inode{Typeflag: HardLink, Name: "broken.txt", Parent: "/", Depth: DepthOf("/"), Extra: &Extra{Link: "/missing.txt"}},
	)
	require.NoError(t, idx.Process())

	linkIdx, err := idx.Find("/broken.txt", 1, len(idx.Inodes))
	require.NoError(t, err)
	assert.EqualValues(t, 0, idx.Inodes[linkIdx].TargetIno)
	assert.Equal(t, 0, idx.GetHardLinkTarget(linkIdx))
}

func TestHardLinkToHardLinkOneHop(t *testing.T) {
	idx := New()
	idx.Inodes = append(idx.Inodes,
		Inode{Typeflag: RegularFile, Name: "real.txt", Parent: "/", Depth: DepthOf("/"), Size: 1},
		Inode{Typeflag: HardLink, Name: "link1.txt", Parent: "/", Depth: DepthOf("/"), Extra: &Extra{Link: "/real.txt"}},
		Inode{Typeflag: HardLink, Name: "link2.txt", Parent: "/", Depth: DepthOf("/"), Extra: &Extra{Link: "/link1.txt"}},
	)
	require.NoError(t, idx.Process())

	realIdx, _ := idx.Find("/real.txt", 1, len(idx.Inodes))
	link2Idx, _ := idx.Find("/link2.txt", 1, len(idx.Inodes))

	assert.Equal(t, realIdx, idx.GetHardLinkTarget(link2Idx))
}

func TestSaveLoadRoundTripPreservesFieldsAndDigest(t *testing.T) {
	// Mirrors the real pipeline: the builder never calls Process before
	// serializing, only the mount path does, after loading.
	idx := New()
	idx.Inodes = append(idx.Inodes,
		Inode{Typeflag: Directory, Name: "a", Parent: "/", Depth: DepthOf("/"), Mode: 0o755, Links: 2},
		Inode{Typeflag: RegularFile, Name: "hello.txt", Parent: "/", Depth: DepthOf("/"), Size: 5, Links: 1},
	)
	digest, err := idx.Hasher.Finalize()
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = idx.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := ReadFrom(&buf)
	require.NoError(t, err)
	require.NoError(t, loaded.Process())

	require.Equal(t, len(idx.Inodes), len(loaded.Inodes))
	helloIdx, err := loaded.Find("/hello.txt", 1, len(loaded.Inodes))
	require.NoError(t, err)
	assert.EqualValues(t, 5, loaded.Inodes[helloIdx].Size)
	assert.Equal(t, digest, loaded.Hasher.Digest)

	// Process must be idempotent.
	require.NoError(t, loaded.Process())
	root := loaded.Inodes[1]
	assert.EqualValues(t, 2, root.NumChildren)
}
