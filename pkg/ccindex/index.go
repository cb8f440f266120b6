// Package ccindex implements the on-disk, in-memory directory index: a
// flat, sorted array of Inodes plus the Hasher's saved compression
// states, searchable by path and ready to be served by pkg/ccfs.
package ccindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
	"github.com/container-investigations/cc-fs/pkg/hashchain"
)

// Index is the ordered sequence of Inodes plus the Hasher used to
// verify file content pages. Inodes[0] and Inodes[1] are both copies of
// the synthetic root, so that genuine entries start at index 2 while
// the kernel-visible root inode number stays 1.
type Index struct {
	Inodes []Inode
	Hasher *hashchain.Hasher
}

// New returns an Index seeded with the two root entries and a fresh
// Hasher, ready for a TarIndexer to append to.
func New() *Index {
	root := Inode{
		Typeflag: Directory,
		Name:     "/",
		Parent:   "",
		Depth:    DepthOf(""),
		Mode:     0o755,
		Links:    2,
	}
	return &Index{
		Inodes: []Inode{root, root},
		Hasher: hashchain.New(),
	}
}

func compareKey(depth int, parent, name string, b *Inode) int {
	if depth != b.Depth {
		if depth < b.Depth {
			return -1
		}
		return 1
	}
	if len(parent) != len(b.Parent) {
		if len(parent) < len(b.Parent) {
			return -1
		}
		return 1
	}
	if parent != b.Parent {
		if parent < b.Parent {
			return -1
		}
		return 1
	}
	if name != b.Name {
		if name < b.Name {
			return -1
		}
		return 1
	}
	return 0
}

func less(a, b *Inode) bool {
	return compareKey(a.Depth, a.Parent, a.Name, b) < 0
}

// Find resolves path to an absolute index in Inodes[lo:hi]. Index.Process
// must have sorted the relevant range first. Parents are guaranteed to
// precede their children, so callers resolving a parent while building
// the index can safely pass hi equal to the child's own position.
func (idx *Index) Find(path string, lo, hi int) (int, error) {
	if path == "" || path == "/" {
		return 1, nil
	}

	parent, name := SplitPath(path)
	depth := DepthOf(parent)

	n := hi - lo
	i := sort.Search(n, func(i int) bool {
		return compareKey(depth, parent, name, &idx.Inodes[lo+i]) <= 0
	})
	if i < n && compareKey(depth, parent, name, &idx.Inodes[lo+i]) == 0 {
		return lo + i, nil
	}
	return 0, fmt.Errorf("%w: %s", ccerrors.ErrNotFound, path)
}

// ChildByName binary-searches the contiguous child run of the directory
// at parentIno for an entry named name.
func (idx *Index) ChildByName(parentIno int, name string) (int, bool) {
	p := &idx.Inodes[parentIno]
	lo := int(p.ChildInode)
	hi := lo + int(p.NumChildren)

	n := hi - lo
	i := sort.Search(n, func(i int) bool {
		return idx.Inodes[lo+i].Name >= name
	})
	if lo+i < hi && idx.Inodes[lo+i].Name == name {
		return lo + i, true
	}
	return 0, false
}

// Process sorts the inode table, links directories to their contiguous
// child runs, and resolves hard links. It is idempotent and must be
// called exactly once after an Index is loaded, before it is served.
func (idx *Index) Process() error {
	if len(idx.Inodes) < 2 {
		return fmt.Errorf("ccindex: index must contain at least the two root entries")
	}

	rest := idx.Inodes[2:]
	sort.Slice(rest, func(i, j int) bool {
		return less(&rest[i], &rest[j])
	})

	for i := 1; i < len(idx.Inodes); i++ {
		idx.Inodes[i].ChildInode = 0
		idx.Inodes[i].NumChildren = 0
	}

	curParent := 1
	idx.Inodes[1].ChildInode = 2

	for i := 2; i < len(idx.Inodes); i++ {
		entry := &idx.Inodes[i]

		if PathEq(entry.Parent, PathOf(&idx.Inodes[curParent])) {
			idx.Inodes[curParent].NumChildren++
			continue
		}

		parentPos, err := idx.Find(entry.Parent, 1, i)
		if err != nil {
			return fmt.Errorf("ccindex: locate parent %q of entry %d: %w", entry.Parent, i, err)
		}
		if idx.Inodes[parentPos].ChildInode != 0 {
			return fmt.Errorf("ccindex: directory %q already has a child run starting elsewhere (parents must be contiguous in sorted order)", entry.Parent)
		}
		idx.Inodes[parentPos].ChildInode = uint32(i)
		curParent = parentPos
		idx.Inodes[curParent].NumChildren++
	}

	idx.Inodes[1].Links = 2

	for i := 2; i < len(idx.Inodes); i++ {
		idx.Inodes[i].Links = 1
	}
	for i := 2; i < len(idx.Inodes); i++ {
		if idx.Inodes[i].Typeflag != HardLink {
			continue
		}
		target := idx.GetHardLinkTarget(i)
		if target == 0 || target == i {
			continue
		}
		idx.Inodes[target].Links++
		idx.Inodes[i].TargetIno = uint32(target)
	}

	return nil
}

// GetHardLinkTarget follows the hard-link chain starting at ino,
// returning the resolved target's index. If ino is not a HardLink it
// returns ino itself (idempotent for non-links). A dangling link or a
// cycle returns 0.
func (idx *Index) GetHardLinkTarget(ino int) int {
	cur := ino
	bound := len(idx.Inodes) + 1

	for i := 0; i < bound; i++ {
		entry := &idx.Inodes[cur]
		if entry.Typeflag != HardLink || entry.Extra == nil || entry.Extra.Link == "" {
			return cur
		}

		link := entry.Extra.Link
		if !strings.HasPrefix(link, "/") {
			link = "/" + link
		}

		pos, err := idx.Find(link, 1, len(idx.Inodes))
		if err != nil {
			return 0
		}
		cur = pos
	}
	return 0
}

// TrimExcess drops any spare capacity left over from incremental
// appends during indexing, once the Index is loaded for serving.
func (idx *Index) TrimExcess() {
	trimmed := make([]Inode, len(idx.Inodes))
	copy(trimmed, idx.Inodes)
	idx.Inodes = trimmed
}
