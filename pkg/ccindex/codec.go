package ccindex

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteTo serializes the Index to w as a single gob-encoded blob: the
// inode sequence followed by the Hasher's saved states and digest. The
// codec is not required to be byte-for-byte portable across
// implementations, only fixed and self-consistent between a builder and
// a server that both use this package.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	counting := &countingWriter{w: w}
	enc := gob.NewEncoder(counting)
	if err := enc.Encode(idx); err != nil {
		return counting.n, fmt.Errorf("ccindex: encode index: %w", err)
	}
	return counting.n, nil
}

// ReadFrom deserializes an Index previously written by WriteTo. The
// returned Index has not yet had Process called on it.
func ReadFrom(r io.Reader) (*Index, error) {
	idx := &Index{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(idx); err != nil {
		return nil, fmt.Errorf("ccindex: decode index: %w", err)
	}
	return idx, nil
}

// SaveToFile writes the Index to path, via a temp file in the same
// directory that is atomically renamed into place, so a crash mid-write
// never leaves a truncated index at path. It returns the number of
// bytes written.
func SaveToFile(idx *Index, path string) (int64, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("ccindex: create temp index file: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	bw := bufio.NewWriter(f)
	n, err := idx.WriteTo(bw)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("ccindex: flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("ccindex: close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("ccindex: rename index into place: %w", err)
	}
	return n, nil
}

// LoadFromFile reads an Index previously written by SaveToFile.
func LoadFromFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ccindex: open index file: %w", err)
	}
	defer f.Close()

	idx, err := ReadFrom(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return idx, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
