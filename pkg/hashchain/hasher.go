// Package hashchain computes the SHA-256 digest of a byte stream while
// snapshotting intermediate compression states at caller-chosen
// boundaries, so that any later-read page of the stream can be
// re-verified without rehashing everything that came before it.
//
// crypto/sha256's hash.Hash implementation has shipped
// encoding.BinaryMarshaler/BinaryUnmarshaler support since Go 1.11
// specifically so callers can checkpoint and resume hash state; that is
// the idiomatic Go stand-in for the raw compression-state array this
// package's reference implementation gets from a dedicated crate (see
// DESIGN.md). Snapshots are only ever taken after a multiple of 64
// bytes has been measured, so the marshaled internal buffer is always
// empty and the blob is a faithful, reproducible state snapshot.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/container-investigations/cc-fs/pkg/ccerrors"
)

// BlockSize is the SHA-256 compression block size. Measure and Verify
// require their input length to be a positive multiple of this.
const BlockSize = 64

// Hasher computes a SHA-256 digest over a byte stream and can snapshot
// its compression state at any point where the stream so far is a
// multiple of BlockSize bytes.
type Hasher struct {
	h         hash.Hash // live state while building; nil once loaded for read-only Verify use
	States    [][]byte  // marshaled hash.Hash snapshots, in save order
	Total     uint64    // bytes measured so far
	Digest    string    // set once by Finalize
	finalized bool
}

// New creates an empty Hasher, ready to Measure.
func New() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Measure feeds buf into the running SHA-256 computation. len(buf) must
// be a positive multiple of BlockSize.
func (hs *Hasher) Measure(buf []byte) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w: got %d bytes", ccerrors.ErrBadBlockSize, len(buf))
	}
	if hs.h == nil {
		return fmt.Errorf("hashchain: Measure called on a finalized or read-only Hasher")
	}
	hs.h.Write(buf) // hash.Hash.Write never errors
	hs.Total += uint64(len(buf))
	return nil
}

// SaveState snapshots the current compression state and returns its
// zero-based position in the saved sequence.
func (hs *Hasher) SaveState() (uint32, error) {
	if hs.h == nil {
		return 0, fmt.Errorf("hashchain: SaveState called on a finalized or read-only Hasher")
	}
	marshaler, ok := hs.h.(encoding.BinaryMarshaler)
	if !ok {
		return 0, fmt.Errorf("hashchain: sha256 implementation does not support state snapshots")
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("hashchain: snapshot state: %w", err)
	}
	hs.States = append(hs.States, state)
	return uint32(len(hs.States) - 1), nil
}

// Verify loads the snapshot at pos, compresses buf from it, and reports
// whether the result equals the snapshot at pos+1. buf must be a
// positive multiple of BlockSize, same as Measure.
func (hs *Hasher) Verify(pos uint32, buf []byte) (bool, error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return false, fmt.Errorf("%w: got %d bytes", ccerrors.ErrBadBlockSize, len(buf))
	}
	if int(pos)+1 >= len(hs.States) {
		return false, fmt.Errorf("hashchain: state %d out of range (have %d states)", pos, len(hs.States))
	}

	replay := sha256.New()
	unmarshaler, ok := replay.(encoding.BinaryUnmarshaler)
	if !ok {
		return false, fmt.Errorf("hashchain: sha256 implementation does not support state snapshots")
	}
	if err := unmarshaler.UnmarshalBinary(hs.States[pos]); err != nil {
		return false, fmt.Errorf("hashchain: restore state %d: %w", pos, err)
	}
	replay.Write(buf)

	marshaler := replay.(encoding.BinaryMarshaler)
	next, err := marshaler.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("hashchain: marshal replayed state: %w", err)
	}

	return bytes.Equal(next, hs.States[pos+1]), nil
}

// Finalize completes the SHA-256 computation (appending the standard
// 0x80 terminator and big-endian bit-length trailer internally via
// crypto/sha256's own Sum) and returns the lowercase hex digest. It may
// be called at most once.
func (hs *Hasher) Finalize() (string, error) {
	if hs.finalized {
		return "", fmt.Errorf("hashchain: Finalize called more than once")
	}
	if hs.h == nil {
		return "", fmt.Errorf("hashchain: Finalize called on a read-only Hasher")
	}
	sum := hs.h.Sum(nil)
	hs.Digest = hex.EncodeToString(sum)
	hs.finalized = true
	hs.h = nil
	return hs.Digest, nil
}

// NumStates returns how many snapshots have been saved.
func (hs *Hasher) NumStates() int {
	return len(hs.States)
}
