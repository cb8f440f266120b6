// Package ccerrors defines the sentinel error kinds shared by the
// hashing, indexing and filesystem-serving packages.
package ccerrors

import "errors"

var (
	ErrBadBlockSize      = errors.New("block size must be a positive multiple of 64 bytes")
	ErrIntegrityFailed   = errors.New("page failed hash verification")
	ErrDigestMismatch    = errors.New("archive digest does not match expected value")
	ErrUnsupportedTypeflag = errors.New("unsupported tar typeflag")
	ErrUnsupportedPaxField = errors.New("unsupported pax field")
	ErrMalformedOctal    = errors.New("malformed octal field")
	ErrMalformedDecimal  = errors.New("malformed decimal field")
	ErrMalformedPaxRecord = errors.New("malformed pax record")
	// ErrNameTooLong is never returned directly: the FUSE boundary
	// (pkg/ccfs's Lookup) reports this condition as syscall.ENAMETOOLONG,
	// the errno the kernel expects, and is kept here only because spec
	// §7 lists it among the named error kinds.
	ErrNameTooLong       = errors.New("name too long")
	ErrNotFound          = errors.New("not found")
	ErrIo                = errors.New("i/o error")
)
