package tarindex

import "fmt"

import "github.com/container-investigations/cc-fs/pkg/ccerrors"

// Byte offsets of each USTAR header field within the 512-byte block.
const (
	offName     = 0
	offMode     = 100
	offUid      = 108
	offGid      = 116
	offSize     = 124
	offMtime    = 136
	offChksum   = 148
	offTypeflag = 156
	offLinkname = 157
	offMagic    = 257
	offVersion  = 263
	offUname    = 265
	offGname    = 297
	offDevmajor = 329
	offDevminor = 337
	offPrefix   = 345
	headerSize  = 512
)

// cstring trims a NUL-terminated fixed-width header field at its first
// zero byte.
func cstring(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// parseOctal parses an ASCII octal number, stopping at the first NUL
// byte. Any other non-octal-digit byte is an error.
func parseOctal(field []byte) (uint64, error) {
	var n uint64
	for _, c := range field {
		switch {
		case c == 0:
			return n, nil
		case c >= '0' && c <= '7':
			n = n*8 + uint64(c-'0')
		default:
			return 0, fmt.Errorf("%w: illegal octal character %q", ccerrors.ErrMalformedOctal, c)
		}
	}
	return n, nil
}

// parseDecimal parses an ASCII decimal number, stopping at the first
// NUL byte. Fractional (PAX "12345.6789") timestamps are not supported.
func parseDecimal(field []byte) (uint64, error) {
	var n uint64
	for _, c := range field {
		switch {
		case c == 0:
			return n, nil
		case c >= '0' && c <= '9':
			n = n*10 + uint64(c-'0')
		default:
			return 0, fmt.Errorf("%w: illegal decimal character %q", ccerrors.ErrMalformedDecimal, c)
		}
	}
	return n, nil
}

func ceilTo512(size uint64) uint64 {
	return (size + 511) / 512 * 512
}
