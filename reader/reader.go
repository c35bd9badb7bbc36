// Package reader implements the random-access byte source the rest of the
// stack-trace engine is built on: a logical sequence of bytes addressed by
// absolute offset, with cheap derived views and typed decoding helpers,
// exposed as a first-class interface rather than an ad hoc
// byte-slice-plus-offset style.
package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/devnexen/pstack/internal/pstackerr"
)

// Reader is a random-access byte source. The implementations in this
// package are a memory-mapped file (FileReader) and an in-memory buffer
// (BufferReader); elfobj holds decompressed section bytes (see Decompress)
// in a BufferReader. No Reader over process memory is provided: procfs
// reads target memory through Process.ReadMemory.
type Reader interface {
	// ReadAt reads exactly len bytes starting at off, or returns
	// pstackerr.IO on a short read or an offset outside [0, Size()).
	ReadAt(off, length int64) ([]byte, error)
	// Size returns the logical size of the byte source.
	Size() int64
	// Label returns a short diagnostic name for this reader or view.
	Label() string
}

// View restricts r to the half-open sub-range [off, off+length), returning
// a Reader that shares r's underlying bytes without copying. The returned
// view carries label for diagnostics.
func View(r Reader, off, length int64, label string) (Reader, error) {
	if off < 0 || length < 0 || off+length > r.Size() {
		return nil, pstackerr.New(pstackerr.KindIO, "reader.View",
			fmt.Errorf("range [%d,%d) outside size %d of %s", off, off+length, r.Size(), r.Label()))
	}
	return &view{base: r, off: off, size: length, label: label}, nil
}

type view struct {
	base Reader
	off  int64
	size int64
	label string
}

func (v *view) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > v.size {
		return nil, pstackerr.New(pstackerr.KindIO, "view.ReadAt",
			fmt.Errorf("range [%d,%d) outside size %d of %s", off, off+length, v.size, v.label))
	}
	return v.base.ReadAt(v.off+off, length)
}

func (v *view) Size() int64    { return v.size }
func (v *view) Label() string  { return v.label }

// Order is the byte order used by the typed helpers below. Every Reader
// used to decode a given ELF Object is expected to share that Object's
// endianness, honoring the host-endian choice the ELF header advertises.
type Order = binary.ByteOrder

// U8 reads a single byte at off.
func U8(r Reader, off int64) (uint8, error) {
	b, err := r.ReadAt(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a 2-byte unsigned integer at off in the given byte order.
func U16(r Reader, off int64, order Order) (uint16, error) {
	b, err := r.ReadAt(off, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

// U32 reads a 4-byte unsigned integer at off in the given byte order.
func U32(r Reader, off int64, order Order) (uint32, error) {
	b, err := r.ReadAt(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

// U64 reads an 8-byte unsigned integer at off in the given byte order.
func U64(r Reader, off int64, order Order) (uint64, error) {
	b, err := r.ReadAt(off, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

// ULEB128 decodes an unsigned Little Endian Base 128 value starting at
// off, returning the value and the number of bytes consumed.
func ULEB128(r Reader, off int64) (uint64, int64, error) {
	var result uint64
	var shift uint
	var n int64
	for {
		b, err := U8(r, off+n)
		if err != nil {
			return 0, 0, err
		}
		n++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, n, nil
}

// SLEB128 decodes a signed Little Endian Base 128 value starting at off,
// returning the value and the number of bytes consumed.
func SLEB128(r Reader, off int64) (int64, int64, error) {
	var result int64
	var shift uint
	var n int64
	var b uint8
	var err error
	for {
		b, err = U8(r, off+n)
		if err != nil {
			return 0, 0, err
		}
		n++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}

// String reads a null-terminated string starting at off. Fails with
// pstackerr.BadFormat if no terminator is found within Size().
func String(r Reader, off int64) (string, int64, error) {
	var buf []byte
	n := int64(0)
	for {
		if off+n >= r.Size() {
			return "", 0, pstackerr.New(pstackerr.KindBadFormat, "reader.String",
				fmt.Errorf("unterminated string at offset %d in %s", off, r.Label()))
		}
		b, err := U8(r, off+n)
		if err != nil {
			return "", 0, err
		}
		n++
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), n, nil
}
