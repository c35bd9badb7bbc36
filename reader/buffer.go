package reader

import (
	"fmt"

	"github.com/devnexen/pstack/internal/pstackerr"
)

// BufferReader is a Reader over an in-memory byte slice.
type BufferReader struct {
	data  []byte
	label string
}

// NewBuffer wraps data as a Reader. data is not copied; callers must not
// mutate it afterward.
func NewBuffer(data []byte, label string) *BufferReader {
	return &BufferReader{data: data, label: label}
}

func (b *BufferReader) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(b.data)) {
		return nil, pstackerr.New(pstackerr.KindIO, "BufferReader.ReadAt",
			fmt.Errorf("range [%d,%d) outside size %d of %s", off, off+length, len(b.data), b.label))
	}
	return b.data[off : off+length], nil
}

func (b *BufferReader) Size() int64   { return int64(len(b.data)) }
func (b *BufferReader) Label() string { return b.label }
