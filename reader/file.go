package reader

import (
	"fmt"
	"os"

	"github.com/devnexen/pstack/internal/pstackerr"
	"golang.org/x/sys/unix"
)

// FileReader is a Reader backed by a memory-mapped file, mapping
// executable and core files rather than issuing a pread per access.
type FileReader struct {
	path string
	data []byte
}

// OpenFile memory-maps the file at path read-only and returns a Reader
// over its contents.
func OpenFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "OpenFile", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "OpenFile", err)
	}
	size := fi.Size()
	if size == 0 {
		return &FileReader{path: path, data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "OpenFile", fmt.Errorf("mmap %s: %w", path, err))
	}
	return &FileReader{path: path, data: data}, nil
}

// Close unmaps the file's backing memory.
func (f *FileReader) Close() error {
	if f.data == nil {
		return nil
	}
	return unix.Munmap(f.data)
}

func (f *FileReader) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(f.data)) {
		return nil, pstackerr.New(pstackerr.KindIO, "FileReader.ReadAt",
			fmt.Errorf("range [%d,%d) outside size %d of %s", off, off+length, len(f.data), f.path))
	}
	return f.data[off : off+length], nil
}

func (f *FileReader) Size() int64   { return int64(len(f.data)) }
func (f *FileReader) Label() string { return f.path }
