package procfs

import (
	"bytes"
	"testing"
)

type byteReader []byte

func (b byteReader) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(b)) {
		return nil, bytes.ErrTooLarge
	}
	return b[off : off+length], nil
}

func TestSplicedMemoryOverlayWins(t *testing.T) {
	var s splicedMemory
	exe := byteReader(bytes.Repeat([]byte{0xee}, 0x1000))
	core := byteReader(bytes.Repeat([]byte{0xcc}, 0x100))

	s.add(exe, 0x1000, 0, 0x1000)    // full on-disk image
	s.add(core, 0x1050, 0, 0x100) // core file overlay, narrower

	buf := make([]byte, 0x20)
	n, err := s.readAt(0x1040, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("got %d bytes, want %d", n, len(buf))
	}
	// [0x1040,0x1050) comes from exe, [0x1050,0x1060) from the core overlay.
	for i, b := range buf {
		addr := 0x1040 + i
		want := byte(0xee)
		if addr >= 0x1050 {
			want = 0xcc
		}
		if b != want {
			t.Errorf("byte at addr %#x = %#x, want %#x", addr, b, want)
		}
	}
}

func TestSplicedMemorySplitsExistingRegion(t *testing.T) {
	var s splicedMemory
	exe := byteReader(bytes.Repeat([]byte{0xee}, 0x1000))
	core := byteReader(bytes.Repeat([]byte{0xcc}, 0x10))

	s.add(exe, 0x1000, 0, 0x1000)
	s.add(core, 0x1100, 0, 0x10) // lands strictly inside the exe mapping

	if len(s.regions) != 3 {
		t.Fatalf("got %d regions after a middle split, want 3 (left, overlay, right)", len(s.regions))
	}

	buf := make([]byte, 0x20)
	n, err := s.readAt(0x10f8, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("got %d bytes, want %d", n, len(buf))
	}
	for i, b := range buf {
		addr := 0x10f8 + i
		want := byte(0xee)
		if addr >= 0x1100 && addr < 0x1110 {
			want = 0xcc
		}
		if b != want {
			t.Errorf("byte at addr %#x = %#x, want %#x", addr, b, want)
		}
	}
}

func TestSplicedMemoryStopsAtUnmappedGap(t *testing.T) {
	var s splicedMemory
	r := byteReader(bytes.Repeat([]byte{0x42}, 0x10))
	s.add(r, 0x2000, 0, 0x10)

	buf := make([]byte, 0x20)
	n, err := s.readAt(0x2000, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0x10 {
		t.Fatalf("got %d bytes, want 16 (stopping at the unmapped hole past the region)", n)
	}
}

func TestSplicedMemoryFullyOverriddenRegionDropped(t *testing.T) {
	var s splicedMemory
	small := byteReader(bytes.Repeat([]byte{0xaa}, 0x10))
	big := byteReader(bytes.Repeat([]byte{0xbb}, 0x100))

	s.add(small, 0x3000, 0, 0x10)
	s.add(big, 0x3000, 0, 0x100)

	if len(s.regions) != 1 {
		t.Fatalf("got %d regions, want 1 (the smaller region fully overridden)", len(s.regions))
	}
	buf := make([]byte, 1)
	if _, err := s.readAt(0x3000, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xbb {
		t.Errorf("got %#x, want the overriding region's byte 0xbb", buf[0])
	}
}
