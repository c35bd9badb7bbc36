package reader

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestULEB128(t *testing.T) {
	r := NewBuffer([]byte{0xE5, 0x8E, 0x26, 0xff, 0xff}, "test")

	v, n, err := ULEB128(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 624485 {
		t.Errorf("got %d, want 624485", v)
	}
	if n != 3 {
		t.Errorf("got %d bytes consumed, want 3", n)
	}
}

func TestSLEB128(t *testing.T) {
	r := NewBuffer([]byte{0x9b, 0xf1, 0x59}, "test")

	v, n, err := SLEB128(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != -624485 {
		t.Errorf("got %d, want -624485", v)
	}
	if n != 3 {
		t.Errorf("got %d bytes consumed, want 3", n)
	}
}

func TestULEB128RoundTrip(t *testing.T) {
	cases := []uint64{0x00, 0x7f, 0x80, 0x8f, 0xffff, 0xfffffff7, 1 << 63}
	for _, want := range cases {
		var buf bytes.Buffer
		v := want
		for {
			b := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				b |= 0x80
			}
			buf.WriteByte(b)
			if v == 0 {
				break
			}
		}
		r := NewBuffer(buf.Bytes(), "roundtrip")
		got, n, err := ULEB128(r, 0)
		if err != nil {
			t.Fatalf("%#x: %v", want, err)
		}
		if got != want {
			t.Errorf("%#x: got %#x", want, got)
		}
		if n != int64(buf.Len()) {
			t.Errorf("%#x: consumed %d, want %d", want, n, buf.Len())
		}
	}
}

func TestStringTerminated(t *testing.T) {
	r := NewBuffer([]byte{'h', 'i', 0x0, 0xff, 0xcc}, "test")
	s, n, err := String(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s != "hi" {
		t.Errorf("got %q, want %q", s, "hi")
	}
	if n != 3 {
		t.Errorf("got %d bytes consumed, want 3", n)
	}
}

func TestStringUnterminated(t *testing.T) {
	r := NewBuffer([]byte{'h', 'i'}, "test")
	if _, _, err := String(r, 0); err == nil {
		t.Fatal("expected an error for an unterminated string")
	}
}

func TestViewBounds(t *testing.T) {
	base := NewBuffer([]byte{1, 2, 3, 4, 5, 6}, "base")

	v, err := View(base, 2, 3, "slice")
	if err != nil {
		t.Fatal(err)
	}
	if v.Size() != 3 {
		t.Fatalf("got size %d, want 3", v.Size())
	}
	got, err := v.ReadAt(0, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{3, 4, 5}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := v.ReadAt(1, 3); err == nil {
		t.Error("expected an out-of-range read within the view to fail")
	}
	if _, err := View(base, 4, 4, "oob"); err == nil {
		t.Error("expected a view extending past the base to fail")
	}
	if _, err := View(base, -1, 2, "neg"); err == nil {
		t.Error("expected a negative offset to fail")
	}
}

func TestU16U32U64(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(0x1234))
	binary.Write(&buf, binary.LittleEndian, uint32(0x89abcdef))
	binary.Write(&buf, binary.LittleEndian, uint64(0x0102030405060708))
	r := NewBuffer(buf.Bytes(), "ints")

	u16, err := U16(r, 0, binary.LittleEndian)
	if err != nil || u16 != 0x1234 {
		t.Errorf("U16: got %#x, %v", u16, err)
	}
	u32, err := U32(r, 2, binary.LittleEndian)
	if err != nil || u32 != 0x89abcdef {
		t.Errorf("U32: got %#x, %v", u32, err)
	}
	u64, err := U64(r, 6, binary.LittleEndian)
	if err != nil || u64 != 0x0102030405060708 {
		t.Errorf("U64: got %#x, %v", u64, err)
	}
}
