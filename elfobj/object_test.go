package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestParseNotes(t *testing.T) {
	// One NT_GNU_BUILD_ID note, owner "GNU", 4-byte desc.
	var data []byte
	data = append(data, le32(4)...)
	data = append(data, le32(4)...)
	data = append(data, le32(uint32(NTGNUBuildID))...)
	data = append(data, []byte("GNU\x00")...) // namesz=4 incl. NUL, already 4-aligned
	data = append(data, []byte{0xaa, 0xbb, 0xcc, 0xdd}...)

	notes, err := parseNotes(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	n := notes[0]
	if n.Name != "GNU" {
		t.Errorf("got name %q, want %q", n.Name, "GNU")
	}
	if n.Type != NTGNUBuildID {
		t.Errorf("got type %#x, want %#x", n.Type, NTGNUBuildID)
	}
	if string(n.Data) != "\xaa\xbb\xcc\xdd" {
		t.Errorf("got desc %x, want aabbccdd", n.Data)
	}
}

func TestParseNotesTruncatedHeader(t *testing.T) {
	if _, err := parseNotes([]byte{1, 2, 3}, binary.LittleEndian); err == nil {
		t.Fatal("expected an error on a truncated note header")
	}
}

func TestParseNotesUnaligned(t *testing.T) {
	// namesz=3 ("ab\0"): name field must pad to 4 bytes; desc empty.
	var data []byte
	data = append(data, le32(3)...)
	data = append(data, le32(0)...)
	data = append(data, le32(1)...)
	data = append(data, []byte("ab\x00\x00")...) // 3 content bytes + 1 pad byte = 4
	notes, err := parseNotes(data, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Name != "ab" {
		t.Fatalf("got %+v, want a single note named %q", notes, "ab")
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestGetSegmentForAddress(t *testing.T) {
	o := &Object{
		segments: []elf.ProgHeader{
			{Type: elf.PT_LOAD, Vaddr: 0x1000, Memsz: 0x1000},
			{Type: elf.PT_LOAD, Vaddr: 0x1000, Memsz: 0x100}, // nested, smaller: should win on overlap
			{Type: elf.PT_LOAD, Vaddr: 0x2000, Memsz: 0x1000},
			{Type: elf.PT_NOTE, Vaddr: 0x1050, Memsz: 0x10}, // not PT_LOAD: ignored
		},
	}

	seg, ok := o.GetSegmentForAddress(0x1050)
	if !ok {
		t.Fatal("expected a segment containing 0x1050")
	}
	if seg.Memsz != 0x100 {
		t.Errorf("got memsz %#x, want the smaller overlapping segment (%#x)", seg.Memsz, 0x100)
	}

	if _, ok := o.GetSegmentForAddress(0x500); ok {
		t.Error("expected no segment to contain an unmapped address")
	}

	seg, ok = o.GetSegmentForAddress(0x2500)
	if !ok || seg.Vaddr != 0x2000 {
		t.Errorf("got %+v, ok=%v, want the 0x2000 segment", seg, ok)
	}
}

func TestSymbolicateAddr(t *testing.T) {
	o := &Object{
		byAddr: []elf.Symbol{
			{Name: "main", Value: 0x1000, Size: 0x50},
			{Name: "helper", Value: 0x1100, Size: 0}, // zero-size: only matches an exact address
		},
	}

	sym, ok := o.SymbolicateAddr(0x1020)
	if !ok || sym.Name != "main" {
		t.Errorf("got %+v, ok=%v, want main", sym, ok)
	}

	if _, ok := o.SymbolicateAddr(0x1060); ok {
		t.Error("expected no symbol past main's end")
	}

	sym, ok = o.SymbolicateAddr(0x1100)
	if !ok || sym.Name != "helper" {
		t.Errorf("got %+v, ok=%v, want an exact match on a zero-size symbol", sym, ok)
	}

	if _, ok := o.SymbolicateAddr(0x1101); ok {
		t.Error("expected a zero-size symbol to match only its exact address")
	}

	if _, ok := o.SymbolicateAddr(0x10); ok {
		t.Error("expected no symbol before the first entry")
	}
}
