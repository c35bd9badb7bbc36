//go:build amd64

package procfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildNTFile(t *testing.T, pageSize uint64, entries []ntFileEntry, names []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := ntFileHeader{Count: uint64(len(entries)), PageSize: pageSize}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
			t.Fatal(err)
		}
	}
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestParseNTFileDecodesEntriesAndNormalizesOffset(t *testing.T) {
	data := buildNTFile(t, 4096,
		[]ntFileEntry{
			{Start: 0x400000, End: 0x401000, FileOfs: 0},
			{Start: 0x7f0000000000, End: 0x7f0000010000, FileOfs: 2},
		},
		[]string{"/bin/app", "/lib/libc.so.6"})

	mappings, err := parseNTFile(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 2 {
		t.Fatalf("got %d mappings, want 2", len(mappings))
	}
	if mappings[0].path != "/bin/app" || mappings[0].FileOfs != 0 {
		t.Errorf("got %+v", mappings[0])
	}
	if mappings[1].path != "/lib/libc.so.6" || mappings[1].FileOfs != 2*4096 {
		t.Errorf("got %+v, want FileOfs normalized from page units to bytes (8192)", mappings[1])
	}
}

func TestParseNTFileTruncatedHeaderErrors(t *testing.T) {
	if _, err := parseNTFile([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a truncated NT_FILE header")
	}
}

func TestParseNTFileZeroEntries(t *testing.T) {
	data := buildNTFile(t, 4096, nil, nil)
	mappings, err := parseNTFile(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 0 {
		t.Errorf("got %d mappings, want 0", len(mappings))
	}
}

func TestPtraceRegsAMD64Bank(t *testing.T) {
	r := ptraceRegsAMD64{
		Rip: 0x4010ab,
		Rsp: 0x7ffeeffff000,
		Rbp: 0x7ffeeffff100,
		Rax: 42,
	}
	bank := r.bank()
	if bank.PC != r.Rip {
		t.Errorf("got PC %#x, want %#x", bank.PC, r.Rip)
	}
	if bank.RAReg != dwarfRIP {
		t.Errorf("got RAReg %d, want dwarfRIP (%d)", bank.RAReg, dwarfRIP)
	}
	for reg, want := range map[uint64]uint64{
		dwarfRSP: r.Rsp,
		dwarfRBP: r.Rbp,
		dwarfRAX: r.Rax,
		dwarfRIP: r.Rip,
	} {
		if v, ok := bank.Get(reg); !ok || v != want {
			t.Errorf("register %d = (%#x, %v), want (%#x, true)", reg, v, ok, want)
		}
	}
}
