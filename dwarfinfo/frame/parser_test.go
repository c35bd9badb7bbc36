package frame

import (
	"encoding/binary"
	"testing"

	"github.com/devnexen/pstack/reader"
)

// buildSyntheticDebugFrame lays out one CIE (def_cfa reg 7 offset 8) and
// one FDE covering [0x1000, 0x1100), the way
// pkg/dwarf/frame/entries_test.go's BenchmarkFDEForPC loads testdata/frame
// but built inline instead of from a fixture.
func buildSyntheticDebugFrame() []byte {
	cie := []byte{
		12, 0, 0, 0, // length
		0xff, 0xff, 0xff, 0xff, // CIE id (.debug_frame convention)
		1,    // version
		0,    // augmentation ""
		1,    // code_alignment_factor = 1
		0x7c, // data_alignment_factor = -4 (SLEB128)
		16,   // return_address_register
		0x0c, 0x07, 0x08, // DW_CFA_def_cfa reg=7 offset=8
	}
	fde := []byte{
		20, 0, 0, 0, // length
		0, 0, 0, 0, // CIE pointer: offset of the CIE above
		0x00, 0x10, 0, 0, 0, 0, 0, 0, // begin = 0x1000
		0x00, 0x01, 0, 0, 0, 0, 0, 0, // size = 0x100
	}
	return append(cie, fde...)
}

func TestParseDebugFrame(t *testing.T) {
	data := buildSyntheticDebugFrame()
	r := reader.NewBuffer(data, "debug_frame")

	entries, err := Parse(r, binary.LittleEndian, 0, 8, DebugFrame)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fde := entries[0]
	if fde.Begin() != 0x1000 {
		t.Errorf("got begin %#x, want %#x", fde.Begin(), 0x1000)
	}
	if fde.End() != 0x1100 {
		t.Errorf("got end %#x, want %#x", fde.End(), 0x1100)
	}
	if fde.CIE == nil {
		t.Fatal("expected a resolved CIE")
	}
	if fde.CIE.ReturnAddressRegister != 16 {
		t.Errorf("got return address register %d, want 16", fde.CIE.ReturnAddressRegister)
	}
	if fde.CIE.DataAlignmentFactor != -4 {
		t.Errorf("got data alignment factor %d, want -4", fde.CIE.DataAlignmentFactor)
	}
}

func TestEstablishFrameRunsCIEInitialInstructions(t *testing.T) {
	data := buildSyntheticDebugFrame()
	r := reader.NewBuffer(data, "debug_frame")

	entries, err := Parse(r, binary.LittleEndian, 0, 8, DebugFrame)
	if err != nil {
		t.Fatal(err)
	}
	fde := entries[0]

	ctx := fde.EstablishFrame(fde.Begin())
	if ctx.CFA.Rule != RuleCFA {
		t.Fatalf("got CFA rule %v, want RuleCFA", ctx.CFA.Rule)
	}
	if ctx.CFA.Reg != 7 {
		t.Errorf("got CFA register %d, want 7", ctx.CFA.Reg)
	}
	if ctx.CFA.Offset != 8 {
		t.Errorf("got CFA offset %d, want 8", ctx.CFA.Offset)
	}
}

func TestParseRejectsUnknownAugmentation(t *testing.T) {
	cie := []byte{
		12, 0, 0, 0, // length
		0xff, 0xff, 0xff, 0xff,
		1,        // version
		'z', 'Q', 0, // augmentation "zQ": 'z' triggers augmentation-data
		// parsing, 'Q' is not one of R/L/P/S/B/G
		1,    // caf
		0x7c, // daf
		16,   // rar
		0,    // augmentation data length (read before 'Q' is rejected)
	}
	r := reader.NewBuffer(cie, "debug_frame")
	if _, err := Parse(r, binary.LittleEndian, 0, 8, DebugFrame); err == nil {
		t.Fatal("expected an error decoding an unrecognized augmentation character")
	}
}
