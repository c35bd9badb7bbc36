package dwarfinfo

import (
	"encoding/binary"
	"testing"

	"github.com/devnexen/pstack/dwarfinfo/unit"
	"github.com/devnexen/pstack/reader"
)

func TestDIENameUsesOwnAttrNameFirst(t *testing.T) {
	in := &Info{}
	d := dieWithAttrs(unit.AttrValue{Attr: unit.AttrName, Value: unit.Value{Form: unit.FormString, Str: "foo"}})
	if got := in.DIEName(d); got != "foo" {
		t.Errorf("got %q, want %q", got, "foo")
	}
}

// buildAbstractOriginUnit builds a leading, unrelated unit followed by the
// unit under test: a subprogram named "bar" at the second unit's root
// offset, followed by an inlined_subroutine carrying a DW_AT_abstract_origin
// reference back to it and no name of its own, so DIEName must fall back
// through the reference. The leading unit pushes the unit under test to a
// nonzero section offset, so a DW_FORM_ref4 value that is unit-relative
// (as DWARF defines it) only resolves to the right DIE if it is added to
// that unit's own Offset rather than treated as an absolute section offset.
func buildAbstractOriginUnit(t *testing.T) *unit.Unit {
	t.Helper()
	abbrev := []byte{
		1, 0x2e, 0, 0x03, 0x08, 0, 0, // code 1: subprogram, no children, name/string
		2, 0x1d, 0, 0x31, 0x13, 0, 0, // code 2: inlined_subroutine, no children, abstract_origin/ref4
		0,
	}

	lead := []byte{
		13, 0, 0, 0, // initial length
		4, 0, // version 4
		0, 0, 0, 0, // abbrev_offset
		8,                         // addr_size
		1, 'l', 'e', 'a', 'd', 0, // root DIE: abbrev 1, name "lead"
	}

	info := append([]byte{}, lead...)
	info = append(info,
		17, 0, 0, 0, // initial length
		4, 0, // version 4
		0, 0, 0, 0, // abbrev_offset
		8,                   // addr_size
		1, 'b', 'a', 'r', 0, // root DIE: abbrev 1, name "bar"
		2, 11, 0, 0, 0, // abstract_origin ref4 -> unit-relative offset 11 (the root DIE)
	)

	sections := &unit.Sections{
		Info:   reader.NewBuffer(info, "info"),
		Abbrev: reader.NewBuffer(abbrev, "abbrev"),
		Order:  binary.LittleEndian,
	}
	units, err := unit.ParseUnits(sections)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	return units[1]
}

func TestDIENameFallsBackThroughAbstractOrigin(t *testing.T) {
	u := buildAbstractOriginUnit(t)
	child, err := u.OffsetToDIE(u.Offset + 16)
	if err != nil {
		t.Fatal(err)
	}
	if child.Empty() {
		t.Fatal("expected the inlined_subroutine DIE at the unit's offset+16")
	}
	in := &Info{}
	if got := in.DIEName(child); got != "bar" {
		t.Errorf("got %q, want %q resolved via abstract_origin", got, "bar")
	}
}

func TestFrameBase(t *testing.T) {
	in := &Info{}
	withBase := dieWithAttrs(unit.AttrValue{Attr: unit.AttrFrameBase, Value: unit.Value{Form: unit.FormExprloc, Bytes: []byte{0x91, 0x00}}})
	b, ok := in.FrameBase(withBase)
	if !ok || len(b) != 2 {
		t.Errorf("got (%v, %v), want the 2-byte exprloc", b, ok)
	}
	if _, ok := in.FrameBase(dieWithAttrs()); ok {
		t.Error("expected ok=false for a DIE with no DW_AT_frame_base")
	}
}

// buildSubprogramTreeUnit builds compile_unit -> subprogram[0x1000,0x2000)
// -> inlined_subroutine[0x1010,0x1020) with call_file=1/call_line=42, the
// shape SubprogramForAddr/InlineChain walk.
func buildSubprogramTreeUnit(t *testing.T) *unit.Unit {
	t.Helper()
	abbrev := []byte{
		1, 0x11, 1, 0, 0, // code 1: compile_unit, children
		2, 0x2e, 1, 0x11, 0x01, 0x12, 0x01, 0, 0, // code 2: subprogram, children, low_pc/high_pc (addr)
		3, 0x1d, 0, 0x11, 0x01, 0x12, 0x01, 0x58, 0x0b, 0x59, 0x0b, 0, 0, // code 3: inlined_subroutine, no children
		0,
	}
	var info []byte
	info = append(info, 0, 0, 0, 0) // initial length placeholder
	info = append(info, 4, 0)       // version 4
	info = append(info, 0, 0, 0, 0) // abbrev_offset
	info = append(info, 8)          // addr_size

	var body []byte
	body = append(body, 1) // root: compile_unit
	body = append(body, 2) // subprogram
	body = append(body, le64(0x1000)...)
	body = append(body, le64(0x2000)...)
	body = append(body, 3) // inlined_subroutine
	body = append(body, le64(0x1010)...)
	body = append(body, le64(0x1020)...)
	body = append(body, 1, 42) // call_file, call_line
	body = append(body, 0)     // terminates subprogram's children
	body = append(body, 0)     // terminates root's children

	info = append(info, body...)
	binary.LittleEndian.PutUint32(info[0:4], uint32(2+4+1+len(body)))

	sections := &unit.Sections{
		Info:   reader.NewBuffer(info, "info"),
		Abbrev: reader.NewBuffer(abbrev, "abbrev"),
		Order:  binary.LittleEndian,
	}
	units, err := unit.ParseUnits(sections)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	return units[0]
}

func TestSubprogramForAddrWalksTree(t *testing.T) {
	u := buildSubprogramTreeUnit(t)
	in := &Info{units: []*unit.Unit{u}}
	in.unitsOnce.Do(func() {})   // Units() returns in.units as already-loaded
	in.arangesOnce.Do(func() {}) // Aranges() returns empty without touching in.obj

	fn, owner, err := in.SubprogramForAddr(0x1500)
	if err != nil {
		t.Fatal(err)
	}
	if fn.Empty() || owner != u {
		t.Fatalf("got (%+v, %v), want the subprogram DIE and its owning unit", fn, owner)
	}
	if fn.Tag != unit.TagSubprogram {
		t.Errorf("got tag %#x, want subprogram", fn.Tag)
	}

	fn2, _, err := in.SubprogramForAddr(0x9999)
	if err != nil {
		t.Fatal(err)
	}
	if !fn2.Empty() {
		t.Error("expected no subprogram to cover an address outside every range")
	}
}

func TestInlineChainFindsCoveringInline(t *testing.T) {
	u := buildSubprogramTreeUnit(t)
	in := &Info{units: []*unit.Unit{u}}
	in.unitsOnce.Do(func() {})
	in.arangesOnce.Do(func() {})

	fn, owner, err := in.SubprogramForAddr(0x1015)
	if err != nil || fn.Empty() {
		t.Fatalf("got (%+v, %v), want a covering subprogram", fn, err)
	}

	chain := in.InlineChain(owner, fn, 0x1015)
	if len(chain) != 1 {
		t.Fatalf("got %d inline frames, want 1", len(chain))
	}
	if chain[0].CallLine != 42 {
		t.Errorf("got CallLine %d, want 42", chain[0].CallLine)
	}
}

func TestInlineChainEmptyOutsideInlineRange(t *testing.T) {
	u := buildSubprogramTreeUnit(t)
	in := &Info{units: []*unit.Unit{u}}
	in.unitsOnce.Do(func() {})
	in.arangesOnce.Do(func() {})

	fn, owner, err := in.SubprogramForAddr(0x1900)
	if err != nil || fn.Empty() {
		t.Fatalf("got (%+v, %v), want a covering subprogram", fn, err)
	}
	chain := in.InlineChain(owner, fn, 0x1900)
	if len(chain) != 0 {
		t.Errorf("got %d inline frames, want 0 outside the inlined_subroutine's own range", len(chain))
	}
}

func TestCandidateUnitsPrefersArangesHitThenAppendsRest(t *testing.T) {
	uA := &unit.Unit{Offset: 0}
	uB := &unit.Unit{Offset: 100}
	in := &Info{aranges: []Arange{{AddrRange: AddrRange{Low: 0x2000, High: 0x3000}, UnitOffset: 100}}}
	in.arangesOnce.Do(func() {})

	got := in.candidateUnits([]*unit.Unit{uA, uB}, 0x2500)
	if len(got) != 2 || got[0] != uB || got[1] != uA {
		t.Errorf("got %v, want [uB, uA] (aranges hit first, then the remaining units)", got)
	}
}

func TestCandidateUnitsWithoutArangesReturnsAllUnits(t *testing.T) {
	uA := &unit.Unit{Offset: 0}
	uB := &unit.Unit{Offset: 100}
	in := &Info{}
	in.arangesOnce.Do(func() {})

	got := in.candidateUnits([]*unit.Unit{uA, uB}, 0x2500)
	if len(got) != 2 {
		t.Errorf("got %d candidates, want both units when aranges is empty", len(got))
	}
}
