package unit

import (
	"fmt"
	"sync"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Sections bundles the DWARF sections a Unit needs, each optional (nil if
// the object carries no such section). Shared by every Unit of one Object.
type Sections struct {
	Info       reader.Reader
	Abbrev     reader.Reader
	Str        reader.Reader
	LineStr    reader.Reader
	StrOffsets reader.Reader
	Addr       reader.Reader
	RngLists   reader.Reader
	LocLists   reader.Reader
	Ranges     reader.Reader // legacy DWARF2-4 .debug_ranges
	Order      reader.Order
}

// AttrSpec is one (attribute, form) pair from an abbreviation's attribute
// list, plus the DWARF5 implicit-const payload when Form ==
// FormImplicitConst.
type AttrSpec struct {
	Attr          Attr
	Form          Form
	ImplicitConst int64
}

// Abbreviation is a schema entry describing the attribute layout of every
// DIE sharing its code.
type Abbreviation struct {
	Tag         Tag
	HasChildren bool
	Attrs       []AttrSpec
}

// AttrValue is one decoded (name, form, value) triple on a DIE.
type AttrValue struct {
	Attr  Attr
	Value Value
}

// DIE is an immutable, decoded Debugging Information Entry: (unit, offset,
// tag, attribute payloads). A zero-value DIE (Unit == nil) represents
// "empty", the sentinel OffsetToDIE returns for a missing or malformed
// entry.
type DIE struct {
	U           *Unit
	Offset      int64
	Tag         Tag
	HasChildren bool
	Attrs       []AttrValue
}

// Empty reports whether d is the empty sentinel.
func (d DIE) Empty() bool { return d.U == nil }

// Val returns the value of the named attribute and true, or the zero Value
// and false if the DIE carries no such attribute.
func (d DIE) Val(a Attr) (Value, bool) {
	for _, av := range d.Attrs {
		if av.Attr == a {
			return av.Value, true
		}
	}
	return Value{}, false
}

// Unit is a single DWARF compilation unit. Its abbreviation table and
// DIE cache are populated lazily on first use.
type Unit struct {
	sections *Sections

	Offset        int64 // absolute offset in .debug_info
	Length        int64 // length of the unit body, per the initial-length field
	End           int64 // Offset + header size + Length
	Format32      bool  // DWARF 32-bit (4-byte) vs 64-bit (8-byte) offset format
	Version       uint16
	UnitType      uint8
	AddrSize      uint8
	AbbrevOffset  int64
	TypeSignature uint64 // DW_UT_type / DW_UT_split_type only
	TypeOffset    int64  // DW_UT_type / DW_UT_split_type only
	DWOID         uint64 // DW_UT_split_compile / DW_UT_split_type only
	RootOffset    int64

	abbrevOnce sync.Once
	abbrevErr  error
	abbrevs    map[uint64]*Abbreviation

	dieMu    sync.Mutex
	dieCache map[int64]*DIE // nil entry = decodes to empty

	parentsOnce sync.Once
	parents     map[int64]int64 // child offset -> parent offset
}

// ParseUnits walks .debug_info offset by offset, allocating (but not
// decoding) a Unit per header found.
func ParseUnits(sections *Sections) ([]*Unit, error) {
	info := sections.Info
	if info == nil {
		return nil, nil
	}
	var units []*Unit
	off := int64(0)
	for off < info.Size() {
		u, err := parseHeader(sections, off)
		if err != nil {
			return units, err
		}
		if u.Length == 0 {
			// Zero-length units are skipped.
			break
		}
		units = append(units, u)
		off = u.End
	}
	return units, nil
}

func parseHeader(sections *Sections, off int64) (*Unit, error) {
	info := sections.Info
	order := sections.Order
	start := off

	initialLen, err := reader.U32(info, off, order)
	if err != nil {
		return nil, err
	}
	off += 4
	format32 := true
	var length int64
	if initialLen == 0xffffffff {
		format32 = false
		l64, err := reader.U64(info, off, order)
		if err != nil {
			return nil, err
		}
		off += 8
		length = int64(l64)
	} else {
		length = int64(initialLen)
	}
	end := off + length

	version, err := reader.U16(info, off, order)
	if err != nil {
		return nil, err
	}
	off += 2

	u := &Unit{
		sections: sections,
		Offset:   start,
		Length:   length,
		End:      end,
		Format32: format32,
		Version:  version,
	}

	offSize := int64(4)
	if !format32 {
		offSize = 8
	}

	if version >= 5 {
		ut, err := reader.U8(info, off)
		if err != nil {
			return nil, err
		}
		off++
		u.UnitType = ut
		switch ut {
		case UTCompile, UTType, UTPartial, UTSkeleton, UTSplitCompile, UTSplitType:
			addrSize, err := reader.U8(info, off)
			if err != nil {
				return nil, err
			}
			off++
			u.AddrSize = addrSize

			abbrevOff, err := readOffset(info, off, offSize, order)
			if err != nil {
				return nil, err
			}
			off += offSize
			u.AbbrevOffset = abbrevOff

			if ut == UTType || ut == UTSplitType {
				sig, err := reader.U64(info, off, order)
				if err != nil {
					return nil, err
				}
				off += 8
				u.TypeSignature = sig
				typeOff, err := readOffset(info, off, offSize, order)
				if err != nil {
					return nil, err
				}
				off += offSize
				u.TypeOffset = typeOff
			}
			if ut == UTSplitCompile || ut == UTSplitType {
				id, err := reader.U64(info, off, order)
				if err != nil {
					return nil, err
				}
				off += 8
				u.DWOID = id
			}
		default:
			return nil, pstackerr.New(pstackerr.KindBadFormat, "unit.parseHeader",
				fmt.Errorf("unrecognized DW_UT unit type %#x at offset %#x", ut, start))
		}
	} else {
		abbrevOff, err := readOffset(info, off, offSize, order)
		if err != nil {
			return nil, err
		}
		off += offSize
		u.AbbrevOffset = abbrevOff

		addrSize, err := reader.U8(info, off)
		if err != nil {
			return nil, err
		}
		off++
		u.AddrSize = addrSize
	}

	u.RootOffset = off
	return u, nil
}

func readOffset(r reader.Reader, off int64, size int64, order reader.Order) (int64, error) {
	if size == 4 {
		v, err := reader.U32(r, off, order)
		return int64(v), err
	}
	v, err := reader.U64(r, off, order)
	return int64(v), err
}

// loadAbbrevs walks .debug_abbrev from u.AbbrevOffset, reading LEB128 codes
// until a zero code.
func (u *Unit) loadAbbrevs() {
	u.abbrevOnce.Do(func() {
		u.abbrevs = make(map[uint64]*Abbreviation)
		abbrev := u.sections.Abbrev
		if abbrev == nil {
			u.abbrevErr = pstackerr.New(pstackerr.KindMissingDebug, "unit.loadAbbrevs", fmt.Errorf("no .debug_abbrev section"))
			return
		}
		off := u.AbbrevOffset
		for {
			code, n, err := reader.ULEB128(abbrev, off)
			if err != nil {
				u.abbrevErr = err
				return
			}
			off += n
			if code == 0 {
				break
			}
			tag, n, err := reader.ULEB128(abbrev, off)
			if err != nil {
				u.abbrevErr = err
				return
			}
			off += n
			hasChildren, err := reader.U8(abbrev, off)
			if err != nil {
				u.abbrevErr = err
				return
			}
			off++

			ab := &Abbreviation{Tag: Tag(tag), HasChildren: hasChildren != 0}
			for {
				at, n, err := reader.ULEB128(abbrev, off)
				if err != nil {
					u.abbrevErr = err
					return
				}
				off += n
				form, n, err := reader.ULEB128(abbrev, off)
				if err != nil {
					u.abbrevErr = err
					return
				}
				off += n
				if at == 0 && form == 0 {
					break
				}
				spec := AttrSpec{Attr: Attr(at), Form: Form(form)}
				if Form(form) == FormImplicitConst {
					iv, n, err := reader.SLEB128(abbrev, off)
					if err != nil {
						u.abbrevErr = err
						return
					}
					off += n
					spec.ImplicitConst = iv
				}
				ab.Attrs = append(ab.Attrs, spec)
			}
			u.abbrevs[code] = ab
		}
	})
}

// FindAbbreviation returns the abbreviation for code, or nil if undefined.
func (u *Unit) FindAbbreviation(code uint64) *Abbreviation {
	u.loadAbbrevs()
	return u.abbrevs[code]
}

// OffsetToDIE decodes (or returns from cache) the DIE at the section-
// relative offset off. If off is zero, or falls outside the unit's
// [Offset, End) range, it returns the empty DIE; the cache retains a
// nil entry for offsets that decode to empty, avoiding repeated scans.
func (u *Unit) OffsetToDIE(off int64) (DIE, error) {
	if off == 0 || off < u.Offset || off >= u.End {
		return DIE{}, nil
	}
	u.loadAbbrevs()
	if u.abbrevErr != nil {
		return DIE{}, u.abbrevErr
	}

	u.dieMu.Lock()
	if u.dieCache == nil {
		u.dieCache = make(map[int64]*DIE)
	}
	if cached, ok := u.dieCache[off]; ok {
		u.dieMu.Unlock()
		if cached == nil {
			return DIE{}, nil
		}
		return *cached, nil
	}
	u.dieMu.Unlock()

	d, err := u.decodeDIE(off)
	if err != nil {
		return DIE{}, err
	}

	u.dieMu.Lock()
	if d.Empty() {
		u.dieCache[off] = nil
	} else {
		dc := d
		u.dieCache[off] = &dc
	}
	u.dieMu.Unlock()
	return d, nil
}

// Root returns this unit's root DIE (DW_TAG_compile_unit / partial_unit /
// type_unit, depending on UnitType).
func (u *Unit) Root() (DIE, error) {
	return u.OffsetToDIE(u.RootOffset)
}

func (u *Unit) decodeDIE(off int64) (DIE, error) {
	info := u.sections.Info
	code, n, err := reader.ULEB128(info, off)
	if err != nil {
		return DIE{}, err
	}
	cursor := off + n
	if code == 0 {
		// Null entry: terminates a sibling chain, decodes to empty.
		return DIE{}, nil
	}
	ab := u.FindAbbreviation(code)
	if ab == nil {
		return DIE{}, pstackerr.New(pstackerr.KindBadFormat, "unit.decodeDIE",
			fmt.Errorf("no abbreviation for code %d at offset %#x", code, off))
	}

	d := DIE{U: u, Offset: off, Tag: ab.Tag, HasChildren: ab.HasChildren}
	for _, spec := range ab.Attrs {
		val, consumed, err := u.readForm(cursor, spec)
		if err != nil {
			return DIE{}, err
		}
		cursor += consumed
		d.Attrs = append(d.Attrs, AttrValue{Attr: spec.Attr, Value: val})
	}
	return d, nil
}

// parentScan walks the unit's tree from the root once, recording each
// child's parent offset en route so Parent can answer in O(1) after.
func (u *Unit) parentScan() {
	u.parentsOnce.Do(func() {
		u.parents = make(map[int64]int64)
		root, err := u.Root()
		if err != nil || root.Empty() {
			return
		}
		u.walkChildren(root)
	})
}

func (u *Unit) walkChildren(d DIE) {
	if !d.HasChildren {
		return
	}
	cursor := d.Offset
	// d's own attribute bytes aren't retained on DIE, so re-walk via
	// ULEB128 code + forms to find where its children start.
	end, err := u.skipEntry(cursor)
	if err != nil {
		return
	}
	child := end
	for {
		cd, err := u.OffsetToDIE(child)
		if err != nil || cd.Empty() {
			return
		}
		u.parents[cd.Offset] = d.Offset
		u.walkChildren(cd)
		nextEnd, err := u.skipSubtree(child)
		if err != nil {
			return
		}
		child = nextEnd
	}
}

// skipEntry returns the offset immediately after the DIE (or null entry)
// starting at off, without populating the DIE cache, used only during
// parent-chain reconstruction.
func (u *Unit) skipEntry(off int64) (int64, error) {
	info := u.sections.Info
	code, n, err := reader.ULEB128(info, off)
	if err != nil {
		return 0, err
	}
	cursor := off + n
	if code == 0 {
		return cursor, nil
	}
	ab := u.FindAbbreviation(code)
	if ab == nil {
		return 0, pstackerr.New(pstackerr.KindBadFormat, "unit.skipEntry", fmt.Errorf("no abbreviation for code %d", code))
	}
	for _, spec := range ab.Attrs {
		_, consumed, err := u.readForm(cursor, spec)
		if err != nil {
			return 0, err
		}
		cursor += consumed
	}
	return cursor, nil
}

// Parent returns the parent DIE of child, reconstructing the whole tree's
// parent chain on first call (O(unit size)); subsequent calls are O(1).
func (u *Unit) Parent(child DIE) (DIE, bool) {
	u.parentScan()
	poff, ok := u.parents[child.Offset]
	if !ok {
		return DIE{}, false
	}
	d, err := u.OffsetToDIE(poff)
	if err != nil || d.Empty() {
		return DIE{}, false
	}
	return d, true
}
