// Package dwarfinfo ties together the sub-packages unit, line and frame
// into a single per-Object DWARF state: units, line tables, aranges, and
// CFI tables, all lazily populated and cached behind one per-binary
// object.
package dwarfinfo

import (
	"fmt"

	"github.com/devnexen/pstack/dwarfinfo/unit"
	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// AddrRange is a half-open [Low, High) address interval.
type AddrRange struct {
	Low, High uint64
}

// Covers reports whether addr falls in [r.Low, r.High).
func (r AddrRange) Covers(addr uint64) bool { return addr >= r.Low && addr < r.High }

const rleEndOfList = 0x00
const rleBaseAddressx = 0x01
const rleStartxEndx = 0x02
const rleStartxLength = 0x03
const rleOffsetPair = 0x04
const rleBaseAddress = 0x05
const rleStart = 0x06
const rleStartLength = 0x07

// rangesForDIE resolves a DIE's DW_AT_low_pc/DW_AT_high_pc pair, or its
// DW_AT_ranges list, into a set of covered AddrRanges. A DIE's explicit
// low_pc/high_pc (or ranges) always takes precedence over
// .debug_aranges, which the caller only consults as a coarse pre-filter.
func rangesForDIE(d unit.DIE) ([]AddrRange, error) {
	low, hasLow := d.Val(unit.AttrLowPC)
	if hasLow {
		high, hasHigh := d.Val(unit.AttrHighPC)
		if hasHigh {
			hi := high.U
			// DW_AT_high_pc is an offset from low_pc when its form is a
			// constant class rather than an address, DWARF5 §2.17.2.
			if high.Form != unit.FormAddr && high.Form != unit.FormAddrx &&
				high.Form != unit.FormAddrx1 && high.Form != unit.FormAddrx2 &&
				high.Form != unit.FormAddrx3 && high.Form != unit.FormAddrx4 {
				hi = low.U + high.U
			}
			return []AddrRange{{Low: low.U, High: hi}}, nil
		}
		return []AddrRange{{Low: low.U, High: low.U + 1}}, nil
	}

	rv, hasRanges := d.Val(unit.AttrRanges)
	if !hasRanges {
		return nil, nil
	}
	u := d.U
	switch rv.Form {
	case unit.FormSecOffset:
		return parseDebugRanges(u, int64(rv.U))
	case unit.FormRnglistx:
		return parseRnglistsIndexed(u, rv.U)
	default:
		return parseDebugRanges(u, int64(rv.U))
	}
}

// parseDebugRanges walks the legacy DWARF2-4 .debug_ranges format: pairs of
// (address size)-wide values, terminated by a (0,0) pair, with an all-ones
// first value selecting a new base address.
func parseDebugRanges(u *unit.Unit, off int64) ([]AddrRange, error) {
	sec := u.Sections().Ranges
	if sec == nil {
		return nil, pstackerr.New(pstackerr.KindMissingDebug, "dwarfinfo.parseDebugRanges", fmt.Errorf("no .debug_ranges section"))
	}
	addrSize := int64(u.AddrSize)
	if addrSize == 0 {
		addrSize = 8
	}
	order := u.Sections().Order
	base := u.LowPC()

	var ranges []AddrRange
	cursor := off
	for {
		a, err := readAddrN(sec, cursor, addrSize, order)
		if err != nil {
			return nil, err
		}
		b, err := readAddrN(sec, cursor+addrSize, addrSize, order)
		if err != nil {
			return nil, err
		}
		cursor += 2 * addrSize
		if a == 0 && b == 0 {
			break
		}
		if allOnesAddr(a, addrSize) {
			base = b
			continue
		}
		ranges = append(ranges, AddrRange{Low: base + a, High: base + b})
	}
	return ranges, nil
}

// parseRnglistsIndexed resolves a DW_FORM_rnglistx index against the
// unit's DW_AT_rnglists_base into a .debug_rnglists offset, then parses
// the DWARF5 range-list-entry stream there.
func parseRnglistsIndexed(u *unit.Unit, idx uint64) ([]AddrRange, error) {
	sec := u.Sections().RngLists
	if sec == nil {
		return nil, pstackerr.New(pstackerr.KindMissingDebug, "dwarfinfo.parseRnglistsIndexed", fmt.Errorf("no .debug_rnglists section"))
	}
	base := u.RnglistsBase()
	offSize := int64(4)
	if !u.Format32 {
		offSize = 8
	}
	entryOff := base + int64(idx)*offSize
	off, err := readOffsetSized(sec, entryOff, offSize, u.Sections().Order)
	if err != nil {
		return nil, err
	}
	return parseRnglistsAt(u, base+off)
}

func parseRnglistsAt(u *unit.Unit, off int64) ([]AddrRange, error) {
	sec := u.Sections().RngLists
	addrSize := int64(u.AddrSize)
	if addrSize == 0 {
		addrSize = 8
	}
	base := u.LowPC()
	var ranges []AddrRange
	cursor := off
	for {
		kind, err := reader.U8(sec, cursor)
		if err != nil {
			return nil, err
		}
		cursor++
		switch kind {
		case rleEndOfList:
			return ranges, nil
		case rleBaseAddressx:
			idx, n, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n
			v, err := u.ResolveAddrxPublic(idx)
			if err != nil {
				return nil, err
			}
			base = v
		case rleStartxEndx:
			s, n1, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n1
			e, n2, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n2
			sv, err := u.ResolveAddrxPublic(s)
			if err != nil {
				return nil, err
			}
			ev, err := u.ResolveAddrxPublic(e)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, AddrRange{Low: sv, High: ev})
		case rleStartxLength:
			s, n1, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n1
			l, n2, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n2
			sv, err := u.ResolveAddrxPublic(s)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, AddrRange{Low: sv, High: sv + l})
		case rleOffsetPair:
			s, n1, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n1
			e, n2, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n2
			ranges = append(ranges, AddrRange{Low: base + s, High: base + e})
		case rleBaseAddress:
			v, err := readAddrN(sec, cursor, addrSize, u.Sections().Order)
			if err != nil {
				return nil, err
			}
			cursor += addrSize
			base = v
		case rleStart:
			v, err := readAddrN(sec, cursor, addrSize, u.Sections().Order)
			if err != nil {
				return nil, err
			}
			cursor += addrSize
			ranges = append(ranges, AddrRange{Low: v, High: v + 1})
		case rleStartLength:
			v, err := readAddrN(sec, cursor, addrSize, u.Sections().Order)
			if err != nil {
				return nil, err
			}
			cursor += addrSize
			l, n, err := reader.ULEB128(sec, cursor)
			if err != nil {
				return nil, err
			}
			cursor += n
			ranges = append(ranges, AddrRange{Low: v, High: v + l})
		default:
			return nil, pstackerr.New(pstackerr.KindBadFormat, "dwarfinfo.parseRnglistsAt",
				fmt.Errorf("unsupported DW_RLE kind %#x", kind))
		}
	}
}

func readAddrN(r reader.Reader, off, size int64, order reader.Order) (uint64, error) {
	return readOffsetSizedU(r, off, size, order)
}

func readOffsetSizedU(r reader.Reader, off, size int64, order reader.Order) (uint64, error) {
	if size == 4 {
		v, err := reader.U32(r, off, order)
		return uint64(v), err
	}
	return reader.U64(r, off, order)
}

func readOffsetSized(r reader.Reader, off, size int64, order reader.Order) (int64, error) {
	v, err := readOffsetSizedU(r, off, size, order)
	return int64(v), err
}

func allOnesAddr(v uint64, size int64) bool {
	if size == 4 {
		return v == 0xffffffff
	}
	return v == 0xffffffffffffffff
}

// Arange is one row of a .debug_aranges table: the address range covered
// by a compilation unit, used as a fast pre-filter before a full DIE
// range resolution.
type Arange struct {
	AddrRange
	UnitOffset int64
}

// ParseAranges decodes every set-header + tuple-list in a .debug_aranges
// section, per DWARF5 §6.1.2.
func ParseAranges(sec reader.Reader, order reader.Order) ([]Arange, error) {
	if sec == nil {
		return nil, nil
	}
	var out []Arange
	off := int64(0)
	for off < sec.Size() {
		length, err := reader.U32(sec, off, order)
		if err != nil {
			return out, err
		}
		end := off + 4 + int64(length)
		cursor := off + 4

		if _, err := reader.U16(sec, cursor, order); err != nil { // version
			return out, err
		}
		cursor += 2
		cuOffset, err := reader.U32(sec, cursor, order)
		if err != nil {
			return out, err
		}
		cursor += 4
		addrSize, err := reader.U8(sec, cursor)
		if err != nil {
			return out, err
		}
		cursor++
		if _, err := reader.U8(sec, cursor); err != nil { // segment_selector_size
			return out, err
		}
		cursor++

		// Tuples are aligned to 2*addrSize.
		align := int64(2 * addrSize)
		if align > 0 {
			if rem := (cursor - off) % align; rem != 0 {
				cursor += align - rem
			}
		}

		for cursor < end {
			a, err := readAddrN(sec, cursor, int64(addrSize), order)
			if err != nil {
				return out, err
			}
			l, err := readAddrN(sec, cursor+int64(addrSize), int64(addrSize), order)
			if err != nil {
				return out, err
			}
			cursor += 2 * int64(addrSize)
			if a == 0 && l == 0 {
				break
			}
			out = append(out, Arange{AddrRange: AddrRange{Low: a, High: a + l}, UnitOffset: int64(cuOffset)})
		}
		off = end
	}
	return out, nil
}
