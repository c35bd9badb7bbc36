package unit

import (
	"fmt"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Sections exposes the section bundle this unit decodes against, so
// sibling packages (dwarfinfo's range and line-program glue) can read the
// same .debug_ranges/.debug_rnglists/.debug_addr sections this unit uses.
func (u *Unit) Sections() *Sections { return u.sections }

// ResolveAddrxPublic resolves a DW_FORM_addrx-style index against this
// unit's .debug_addr base, for range-list base-address entries that carry
// an indexed address rather than a literal one.
func (u *Unit) ResolveAddrxPublic(idx uint64) (uint64, error) {
	addrSize := int64(u.AddrSize)
	if addrSize == 0 {
		addrSize = 8
	}
	return u.resolveAddrx(idx, addrSize)
}

// LowPC returns this unit's own DW_AT_low_pc (the default base address for
// its range lists when no DW_RLE_base_address entry precedes them), or 0
// if absent.
func (u *Unit) LowPC() uint64 {
	root, err := u.Root()
	if err != nil || root.Empty() {
		return 0
	}
	if v, ok := root.Val(AttrLowPC); ok {
		return v.U
	}
	return 0
}

// RnglistsBase returns this unit's DW_AT_rnglists_base attribute, or the
// default DWARF5 .debug_rnglists header size (the offset immediately
// following the section header) if the unit carries none.
func (u *Unit) RnglistsBase() int64 {
	root, err := u.Root()
	if err == nil && !root.Empty() {
		if v, ok := root.Val(AttrRnglistsBase); ok {
			return int64(v.U)
		}
	}
	headerSize := int64(12)
	if !u.Format32 {
		headerSize = 20
	}
	return headerSize
}

// NextSiblingOffset returns the offset of the entry immediately following
// the DIE at off and its entire subtree (recursing through any children,
// terminated by their own null entries), without populating the DIE cache
// — used by dwarfinfo's tree-walking helpers to advance from one child to
// its next sibling.
func (u *Unit) NextSiblingOffset(off int64) int64 {
	next, err := u.skipSubtree(off)
	if err != nil {
		return u.End
	}
	return next
}

// FirstChildOffset returns the offset of the entry's first child — the
// position immediately after the DIE at off's own attribute bytes — for a
// DIE known to have children. Mirrors the first hop of the unit's own
// parent-scan walk (walkChildren); dwarfinfo's tree-walking helpers pair
// this with NextSiblingOffset for every hop thereafter.
func (u *Unit) FirstChildOffset(off int64) int64 {
	next, err := u.skipEntry(off)
	if err != nil {
		return u.End
	}
	return next
}

// skipSubtree returns the offset immediately past the DIE at off,
// including every descendant and the null entry terminating its sibling
// chain if it has children.
func (u *Unit) skipSubtree(off int64) (int64, error) {
	info := u.sections.Info
	code, _, err := reader.ULEB128(info, off)
	if err != nil {
		return 0, err
	}
	cursor, err := u.skipEntry(off)
	if err != nil {
		return 0, err
	}
	if code == 0 {
		return cursor, nil
	}
	ab := u.FindAbbreviation(code)
	if ab == nil {
		return 0, pstackerr.New(pstackerr.KindBadFormat, "unit.skipSubtree", fmt.Errorf("no abbreviation for code %d", code))
	}
	if !ab.HasChildren {
		return cursor, nil
	}
	for {
		childCode, n2, err := reader.ULEB128(info, cursor)
		if err != nil {
			return 0, err
		}
		if childCode == 0 {
			return cursor + n2, nil
		}
		cursor, err = u.skipSubtree(cursor)
		if err != nil {
			return 0, err
		}
	}
}
