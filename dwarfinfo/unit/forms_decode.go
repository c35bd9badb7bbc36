package unit

import (
	"fmt"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// readForm decodes one attribute value of the given spec starting at off in
// .debug_info, returning the decoded Value and the number of bytes consumed.
// Indexed forms (strx*, addrx*) are resolved against .debug_str_offsets /
// .debug_addr eagerly so callers never need to know the unit's base offsets.
// DW_FORM_loclistx and DW_FORM_rnglistx are returned as raw indices.
// DW_FORM_ref1/ref2/ref4/ref8/ref_udata are unit-relative per the DWARF
// spec, so their decoded value is offset by u.Offset before being returned,
// giving an absolute .debug_info offset like every other caller of
// OffsetToDIE expects. DW_FORM_ref_addr is already absolute and needs no
// adjustment.
func (u *Unit) readForm(off int64, spec AttrSpec) (Value, int64, error) {
	info := u.sections.Info
	order := u.sections.Order
	offSize := int64(4)
	if !u.Format32 {
		offSize = 8
	}
	addrSize := int64(u.AddrSize)
	if addrSize == 0 {
		addrSize = 8
	}

	switch spec.Form {
	case FormAddr:
		v, err := readUint(info, off, addrSize, order)
		return Value{Form: spec.Form, U: v}, addrSize, err

	case FormBlock1:
		n, err := reader.U8(info, off)
		if err != nil {
			return Value{}, 0, err
		}
		b, err := info.ReadAt(off+1, int64(n))
		return Value{Form: spec.Form, Bytes: b}, 1 + int64(n), err
	case FormBlock2:
		n, err := reader.U16(info, off, order)
		if err != nil {
			return Value{}, 0, err
		}
		b, err := info.ReadAt(off+2, int64(n))
		return Value{Form: spec.Form, Bytes: b}, 2 + int64(n), err
	case FormBlock4:
		n, err := reader.U32(info, off, order)
		if err != nil {
			return Value{}, 0, err
		}
		b, err := info.ReadAt(off+4, int64(n))
		return Value{Form: spec.Form, Bytes: b}, 4 + int64(n), err
	case FormBlock, FormExprloc:
		n, consumed, err := reader.ULEB128(info, off)
		if err != nil {
			return Value{}, 0, err
		}
		b, err := info.ReadAt(off+consumed, int64(n))
		return Value{Form: spec.Form, Bytes: b}, consumed + int64(n), err

	case FormData1:
		v, err := reader.U8(info, off)
		return Value{Form: spec.Form, U: uint64(v)}, 1, err
	case FormRef1:
		v, err := reader.U8(info, off)
		return Value{Form: spec.Form, U: uint64(u.Offset) + uint64(v)}, 1, err
	case FormData2:
		v, err := reader.U16(info, off, order)
		return Value{Form: spec.Form, U: uint64(v)}, 2, err
	case FormRef2:
		v, err := reader.U16(info, off, order)
		return Value{Form: spec.Form, U: uint64(u.Offset) + uint64(v)}, 2, err
	case FormData4:
		v, err := reader.U32(info, off, order)
		return Value{Form: spec.Form, U: uint64(v)}, 4, err
	case FormRef4:
		v, err := reader.U32(info, off, order)
		return Value{Form: spec.Form, U: uint64(u.Offset) + uint64(v)}, 4, err
	case FormData8:
		v, err := reader.U64(info, off, order)
		return Value{Form: spec.Form, U: v}, 8, err
	case FormRef8:
		v, err := reader.U64(info, off, order)
		return Value{Form: spec.Form, U: uint64(u.Offset) + v}, 8, err
	case FormRefSig8:
		// An 8-byte type signature, not a .debug_info offset; no
		// unit-relative adjustment applies.
		v, err := reader.U64(info, off, order)
		return Value{Form: spec.Form, U: v}, 8, err
	case FormData16:
		b, err := info.ReadAt(off, 16)
		return Value{Form: spec.Form, Bytes: b}, 16, err

	case FormString:
		s, n, err := reader.String(info, off)
		return Value{Form: spec.Form, Str: s}, n, err

	case FormStrp:
		soff, err := readUint(info, off, offSize, order)
		if err != nil {
			return Value{}, 0, err
		}
		s, err := u.lookupStr(u.sections.Str, soff)
		return Value{Form: spec.Form, Str: s}, offSize, err
	case FormLineStrp:
		soff, err := readUint(info, off, offSize, order)
		if err != nil {
			return Value{}, 0, err
		}
		s, err := u.lookupStr(u.sections.LineStr, soff)
		return Value{Form: spec.Form, Str: s}, offSize, err

	case FormSdata:
		v, n, err := reader.SLEB128(info, off)
		return Value{Form: spec.Form, I: v}, n, err
	case FormUdata, FormLoclistx, FormRnglistx:
		v, n, err := reader.ULEB128(info, off)
		return Value{Form: spec.Form, U: v}, n, err
	case FormRefUdata:
		v, n, err := reader.ULEB128(info, off)
		return Value{Form: spec.Form, U: uint64(u.Offset) + v}, n, err

	case FormFlag:
		v, err := reader.U8(info, off)
		return Value{Form: spec.Form, U: uint64(v)}, 1, err
	case FormFlagPresent:
		return Value{Form: spec.Form, U: 1}, 0, nil

	case FormRefAddr:
		v, err := readUint(info, off, offSize, order)
		return Value{Form: spec.Form, U: v}, offSize, err
	case FormSecOffset:
		v, err := readUint(info, off, offSize, order)
		return Value{Form: spec.Form, U: v}, offSize, err

	case FormImplicitConst:
		return Value{Form: spec.Form, I: spec.ImplicitConst}, 0, nil

	case FormStrx:
		idx, n, err := reader.ULEB128(info, off)
		if err != nil {
			return Value{}, 0, err
		}
		s, err := u.resolveStrx(idx)
		return Value{Form: spec.Form, Str: s}, n, err
	case FormStrx1:
		v, err := reader.U8(info, off)
		s, serr := u.resolveStrx(uint64(v))
		if err == nil {
			err = serr
		}
		return Value{Form: spec.Form, Str: s}, 1, err
	case FormStrx2:
		v, err := reader.U16(info, off, order)
		s, serr := u.resolveStrx(uint64(v))
		if err == nil {
			err = serr
		}
		return Value{Form: spec.Form, Str: s}, 2, err
	case FormStrx3:
		b, err := info.ReadAt(off, 3)
		if err != nil {
			return Value{}, 0, err
		}
		v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16
		s, serr := u.resolveStrx(v)
		return Value{Form: spec.Form, Str: s}, 3, serr
	case FormStrx4:
		v, err := reader.U32(info, off, order)
		s, serr := u.resolveStrx(uint64(v))
		if err == nil {
			err = serr
		}
		return Value{Form: spec.Form, Str: s}, 4, err

	case FormAddrx:
		idx, n, err := reader.ULEB128(info, off)
		if err != nil {
			return Value{}, 0, err
		}
		v, err := u.resolveAddrx(idx, addrSize)
		return Value{Form: spec.Form, U: v}, n, err
	case FormAddrx1:
		v, err := reader.U8(info, off)
		a, aerr := u.resolveAddrx(uint64(v), addrSize)
		if err == nil {
			err = aerr
		}
		return Value{Form: spec.Form, U: a}, 1, err
	case FormAddrx2:
		v, err := reader.U16(info, off, order)
		a, aerr := u.resolveAddrx(uint64(v), addrSize)
		if err == nil {
			err = aerr
		}
		return Value{Form: spec.Form, U: a}, 2, err
	case FormAddrx3:
		b, err := info.ReadAt(off, 3)
		if err != nil {
			return Value{}, 0, err
		}
		v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16
		a, aerr := u.resolveAddrx(v, addrSize)
		return Value{Form: spec.Form, U: a}, 3, aerr
	case FormAddrx4:
		v, err := reader.U32(info, off, order)
		a, aerr := u.resolveAddrx(uint64(v), addrSize)
		if err == nil {
			err = aerr
		}
		return Value{Form: spec.Form, U: a}, 4, err

	case FormIndirect:
		f, n, err := reader.ULEB128(info, off)
		if err != nil {
			return Value{}, 0, err
		}
		val, n2, err := u.readForm(off+n, AttrSpec{Attr: spec.Attr, Form: Form(f)})
		return val, n + n2, err

	case FormRefSup4:
		v, err := reader.U32(info, off, order)
		return Value{Form: spec.Form, U: uint64(v)}, 4, err
	case FormRefSup8:
		v, err := reader.U64(info, off, order)
		return Value{Form: spec.Form, U: v}, 8, err
	case FormStrpSup:
		v, err := readUint(info, off, offSize, order)
		return Value{Form: spec.Form, U: v}, offSize, err

	default:
		return Value{}, 0, pstackerr.New(pstackerr.KindBadFormat, "unit.readForm",
			fmt.Errorf("unsupported DWARF form %#x", spec.Form))
	}
}

func readUint(r reader.Reader, off, size int64, order reader.Order) (uint64, error) {
	if size == 4 {
		v, err := reader.U32(r, off, order)
		return uint64(v), err
	}
	return reader.U64(r, off, order)
}

// lookupStr reads a null-terminated string at byte offset soff within sec
// (.debug_str or .debug_line_str).
func (u *Unit) lookupStr(sec reader.Reader, soff uint64) (string, error) {
	if sec == nil {
		return "", pstackerr.New(pstackerr.KindMissingDebug, "unit.lookupStr", fmt.Errorf("no string section"))
	}
	s, _, err := reader.String(sec, int64(soff))
	return s, err
}

// resolveStrx resolves a .debug_str_offsets index to its string, per
// DWARF5 §7.26. The unit's str_offsets base is assumed to be the section
// base plus the DWARF5 header (8 bytes for 32-bit format, 16 for 64-bit);
// units referencing a non-default base via DW_AT_str_offsets_base are
// expected to have that attribute applied by a higher layer before calling
// this on attributes other than that one.
func (u *Unit) resolveStrx(idx uint64) (string, error) {
	so := u.sections.StrOffsets
	if so == nil || u.sections.Str == nil {
		return "", pstackerr.New(pstackerr.KindMissingDebug, "unit.resolveStrx", fmt.Errorf("no .debug_str_offsets/.debug_str section"))
	}
	offSize := int64(4)
	headerSize := int64(8)
	if !u.Format32 {
		offSize = 8
		headerSize = 16
	}
	entryOff := headerSize + int64(idx)*offSize
	soff, err := readUint(so, entryOff, offSize, u.sections.Order)
	if err != nil {
		return "", err
	}
	return u.lookupStr(u.sections.Str, soff)
}

// resolveAddrx resolves a .debug_addr index to its address, per DWARF5
// §7.27. Mirrors resolveStrx's base assumption.
func (u *Unit) resolveAddrx(idx uint64, addrSize int64) (uint64, error) {
	addr := u.sections.Addr
	if addr == nil {
		return 0, pstackerr.New(pstackerr.KindMissingDebug, "unit.resolveAddrx", fmt.Errorf("no .debug_addr section"))
	}
	headerSize := int64(8)
	if !u.Format32 {
		headerSize = 16
	}
	entryOff := headerSize + int64(idx)*addrSize
	return readUint(addr, entryOff, addrSize, u.sections.Order)
}
