package frame

import (
	"fmt"

	"github.com/devnexen/pstack/reader"
)

// Parse decodes every CIE/FDE record in a .debug_frame or .eh_frame
// section. staticBase is the load bias to apply to FDE begin addresses
// and absolute eh_frame pointers (0 for non-PIE binaries and for
// core-dump analysis where addresses are already process-relative).
func Parse(info reader.Reader, order reader.Order, staticBase uint64, addrSize int, section Section) (Entries, error) {
	var entries Entries
	cies := make(map[int64]*CommonInformationEntry)

	off := int64(0)
	for off < info.Size() {
		entryStart := off
		length, format32, consumed, err := readInitialLength(info, off, order)
		if err != nil {
			return entries, err
		}
		off += consumed
		if length == 0 {
			break
		}
		end := off + length

		idSize := int64(4)
		if !format32 {
			idSize = 8
		}
		idFieldOffset := off
		id, err := readUintN(info, off, idSize, order)
		if err != nil {
			return entries, err
		}
		off += idSize

		isCIE := (section == DebugFrame && allOnes(id, idSize)) || (section == EHFrame && id == 0)
		if isCIE {
			cie, err := parseCIE(info, off, end, order, addrSize, section)
			if err != nil {
				return entries, err
			}
			cie.Length = uint64(length)
			cies[entryStart] = cie
			off = end
			continue
		}

		var ciePtr int64
		if section == EHFrame {
			ciePtr = idFieldOffset - int64(id)
		} else {
			ciePtr = int64(id)
		}
		cie, ok := cies[ciePtr]
		if !ok {
			c2, err := parseCIE(info, ciePtr+idSize, 0, order, addrSize, section)
			if err == nil {
				cie = c2
				cies[ciePtr] = cie
			}
		}

		fde, err := parseFDE(info, off, end, cie, order, staticBase, addrSize, section)
		if err != nil {
			return entries, err
		}
		fde.Length = uint64(length)
		entries = append(entries, fde)
		off = end
	}

	entries.sort()
	return entries, nil
}

func allOnes(v uint64, size int64) bool {
	if size == 4 {
		return v == 0xffffffff
	}
	return v == 0xffffffffffffffff
}

func readInitialLength(r reader.Reader, off int64, order reader.Order) (length int64, format32 bool, consumed int64, err error) {
	initial, err := reader.U32(r, off, order)
	if err != nil {
		return 0, true, 0, err
	}
	if initial == 0xffffffff {
		l64, err := reader.U64(r, off+4, order)
		if err != nil {
			return 0, false, 0, err
		}
		return int64(l64), false, 12, nil
	}
	return int64(initial), true, 4, nil
}

func readUintN(r reader.Reader, off, size int64, order reader.Order) (uint64, error) {
	if size == 4 {
		v, err := reader.U32(r, off, order)
		return uint64(v), err
	}
	return reader.U64(r, off, order)
}

func parseCIE(info reader.Reader, off, end int64, order reader.Order, addrSize int, section Section) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{fdeEncoding: ptrEncAbs, lsdaEncoding: ptrEncOmit}

	version, err := reader.U8(info, off)
	if err != nil {
		return nil, err
	}
	off++
	cie.Version = version

	aug, n, err := reader.String(info, off)
	if err != nil {
		return nil, err
	}
	off += n
	cie.Augmentation = aug

	if version >= 4 {
		// address_size, segment_selector_size (DWARF4 .debug_frame only)
		off += 2
	}

	caf, n, err := reader.ULEB128(info, off)
	if err != nil {
		return nil, err
	}
	off += n
	cie.CodeAlignmentFactor = caf

	daf, n, err := reader.SLEB128(info, off)
	if err != nil {
		return nil, err
	}
	off += n
	cie.DataAlignmentFactor = daf

	rar, n, err := reader.ULEB128(info, off)
	if err != nil {
		return nil, err
	}
	off += n
	cie.ReturnAddressRegister = rar

	if len(aug) > 0 && aug[0] == 'z' {
		cie.hasAugmentationData = true
		augLen, n, err := reader.ULEB128(info, off)
		if err != nil {
			return nil, err
		}
		augDataStart := off + n
		augOff := augDataStart
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				v, err := reader.U8(info, augOff)
				if err != nil {
					return nil, err
				}
				cie.fdeEncoding = ptrEnc(v)
				augOff++
			case 'L':
				v, err := reader.U8(info, augOff)
				if err != nil {
					return nil, err
				}
				cie.lsdaEncoding = ptrEnc(v)
				augOff++
			case 'P':
				enc, err := reader.U8(info, augOff)
				if err != nil {
					return nil, err
				}
				augOff++
				_, consumed, err := readEncodedPointer(info, augOff, ptrEnc(enc), addrSize, order, 0)
				if err != nil {
					return nil, err
				}
				augOff += consumed
			case 'S', 'B', 'G':
				// signal-frame / BTI / MTE markers carry no augmentation bytes.
			default:
				return nil, errBadCFI("parseCIE", fmt.Errorf("unrecognized augmentation character %q", c))
			}
		}
		off = augDataStart + int64(augLen)
	}

	if end == 0 {
		// Re-parse invoked without a known end (out-of-order CIE lookup);
		// the caller only wanted the header, not the initial instructions.
		return cie, nil
	}

	insts, err := info.ReadAt(off, end-off)
	if err != nil {
		return nil, err
	}
	cie.InitialInstructions = insts
	return cie, nil
}

func parseFDE(info reader.Reader, off, end int64, cie *CommonInformationEntry, order reader.Order, staticBase uint64, addrSize int, section Section) (*FrameDescriptionEntry, error) {
	fde := &FrameDescriptionEntry{CIE: cie, order: order}
	if cie == nil {
		return fde, errBadCFI("parseFDE", fmt.Errorf("no CIE for FDE at offset %#x", off))
	}

	enc := cie.fdeEncoding
	begin, n, err := readEncodedPointer(info, off, enc, addrSize, order, staticBase)
	if err != nil {
		return nil, err
	}
	off += n
	fde.begin = begin

	sizeEnc := enc &^ ptrEncFlagsMask // the range length is never PC-relative
	size, n2, err := readEncodedPointer(info, off, sizeEnc, addrSize, order, 0)
	if err != nil {
		return nil, err
	}
	off += n2
	fde.size = size

	if cie.hasAugmentationData {
		augLen, n3, err := reader.ULEB128(info, off)
		if err != nil {
			return nil, err
		}
		augStart := off + n3
		if cie.lsdaEncoding != ptrEncOmit && augLen > 0 {
			lsda, _, err := readEncodedPointer(info, augStart, cie.lsdaEncoding, addrSize, order, staticBase)
			if err == nil {
				fde.LSDA = lsda
			}
		}
		off = augStart + int64(augLen)
	}

	insts, err := info.ReadAt(off, end-off)
	if err != nil {
		return nil, err
	}
	fde.Instructions = insts
	return fde, nil
}

// readEncodedPointer decodes a GCC eh_frame encoded pointer at off,
// returning its value and bytes consumed. pcRelBase, when the encoding
// carries the PC-relative flag, is added to the decoded offset together
// with staticBase.
func readEncodedPointer(r reader.Reader, off int64, enc ptrEnc, addrSize int, order reader.Order, staticBase uint64) (uint64, int64, error) {
	if enc == ptrEncOmit {
		return 0, 0, nil
	}
	var v uint64
	var n int64
	switch enc & 0x0f {
	case ptrEncUleb:
		uv, consumed, err := reader.ULEB128(r, off)
		if err != nil {
			return 0, 0, err
		}
		v, n = uv, consumed
	case ptrEncSleb:
		sv, consumed, err := reader.SLEB128(r, off)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(sv), consumed
	case ptrEncUdata2:
		uv, err := reader.U16(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(uv), 2
	case ptrEncSdata2:
		uv, err := reader.U16(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(int64(int16(uv))), 2
	case ptrEncUdata4:
		uv, err := reader.U32(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(uv), 4
	case ptrEncSdata4:
		uv, err := reader.U32(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uint64(int64(int32(uv))), 4
	case ptrEncUdata8:
		uv, err := reader.U64(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uv, 8
	case ptrEncSdata8:
		uv, err := reader.U64(r, off, order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uv, 8
	default: // ptrEncAbs and any unrecognized size nibble
		uv, err := readUintN(r, off, int64(addrSize), order)
		if err != nil {
			return 0, 0, err
		}
		v, n = uv, int64(addrSize)
	}

	if enc&ptrEncFlagsMask == ptrEncPCRel {
		v += uint64(off)
	}
	v += staticBase
	return v, n, nil
}
