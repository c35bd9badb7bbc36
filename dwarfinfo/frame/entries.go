// Package frame implements Call Frame Information decoding and
// rule-table evaluation for both .debug_frame and .eh_frame, built over
// reader.Reader and extended with eh_frame 'z' augmentation decoding
// (pointer-encoding byte, LSDA, personality routine) beyond a pure
// .debug_frame-oriented implementation. The .eh_frame_hdr search table is
// not parsed; FDE lookup uses the sorted index built from the parsed FDEs.
package frame

import (
	"fmt"
	"sort"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Section distinguishes the two CFI containers; their CIE id/augmentation
// conventions differ slightly (eh_frame's CIE id is 0, debug_frame's is
// 0xffffffff/0xffffffffffffffff).
type Section int

const (
	DebugFrame Section = iota
	EHFrame
)

// CommonInformationEntry is a CIE, per DWARF5 §6.4.1.
type CommonInformationEntry struct {
	Length                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	fdeEncoding ptrEnc // from augmentation 'R', defaults to ptrEncAbs
	lsdaEncoding ptrEnc // from augmentation 'L', ptrEncOmit if absent
	hasAugmentationData bool
}

// FrameDescriptionEntry is an FDE, per DWARF5 §6.4.1.
type FrameDescriptionEntry struct {
	Length       uint64
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
	order        reader.Order
	LSDA         uint64 // resolved language-specific data area address, 0 if none
}

// Cover reports whether addr falls within this FDE's covered range.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return addr >= fde.begin && addr-fde.begin < fde.size
}

// Begin returns the first address covered by this FDE.
func (fde *FrameDescriptionEntry) Begin() uint64 { return fde.begin }

// End returns the address just past this FDE's covered range.
func (fde *FrameDescriptionEntry) End() uint64 { return fde.begin + fde.size }

// EstablishFrame runs the CIE's initial instructions followed by this
// FDE's instructions up to pc, returning the resulting rule table.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) *Context {
	return executeUntilPC(fde, pc)
}

// Entries is a PC-sorted collection of FDEs, binary-searchable by address.
type Entries []*FrameDescriptionEntry

// ErrNoFDEForPC reports that no FDE covers a requested PC.
type ErrNoFDEForPC struct{ PC uint64 }

func (e *ErrNoFDEForPC) Error() string { return fmt.Sprintf("no FDE covers pc %#x", e.PC) }

// FDEForPC returns the FDE covering pc.
func (es Entries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	i := sort.Search(len(es), func(i int) bool { return es[i].Begin() >= pc })
	if i < len(es) && es[i].Begin() == pc {
		return es[i], nil
	}
	if i == 0 {
		return nil, &ErrNoFDEForPC{pc}
	}
	if es[i-1].Cover(pc) {
		return es[i-1], nil
	}
	return nil, &ErrNoFDEForPC{pc}
}

func (es Entries) sort() {
	sort.SliceStable(es, func(i, j int) bool { return es[i].Begin() < es[j].Begin() })
}

// ptrEnc is a GCC eh_frame pointer-encoding byte. Low nibble: storage size
// and signedness; high nibble: relocation scheme. See LSB §10.6.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00
	ptrEncOmit   ptrEnc = 0xff
	ptrEncUleb   ptrEnc = 0x01
	ptrEncUdata2 ptrEnc = 0x02
	ptrEncUdata4 ptrEnc = 0x03
	ptrEncUdata8 ptrEnc = 0x04
	ptrEncSigned ptrEnc = 0x08
	ptrEncSleb   ptrEnc = 0x09
	ptrEncSdata2 ptrEnc = 0x0a
	ptrEncSdata4 ptrEnc = 0x0b
	ptrEncSdata8 ptrEnc = 0x0c

	ptrEncFlagsMask ptrEnc = 0xf0
	ptrEncPCRel     ptrEnc = 0x10
	ptrEncTextRel   ptrEnc = 0x20
	ptrEncDataRel   ptrEnc = 0x30
	ptrEncFuncRel   ptrEnc = 0x40
	ptrEncAligned   ptrEnc = 0x50
	ptrEncIndirect  ptrEnc = 0x80
)

func (e ptrEnc) size(addrSize int) int {
	switch e & 0x0f {
	case ptrEncUdata2, ptrEncSdata2:
		return 2
	case ptrEncUdata4, ptrEncSdata4:
		return 4
	case ptrEncUdata8, ptrEncSdata8:
		return 8
	default:
		return addrSize
	}
}

var errBadCFI = func(op string, cause error) error {
	return pstackerr.New(pstackerr.KindBadFormat, "frame."+op, cause)
}
