package line

import (
	"github.com/devnexen/pstack/reader"
)

// Standard opcodes, DWARF5 §6.2.5.2.
const (
	opCopy            = 1
	opAdvancePC       = 2
	opAdvanceLine     = 3
	opSetFile         = 4
	opSetColumn       = 5
	opNegateStmt      = 6
	opSetBasicBlock   = 7
	opConstAddPC      = 8
	opFixedAdvancePC  = 9
	opSetPrologueEnd  = 10
	opSetEpilogueBgn  = 11
	opSetISA          = 12
)

// Extended opcodes, DWARF5 §6.2.5.3.
const (
	extEndSequence = 1
	extSetAddress  = 2
	extDefineFile  = 3
)

// stateMachine runs one Program's instruction stream.
type stateMachine struct {
	p *Program

	off int64 // cursor into p.Instructions

	address uint64
	file    string
	line    int
	column  uint
	isStmt  bool
	endSeq  bool
	valid   bool

	definedFiles []string
}

func newStateMachine(p *Program) *stateMachine {
	return &stateMachine{
		p:      p,
		line:   1,
		isStmt: p.Prologue.InitialIsStmt,
		address: p.StaticBase,
		file:   p.fileAt(fileStart(p)),
	}
}

func fileStart(p *Program) uint64 {
	if p.Prologue.Version >= 5 {
		return 0
	}
	return 1
}

func (sm *stateMachine) resetSequence() {
	sm.address = sm.p.StaticBase
	sm.file = sm.p.fileAt(fileStart(sm.p))
	sm.line = 1
	sm.column = 0
	sm.isStmt = sm.p.Prologue.InitialIsStmt
	sm.endSeq = false
}

// step executes one instruction (which may be a single special opcode or
// one full standard/extended opcode with operands), returning false when
// the instruction stream is exhausted.
func (sm *stateMachine) step() (bool, error) {
	if sm.endSeq {
		sm.resetSequence()
	}
	if sm.off >= int64(len(sm.p.Instructions)) {
		return false, nil
	}
	b := sm.p.Instructions[sm.off]
	sm.off++

	switch {
	case b == 0:
		return sm.execExtended()
	case b < sm.p.Prologue.OpcodeBase:
		return sm.execStandard(b)
	default:
		sm.execSpecial(b)
		return true, nil
	}
}

func (sm *stateMachine) execSpecial(b byte) {
	adjusted := int(b) - int(sm.p.Prologue.OpcodeBase)
	opAdvance := adjusted / int(sm.p.Prologue.LineRange)
	lineAdvance := int(sm.p.Prologue.LineBase) + adjusted%int(sm.p.Prologue.LineRange)
	sm.address += uint64(opAdvance) * uint64(sm.p.Prologue.MinInstrLen)
	sm.line += lineAdvance
	sm.valid = true
}

func (sm *stateMachine) execStandard(b byte) (bool, error) {
	sm.valid = false
	switch b {
	case opCopy:
		sm.valid = true
	case opAdvancePC:
		adv, n, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
		if err != nil {
			return false, err
		}
		sm.off += n
		sm.address += adv * uint64(sm.p.Prologue.MinInstrLen)
	case opAdvanceLine:
		adv, n, err := reader.SLEB128(bufReader(sm.p.Instructions), sm.off)
		if err != nil {
			return false, err
		}
		sm.off += n
		sm.line += int(adv)
	case opSetFile:
		idx, n, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
		if err != nil {
			return false, err
		}
		sm.off += n
		sm.file = sm.p.fileAt(idx)
	case opSetColumn:
		c, n, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
		if err != nil {
			return false, err
		}
		sm.off += n
		sm.column = uint(c)
	case opNegateStmt:
		sm.isStmt = !sm.isStmt
	case opSetBasicBlock:
	case opConstAddPC:
		adjusted := int(255) - int(sm.p.Prologue.OpcodeBase)
		sm.address += uint64(adjusted/int(sm.p.Prologue.LineRange)) * uint64(sm.p.Prologue.MinInstrLen)
	case opFixedAdvancePC:
		if sm.off+2 > int64(len(sm.p.Instructions)) {
			return false, nil
		}
		v := sm.p.Prologue.littleEndian16(sm.p.Instructions[sm.off : sm.off+2])
		sm.off += 2
		sm.address += uint64(v)
	case opSetPrologueEnd:
	case opSetEpilogueBgn:
	case opSetISA:
		_, n, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
		if err != nil {
			return false, err
		}
		sm.off += n
	default:
		// Unknown standard opcode: skip its declared operand count, per
		// DWARF5 §6.2.5.2's forward-compatibility rule.
		if int(b)-1 < len(sm.p.Prologue.StdOpLengths) {
			n := sm.p.Prologue.StdOpLengths[b-1]
			for i := uint8(0); i < n; i++ {
				_, consumed, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
				if err != nil {
					return false, err
				}
				sm.off += consumed
			}
		}
	}
	return true, nil
}

func (sm *stateMachine) execExtended() (bool, error) {
	length, n, err := reader.ULEB128(bufReader(sm.p.Instructions), sm.off)
	if err != nil {
		return false, err
	}
	opStart := sm.off + n
	opEnd := opStart + int64(length)
	if opEnd > int64(len(sm.p.Instructions)) || length == 0 {
		sm.off = opEnd
		return opEnd <= int64(len(sm.p.Instructions)), nil
	}
	sub := sm.p.Instructions[opStart]
	switch sub {
	case extEndSequence:
		sm.endSeq = true
		sm.valid = true
	case extSetAddress:
		addr := sm.p.Prologue.littleEndianAddr(sm.p.Instructions[opStart+1 : opEnd])
		sm.address = addr + sm.p.StaticBase
	case extDefineFile:
		// Legacy DW_LNE_define_file: name, dir index, mtime, length.
		name, _, _ := reader.String(bufReader(sm.p.Instructions), opStart+1)
		sm.definedFiles = append(sm.definedFiles, name)
	}
	sm.off = opEnd
	return true, nil
}

// littleEndian16/littleEndianAddr read fixed-width little-endian operands
// embedded directly in the instruction stream (DW_LNS_fixed_advance_pc,
// DW_LNE_set_address), which DWARF specifies as target byte order -- the
// producing compiler and this reader are assumed to share endianness.
func (pr Prologue) littleEndian16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func (pr Prologue) littleEndianAddr(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// bufReader adapts a plain byte slice to reader.Reader for the LEB128
// helpers, since the instruction stream is already materialized in memory
// by the time the state machine runs.
type bufReader []byte

func (b bufReader) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(b)) {
		return nil, shortRead{}
	}
	return b[off : off+length], nil
}
func (b bufReader) Size() int64   { return int64(len(b)) }
func (b bufReader) Label() string { return "line-program-instructions" }

type shortRead struct{}

func (shortRead) Error() string { return "short read in line-number instruction stream" }
