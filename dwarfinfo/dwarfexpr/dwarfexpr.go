// Package dwarfexpr implements a small DWARF expression stack machine as
// a direct opcode switch. It carries only the opcode set CFI rules and
// simple variable locations actually use (DW_OP_addr, DW_OP_const*,
// DW_OP_plus*, DW_OP_deref*, DW_OP_breg*/DW_OP_reg*, DW_OP_fbreg,
// DW_OP_call_frame_cfa, DW_OP_piece, DW_OP_lit*), not the full
// vendor-extension table.
package dwarfexpr

import (
	"fmt"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Registers supplies the register values and frame context an expression
// may reference.
type Registers struct {
	CFA        uint64
	FrameBase  int64
	StaticBase uint64
	ByNum      map[uint64]uint64
	// Mem reads size little-endian bytes at addr from the target's address
	// space, for DW_OP_deref/DW_OP_deref_size. nil if the caller has no
	// memory access (e.g. evaluating a CFI rule that never dereferences).
	Mem func(addr uint64, size int) (uint64, error)
}

// Piece is one fragment of a composite location: either a byte range at
// an address, or a whole register.
type Piece struct {
	Size       int
	Addr       int64
	RegNum     uint64
	IsRegister bool
}

const (
	opAddr       = 0x03
	opDeref      = 0x06
	opConst1u    = 0x08
	opConst1s    = 0x09
	opConst2u    = 0x0a
	opConst2s    = 0x0b
	opConst4u    = 0x0c
	opConst4s    = 0x0d
	opConst8u    = 0x0e
	opConst8s    = 0x0f
	opConstu     = 0x10
	opConsts     = 0x11
	opDup        = 0x12
	opDrop       = 0x13
	opOver       = 0x14
	opSwap       = 0x16
	opAbs        = 0x19
	opAnd        = 0x1a
	opMinus      = 0x1c
	opMul        = 0x1e
	opNeg        = 0x1f
	opNot        = 0x20
	opOr         = 0x21
	opPlus       = 0x22
	opPlusUconst = 0x23
	opShl        = 0x24
	opShr        = 0x25
	opXor        = 0x27

	opLit0  = 0x30
	opLit31 = 0x4f
	opReg0  = 0x50
	opReg31 = 0x6f
	opBreg0 = 0x70
	opBreg31 = 0x8f
	opRegx      = 0x90
	opFbreg     = 0x91
	opBregx     = 0x92
	opPiece     = 0x93
	opDerefSize = 0x94
	opNop       = 0x96
	opCallFrameCFA = 0x9c
)

// Eval executes a DWARF location expression over reg — a DW_AT_location
// expression, or a CFI CFA/register-rule expression. It returns either
// an address (ok address form) or a list of Pieces for register/
// composite results.
func Eval(instructions []byte, regs Registers, addrSize int) (int64, []Piece, error) {
	e := &evaluator{data: instructions, regs: regs, addrSize: addrSize}
	for e.cursor < int64(len(e.data)) {
		op := e.data[e.cursor]
		e.cursor++
		if e.inReg && op != opPiece {
			break
		}
		if err := e.step(op); err != nil {
			return 0, nil, err
		}
	}
	if e.pieces != nil {
		return 0, e.pieces, nil
	}
	if len(e.stack) == 0 {
		return 0, nil, pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.Eval", fmt.Errorf("empty expression stack"))
	}
	return e.stack[len(e.stack)-1], nil, nil
}

type evaluator struct {
	data     []byte
	cursor   int64
	stack    []int64
	pieces   []Piece
	inReg    bool
	regs     Registers
	addrSize int
}

func (e *evaluator) push(v int64) { e.stack = append(e.stack, v) }

func (e *evaluator) pop() (int64, error) {
	n := len(e.stack)
	if n == 0 {
		return 0, pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.pop", fmt.Errorf("stack underflow"))
	}
	v := e.stack[n-1]
	e.stack = e.stack[:n-1]
	return v, nil
}

func (e *evaluator) uleb() uint64 {
	v, n, _ := reader.ULEB128(sliceR(e.data), e.cursor)
	e.cursor += n
	return v
}

func (e *evaluator) sleb() int64 {
	v, n, _ := reader.SLEB128(sliceR(e.data), e.cursor)
	e.cursor += n
	return v
}

func (e *evaluator) uintN(n int64) uint64 {
	var v uint64
	for i := int64(0); i < n; i++ {
		v |= uint64(e.data[e.cursor+i]) << (8 * i)
	}
	e.cursor += n
	return v
}

func (e *evaluator) step(op byte) error {
	switch {
	case op >= opLit0 && op <= opLit31:
		e.push(int64(op - opLit0))
		return nil
	case op >= opReg0 && op <= opReg31:
		e.inReg = true
		e.pieces = append(e.pieces, Piece{IsRegister: true, RegNum: uint64(op - opReg0)})
		return nil
	case op >= opBreg0 && op <= opBreg31:
		off := e.sleb()
		e.push(int64(e.regs.ByNum[uint64(op-opBreg0)]) + off)
		return nil
	}

	switch op {
	case opAddr:
		v := e.uintN(int64(e.addrSize))
		e.push(int64(v + e.regs.StaticBase))
	case opDeref, opDerefSize:
		size := e.addrSize
		if op == opDerefSize {
			size = int(e.uintN(1))
		}
		addr, err := e.pop()
		if err != nil {
			return err
		}
		if e.regs.Mem == nil {
			return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("DW_OP_deref requires target memory access, none supplied"))
		}
		v, err := e.regs.Mem(uint64(addr), size)
		if err != nil {
			return err
		}
		e.push(int64(v))
	case opConst1u:
		e.push(int64(e.uintN(1)))
	case opConst1s:
		e.push(int64(int8(e.uintN(1))))
	case opConst2u:
		e.push(int64(e.uintN(2)))
	case opConst2s:
		e.push(int64(int16(e.uintN(2))))
	case opConst4u:
		e.push(int64(e.uintN(4)))
	case opConst4s:
		e.push(int64(int32(e.uintN(4))))
	case opConst8u:
		e.push(int64(e.uintN(8)))
	case opConst8s:
		e.push(int64(e.uintN(8)))
	case opConstu:
		e.push(int64(e.uleb()))
	case opConsts:
		e.push(e.sleb())
	case opDup:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(v)
		e.push(v)
	case opDrop:
		_, err := e.pop()
		return err
	case opOver:
		if len(e.stack) < 2 {
			return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("stack underflow in DW_OP_over"))
		}
		e.push(e.stack[len(e.stack)-2])
	case opSwap:
		n := len(e.stack)
		if n < 2 {
			return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("stack underflow in DW_OP_swap"))
		}
		e.stack[n-1], e.stack[n-2] = e.stack[n-2], e.stack[n-1]
	case opAbs:
		v, err := e.pop()
		if err != nil {
			return err
		}
		if v < 0 {
			v = -v
		}
		e.push(v)
	case opAnd:
		return e.binop(func(a, b int64) int64 { return a & b })
	case opOr:
		return e.binop(func(a, b int64) int64 { return a | b })
	case opXor:
		return e.binop(func(a, b int64) int64 { return a ^ b })
	case opShl:
		return e.binop(func(a, b int64) int64 { return a << uint(b) })
	case opShr:
		return e.binop(func(a, b int64) int64 { return int64(uint64(a) >> uint(b)) })
	case opPlus:
		return e.binop(func(a, b int64) int64 { return a + b })
	case opMinus:
		return e.binop(func(a, b int64) int64 { return a - b })
	case opMul:
		return e.binop(func(a, b int64) int64 { return a * b })
	case opNeg:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(-v)
	case opNot:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(^v)
	case opPlusUconst:
		n := e.uleb()
		if len(e.stack) == 0 {
			return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("stack underflow in DW_OP_plus_uconst"))
		}
		e.stack[len(e.stack)-1] += int64(n)
	case opFbreg:
		off := e.sleb()
		e.push(e.regs.FrameBase + off)
	case opRegx:
		n := e.uleb()
		e.inReg = true
		e.pieces = append(e.pieces, Piece{IsRegister: true, RegNum: n})
	case opBregx:
		reg := e.uleb()
		off := e.sleb()
		e.push(int64(e.regs.ByNum[reg]) + off)
	case opPiece:
		sz := e.uleb()
		if e.inReg {
			e.inReg = false
			e.pieces[len(e.pieces)-1].Size = int(sz)
			return nil
		}
		addr, err := e.pop()
		if err != nil {
			return err
		}
		e.pieces = append(e.pieces, Piece{Size: int(sz), Addr: addr})
		e.stack = e.stack[:0]
	case opCallFrameCFA:
		if e.regs.CFA == 0 {
			return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("no CFA available for DW_OP_call_frame_cfa"))
		}
		e.push(int64(e.regs.CFA))
	case opNop:
	default:
		return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.step", fmt.Errorf("unsupported DWARF expression opcode %#x", op))
	}
	return nil
}

func (e *evaluator) binop(f func(a, b int64) int64) error {
	n := len(e.stack)
	if n < 2 {
		return pstackerr.New(pstackerr.KindBadFormat, "dwarfexpr.binop", fmt.Errorf("stack underflow"))
	}
	a, b := e.stack[n-2], e.stack[n-1]
	e.stack = e.stack[:n-2]
	e.push(f(a, b))
	return nil
}

type sliceR []byte

func (s sliceR) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(s)) {
		return nil, fmt.Errorf("short read in DWARF expression")
	}
	return s[off : off+length], nil
}
func (s sliceR) Size() int64   { return int64(len(s)) }
func (s sliceR) Label() string { return "dwarf-expression" }
