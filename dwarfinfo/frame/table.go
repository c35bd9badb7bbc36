package frame

import (
	"fmt"

	"github.com/devnexen/pstack/reader"
)

// Rule identifies how a register's value (or the CFA) is recovered at a
// given PC, per DWARF5 §6.4.1 table 6.4.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset // value at CFA + Offset
	RuleValOffset
	RuleRegister // value of register Reg
	RuleExpression
	RuleValExpression
	RuleCFA // CFA = value of register Reg + Offset
)

// DWRule is one register's (or the CFA's) recovery rule.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// Context is the rule table resulting from running a CIE's initial
// instructions followed by an FDE's instructions up to some PC.
type Context struct {
	loc        uint64
	address    uint64
	order      reader.Order
	CFA        DWRule
	Regs       map[uint64]DWRule
	initial    map[uint64]DWRule
	cie        *CommonInformationEntry
	RetAddrReg uint64

	cursor int64
	data   []byte
	stack  []rowState
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

func executeUntilPC(fde *FrameDescriptionEntry, pc uint64) *Context {
	ctx := &Context{
		Regs:       make(map[uint64]DWRule),
		initial:    make(map[uint64]DWRule),
		cie:        fde.CIE,
		order:      fde.order,
		RetAddrReg: fde.CIE.ReturnAddressRegister,
	}
	ctx.data = ctx.cie.InitialInstructions
	ctx.cursor = 0
	ctx.run(^uint64(0))
	for k, v := range ctx.Regs {
		ctx.initial[k] = v
	}

	ctx.loc = fde.Begin()
	ctx.address = pc
	ctx.data = fde.Instructions
	ctx.cursor = 0
	ctx.run(pc)
	return ctx
}

// run executes instructions until ctx.loc would advance past stopAt, or
// the instruction stream is exhausted.
func (ctx *Context) run(stopAt uint64) {
	for ctx.cursor < int64(len(ctx.data)) {
		if ctx.loc > stopAt {
			break
		}
		ctx.step()
	}
}

const highTwoBits = 0xc0
const low6 = 0x3f

// Standard CFA opcodes, DWARF5 §6.4.2.
const (
	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCFA            = 0x0c
	cfaDefCFARegister    = 0x0d
	cfaDefCFAOffset      = 0x0e
	cfaDefCFAExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSF  = 0x11
	cfaDefCFASF          = 0x12
	cfaDefCFAOffsetSF    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSF       = 0x15
	cfaValExpression     = 0x16
	cfaLoUser            = 0x1c
	cfaHiUser            = 0x3f
	cfaAdvanceLoc        = 0x1 << 6
	cfaOffset            = 0x2 << 6
	cfaRestore           = 0x3 << 6
)

func (ctx *Context) u8() byte {
	b := ctx.data[ctx.cursor]
	ctx.cursor++
	return b
}

func (ctx *Context) uleb() uint64 {
	v, n, _ := reader.ULEB128(sliceReader(ctx.data), ctx.cursor)
	ctx.cursor += n
	return v
}

func (ctx *Context) sleb() int64 {
	v, n, _ := reader.SLEB128(sliceReader(ctx.data), ctx.cursor)
	ctx.cursor += n
	return v
}

func (ctx *Context) u16() uint16 {
	v := ctx.order.Uint16(ctx.data[ctx.cursor : ctx.cursor+2])
	ctx.cursor += 2
	return v
}

func (ctx *Context) u32() uint32 {
	v := ctx.order.Uint32(ctx.data[ctx.cursor : ctx.cursor+4])
	ctx.cursor += 4
	return v
}

func (ctx *Context) u64() uint64 {
	v := ctx.order.Uint64(ctx.data[ctx.cursor : ctx.cursor+8])
	ctx.cursor += 8
	return v
}

func (ctx *Context) block() []byte {
	l := ctx.uleb()
	b := ctx.data[ctx.cursor : ctx.cursor+int64(l)]
	ctx.cursor += int64(l)
	return b
}

func (ctx *Context) step() {
	op := ctx.u8()
	if op == cfaNop {
		return
	}

	switch op & highTwoBits {
	case cfaAdvanceLoc:
		ctx.loc += uint64(op&low6) * ctx.cie.CodeAlignmentFactor
		return
	case cfaOffset:
		reg := uint64(op & low6)
		off := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(off) * ctx.cie.DataAlignmentFactor}
		return
	case cfaRestore:
		reg := uint64(op & low6)
		ctx.restoreReg(reg)
		return
	}

	switch op {
	case cfaSetLoc:
		// DW_CFA_set_loc's operand is address-sized; this module only
		// targets amd64, where that's 8 bytes.
		ctx.loc = ctx.u64()
	case cfaAdvanceLoc1:
		ctx.loc += uint64(ctx.u8()) * ctx.cie.CodeAlignmentFactor
	case cfaAdvanceLoc2:
		ctx.loc += uint64(ctx.u16()) * ctx.cie.CodeAlignmentFactor
	case cfaAdvanceLoc4:
		ctx.loc += uint64(ctx.u32()) * ctx.cie.CodeAlignmentFactor
	case cfaOffsetExtended:
		reg := ctx.uleb()
		off := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(off) * ctx.cie.DataAlignmentFactor}
	case cfaRestoreExtended:
		ctx.restoreReg(ctx.uleb())
	case cfaUndefined:
		reg := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleUndefined}
	case cfaSameValue:
		reg := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleSameVal}
	case cfaRegister:
		reg1 := ctx.uleb()
		reg2 := ctx.uleb()
		ctx.Regs[reg1] = DWRule{Rule: RuleRegister, Reg: reg2}
	case cfaRememberState:
		clone := make(map[uint64]DWRule, len(ctx.Regs))
		for k, v := range ctx.Regs {
			clone[k] = v
		}
		ctx.stack = append(ctx.stack, rowState{cfa: ctx.CFA, regs: clone})
	case cfaRestoreState:
		if n := len(ctx.stack); n > 0 {
			top := ctx.stack[n-1]
			ctx.stack = ctx.stack[:n-1]
			ctx.CFA = top.cfa
			ctx.Regs = top.regs
		}
	case cfaDefCFA:
		reg := ctx.uleb()
		off := ctx.uleb()
		ctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
	case cfaDefCFARegister:
		ctx.CFA.Reg = ctx.uleb()
	case cfaDefCFAOffset:
		ctx.CFA.Offset = int64(ctx.uleb())
	case cfaDefCFAExpression:
		ctx.CFA = DWRule{Rule: RuleExpression, Expression: ctx.block()}
	case cfaExpression:
		reg := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleExpression, Expression: ctx.block()}
	case cfaOffsetExtendedSF:
		reg := ctx.uleb()
		off := ctx.sleb()
		ctx.Regs[reg] = DWRule{Rule: RuleOffset, Offset: off * ctx.cie.DataAlignmentFactor}
	case cfaDefCFASF:
		reg := ctx.uleb()
		off := ctx.sleb()
		ctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * ctx.cie.DataAlignmentFactor}
	case cfaDefCFAOffsetSF:
		ctx.CFA.Offset = ctx.sleb() * ctx.cie.DataAlignmentFactor
	case cfaValOffset:
		reg := ctx.uleb()
		off := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(off)}
	case cfaValOffsetSF:
		reg := ctx.uleb()
		off := ctx.sleb()
		ctx.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: off * ctx.cie.DataAlignmentFactor}
	case cfaValExpression:
		reg := ctx.uleb()
		ctx.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: ctx.block()}
	default:
		// Vendor-extension or otherwise unrecognized opcode: its operand
		// shape is unknown, so nothing further can be safely skipped.
		// Stop interpreting this instruction stream rather than misread
		// subsequent bytes as opcodes; callers see a stale but not
		// corrupted table.
		ctx.cursor = int64(len(ctx.data))
	}
}

func (ctx *Context) restoreReg(reg uint64) {
	if old, ok := ctx.initial[reg]; ok {
		ctx.Regs[reg] = old
	} else {
		ctx.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

// sliceReader adapts a []byte to reader.Reader for the shared LEB128
// helpers, mirroring dwarfinfo/line's bufReader.
type sliceReader []byte

func (s sliceReader) ReadAt(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(s)) {
		return nil, fmt.Errorf("short read in CFI instruction stream")
	}
	return s[off : off+length], nil
}
func (s sliceReader) Size() int64   { return int64(len(s)) }
func (s sliceReader) Label() string { return "cfi-instructions" }
