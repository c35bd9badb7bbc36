// Package unwind implements a frame-walking unwinder: given a Process
// and a thread's starting register bank, it yields a lazy sequence of
// symbolicated frames by repeatedly evaluating the CFI rule table
// covering the current PC, expanding inlined frames along the way via
// dwarfinfo.Info.InlineChain.
package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/devnexen/pstack/dwarfinfo"
	"github.com/devnexen/pstack/dwarfinfo/dwarfexpr"
	"github.com/devnexen/pstack/dwarfinfo/frame"
	"github.com/devnexen/pstack/dwarfinfo/unit"
	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/procfs"
	"github.com/devnexen/pstack/pstackconfig"
)

// Frame is one emitted stack frame, physical or inlined. Multiple Frames
// with the same PC/CFA can be emitted in a row when an inlined-call
// chain covers that PC, innermost first.
type Frame struct {
	PC          uint64
	CFA         uint64
	LoadAddress uint64
	Object      *elfobj.Object

	Function string
	File     string
	Line     int
	Inlined  bool

	// Args and Locals are populated only when cfg.DecodeArgs/DecodeLocals
	// is set, and only on a frame's physical (non-inlined) entry.
	Args   []Variable
	Locals []Variable

	// Err is set by All on the final frame of a truncated stack, marking
	// it as the last trustworthy frame before the walk was cut short.
	Err error
}

// Variable is one decoded function argument or local variable: its name
// and the word-sized value read from its DW_AT_location (an address to
// read through, or a register to read directly). This module has no
// type-size decoding, so every value is read as a full machine word
// regardless of the variable's actual size.
type Variable struct {
	Name  string
	Value uint64
	Err   error
}

// objectState is the per-loaded-object DWARF/CFI state the unwinder
// builds lazily as frames cross object boundaries.
type objectState struct {
	loaded procfs.LoadedObject
	info   *dwarfinfo.Info
}

// Unwinder walks one thread's call stack at a time. It is not safe for
// concurrent use by multiple goroutines on the same instance; stack
// collection is strictly serialized.
type Unwinder struct {
	proc procfs.Process
	cfg  *pstackconfig.Config

	objects map[string]*objectState // keyed by Object.Path()

	pc          uint64
	regs        procfs.RegisterBank
	pending     []Frame
	done        bool
	frameCount  int
	havePrevCFA bool
	prevCFA     uint64
}

// New builds an Unwinder reading memory and loaded-object information
// from proc. cfg controls maxFrames and argument/local decoding; nil
// selects pstackconfig.Default().
func New(proc procfs.Process, cfg *pstackconfig.Config) *Unwinder {
	if cfg == nil {
		cfg = pstackconfig.Default()
	}
	return &Unwinder{proc: proc, cfg: cfg, objects: make(map[string]*objectState)}
}

// Start (re)initializes the unwinder to begin walking from regs, given
// a starting register bank and PC.
func (u *Unwinder) Start(regs procfs.RegisterBank) {
	u.pc = regs.PC
	u.regs = regs
	u.pending = nil
	u.done = false
	u.frameCount = 0
	u.havePrevCFA = false
}

// Next returns the next frame in the sequence and true, or false once the
// stack is exhausted. A nil error with ok=false means a clean end of
// stack; a non-nil error means the walk was cut short and the caller
// should treat the previously returned frame (if any) as the last
// trustworthy one.
func (u *Unwinder) Next() (Frame, bool, error) {
	if len(u.pending) > 0 {
		f := u.pending[0]
		u.pending = u.pending[1:]
		return f, true, nil
	}
	if u.done {
		return Frame{}, false, nil
	}
	return u.step()
}

// All drains the unwinder into a single slice, capped defensively at
// cfg.MaxFrames*4 to bound inline expansion even if MaxFrames is 0
// (unlimited).
func (u *Unwinder) All() ([]Frame, error) {
	var out []Frame
	limit := u.cfg.MaxFrames * 4
	if limit <= 0 {
		limit = 100000
	}
	for len(out) < limit {
		f, ok, err := u.Next()
		if !ok {
			if err != nil && len(out) > 0 {
				out[len(out)-1].Err = err
			}
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (u *Unwinder) step() (Frame, bool, error) {
	if u.pc == 0 {
		u.done = true
		return Frame{}, false, nil
	}
	if u.cfg.MaxFrames > 0 && u.frameCount >= u.cfg.MaxFrames {
		u.done = true
		return Frame{}, false, nil
	}

	objSt, lo, ok := u.resolve(u.pc)
	if !ok {
		u.done = true
		return Frame{}, false, pstackerr.New(pstackerr.KindAddressNotMapped, "unwind.step", fmt.Errorf("no loaded object covers pc %#x", u.pc))
	}
	relPC := u.pc - lo.LoadAddress

	// objSt.info was built with staticBase = lo.LoadAddress, so its CFI
	// tables already carry absolute (load-biased) addresses. The DIE tree
	// is never biased, so symbolication takes the relative address;
	// SourceForAddr adds the bias back for its line-table lookup.
	fde, err := objSt.info.FDEForPC(u.pc)
	if err != nil {
		u.done = true
		return Frame{}, false, pstackerr.New(pstackerr.KindBadFormat, "unwind.step", err)
	}

	ctx := fde.EstablishFrame(u.pc)
	cfa, err := u.evalCFA(ctx.CFA, u.pc)
	if err != nil {
		u.done = true
		return Frame{}, false, err
	}

	if u.havePrevCFA && cfa == u.prevCFA {
		u.done = true
		return Frame{}, false, pstackerr.New(pstackerr.KindBadFormat, "unwind.step", fmt.Errorf("cfa did not advance at pc %#x", u.pc))
	}

	frames := u.symbolicate(objSt.info, lo, u.pc, relPC, cfa)
	u.pending = frames[1:]
	result := frames[0]

	newRegs := u.applyRules(ctx, cfa, relPC)
	raReg := fde.CIE.ReturnAddressRegister
	newPC, _ := newRegs.Get(raReg)
	newPC = stripPointerAuth(newPC)

	u.prevCFA = cfa
	u.havePrevCFA = true
	u.frameCount++
	u.pc = newPC
	newRegs.PC = newPC
	u.regs = newRegs

	return result, true, nil
}

// stripPointerAuth masks off pointer-authentication bits some targets
// (arm64 PAC) leave in a saved return address. amd64/Linux, the one
// platform this module exercises, never sets them, so this is a no-op
// today.
func stripPointerAuth(pc uint64) uint64 { return pc }

// resolve finds or lazily builds the DWARF/CFI state for the loaded
// object covering addr.
func (u *Unwinder) resolve(addr uint64) (*objectState, procfs.LoadedObject, bool) {
	lo, ok := u.proc.FindSegment(addr)
	if !ok {
		return nil, procfs.LoadedObject{}, false
	}
	key := lo.Object.Path()
	if st, ok := u.objects[key]; ok {
		return st, lo, true
	}
	st := &objectState{loaded: lo, info: dwarfinfo.New(u.dwarfObject(lo.Object), lo.LoadAddress)}
	u.objects[key] = st
	return st, lo, true
}

// dwarfObject returns the Object DWARF data should be read from for obj:
// obj itself if it carries its own .debug_info, otherwise a separate
// debug file resolved via its .gnu_debuglink/build-id, searched for under
// cfg.DebugInfoDirectories. Falls back to obj, DWARF-less, if no separate
// debug file can be found.
func (u *Unwinder) dwarfObject(obj *elfobj.Object) *elfobj.Object {
	if obj.HasDebugInfo() {
		return obj
	}
	dbg, ok, err := obj.ResolveSeparateDebug(u.cfg.DebugInfoDirectories)
	if err != nil || !ok {
		if logflags.Unwind() {
			logflags.UnwindLogger().WithField("path", obj.Path()).WithError(err).
				Warn("no separate debug info found; symbolication will be symbol-table only")
		}
		return obj
	}
	return dbg
}

// evalCFA computes the canonical frame address from ctx's CFA rule,
// either a (register + offset) pair or a DW_CFA_def_cfa_expression.
func (u *Unwinder) evalCFA(rule frame.DWRule, relPC uint64) (uint64, error) {
	switch rule.Rule {
	case frame.RuleCFA:
		base, ok := u.regs.Get(rule.Reg)
		if !ok {
			return 0, pstackerr.New(pstackerr.KindBadFormat, "unwind.evalCFA", fmt.Errorf("cfa base register %d unavailable", rule.Reg))
		}
		return uint64(int64(base) + rule.Offset), nil
	case frame.RuleExpression:
		regs := u.exprRegisters(0)
		v, _, err := dwarfexpr.Eval(rule.Expression, regs, 8)
		if err != nil {
			return 0, pstackerr.New(pstackerr.KindBadFormat, "unwind.evalCFA", err)
		}
		return uint64(v), nil
	default:
		return 0, pstackerr.New(pstackerr.KindBadFormat, "unwind.evalCFA", fmt.Errorf("unsupported CFA rule %v", rule.Rule))
	}
}

// applyRules derives the callee's register bank from ctx's per-register
// rules and the just-computed CFA.
func (u *Unwinder) applyRules(ctx *frame.Context, cfa, relPC uint64) procfs.RegisterBank {
	out := procfs.RegisterBank{PC: u.pc, RAReg: u.regs.RAReg, ByNum: make(map[uint64]uint64, len(ctx.Regs)+1)}
	for reg, rule := range ctx.Regs {
		if rule.Rule == frame.RuleSameVal {
			if v, ok := u.regs.Get(reg); ok {
				out.ByNum[reg] = v
			}
			continue
		}
		if v, ok := u.evalRegRule(rule, cfa); ok {
			out.ByNum[reg] = v
		}
	}
	return out
}

func (u *Unwinder) evalRegRule(rule frame.DWRule, cfa uint64) (uint64, bool) {
	switch rule.Rule {
	case frame.RuleUndefined:
		return 0, false
	case frame.RuleSameVal:
		return 0, false // caller should fall back to the outer regs.Get for unchanged registers
	case frame.RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		v, err := u.readWord(addr)
		if err != nil {
			return 0, false
		}
		return v, true
	case frame.RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true
	case frame.RuleRegister:
		return u.regs.Get(rule.Reg)
	case frame.RuleExpression:
		regs := u.exprRegisters(cfa)
		v, _, err := dwarfexpr.Eval(rule.Expression, regs, 8)
		if err != nil {
			return 0, false
		}
		addr, err := u.readWord(uint64(v))
		if err != nil {
			return 0, false
		}
		return addr, true
	case frame.RuleValExpression:
		regs := u.exprRegisters(cfa)
		v, _, err := dwarfexpr.Eval(rule.Expression, regs, 8)
		if err != nil {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func (u *Unwinder) readWord(addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := u.proc.ReadMemory(addr, buf[:])
	if err != nil || n < 8 {
		return 0, pstackerr.New(pstackerr.KindAddressNotMapped, "unwind.readWord", fmt.Errorf("short read at %#x", addr))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (u *Unwinder) exprRegisters(cfa uint64) dwarfexpr.Registers {
	return dwarfexpr.Registers{
		CFA:   cfa,
		ByNum: u.regs.ByNum,
		Mem: func(addr uint64, size int) (uint64, error) {
			buf := make([]byte, size)
			n, err := u.proc.ReadMemory(addr, buf)
			if err != nil || n < size {
				return 0, fmt.Errorf("short memory read at %#x", addr)
			}
			v := uint64(0)
			for i := size - 1; i >= 0; i-- {
				v = v<<8 | uint64(buf[i])
			}
			return v, nil
		},
	}
}

// symbolicate builds the (possibly several, if inlined calls cover pc)
// Frame list for one physical unwind step: locate the enclosing
// DW_TAG_subprogram, walk its DW_TAG_inlined_subroutine chain, and
// resolve source file/line.
func (u *Unwinder) symbolicate(info *dwarfinfo.Info, lo procfs.LoadedObject, pc, relPC, cfa uint64) []Frame {
	base := Frame{PC: pc, CFA: cfa, LoadAddress: lo.LoadAddress, Object: lo.Object}

	fn, un, err := info.SubprogramForAddr(relPC)
	if err != nil || un == nil || fn.Empty() {
		if sym, ok := lo.Object.SymbolicateAddr(relPC); ok {
			base.Function = sym.Name
		}
		return []Frame{base}
	}

	var frames []Frame
	for _, inl := range info.InlineChain(un, fn, relPC) {
		f := base
		f.Function = inl.Name
		if !u.cfg.NoSource {
			f.File = u.cfg.SubstitutePath.Apply(inl.CallFile)
			f.Line = inl.CallLine
		}
		f.Inlined = true
		frames = append(frames, f)
	}

	physical := base
	physical.Function = info.DIEName(fn)
	if !u.cfg.NoSource {
		if file, line, ok := info.SourceForAddr(relPC); ok {
			physical.File = u.cfg.SubstitutePath.Apply(file)
			physical.Line = line
		}
	}
	if u.cfg.DecodeArgs || u.cfg.DecodeLocals {
		frameBase, haveFrameBase := u.frameBase(info, fn, cfa)
		if u.cfg.DecodeArgs {
			physical.Args = u.decodeVariables(info.Parameters(un, fn), frameBase, haveFrameBase, cfa)
		}
		if u.cfg.DecodeLocals {
			physical.Locals = u.decodeVariables(info.Locals(un, fn), frameBase, haveFrameBase, cfa)
		}
	}
	frames = append(frames, physical)
	return frames
}

// frameBase evaluates fn's DW_AT_frame_base expression (typically
// DW_OP_call_frame_cfa or a DW_OP_breg* pinned to the frame pointer) into
// the value DW_OP_fbreg in a parameter's or local's own location
// expression is relative to.
func (u *Unwinder) frameBase(info *dwarfinfo.Info, fn unit.DIE, cfa uint64) (int64, bool) {
	expr, ok := info.FrameBase(fn)
	if !ok {
		return 0, false
	}
	v, _, err := dwarfexpr.Eval(expr, u.exprRegisters(cfa), 8)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeVariables evaluates each of vars' DW_AT_location expressions and
// reads the word it resolves to.
func (u *Unwinder) decodeVariables(vars []dwarfinfo.Variable, frameBase int64, haveFrameBase bool, cfa uint64) []Variable {
	if len(vars) == 0 {
		return nil
	}
	out := make([]Variable, 0, len(vars))
	for _, v := range vars {
		val, err := u.decodeLocation(v.Location, frameBase, haveFrameBase, cfa)
		out = append(out, Variable{Name: v.Name, Value: val, Err: err})
	}
	return out
}

func (u *Unwinder) decodeLocation(expr []byte, frameBase int64, haveFrameBase bool, cfa uint64) (uint64, error) {
	if !haveFrameBase {
		return 0, fmt.Errorf("no DW_AT_frame_base on the enclosing subprogram")
	}
	regs := u.exprRegisters(cfa)
	regs.FrameBase = frameBase
	v, pieces, err := dwarfexpr.Eval(expr, regs, 8)
	if err != nil {
		return 0, err
	}
	if len(pieces) > 0 {
		p := pieces[0]
		if p.IsRegister {
			val, ok := u.regs.Get(p.RegNum)
			if !ok {
				return 0, fmt.Errorf("register %d unavailable", p.RegNum)
			}
			return val, nil
		}
		v = p.Addr
	}
	return u.readWord(uint64(v))
}
