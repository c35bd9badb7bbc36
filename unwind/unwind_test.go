package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/devnexen/pstack/dwarfinfo/frame"
	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/procfs"
)

// fakeProcess is a minimal procfs.Process for exercising the unwinder's
// register/memory-evaluation helpers without a real traced process.
type fakeProcess struct {
	mem map[uint64][]byte
}

func (f *fakeProcess) PID() int                            { return 1 }
func (f *fakeProcess) Executable() *elfobj.Object          { return nil }
func (f *fakeProcess) Stop() error                         { return nil }
func (f *fakeProcess) Resume() error                       { return nil }
func (f *fakeProcess) Threads() ([]procfs.Thread, error)   { return nil, nil }
func (f *fakeProcess) LoadedObjects() []procfs.LoadedObject { return nil }
func (f *fakeProcess) FindSegment(addr uint64) (procfs.LoadedObject, bool) {
	return procfs.LoadedObject{}, false
}
func (f *fakeProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	data, ok := f.mem[addr]
	if !ok {
		return 0, errNotMapped
	}
	n := copy(buf, data)
	return n, nil
}

func newUnwinderWithRegs(t *testing.T, proc procfs.Process, regs procfs.RegisterBank) *Unwinder {
	t.Helper()
	return &Unwinder{proc: proc, regs: regs, objects: make(map[string]*objectState)}
}

func TestEvalCFARuleCFAAddsOffset(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{ByNum: map[uint64]uint64{7: 0x1000}})
	cfa, err := u.evalCFA(frame.DWRule{Rule: frame.RuleCFA, Reg: 7, Offset: 16}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cfa != 0x1010 {
		t.Errorf("got %#x, want 0x1010", cfa)
	}
}

func TestEvalCFARuleCFAMissingRegisterErrors(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{ByNum: map[uint64]uint64{}})
	if _, err := u.evalCFA(frame.DWRule{Rule: frame.RuleCFA, Reg: 7, Offset: 0}, 0); err == nil {
		t.Fatal("expected an error when the CFA base register is unavailable")
	}
}

func TestEvalCFARuleExpression(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{})
	// DW_OP_const1u 42
	cfa, err := u.evalCFA(frame.DWRule{Rule: frame.RuleExpression, Expression: []byte{0x08, 42}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cfa != 42 {
		t.Errorf("got %#x, want 42", cfa)
	}
}

func TestEvalCFAUnsupportedRuleErrors(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{})
	if _, err := u.evalCFA(frame.DWRule{Rule: frame.RuleRegister}, 0); err == nil {
		t.Fatal("expected an error for a CFA rule that isn't RuleCFA or RuleExpression")
	}
}

func TestEvalRegRuleOffsetReadsMemory(t *testing.T) {
	mem := map[uint64][]byte{0x2008: le64(0xdeadbeef)}
	u := newUnwinderWithRegs(t, &fakeProcess{mem: mem}, procfs.RegisterBank{})
	v, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleOffset, Offset: 8}, 0x2000)
	if !ok {
		t.Fatal("expected a value")
	}
	if v != 0xdeadbeef {
		t.Errorf("got %#x, want 0xdeadbeef", v)
	}
}

func TestEvalRegRuleOffsetShortReadFails(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{mem: map[uint64][]byte{}}, procfs.RegisterBank{})
	if _, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleOffset, Offset: 8}, 0x2000); ok {
		t.Error("expected ok=false when the backing memory read fails")
	}
}

func TestEvalRegRuleValOffsetIsArithmeticOnly(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{})
	v, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleValOffset, Offset: -8}, 0x2000)
	if !ok || v != 0x1ff8 {
		t.Errorf("got (%#x, %v), want (0x1ff8, true)", v, ok)
	}
}

func TestEvalRegRuleRegisterLooksUpCallerRegister(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{ByNum: map[uint64]uint64{3: 0x99}})
	v, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleRegister, Reg: 3}, 0)
	if !ok || v != 0x99 {
		t.Errorf("got (%#x, %v), want (0x99, true)", v, ok)
	}
}

func TestEvalRegRuleUndefinedAndSameValDeferToCaller(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{})
	if _, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleUndefined}, 0); ok {
		t.Error("expected RuleUndefined to report ok=false")
	}
	if _, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleSameVal}, 0); ok {
		t.Error("expected RuleSameVal to report ok=false (caller falls back to the outer register bank)")
	}
}

func TestEvalRegRuleExpressionComputesAddressThenReadsWord(t *testing.T) {
	// DW_OP_call_frame_cfa, DW_OP_const1u 8, DW_OP_plus -> cfa + 8
	expr := []byte{0x9c, 0x08, 8, 0x22}
	mem := map[uint64][]byte{0x2008: le64(0x1122334455667788)}
	u := newUnwinderWithRegs(t, &fakeProcess{mem: mem}, procfs.RegisterBank{})
	v, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleExpression, Expression: expr}, 0x2000)
	if !ok {
		t.Fatal("expected a value")
	}
	if v != 0x1122334455667788 {
		t.Errorf("got %#x, want 0x1122334455667788", v)
	}
}

func TestEvalRegRuleValExpressionReturnsComputedValueDirectly(t *testing.T) {
	expr := []byte{0x9c, 0x08, 4, 0x22} // cfa + 4
	u := newUnwinderWithRegs(t, &fakeProcess{}, procfs.RegisterBank{})
	v, ok := u.evalRegRule(frame.DWRule{Rule: frame.RuleValExpression, Expression: expr}, 0x2000)
	if !ok || v != 0x2004 {
		t.Errorf("got (%#x, %v), want (0x2004, true)", v, ok)
	}
}

func TestApplyRulesCarriesOverSameValAndAppliesOffset(t *testing.T) {
	mem := map[uint64][]byte{0x2008: le64(0xcafef00d)}
	u := newUnwinderWithRegs(t, &fakeProcess{mem: mem}, procfs.RegisterBank{RAReg: 16, ByNum: map[uint64]uint64{6: 0x55}})
	ctx := &frame.Context{Regs: map[uint64]frame.DWRule{
		6:  {Rule: frame.RuleSameVal},
		16: {Rule: frame.RuleOffset, Offset: 8},
		3:  {Rule: frame.RuleUndefined},
	}}
	out := u.applyRules(ctx, 0x2000, 0)
	if v, ok := out.Get(6); !ok || v != 0x55 {
		t.Errorf("got (%#x, %v) for the RuleSameVal register, want (0x55, true)", v, ok)
	}
	if v, ok := out.Get(16); !ok || v != 0xcafef00d {
		t.Errorf("got (%#x, %v) for the RuleOffset register, want (0xcafef00d, true)", v, ok)
	}
	if _, ok := out.Get(3); ok {
		t.Error("expected the RuleUndefined register to be absent from the callee's bank")
	}
	if out.RAReg != 16 {
		t.Errorf("got RAReg %d, want 16 (carried from the caller)", out.RAReg)
	}
}

func TestReadWordShortReadErrors(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{mem: map[uint64][]byte{0x100: {1, 2, 3}}}, procfs.RegisterBank{})
	if _, err := u.readWord(0x100); err == nil {
		t.Fatal("expected an error on a short (3-byte) read")
	}
}

func TestReadWordFullRead(t *testing.T) {
	u := newUnwinderWithRegs(t, &fakeProcess{mem: map[uint64][]byte{0x100: le64(0x0102030405060708)}}, procfs.RegisterBank{})
	v, err := u.readWord(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x0102030405060708 {
		t.Errorf("got %#x, want 0x0102030405060708", v)
	}
}

func TestStripPointerAuthIsIdentity(t *testing.T) {
	if got := stripPointerAuth(0xdeadbeef); got != 0xdeadbeef {
		t.Errorf("got %#x, want the input unchanged", got)
	}
}

func TestStartThenNextEndsImmediatelyOnZeroPC(t *testing.T) {
	u := New(&fakeProcess{}, nil)
	u.Start(procfs.RegisterBank{PC: 0})
	_, ok, err := u.Next()
	if ok || err != nil {
		t.Fatalf("got (ok=%v, err=%v), want a clean end of stack for a zero PC", ok, err)
	}
}

func TestStartResetsPriorWalkState(t *testing.T) {
	u := New(&fakeProcess{}, nil)
	u.pending = []Frame{{PC: 0xdead}}
	u.done = true
	u.frameCount = 3
	u.havePrevCFA = true

	u.Start(procfs.RegisterBank{PC: 0x1000})
	if len(u.pending) != 0 || u.done || u.frameCount != 0 || u.havePrevCFA {
		t.Errorf("got pending=%v done=%v frameCount=%d havePrevCFA=%v, want all reset", u.pending, u.done, u.frameCount, u.havePrevCFA)
	}
	if u.pc != 0x1000 {
		t.Errorf("got pc %#x, want 0x1000", u.pc)
	}
}

func TestNextDrainsPendingFramesBeforeStepping(t *testing.T) {
	u := New(&fakeProcess{}, nil)
	u.pending = []Frame{{PC: 1}, {PC: 2}}
	u.done = true // step() would fail/panic if reached; pending must drain first

	f, ok, err := u.Next()
	if err != nil || !ok || f.PC != 1 {
		t.Fatalf("got (%+v, %v, %v), want the first pending frame", f, ok, err)
	}
	if len(u.pending) != 1 {
		t.Fatalf("got %d pending frames left, want 1", len(u.pending))
	}
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

var errNotMapped = &notMappedErr{}

type notMappedErr struct{}

func (*notMappedErr) Error() string { return "address not mapped" }
