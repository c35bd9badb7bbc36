// Package procfs implements a Process abstraction: a narrow capability
// set {read-memory, stop, resume, enumerate-threads, get-registers,
// address-space} implemented by three variants — a live ptrace-attached
// process, a post-mortem ELF core image, and a synthetic process
// replayed from a text log of instruction pointers — rather than a
// deep class hierarchy.
package procfs

import (
	"github.com/devnexen/pstack/elfobj"
)

// RegisterBank is a per-thread snapshot of architectural register
// values, keyed by DWARF register number. Platform register-bank
// *layouts* are deliberately out of scope here — this module only needs
// a number-indexed bag of values plus the instruction pointer.
type RegisterBank struct {
	PC     uint64
	ByNum  map[uint64]uint64
	RAReg  uint64 // architecture's canonical return-address register number; carried with the bank, while the unwinder takes the return-address register from each FDE's CIE
}

// Get returns the value of DWARF register num and true, or 0 and false if
// this bank carries no value for it.
func (b RegisterBank) Get(num uint64) (uint64, bool) {
	v, ok := b.ByNum[num]
	return v, ok
}

// WithReg returns a copy of b with register num set to v, used by the
// unwinder to build the callee's register bank from CFI rules without
// mutating the frame it derived from.
func (b RegisterBank) WithReg(num, v uint64) RegisterBank {
	out := RegisterBank{PC: b.PC, RAReg: b.RAReg, ByNum: make(map[uint64]uint64, len(b.ByNum)+1)}
	for k, val := range b.ByNum {
		out.ByNum[k] = val
	}
	out.ByNum[num] = v
	return out
}

// LoadedObject is one entry of a Process's loaded-object map: an ELF
// Object and the virtual address it is loaded at.
type LoadedObject struct {
	LoadAddress uint64
	Object      *elfobj.Object
}

// contains reports whether addr, a process virtual address, falls inside a
// PT_LOAD segment of lo.Object once lo.LoadAddress is subtracted from it.
func (lo LoadedObject) contains(addr uint64) bool {
	_, ok := lo.Object.GetSegmentForAddress(addr - lo.LoadAddress)
	return ok
}

// Stopper is the scoped-acquisition half of a stack-collection cycle:
// acquiring it suspends every task of the target for the duration of one
// collection; Resume (deferred by the caller) resumes them on every exit
// path, including error paths. For CoreProcess and LogProcess, Stop and
// Resume are no-ops since their backing state is already frozen.
type Stopper interface {
	// Stop suspends every task of the target. Must be paired with Resume.
	Stop() error
	// Resume releases a prior Stop.
	Resume() error
}

// Thread identifies one schedulable unit of execution within a Process —
// an LWP on Linux, a task note in a core, or a logged address list.
type Thread struct {
	ID       int
	Name     string
	Regs     RegisterBank
}

// Process is the narrow capability interface every variant implements:
// read memory, enumerate threads, fetch registers, resolve the address
// space, and participate in a scoped stop/resume. LiveProcess,
// CoreProcess and LogProcess each satisfy it without a shared base
// type.
type Process interface {
	Stopper

	// PID returns this process's process id (possibly synthetic for cores
	// and logs).
	PID() int

	// Executable returns the main executable Object.
	Executable() *elfobj.Object

	// LoadedObjects returns every object mapped into this process's
	// address space, including the executable itself.
	LoadedObjects() []LoadedObject

	// Threads returns every thread currently known: platform thread
	// enumeration for live processes, NT_PRSTATUS notes for cores, one
	// entry per log file for LogProcess.
	Threads() ([]Thread, error)

	// ReadMemory reads up to len(buf) bytes starting at addr and returns
	// how many it read. CoreProcess reads the spliced core/on-disk image
	// and zero-fills BSS-like gaps; LiveProcess reads the target's memory
	// directly; LogProcess has no memory and always fails.
	ReadMemory(addr uint64, buf []byte) (int, error)

	// FindSegment returns the loaded Object (and its load address)
	// covering addr.
	FindSegment(addr uint64) (LoadedObject, bool)
}

// FindSegment is the shared segment-lookup implementation usable by
// every Process variant's LoadedObjects() result.
func FindSegment(objs []LoadedObject, addr uint64) (LoadedObject, bool) {
	for _, lo := range objs {
		if lo.contains(addr) {
			return lo, true
		}
	}
	return LoadedObject{}, false
}
