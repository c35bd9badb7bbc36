//go:build linux && amd64

package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/imagecache"
	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/internal/pstackerr"
)

// LiveProcess is a Process backed by ptrace and /proc/<pid>/mem, attaching
// just long enough to collect one stack trace per thread before detaching —
// a read-only "freeze, sample, thaw" cycle, narrowed from a full debugger's
// attach/breakpoint/single-step/continue machinery down to just what a
// stack-trace tool needs.
type LiveProcess struct {
	pid     int
	exe     *elfobj.Object
	cache   *imagecache.Cache
	memFile *os.File

	attached []int // tids this Process attached to, for Resume to detach
}

// AttachLive attaches to the running process pid, opening its executable
// and /proc/<pid>/mem for later reads. It does not stop any thread by
// itself — call Stop before reading registers or memory, per the
// Stopper contract.
func AttachLive(pid int, cache *imagecache.Cache) (*LiveProcess, error) {
	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	exe, err := cache.Get(exePath)
	if err != nil {
		return nil, err
	}
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "procfs.AttachLive", err)
	}
	return &LiveProcess{pid: pid, exe: exe, cache: cache, memFile: mem}, nil
}

func (p *LiveProcess) PID() int                  { return p.pid }
func (p *LiveProcess) Executable() *elfobj.Object { return p.exe }

// Stop attaches to and stops every task (LWP) of the target, fulfilling
// the scoped-acquisition Stopper contract. Threads already traced (e.g.
// via PTRACE_O_TRACECLONE in a full debugger) would return EPERM here;
// this module only ever traces read-only, so that case doesn't arise.
func (p *LiveProcess) Stop() error {
	tids, err := p.taskIDs()
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := unix.PtraceAttach(tid); err != nil {
			p.Resume()
			return pstackerr.New(pstackerr.KindTargetLost, "procfs.LiveProcess.Stop", fmt.Errorf("ptrace attach %d: %w", tid, err))
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
			p.Resume()
			return pstackerr.New(pstackerr.KindTargetLost, "procfs.LiveProcess.Stop", err)
		}
		p.attached = append(p.attached, tid)
	}
	return nil
}

// Resume detaches from every task this Stop attached to, letting them
// continue running. Safe to call after a partial Stop failure.
func (p *LiveProcess) Resume() error {
	var firstErr error
	for _, tid := range p.attached {
		if err := unix.PtraceDetach(tid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.attached = nil
	if firstErr != nil {
		return pstackerr.New(pstackerr.KindIO, "procfs.LiveProcess.Resume", firstErr)
	}
	return nil
}

func (p *LiveProcess) taskIDs() ([]int, error) {
	entries, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", p.pid))
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "procfs.LiveProcess.taskIDs", err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(filepath.Base(e))
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// Threads enumerates this process's tasks and their register banks. Must
// be called while Stopped — registers read from a running thread are
// meaningless.
func (p *LiveProcess) Threads() ([]Thread, error) {
	tids, err := p.taskIDs()
	if err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(tids))
	for _, tid := range tids {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			if logflags.Proc() {
				logflags.ProcLogger().WithError(err).Warnf("failed to read registers for tid %d", tid)
			}
			continue
		}
		threads = append(threads, Thread{
			ID:   tid,
			Name: threadName(tid),
			Regs: bankFromUnixRegs(&regs),
		})
	}
	return threads, nil
}

func threadName(tid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", tid))
	if err != nil {
		return fmt.Sprintf("lwp-%d", tid)
	}
	return strings.TrimSpace(string(data))
}

// bankFromUnixRegs maps x/sys/unix's PtraceRegs (the kernel's
// user_regs_struct) into DWARF-numbered RegisterBank, using the same
// System V amd64 numbering core.go's ptraceRegsAMD64.bank applies to a
// core's NT_PRSTATUS registers — a live thread and a crashed one are read
// through the same register space.
func bankFromUnixRegs(r *unix.PtraceRegs) RegisterBank {
	return RegisterBank{
		PC:    r.Rip,
		RAReg: dwarfRIP,
		ByNum: map[uint64]uint64{
			dwarfRAX: r.Rax, dwarfRDX: r.Rdx, dwarfRCX: r.Rcx, dwarfRBX: r.Rbx,
			dwarfRSI: r.Rsi, dwarfRDI: r.Rdi, dwarfRBP: r.Rbp, dwarfRSP: r.Rsp,
			dwarfR8: r.R8, dwarfR9: r.R9, dwarfR10: r.R10, dwarfR11: r.R11,
			dwarfR12: r.R12, dwarfR13: r.R13, dwarfR14: r.R14, dwarfR15: r.R15,
			dwarfRIP: r.Rip,
		},
	}
}

// ReadMemory reads directly out of /proc/<pid>/mem, the modern
// replacement for PTRACE_PEEKTEXT word-at-a-time reads. No stop is
// required to read memory this way, but the bytes are only meaningful
// while the thread whose stack is being walked is actually stopped.
func (p *LiveProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	n, err := p.memFile.ReadAt(buf, int64(addr))
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, pstackerr.New(pstackerr.KindAddressNotMapped, "procfs.LiveProcess.ReadMemory", err)
	}
	return 0, nil
}

// LoadedObjects parses /proc/<pid>/maps for every distinct backing
// file — the live-process counterpart to CoreProcess's NT_FILE table.
func (p *LiveProcess) LoadedObjects() []LoadedObject {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return []LoadedObject{{LoadAddress: 0, Object: p.exe}}
	}
	defer f.Close()

	type seen struct{ loadAddr uint64 }
	byPath := map[string]seen{}
	var order []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrs[0], 16, 64)
		fileOff, err2 := strconv.ParseUint(fields[2], 16, 64)
		path := fields[5]
		if err1 != nil || err2 != nil || path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if _, ok := byPath[path]; !ok {
			byPath[path] = seen{loadAddr: start - fileOff}
			order = append(order, path)
		}
	}

	objs := make([]LoadedObject, 0, len(order))
	for _, path := range order {
		obj, err := p.cache.Get(path)
		if err != nil {
			continue
		}
		objs = append(objs, LoadedObject{LoadAddress: byPath[path].loadAddr, Object: obj})
	}
	if len(objs) == 0 {
		objs = append(objs, LoadedObject{LoadAddress: 0, Object: p.exe})
	}
	return objs
}

func (p *LiveProcess) FindSegment(addr uint64) (LoadedObject, bool) {
	return FindSegment(p.LoadedObjects(), addr)
}
