package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/imagecache"
	"github.com/devnexen/pstack/internal/pstackerr"
)

// LogProcess rehydrates a pseudo-process from text files that each list
// one thread's instruction-pointer history, one hex address per line (the
// oldest/outermost frame last), for replaying a stack previously captured
// elsewhere.
//
// A LogProcess never has live memory: ReadMemory always fails with
// AddressNotMapped, and Stop/Resume are no-ops. Each thread's register
// bank carries only the first recorded PC. unwind.Unwinder has no
// log-replay mode and does not read the recorded PC list.
type LogProcess struct {
	pid     int
	exe     *elfobj.Object
	loaded  []LoadedObject
	threads []Thread
	pcLists map[int][]uint64
}

// RecordedPCs returns the full instruction-pointer list a thread's log
// file carried, oldest-frame-last. unwind.Unwinder does not call it.
func (p *LogProcess) RecordedPCs(threadID int) []uint64 {
	return p.pcLists[threadID]
}

// OpenLog builds a LogProcess from exePath (the executable the addresses
// were captured against) and one log file per thread; logPaths order
// becomes Threads() order, and each file's base name (sans extension)
// becomes the thread's Name.
func OpenLog(exePath string, logPaths []string, cache *imagecache.Cache) (*LogProcess, error) {
	exe, err := cache.Get(exePath)
	if err != nil {
		return nil, err
	}
	p := &LogProcess{
		exe:     exe,
		loaded:  []LoadedObject{{LoadAddress: 0, Object: exe}},
		pcLists: make(map[int][]uint64, len(logPaths)),
	}
	for i, path := range logPaths {
		pcs, err := readPCLog(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		pc := uint64(0)
		if len(pcs) > 0 {
			pc = pcs[0]
		}
		p.threads = append(p.threads, Thread{
			ID:   i,
			Name: name,
			Regs: RegisterBank{PC: pc, ByNum: map[uint64]uint64{}},
		})
		p.pcLists[i] = pcs
	}
	return p, nil
}

// readPCLog reads one hex instruction-pointer address per non-blank,
// non-comment ("#"-prefixed) line.
func readPCLog(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "procfs.readPCLog", err)
	}
	defer f.Close()

	var pcs []uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "0x")
		v, err := strconv.ParseUint(line, 16, 64)
		if err != nil {
			return nil, pstackerr.New(pstackerr.KindBadFormat, "procfs.readPCLog", fmt.Errorf("%s: %q: %w", path, line, err))
		}
		pcs = append(pcs, v)
	}
	if err := sc.Err(); err != nil {
		return nil, pstackerr.New(pstackerr.KindIO, "procfs.readPCLog", err)
	}
	return pcs, nil
}

func (p *LogProcess) PID() int                     { return p.pid }
func (p *LogProcess) Executable() *elfobj.Object    { return p.exe }
func (p *LogProcess) LoadedObjects() []LoadedObject { return p.loaded }
func (p *LogProcess) Threads() ([]Thread, error)    { return p.threads, nil }

func (p *LogProcess) FindSegment(addr uint64) (LoadedObject, bool) {
	return FindSegment(p.loaded, addr)
}

// Stop and Resume are no-ops: a replayed log has no underlying live
// state to freeze.
func (p *LogProcess) Stop() error   { return nil }
func (p *LogProcess) Resume() error { return nil }

// ReadMemory always fails: a LogProcess carries only instruction
// pointers, never memory contents, so CFI-driven unwinding cannot walk
// it; the full recorded PC list is available through RecordedPCs.
func (p *LogProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	return 0, pstackerr.New(pstackerr.KindAddressNotMapped, "procfs.LogProcess.ReadMemory", fmt.Errorf("log process has no memory image"))
}
