//go:build amd64

package procfs

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/imagecache"
	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/internal/pstackerr"
)

// amd64 DWARF register numbers, per the System V x86-64 ABI's register
// numbering table (§3.6.1, figure 3.36) — the numbering CFI rules are
// expressed in, not the disassembler-oriented numbering that indexes a
// different space. amd64 is the one platform this module exercises;
// layouts for other platforms are out of scope.
const (
	dwarfRAX = 0
	dwarfRDX = 1
	dwarfRCX = 2
	dwarfRBX = 3
	dwarfRSI = 4
	dwarfRDI = 5
	dwarfRBP = 6
	dwarfRSP = 7
	dwarfR8  = 8
	dwarfR9  = 9
	dwarfR10 = 10
	dwarfR11 = 11
	dwarfR12 = 12
	dwarfR13 = 13
	dwarfR14 = 14
	dwarfR15 = 15
	dwarfRIP = 16
)

// ptraceRegsAMD64 mirrors the kernel's struct user_regs_struct (and hence
// NT_PRSTATUS's embedded pr_reg), field-for-field, so binary.Read can
// decode it directly out of a core note's descriptor bytes.
type ptraceRegsAMD64 struct {
	R15, R14, R13, R12      uint64
	Rbp, Rbx                uint64
	R11, R10, R9, R8        uint64
	Rax, Rcx, Rdx           uint64
	Rsi, Rdi                uint64
	OrigRax                 uint64
	Rip, Cs, Eflags         uint64
	Rsp, Ss                 uint64
	FsBase, GsBase          uint64
	Ds, Es, Fs, Gs          uint64
}

func (r ptraceRegsAMD64) bank() RegisterBank {
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

// linuxSiginfo mirrors struct siginfo's leading fields, as embedded in
// NT_PRSTATUS.
type linuxSiginfo struct {
	Signo, Code, Errno int32
}

type linuxTimeval struct {
	Sec, Usec int64
}

// prstatusAMD64 mirrors the kernel's struct elf_prstatus layout for
// amd64, matching its field order and padding exactly so binary.Read
// needs no manual offset arithmetic.
type prstatusAMD64 struct {
	Siginfo                      linuxSiginfo
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime linuxTimeval
	Reg                          ptraceRegsAMD64
	Fpvalid                      int32
}

type prpsinfo struct {
	State, Sname, Zomb, Nice int8
	_                        [4]uint8
	Flag                     uint64
	Uid, Gid                 uint32
	Pid, Ppid, Pgrp, Sid     int32
	Fname                    [16]uint8
	Args                     [80]uint8
}

type ntFileHeader struct {
	Count    uint64
	PageSize uint64
}

type ntFileEntry struct {
	Start, End, FileOfs uint64
}

// ntFileMapping is one decoded NT_FILE entry together with its backing
// path — the fallback mapping table NT_FILE supplies.
type ntFileMapping struct {
	ntFileEntry
	path string
}

// parseNTFile decodes an NT_FILE note's descriptor: a (count, page size)
// header, that many (start, end, file-offset) triples, and finally that
// many NUL-terminated path strings in the same order, read straight out
// of a []byte.
func parseNTFile(data []byte) ([]ntFileMapping, error) {
	r := bytes.NewReader(data)
	var hdr ntFileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "procfs.parseNTFile", err)
	}
	entries := make([]ntFileEntry, hdr.Count)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, pstackerr.New(pstackerr.KindBadFormat, "procfs.parseNTFile", err)
		}
	}
	rest, _ := r.Seek(0, 1)
	names := bytes.Split(data[rest:], []byte{0})
	out := make([]ntFileMapping, 0, hdr.Count)
	for i, e := range entries {
		path := ""
		if i < len(names) {
			path = string(names[i])
		}
		out = append(out, ntFileMapping{ntFileEntry: e, path: path})
	}
	// FileOfs is in units of PageSize, not bytes; normalize now so callers
	// never need the header again.
	for i := range out {
		out[i].FileOfs *= hdr.PageSize
	}
	return out, nil
}

// CoreProcess is a post-mortem Process backed by an ELF core dump and the
// executable (plus any shared libraries the core's NT_FILE note names)
// that produced it. Stop and Resume are no-ops since a core is
// immutable.
type CoreProcess struct {
	core *elfobj.Object
	exe  *elfobj.Object
	pid  int

	mem     splicedMemory
	loaded  []LoadedObject
	threads []Thread
}

// OpenCore loads corePath and exePath and reconstructs the address space
// and thread set of a CoreProcess. cache interns every Object opened
// along the way, including any shared library named by the core's
// NT_FILE note.
func OpenCore(corePath, exePath string, cache *imagecache.Cache) (*CoreProcess, error) {
	core, err := cache.Get(corePath)
	if err != nil {
		return nil, err
	}
	exe, err := cache.Get(exePath)
	if err != nil {
		return nil, err
	}

	p := &CoreProcess{core: core, exe: exe}
	notes := core.Notes()

	if err := p.buildMemory(cache, notes); err != nil {
		return nil, err
	}
	p.buildThreads(notes)
	p.buildPID(notes)

	return p, nil
}

func (p *CoreProcess) buildMemory(cache *imagecache.Cache, notes []elfobj.Note) error {
	seen := map[string]uint64{} // path -> computed load address

	for _, n := range notes {
		if n.Type != elfobj.NTFile {
			continue
		}
		mappings, err := parseNTFile(n.Data)
		if err != nil {
			if logflags.Proc() {
				logflags.ProcLogger().WithError(err).Warn("failed to decode NT_FILE note")
			}
			continue
		}
		for _, m := range mappings {
			obj, err := cache.Get(m.path)
			if err != nil {
				continue // library not resolvable on this host; core PT_LOAD data may still cover it
			}
			p.mem.add(fileRegionReader{obj}, m.Start, m.FileOfs, m.End-m.Start)
			if _, ok := seen[m.path]; !ok {
				seen[m.path] = m.Start - m.FileOfs
				p.loaded = append(p.loaded, LoadedObject{LoadAddress: m.Start - m.FileOfs, Object: obj})
			}
		}
	}

	// The core's own PT_LOAD segments override the file-backed image for
	// whatever range they actually captured (typically writable data and
	// any page the kernel chose to dump).
	for _, seg := range p.core.Segments() {
		if seg.Type != elf.PT_LOAD || seg.Filesz == 0 {
			continue
		}
		p.mem.add(fileRegionReader{p.core}, seg.Vaddr, seg.Off, seg.Filesz)
	}

	if len(p.loaded) == 0 {
		// No usable NT_FILE note (stripped core, or none of the named
		// libraries resolved): fall back to treating the executable as
		// loaded at its own link address, which is correct for
		// non-PIE binaries and the best available guess otherwise.
		p.loaded = append(p.loaded, LoadedObject{LoadAddress: 0, Object: p.exe})
	}
	return nil
}

// fileRegionReader adapts an *elfobj.Object's raw file bytes to
// regionReader for splicedMemory.
type fileRegionReader struct {
	obj *elfobj.Object
}

func (f fileRegionReader) ReadAt(off, length int64) ([]byte, error) {
	return f.obj.ReadAt(off, length)
}

func (p *CoreProcess) buildThreads(notes []elfobj.Note) {
	for _, n := range notes {
		if n.Type != elf.NT_PRSTATUS {
			continue
		}
		var st prstatusAMD64
		if err := binary.Read(bytes.NewReader(n.Data), binary.LittleEndian, &st); err != nil {
			if logflags.Proc() {
				logflags.ProcLogger().WithError(err).Warn("failed to decode NT_PRSTATUS note")
			}
			continue
		}
		p.threads = append(p.threads, Thread{
			ID:   int(st.Pid),
			Name: fmt.Sprintf("lwp-%d", st.Pid),
			Regs: st.Reg.bank(),
		})
	}
}

func (p *CoreProcess) buildPID(notes []elfobj.Note) {
	for _, n := range notes {
		if n.Type != elf.NT_PRPSINFO {
			continue
		}
		var info prpsinfo
		if err := binary.Read(bytes.NewReader(n.Data), binary.LittleEndian, &info); err == nil {
			p.pid = int(info.Pid)
			return
		}
	}
	if len(p.threads) > 0 {
		p.pid = p.threads[0].ID
	}
}

func (p *CoreProcess) PID() int                          { return p.pid }
func (p *CoreProcess) Executable() *elfobj.Object         { return p.exe }
func (p *CoreProcess) LoadedObjects() []LoadedObject      { return p.loaded }
func (p *CoreProcess) Threads() ([]Thread, error)         { return p.threads, nil }
func (p *CoreProcess) FindSegment(addr uint64) (LoadedObject, bool) {
	return FindSegment(p.loaded, addr)
}

// Stop and Resume are no-ops: a core dump cannot change underneath us.
func (p *CoreProcess) Stop() error   { return nil }
func (p *CoreProcess) Resume() error { return nil }

// ReadMemory reads through the spliced file/core image, which supplies
// bytes wherever it has a mapping; any remaining request that falls in a
// gap is zero-filled up to the covering loaded object's segment end
// (BSS), and only a request that matches no mapping at all fails
// outright.
func (p *CoreProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := p.mem.readAt(addr+uint64(total), buf[total:])
		if err != nil {
			return total, pstackerr.New(pstackerr.KindIO, "procfs.CoreProcess.ReadMemory", err)
		}
		total += n
		if total == len(buf) {
			break
		}
		zn := p.zeroFillGap(addr+uint64(total), buf[total:])
		if zn == 0 && n == 0 {
			break
		}
		total += zn
	}
	if total == 0 {
		return 0, pstackerr.New(pstackerr.KindAddressNotMapped, "procfs.CoreProcess.ReadMemory", fmt.Errorf("address %#x not mapped", addr))
	}
	return total, nil
}

// zeroFillGap zero-fills buf up to the end of the loaded-object segment
// covering addr, or returns 0 if addr isn't covered by any segment at
// all (a genuine hole, not BSS).
func (p *CoreProcess) zeroFillGap(addr uint64, buf []byte) int {
	lo, ok := p.FindSegment(addr)
	if !ok {
		return 0
	}
	seg, _ := lo.Object.GetSegmentForAddress(addr - lo.LoadAddress)
	segEnd := lo.LoadAddress + seg.Vaddr + seg.Memsz
	if segEnd <= addr {
		return 0
	}
	n := len(buf)
	if avail := segEnd - addr; uint64(n) > avail {
		n = int(avail)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n
}
