// Package elfobj implements the ELF image loader: it opens executables and
// shared libraries, exposes their segments, sections, symbols and notes as
// Reader-backed random-access views, and resolves separate debug-info
// files via .gnu_debuglink and build-id.
//
// elfobj.Object uses the standard library's debug/elf only for
// FileHeader/SectionHeader/ProgHeader/Symbol decoding; section and
// segment *data* access goes through the reader.Reader abstraction so
// that DWARF parsing, CFI, and process-memory reads all speak the same
// interface, which is why compressed sections are decompressed here
// rather than through debug/elf's own Section.Open (see
// reader/compressed.go).
package elfobj

import (
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Note is one (name, type, data) record recovered from a PT_NOTE segment.
type Note struct {
	Name string
	Type elf.NType
	Data []byte
}

// Object is an immutable, parsed ELF file. Construction validates the
// file's headers; later section reads never re-parse them.
type Object struct {
	path string
	r    reader.Reader
	ef   *elf.File

	class     elf.Class
	byteOrder reader.Order
	machine   elf.Machine

	segments []elf.ProgHeader
	sections []elf.SectionHeader

	symbols    []elf.Symbol
	byAddr     []elf.Symbol // symbols sorted by Value
	dynSymbols []elf.Symbol

	notes   []Note
	buildID []byte // raw 20-byte (or other) build-id, nil if absent

	sectionCacheMu sync.Mutex
	sectionCache   map[string]reader.Reader
}

// Open parses the ELF file at path, validating its magic, class,
// endianness, version, and that every program/section header lies within
// the file (delegated to debug/elf.NewFile, which performs these checks).
func Open(path string) (*Object, error) {
	fr, err := reader.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return newObject(path, fr)
}

func newObject(path string, fr *reader.FileReader) (*Object, error) {
	ef, err := elf.NewFile(&fileReaderAt{fr})
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "elfobj.Open", err)
	}

	o := &Object{
		path:      path,
		r:         fr,
		ef:        ef,
		class:     ef.Class,
		machine:   ef.Machine,
		byteOrder: ef.ByteOrder,
	}
	for _, p := range ef.Progs {
		o.segments = append(o.segments, p.ProgHeader)
	}
	for _, s := range ef.Sections {
		o.sections = append(o.sections, s.SectionHeader)
	}

	if syms, err := ef.Symbols(); err == nil {
		o.symbols = syms
	}
	if dsyms, err := ef.DynamicSymbols(); err == nil {
		o.dynSymbols = dsyms
	}
	o.byAddr = append(o.byAddr, o.symbols...)
	o.byAddr = append(o.byAddr, o.dynSymbols...)
	sort.Slice(o.byAddr, func(i, j int) bool { return o.byAddr[i].Value < o.byAddr[j].Value })

	if err := o.loadNotes(); err != nil {
		if logflags.ELF() {
			logflags.ELFLogger().WithError(err).Warn("failed to load notes")
		}
	}
	o.loadBuildID()

	return o, nil
}

// fileReaderAt adapts a reader.Reader to io.ReaderAt for debug/elf.NewFile.
type fileReaderAt struct {
	r reader.Reader
}

func (f *fileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	b, err := f.r.ReadAt(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(b), nil
}

// Path returns the filesystem path this Object was opened from.
func (o *Object) Path() string { return o.path }

// Class reports whether this is a 32- or 64-bit object.
func (o *Object) Class() elf.Class { return o.class }

// ByteOrder reports this object's endianness.
func (o *Object) ByteOrder() reader.Order { return o.byteOrder }

// Machine reports this object's target architecture.
func (o *Object) Machine() elf.Machine { return o.machine }

// Segments returns the program headers (PT_LOAD and otherwise).
func (o *Object) Segments() []elf.ProgHeader { return o.segments }

// Sections returns the section headers, indexable by position.
func (o *Object) Sections() []elf.SectionHeader { return o.sections }

// Section returns the named section's header and true, or false if no
// section by that name exists. Ambiguous names resolve to the first
// occurrence.
func (o *Object) Section(name string) (elf.SectionHeader, bool) {
	for _, s := range o.sections {
		if s.Name == name {
			return s, true
		}
	}
	return elf.SectionHeader{}, false
}

// HasDebugInfo reports whether this Object carries its own DWARF debug
// info (a non-empty .debug_info section), as opposed to relying on a
// separate debug file reachable via DebugLink/build-id.
func (o *Object) HasDebugInfo() bool {
	sh, ok := o.Section(".debug_info")
	return ok && sh.Size > 0
}

// Symbols returns the static symbol table.
func (o *Object) Symbols() []elf.Symbol { return o.symbols }

// DynamicSymbols returns the dynamic symbol table.
func (o *Object) DynamicSymbols() []elf.Symbol { return o.dynSymbols }

// SymbolicateAddr returns the symbol whose [Value, Value+Size) range
// contains addr, and true, from either the static or dynamic symbol
// table — the set consulted when no DWARF debug info is available.
func (o *Object) SymbolicateAddr(addr uint64) (elf.Symbol, bool) {
	i := sort.Search(len(o.byAddr), func(i int) bool { return o.byAddr[i].Value > addr })
	if i == 0 {
		return elf.Symbol{}, false
	}
	s := o.byAddr[i-1]
	if s.Size == 0 {
		return s, s.Value == addr
	}
	if addr < s.Value+s.Size {
		return s, true
	}
	return elf.Symbol{}, false
}

// GetSegmentForAddress returns the PT_LOAD header whose
// [p_vaddr, p_vaddr+p_memsz) contains vaddr, preferring the segment with
// the smallest p_memsz on ties.
func (o *Object) GetSegmentForAddress(vaddr uint64) (elf.ProgHeader, bool) {
	var best elf.ProgHeader
	found := false
	for _, p := range o.segments {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr < p.Vaddr || vaddr >= p.Vaddr+p.Memsz {
			continue
		}
		if !found || p.Memsz < best.Memsz {
			best = p
			found = true
		}
	}
	return best, found
}

// ReadAt reads length raw file bytes at off, bypassing section/segment
// interpretation. Used by procfs to read a loaded object's on-disk image
// directly at a computed file offset, the core-process fallback when a
// live mapping is unavailable.
func (o *Object) ReadAt(off, length int64) ([]byte, error) {
	return o.r.ReadAt(off, length)
}

// Notes returns every note recovered from this object's PT_NOTE segments.
func (o *Object) Notes() []Note { return o.notes }

// BuildID returns the raw build-id bytes from .note.gnu.build-id, or nil
// if the object has none.
func (o *Object) BuildID() []byte { return o.buildID }

func (o *Object) loadNotes() error {
	for _, seg := range o.segments {
		if seg.Type != elf.PT_NOTE {
			continue
		}
		data, err := o.r.ReadAt(int64(seg.Off), int64(seg.Filesz))
		if err != nil {
			return err
		}
		notes, err := parseNotes(data, o.byteOrder)
		if err != nil {
			return err
		}
		o.notes = append(o.notes, notes...)
	}
	return nil
}

// parseNotes walks concatenated (namesz, descsz, type, name, desc) note
// records, 4-byte aligned.
func parseNotes(data []byte, order reader.Order) ([]Note, error) {
	var notes []Note
	for len(data) > 0 {
		if len(data) < 12 {
			return notes, pstackerr.New(pstackerr.KindBadFormat, "elfobj.parseNotes", fmt.Errorf("truncated note header"))
		}
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(namesz)
		if uint32(len(data)) < nameEnd {
			return notes, pstackerr.New(pstackerr.KindBadFormat, "elfobj.parseNotes", fmt.Errorf("truncated note name"))
		}
		var name string
		if namesz > 0 {
			name = string(data[:namesz-1]) // strip NUL terminator
		}
		data = data[nameEnd:]

		descEnd := align4(descsz)
		if uint32(len(data)) < descEnd {
			return notes, pstackerr.New(pstackerr.KindBadFormat, "elfobj.parseNotes", fmt.Errorf("truncated note desc"))
		}
		desc := data[:descsz]
		data = data[descEnd:]

		notes = append(notes, Note{Name: name, Type: elf.NType(typ), Data: desc})
	}
	return notes, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// Note types absent from the standard library's debug/elf.
const (
	NTGNUBuildID elf.NType = 3  // NT_GNU_BUILD_ID, under the "GNU" note owner
	NTAuxv       elf.NType = 6  // NT_AUXV
	NTFile       elf.NType = 0x46494c45 // NT_FILE ("FILE" in ASCII)
	NTSigInfo    elf.NType = 0x53494749 // NT_SIGINFO
)

func (o *Object) loadBuildID() {
	for _, n := range o.notes {
		if n.Name == "GNU" && n.Type == NTGNUBuildID {
			o.buildID = n.Data
			return
		}
	}
}
