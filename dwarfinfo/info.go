package dwarfinfo

import (
	"sync"

	"github.com/devnexen/pstack/dwarfinfo/frame"
	"github.com/devnexen/pstack/dwarfinfo/line"
	"github.com/devnexen/pstack/dwarfinfo/unit"
	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/internal/logflags"
	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// Info is the per-Object DWARF state: units, line tables, aranges and CFI
// tables, all lazily populated under single-flight, shared-read-safe
// sync.Once guards. One Info is created per elfobj.Object (the object
// that actually carries the sections — the original binary, or its
// resolved separate debug file) and is owned uniquely by that Object.
type Info struct {
	obj        *elfobj.Object
	sections   *unit.Sections
	staticBase uint64
	addrSize   int

	unitsOnce sync.Once
	unitsErr  error
	units     []*unit.Unit

	cfiOnce    sync.Once
	cfiErr     error
	ehFrame    frame.Entries
	debugFrame frame.Entries

	arangesOnce sync.Once
	aranges     []Arange

	lineMu    sync.Mutex
	lineCache map[int64]*line.Program // keyed by unit offset
}

// New builds an Info over obj (which should be the object whose sections
// actually carry DWARF data: either the original binary or its resolved
// separate debug file). staticBase is the load bias to apply to
// addresses recovered from the line program and CFI tables (0 for
// standalone analysis of a non-PIE binary or for an already-biased core
// reader).
func New(obj *elfobj.Object, staticBase uint64) *Info {
	addrSize := 8
	if obj.Class().String() == "ELFCLASS32" {
		addrSize = 4
	}
	in := &Info{obj: obj, staticBase: staticBase, addrSize: addrSize, lineCache: make(map[int64]*line.Program)}
	in.sections = in.loadSections()
	return in
}

func (in *Info) loadSections() *unit.Sections {
	get := func(name string) reader.Reader {
		r, err := in.obj.SectionReader(name, nil)
		if err != nil {
			return nil
		}
		return r
	}
	return &unit.Sections{
		Info:       get(".debug_info"),
		Abbrev:     get(".debug_abbrev"),
		Str:        get(".debug_str"),
		LineStr:    get(".debug_line_str"),
		StrOffsets: get(".debug_str_offsets"),
		Addr:       get(".debug_addr"),
		RngLists:   get(".debug_rnglists"),
		LocLists:   get(".debug_loclists"),
		Ranges:     get(".debug_ranges"),
		Order:      in.obj.ByteOrder(),
	}
}

// Sections returns the section bundle this Info decodes DWARF data from.
func (in *Info) Sections() *unit.Sections { return in.sections }

// Units returns every compilation unit in .debug_info, parsing the unit
// header list on first call.
func (in *Info) Units() ([]*unit.Unit, error) {
	in.unitsOnce.Do(func() {
		in.units, in.unitsErr = unit.ParseUnits(in.sections)
		if in.unitsErr != nil && logflags.DWARF() {
			logflags.DWARFLogger().WithError(in.unitsErr).WithField("object", in.obj.Path()).Warn("failed parsing units")
		}
	})
	return in.units, in.unitsErr
}

// Aranges returns the parsed .debug_aranges table, used only as a
// pre-filter for SubprogramForAddr; explicit DIE ranges are always
// trusted over this table.
func (in *Info) Aranges() []Arange {
	in.arangesOnce.Do(func() {
		sec, err := in.obj.SectionReader(".debug_aranges", nil)
		if err != nil {
			return
		}
		in.aranges, err = ParseAranges(sec, in.obj.ByteOrder())
		if err != nil && logflags.DWARF() {
			logflags.DWARFLogger().WithError(err).Warn("failed parsing .debug_aranges")
		}
	})
	return in.aranges
}

// CFI parses and caches both CFI containers this Object carries. Either
// slice may be empty if the corresponding section is absent.
func (in *Info) CFI() (eh, dbg frame.Entries, err error) {
	in.cfiOnce.Do(func() {
		if sec, serr := in.obj.SectionReader(".eh_frame", nil); serr == nil {
			in.ehFrame, in.cfiErr = frame.Parse(sec, in.obj.ByteOrder(), in.staticBase, in.addrSize, frame.EHFrame)
		}
		if in.cfiErr != nil {
			return
		}
		if sec, serr := in.obj.SectionReader(".debug_frame", nil); serr == nil {
			in.debugFrame, in.cfiErr = frame.Parse(sec, in.obj.ByteOrder(), in.staticBase, in.addrSize, frame.DebugFrame)
		}
	})
	return in.ehFrame, in.debugFrame, in.cfiErr
}

// FDEForPC returns the FDE covering pc, preferring .eh_frame over
// .debug_frame when both carry an entry for the same function. An
// .eh_frame_hdr binary-search table, when present, would be the
// preferred lookup path; absent an .eh_frame_hdr parser, this Info
// falls back to .eh_frame's own sorted index, equivalent in result but
// without the hdr's O(1) section selection.
func (in *Info) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	eh, dbg, err := in.CFI()
	if err != nil {
		return nil, err
	}
	if fde, ferr := eh.FDEForPC(pc); ferr == nil {
		return fde, nil
	}
	return dbg.FDEForPC(pc)
}

// LineProgram returns the parsed line-number program belonging to u,
// resolved from its DW_AT_stmt_list attribute, caching the result per
// unit offset.
func (in *Info) LineProgram(u *unit.Unit) (*line.Program, error) {
	in.lineMu.Lock()
	if p, ok := in.lineCache[u.Offset]; ok {
		in.lineMu.Unlock()
		return p, nil
	}
	in.lineMu.Unlock()

	root, err := u.Root()
	if err != nil {
		return nil, err
	}
	if root.Empty() {
		return nil, nil
	}
	stmtList, ok := root.Val(unit.AttrStmtList)
	if !ok {
		return nil, nil
	}
	compDir := ""
	if cd, ok := root.Val(unit.AttrCompDir); ok {
		compDir = cd.Str
	}

	lineSec, err := in.obj.SectionReader(".debug_line", nil)
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindMissingDebug, "dwarfinfo.LineProgram", err)
	}
	p, err := line.Parse(lineSec, int64(stmtList.U), in.sections.LineStr, in.sections.Str, in.obj.ByteOrder(), in.staticBase, compDir)
	if err != nil {
		return nil, err
	}

	in.lineMu.Lock()
	in.lineCache[u.Offset] = p
	in.lineMu.Unlock()
	return p, nil
}

// SourceForAddr resolves addr to its (file, line) via the owning unit's
// line program. addr is object-relative (unbiased), as for
// SubprogramForAddr; the line rows carry staticBase, so it is added back
// for the row lookup.
func (in *Info) SourceForAddr(addr uint64) (file string, ln int, ok bool) {
	_, u, err := in.SubprogramForAddr(addr)
	if err != nil || u == nil {
		return "", 0, false
	}
	p, err := in.LineProgram(u)
	if err != nil || p == nil {
		return "", 0, false
	}
	rows, err := p.Matrix()
	if err != nil {
		return "", 0, false
	}
	return line.SourceFromAddr(rows, addr+in.staticBase)
}

// SubprogramForAddr returns the DW_TAG_subprogram DIE enclosing addr and
// its owning unit. It uses Aranges as a cheap pre-filter to pick
// candidate units, falling back to scanning every unit if aranges is
// absent or stale.
func (in *Info) SubprogramForAddr(addr uint64) (unit.DIE, *unit.Unit, error) {
	units, err := in.Units()
	if err != nil {
		return unit.DIE{}, nil, err
	}

	candidates := in.candidateUnits(units, addr)
	for _, u := range candidates {
		if fn, found := in.findSubprogram(u, addr); found {
			return fn, u, nil
		}
	}
	return unit.DIE{}, nil, nil
}

func (in *Info) candidateUnits(units []*unit.Unit, addr uint64) []*unit.Unit {
	aranges := in.Aranges()
	if len(aranges) == 0 {
		return units
	}
	byOffset := make(map[int64]*unit.Unit, len(units))
	for _, u := range units {
		byOffset[u.Offset] = u
	}
	var candidates []*unit.Unit
	seen := make(map[int64]bool)
	for _, a := range aranges {
		if a.Covers(addr) {
			if u, ok := byOffset[a.UnitOffset]; ok && !seen[a.UnitOffset] {
				candidates = append(candidates, u)
				seen[a.UnitOffset] = true
			}
		}
	}
	// aranges is only a hint: append every remaining unit so a function
	// missing from aranges (e.g. cold-split text) is still found.
	for _, u := range units {
		if !seen[u.Offset] {
			candidates = append(candidates, u)
		}
	}
	return candidates
}

func (in *Info) findSubprogram(u *unit.Unit, addr uint64) (unit.DIE, bool) {
	root, err := u.Root()
	if err != nil || root.Empty() {
		return unit.DIE{}, false
	}
	return in.walkForSubprogram(u, root, addr)
}

func (in *Info) walkForSubprogram(u *unit.Unit, d unit.DIE, addr uint64) (unit.DIE, bool) {
	if d.Tag == unit.TagSubprogram {
		ranges, err := rangesForDIE(d)
		if err == nil {
			for _, r := range ranges {
				if r.Covers(addr) {
					return d, true
				}
			}
		}
	}
	if !d.HasChildren {
		return unit.DIE{}, false
	}
	for _, child := range in.children(u, d) {
		if fn, ok := in.walkForSubprogram(u, child, addr); ok {
			return fn, true
		}
	}
	return unit.DIE{}, false
}

// children returns d's direct children by re-decoding the sibling chain
// immediately following d, mirroring unit.Unit's own parent-scan walk
// (dwarfinfo/unit/unit.go's walkChildren), since raw DIEs do not retain a
// Children slice.
func (in *Info) children(u *unit.Unit, d unit.DIE) []unit.DIE {
	if !d.HasChildren {
		return nil
	}
	var out []unit.DIE
	off := u.FirstChildOffset(d.Offset)
	for {
		cd, err := u.OffsetToDIE(off)
		if err != nil || cd.Empty() {
			return out
		}
		out = append(out, cd)
		off = u.NextSiblingOffset(cd.Offset)
	}
}

// InlineFrame describes one synthesized frame produced by expanding a
// DW_TAG_inlined_subroutine chain.
type InlineFrame struct {
	Name     string
	CallFile string
	CallLine int
}

// InlineChain returns, innermost first, every DW_TAG_inlined_subroutine
// covering addr nested within fn, walking inlined subroutine chains to
// produce inlined-frame expansions.
func (in *Info) InlineChain(u *unit.Unit, fn unit.DIE, addr uint64) []InlineFrame {
	var chain []InlineFrame
	in.collectInlines(u, fn, addr, &chain)
	// Reverse so the innermost (deepest) inlined call is first, matching
	// the unwinder's innermost-to-outermost frame order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (in *Info) collectInlines(u *unit.Unit, d unit.DIE, addr uint64, chain *[]InlineFrame) {
	for _, child := range in.children(u, d) {
		if child.Tag != unit.TagInlinedSubroutine {
			if child.HasChildren {
				in.collectInlines(u, child, addr, chain)
			}
			continue
		}
		ranges, err := rangesForDIE(child)
		if err != nil {
			continue
		}
		covered := false
		for _, r := range ranges {
			if r.Covers(addr) {
				covered = true
				break
			}
		}
		if !covered {
			continue
		}
		frm := InlineFrame{Name: in.DIEName(child)}
		if cf, ok := child.Val(unit.AttrCallFile); ok {
			frm.CallFile = in.fileNameForIndex(u, cf.U)
		}
		if cl, ok := child.Val(unit.AttrCallLine); ok {
			frm.CallLine = int(cl.U)
		}
		*chain = append(*chain, frm)
		in.collectInlines(u, child, addr, chain)
	}
}

func (in *Info) fileNameForIndex(u *unit.Unit, idx uint64) string {
	p, err := in.LineProgram(u)
	if err != nil || p == nil {
		return ""
	}
	return p.FileAt(idx)
}

// DIEName resolves a DIE's display name, following a single
// DW_AT_abstract_origin or DW_AT_specification reference when the DIE
// itself carries no DW_AT_name, per DWARF5 §2.13's inlining/declaration
// convention.
func (in *Info) DIEName(d unit.DIE) string {
	if v, ok := d.Val(unit.AttrName); ok {
		return v.Str
	}
	for _, a := range [...]unit.Attr{unit.AttrAbstractOrigin, unit.AttrSpecification} {
		if ref, ok := d.Val(a); ok {
			if origin, err := d.U.OffsetToDIE(int64(ref.U)); err == nil && !origin.Empty() {
				if v, ok := origin.Val(unit.AttrName); ok {
					return v.Str
				}
			}
		}
	}
	return ""
}

// FrameBase returns d's raw DW_AT_frame_base expression bytes, unevaluated,
// for callers decoding DW_AT_location for parameters/locals relative to a
// frame.
func (in *Info) FrameBase(d unit.DIE) ([]byte, bool) {
	v, ok := d.Val(unit.AttrFrameBase)
	if !ok {
		return nil, false
	}
	return v.Bytes, true
}

// Variable is one function parameter or local variable's name and raw
// DW_AT_location expression, ready for dwarfexpr.Eval against a frame's
// register bank and frame base.
type Variable struct {
	Name     string
	Location []byte
}

// Parameters returns fn's direct DW_TAG_formal_parameter children, in
// declaration order.
func (in *Info) Parameters(u *unit.Unit, fn unit.DIE) []Variable {
	return in.variablesByTag(u, fn, unit.TagFormalParameter, false)
}

// Locals returns every DW_TAG_variable declared directly in fn or nested
// within one of its DW_TAG_lexical_block children.
func (in *Info) Locals(u *unit.Unit, fn unit.DIE) []Variable {
	return in.variablesByTag(u, fn, unit.TagVariable, true)
}

func (in *Info) variablesByTag(u *unit.Unit, d unit.DIE, tag unit.Tag, recurseBlocks bool) []Variable {
	var out []Variable
	for _, child := range in.children(u, d) {
		if child.Tag == tag {
			if v, ok := child.Val(unit.AttrLocation); ok && v.Form == unit.FormExprloc {
				out = append(out, Variable{Name: in.DIEName(child), Location: v.Bytes})
			}
			continue
		}
		if recurseBlocks && child.Tag == unit.TagLexicalBlock {
			out = append(out, in.variablesByTag(u, child, tag, recurseBlocks)...)
		}
	}
	return out
}
