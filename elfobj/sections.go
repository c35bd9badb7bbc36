package elfobj

import (
	"debug/elf"
	"strings"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/devnexen/pstack/reader"
)

// SectionReader returns a Reader over the named section's logical
// contents, decompressing transparently if the section is ".zdebug_*" or
// SHF_COMPRESSED. If primary is absent in this object, alt (if non-nil)
// is tried instead (e.g. a separate debug Object's matching section):
// pass alt as nil to look only in this Object.
func (o *Object) SectionReader(primary string, alt *Object) (reader.Reader, error) {
	if r, err := o.sectionReaderLocal(primary); err == nil {
		return r, nil
	} else if alt == nil {
		return nil, err
	}
	return alt.sectionReaderLocal(primary)
}

func (o *Object) sectionReaderLocal(name string) (reader.Reader, error) {
	o.sectionCacheMu.Lock()
	defer o.sectionCacheMu.Unlock()
	if o.sectionCache == nil {
		o.sectionCache = make(map[string]reader.Reader)
	}
	if r, ok := o.sectionCache[name]; ok {
		return r, nil
	}

	sh, found := o.Section(name)
	zdebug := false
	if !found {
		sh, found = o.Section(".z" + strings.TrimPrefix(name, "."))
		zdebug = found
	}
	if !found {
		return nil, pstackerr.New(pstackerr.KindMissingDebug, "elfobj.SectionReader", errSectionMissing(name))
	}

	raw, err := o.r.ReadAt(int64(sh.Offset), int64(sh.Size))
	if err != nil {
		return nil, err
	}

	var data []byte
	switch {
	case zdebug && reader.DetectLegacyZdebug(raw):
		data, err = reader.Decompress(reader.ZlibLegacy, raw, o.byteOrder, o.class == elf.ELFCLASS64)
	case sh.Flags&elf.SHF_COMPRESSED != 0:
		kind, detectErr := reader.DetectSHFCompressed(raw, o.byteOrder)
		if detectErr != nil {
			return nil, detectErr
		}
		data, err = reader.Decompress(kind, raw, o.byteOrder, o.class == elf.ELFCLASS64)
	default:
		data = raw
	}
	if err != nil {
		return nil, err
	}

	r := reader.NewBuffer(data, o.path+":"+name)
	o.sectionCache[name] = r
	return r, nil
}

func errSectionMissing(name string) error {
	return &sectionMissingError{name}
}

type sectionMissingError struct{ name string }

func (e *sectionMissingError) Error() string { return "no such section: " + e.name }
