package elfobj

import (
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/devnexen/pstack/internal/logflags"
)

// DebugLink reports this object's .gnu_debuglink section contents: the
// stub filename and the CRC32 of the full debug file. ok is false if the
// section is absent.
func (o *Object) DebugLink() (filename string, crc uint32, ok bool) {
	sh, present := o.Section(".gnu_debuglink")
	if !present {
		return "", 0, false
	}
	data, err := o.r.ReadAt(int64(sh.Offset), int64(sh.Size))
	if err != nil || len(data) < 5 {
		return "", 0, false
	}
	nameEnd := 0
	for nameEnd < len(data) && data[nameEnd] != 0 {
		nameEnd++
	}
	name := string(data[:nameEnd])
	crcOff := align4(uint32(nameEnd + 1))
	if int(crcOff)+4 > len(data) {
		return "", 0, false
	}
	return name, o.byteOrder.Uint32(data[crcOff : crcOff+4]), true
}

// ResolveSeparateDebug searches for a separate debug-info file: the
// directory of the original file, a sibling .debug/ directory, then each
// of extraDebugDirs (both at the original path and under a
// build-id/xx/yyyy… layout). The first match whose build-id matches (if
// known) or whose CRC matches the debuglink is adopted. Failure is
// non-fatal: ok is false and err is nil when no candidate matched, since
// the Object remains usable without debug info.
func (o *Object) ResolveSeparateDebug(extraDebugDirs []string) (debug *Object, ok bool, err error) {
	dir := filepath.Dir(o.path)
	linkName, linkCRC, hasLink := o.DebugLink()
	buildID := o.buildID

	var candidates []string
	if hasLink {
		candidates = append(candidates, filepath.Join(dir, linkName))
		candidates = append(candidates, filepath.Join(dir, ".debug", linkName))
		for _, extra := range extraDebugDirs {
			candidates = append(candidates, filepath.Join(extra, dir, linkName))
		}
	}
	if len(buildID) > 0 {
		bid := hex.EncodeToString(buildID)
		if len(bid) > 2 {
			rel := filepath.Join("build-id", bid[:2], bid[2:]+".debug")
			for _, extra := range extraDebugDirs {
				candidates = append(candidates, filepath.Join(extra, rel))
			}
		}
	}

	for _, cand := range candidates {
		if _, statErr := os.Stat(cand); statErr != nil {
			continue
		}
		cdbg, openErr := Open(cand)
		if openErr != nil {
			if logflags.ELF() {
				logflags.ELFLogger().WithError(openErr).WithField("path", cand).Warn("candidate debug file failed to parse")
			}
			continue
		}
		if len(buildID) > 0 && len(cdbg.buildID) > 0 {
			if !bytesEqual(buildID, cdbg.buildID) {
				continue
			}
			return cdbg, true, nil
		}
		if hasLink {
			data, readErr := os.ReadFile(cand)
			if readErr != nil {
				continue
			}
			if crc32.ChecksumIEEE(data) != linkCRC {
				continue
			}
			return cdbg, true, nil
		}
	}
	return nil, false, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
