// Package logflags controls per-subsystem debug logging: a set of
// package-scoped switches, each backing a logrus.Entry that is silenced
// to PanicLevel unless its switch is set.
package logflags

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	elf    = false
	dwarf  = false
	proc   = false
	unwind = false
	cache  = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// ELF returns true if the elfobj package should log.
func ELF() bool { return elf }

// ELFLogger returns a configured logger for the elfobj package.
func ELFLogger() *logrus.Entry { return makeLogger(elf, logrus.Fields{"layer": "elfobj"}) }

// DWARF returns true if the dwarfinfo packages should log.
func DWARF() bool { return dwarf }

// DWARFLogger returns a configured logger for the dwarfinfo packages.
func DWARFLogger() *logrus.Entry { return makeLogger(dwarf, logrus.Fields{"layer": "dwarfinfo"}) }

// Proc returns true if the procfs package should log.
func Proc() bool { return proc }

// ProcLogger returns a configured logger for the procfs package.
func ProcLogger() *logrus.Entry { return makeLogger(proc, logrus.Fields{"layer": "procfs"}) }

// Unwind returns true if the unwind package should log.
func Unwind() bool { return unwind }

// UnwindLogger returns a configured logger for the unwind package.
func UnwindLogger() *logrus.Entry { return makeLogger(unwind, logrus.Fields{"layer": "unwind"}) }

// Cache returns true if the imagecache package should log.
func Cache() bool { return cache }

// CacheLogger returns a configured logger for the imagecache package.
func CacheLogger() *logrus.Entry { return makeLogger(cache, logrus.Fields{"layer": "imagecache"}) }

// Setup parses a comma-separated list of subsystem names (as accepted by a
// --log-output style flag) and enables logging for each one named.
// Recognized names: elf, dwarf, proc, unwind, cache.
func Setup(enabled bool, logstr string) {
	if !enabled {
		return
	}
	if logstr == "" {
		logstr = "proc"
	}
	for _, name := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(name) {
		case "elf":
			elf = true
		case "dwarf":
			dwarf = true
		case "proc":
			proc = true
		case "unwind":
			unwind = true
		case "cache":
			cache = true
		}
	}
}
