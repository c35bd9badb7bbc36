package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func resetAll() {
	elf, dwarf, proc, unwind, cache = false, false, false, false, false
}

func TestSetupDisabledLeavesEverythingOff(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(false, "elf,dwarf")
	if ELF() || DWARF() || Proc() || Unwind() || Cache() {
		t.Error("Setup(false, ...) should not enable any subsystem")
	}
}

func TestSetupEnablesNamedSubsystemsOnly(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(true, "elf, cache")
	if !ELF() {
		t.Error("expected elf logging enabled")
	}
	if !Cache() {
		t.Error("expected cache logging enabled")
	}
	if DWARF() || Proc() || Unwind() {
		t.Error("expected unnamed subsystems to remain disabled")
	}
}

func TestSetupEnabledEmptyStringDefaultsToProc(t *testing.T) {
	resetAll()
	defer resetAll()

	Setup(true, "")
	if !Proc() {
		t.Error("expected Setup(true, \"\") to default to the proc subsystem")
	}
	if ELF() || DWARF() || Unwind() || Cache() {
		t.Error("expected only proc to be enabled by the default")
	}
}

func TestLoggerLevelTracksFlag(t *testing.T) {
	resetAll()
	defer resetAll()

	if got := ELFLogger().Logger.Level; got != logrus.PanicLevel {
		t.Errorf("got level %v, want PanicLevel while disabled", got)
	}

	Setup(true, "elf")
	if got := ELFLogger().Logger.Level; got != logrus.DebugLevel {
		t.Errorf("got level %v, want DebugLevel once enabled", got)
	}
}
