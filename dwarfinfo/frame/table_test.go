package frame

import (
	"encoding/binary"
	"testing"
)

// TestStepUnrecognizedOpcodeDoesNotPanic exercises the fix that replaced a
// panic on an unrecognized CFA opcode with a graceful end-of-stream stop:
// format parse errors must never crash the process.
func TestStepUnrecognizedOpcodeDoesNotPanic(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -4,
		ReturnAddressRegister: 16,
		InitialInstructions:   []byte{0x0c, 0x07, 0x08}, // DW_CFA_def_cfa reg=7 off=8
	}
	fde := &FrameDescriptionEntry{
		CIE:          cie,
		order:        binary.LittleEndian,
		begin:        0x1000,
		size:         0x100,
		Instructions: []byte{0x1c}, // DW_CFA_lo_user: unrecognized by this interpreter
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("EstablishFrame panicked on an unrecognized opcode: %v", r)
		}
	}()

	ctx := fde.EstablishFrame(fde.Begin())
	if ctx.CFA.Rule != RuleCFA || ctx.CFA.Reg != 7 || ctx.CFA.Offset != 8 {
		t.Errorf("expected the CIE's initial CFA rule to survive, got %+v", ctx.CFA)
	}
}

func TestRememberAndRestoreState(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   1,
		ReturnAddressRegister: 16,
	}
	fde := &FrameDescriptionEntry{
		CIE:   cie,
		order: binary.LittleEndian,
		begin: 0,
		size:  0x100,
		Instructions: []byte{
			0x0c, 0x07, 0x08, // DW_CFA_def_cfa reg=7 off=8
			0x0a,             // DW_CFA_remember_state
			0x0d, 0x06,       // DW_CFA_def_cfa_register reg=6
			0x0b,             // DW_CFA_restore_state
		},
	}

	ctx := fde.EstablishFrame(fde.Begin())
	if ctx.CFA.Reg != 7 {
		t.Errorf("got CFA register %d after restore, want 7 (the remembered value)", ctx.CFA.Reg)
	}
}
