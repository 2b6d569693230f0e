package protocol

import "testing"

func TestPackAndExtract(t *testing.T) {
	kind := Pack(ModeSendMsg, OptFileAttach|OptSendCheck)

	if Mode(kind) != ModeSendMsg {
		t.Errorf("Mode() = %#x, want %#x", Mode(kind), ModeSendMsg)
	}
	if !HasOption(kind, OptFileAttach) {
		t.Error("HasOption(OptFileAttach) = false, want true")
	}
	if !HasOption(kind, OptSendCheck) {
		t.Error("HasOption(OptSendCheck) = false, want true")
	}
	if HasOption(kind, OptEncrypt) {
		t.Error("HasOption(OptEncrypt) = true, want false")
	}
	if Options(kind) != OptFileAttach|OptSendCheck {
		t.Errorf("Options() = %#x, want %#x", Options(kind), OptFileAttach|OptSendCheck)
	}
}

func TestPackMasksOverlap(t *testing.T) {
	// Mode bits leaking into options (or vice versa) would corrupt the
	// aliased send-context flags.
	kind := Pack(0xFFF, 0xFF)
	if Mode(kind) != 0xFF {
		t.Errorf("Mode() = %#x, want %#x", Mode(kind), uint32(0xFF))
	}
	if Options(kind) != 0 {
		t.Errorf("Options() = %#x, want 0", Options(kind))
	}
}

func TestIsPresenceMode(t *testing.T) {
	for _, mode := range []uint32{ModeBrEntry, ModeBrExit, ModeAnsEntry, ModeBrAbsence} {
		if !IsPresenceMode(mode) {
			t.Errorf("IsPresenceMode(%#x) = false, want true", mode)
		}
	}
	for _, mode := range []uint32{ModeNoOperation, ModeSendMsg, ModeRecvMsg, ModeGetFileData} {
		if IsPresenceMode(mode) {
			t.Errorf("IsPresenceMode(%#x) = true, want false", mode)
		}
	}
}
