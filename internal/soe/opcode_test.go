package soe

import "testing"

func TestOpCodeContextlessSet(t *testing.T) {
	contextless := map[OpCode]bool{
		OpSessionRequest:  true,
		OpSessionResponse: true,
		OpUnknownSender:   true,
		OpRemapConnection: true,
	}
	all := []OpCode{
		OpSessionRequest, OpSessionResponse, OpMultiPacket, OpDisconnect,
		OpHeartbeat, OpNetStatusRequest, OpNetStatusResponse, OpReliableData,
		OpReliableDataFragment, OpAcknowledge, OpAcknowledgeAll,
		OpUnknownSender, OpRemapConnection,
	}
	for _, op := range all {
		if op.IsContextless() != contextless[op] {
			t.Errorf("%s: IsContextless()=%v, want %v", op, op.IsContextless(), contextless[op])
		}
		if op.IsContextual() == op.IsContextless() {
			t.Errorf("%s: IsContextual and IsContextless must disagree for a recognized opcode", op)
		}
	}
}

func TestOpCodeUnrecognized(t *testing.T) {
	unknown := OpCode(0x99)
	if unknown.IsRecognized() {
		t.Fatal("0x99 must not be recognized")
	}
	if unknown.IsContextual() {
		t.Fatal("an unrecognized opcode cannot be contextual")
	}
}

func TestOpCodeStringNeverEmpty(t *testing.T) {
	for _, op := range []OpCode{OpSessionRequest, OpRemapConnection, OpCode(0xFFFF)} {
		if op.String() == "" {
			t.Errorf("%v: String() must not be empty", op)
		}
	}
}
