package vm

import (
	"strings"
	"testing"
)

func TestBytecodeBuilderEmit(t *testing.T) {
	b := NewBytecodeBuilder()
	b.Emit(OpPushNil)
	b.EmitInt8(OpPushInt8, -5)
	b.EmitByte(OpPushTemp, 2)
	b.EmitUint16(OpPushLiteral, 0x1234)
	b.Emit(OpReturnTop)

	want := []byte{
		byte(OpPushNil),
		byte(OpPushInt8), 0xFB,
		byte(OpPushTemp), 2,
		byte(OpPushLiteral), 0x34, 0x12,
		byte(OpReturnTop),
	}
	got := b.Bytes()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestBytecodeEmitSend(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitSend(0x0102, 3)
	got := b.Bytes()
	want := []byte{byte(OpSend), 0x02, 0x01, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestBytecodeSendAndCachedSameLength(t *testing.T) {
	// Quickening rewrites SEND into SEND_CACHED in place; the encodings
	// must be the same size or every jump offset after the rewrite breaks.
	if OpSend.Info().OperandBytes != OpSendCached.Info().OperandBytes {
		t.Errorf("SEND operands = %d, SEND_CACHED operands = %d",
			OpSend.Info().OperandBytes, OpSendCached.Info().OperandBytes)
	}
}

func TestBytecodeForwardJump(t *testing.T) {
	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.Emit(OpPushTrue)
	b.EmitJump(OpJumpFalse, end)
	b.EmitInt8(OpPushInt8, 1)
	b.Mark(end)
	b.Emit(OpReturnTop)

	r := NewBytecodeReader(b.Bytes())
	r.Seek(1)
	if op := r.ReadOpcode(); op != OpJumpFalse {
		t.Fatalf("opcode = %s, want JUMP_FALSE", op)
	}
	offset := r.ReadInt16()
	if dest := r.Position() + int(offset); dest != 6 {
		t.Errorf("jump dest = %d, want 6", dest)
	}
}

func TestBytecodeBackwardJump(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	b.Mark(top)
	b.Emit(OpNop)
	b.EmitJump(OpJump, top)

	r := NewBytecodeReader(b.Bytes())
	r.Seek(1)
	r.ReadOpcode()
	offset := r.ReadInt16()
	if dest := r.Position() + int(offset); dest != 0 {
		t.Errorf("jump dest = %d, want 0", dest)
	}
	if offset >= 0 {
		t.Errorf("backward jump offset = %d, want negative", offset)
	}
}

func TestBytecodeReaderRoundtrip(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitSend(77, 2)
	b.EmitCreateBlock(5, 1)

	r := NewBytecodeReader(b.Bytes())
	if op := r.ReadOpcode(); op != OpSend {
		t.Fatalf("opcode = %s, want SEND", op)
	}
	if sel := r.ReadUint16(); sel != 77 {
		t.Errorf("selector = %d, want 77", sel)
	}
	if argc := r.ReadByte(); argc != 2 {
		t.Errorf("argc = %d, want 2", argc)
	}
	if op := r.ReadOpcode(); op != OpCreateBlock {
		t.Fatalf("opcode = %s, want CREATE_BLOCK", op)
	}
	if idx := r.ReadUint16(); idx != 5 {
		t.Errorf("block index = %d, want 5", idx)
	}
	if n := r.ReadByte(); n != 1 {
		t.Errorf("captures = %d, want 1", n)
	}
	if r.HasMore() {
		t.Error("reader should be exhausted")
	}
}

func TestBytecodeOpcodeNames(t *testing.T) {
	if OpSend.Name() != "SEND" || OpReturnTop.Name() != "RETURN_TOP" {
		t.Error("opcode names are wrong")
	}
	if got := Opcode(0xEE).Name(); got != "UNKNOWN_EE" {
		t.Errorf("unknown opcode name = %q", got)
	}
}

func TestBytecodeDisassemble(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitInt8(OpPushInt8, 7)
	b.EmitSend(3, 1)
	b.Emit(OpReturnTop)

	out := Disassemble(b.Bytes())
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("disassembly has %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "PUSH_INT8 7") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "SEND selector=3 argc=1") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "RETURN_TOP") {
		t.Errorf("line 2 = %q", lines[2])
	}
}
