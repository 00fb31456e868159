package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push self
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushLiteral Opcode = 0x15 // push literal from the literal frame (16-bit index)
)

// Variable operations
const (
	OpPushTemp     Opcode = 0x20 // push temporary/argument (8-bit index)
	OpStoreTemp    Opcode = 0x21 // pop, store into temporary (8-bit index)
	OpPushCaptured Opcode = 0x22 // push captured variable (8-bit index)
)

// Message sends
const (
	OpSend       Opcode = 0x30 // send message (16-bit selector, 8-bit argc)
	OpSendCached Opcode = 0x31 // quickened send through a call cache (16-bit cache index, 8-bit argc); same length as SEND so rewriting preserves offsets
)

// Optimized arithmetic/comparison sends (single byte, no operands)
const (
	OpAdd     Opcode = 0x40 // +
	OpSub     Opcode = 0x41 // -
	OpMul     Opcode = 0x42 // *
	OpLess    Opcode = 0x43 // <
	OpGreater Opcode = 0x44 // >
	OpEquals  Opcode = 0x45 // =
)

// Control flow
const (
	OpJump      Opcode = 0x50 // unconditional jump (16-bit signed offset)
	OpJumpTrue  Opcode = 0x51 // pop, jump if truthy (16-bit signed offset)
	OpJumpFalse Opcode = 0x52 // pop, jump if falsy (16-bit signed offset)
)

// Returns
const (
	OpReturnTop  Opcode = 0x60 // return top of stack
	OpReturnSelf Opcode = 0x61 // return self
)

// Blocks
const (
	OpCreateBlock Opcode = 0x70 // create closure (16-bit block index, 8-bit capture count)
	OpSendValue   Opcode = 0x71 // invoke block with 0 args
	OpSendValue1  Opcode = 0x72 // invoke block with 1 arg
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},

	OpPushNil:     {"PUSH_NIL", 0},
	OpPushTrue:    {"PUSH_TRUE", 0},
	OpPushFalse:   {"PUSH_FALSE", 0},
	OpPushSelf:    {"PUSH_SELF", 0},
	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushLiteral: {"PUSH_LITERAL", 2},

	OpPushTemp:     {"PUSH_TEMP", 1},
	OpStoreTemp:    {"STORE_TEMP", 1},
	OpPushCaptured: {"PUSH_CAPTURED", 1},

	OpSend:       {"SEND", 3},
	OpSendCached: {"SEND_CACHED", 3},

	OpAdd:     {"ADD", 0},
	OpSub:     {"SUB", 0},
	OpMul:     {"MUL", 0},
	OpLess:    {"LESS", 0},
	OpGreater: {"GREATER", 0},
	OpEquals:  {"EQUALS", 0},

	OpJump:      {"JUMP", 2},
	OpJumpTrue:  {"JUMP_TRUE", 2},
	OpJumpFalse: {"JUMP_FALSE", 2},

	OpReturnTop:  {"RETURN_TOP", 0},
	OpReturnSelf: {"RETURN_SELF", 0},

	OpCreateBlock: {"CREATE_BLOCK", 3},
	OpSendValue:   {"SEND_VALUE", 0},
	OpSendValue1:  {"SEND_VALUE1", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// BytecodeBuilder
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles bytecode sequences. Tests and the demo
// programs hand-assemble methods with it; there is no source compiler.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates an empty builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the assembled bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitSend appends a SEND instruction.
func (b *BytecodeBuilder) EmitSend(selector uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpSend), byte(selector), byte(selector>>8), argc)
}

// EmitCreateBlock appends a CREATE_BLOCK instruction.
func (b *BytecodeBuilder) EmitCreateBlock(blockIndex uint16, nCaptures uint8) {
	b.bytes = append(b.bytes, byte(OpCreateBlock), byte(blockIndex), byte(blockIndex>>8), nCaptures)
}

// ---------------------------------------------------------------------------
// Labels for jumps
// ---------------------------------------------------------------------------

// Label is a jump target, possibly not yet resolved.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches forward
// references.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump to a label, forward or backward.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// BytecodeReader
// ---------------------------------------------------------------------------

// BytecodeReader walks bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader positioned at the start.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int { return r.pos }

// HasMore reports whether bytes remain.
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// ReadOpcode reads the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) { r.pos += n }

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) { r.pos = pos }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at the reader's position
// and advances past it.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpPushInt8:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt8())

	case OpPushTemp, OpStoreTemp, OpPushCaptured:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case OpPushLiteral:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadUint16())

	case OpJump, OpJumpTrue, OpJumpFalse:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, r.Position()+int(offset))

	case OpSend:
		selector := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s selector=%d argc=%d", pos, info.Name, selector, argc)

	case OpSendCached:
		slot := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s slot=%d argc=%d", pos, info.Name, slot, argc)

	case OpCreateBlock:
		blockIdx := r.ReadUint16()
		nCaptures := r.ReadByte()
		return fmt.Sprintf("%04d  %s block=%d captures=%d", pos, info.Name, blockIdx, nCaptures)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble renders a full bytecode sequence.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var out string
	for r.HasMore() {
		if out != "" {
			out += "\n"
		}
		out += DisassembleInstruction(r)
	}
	return out
}
