package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// CompiledMethod / BlockMethod: bytecode code units
// ---------------------------------------------------------------------------

// unitTraceState is the instrumentation state embedded in every code unit.
//
// traceEvents is the unit's published trace mask: every global
// method-band event that has ever been enabled, OR-ed with the union of
// the unit's targeted hooks. The interpreter reads it with a single
// atomic load per check. It is a widening prefilter, not the truth:
// dispatch still consults the live hook lists, so a stale-high mask
// costs a lookup, never a wrong event.
type unitTraceState struct {
	traceEvents atomic.Uint32
	localHooks  atomic.Pointer[HookList]
	adopted     atomic.Bool // registered with the VM's trace registry

	// Specialization tier state. quick holds quickened bytecode published
	// by the specializer; frames pick it up at the next instruction fetch.
	// The original Bytecode slice is never mutated, so storing nil here is
	// a complete de-opt. Quickening preserves instruction lengths, which
	// keeps saved IPs valid across the swap.
	invocations atomic.Int64
	quick       atomic.Pointer[[]byte]
}

// TraceMask returns the unit's current trace mask.
func (u *unitTraceState) TraceMask() EventFlag {
	return EventFlag(u.traceEvents.Load())
}

// localHookList returns the unit's targeted hook list, or nil.
func (u *unitTraceState) localHookList() *HookList {
	return u.localHooks.Load()
}

// IsQuickened reports whether the unit currently runs quickened bytecode.
func (u *unitTraceState) IsQuickened() bool {
	return u.quick.Load() != nil
}

// SourceLoc maps a bytecode offset to a 1-based source line.
type SourceLoc struct {
	Offset int
	Line   int
}

// CompiledMethod is a bytecode method installed on a class.
type CompiledMethod struct {
	unitTraceState

	name     string
	selector uint32
	class    *Class // defining class, set at install time

	Arity    int      // arguments, not counting self
	NumTemps int      // arguments + locals
	Params   []string // parameter names for the leading temps, may be empty

	Literals []Value
	Bytecode []byte

	// Directly nested blocks, referenced by CREATE_BLOCK. Blocks nest
	// arbitrarily deep through their own Blocks lists.
	Blocks []*BlockMethod

	Path      string // source path for trace events, may be empty
	SourceMap []SourceLoc
}

// BlockMethod is a compiled block body. Closures pair one of these with
// captured values at CREATE_BLOCK time.
type BlockMethod struct {
	unitTraceState

	Arity       int
	NumTemps    int
	NumCaptures int
	Params      []string // parameter names for the leading temps

	Literals []Value
	Bytecode []byte

	Blocks []*BlockMethod // nested blocks

	Outer      *CompiledMethod // enclosing method, nil when OuterBlock is set
	OuterBlock *BlockMethod    // enclosing block for nested blocks

	SourceMap []SourceLoc
}

// ---------------------------------------------------------------------------
// CompiledMethod accessors
// ---------------------------------------------------------------------------

// MethodName returns the method name.
func (m *CompiledMethod) MethodName() string { return m.name }

// MethodArity returns the number of arguments, not counting self.
func (m *CompiledMethod) MethodArity() int { return m.Arity }

// Selector returns the interned selector ID.
func (m *CompiledMethod) Selector() uint32 { return m.selector }

// Class returns the defining class, nil for detached methods.
func (m *CompiledMethod) Class() *Class { return m.class }

// GetLiteral returns the literal at index. Panics when out of range.
func (m *CompiledMethod) GetLiteral(index int) Value {
	if index < 0 || index >= len(m.Literals) {
		panic("CompiledMethod.GetLiteral: index out of range")
	}
	return m.Literals[index]
}

// GetBlock returns the nested block at index. Panics when out of range.
func (m *CompiledMethod) GetBlock(index int) *BlockMethod {
	if index < 0 || index >= len(m.Blocks) {
		panic("CompiledMethod.GetBlock: index out of range")
	}
	return m.Blocks[index]
}

// LineForOffset returns the source line governing a bytecode offset, or 0
// when the method has no source map. The governing entry is the last one
// at or before the offset.
func (m *CompiledMethod) LineForOffset(offset int) int {
	return lineForOffset(m.SourceMap, offset)
}

// FirstLine returns the first mapped source line, or 0.
func (m *CompiledMethod) FirstLine() int {
	if len(m.SourceMap) == 0 {
		return 0
	}
	return m.SourceMap[0].Line
}

// Disassemble renders the method's bytecode.
func (m *CompiledMethod) Disassemble() string {
	return Disassemble(m.Bytecode)
}

// String returns Class>>name.
func (m *CompiledMethod) String() string {
	className := "?"
	if m.class != nil {
		className = m.class.Name
	}
	return className + ">>" + m.name
}

// ---------------------------------------------------------------------------
// BlockMethod accessors
// ---------------------------------------------------------------------------

// GetLiteral returns the literal at index. Panics when out of range.
func (b *BlockMethod) GetLiteral(index int) Value {
	if index < 0 || index >= len(b.Literals) {
		panic("BlockMethod.GetLiteral: index out of range")
	}
	return b.Literals[index]
}

// GetBlock returns the nested block at index. Panics when out of range.
func (b *BlockMethod) GetBlock(index int) *BlockMethod {
	if index < 0 || index >= len(b.Blocks) {
		panic("BlockMethod.GetBlock: index out of range")
	}
	return b.Blocks[index]
}

// LineForOffset returns the source line governing a bytecode offset, or 0.
func (b *BlockMethod) LineForOffset(offset int) int {
	return lineForOffset(b.SourceMap, offset)
}

// FirstLine returns the first mapped source line, or 0.
func (b *BlockMethod) FirstLine() int {
	if len(b.SourceMap) == 0 {
		return 0
	}
	return b.SourceMap[0].Line
}

// HomeMethod walks enclosing units to the defining method.
func (b *BlockMethod) HomeMethod() *CompiledMethod {
	blk := b
	for blk.OuterBlock != nil {
		blk = blk.OuterBlock
	}
	return blk.Outer
}

// Disassemble renders the block's bytecode.
func (b *BlockMethod) Disassemble() string {
	return Disassemble(b.Bytecode)
}

func lineForOffset(sm []SourceLoc, offset int) int {
	line := 0
	for i := range sm {
		if sm[i].Offset > offset {
			break
		}
		line = sm[i].Line
	}
	return line
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

// NewCompiledMethod creates an empty compiled method.
func NewCompiledMethod(name string, arity int) *CompiledMethod {
	return &CompiledMethod{
		name:     name,
		Arity:    arity,
		NumTemps: arity,
		Literals: make([]Value, 0, 8),
		Bytecode: make([]byte, 0, 32),
	}
}

// NewBlockMethod creates an empty block method.
func NewBlockMethod(arity int) *BlockMethod {
	return &BlockMethod{
		Arity:    arity,
		NumTemps: arity,
		Literals: make([]Value, 0, 4),
		Bytecode: make([]byte, 0, 16),
	}
}

// CompiledMethodBuilder assembles CompiledMethod instances.
type CompiledMethodBuilder struct {
	method   *CompiledMethod
	bytecode *BytecodeBuilder
}

// NewCompiledMethodBuilder creates a builder for a method.
func NewCompiledMethodBuilder(name string, arity int) *CompiledMethodBuilder {
	return &CompiledMethodBuilder{
		method:   NewCompiledMethod(name, arity),
		bytecode: NewBytecodeBuilder(),
	}
}

// SetPath sets the source path reported by trace events.
func (b *CompiledMethodBuilder) SetPath(path string) *CompiledMethodBuilder {
	b.method.Path = path
	return b
}

// SetNumTemps sets the total temporary count.
func (b *CompiledMethodBuilder) SetNumTemps(n int) *CompiledMethodBuilder {
	b.method.NumTemps = n
	return b
}

// SetParams records parameter names for the leading temps.
func (b *CompiledMethodBuilder) SetParams(names ...string) *CompiledMethodBuilder {
	b.method.Params = names
	return b
}

// AddLocal grows the temporary count by one and returns the new index.
func (b *CompiledMethodBuilder) AddLocal() int {
	idx := b.method.NumTemps
	b.method.NumTemps++
	return idx
}

// AddLiteral appends a literal and returns its index.
func (b *CompiledMethodBuilder) AddLiteral(v Value) int {
	idx := len(b.method.Literals)
	b.method.Literals = append(b.method.Literals, v)
	return idx
}

// AddBlock appends a nested block and returns its index.
func (b *CompiledMethodBuilder) AddBlock(block *BlockMethod) int {
	idx := len(b.method.Blocks)
	b.method.Blocks = append(b.method.Blocks, block)
	block.Outer = b.method
	return idx
}

// MarkLine records that bytecode emitted from here belongs to line.
func (b *CompiledMethodBuilder) MarkLine(line int) {
	b.method.SourceMap = append(b.method.SourceMap, SourceLoc{Offset: b.bytecode.Len(), Line: line})
}

// Bytecode exposes the bytecode builder for direct emission.
func (b *CompiledMethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Build finalizes and returns the method.
func (b *CompiledMethodBuilder) Build() *CompiledMethod {
	b.method.Bytecode = b.bytecode.Bytes()
	return b.method
}

// BlockMethodBuilder assembles BlockMethod instances.
type BlockMethodBuilder struct {
	block    *BlockMethod
	bytecode *BytecodeBuilder
}

// NewBlockMethodBuilder creates a builder for a block.
func NewBlockMethodBuilder(arity int) *BlockMethodBuilder {
	return &BlockMethodBuilder{
		block:    NewBlockMethod(arity),
		bytecode: NewBytecodeBuilder(),
	}
}

// SetNumTemps sets the total temporary count.
func (b *BlockMethodBuilder) SetNumTemps(n int) *BlockMethodBuilder {
	b.block.NumTemps = n
	return b
}

// SetParams records parameter names for the leading temps.
func (b *BlockMethodBuilder) SetParams(names ...string) *BlockMethodBuilder {
	b.block.Params = names
	return b
}

// SetNumCaptures sets the number of captured values.
func (b *BlockMethodBuilder) SetNumCaptures(n int) *BlockMethodBuilder {
	b.block.NumCaptures = n
	return b
}

// AddLiteral appends a literal and returns its index.
func (b *BlockMethodBuilder) AddLiteral(v Value) int {
	idx := len(b.block.Literals)
	b.block.Literals = append(b.block.Literals, v)
	return idx
}

// AddBlock appends a nested block and returns its index.
func (b *BlockMethodBuilder) AddBlock(block *BlockMethod) int {
	idx := len(b.block.Blocks)
	b.block.Blocks = append(b.block.Blocks, block)
	block.OuterBlock = b.block
	return idx
}

// MarkLine records that bytecode emitted from here belongs to line.
func (b *BlockMethodBuilder) MarkLine(line int) {
	b.block.SourceMap = append(b.block.SourceMap, SourceLoc{Offset: b.bytecode.Len(), Line: line})
}

// Bytecode exposes the bytecode builder for direct emission.
func (b *BlockMethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Build finalizes and returns the block.
func (b *BlockMethodBuilder) Build() *BlockMethod {
	b.block.Bytecode = b.bytecode.Bytes()
	return b.block
}
