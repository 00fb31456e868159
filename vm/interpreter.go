package vm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// CallFrame: execution state for one activation
// ---------------------------------------------------------------------------

// CallFrame is the execution state of a single method or block
// activation.
type CallFrame struct {
	Method   *CompiledMethod // nil for block frames
	Receiver Value
	IP       int // offset into bytecode
	BP       int // start of this frame's temps on the operand stack

	// For block frames
	Block     *BlockMethod
	Captures  []Value
	HomeFrame int   // frame index of the enclosing method
	HomeBP    int   // base pointer of the home frame
	HomeSelf  Value // self of the enclosing method

	unit     *unitTraceState // trace mask and local hooks for this frame's code
	lastLine int             // last line reported to line hooks
}

// IsBlock reports whether this is a block frame.
func (f *CallFrame) IsBlock() bool {
	return f.Block != nil
}

// Bytecode returns the bytecode for this frame, preferring the quickened
// copy when the specializer has published one.
func (f *CallFrame) Bytecode() []byte {
	if q := f.unit.quick.Load(); q != nil {
		return *q
	}
	if f.Block != nil {
		return f.Block.Bytecode
	}
	return f.Method.Bytecode
}

// Literals returns the literal frame for this frame.
func (f *CallFrame) Literals() []Value {
	if f.Block != nil {
		return f.Block.Literals
	}
	return f.Method.Literals
}

// Self returns the value self resolves to in this frame.
func (f *CallFrame) Self() Value {
	if f.Block != nil {
		return f.HomeSelf
	}
	return f.Receiver
}

func (f *CallFrame) lineAt(offset int) int {
	if f.Block != nil {
		return f.Block.LineForOffset(offset)
	}
	return f.Method.LineForOffset(offset)
}

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes Ember bytecode. Each process runs on its own
// interpreter; only the interpreter whose goroutine holds the global
// execution lock may run bytecode or touch VM state.
type Interpreter struct {
	vm *VM
	id int64 // process ID, 1 is the main interpreter

	// Execution state
	stack  []Value      // operand stack
	sp     int          // next free slot
	frames []*CallFrame // call stack
	fp     int          // current frame index

	// Live trace dispatch, nil outside hook execution. Only the owning
	// goroutine touches these, always under the global lock.
	traceEvent   *TraceEvent
	pendingError Value

	// Interrupt machinery. Producers on any goroutine; consumed at
	// safe points by the owning goroutine.
	interruptFlag atomic.Uint32
	interruptMask atomic.Uint32
	interruptMu   sync.Mutex
	region        *blockingRegion
	asyncUnblock  atomic.Pointer[UnblockFunc]

	// Per-process keyed storage
	processData [maxProcessDataKeys]any

	// Block closures created by frames of this interpreter, for
	// release when their home frame pops.
	blocksByFrame map[int][]uint32

	// Well-known selector IDs cached for fast dispatch
	selectorValue  uint32
	selectorValue1 uint32
	selectorPlus   uint32
	selectorMinus  uint32
	selectorTimes  uint32
	selectorLT     uint32
	selectorGT     uint32
	selectorEQ     uint32
}

func newInterpreter(vm *VM, id int64) *Interpreter {
	interp := &Interpreter{
		vm:            vm,
		id:            id,
		stack:         make([]Value, 1024),
		frames:        make([]*CallFrame, 256),
		fp:            -1,
		blocksByFrame: make(map[int][]uint32),
	}
	interp.selectorValue = vm.symbols.Intern("value")
	interp.selectorValue1 = vm.symbols.Intern("value:")
	interp.selectorPlus = vm.symbols.Intern("+")
	interp.selectorMinus = vm.symbols.Intern("-")
	interp.selectorTimes = vm.symbols.Intern("*")
	interp.selectorLT = vm.symbols.Intern("<")
	interp.selectorGT = vm.symbols.Intern(">")
	interp.selectorEQ = vm.symbols.Intern("=")
	return interp
}

// VM returns the owning VM.
func (i *Interpreter) VM() *VM { return i.vm }

// ID returns the process ID of this interpreter.
func (i *Interpreter) ID() int64 { return i.id }

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (i *Interpreter) push(v Value) {
	if i.sp >= len(i.stack) {
		newStack := make([]Value, len(i.stack)*2)
		copy(newStack, i.stack)
		i.stack = newStack
	}
	i.stack[i.sp] = v
	i.sp++
}

func (i *Interpreter) pop() Value {
	if i.sp <= 0 {
		panic("stack underflow")
	}
	i.sp--
	return i.stack[i.sp]
}

func (i *Interpreter) top() Value {
	if i.sp <= 0 {
		panic("stack underflow")
	}
	return i.stack[i.sp-1]
}

func (i *Interpreter) popN(n int) []Value {
	if i.sp < n {
		panic("stack underflow")
	}
	result := make([]Value, n)
	i.sp -= n
	copy(result, i.stack[i.sp:i.sp+n])
	return result
}

func (i *Interpreter) getTemp(index int) Value {
	frame := i.frames[i.fp]
	return i.stack[frame.BP+index]
}

func (i *Interpreter) setTemp(index int, v Value) {
	frame := i.frames[i.fp]
	i.stack[frame.BP+index] = v
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func (i *Interpreter) growFrames() {
	if i.fp >= len(i.frames) {
		newFrames := make([]*CallFrame, len(i.frames)*2)
		copy(newFrames, i.frames)
		i.frames = newFrames
	}
}

func (i *Interpreter) pushFrame(method *CompiledMethod, receiver Value, args []Value) {
	i.fp++
	i.growFrames()

	bp := i.sp
	for _, arg := range args {
		i.push(arg)
	}
	for j := len(args); j < method.NumTemps; j++ {
		i.push(Nil)
	}

	i.frames[i.fp] = &CallFrame{
		Method:   method,
		Receiver: receiver,
		BP:       bp,
		unit:     &method.unitTraceState,
	}
}

func (i *Interpreter) pushBlockFrame(block *BlockMethod, captures []Value, args []Value, homeFrame int, homeBP int, homeSelf Value) {
	i.fp++
	i.growFrames()

	bp := i.sp
	for _, arg := range args {
		i.push(arg)
	}
	for j := len(args); j < block.NumTemps; j++ {
		i.push(Nil)
	}

	i.frames[i.fp] = &CallFrame{
		Receiver:  Nil,
		BP:        bp,
		Block:     block,
		Captures:  captures,
		HomeFrame: homeFrame,
		HomeBP:    homeBP,
		HomeSelf:  homeSelf,
		unit:      &block.unitTraceState,
	}
}

func (i *Interpreter) popFrame() {
	frameIndex := i.fp
	frame := i.frames[frameIndex]
	i.sp = frame.BP // discard temps
	i.frames[frameIndex] = nil
	i.fp--
	i.releaseBlocksForFrame(frameIndex)
}

// popFrameForUnwind discards the current frame during a non-local exit,
// firing no return events. Hook dispatch uses it when a return-site
// hook panics.
func (i *Interpreter) popFrameForUnwind() {
	if i.fp >= 0 {
		i.popFrame()
	}
}

// CurrentFrame returns the active frame, or nil between executions.
func (i *Interpreter) CurrentFrame() *CallFrame {
	if i.fp < 0 {
		return nil
	}
	return i.frames[i.fp]
}

// Depth returns the current call-stack depth.
func (i *Interpreter) Depth() int { return i.fp + 1 }

// ---------------------------------------------------------------------------
// Event firing
// ---------------------------------------------------------------------------

// fireFrameEvent dispatches a frame-band event (call, return and their
// block forms) for frame. The unit's merged mask gates it, so the
// common untraced case is one atomic load and a branch.
func (i *Interpreter) fireFrameEvent(ev EventFlag, frame *CallFrame, ret Value, popOnPanic bool) {
	unit := frame.unit
	if unit.TraceMask()&ev == 0 {
		return
	}
	te := &TraceEvent{
		interp:      i,
		event:       ev,
		method:      frame.Method,
		block:       frame.Block,
		frame:       frame,
		pc:          frame.IP,
		receiver:    frame.Self(),
		returnValue: ret,
	}
	i.vm.execEventHooks(te, unit.localHookList(), popOnPanic)
}

func (i *Interpreter) fireLineEvent(frame *CallFrame, line int) {
	te := &TraceEvent{
		interp:   i,
		event:    EventLine,
		method:   frame.Method,
		block:    frame.Block,
		frame:    frame,
		pc:       frame.IP,
		receiver: frame.Self(),
		line:     line,
		filled:   filledLine,
	}
	i.vm.execEventHooks(te, frame.unit.localHookList(), false)
}

// firePrimEvent dispatches c_call/c_return. Primitives have no code
// unit, so only the global list sees these.
func (i *Interpreter) firePrimEvent(ev EventFlag, selector uint32, class *Class, rcvr Value, ret Value) {
	if i.vm.GlobalEventMask()&ev == 0 {
		return
	}
	te := &TraceEvent{
		interp:      i,
		event:       ev,
		receiver:    rcvr,
		returnValue: ret,
		selector:    selector,
		class:       class,
		filled:      filledIdentity,
	}
	i.vm.execEventHooks(te, nil, false)
}

// ---------------------------------------------------------------------------
// Safe points
// ---------------------------------------------------------------------------

// safePoint services pending interrupts between instructions. Deferred
// jobs run here; an explicit interrupt request unwinds as a raise.
func (i *Interpreter) safePoint() {
	if i.interruptFlag.Load() == 0 {
		return
	}
	if err := i.checkInterrupts(); err != nil {
		i.RaiseError("interrupted")
	}
}

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

// Execute runs a compiled method with the given receiver and arguments
// and returns its result. The global execution lock is acquired for the
// duration unless the caller already holds it. Raised errors propagate
// as panics; use ExecuteSafe for an error return.
func (i *Interpreter) Execute(method *CompiledMethod, receiver Value, args []Value) Value {
	vm := i.vm
	if !vm.HasLock() {
		vm.acquireLockFor(i)
		defer vm.releaseLockFor(i)
	}
	vm.adoptMethod(method)
	return i.callCompiled(method, receiver, args)
}

// ExecuteSafe runs a compiled method and converts a raised error into
// an error return.
func (i *Interpreter) ExecuteSafe(method *CompiledMethod, receiver Value, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*EmberError); ok {
				result, err = Nil, ee
				return
			}
			panic(r)
		}
	}()
	return i.Execute(method, receiver, args), nil
}

// callCompiled pushes a frame for method, fires the call event, and
// runs the frame to completion. A panic out of the frame leaves the
// frame stack as it was on entry.
func (i *Interpreter) callCompiled(method *CompiledMethod, receiver Value, args []Value) (result Value) {
	if n := method.invocations.Add(1); n&(specializeThreshold-1) == 0 {
		i.vm.specializer.maybeSpecialize(method)
	}

	i.pushFrame(method, receiver, args)
	homeFrame := i.fp

	defer func() {
		if r := recover(); r != nil {
			for i.fp >= homeFrame {
				i.popFrame()
			}
			panic(r)
		}
	}()

	i.fireFrameEvent(EventCall, i.frames[homeFrame], Nil, false)
	result = i.runFrame()
	return result
}

// callBlock activates a block closure.
func (i *Interpreter) callBlock(v Value, args []Value) Value {
	c := i.vm.blockClosure(v)
	if c == nil {
		return i.RaiseError("value sent to a non-block")
	}
	block := c.method
	if len(args) != block.Arity {
		return i.RaiseError(fmt.Sprintf("block expects %d arguments, got %d", block.Arity, len(args)))
	}

	homeBP := 0
	if c.homeFrame >= 0 && c.homeFrame < len(i.frames) && i.frames[c.homeFrame] != nil {
		homeBP = i.frames[c.homeFrame].BP
	}
	i.pushBlockFrame(block, c.captures, args, c.homeFrame, homeBP, c.homeSelf)
	blockFrame := i.fp

	defer func() {
		if r := recover(); r != nil {
			for i.fp >= blockFrame {
				i.popFrame()
			}
			panic(r)
		}
	}()

	i.fireFrameEvent(EventBCall, i.frames[blockFrame], Nil, false)
	return i.runFrame()
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// runFrame executes the current frame until it returns. Methods and
// blocks share the loop.
func (i *Interpreter) runFrame() Value {
	for {
		frame := i.frames[i.fp]
		bc := frame.Bytecode()
		literals := frame.Literals()
		isBlock := frame.IsBlock()

		if mask := frame.unit.TraceMask(); mask&EventLine != 0 {
			if line := frame.lineAt(frame.IP); line != 0 && line != frame.lastLine {
				frame.lastLine = line
				i.fireLineEvent(frame, line)
			}
		}

		if frame.IP >= len(bc) {
			// Implicit return at end of frame
			if isBlock {
				i.fireFrameEvent(EventBReturn, frame, Nil, true)
				i.popFrame()
				return Nil
			}
			i.fireFrameEvent(EventReturn, frame, frame.Receiver, true)
			i.popFrame()
			return frame.Receiver
		}

		op := Opcode(bc[frame.IP])
		frame.IP++

		switch op {
		// --- Stack operations ---
		case OpNop:

		case OpPop:
			i.pop()

		case OpDup:
			i.push(i.top())

		// --- Push constants ---
		case OpPushNil:
			i.push(Nil)

		case OpPushTrue:
			i.push(True)

		case OpPushFalse:
			i.push(False)

		case OpPushSelf:
			i.push(frame.Self())

		case OpPushInt8:
			val := int8(bc[frame.IP])
			frame.IP++
			i.push(FromSmallInt(int64(val)))

		case OpPushLiteral:
			idx := binary.LittleEndian.Uint16(bc[frame.IP:])
			frame.IP += 2
			if int(idx) >= len(literals) {
				panic(fmt.Sprintf("runFrame: literal index %d out of bounds (len=%d)", idx, len(literals)))
			}
			i.push(literals[idx])

		// --- Variables ---
		case OpPushTemp:
			idx := bc[frame.IP]
			frame.IP++
			i.push(i.getTemp(int(idx)))

		case OpStoreTemp:
			idx := bc[frame.IP]
			frame.IP++
			i.setTemp(int(idx), i.top())

		case OpPushCaptured:
			idx := bc[frame.IP]
			frame.IP++
			if int(idx) < len(frame.Captures) {
				i.push(frame.Captures[idx])
			} else {
				i.push(Nil)
			}

		// --- Message sends ---
		case OpSend:
			sel := binary.LittleEndian.Uint16(bc[frame.IP:])
			frame.IP += 2
			argc := int(bc[frame.IP])
			frame.IP++
			i.push(i.send(uint32(sel), argc))

		case OpSendCached:
			slot := binary.LittleEndian.Uint16(bc[frame.IP:])
			frame.IP += 2
			argc := int(bc[frame.IP])
			frame.IP++
			i.push(i.sendCached(int(slot), argc))

		// --- Optimized sends ---
		case OpAdd:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromSmallInt(a.SmallInt() + b.SmallInt()))
			} else if a.IsFloat() && b.IsFloat() {
				i.push(FromFloat64(a.Float64() + b.Float64()))
			} else {
				i.push(i.sendValues(a, i.selectorPlus, []Value{b}))
			}

		case OpSub:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromSmallInt(a.SmallInt() - b.SmallInt()))
			} else if a.IsFloat() && b.IsFloat() {
				i.push(FromFloat64(a.Float64() - b.Float64()))
			} else {
				i.push(i.sendValues(a, i.selectorMinus, []Value{b}))
			}

		case OpMul:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromSmallInt(a.SmallInt() * b.SmallInt()))
			} else if a.IsFloat() && b.IsFloat() {
				i.push(FromFloat64(a.Float64() * b.Float64()))
			} else {
				i.push(i.sendValues(a, i.selectorTimes, []Value{b}))
			}

		case OpLess:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromBool(a.SmallInt() < b.SmallInt()))
			} else if a.IsFloat() && b.IsFloat() {
				i.push(FromBool(a.Float64() < b.Float64()))
			} else {
				i.push(i.sendValues(a, i.selectorLT, []Value{b}))
			}

		case OpGreater:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromBool(a.SmallInt() > b.SmallInt()))
			} else if a.IsFloat() && b.IsFloat() {
				i.push(FromBool(a.Float64() > b.Float64()))
			} else {
				i.push(i.sendValues(a, i.selectorGT, []Value{b}))
			}

		case OpEquals:
			b := i.pop()
			a := i.pop()
			if a.IsSmallInt() && b.IsSmallInt() {
				i.push(FromBool(a.SmallInt() == b.SmallInt()))
			} else if a == b {
				i.push(True)
			} else {
				i.push(i.sendValues(a, i.selectorEQ, []Value{b}))
			}

		// --- Control flow ---
		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			frame.IP += int(offset)
			if offset < 0 {
				i.safePoint()
			}

		case OpJumpTrue:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			if i.pop() == True {
				frame.IP += int(offset)
				if offset < 0 {
					i.safePoint()
				}
			}

		case OpJumpFalse:
			offset := int16(binary.LittleEndian.Uint16(bc[frame.IP:]))
			frame.IP += 2
			cond := i.pop()
			if cond == False || cond == Nil {
				frame.IP += int(offset)
				if offset < 0 {
					i.safePoint()
				}
			}

		// --- Returns ---
		case OpReturnTop:
			result := i.pop()
			if isBlock {
				i.fireFrameEvent(EventBReturn, frame, result, true)
			} else {
				i.fireFrameEvent(EventReturn, frame, result, true)
			}
			i.popFrame()
			return result

		case OpReturnSelf:
			result := frame.Self()
			if isBlock {
				i.fireFrameEvent(EventBReturn, frame, result, true)
			} else {
				i.fireFrameEvent(EventReturn, frame, result, true)
			}
			i.popFrame()
			return result

		// --- Blocks ---
		case OpCreateBlock:
			blockIdx := binary.LittleEndian.Uint16(bc[frame.IP:])
			frame.IP += 2
			nCaptures := int(bc[frame.IP])
			frame.IP++

			var block *BlockMethod
			if isBlock {
				if int(blockIdx) < len(frame.Block.Blocks) {
					block = frame.Block.Blocks[blockIdx]
				}
			} else {
				block = frame.Method.GetBlock(int(blockIdx))
			}
			captures := i.popN(nCaptures)
			if block == nil {
				i.push(Nil)
				break
			}
			i.push(i.createBlockValue(block, captures))

		case OpSendValue:
			rcvr := i.pop()
			if rcvr.IsBlock() {
				i.safePoint()
				i.push(i.callBlock(rcvr, nil))
			} else {
				i.push(i.sendValues(rcvr, i.selectorValue, nil))
			}

		case OpSendValue1:
			arg := i.pop()
			rcvr := i.pop()
			if rcvr.IsBlock() {
				i.safePoint()
				i.push(i.callBlock(rcvr, []Value{arg}))
			} else {
				i.push(i.sendValues(rcvr, i.selectorValue1, []Value{arg}))
			}

		default:
			panic(fmt.Sprintf("unknown opcode: %02X (%s)", byte(op), op))
		}
	}
}

// ---------------------------------------------------------------------------
// Message sending
// ---------------------------------------------------------------------------

func (i *Interpreter) send(selector uint32, argc int) Value {
	args := i.popN(argc)
	rcvr := i.pop()
	return i.sendValues(rcvr, selector, args)
}

// sendValues performs a full message send: class lookup, method lookup,
// then dispatch. Primitive sends fire c_call/c_return around the Go
// function.
func (i *Interpreter) sendValues(rcvr Value, selector uint32, args []Value) Value {
	i.safePoint()

	class := i.vm.classOf(rcvr)
	var method Method
	if class != nil {
		method = class.LookupMethod(selector)
	}
	if method == nil {
		return i.doesNotUnderstand(rcvr, selector)
	}

	switch m := method.(type) {
	case *PrimitiveMethod:
		return i.callPrimitive(m, selector, class, rcvr, args)
	case *CompiledMethod:
		if len(args) != m.Arity {
			return i.RaiseError(fmt.Sprintf("%s expects %d arguments, got %d", m.MethodName(), m.Arity, len(args)))
		}
		return i.callCompiled(m, rcvr, args)
	default:
		return i.RaiseError(fmt.Sprintf("cannot invoke method %s", method.MethodName()))
	}
}

func (i *Interpreter) callPrimitive(m *PrimitiveMethod, selector uint32, class *Class, rcvr Value, args []Value) Value {
	if m.arity >= 0 && len(args) != m.arity {
		return i.RaiseError(fmt.Sprintf("%s expects %d arguments, got %d", m.name, m.arity, len(args)))
	}
	i.firePrimEvent(EventCCall, selector, class, rcvr, Nil)
	result := m.fn(i, rcvr, args)
	i.firePrimEvent(EventCReturn, selector, class, rcvr, result)
	return result
}

func (i *Interpreter) doesNotUnderstand(rcvr Value, selector uint32) Value {
	name := i.vm.symbols.Name(selector)
	return i.RaiseError(fmt.Sprintf("%s does not understand %s", i.vm.describeValue(rcvr), name))
}

// ---------------------------------------------------------------------------
// Block closures
// ---------------------------------------------------------------------------

func (i *Interpreter) createBlockValue(block *BlockMethod, captures []Value) Value {
	// A block created inside another block keeps the original method
	// frame as its home, so self resolves through nesting.
	homeFrame := i.fp
	homeSelf := Nil
	if i.fp >= 0 {
		frame := i.frames[i.fp]
		homeSelf = frame.Receiver
		if frame.Block != nil && frame.HomeFrame >= 0 {
			homeFrame = frame.HomeFrame
			homeSelf = frame.HomeSelf
		}
	}

	id := i.vm.registerBlockClosure(&blockClosure{
		method:    block,
		captures:  captures,
		homeFrame: homeFrame,
		homeSelf:  homeSelf,
		interp:    i,
	})
	i.blocksByFrame[homeFrame] = append(i.blocksByFrame[homeFrame], id)
	return FromBlockID(id)
}

func (i *Interpreter) releaseBlocksForFrame(frameIndex int) {
	ids, ok := i.blocksByFrame[frameIndex]
	if !ok {
		return
	}
	for _, id := range ids {
		i.vm.dropBlockClosure(id)
	}
	delete(i.blocksByFrame, frameIndex)
}
