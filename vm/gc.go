package vm

// ---------------------------------------------------------------------------
// Heap: allocation, block closures, mark-sweep collection
// ---------------------------------------------------------------------------

// Objects live on the Go heap, but the VM keeps its own registry so the
// collector can report allocation and reclamation to internal-band
// hooks. Headers carry the mark bit and the pin flag.

type objectHeader struct {
	marked bool
	pinned bool
}

// blockClosure is a block plus its captured environment. Closures are
// registered so block Values (which carry only an ID) can be resolved,
// and released when their home frame pops.
type blockClosure struct {
	method    *BlockMethod
	captures  []Value
	homeFrame int
	homeSelf  Value
	interp    *Interpreter
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// AllocateObject creates an instance of class with its slots set to nil
// and fires the new-object event.
func (vm *VM) AllocateObject(class *Class) Value {
	obj := newObject(class, class.InstanceSlotCount())
	vm.heapMu.Lock()
	vm.objects[obj] = &objectHeader{}
	vm.heapMu.Unlock()

	v := FromObject(obj)
	vm.fireObjectEvent(EventNewObject, v)
	return v
}

// ObjectCount returns the number of live registered objects.
func (vm *VM) ObjectCount() int {
	vm.heapMu.Lock()
	defer vm.heapMu.Unlock()
	return len(vm.objects)
}

// KeepAlive pins an object so collection never reclaims it, for
// embedders holding Values outside interpreter reach.
func (vm *VM) KeepAlive(v Value) {
	if !v.IsObject() {
		return
	}
	vm.heapMu.Lock()
	if h := vm.objects[v.ObjectRef()]; h != nil {
		h.pinned = true
	}
	vm.heapMu.Unlock()
}

// ReleaseKeepAlive unpins a pinned object.
func (vm *VM) ReleaseKeepAlive(v Value) {
	if !v.IsObject() {
		return
	}
	vm.heapMu.Lock()
	if h := vm.objects[v.ObjectRef()]; h != nil {
		h.pinned = false
	}
	vm.heapMu.Unlock()
}

func (vm *VM) fireObjectEvent(ev EventFlag, obj Value) {
	if vm.GlobalEventMask()&ev == 0 {
		return
	}
	interp := vm.currentInterpreter()
	if interp == nil {
		return
	}
	te := &TraceEvent{interp: interp, event: ev, object: obj, receiver: Nil}
	if f := interp.CurrentFrame(); f != nil {
		te.method = f.Method
		te.block = f.Block
		te.pc = f.IP
		te.receiver = f.Self()
	}
	vm.execEventHooks(te, nil, false)
}

func (vm *VM) fireGCEvent(ev EventFlag) {
	if vm.GlobalEventMask()&ev == 0 {
		return
	}
	interp := vm.currentInterpreter()
	if interp == nil {
		return
	}
	te := &TraceEvent{interp: interp, event: ev, receiver: Nil}
	vm.execEventHooks(te, nil, false)
}

// ---------------------------------------------------------------------------
// Block closure registry
// ---------------------------------------------------------------------------

func (vm *VM) registerBlockClosure(c *blockClosure) uint32 {
	vm.blockMu.Lock()
	vm.nextBlockID++
	id := vm.nextBlockID
	vm.blocks[id] = c
	vm.blockMu.Unlock()
	return id
}

func (vm *VM) dropBlockClosure(id uint32) {
	vm.blockMu.Lock()
	delete(vm.blocks, id)
	vm.blockMu.Unlock()
}

// blockClosure resolves a block Value to its closure, or nil if the
// value is not a block or its home frame is gone.
func (vm *VM) blockClosure(v Value) *blockClosure {
	if !v.IsBlock() {
		return nil
	}
	vm.blockMu.Lock()
	defer vm.blockMu.Unlock()
	return vm.blocks[v.BlockID()]
}

// BlockClosureCount returns the number of live block closures.
func (vm *VM) BlockClosureCount() int {
	vm.blockMu.Lock()
	defer vm.blockMu.Unlock()
	return len(vm.blocks)
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// CollectGarbage runs a mark-sweep cycle over the object registry and
// returns the number of objects reclaimed. Roots are the operand stacks
// and frames of every attached interpreter, live block closures, method
// literal frames, and pinned objects. Fires the GC start and end events
// around the cycle and a free-object event per reclaimed object.
func (vm *VM) CollectGarbage() int {
	interp := vm.currentInterpreter()
	if !vm.HasLock() {
		vm.acquireLockFor(interp)
		defer vm.releaseLockFor(interp)
	}

	vm.fireGCEvent(EventGCStart)
	vm.gcCount.Add(1)

	marker := &gcMarker{vm: vm}

	vm.heapMu.Lock()
	var pinned []*Object
	for obj, h := range vm.objects {
		h.marked = false
		if h.pinned {
			pinned = append(pinned, obj)
		}
	}
	vm.heapMu.Unlock()

	// Mark from interpreter roots.
	marker.markInterpreter(vm.interpreter)
	vm.interpreters.Range(func(_, v any) bool {
		marker.markInterpreter(v.(*Interpreter))
		return true
	})

	// Block closures keep their captures and home self alive.
	vm.blockMu.Lock()
	closures := make([]*blockClosure, 0, len(vm.blocks))
	for _, c := range vm.blocks {
		closures = append(closures, c)
	}
	vm.blockMu.Unlock()
	for _, c := range closures {
		for _, cap := range c.captures {
			marker.markValue(cap)
		}
		marker.markValue(c.homeSelf)
	}

	// Literal frames of adopted methods.
	vm.hookMu.Lock()
	methods := make([]*CompiledMethod, 0, len(vm.allMethods))
	for m := range vm.allMethods {
		methods = append(methods, m)
	}
	vm.hookMu.Unlock()
	for _, m := range methods {
		marker.markMethodLiterals(m)
	}

	// Pinned objects and everything they reference.
	for _, obj := range pinned {
		marker.markValue(FromObject(obj))
	}

	marker.drain()

	// Sweep, then report the victims. Free hooks may allocate, so they
	// run after the registry is consistent again.
	vm.heapMu.Lock()
	var freed []Value
	for obj, h := range vm.objects {
		if h.marked || h.pinned {
			continue
		}
		delete(vm.objects, obj)
		freed = append(freed, FromObject(obj))
	}
	vm.heapMu.Unlock()

	for _, v := range freed {
		vm.fireObjectEvent(EventFreeObject, v)
	}

	vm.fireGCEvent(EventGCEnd)
	return len(freed)
}

// GCCount returns the number of completed collection cycles.
func (vm *VM) GCCount() int64 {
	return vm.gcCount.Load()
}

// gcMarker walks the value graph with an explicit work list.
type gcMarker struct {
	vm   *VM
	work []*Object
}

func (g *gcMarker) markValue(v Value) {
	switch {
	case v.IsObject():
		obj := v.ObjectRef()
		g.vm.heapMu.Lock()
		h := g.vm.objects[obj]
		seen := h == nil || h.marked
		if h != nil {
			h.marked = true
		}
		g.vm.heapMu.Unlock()
		if !seen {
			g.work = append(g.work, obj)
		}
	case v.IsBlock():
		if c := g.vm.blockClosure(v); c != nil {
			for _, cap := range c.captures {
				g.markValue(cap)
			}
			g.markValue(c.homeSelf)
		}
	}
}

func (g *gcMarker) drain() {
	for len(g.work) > 0 {
		obj := g.work[len(g.work)-1]
		g.work = g.work[:len(g.work)-1]
		for i := 0; i < obj.NumSlots(); i++ {
			g.markValue(obj.GetSlot(i))
		}
	}
}

func (g *gcMarker) markInterpreter(interp *Interpreter) {
	for i := 0; i < interp.sp; i++ {
		g.markValue(interp.stack[i])
	}
	for i := 0; i <= interp.fp && i < len(interp.frames); i++ {
		f := interp.frames[i]
		if f == nil {
			continue
		}
		g.markValue(f.Receiver)
		g.markValue(f.HomeSelf)
		for _, cap := range f.Captures {
			g.markValue(cap)
		}
	}
	g.markValue(interp.pendingError)
}

func (g *gcMarker) markMethodLiterals(m *CompiledMethod) {
	for _, lit := range m.Literals {
		g.markValue(lit)
	}
	for _, blk := range m.Blocks {
		g.markBlockLiterals(blk)
	}
}

func (g *gcMarker) markBlockLiterals(b *BlockMethod) {
	for _, lit := range b.Literals {
		g.markValue(lit)
	}
	for _, blk := range b.Blocks {
		g.markBlockLiterals(blk)
	}
}
