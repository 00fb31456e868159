package vm

// ---------------------------------------------------------------------------
// Processes: forked interpreters
// ---------------------------------------------------------------------------

// Process is a forked execution: its own interpreter on its own
// goroutine, contending for the global lock with everyone else.
type Process struct {
	vm     *VM
	interp *Interpreter
	id     int64

	done   chan struct{}
	result Value
	err    error
}

// Fork starts method on a new interpreter in its own goroutine and
// returns immediately. The child fires the process-begin and
// process-end trace events under the lock, and the Started/Exited
// lifecycle events outside it.
func (vm *VM) Fork(method *CompiledMethod, receiver Value, args []Value) *Process {
	id := vm.nextProcessID.Add(1)
	interp := newInterpreter(vm, id)
	p := &Process{vm: vm, interp: interp, id: id, done: make(chan struct{})}

	vm.adoptMethod(method)
	vm.fireProcessEvent(ProcessEventStarted, interp)

	go func() {
		defer close(p.done)
		vm.registerInterpreter(interp)
		defer vm.unregisterInterpreter()
		defer vm.fireProcessEvent(ProcessEventExited, interp)

		vm.acquireLockFor(interp)
		defer vm.releaseLockFor(interp)

		interp.fireProcessBand(EventProcessBegin)
		defer interp.fireProcessBand(EventProcessEnd)

		p.result, p.err = interp.ExecuteSafe(method, receiver, args)
	}()
	return p
}

// ForkBlock starts a block closure on a new interpreter. The caller's
// frame may pop before the child runs, which would release the closure,
// so the child gets a detached copy with no home frame. The detached
// registration is dropped when the process ends.
func (vm *VM) ForkBlock(block Value, args []Value) *Process {
	id := vm.nextProcessID.Add(1)
	interp := newInterpreter(vm, id)
	p := &Process{vm: vm, interp: interp, id: id, done: make(chan struct{})}

	run := Nil
	if c := vm.blockClosure(block); c != nil {
		captures := make([]Value, len(c.captures))
		copy(captures, c.captures)
		run = FromBlockID(vm.registerBlockClosure(&blockClosure{
			method:    c.method,
			captures:  captures,
			homeFrame: -1,
			homeSelf:  c.homeSelf,
			interp:    interp,
		}))
	}

	vm.fireProcessEvent(ProcessEventStarted, interp)

	go func() {
		defer close(p.done)
		vm.registerInterpreter(interp)
		defer vm.unregisterInterpreter()
		defer vm.fireProcessEvent(ProcessEventExited, interp)
		if run.IsBlock() {
			defer vm.dropBlockClosure(run.BlockID())
		}

		vm.acquireLockFor(interp)
		defer vm.releaseLockFor(interp)

		interp.fireProcessBand(EventProcessBegin)
		defer interp.fireProcessBand(EventProcessEnd)

		p.result, p.err = interp.callBlockSafe(run, args)
	}()
	return p
}

// Join waits for the process to finish and returns its result, or the
// error it raised.
func (p *Process) Join() (Value, error) {
	<-p.done
	return p.result, p.err
}

// ID returns the process ID.
func (p *Process) ID() int64 { return p.id }

// Interpreter returns the process's interpreter.
func (p *Process) Interpreter() *Interpreter { return p.interp }

// fireProcessBand dispatches process-begin/end through the hook
// registry. These have no originating frame.
func (i *Interpreter) fireProcessBand(ev EventFlag) {
	if i.vm.GlobalEventMask()&ev == 0 {
		return
	}
	te := &TraceEvent{interp: i, event: ev, receiver: Nil}
	i.vm.execEventHooks(te, nil, false)
}

// callBlockSafe activates a block with an error return instead of a
// panic, for process entry.
func (i *Interpreter) callBlockSafe(block Value, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*EmberError); ok {
				result, err = Nil, ee
				return
			}
			panic(r)
		}
	}()
	return i.callBlock(block, args), nil
}
