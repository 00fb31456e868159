package vm

import "fmt"

// ---------------------------------------------------------------------------
// Errors: raising, handling, and the error events
// ---------------------------------------------------------------------------

// Raised errors unwind as panics carrying an *EmberError and are caught
// either by an on:do: handler or by the ExecuteSafe boundary. While an
// error is unwinding it is recorded as the interpreter's pending error;
// hook dispatch parks the pending error so instrumentation never sees a
// half-raised state, and a handler clears it when it accepts the error.

// EmberError is the panic carrier for a raised error. It satisfies
// error, so an unhandled raise surfaces as an ordinary Go error from
// ExecuteSafe.
type EmberError struct {
	Value   Value // the raised error object
	message string
}

// Error returns the rendered error message.
func (e *EmberError) Error() string { return e.message }

// NewError allocates an instance of class carrying message. class must
// descend from Error; the message is interned and stored in the message
// slot.
func (vm *VM) NewError(class *Class, message string) Value {
	if class == nil {
		class = vm.ErrorClass
	}
	err := vm.AllocateObject(class)
	if obj := err.ObjectRef(); obj.NumSlots() > 0 {
		obj.SetSlot(0, FromSymbolID(vm.symbols.Intern(message)))
	}
	return err
}

// ErrorMessage renders the message carried by a raised value.
func (vm *VM) ErrorMessage(err Value) string {
	if err.IsObject() {
		obj := err.ObjectRef()
		class := obj.Class()
		if class != nil && class.IsSubclassOf(vm.ErrorClass) && obj.NumSlots() > 0 {
			if msg := obj.GetSlot(0); msg.IsSymbol() {
				return class.Name + ": " + vm.symbols.Name(msg.SymbolID())
			}
			return class.Name
		}
	}
	return vm.describeValue(err)
}

// Raise signals err from this interpreter: the raise event fires at the
// current site, err becomes the pending error, and the stack unwinds by
// panic until a handler or an ExecuteSafe boundary catches it. Declared
// to return a Value so raising call sites can stay expressions; it
// never actually returns.
func (i *Interpreter) Raise(err Value) Value {
	i.fireErrorEvent(EventRaise, err)
	i.pendingError = err
	panic(&EmberError{Value: err, message: "vm: " + i.vm.ErrorMessage(err)})
}

// RaiseError raises a plain Error instance carrying message.
func (i *Interpreter) RaiseError(message string) Value {
	return i.Raise(i.vm.NewError(i.vm.ErrorClass, message))
}

// PendingError returns the error currently unwinding on this
// interpreter, or Nil.
func (i *Interpreter) PendingError() Value { return i.pendingError }

// fireErrorEvent dispatches raise and rescue events. Raise gates on the
// global mask and sees only global hooks; rescue is a per-unit event,
// gated and dispatched like the frame events of the handling frame.
func (i *Interpreter) fireErrorEvent(ev EventFlag, err Value) {
	frame := i.CurrentFrame()
	var local *HookList
	if ev == EventRescue {
		if frame == nil || frame.unit.TraceMask()&ev == 0 {
			return
		}
		local = frame.unit.localHookList()
	} else if i.vm.GlobalEventMask()&ev == 0 {
		return
	}

	te := &TraceEvent{interp: i, event: ev, receiver: Nil, raisedError: err}
	if frame != nil {
		te.method = frame.Method
		te.block = frame.Block
		te.frame = frame
		te.pc = frame.IP
		te.receiver = frame.Self()
	}
	i.vm.execEventHooks(te, local, false)
}

// protect runs fn and converts a raised error into a return. Panics
// that are not raised errors keep unwinding.
func (i *Interpreter) protect(fn func() Value) (result Value, raised *EmberError) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*EmberError); ok {
				raised = ee
				return
			}
			panic(r)
		}
	}()
	return fn(), nil
}

// handleError accepts a caught error on behalf of the current frame:
// the rescue event fires at the handler site and the pending error is
// cleared.
func (i *Interpreter) handleError(err Value) {
	i.fireErrorEvent(EventRescue, err)
	i.pendingError = Nil
}

// runHandler activates an on:do: handler block for err, passing the
// error when the handler takes an argument.
func (i *Interpreter) runHandler(handler Value, err Value) Value {
	if !handler.IsBlock() {
		return handler
	}
	if c := i.vm.blockClosure(handler); c != nil && c.method.Arity == 1 {
		return i.callBlock(handler, []Value{err})
	}
	return i.callBlock(handler, nil)
}

// ---------------------------------------------------------------------------
// Error primitives
// ---------------------------------------------------------------------------

// Block>>on:do: runs the receiver block; when it raises an error whose
// class descends from the argument class, the handler runs with the
// error and its result replaces the block's.
func primBlockOnDo(interp *Interpreter, rcvr Value, args []Value) Value {
	handlerClass := interp.vm.classByHandle(args[0])
	if handlerClass == nil {
		return interp.RaiseError("on:do: expects a class")
	}
	handler := args[1]

	result, raised := interp.protect(func() Value {
		return interp.callBlock(rcvr, nil)
	})
	if raised == nil {
		return result
	}
	errClass := interp.vm.classOf(raised.Value)
	if errClass == nil || !errClass.IsSubclassOf(handlerClass) {
		panic(raised)
	}
	interp.handleError(raised.Value)
	return interp.runHandler(handler, raised.Value)
}

// Block>>ensure: runs the receiver block and then the cleanup block,
// raise or not. The protected block's value is the result.
func primBlockEnsure(interp *Interpreter, rcvr Value, args []Value) Value {
	cleanup := args[0]
	defer func() {
		if cleanup.IsBlock() {
			interp.callBlock(cleanup, nil)
		}
	}()
	return interp.callBlock(rcvr, nil)
}

// Object>>error: raises an Error with the argument as message.
func primObjectError(interp *Interpreter, rcvr Value, args []Value) Value {
	return interp.Raise(interp.vm.NewError(interp.vm.ErrorClass, interp.errorText(args[0])))
}

// Class>>signal: raises a fresh instance of the receiver class.
func primClassSignal(interp *Interpreter, rcvr Value, args []Value) Value {
	class := interp.vm.classByHandle(rcvr)
	if class == nil || !class.IsSubclassOf(interp.vm.ErrorClass) {
		return interp.RaiseError("signal: sent to a non-error class")
	}
	return interp.Raise(interp.vm.NewError(class, interp.errorText(args[0])))
}

// Error>>messageText answers the message symbol.
func primErrorMessageText(interp *Interpreter, rcvr Value, args []Value) Value {
	if rcvr.IsObject() {
		if obj := rcvr.ObjectRef(); obj.NumSlots() > 0 {
			return obj.GetSlot(0)
		}
	}
	return Nil
}

// Error>>signal re-raises the receiver.
func primErrorSignal(interp *Interpreter, rcvr Value, args []Value) Value {
	return interp.Raise(rcvr)
}

func (vm *VM) registerErrorPrimitives() {
	c := vm.ErrorClass
	vm.InstallPrimitive(c, "messageText", 0, primErrorMessageText)
	vm.InstallPrimitive(c, "signal", 0, primErrorSignal)
}

// errorText renders a message argument: symbols by name, everything
// else through the value printer.
func (i *Interpreter) errorText(v Value) string {
	if v.IsSymbol() {
		return i.vm.symbols.Name(v.SymbolID())
	}
	return i.vm.describeValue(v)
}

func (i *Interpreter) raisef(format string, args ...any) Value {
	return i.RaiseError(fmt.Sprintf(format, args...))
}
