package vm

// ---------------------------------------------------------------------------
// Block primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerBlockPrimitives() {
	c := vm.BlockClass

	vm.InstallPrimitive(c, "value", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		return interp.callBlock(rcvr, nil)
	})

	vm.InstallPrimitive(c, "value:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		return interp.callBlock(rcvr, args)
	})

	vm.InstallPrimitive(c, "value:value:", 2, func(interp *Interpreter, rcvr Value, args []Value) Value {
		return interp.callBlock(rcvr, args)
	})

	vm.InstallPrimitive(c, "value:value:value:", 3, func(interp *Interpreter, rcvr Value, args []Value) Value {
		return interp.callBlock(rcvr, args)
	})

	vm.InstallPrimitive(c, "numArgs", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		if closure := interp.vm.blockClosure(rcvr); closure != nil {
			return FromSmallInt(int64(closure.method.Arity))
		}
		return FromSmallInt(0)
	})

	vm.InstallPrimitive(c, "whileTrue:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		for {
			interp.safePoint()
			if !interp.callBlock(rcvr, nil).IsTruthy() {
				return Nil
			}
			interp.callBlock(args[0], nil)
		}
	})

	vm.InstallPrimitive(c, "whileFalse:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		for {
			interp.safePoint()
			if interp.callBlock(rcvr, nil).IsTruthy() {
				return Nil
			}
			interp.callBlock(args[0], nil)
		}
	})

	vm.InstallPrimitive(c, "on:do:", 2, primBlockOnDo)
	vm.InstallPrimitive(c, "ensure:", 1, primBlockEnsure)

	// fork answers the new process ID; the parent does not wait.
	vm.InstallPrimitive(c, "fork", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		p := interp.vm.ForkBlock(rcvr, nil)
		return FromSmallInt(p.ID())
	})
}
