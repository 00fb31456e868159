package vm

// ---------------------------------------------------------------------------
// Boolean primitives (True, False)
// ---------------------------------------------------------------------------

func (vm *VM) registerBooleanPrimitives() {
	t, f := vm.TrueClass, vm.FalseClass

	vm.InstallPrimitive(t, "not", 0, func(_ *Interpreter, _ Value, _ []Value) Value { return False })
	vm.InstallPrimitive(f, "not", 0, func(_ *Interpreter, _ Value, _ []Value) Value { return True })

	vm.InstallPrimitive(t, "&", 1, func(_ *Interpreter, _ Value, args []Value) Value { return args[0] })
	vm.InstallPrimitive(f, "&", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return False })

	vm.InstallPrimitive(t, "|", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return True })
	vm.InstallPrimitive(f, "|", 1, func(_ *Interpreter, _ Value, args []Value) Value { return args[0] })

	// and: / or: short-circuit: the argument block only runs when the
	// receiver leaves the answer open.
	vm.InstallPrimitive(t, "and:", 1, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})
	vm.InstallPrimitive(f, "and:", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return False })

	vm.InstallPrimitive(t, "or:", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return True })
	vm.InstallPrimitive(f, "or:", 1, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})

	vm.InstallPrimitive(t, "ifTrue:", 1, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})
	vm.InstallPrimitive(f, "ifTrue:", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return Nil })

	vm.InstallPrimitive(t, "ifFalse:", 1, func(_ *Interpreter, _ Value, _ []Value) Value { return Nil })
	vm.InstallPrimitive(f, "ifFalse:", 1, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})

	vm.InstallPrimitive(t, "ifTrue:ifFalse:", 2, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})
	vm.InstallPrimitive(f, "ifTrue:ifFalse:", 2, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[1])
	})
}
