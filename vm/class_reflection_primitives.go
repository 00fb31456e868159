package vm

// ---------------------------------------------------------------------------
// Class primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerClassPrimitives() {
	c := vm.ClassClass

	vm.InstallPrimitive(c, "new", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		class := interp.vm.classByHandle(rcvr)
		if class == nil {
			return interp.RaiseError("new sent to a non-class")
		}
		return interp.vm.AllocateObject(class)
	})

	vm.InstallPrimitive(c, "name", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		class := interp.vm.classByHandle(rcvr)
		if class == nil {
			return Nil
		}
		return FromSymbolID(interp.vm.symbols.Intern(class.Name))
	})

	vm.InstallPrimitive(c, "superclass", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		class := interp.vm.classByHandle(rcvr)
		if class == nil || class.Superclass == nil {
			return Nil
		}
		return class.Superclass.Handle()
	})

	vm.InstallPrimitive(c, "subclass:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		return interp.defineSubclass(rcvr, args[0], 0)
	})

	vm.InstallPrimitive(c, "subclass:slots:", 2, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[1].IsSmallInt() || args[1].SmallInt() < 0 {
			return interp.RaiseError("subclass:slots: expects a slot count")
		}
		return interp.defineSubclass(rcvr, args[0], int(args[1].SmallInt()))
	})

	vm.InstallPrimitive(c, "signal:", 1, primClassSignal)
}

func (i *Interpreter) defineSubclass(superHandle Value, name Value, slots int) Value {
	super := i.vm.classByHandle(superHandle)
	if super == nil {
		return i.RaiseError("subclass: sent to a non-class")
	}
	if !name.IsSymbol() {
		return i.RaiseError("subclass: expects a symbol name")
	}
	className := i.vm.symbols.Name(name.SymbolID())
	if existing := i.vm.LookupClass(className); existing != nil {
		return i.raisef("class %s already exists", className)
	}
	return i.vm.DefineClass(className, super, slots).Handle()
}
