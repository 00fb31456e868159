package vm

// ---------------------------------------------------------------------------
// Object primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerObjectPrimitives() {
	c := vm.ObjectClass

	vm.InstallPrimitive(c, "class", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		if class := interp.vm.classOf(rcvr); class != nil {
			return class.Handle()
		}
		return Nil
	})

	vm.InstallPrimitive(c, "yourself", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return rcvr
	})

	vm.InstallPrimitive(c, "==", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		return FromBool(rcvr == args[0])
	})

	vm.InstallPrimitive(c, "~~", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		return FromBool(rcvr != args[0])
	})

	// Default equality is identity; numbers override it.
	vm.InstallPrimitive(c, "=", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		return FromBool(rcvr == args[0])
	})

	vm.InstallPrimitive(c, "~=", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		return FromBool(rcvr != args[0])
	})

	vm.InstallPrimitive(c, "isNil", 0, func(_ *Interpreter, _ Value, _ []Value) Value {
		return False
	})

	vm.InstallPrimitive(c, "notNil", 0, func(_ *Interpreter, _ Value, _ []Value) Value {
		return True
	})

	vm.InstallPrimitive(c, "ifNil:", 1, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return rcvr
	})

	vm.InstallPrimitive(c, "hash", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromSmallInt(int64(uint64(rcvr) & 0x7FFFFFFF))
	})

	vm.InstallPrimitive(c, "printString", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		return FromSymbolID(interp.vm.symbols.Intern(interp.vm.describeValue(rcvr)))
	})

	vm.InstallPrimitive(c, "error:", 1, primObjectError)

	vm.InstallPrimitive(c, "instVarAt:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		obj, idx := interp.slotAccess(rcvr, args[0])
		return obj.GetSlot(idx)
	})

	vm.InstallPrimitive(c, "instVarAt:put:", 2, func(interp *Interpreter, rcvr Value, args []Value) Value {
		obj, idx := interp.slotAccess(rcvr, args[0])
		obj.SetSlot(idx, args[1])
		return args[1]
	})

	vm.InstallPrimitive(c, "respondsTo:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSymbol() {
			return False
		}
		class := interp.vm.classOf(rcvr)
		return FromBool(class != nil && class.LookupMethod(args[0].SymbolID()) != nil)
	})

	vm.InstallPrimitive(c, "isKindOf:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		target := interp.vm.classByHandle(args[0])
		class := interp.vm.classOf(rcvr)
		return FromBool(target != nil && class != nil && class.IsSubclassOf(target))
	})

	vm.InstallPrimitive(c, "perform:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSymbol() {
			return interp.RaiseError("perform: expects a selector symbol")
		}
		return interp.sendValues(rcvr, args[0].SymbolID(), nil)
	})

	vm.InstallPrimitive(c, "perform:with:", 2, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSymbol() {
			return interp.RaiseError("perform:with: expects a selector symbol")
		}
		return interp.sendValues(rcvr, args[0].SymbolID(), args[1:2])
	})

	// nil overrides
	u := vm.UndefinedObjectClass
	vm.InstallPrimitive(u, "isNil", 0, func(_ *Interpreter, _ Value, _ []Value) Value {
		return True
	})
	vm.InstallPrimitive(u, "notNil", 0, func(_ *Interpreter, _ Value, _ []Value) Value {
		return False
	})
	vm.InstallPrimitive(u, "ifNil:", 1, func(interp *Interpreter, _ Value, args []Value) Value {
		return interp.evalMaybeBlock(args[0])
	})
}

// slotAccess resolves a 1-based instVarAt: index against rcvr, raising
// on non-objects and out-of-range indexes.
func (i *Interpreter) slotAccess(rcvr Value, index Value) (*Object, int) {
	if !rcvr.IsObject() {
		i.RaiseError("instVarAt: receiver has no instance variables")
	}
	if !index.IsSmallInt() {
		i.RaiseError("instVarAt: index must be an integer")
	}
	obj := rcvr.ObjectRef()
	idx := index.SmallInt()
	if idx < 1 || idx > int64(obj.NumSlots()) {
		i.raisef("instVarAt: index %d out of range 1..%d", idx, obj.NumSlots())
	}
	return obj, int(idx - 1)
}
