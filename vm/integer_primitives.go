package vm

// ---------------------------------------------------------------------------
// SmallInteger primitives
// ---------------------------------------------------------------------------

// intSum and intProduct keep results inside the 48-bit payload range
// and raise on overflow rather than wrapping silently.
func (i *Interpreter) intSum(a, b int64) Value {
	if v, ok := TryFromSmallInt(a + b); ok {
		return v
	}
	return i.RaiseError("integer overflow")
}

func (i *Interpreter) intProduct(a, b int64) Value {
	p := a * b
	if a != 0 && p/a != b {
		return i.RaiseError("integer overflow")
	}
	if v, ok := TryFromSmallInt(p); ok {
		return v
	}
	return i.RaiseError("integer overflow")
}

func (vm *VM) registerIntegerPrimitives() {
	c := vm.SmallIntegerClass

	vm.InstallPrimitive(c, "+", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		a := rcvr.SmallInt()
		switch {
		case args[0].IsSmallInt():
			return interp.intSum(a, args[0].SmallInt())
		case args[0].IsFloat():
			return FromFloat64(float64(a) + args[0].Float64())
		}
		return interp.RaiseError("+ expects a number")
	})

	vm.InstallPrimitive(c, "-", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		a := rcvr.SmallInt()
		switch {
		case args[0].IsSmallInt():
			return interp.intSum(a, -args[0].SmallInt())
		case args[0].IsFloat():
			return FromFloat64(float64(a) - args[0].Float64())
		}
		return interp.RaiseError("- expects a number")
	})

	vm.InstallPrimitive(c, "*", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		a := rcvr.SmallInt()
		switch {
		case args[0].IsSmallInt():
			return interp.intProduct(a, args[0].SmallInt())
		case args[0].IsFloat():
			return FromFloat64(float64(a) * args[0].Float64())
		}
		return interp.RaiseError("* expects a number")
	})

	vm.InstallPrimitive(c, "/", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		a := rcvr.SmallInt()
		switch {
		case args[0].IsSmallInt():
			b := args[0].SmallInt()
			if b == 0 {
				return interp.RaiseError("division by zero")
			}
			return FromSmallInt(a / b)
		case args[0].IsFloat():
			return FromFloat64(float64(a) / args[0].Float64())
		}
		return interp.RaiseError("/ expects a number")
	})

	// Floor division and floored remainder.
	vm.InstallPrimitive(c, "//", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSmallInt() {
			return interp.RaiseError("// expects an integer")
		}
		a, b := rcvr.SmallInt(), args[0].SmallInt()
		if b == 0 {
			return interp.RaiseError("division by zero")
		}
		q := a / b
		if (a < 0) != (b < 0) && a%b != 0 {
			q--
		}
		return FromSmallInt(q)
	})

	vm.InstallPrimitive(c, "\\\\", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSmallInt() {
			return interp.RaiseError("\\\\ expects an integer")
		}
		a, b := rcvr.SmallInt(), args[0].SmallInt()
		if b == 0 {
			return interp.RaiseError("division by zero")
		}
		m := a % b
		if m != 0 && (a < 0) != (b < 0) {
			m += b
		}
		return FromSmallInt(m)
	})

	cmp := func(name string, lt, eq, gt bool) {
		vm.InstallPrimitive(c, name, 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
			a := rcvr.SmallInt()
			switch {
			case args[0].IsSmallInt():
				b := args[0].SmallInt()
				return FromBool(a < b && lt || a == b && eq || a > b && gt)
			case args[0].IsFloat():
				af, b := float64(a), args[0].Float64()
				return FromBool(af < b && lt || af == b && eq || af > b && gt)
			}
			return interp.raisef("%s expects a number", name)
		})
	}
	cmp("<", true, false, false)
	cmp("<=", true, true, false)
	cmp(">", false, false, true)
	cmp(">=", false, true, true)

	vm.InstallPrimitive(c, "=", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		switch {
		case args[0].IsSmallInt():
			return FromBool(rcvr.SmallInt() == args[0].SmallInt())
		case args[0].IsFloat():
			return FromBool(float64(rcvr.SmallInt()) == args[0].Float64())
		}
		return False
	})

	vm.InstallPrimitive(c, "~=", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		switch {
		case args[0].IsSmallInt():
			return FromBool(rcvr.SmallInt() != args[0].SmallInt())
		case args[0].IsFloat():
			return FromBool(float64(rcvr.SmallInt()) != args[0].Float64())
		}
		return True
	})

	vm.InstallPrimitive(c, "min:", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		if args[0].IsSmallInt() && args[0].SmallInt() < rcvr.SmallInt() {
			return args[0]
		}
		return rcvr
	})

	vm.InstallPrimitive(c, "max:", 1, func(_ *Interpreter, rcvr Value, args []Value) Value {
		if args[0].IsSmallInt() && args[0].SmallInt() > rcvr.SmallInt() {
			return args[0]
		}
		return rcvr
	})

	vm.InstallPrimitive(c, "abs", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		if n := rcvr.SmallInt(); n < 0 {
			return interp.intSum(0, -n)
		}
		return rcvr
	})

	vm.InstallPrimitive(c, "negated", 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
		return interp.intSum(0, -rcvr.SmallInt())
	})

	vm.InstallPrimitive(c, "asFloat", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromFloat64(float64(rcvr.SmallInt()))
	})

	vm.InstallPrimitive(c, "isZero", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromBool(rcvr.SmallInt() == 0)
	})

	vm.InstallPrimitive(c, "even", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromBool(rcvr.SmallInt()%2 == 0)
	})

	vm.InstallPrimitive(c, "odd", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromBool(rcvr.SmallInt()%2 != 0)
	})

	// Loop primitives hit a safe point per iteration, so deferred jobs
	// and interrupts get serviced inside long-running loops.
	vm.InstallPrimitive(c, "timesRepeat:", 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
		n := rcvr.SmallInt()
		for k := int64(0); k < n; k++ {
			interp.safePoint()
			interp.callBlock(args[0], nil)
		}
		return rcvr
	})

	vm.InstallPrimitive(c, "to:do:", 2, func(interp *Interpreter, rcvr Value, args []Value) Value {
		if !args[0].IsSmallInt() {
			return interp.RaiseError("to:do: expects an integer bound")
		}
		hi := args[0].SmallInt()
		for v := rcvr.SmallInt(); v <= hi; v++ {
			interp.safePoint()
			interp.callBlock(args[1], []Value{FromSmallInt(v)})
		}
		return rcvr
	})
}
