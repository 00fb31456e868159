package vm

import "math"

// ---------------------------------------------------------------------------
// Float primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerFloatPrimitives() {
	c := vm.FloatClass

	binop := func(name string, fn func(a, b float64) Value) {
		vm.InstallPrimitive(c, name, 1, func(interp *Interpreter, rcvr Value, args []Value) Value {
			a := rcvr.Float64()
			switch {
			case args[0].IsFloat():
				return fn(a, args[0].Float64())
			case args[0].IsSmallInt():
				return fn(a, float64(args[0].SmallInt()))
			}
			return interp.raisef("%s expects a number", name)
		})
	}
	binop("+", func(a, b float64) Value { return FromFloat64(a + b) })
	binop("-", func(a, b float64) Value { return FromFloat64(a - b) })
	binop("*", func(a, b float64) Value { return FromFloat64(a * b) })
	binop("/", func(a, b float64) Value { return FromFloat64(a / b) })
	binop("<", func(a, b float64) Value { return FromBool(a < b) })
	binop("<=", func(a, b float64) Value { return FromBool(a <= b) })
	binop(">", func(a, b float64) Value { return FromBool(a > b) })
	binop(">=", func(a, b float64) Value { return FromBool(a >= b) })
	binop("=", func(a, b float64) Value { return FromBool(a == b) })
	binop("~=", func(a, b float64) Value { return FromBool(a != b) })

	vm.InstallPrimitive(c, "abs", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromFloat64(math.Abs(rcvr.Float64()))
	})

	vm.InstallPrimitive(c, "negated", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromFloat64(-rcvr.Float64())
	})

	vm.InstallPrimitive(c, "sqrt", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return FromFloat64(math.Sqrt(rcvr.Float64()))
	})

	vm.InstallPrimitive(c, "asFloat", 0, func(_ *Interpreter, rcvr Value, _ []Value) Value {
		return rcvr
	})

	toInt := func(name string, round func(float64) float64) {
		vm.InstallPrimitive(c, name, 0, func(interp *Interpreter, rcvr Value, _ []Value) Value {
			f := round(rcvr.Float64())
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return interp.raisef("%s of a non-finite float", name)
			}
			if v, ok := TryFromSmallInt(int64(f)); ok {
				return v
			}
			return interp.RaiseError("integer overflow")
		})
	}
	toInt("truncated", math.Trunc)
	toInt("rounded", math.Round)
	toInt("floor", math.Floor)
	toInt("ceiling", math.Ceil)
}
