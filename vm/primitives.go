package vm

// ---------------------------------------------------------------------------
// Core primitives
// ---------------------------------------------------------------------------

// registerCorePrimitives installs the Go-implemented methods of the
// bootstrap classes. Primitive sends fire c_call / c_return, so this is
// also the surface the primitive-band events trace.
func (vm *VM) registerCorePrimitives() {
	vm.registerObjectPrimitives()
	vm.registerBooleanPrimitives()
	vm.registerIntegerPrimitives()
	vm.registerFloatPrimitives()
	vm.registerBlockPrimitives()
	vm.registerClassPrimitives()
	vm.registerErrorPrimitives()
}

// evalMaybeBlock evaluates v if it is a block, else answers v itself.
// Conditionals accept both forms.
func (i *Interpreter) evalMaybeBlock(v Value) Value {
	if v.IsBlock() {
		return i.callBlock(v, nil)
	}
	return v
}
