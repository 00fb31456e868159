package vm

// Object is a heap-allocated Ember object: a class pointer plus instance
// variable slots. Objects are always created through the owning VM's
// allocator, which keeps them visible to the collector; a bare &Object{}
// boxed with FromObject would be swept out from under the program.
type Object struct {
	class *Class
	slots []Value
}

// Class returns the object's class.
func (obj *Object) Class() *Class {
	return obj.class
}

// NumSlots returns the number of instance variable slots.
func (obj *Object) NumSlots() int {
	return len(obj.slots)
}

// GetSlot returns the value at the given slot index.
// Panics if index is out of range.
func (obj *Object) GetSlot(index int) Value {
	if index < 0 || index >= len(obj.slots) {
		panic("Object.GetSlot: index out of range")
	}
	return obj.slots[index]
}

// SetSlot stores a value at the given slot index.
// Panics if index is out of range.
func (obj *Object) SetSlot(index int, v Value) {
	if index < 0 || index >= len(obj.slots) {
		panic("Object.SetSlot: index out of range")
	}
	obj.slots[index] = v
}

// newObject builds an object with all slots nil. Callers go through
// VM.AllocateObject so the allocator can register it and fire events.
func newObject(class *Class, numSlots int) *Object {
	obj := &Object{class: class}
	if numSlots > 0 {
		obj.slots = make([]Value, numSlots)
		for i := range obj.slots {
			obj.slots[i] = Nil
		}
	}
	return obj
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Method is anything installable in a class method table: bytecode
// (*CompiledMethod) or a Go primitive (*PrimitiveMethod). Dispatch
// type-switches on the concrete type.
type Method interface {
	MethodName() string
	MethodArity() int
}

// PrimitiveFunc is the signature of a Go-implemented method. It runs on
// the calling interpreter with the execution lock held.
type PrimitiveFunc func(interp *Interpreter, receiver Value, args []Value) Value

// PrimitiveMethod wraps a Go function as an installable method.
// Invocations fire c_call / c_return events.
type PrimitiveMethod struct {
	name  string
	arity int
	fn    PrimitiveFunc
}

// NewPrimitiveMethod creates a primitive method.
func NewPrimitiveMethod(name string, arity int, fn PrimitiveFunc) *PrimitiveMethod {
	return &PrimitiveMethod{name: name, arity: arity, fn: fn}
}

// MethodName returns the selector name the primitive was installed under.
func (p *PrimitiveMethod) MethodName() string { return p.name }

// MethodArity returns the number of arguments, not counting the receiver.
func (p *PrimitiveMethod) MethodArity() int { return p.arity }
