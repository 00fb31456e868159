package vm

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// VM: The Ember Virtual Machine
// ---------------------------------------------------------------------------

// VM is the Ember virtual machine: classes, symbols, the hook registry,
// the deferred-dispatch queues, and the interpreters running on it.
type VM struct {
	symbols *SymbolTable

	// Well-known classes
	ObjectClass          *Class
	ClassClass           *Class
	UndefinedObjectClass *Class
	BooleanClass         *Class
	TrueClass            *Class
	FalseClass           *Class
	SmallIntegerClass    *Class
	FloatClass           *Class
	SymbolClass          *Class
	BlockClass           *Class
	ProcessClass         *Class
	ErrorClass           *Class

	classMu      sync.RWMutex
	classes      map[string]*Class
	classHandles map[uint32]*Class
	nextClassID  uint32

	// Hook registry. Mutations hold hookMu; dispatch walks the lists
	// lock-free under the global execution lock.
	hookMu           sync.Mutex
	globalHooks      *HookList
	eventFlags       atomic.Uint32 // published union of global hook masks
	enabledEverFlags EventFlag     // sticky union, guarded by hookMu
	allMethods       map[*CompiledMethod]struct{}

	// Execution
	lock          execLock
	interpreter   *Interpreter // main interpreter
	interpreters  sync.Map     // goroutine ID -> *Interpreter
	nextProcessID atomic.Int64

	// Deferred dispatch
	postponed jobQueue

	// Dispatch tiers
	caches      *sendCacheTable
	specializer *specializer

	// Process lifecycle listeners
	processHooks processHookList

	// Per-process storage key allocation
	nextProcessDataKey atomic.Int32

	// Heap bookkeeping (gc.go)
	heapMu      sync.Mutex
	objects     map[*Object]*objectHeader
	blockMu     sync.Mutex
	blocks      map[uint32]*blockClosure
	nextBlockID uint32
	gcCount     atomic.Int64
}

// NewVM creates and bootstraps a new VM with its main interpreter.
func NewVM() *VM {
	vm := &VM{
		symbols:      NewSymbolTable(),
		classes:      make(map[string]*Class),
		classHandles: make(map[uint32]*Class),
		globalHooks:  &HookList{},
		allMethods:   make(map[*CompiledMethod]struct{}),
		objects:      make(map[*Object]*objectHeader),
		blocks:       make(map[uint32]*blockClosure),
	}
	vm.caches = newSendCacheTable()
	vm.specializer = newSpecializer(vm)

	vm.bootstrap()

	vm.nextProcessID.Store(1)
	vm.interpreter = newInterpreter(vm, 1)
	return vm
}

// Symbols returns the VM's symbol table.
func (vm *VM) Symbols() *SymbolTable { return vm.symbols }

// MainInterpreter returns the interpreter of the main process.
func (vm *VM) MainInterpreter() *Interpreter { return vm.interpreter }

// Send sends a message to a receiver from the current goroutine's
// interpreter, interning the selector. Convenience for embedding and
// tests; raised errors propagate as panics.
func (vm *VM) Send(receiver Value, selector string, args []Value) Value {
	interp := vm.currentInterpreter()
	sel := vm.symbols.Intern(selector)
	if !vm.HasLock() {
		vm.acquireLockFor(interp)
		defer vm.releaseLockFor(interp)
	}
	return interp.sendValues(receiver, sel, args)
}

// ---------------------------------------------------------------------------
// Bootstrap: core classes
// ---------------------------------------------------------------------------

func (vm *VM) bootstrap() {
	vm.ObjectClass = vm.DefineClass("Object", nil, 0)
	vm.ClassClass = vm.DefineClass("Class", vm.ObjectClass, 0)
	vm.UndefinedObjectClass = vm.DefineClass("UndefinedObject", vm.ObjectClass, 0)
	vm.BooleanClass = vm.DefineClass("Boolean", vm.ObjectClass, 0)
	vm.TrueClass = vm.DefineClass("True", vm.BooleanClass, 0)
	vm.FalseClass = vm.DefineClass("False", vm.BooleanClass, 0)
	vm.SmallIntegerClass = vm.DefineClass("SmallInteger", vm.ObjectClass, 0)
	vm.FloatClass = vm.DefineClass("Float", vm.ObjectClass, 0)
	vm.SymbolClass = vm.DefineClass("Symbol", vm.ObjectClass, 0)
	vm.BlockClass = vm.DefineClass("Block", vm.ObjectClass, 0)
	vm.ProcessClass = vm.DefineClass("Process", vm.ObjectClass, 0)
	vm.ErrorClass = vm.DefineClass("Error", vm.ObjectClass, 2) // message, payload

	vm.registerCorePrimitives()
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

// DefineClass creates a class, assigns its Value handle, registers it by
// name, and fires the class-definition event.
func (vm *VM) DefineClass(name string, superclass *Class, numSlots int) *Class {
	c := &Class{Name: name, Superclass: superclass, NumSlots: numSlots}

	vm.classMu.Lock()
	vm.nextClassID++
	id := vm.nextClassID
	c.handle = FromSymbolID(classMarker | id)
	vm.classes[name] = c
	vm.classHandles[id] = c
	vm.classMu.Unlock()

	vm.fireDefinitionEvent(EventClassDefine, c, nil)
	return c
}

// LookupClass returns the class registered under name, or nil.
func (vm *VM) LookupClass(name string) *Class {
	vm.classMu.RLock()
	defer vm.classMu.RUnlock()
	return vm.classes[name]
}

func (vm *VM) classByHandle(v Value) *Class {
	if !isClassHandle(v) {
		return nil
	}
	vm.classMu.RLock()
	defer vm.classMu.RUnlock()
	return vm.classHandles[v.SymbolID()&^(0xFF<<24)]
}

// classOf resolves the class a message to v dispatches through.
func (vm *VM) classOf(v Value) *Class {
	switch {
	case v == Nil:
		return vm.UndefinedObjectClass
	case v == True:
		return vm.TrueClass
	case v == False:
		return vm.FalseClass
	case v.IsSmallInt():
		return vm.SmallIntegerClass
	case v.IsFloat():
		return vm.FloatClass
	case v.IsBlock():
		return vm.BlockClass
	case isClassHandle(v):
		return vm.ClassClass
	case v.IsSymbol():
		return vm.SymbolClass
	case v.IsObject():
		return v.ObjectRef().Class()
	}
	return vm.ObjectClass
}

// DescribeValue renders a value for messages and trace output.
func (vm *VM) DescribeValue(v Value) string {
	return vm.describeValue(v)
}

// describeValue renders a value for error messages.
func (vm *VM) describeValue(v Value) string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10)
	case v.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.IsBlock():
		return "a Block"
	case isClassHandle(v):
		if c := vm.classByHandle(v); c != nil {
			return "class " + c.Name
		}
		return "a Class"
	case v.IsSymbol():
		return "#" + vm.symbols.Name(v.SymbolID())
	case v.IsObject():
		if c := v.ObjectRef().Class(); c != nil {
			return article(c.Name) + c.Name
		}
	}
	return "an Object"
}

func article(name string) string {
	if name != "" && strings.ContainsRune("AEIOU", rune(name[0])) {
		return "an "
	}
	return "a "
}

// ---------------------------------------------------------------------------
// Method installation
// ---------------------------------------------------------------------------

// InstallMethod interns selectorName, installs m on class, and fires the
// compile event. Compiled methods are adopted into the trace registry so
// the current global mask is baked into their unit masks.
func (vm *VM) InstallMethod(class *Class, selectorName string, m Method) {
	sel := vm.symbols.Intern(selectorName)
	var cm *CompiledMethod
	if c, ok := m.(*CompiledMethod); ok {
		cm = c
		cm.selector = sel
		cm.class = class
		vm.adoptMethod(cm)
	}
	class.installMethod(sel, m)
	// Redefinition: quickened call sites must not keep dispatching to
	// the replaced method.
	vm.caches.clearSelector(sel)
	vm.fireDefinitionEvent(EventCompile, class, cm)
}

// InstallPrimitive wraps fn as a primitive method and installs it.
func (vm *VM) InstallPrimitive(class *Class, selectorName string, arity int, fn PrimitiveFunc) {
	vm.InstallMethod(class, selectorName, NewPrimitiveMethod(selectorName, arity, fn))
}

// adoptMethod registers a compiled method (and its nested blocks) with
// the trace registry. New units start with the sticky global
// method-band mask baked in, so methods created after tracing was ever
// live are traced from their first run. Idempotent.
func (vm *VM) adoptMethod(m *CompiledMethod) {
	if m == nil || m.adopted.Load() {
		return
	}
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	if m.adopted.Load() {
		return
	}
	vm.allMethods[m] = struct{}{}
	vm.refreshMethodMaskLocked(m)
	m.adopted.Store(true)
}

// AdoptedMethodCount returns how many compiled methods the trace
// registry tracks.
func (vm *VM) AdoptedMethodCount() int {
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	return len(vm.allMethods)
}

// fireDefinitionEvent dispatches class-define and compile events, which
// have no originating frame.
func (vm *VM) fireDefinitionEvent(ev EventFlag, class *Class, method *CompiledMethod) {
	if vm.GlobalEventMask()&ev == 0 {
		return
	}
	interp := vm.currentInterpreter()
	if interp == nil {
		return
	}
	te := &TraceEvent{
		interp:   interp,
		event:    ev,
		method:   method,
		receiver: class.Handle(),
		class:    class,
		filled:   filledIdentity,
	}
	if method != nil {
		te.selector = method.selector
	}
	vm.execEventHooks(te, nil, false)
}

// ---------------------------------------------------------------------------
// Lock hand-off with process lifecycle events
// ---------------------------------------------------------------------------

// acquireLockFor takes the global lock for interp, announcing the wait
// and the grant to process-event listeners.
func (vm *VM) acquireLockFor(interp *Interpreter) {
	vm.fireProcessEvent(ProcessEventReady, interp)
	vm.lock.acquire()
	vm.fireProcessEvent(ProcessEventResumed, interp)
}

// releaseLockFor drops the global lock held for interp.
func (vm *VM) releaseLockFor(interp *Interpreter) {
	vm.lock.release()
	vm.fireProcessEvent(ProcessEventSuspended, interp)
}

// ---------------------------------------------------------------------------
// Goroutine-local interpreter tracking
// ---------------------------------------------------------------------------

// getGoroutineID returns the current goroutine's ID without a stack
// parse, so lock bookkeeping stays off the allocation path.
func getGoroutineID() int64 {
	return goid.Get()
}

// registerInterpreter binds interp to the current goroutine. Called when
// a forked process starts executing on its goroutine.
func (vm *VM) registerInterpreter(interp *Interpreter) {
	vm.interpreters.Store(getGoroutineID(), interp)
}

// unregisterInterpreter removes the binding for the current goroutine.
func (vm *VM) unregisterInterpreter() {
	vm.interpreters.Delete(getGoroutineID())
}

// currentInterpreter returns the interpreter bound to the current
// goroutine, falling back to the main interpreter.
func (vm *VM) currentInterpreter() *Interpreter {
	if interp, ok := vm.interpreters.Load(getGoroutineID()); ok {
		return interp.(*Interpreter)
	}
	return vm.interpreter
}

// CurrentInterpreter is the exported form of the goroutine lookup, for
// tooling layered on the hook API.
func (vm *VM) CurrentInterpreter() *Interpreter {
	return vm.currentInterpreter()
}
