package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Inline send caches
// ---------------------------------------------------------------------------

// cacheTarget is one resolved dispatch: the receiver class a selector
// was looked up against and the method it resolved to. Exactly one of
// prim and method is set.
type cacheTarget struct {
	class  *Class
	prim   *PrimitiveMethod
	method *CompiledMethod
}

// sendCache is the cache for one quickened call site. selector and argc
// are fixed when the site is quickened; target flips between nil and
// the current monomorphic resolution.
//
// A primitive target is only stored while c_call/c_return are disabled,
// because the hit path runs the Go function without firing them.
// Enabling either event clears every primitive target first.
type sendCache struct {
	selector uint32
	argc     uint8
	target   atomic.Pointer[cacheTarget]
}

// SendCacheStats counts inline-cache outcomes.
type SendCacheStats struct {
	Hits   int64
	Misses int64
}

// SEND_CACHED carries a 16-bit slot index.
const maxSendCaches = 1 << 16

// sendCacheTable is the VM-wide pool of send caches, indexed by the
// slot operand of SEND_CACHED instructions. Slots are allocated by the
// specializer on goroutines holding the execution lock and are never
// reused, so the entries slice is stable under the interpreter's
// lock-free reads. Targets are atomic pointers: hook and method changes
// clear them from any goroutine.
type sendCacheTable struct {
	mu      sync.Mutex
	entries []*sendCache

	hits   atomic.Int64
	misses atomic.Int64
}

func newSendCacheTable() *sendCacheTable {
	return &sendCacheTable{entries: make([]*sendCache, 0, 64)}
}

// alloc claims a slot for a call site, or returns -1 when the table is
// full. A full table leaves the remaining sites unquickened.
func (t *sendCacheTable) alloc(selector uint32, argc uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= maxSendCaches {
		return -1
	}
	t.entries = append(t.entries, &sendCache{selector: selector, argc: argc})
	return len(t.entries) - 1
}

// at returns the cache at slot. Slots come out of quickened bytecode,
// so they are always in range.
func (t *sendCacheTable) at(slot int) *sendCache {
	return t.entries[slot]
}

// Len returns the number of allocated slots.
func (t *sendCacheTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// snapshot returns the allocated entries for iteration outside the
// execution lock.
func (t *sendCacheTable) snapshot() []*sendCache {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[:len(t.entries):len(t.entries)]
}

// clearPrimitiveSends drops every cached primitive resolution. Runs
// before c_call/c_return events are first published, so no hit can
// skip an event a live hook subscribes to.
func (t *sendCacheTable) clearPrimitiveSends() {
	for _, e := range t.snapshot() {
		if tg := e.target.Load(); tg != nil && tg.prim != nil {
			e.target.Store(nil)
		}
	}
}

// clearMethodSends drops every cached compiled-method resolution, so
// the next call at each quickened site re-resolves on the slow path.
func (t *sendCacheTable) clearMethodSends() {
	for _, e := range t.snapshot() {
		if tg := e.target.Load(); tg != nil && tg.method != nil {
			e.target.Store(nil)
		}
	}
}

// clearSelector drops every resolution for one selector, on any class.
// Called when a method is (re)installed under that selector.
func (t *sendCacheTable) clearSelector(selector uint32) {
	for _, e := range t.snapshot() {
		if e.selector == selector {
			e.target.Store(nil)
		}
	}
}

// SendCacheStats returns cumulative inline-cache hit and miss counts.
func (vm *VM) SendCacheStats() SendCacheStats {
	return SendCacheStats{
		Hits:   vm.caches.hits.Load(),
		Misses: vm.caches.misses.Load(),
	}
}

// ---------------------------------------------------------------------------
// Cached dispatch
// ---------------------------------------------------------------------------

// sendCached dispatches one quickened call site. A monomorphic hit
// skips the method lookup; a primitive hit also runs the Go function
// without the c_call/c_return events, which were off when the target
// was stored.
func (i *Interpreter) sendCached(slot, argc int) Value {
	i.safePoint()

	e := i.vm.caches.at(slot)
	args := i.popN(argc)
	rcvr := i.pop()

	class := i.vm.classOf(rcvr)
	if t := e.target.Load(); t != nil && t.class == class {
		i.vm.caches.hits.Add(1)
		if t.prim != nil {
			return t.prim.fn(i, rcvr, args)
		}
		return i.callCompiled(t.method, rcvr, args)
	}

	i.vm.caches.misses.Add(1)
	return i.sendCachedFill(e, class, rcvr, args)
}

// sendCachedFill is the miss path: full lookup and dispatch, storing
// the new monomorphic target when it is cacheable.
func (i *Interpreter) sendCachedFill(e *sendCache, class *Class, rcvr Value, args []Value) Value {
	var method Method
	if class != nil {
		method = class.LookupMethod(e.selector)
	}
	if method == nil {
		return i.doesNotUnderstand(rcvr, e.selector)
	}

	switch m := method.(type) {
	case *PrimitiveMethod:
		if i.vm.GlobalEventMask()&(EventCCall|EventCReturn) == 0 &&
			(m.arity < 0 || m.arity == len(args)) {
			e.target.Store(&cacheTarget{class: class, prim: m})
			// An enable between the mask check and the store would have
			// cleared targets before this one landed; recheck and undo
			// so the event elision cannot outlive the enable.
			if i.vm.GlobalEventMask()&(EventCCall|EventCReturn) != 0 {
				e.target.Store(nil)
			}
		}
		return i.callPrimitive(m, e.selector, class, rcvr, args)

	case *CompiledMethod:
		if len(args) != m.Arity {
			return i.RaiseError(fmt.Sprintf("%s expects %d arguments, got %d", m.MethodName(), m.Arity, len(args)))
		}
		e.target.Store(&cacheTarget{class: class, method: m})
		return i.callCompiled(m, rcvr, args)

	default:
		return i.RaiseError(fmt.Sprintf("cannot invoke method %s", method.MethodName()))
	}
}
