package vm

import (
	"errors"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Event hooks
// ---------------------------------------------------------------------------

// HookFunc is the typed hook calling convention: the event, the
// subscriber's data word, and the resolved frame identity.
type HookFunc func(ev EventFlag, data Value, receiver Value, selector uint32, class *Class)

// RawHookFunc is the raw calling convention: the live trace event itself.
// TracePoints use this flavor.
type RawHookFunc func(te *TraceEvent, data Value)

// Hook flag bits.
const (
	hookFlagDeleted uint32 = 1 << iota // logically removed, skipped by dispatch
	hookFlagRawArg                     // raw calling convention
)

// EventHook is one subscription in a hook list, and the handle used to
// remove it. The next pointer and the event mask are only written under
// the registry mutex; the flag word changes atomically so dispatch can
// run without taking that mutex.
type EventHook struct {
	next       *EventHook
	events     EventFlag
	fn         HookFunc
	rawFn      RawHookFunc
	data       Value
	filter     *Interpreter // nil matches any interpreter
	targetLine int          // 0 matches any line
	flags      atomic.Uint32

	list *HookList // owning list, for removal
}

// Events returns the hook's subscription mask.
func (h *EventHook) Events() EventFlag { return h.events }

// deleted reports whether the hook has been logically removed.
func (h *EventHook) deleted() bool {
	return h.flags.Load()&hookFlagDeleted != 0
}

// HookList is a singly-linked list of hooks with a published union mask.
//
// Install prepends, so dispatch order is reverse installation order.
// Removal is logical: the hook is flagged, dispatch skips it from that
// point on, and the physical unlink waits until no dispatch is walking
// the list. Unlinking only happens on a goroutine holding the execution
// lock, which is also the only place dispatch runs, so walkers never see
// a half-rewritten chain.
type HookList struct {
	head      atomic.Pointer[EventHook]
	events    atomic.Uint32 // union of hook masks, recomputed on clean
	running   atomic.Int32  // dispatches currently walking the list
	needClean atomic.Bool
	isLocal   bool
	owner     *unitTraceState // owning code unit for local lists
}

// Events returns the list's published union mask.
func (list *HookList) Events() EventFlag {
	return EventFlag(list.events.Load())
}

// Running returns the number of dispatches currently walking the list.
func (list *HookList) Running() int {
	return int(list.running.Load())
}

// connect prepends a hook. Caller holds vm.hookMu.
func (list *HookList) connect(h *EventHook) {
	h.list = list
	h.next = list.head.Load()
	list.head.Store(h)
	list.events.Store(uint32(list.Events() | h.events))
}

// removeLogical flags a hook deleted and marks the list dirty. Caller
// holds vm.hookMu. Returns false when the hook was already removed.
func (list *HookList) removeLogical(h *EventHook) bool {
	for {
		old := h.flags.Load()
		if old&hookFlagDeleted != 0 {
			return false
		}
		if h.flags.CompareAndSwap(old, old|hookFlagDeleted) {
			break
		}
	}
	list.needClean.Store(true)
	return true
}

// unlinkDeleted rewrites next pointers in place, dropping flagged hooks,
// and returns the recomputed union mask.
func (list *HookList) unlinkDeleted() EventFlag {
	head := list.head.Load()
	for head != nil && head.deleted() {
		head = head.next
	}
	list.head.Store(head)

	var events EventFlag
	for h := head; h != nil; h = h.next {
		events |= h.events
		next := h.next
		for next != nil && next.deleted() {
			next = next.next
		}
		h.next = next
	}
	list.events.Store(uint32(events))
	return events
}

// cleanHooks physically unlinks deleted hooks and republishes masks.
// Caller holds vm.hookMu on a goroutine holding the execution lock, with
// no dispatch running on the list.
func (vm *VM) cleanHooks(list *HookList) {
	prevEvents := list.Events()
	list.needClean.Store(false)
	events := list.unlinkDeleted()

	if list.isLocal {
		if events == 0 && list.owner != nil {
			// Nothing left targeting this unit; drop the list entirely.
			list.owner.localHooks.Store(nil)
		}
		if list.owner != nil {
			vm.refreshUnitMaskLocked(list.owner)
		}
	} else {
		vm.updateGlobalEventMask(prevEvents, events)
	}
}

// cleanupCheck runs deferred cleanup when the list is dirty and idle.
// Must only be called with the execution lock held.
func (vm *VM) cleanupCheck(list *HookList) {
	if !list.needClean.Load() || list.running.Load() != 0 {
		return
	}
	vm.hookMu.Lock()
	if list.needClean.Load() && list.running.Load() == 0 {
		vm.cleanHooks(list)
	}
	vm.hookMu.Unlock()
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// execList walks one list for one event. The running counter is held for
// the duration, including across a panic out of a hook, so cleanup stays
// deferred while any frame of dispatch is live.
func (vm *VM) execList(list *HookList, te *TraceEvent) {
	if list.Events()&te.event == 0 {
		return
	}
	list.running.Add(1)
	defer func() {
		list.running.Add(-1)
		vm.cleanupCheck(list)
	}()

	for h := list.head.Load(); h != nil; h = h.next {
		if h.deleted() {
			continue
		}
		if h.events&te.event == 0 {
			continue
		}
		if h.filter != nil && h.filter != te.interp {
			continue
		}
		if h.targetLine != 0 && h.targetLine != te.Line() {
			continue
		}
		if h.flags.Load()&hookFlagRawArg != 0 {
			h.rawFn(te, h.data)
		} else {
			h.fn(te.event, h.data, te.receiver, te.Selector(), te.MethodClass())
		}
	}
}

// execEventHooks dispatches one event to the global list and the unit's
// local list under the reentrancy rules:
//
//   - tracing band: only when no trace event is live on the interpreter;
//     the pending error is saved and cleared for the duration and
//     restored on normal completion; a panic out of a hook pops the
//     current frame first when the event site asked for it.
//   - internal band: nests one level inside a tracing-band hook but is
//     suppressed inside another internal-band hook, so hooks that
//     allocate cannot recurse into themselves.
func (vm *VM) execEventHooks(te *TraceEvent, local *HookList, popFrameOnPanic bool) {
	interp := te.interp

	if te.event.IsInternal() {
		if interp.traceEvent != nil && interp.traceEvent.event.IsInternal() {
			return
		}
		prev := interp.traceEvent
		interp.traceEvent = te
		defer func() { interp.traceEvent = prev }()
		vm.execList(vm.globalHooks, te)
		if local != nil {
			vm.execList(local, te)
		}
		return
	}

	if interp.traceEvent != nil {
		return
	}

	savedErr := interp.pendingError
	interp.pendingError = Nil
	interp.traceEvent = te
	completed := false
	defer func() {
		interp.traceEvent = nil
		if completed {
			interp.pendingError = savedErr
		} else if popFrameOnPanic {
			interp.popFrameForUnwind()
		}
	}()

	vm.execList(vm.globalHooks, te)
	if local != nil {
		vm.execList(local, te)
	}
	completed = true
}

// ---------------------------------------------------------------------------
// Registry API
// ---------------------------------------------------------------------------

var errEventBandMix = errors.New("vm: can not specify tracing event and internal event simultaneously")

// checkHookMask rejects masks that mix the tracing band with the
// internal band. The two bands have different reentrancy rules, so one
// subscription cannot span both.
func checkHookMask(events EventFlag) error {
	if events&EventInternalAll != 0 && events&^EventInternalAll != 0 {
		return errEventBandMix
	}
	return nil
}

// AddEventHook subscribes a typed hook to the global list for the events
// in mask. The returned handle removes it.
func (vm *VM) AddEventHook(events EventFlag, fn HookFunc, data Value) (*EventHook, error) {
	return vm.addGlobalHook(&EventHook{events: events, fn: fn, data: data})
}

// AddRawEventHook subscribes a raw hook to the global list.
func (vm *VM) AddRawEventHook(events EventFlag, fn RawHookFunc, data Value) (*EventHook, error) {
	h := &EventHook{events: events, rawFn: fn, data: data}
	h.flags.Store(hookFlagRawArg)
	return vm.addGlobalHook(h)
}

// AddEventHookFor subscribes a typed hook that fires only for events
// raised on the given interpreter. A nil interpreter matches any.
func (vm *VM) AddEventHookFor(interp *Interpreter, events EventFlag, fn HookFunc, data Value) (*EventHook, error) {
	return vm.addGlobalHook(&EventHook{events: events, fn: fn, data: data, filter: interp})
}

func (vm *VM) addGlobalHook(h *EventHook) (*EventHook, error) {
	if err := checkHookMask(h.events); err != nil {
		return nil, err
	}
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	prev := vm.globalHooks.Events()
	vm.globalHooks.connect(h)
	vm.updateGlobalEventMask(prev, vm.globalHooks.Events())
	return h, nil
}

// RemoveEventHook logically removes a hook installed by any of the Add
// variants, global or targeted. The hook stops firing immediately; the
// physical unlink is deferred until its list is idle. Returns false when
// the hook was already removed.
func (vm *VM) RemoveEventHook(h *EventHook) bool {
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	return vm.removeHookLocked(h)
}

// removeHookLocked is the shared removal path. Caller holds vm.hookMu.
func (vm *VM) removeHookLocked(h *EventHook) bool {
	if h == nil || h.list == nil {
		return false
	}
	list := h.list
	ok := list.removeLogical(h)
	if ok && list.running.Load() == 0 && vm.ownsLockForCleanup() {
		vm.cleanHooks(list)
	}
	return ok
}

// ownsLockForCleanup reports whether the calling goroutine may physically
// rewrite hook chains: it must hold the execution lock, since dispatch
// walks chains lock-free under that same lock. Callers without it leave
// the cleanup to the next dispatch.
func (vm *VM) ownsLockForCleanup() bool {
	return vm.HasLock()
}

// ---------------------------------------------------------------------------
// Global mask republication
// ---------------------------------------------------------------------------

// updateGlobalEventMask republishes the VM-wide cached event mask after a
// global hook list change. Caller holds vm.hookMu.
//
// The first time any method-band event appears, the trace mask of every
// adopted method and block is rewritten. Newly enabled primitive-call
// events clear the primitive send caches; newly enabled method-call
// events clear the method send caches. Both of those, and first-time
// method-band events, also invalidate all quickened bytecode, since
// quickened sends bypass the bookkeeping the hooks rely on.
func (vm *VM) updateGlobalEventMask(prevEvents, newEvents EventFlag) {
	newMethodEvents := newEvents & methodTraceEvents
	everMethodEvents := vm.enabledEverFlags & methodTraceEvents
	firstTimeMethodEvents := newMethodEvents&^everMethodEvents != 0

	enableCCall := prevEvents&EventCCall == 0 && newEvents&EventCCall != 0
	enableCReturn := prevEvents&EventCReturn == 0 && newEvents&EventCReturn != 0
	enableCall := prevEvents&EventCall == 0 && newEvents&EventCall != 0
	enableReturn := prevEvents&EventReturn == 0 && newEvents&EventReturn != 0

	vm.eventFlags.Store(uint32(newEvents))
	vm.enabledEverFlags |= newEvents

	if firstTimeMethodEvents {
		vm.rewriteAllUnitMasks()
	} else if enableCCall || enableCReturn {
		vm.caches.clearPrimitiveSends()
	} else if enableCall || enableReturn {
		vm.caches.clearMethodSends()
	}

	if firstTimeMethodEvents || enableCCall || enableCReturn {
		vm.specializer.invalidateAllLocked()
	}
}

// rewriteAllUnitMasks refreshes the trace mask of every adopted method
// and its nested blocks. Caller holds vm.hookMu.
func (vm *VM) rewriteAllUnitMasks() {
	for m := range vm.allMethods {
		vm.refreshMethodMaskLocked(m)
	}
}

// refreshMethodMaskLocked recomputes a method's published trace mask and
// recurses into nested blocks. Caller holds vm.hookMu.
//
// The global part comes from the sticky ever-enabled flags, not the
// current ones. Masks only ever widen: a unit keeps reporting events
// whose hooks are gone, and dispatch filters on the live hook lists.
// That way a re-enable never has to rewrite every unit, and a method
// adopted while tracing was off still fires once it comes back.
func (vm *VM) refreshMethodMaskLocked(m *CompiledMethod) {
	globalPart := vm.enabledEverFlags & methodTraceEvents
	vm.refreshUnitTree(&m.unitTraceState, m.Blocks, globalPart)
}

// refreshUnitMaskLocked recomputes one unit's mask without recursion.
// Caller holds vm.hookMu.
func (vm *VM) refreshUnitMaskLocked(u *unitTraceState) {
	globalPart := vm.enabledEverFlags & methodTraceEvents
	local := u.localHookList()
	var localPart EventFlag
	if local != nil {
		localPart = local.Events() & methodTraceEvents
	}
	u.traceEvents.Store(uint32(globalPart | localPart))
}

func (vm *VM) refreshUnitTree(u *unitTraceState, blocks []*BlockMethod, globalPart EventFlag) {
	local := u.localHookList()
	var localPart EventFlag
	if local != nil {
		localPart = local.Events() & methodTraceEvents
	}
	u.traceEvents.Store(uint32(globalPart | localPart))
	for _, blk := range blocks {
		vm.refreshUnitTree(&blk.unitTraceState, blk.Blocks, globalPart)
	}
}

// GlobalEventMask returns the published union of global hook events.
func (vm *VM) GlobalEventMask() EventFlag {
	return EventFlag(vm.eventFlags.Load())
}

// EverEnabledEventMask returns the sticky union of every event mask that
// has ever been published.
func (vm *VM) EverEnabledEventMask() EventFlag {
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()
	return vm.enabledEverFlags
}

// ---------------------------------------------------------------------------
// Targeted (per-unit) hook attachment
// ---------------------------------------------------------------------------

// connectUnitHook attaches a hook to a unit's local list, creating the
// list on first use, and refreshes the unit's trace mask. Caller holds
// vm.hookMu.
func (vm *VM) connectUnitHook(u *unitTraceState, h *EventHook) {
	list := u.localHooks.Load()
	if list == nil {
		list = &HookList{isLocal: true, owner: u}
		u.localHooks.Store(list)
	}
	list.connect(h)
	vm.refreshUnitMaskLocked(u)
}

// ---------------------------------------------------------------------------
// Suppression
// ---------------------------------------------------------------------------

// dummySuppressEvent is installed as the live trace event to suppress
// tracing-band dispatch without being a real event.
var dummySuppressEvent = &TraceEvent{event: 0}

// SuppressTracing runs fn with tracing-band hooks suppressed on the
// current interpreter. Internal-band hooks still fire. Used by code that
// must not be observed, like hook bookkeeping itself.
func (vm *VM) SuppressTracing(fn func() Value) Value {
	interp := vm.currentInterpreter()
	if interp == nil {
		return fn()
	}
	prev := interp.traceEvent
	interp.traceEvent = dummySuppressEvent
	defer func() { interp.traceEvent = prev }()
	return fn()
}
