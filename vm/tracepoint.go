package vm

import "errors"

// ---------------------------------------------------------------------------
// TracePoint: managed tracer lifecycle over the hook registry
// ---------------------------------------------------------------------------

// TracePoint bundles an event mask and a callback with enable/disable
// state. A tracepoint is either global (one raw hook on the global list,
// optionally filtered to one interpreter) or targeted (raw hooks on the
// local lists of one code unit and every block nested under it).
// Enabling and disabling are idempotent and return the prior state.
type TracePoint struct {
	vm     *VM
	events EventFlag
	fn     func(*TraceEvent)

	// Guarded by vm.hookMu.
	tracing        bool
	hook           *EventHook   // global mode
	targetInterp   *Interpreter // global mode filter, nil matches any
	targetHooks    []*EventHook // targeted mode
	localTargetSet map[*unitTraceState]bool
}

var (
	errTracePointNested    = errors.New("vm: tracepoint already enabled")
	errTracePointNoTargets = errors.New("vm: can not enable any hooks")
	errTracePointNeedsLine = errors.New("vm: target_line is specified, but line event is not included")
	errTracePointBadTarget = errors.New("vm: unsupported tracepoint target")
	errTracePointFiltered  = errors.New("vm: can not override interpreter filter")
	errNoTraceEventActive  = errors.New("vm: no trace event is active")
)

// NewTracePoint creates a disabled tracepoint for the events in mask.
func (vm *VM) NewTracePoint(events EventFlag, fn func(*TraceEvent)) *TracePoint {
	return &TracePoint{vm: vm, events: events, fn: fn}
}

// Events returns the tracepoint's event mask.
func (tp *TracePoint) Events() EventFlag { return tp.events }

// Enabled reports whether the tracepoint is currently installed.
func (tp *TracePoint) Enabled() bool {
	tp.vm.hookMu.Lock()
	defer tp.vm.hookMu.Unlock()
	return tp.tracing
}

func (tp *TracePoint) newHook(targetLine int, filter *Interpreter) *EventHook {
	h := &EventHook{
		events:     tp.events,
		rawFn:      func(te *TraceEvent, _ Value) { tp.fn(te) },
		data:       Nil,
		filter:     filter,
		targetLine: targetLine,
	}
	h.flags.Store(hookFlagRawArg)
	return h
}

// Enable installs the tracepoint on the global hook list and returns the
// prior state. Enabling an enabled tracepoint is a no-op returning true.
func (tp *TracePoint) Enable() (bool, error) {
	return tp.enableGlobal(nil)
}

// EnableForInterpreter installs the tracepoint on the global hook list
// with a per-interpreter filter: it fires only for events raised on
// interp. An enabled tracepoint cannot switch filters; disable first.
func (tp *TracePoint) EnableForInterpreter(interp *Interpreter) (bool, error) {
	return tp.enableGlobal(interp)
}

func (tp *TracePoint) enableGlobal(filter *Interpreter) (bool, error) {
	if err := checkHookMask(tp.events); err != nil {
		return false, err
	}
	vm := tp.vm
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()

	if tp.tracing {
		if tp.localTargetSet != nil {
			return true, errTracePointNested
		}
		if tp.targetInterp != filter {
			return true, errTracePointFiltered
		}
		return true, nil
	}
	h := tp.newHook(0, filter)
	prev := vm.globalHooks.Events()
	vm.globalHooks.connect(h)
	vm.updateGlobalEventMask(prev, vm.globalHooks.Events())
	tp.hook = h
	tp.targetInterp = filter
	tp.tracing = true
	return false, nil
}

// EnableForTarget installs the tracepoint on one code unit and,
// recursively, every block nested under it, without touching the global
// mask. The target is a *CompiledMethod, a *BlockMethod, or a block
// Value. A non-zero targetLine restricts line events to that source
// line and requires EventLine in the mask.
func (tp *TracePoint) EnableForTarget(target any, targetLine int) error {
	vm := tp.vm
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()

	if err := checkHookMask(tp.events); err != nil {
		return err
	}
	if tp.tracing {
		return errTracePointNested
	}
	if targetLine > 0 && tp.events&EventLine == 0 {
		return errTracePointNeedsLine
	}
	// Only the per-unit band can fire from a local list. A mask outside
	// it would install hooks that can never run.
	if tp.events&methodTraceEvents == 0 {
		return errTracePointNoTargets
	}

	tp.localTargetSet = make(map[*unitTraceState]bool)
	n := 0
	attach := func(u *unitTraceState) {
		if tp.localTargetSet[u] {
			return
		}
		h := tp.newHook(targetLine, nil)
		vm.connectUnitHook(u, h)
		tp.targetHooks = append(tp.targetHooks, h)
		tp.localTargetSet[u] = true
		n++
	}

	var attachBlocks func(blocks []*BlockMethod)
	attachBlocks = func(blocks []*BlockMethod) {
		for _, blk := range blocks {
			attach(&blk.unitTraceState)
			attachBlocks(blk.Blocks)
		}
	}

	switch t := target.(type) {
	case *CompiledMethod:
		vm.adoptMethod(t)
		attach(&t.unitTraceState)
		attachBlocks(t.Blocks)
	case *BlockMethod:
		attach(&t.unitTraceState)
		attachBlocks(t.Blocks)
	case Value:
		closure := vm.blockClosure(t)
		if closure == nil {
			tp.resetTargetsLocked()
			return errTracePointBadTarget
		}
		attach(&closure.method.unitTraceState)
		attachBlocks(closure.method.Blocks)
	default:
		tp.resetTargetsLocked()
		return errTracePointBadTarget
	}

	if n == 0 {
		tp.resetTargetsLocked()
		return errTracePointNoTargets
	}

	// Quickened sends may bypass the bookkeeping targeted hooks rely on.
	vm.specializer.invalidateAllLocked()

	tp.tracing = true
	return nil
}

func (tp *TracePoint) resetTargetsLocked() {
	tp.targetHooks = nil
	tp.localTargetSet = nil
}

// Disable removes the tracepoint and returns the prior state. Targeted
// tracepoints walk their recorded target set, remove each per-unit hook,
// and restore each unit's trace mask. Disabling a disabled tracepoint is
// a no-op returning false.
func (tp *TracePoint) Disable() (bool, error) {
	vm := tp.vm
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()

	if !tp.tracing {
		return false, nil
	}

	if tp.localTargetSet != nil {
		for _, h := range tp.targetHooks {
			vm.removeHookLocked(h)
		}
		tp.resetTargetsLocked()
	} else {
		vm.removeHookLocked(tp.hook)
		tp.hook = nil
		tp.targetInterp = nil
	}
	tp.tracing = false
	return true, nil
}

// EnableDuring enables the tracepoint for the duration of fn, then
// restores the prior state, panic or not.
func (tp *TracePoint) EnableDuring(fn func()) error {
	prev, err := tp.Enable()
	if err != nil {
		return err
	}
	defer func() {
		if !prev {
			tp.Disable()
		}
	}()
	fn()
	return nil
}

// DisableDuring disables the tracepoint for the duration of fn, then
// restores the prior state, panic or not.
func (tp *TracePoint) DisableDuring(fn func()) error {
	prev, err := tp.Disable()
	if err != nil {
		return err
	}
	defer func() {
		if prev {
			tp.Enable()
		}
	}()
	fn()
	return nil
}

// ---------------------------------------------------------------------------
// Reentry
// ---------------------------------------------------------------------------

// AllowReentry clears the current interpreter's live trace event for the
// dynamic extent of fn, letting instrumentation fire again from inside a
// hook. Errors outside a hook.
func (vm *VM) AllowReentry(fn func()) error {
	interp := vm.currentInterpreter()
	if interp == nil || interp.traceEvent == nil {
		return errNoTraceEventActive
	}
	prev := interp.traceEvent
	interp.traceEvent = nil
	defer func() { interp.traceEvent = prev }()
	fn()
	return nil
}
