package vm

import "sync"

// ---------------------------------------------------------------------------
// Process lifecycle events
// ---------------------------------------------------------------------------

// Process events sit outside the hook registry: they fire on scheduling
// transitions, including while the global lock is NOT held, so their
// callbacks must not touch VM state. They exist for profilers measuring
// lock contention and scheduling latency.

// ProcessEventFlag selects process lifecycle transitions.
type ProcessEventFlag uint32

const (
	// ProcessEventStarted fires when a process is forked, before its
	// goroutine runs.
	ProcessEventStarted ProcessEventFlag = 1 << iota
	// ProcessEventReady fires when an interpreter starts waiting for
	// the global lock.
	ProcessEventReady
	// ProcessEventResumed fires when an interpreter acquires the lock.
	ProcessEventResumed
	// ProcessEventSuspended fires when an interpreter releases the
	// lock, including around blocking regions.
	ProcessEventSuspended
	// ProcessEventExited fires when a process's goroutine finishes.
	ProcessEventExited
)

// ProcessEventAll selects every lifecycle transition.
const ProcessEventAll = ProcessEventStarted | ProcessEventReady |
	ProcessEventResumed | ProcessEventSuspended | ProcessEventExited

var processEventNames = map[ProcessEventFlag]string{
	ProcessEventStarted:   "started",
	ProcessEventReady:     "ready",
	ProcessEventResumed:   "resumed",
	ProcessEventSuspended: "suspended",
	ProcessEventExited:    "exited",
}

// Name returns the lifecycle transition's name.
func (f ProcessEventFlag) Name() string {
	if n, ok := processEventNames[f]; ok {
		return n
	}
	return "unknown"
}

// ProcessEventData describes one lifecycle transition.
type ProcessEventData struct {
	Event     ProcessEventFlag
	ProcessID int64
	Interp    *Interpreter
}

// ProcessEventFunc observes lifecycle transitions. It may run
// concurrently with VM execution and must not call back into the VM.
type ProcessEventFunc func(ev ProcessEventData, userData any)

// ProcessEventHook is a registered lifecycle listener.
type ProcessEventHook struct {
	events   ProcessEventFlag
	fn       ProcessEventFunc
	userData any
}

type processHookList struct {
	mu    sync.RWMutex
	hooks []*ProcessEventHook
}

// AddProcessEventHook registers fn for the transitions in events. The
// returned handle removes it.
func (vm *VM) AddProcessEventHook(fn ProcessEventFunc, events ProcessEventFlag, userData any) *ProcessEventHook {
	h := &ProcessEventHook{events: events, fn: fn, userData: userData}
	vm.processHooks.mu.Lock()
	vm.processHooks.hooks = append(vm.processHooks.hooks, h)
	vm.processHooks.mu.Unlock()
	return h
}

// RemoveProcessEventHook unregisters a lifecycle listener. Reports
// whether the handle was registered.
func (vm *VM) RemoveProcessEventHook(h *ProcessEventHook) bool {
	vm.processHooks.mu.Lock()
	defer vm.processHooks.mu.Unlock()
	for i, reg := range vm.processHooks.hooks {
		if reg == h {
			vm.processHooks.hooks = append(vm.processHooks.hooks[:i], vm.processHooks.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// fireProcessEvent notifies listeners in registration order. Safe to
// call with or without the global lock.
func (vm *VM) fireProcessEvent(ev ProcessEventFlag, interp *Interpreter) {
	vm.processHooks.mu.RLock()
	hooks := vm.processHooks.hooks
	vm.processHooks.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	data := ProcessEventData{Event: ev, Interp: interp}
	if interp != nil {
		data.ProcessID = interp.id
	}
	for _, h := range hooks {
		if h.events&ev != 0 {
			h.fn(data, h.userData)
		}
	}
}
