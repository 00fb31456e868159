package vm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Global execution lock
// ---------------------------------------------------------------------------

// Only one goroutine runs bytecode at a time. Primitives that block on
// the outside world release the lock around the blocking call and
// reacquire it afterwards, so other interpreters can run meanwhile.

// NoLockFlag adjusts how CallWithoutLock treats the blocking region.
type NoLockFlag uint32

// UnblockFunc breaks a blocking region function out of whatever it is
// waiting on. It may run on any goroutine.
type UnblockFunc func()

const (
	// NoLockInterruptFail fails fast instead of entering the region
	// when an interrupt is already pending.
	NoLockInterruptFail NoLockFlag = 1 << 0

	// NoLockUnblockAsyncSafe marks the unblock function as safe to
	// invoke from contexts that cannot take locks. It must not
	// allocate or block.
	NoLockUnblockAsyncSafe NoLockFlag = 1 << 1

	// NoLockOffloadSafe permits running the region function on a
	// different goroutine. The function must not depend on
	// goroutine-local state.
	NoLockOffloadSafe NoLockFlag = 1 << 2
)

var (
	// ErrInterrupted reports that a blocking region was refused or cut
	// short by a pending interrupt.
	ErrInterrupted = errors.New("vm: interrupted")

	errLockNotHeld     = errors.New("vm: global lock not held")
	errLockAlreadyHeld = errors.New("vm: goroutine already holds the global lock")
	errNotInRegion     = errors.New("vm: not inside a blocking region")
)

// execLock is a mutex that remembers its owner, so any goroutine can
// ask whether it is the one currently holding the lock.
type execLock struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine ID, 0 when free
}

func (l *execLock) acquire() {
	l.mu.Lock()
	l.owner.Store(getGoroutineID())
}

func (l *execLock) release() {
	l.owner.Store(0)
	l.mu.Unlock()
}

func (l *execLock) heldByCaller() bool {
	return l.owner.Load() == getGoroutineID()
}

// HasLock reports whether the calling goroutine holds the global
// execution lock.
func (vm *VM) HasLock() bool {
	return vm.lock.heldByCaller()
}

// ---------------------------------------------------------------------------
// Blocking regions
// ---------------------------------------------------------------------------

// blockingRegion records the unblock function registered for the span
// of one CallWithoutLock. Guarded by the interpreter's interruptMu; an
// async-safe unblock is additionally published through asyncUnblock so
// Interrupt can reach it without the mutex.
type blockingRegion struct {
	unblock   UnblockFunc
	asyncSafe bool
}

func (interp *Interpreter) enterRegion(r *blockingRegion) {
	interp.interruptMu.Lock()
	interp.region = r
	interp.interruptMu.Unlock()
	if r.asyncSafe && r.unblock != nil {
		interp.asyncUnblock.Store(&r.unblock)
	}
}

func (interp *Interpreter) leaveRegion() {
	interp.asyncUnblock.Store(nil)
	interp.interruptMu.Lock()
	interp.region = nil
	interp.interruptMu.Unlock()
}

func (interp *Interpreter) currentRegion() *blockingRegion {
	interp.interruptMu.Lock()
	r := interp.region
	interp.interruptMu.Unlock()
	return r
}

// CallWithoutLock releases the global lock, runs fn, and reacquires the
// lock before returning fn's result. unblock, if non-nil, is registered
// so that an Interrupt aimed at this interpreter can break fn out of a
// blocking call. fn must not touch VM state.
//
// With NoLockInterruptFail, a pending interrupt makes the call return
// ErrInterrupted without running fn. After the lock is reacquired any
// pending interrupts are serviced, so deferred jobs triggered while fn
// ran execute before this returns.
func (vm *VM) CallWithoutLock(fn func() any, unblock UnblockFunc, flags NoLockFlag) (any, error) {
	if !vm.HasLock() {
		return nil, errLockNotHeld
	}
	interp := vm.currentInterpreter()

	if flags&NoLockInterruptFail != 0 && interp.interruptPending() {
		return nil, ErrInterrupted
	}

	// Register the unblock before dropping the lock; there must be no
	// window where fn blocks with no way to wake it.
	interp.enterRegion(&blockingRegion{
		unblock:   unblock,
		asyncSafe: flags&NoLockUnblockAsyncSafe != 0,
	})
	vm.releaseLockFor(interp)

	var result any
	if flags&NoLockOffloadSafe != 0 {
		done := make(chan struct{})
		go func() {
			defer close(done)
			result = fn()
		}()
		<-done
	} else {
		result = fn()
	}

	vm.acquireLockFor(interp)
	interp.leaveRegion()

	return result, interp.checkInterrupts()
}

// CallWithLock reenters the VM from inside a blocking region: it
// reacquires the global lock, runs fn, and releases the lock again,
// restoring the region's unblock function. Calling it while holding
// the lock, or outside a region, is an error.
func (vm *VM) CallWithLock(fn func() any) (any, error) {
	if vm.HasLock() {
		return nil, errLockAlreadyHeld
	}
	interp := vm.currentInterpreter()
	r := interp.currentRegion()
	if r == nil {
		return nil, errNotInRegion
	}

	vm.acquireLockFor(interp)
	interp.leaveRegion()

	result := fn()

	interp.enterRegion(r)
	vm.releaseLockFor(interp)
	return result, nil
}

// ---------------------------------------------------------------------------
// Interrupts
// ---------------------------------------------------------------------------

// Interrupt flag bits.
const (
	interruptPending uint32 = 1 << 0 // explicit Interrupt request
	interruptJob     uint32 = 1 << 1 // deferred jobs awaiting flush
)

// Interrupt requests that the interpreter stop what it is doing at the
// next safe point. If it is inside a blocking region its unblock
// function is invoked so a blocking call returns early. Safe to call
// from any goroutine.
func (interp *Interpreter) Interrupt() {
	if interp == nil {
		return
	}
	interp.setInterrupt(interruptPending)

	// Async-safe unblocks are reachable without the region lock.
	if p := interp.asyncUnblock.Load(); p != nil {
		(*p)()
		return
	}
	interp.interruptMu.Lock()
	r := interp.region
	interp.interruptMu.Unlock()
	if r != nil && r.unblock != nil {
		r.unblock()
	}
}

func (interp *Interpreter) setInterrupt(bits uint32) {
	interp.interruptFlag.Or(bits)
}

func (interp *Interpreter) clearInterrupt(bits uint32) {
	interp.interruptFlag.And(^bits)
}

func (interp *Interpreter) interruptPending() bool {
	return interp.interruptFlag.Load()&^interp.interruptMask.Load() != 0
}

// checkInterrupts services whatever the interrupt flag has accumulated:
// deferred jobs are flushed, and an explicit interrupt request turns
// into ErrInterrupted. Runs at safe points with the global lock held.
func (interp *Interpreter) checkInterrupts() error {
	flags := interp.interruptFlag.Load() &^ interp.interruptMask.Load()
	if flags == 0 {
		return nil
	}
	if flags&interruptJob != 0 {
		interp.clearInterrupt(interruptJob)
		interp.vm.postponed.flush(interp)
	}
	if flags&interruptPending != 0 {
		interp.clearInterrupt(interruptPending)
		return ErrInterrupted
	}
	return nil
}
