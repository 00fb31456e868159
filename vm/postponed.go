package vm

import (
	"math/bits"
	"reflect"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Deferred dispatch: postponed jobs and the workqueue
// ---------------------------------------------------------------------------

// Two producer paths feed one consumer. The preregistered table and its
// triggered bitset are lock-free and allocation-free on the trigger
// path, so triggering is safe from contexts that can take no locks
// (profiling timers, foreign goroutines). The workqueue takes a small
// mutex and allocates, so it is for ordinary goroutines only. Both are
// drained by flush, which runs on the interpreter holding the global
// lock at a safe point.

// JobFunc is a deferred job body. It runs with the global lock held.
type JobFunc func(data any)

// JobHandle names a preregistered job slot.
type JobHandle int32

// InvalidJobHandle is returned when the preregistration table is full.
const InvalidJobHandle JobHandle = -1

const jobTableSize = 32

// preregJob occupies one table slot. The slot, once claimed, belongs to
// its function for the life of the process; only data is overwritten by
// later registrations of the same function.
type preregJob struct {
	code uintptr // fn's code pointer, identifies re-registrations
	fn   JobFunc
	data atomic.Pointer[any]
}

type queuedJob struct {
	fn   JobFunc
	data any
}

// PostponedJobStats counts deferred-dispatch traffic.
type PostponedJobStats struct {
	Preregistered int64
	Triggered     int64
	Enqueued      int64
	Executed      int64
}

type jobQueue struct {
	table     [jobTableSize]atomic.Pointer[preregJob]
	triggered atomic.Uint32

	wqMu sync.Mutex
	wq   []queuedJob

	statPrereg  atomic.Int64
	statTrigger atomic.Int64
	statEnqueue atomic.Int64
	statExec    atomic.Int64
}

// postJobInterrupt flags the main interpreter so its next safe point
// flushes. Lock-free and allocation-free.
func (vm *VM) postJobInterrupt() {
	if interp := vm.interpreter; interp != nil {
		interp.setInterrupt(interruptJob)
	}
}

// PreregisterJob claims a table slot for fn and returns its handle.
// Registering the same function again returns the same handle with the
// slot's data replaced by the new data. Closures created from the same
// function literal share a code pointer and therefore share a slot.
// Returns InvalidJobHandle when all slots hold other functions.
func (vm *VM) PreregisterJob(fn JobFunc, data any) JobHandle {
	if fn == nil {
		return InvalidJobHandle
	}
	q := &vm.postponed
	code := reflect.ValueOf(fn).Pointer()
	for i := range q.table {
		slot := &q.table[i]
		j := slot.Load()
		if j == nil {
			nj := &preregJob{code: code, fn: fn}
			nj.data.Store(&data)
			if slot.CompareAndSwap(nil, nj) {
				q.statPrereg.Add(1)
				return JobHandle(i)
			}
			// Lost the race; see what won the slot.
			j = slot.Load()
		}
		if j != nil && j.code == code {
			j.data.Store(&data)
			return JobHandle(i)
		}
	}
	return InvalidJobHandle
}

// TriggerJob marks a preregistered job to run at the next safe point.
// One atomic OR plus the interrupt flag; safe from any context,
// including ones that may not lock or allocate. Triggering an
// already-triggered job coalesces into a single run. Reports whether
// the handle named a registered slot.
func (vm *VM) TriggerJob(h JobHandle) bool {
	q := &vm.postponed
	if h < 0 || h >= jobTableSize || q.table[h].Load() == nil {
		return false
	}
	q.triggered.Or(uint32(1) << uint(h))
	q.statTrigger.Add(1)
	vm.postJobInterrupt()
	return true
}

// EnqueueJob appends a one-shot job to the workqueue. Takes the
// workqueue mutex and allocates, so it is not for signal-like contexts.
func (vm *VM) EnqueueJob(fn JobFunc, data any) bool {
	if fn == nil {
		return false
	}
	q := &vm.postponed
	q.wqMu.Lock()
	q.wq = append(q.wq, queuedJob{fn: fn, data: data})
	q.wqMu.Unlock()
	q.statEnqueue.Add(1)
	vm.postJobInterrupt()
	return true
}

// PostponedJobStats returns a snapshot of the deferred-dispatch
// counters.
func (vm *VM) PostponedJobStats() PostponedJobStats {
	q := &vm.postponed
	return PostponedJobStats{
		Preregistered: q.statPrereg.Load(),
		Triggered:     q.statTrigger.Load(),
		Enqueued:      q.statEnqueue.Load(),
		Executed:      q.statExec.Load(),
	}
}

// FlushPostponedJobs drains both producer paths now instead of waiting
// for the next safe point. The caller must hold the global lock.
func (vm *VM) FlushPostponedJobs() {
	vm.postponed.flush(vm.currentInterpreter())
}

// flush captures the triggered bitset and the whole workqueue, then
// runs triggered slots from the highest bit down followed by workqueue
// jobs in FIFO order. Recursive flushing is masked and the pending
// error is parked while jobs run. A panicking job forfeits only its own
// run: bits and nodes not yet reached are merged back onto the live
// queues, the interrupt is re-raised so a later flush retries them, and
// the panic propagates.
func (q *jobQueue) flush(interp *Interpreter) {
	savedMask := interp.interruptMask.Load() & interruptJob
	interp.interruptMask.Or(interruptJob)
	savedErr := interp.pendingError
	interp.pendingError = Nil

	q.wqMu.Lock()
	pending := q.wq
	q.wq = nil
	q.wqMu.Unlock()
	remaining := q.triggered.Swap(0)

	defer func() {
		if savedMask == 0 {
			interp.interruptMask.And(^interruptJob)
		}
		interp.pendingError = savedErr

		if remaining != 0 {
			q.triggered.Or(remaining)
		}
		if len(pending) != 0 {
			q.wqMu.Lock()
			q.wq = append(pending, q.wq...)
			q.wqMu.Unlock()
		}
		if remaining != 0 || len(pending) != 0 {
			interp.setInterrupt(interruptJob)
		}
	}()

	for remaining != 0 {
		i := uint(bits.Len32(remaining)) - 1
		remaining &^= uint32(1) << i
		j := q.table[i].Load()
		var data any
		if p := j.data.Load(); p != nil {
			data = *p
		}
		q.statExec.Add(1)
		j.fn(data)
	}

	for len(pending) != 0 {
		j := pending[0]
		pending = pending[1:]
		q.statExec.Add(1)
		j.fn(j.data)
	}
	pending = nil
}
