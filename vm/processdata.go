package vm

import "errors"

// ---------------------------------------------------------------------------
// Process-keyed storage
// ---------------------------------------------------------------------------

// Tooling built on the hook API needs somewhere to stash per-process
// state without the VM knowing its shape. Keys are allocated once per
// tool; the table is a fixed array on each interpreter, so lookups are
// an index, not a map.

// maxProcessDataKeys bounds keys per VM.
const maxProcessDataKeys = 8

// ProcessDataKey indexes per-interpreter storage.
type ProcessDataKey int32

// ErrNoProcessDataKeys reports key exhaustion.
var ErrNoProcessDataKeys = errors.New("vm: no more process data keys available")

// NewProcessDataKey allocates a storage key. At most 8 keys exist per
// VM; allocation never blocks and keys are never returned.
func (vm *VM) NewProcessDataKey() (ProcessDataKey, error) {
	k := vm.nextProcessDataKey.Add(1) - 1
	if k >= maxProcessDataKeys {
		return -1, ErrNoProcessDataKeys
	}
	return ProcessDataKey(k), nil
}

// ProcessData returns the value stored under k for this interpreter, or
// nil.
func (i *Interpreter) ProcessData(k ProcessDataKey) any {
	if k < 0 || k >= maxProcessDataKeys {
		return nil
	}
	return i.processData[k]
}

// SetProcessData stores v under k for this interpreter.
func (i *Interpreter) SetProcessData(k ProcessDataKey, v any) {
	if k < 0 || k >= maxProcessDataKeys {
		return
	}
	i.processData[k] = v
}
