package vm

import (
	"encoding/binary"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Bytecode specialization
// ---------------------------------------------------------------------------

// specializeThreshold is the invocation count at which a method becomes
// a quickening candidate. A power of two: dispatch retries on every
// multiple, so a method refused once (say, while a targeted hook was
// attached) gets another chance after the hook is gone.
const specializeThreshold = 64

// specializer moves hot methods onto the quickened tier: a copy of the
// bytecode with every SEND rewritten into a SEND_CACHED driving an
// inline cache. The copy is published through the unit's quick pointer
// and dropped wholesale when instrumentation makes the shortcuts
// unsound.
type specializer struct {
	vm *VM

	quickenings atomic.Int64
	deopts      atomic.Int64
}

// SpecializerStats counts quickening activity.
type SpecializerStats struct {
	Quickenings int64
	Deopts      int64
}

func newSpecializer(vm *VM) *specializer {
	return &specializer{vm: vm}
}

// SpecializerStats returns cumulative quickening and de-opt counts.
func (vm *VM) SpecializerStats() SpecializerStats {
	return SpecializerStats{
		Quickenings: vm.specializer.quickenings.Load(),
		Deopts:      vm.specializer.deopts.Load(),
	}
}

// maybeSpecialize quickens a hot method unless instrumentation pins it
// to the canonical tier. Runs on the calling interpreter, so the
// execution lock is held.
func (s *specializer) maybeSpecialize(m *CompiledMethod) {
	// Unlocked prechecks, both rechecked under hookMu.
	if m.IsQuickened() || m.TraceMask() != 0 {
		return
	}

	vm := s.vm
	vm.hookMu.Lock()
	defer vm.hookMu.Unlock()

	if m.quick.Load() != nil {
		return
	}
	// A non-zero mask means method-band tracing has been live for this
	// unit, globally or targeted. Quickened sites skip per-send work
	// that instrumented dispatch relies on, so the method stays
	// canonical.
	if m.TraceMask() != 0 {
		return
	}

	quick, rewritten := s.quicken(m.Bytecode)
	if rewritten == 0 {
		return
	}
	m.quick.Store(&quick)
	s.quickenings.Add(1)
}

// quicken copies bc and rewrites every SEND into a SEND_CACHED with a
// freshly allocated cache slot. Every instruction keeps its length, so
// branch offsets, source maps, and the saved IPs of live frames stay
// valid across publication.
func (s *specializer) quicken(bc []byte) ([]byte, int) {
	out := make([]byte, len(bc))
	copy(out, bc)

	rewritten := 0
	for ip := 0; ip < len(out); {
		op := Opcode(out[ip])
		size := 1 + op.Info().OperandBytes
		if op == OpSend && ip+3 < len(out) {
			selector := binary.LittleEndian.Uint16(out[ip+1:])
			argc := out[ip+3]
			slot := s.vm.caches.alloc(uint32(selector), argc)
			if slot < 0 {
				// Cache table full; later sites stay plain sends.
				break
			}
			out[ip] = byte(OpSendCached)
			binary.LittleEndian.PutUint16(out[ip+1:], uint16(slot))
			rewritten++
		}
		ip += size
	}
	return out, rewritten
}

// invalidateAllLocked drops every quickened method back to canonical
// bytecode. Live frames pick the canonical copy up at their next
// instruction fetch; saved IPs stay valid because quickening preserves
// instruction lengths. Caller holds vm.hookMu.
func (s *specializer) invalidateAllLocked() {
	for m := range s.vm.allMethods {
		if m.quick.Swap(nil) != nil {
			s.deopts.Add(1)
		}
	}
}
