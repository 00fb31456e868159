package vm

import (
	"errors"
	"testing"
)

func TestTracePointEnableDisable(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	count := 0
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) { count++ })

	if tp.Enabled() {
		t.Error("fresh tracepoint should be disabled")
	}
	prev, err := tp.Enable()
	if err != nil || prev {
		t.Fatalf("Enable() = %v, %v, want false, nil", prev, err)
	}
	if !tp.Enabled() {
		t.Error("Enabled() should be true after Enable")
	}

	machine.MainInterpreter().Execute(m, rcvr, nil)
	if count != 1 {
		t.Fatalf("callback ran %d times, want 1", count)
	}

	prev, err = tp.Disable()
	if err != nil || !prev {
		t.Fatalf("Disable() = %v, %v, want true, nil", prev, err)
	}
	machine.MainInterpreter().Execute(m, rcvr, nil)
	if count != 1 {
		t.Error("disabled tracepoint should not fire")
	}
}

func TestTracePointEnableIdempotent(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})

	if prev, err := tp.Enable(); prev || err != nil {
		t.Fatalf("first Enable() = %v, %v", prev, err)
	}
	if prev, err := tp.Enable(); !prev || err != nil {
		t.Errorf("second Enable() = %v, %v, want true, nil", prev, err)
	}
	if prev, err := tp.Disable(); !prev || err != nil {
		t.Errorf("Disable() = %v, %v, want true, nil", prev, err)
	}
	if prev, err := tp.Disable(); prev || err != nil {
		t.Errorf("second Disable() = %v, %v, want false, nil", prev, err)
	}
}

func TestTracePointBandMixRejected(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall|EventNewObject, func(te *TraceEvent) {})
	if _, err := tp.Enable(); !errors.Is(err, errEventBandMix) {
		t.Errorf("Enable() err = %v, want band-mix rejection", err)
	}
	if tp.Enabled() {
		t.Error("a rejected enable must leave the tracepoint disabled")
	}
}

func TestTracePointEventSequence(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	var got []EventFlag
	tp := machine.NewTracePoint(EventCall|EventReturn, func(te *TraceEvent) {
		got = append(got, te.Event())
	})
	tp.Enable()

	machine.MainInterpreter().Execute(m, rcvr, nil)

	want := []EventFlag{EventCall, EventReturn}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTracePointLineEvents(t *testing.T) {
	machine := NewVM()
	c := machine.DefineClass("Stepper", machine.ObjectClass, 0)
	b := NewCompiledMethodBuilder("walk", 0)
	b.MarkLine(10)
	b.Bytecode().Emit(OpPushNil)
	b.Bytecode().Emit(OpPop)
	b.MarkLine(11)
	b.Bytecode().Emit(OpPushTrue)
	b.Bytecode().Emit(OpPop)
	b.MarkLine(12)
	b.Bytecode().Emit(OpPushNil)
	b.Bytecode().Emit(OpReturnTop)
	m := b.Build()
	machine.InstallMethod(c, "walk", m)
	rcvr := machine.AllocateObject(c)

	var lines []int
	tp := machine.NewTracePoint(EventLine, func(te *TraceEvent) {
		lines = append(lines, te.Line())
	})
	tp.Enable()

	machine.MainInterpreter().Execute(m, rcvr, nil)

	want := []int{10, 11, 12}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %d, want %d", i, lines[i], want[i])
		}
	}
}

func TestTracePointTargeted(t *testing.T) {
	machine := NewVM()
	cls := machine.DefineClass("Pair2", machine.ObjectClass, 0)

	traced := NewCompiledMethodBuilder("traced", 0)
	traced.Bytecode().EmitInt8(OpPushInt8, 1)
	traced.Bytecode().Emit(OpReturnTop)
	tm := traced.Build()
	machine.InstallMethod(cls, "traced", tm)

	other := NewCompiledMethodBuilder("other", 0)
	other.Bytecode().EmitInt8(OpPushInt8, 2)
	other.Bytecode().Emit(OpReturnTop)
	om := other.Build()
	machine.InstallMethod(cls, "other", om)

	count := 0
	tp := machine.NewTracePoint(EventCall|EventReturn, func(te *TraceEvent) { count++ })
	if err := tp.EnableForTarget(tm, 0); err != nil {
		t.Fatal(err)
	}

	if machine.GlobalEventMask() != 0 {
		t.Error("targeted enable must not touch the global mask")
	}

	rcvr := machine.AllocateObject(cls)
	machine.MainInterpreter().Execute(tm, rcvr, nil)
	machine.MainInterpreter().Execute(om, rcvr, nil)

	if count != 2 {
		t.Errorf("targeted callback ran %d times, want 2 (call+return of the target only)", count)
	}

	if tm.TraceMask()&EventCall == 0 {
		t.Error("target unit should advertise the call event while enabled")
	}
	if prev, err := tp.Disable(); !prev || err != nil {
		t.Fatalf("Disable() = %v, %v", prev, err)
	}
	machine.MainInterpreter().Execute(tm, rcvr, nil)
	if count != 2 {
		t.Error("disabled targeted tracepoint should not fire")
	}
	// That run walked the stale local list and cleaned it up.
	if tm.TraceMask() != 0 {
		t.Errorf("target mask = %#x after disable, want 0", uint32(tm.TraceMask()))
	}
}

func TestTracePointTargetedCoversNestedBlocks(t *testing.T) {
	machine := NewVM()

	inner := NewBlockMethodBuilder(0)
	inner.Bytecode().EmitInt8(OpPushInt8, 9)
	inner.Bytecode().Emit(OpReturnTop)

	outer := NewBlockMethodBuilder(0)
	ii := outer.AddBlock(inner.Build())
	outer.Bytecode().EmitCreateBlock(uint16(ii), 0)
	outer.Bytecode().Emit(OpSendValue)
	outer.Bytecode().Emit(OpReturnTop)

	b := NewCompiledMethodBuilder("nest", 0)
	oi := b.AddBlock(outer.Build())
	b.Bytecode().EmitCreateBlock(uint16(oi), 0)
	b.Bytecode().Emit(OpSendValue)
	b.Bytecode().Emit(OpReturnTop)
	m := b.Build()

	var events []EventFlag
	tp := machine.NewTracePoint(EventBCall, func(te *TraceEvent) {
		events = append(events, te.Event())
	})
	if err := tp.EnableForTarget(m, 0); err != nil {
		t.Fatal(err)
	}

	machine.MainInterpreter().Execute(m, Nil, nil)

	// Both block activations are under the targeted method's tree.
	if len(events) != 2 {
		t.Errorf("b_call fired %d times, want 2", len(events))
	}
}

func TestTracePointTargetedBlockValue(t *testing.T) {
	machine := NewVM()

	// The closure dies with its home frame, so targeting happens inside
	// a primitive while the creating method is still on the stack.
	count := 0
	c := machine.DefineClass("BlockHost", machine.ObjectClass, 0)
	machine.InstallPrimitive(c, "probe:", 1, func(in *Interpreter, rcvr Value, args []Value) Value {
		tp := machine.NewTracePoint(EventBCall|EventBReturn, func(te *TraceEvent) { count++ })
		if err := tp.EnableForTarget(args[0], 0); err != nil {
			t.Errorf("EnableForTarget(block value) = %v", err)
			return Nil
		}
		defer tp.Disable()
		return in.callBlock(args[0], nil)
	})

	// Method: drive  ^self probe: [3]
	blk := NewBlockMethodBuilder(0)
	blk.Bytecode().EmitInt8(OpPushInt8, 3)
	blk.Bytecode().Emit(OpReturnTop)

	sel := machine.Symbols().Intern("probe:")
	b := NewCompiledMethodBuilder("drive", 0)
	bi := b.AddBlock(blk.Build())
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitCreateBlock(uint16(bi), 0)
	b.Bytecode().EmitSend(uint16(sel), 1)
	b.Bytecode().Emit(OpReturnTop)
	machine.InstallMethod(c, "drive", b.Build())

	host := machine.AllocateObject(c)
	result := machine.Send(host, "drive", nil)

	if result != FromSmallInt(3) {
		t.Errorf("result = %v, want 3", result)
	}
	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}

func TestTracePointTargetLine(t *testing.T) {
	machine := NewVM()
	c := machine.DefineClass("Liner", machine.ObjectClass, 0)
	b := NewCompiledMethodBuilder("walk", 0)
	b.MarkLine(5)
	b.Bytecode().Emit(OpPushNil)
	b.Bytecode().Emit(OpPop)
	b.MarkLine(6)
	b.Bytecode().Emit(OpPushNil)
	b.Bytecode().Emit(OpPop)
	b.MarkLine(7)
	b.Bytecode().Emit(OpPushNil)
	b.Bytecode().Emit(OpReturnTop)
	m := b.Build()
	machine.InstallMethod(c, "walk", m)
	rcvr := machine.AllocateObject(c)

	var lines []int
	tp := machine.NewTracePoint(EventLine, func(te *TraceEvent) {
		lines = append(lines, te.Line())
	})
	if err := tp.EnableForTarget(m, 6); err != nil {
		t.Fatal(err)
	}

	machine.MainInterpreter().Execute(m, rcvr, nil)

	if len(lines) != 1 || lines[0] != 6 {
		t.Errorf("lines = %v, want [6]", lines)
	}
}

func TestTracePointTargetLineRequiresLineEvent(t *testing.T) {
	machine := NewVM()
	_, m := callProbe(machine)

	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})
	err := tp.EnableForTarget(m, 12)
	if !errors.Is(err, errTracePointNeedsLine) {
		t.Errorf("err = %v, want needs-line rejection", err)
	}
	if tp.Enabled() {
		t.Error("failed targeted enable must leave the tracepoint disabled")
	}
}

func TestTracePointTargetedOutOfBandMask(t *testing.T) {
	machine := NewVM()
	_, m := callProbe(machine)

	// c_call never fires from a per-unit list.
	tp := machine.NewTracePoint(EventCCall, func(te *TraceEvent) {})
	if err := tp.EnableForTarget(m, 0); !errors.Is(err, errTracePointNoTargets) {
		t.Errorf("err = %v, want no-targets rejection", err)
	}
}

func TestTracePointBadTarget(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})

	if err := tp.EnableForTarget("not a unit", 0); !errors.Is(err, errTracePointBadTarget) {
		t.Errorf("string target err = %v", err)
	}
	if err := tp.EnableForTarget(FromSmallInt(3), 0); !errors.Is(err, errTracePointBadTarget) {
		t.Errorf("non-block value err = %v", err)
	}
	if tp.Enabled() {
		t.Error("failed enables must not leave state behind")
	}
}

func TestTracePointTargetedThenGlobalNests(t *testing.T) {
	machine := NewVM()
	_, m := callProbe(machine)

	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})
	if err := tp.EnableForTarget(m, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := tp.Enable(); !errors.Is(err, errTracePointNested) {
		t.Errorf("Enable() on a targeted tracepoint = %v, want nested rejection", err)
	}
	if err := tp.EnableForTarget(m, 0); !errors.Is(err, errTracePointNested) {
		t.Errorf("re-target err = %v, want nested rejection", err)
	}
}

func TestTracePointFilterOverride(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})

	if _, err := tp.EnableForInterpreter(machine.MainInterpreter()); err != nil {
		t.Fatal(err)
	}
	// Same filter again is the idempotent path.
	if prev, err := tp.EnableForInterpreter(machine.MainInterpreter()); !prev || err != nil {
		t.Errorf("same-filter re-enable = %v, %v", prev, err)
	}
	// Widening to unfiltered, or switching interpreters, is not.
	if _, err := tp.Enable(); !errors.Is(err, errTracePointFiltered) {
		t.Errorf("unfiltered re-enable err = %v, want filter rejection", err)
	}

	// Disable clears the filter so a plain enable works afterwards.
	tp.Disable()
	if _, err := tp.Enable(); err != nil {
		t.Errorf("Enable() after Disable = %v", err)
	}
	tp.Disable()
}

func TestTracePointEnableForInterpreter(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	p := machine.Fork(m, rcvr, nil) // warm: adopts before the tracepoint
	p.Join()

	var seen []*Interpreter
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {
		seen = append(seen, te.Interpreter())
	})
	if _, err := tp.EnableForInterpreter(machine.MainInterpreter()); err != nil {
		t.Fatal(err)
	}

	machine.MainInterpreter().Execute(m, rcvr, nil)
	p2 := machine.Fork(m, rcvr, nil)
	if _, err := p2.Join(); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0] != machine.MainInterpreter() {
		t.Errorf("filtered tracepoint saw %d interpreters, want only main once", len(seen))
	}
}

func TestTracePointEnableDuring(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	count := 0
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) { count++ })

	err := tp.EnableDuring(func() {
		machine.MainInterpreter().Execute(m, rcvr, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("callback ran %d times inside EnableDuring, want 1", count)
	}
	if tp.Enabled() {
		t.Error("EnableDuring should restore the disabled state")
	}

	machine.MainInterpreter().Execute(m, rcvr, nil)
	if count != 1 {
		t.Error("tracepoint leaked past EnableDuring")
	}
}

func TestTracePointEnableDuringRestoresOnPanic(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})

	func() {
		defer func() { recover() }()
		tp.EnableDuring(func() { panic("boom") })
	}()

	if tp.Enabled() {
		t.Error("EnableDuring must disable on the panic path")
	}
}

func TestTracePointEnableDuringKeepsEnabled(t *testing.T) {
	machine := NewVM()
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) {})
	tp.Enable()

	if err := tp.EnableDuring(func() {}); err != nil {
		t.Fatal(err)
	}
	if !tp.Enabled() {
		t.Error("EnableDuring on an enabled tracepoint should leave it enabled")
	}
}

func TestTracePointDisableDuring(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	count := 0
	tp := machine.NewTracePoint(EventCall, func(te *TraceEvent) { count++ })
	tp.Enable()

	err := tp.DisableDuring(func() {
		machine.MainInterpreter().Execute(m, rcvr, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("callback ran %d times inside DisableDuring, want 0", count)
	}
	if !tp.Enabled() {
		t.Error("DisableDuring should restore the enabled state")
	}

	machine.MainInterpreter().Execute(m, rcvr, nil)
	if count != 1 {
		t.Error("tracepoint should fire again after DisableDuring")
	}
}

func TestAllowReentry(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	inner := 0
	var outerTP, innerTP *TracePoint
	innerTP = machine.NewTracePoint(EventCCall, func(te *TraceEvent) { inner++ })
	innerTP.Enable()

	outerTP = machine.NewTracePoint(EventCall, func(te *TraceEvent) {
		// Suppressed by default...
		machine.Send(FromSmallInt(-1), "abs", nil)
		// ...but reentry opens the gate for the dynamic extent.
		if err := machine.AllowReentry(func() {
			machine.Send(FromSmallInt(-2), "abs", nil)
		}); err != nil {
			t.Errorf("AllowReentry() = %v", err)
		}
	})
	outerTP.Enable()

	machine.MainInterpreter().Execute(m, rcvr, nil)

	if inner != 1 {
		t.Errorf("inner c_call fired %d times, want 1 (reentrant send only)", inner)
	}
}

func TestAllowReentryOutsideHook(t *testing.T) {
	machine := NewVM()
	err := machine.AllowReentry(func() {})
	if !errors.Is(err, errNoTraceEventActive) {
		t.Errorf("err = %v, want no-active-event", err)
	}
}
