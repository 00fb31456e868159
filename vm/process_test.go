package vm

import (
	"strings"
	"testing"
)

func TestForkJoin(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	p := machine.Fork(m, rcvr, nil)
	if p.Interpreter() == nil || p.Interpreter() == machine.MainInterpreter() {
		t.Fatalf("forked process must run on its own interpreter")
	}
	if p.ID() == 0 {
		t.Errorf("ID() = 0, want a fresh process id")
	}

	result, err := p.Join()
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if result != FromSmallInt(7) {
		t.Errorf("Join() = %v, want 7", result)
	}
}

func TestForkAssignsIncreasingIDs(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	p1 := machine.Fork(m, rcvr, nil)
	p2 := machine.Fork(m, rcvr, nil)
	p1.Join()
	p2.Join()

	if p2.ID() != p1.ID()+1 {
		t.Errorf("ids = %d, %d, want consecutive", p1.ID(), p2.ID())
	}
}

func TestForkManyContendForLock(t *testing.T) {
	machine := NewVM()

	const n = 4
	procs := make([]*Process, n)
	for i := 0; i < n; i++ {
		// Method: run  ^<i>
		b := NewCompiledMethodBuilder("run", 0)
		b.Bytecode().EmitInt8(OpPushInt8, int8(i))
		b.Bytecode().Emit(OpReturnTop)
		procs[i] = machine.Fork(b.Build(), Nil, nil)
	}

	for i, p := range procs {
		result, err := p.Join()
		if err != nil {
			t.Fatalf("process %d: Join() error = %v", i, err)
		}
		if result != FromSmallInt(int64(i)) {
			t.Errorf("process %d: Join() = %v, want %d", i, result, i)
		}
	}
}

func TestForkErrorThroughJoin(t *testing.T) {
	machine := NewVM()
	c := machine.DefineClass("Faulty", machine.ObjectClass, 0)
	machine.InstallPrimitive(c, "explode", 0, func(in *Interpreter, rcvr Value, args []Value) Value {
		return in.RaiseError("kaput")
	})

	// Method: drive  ^self explode
	sel := machine.Symbols().Intern("explode")
	b := NewCompiledMethodBuilder("drive", 0)
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitSend(uint16(sel), 0)
	b.Bytecode().Emit(OpReturnTop)

	p := machine.Fork(b.Build(), machine.AllocateObject(c), nil)
	result, err := p.Join()
	if err == nil {
		t.Fatal("Join() error = nil, want the raised error")
	}
	if !strings.Contains(err.Error(), "kaput") {
		t.Errorf("Join() error = %q, want it to carry the message", err)
	}
	if result != Nil {
		t.Errorf("Join() result = %v, want nil", result)
	}
}

func TestForkBlockOutlivesHomeFrame(t *testing.T) {
	machine := NewVM()
	c := machine.DefineClass("Launcher", machine.ObjectClass, 0)

	var proc *Process
	machine.InstallPrimitive(c, "spawn:", 1, func(in *Interpreter, rcvr Value, args []Value) Value {
		proc = machine.ForkBlock(args[0], nil)
		return Nil
	})

	// Method: launch: x  ^self spawn: [x]
	blk := NewBlockMethodBuilder(0)
	blk.SetNumCaptures(1)
	blk.Bytecode().EmitByte(OpPushCaptured, 0)
	blk.Bytecode().Emit(OpReturnTop)

	sel := machine.Symbols().Intern("spawn:")
	b := NewCompiledMethodBuilder("launch:", 1)
	bi := b.AddBlock(blk.Build())
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitByte(OpPushTemp, 0)
	b.Bytecode().EmitCreateBlock(uint16(bi), 1)
	b.Bytecode().EmitSend(uint16(sel), 1)
	b.Bytecode().Emit(OpReturnTop)
	machine.InstallMethod(c, "launch:", b.Build())

	// The creating frame pops when this send returns; the child still
	// runs the detached closure afterwards.
	machine.Send(machine.AllocateObject(c), "launch:", []Value{FromSmallInt(77)})
	if proc == nil {
		t.Fatal("spawn: never ran")
	}

	result, err := proc.Join()
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if result != FromSmallInt(77) {
		t.Errorf("Join() = %v, want the captured 77", result)
	}
	if n := machine.BlockClosureCount(); n != 0 {
		t.Errorf("BlockClosureCount() = %d after join, want 0", n)
	}
}

func TestForkFiresProcessBandEvents(t *testing.T) {
	machine := NewVM()
	rcvr, m := callProbe(machine)

	var names []string
	var interps []*Interpreter
	tp := machine.NewTracePoint(EventProcessBegin|EventProcessEnd, func(te *TraceEvent) {
		names = append(names, te.EventName())
		interps = append(interps, te.Interpreter())
	})
	tp.Enable()
	defer tp.Disable()

	p := machine.Fork(m, rcvr, nil)
	p.Join()

	want := []string{"process_begin", "process_end"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
		if interps[i] != p.Interpreter() {
			t.Errorf("event %d fired on the wrong interpreter", i)
		}
	}
}
