package vm

import (
	"testing"
	"time"
)

// profiledHost installs a class whose methods trigger the profiler's
// job mid-frame, so samples land at the next safe point with the frame
// attributable.
func profiledHost(machine *VM, prof *Profiler) Value {
	c := machine.DefineClass("Prof", machine.ObjectClass, 0)
	machine.InstallPrimitive(c, "mark", 0, func(*Interpreter, Value, []Value) Value {
		machine.TriggerJob(prof.handle)
		return Nil
	})

	mark := machine.Symbols().Intern("mark")
	yourself := machine.Symbols().Intern("yourself")

	// Method: drive  self mark. ^self yourself
	b := NewCompiledMethodBuilder("drive", 0)
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitSend(uint16(mark), 0)
	b.Bytecode().Emit(OpPop)
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitSend(uint16(yourself), 0)
	b.Bytecode().Emit(OpReturnTop)
	machine.InstallMethod(c, "drive", b.Build())

	machine.InstallPrimitive(c, "run:", 1, func(in *Interpreter, rcvr Value, args []Value) Value {
		return in.callBlock(args[0], nil)
	})

	// Method: driveB  ^self run: [self mark. self yourself]
	blk := NewBlockMethodBuilder(0)
	blk.Bytecode().Emit(OpPushSelf)
	blk.Bytecode().EmitSend(uint16(mark), 0)
	blk.Bytecode().Emit(OpPop)
	blk.Bytecode().Emit(OpPushSelf)
	blk.Bytecode().EmitSend(uint16(yourself), 0)
	blk.Bytecode().Emit(OpReturnTop)

	run := machine.Symbols().Intern("run:")
	bb := NewCompiledMethodBuilder("driveB", 0)
	bi := bb.AddBlock(blk.Build())
	bb.Bytecode().Emit(OpPushSelf)
	bb.Bytecode().EmitCreateBlock(uint16(bi), 0)
	bb.Bytecode().EmitSend(uint16(run), 1)
	bb.Bytecode().Emit(OpReturnTop)
	machine.InstallMethod(c, "driveB", bb.Build())

	return machine.AllocateObject(c)
}

func TestNewProfilerClaimsJobSlot(t *testing.T) {
	machine := NewVM()
	before := machine.PostponedJobStats()

	p1 := NewProfiler(machine)
	if p1.handle == InvalidJobHandle {
		t.Fatal("no job slot claimed")
	}
	if got := machine.PostponedJobStats().Preregistered - before.Preregistered; got != 1 {
		t.Errorf("Preregistered grew by %d, want 1", got)
	}

	// A second profiler takes over the same slot.
	p2 := NewProfiler(machine)
	if p2.handle != p1.handle {
		t.Errorf("second profiler handle = %d, want %d", p2.handle, p1.handle)
	}
	if got := machine.PostponedJobStats().Preregistered - before.Preregistered; got != 1 {
		t.Errorf("Preregistered grew by %d after the takeover, want 1", got)
	}

	machine.TriggerJob(p1.handle)
	flushJobs(machine)

	if r := p1.Report(); r.Total != 0 || r.Idle != 0 {
		t.Errorf("displaced profiler report = %+v, want empty", r)
	}
	if r := p2.Report(); r.Idle != 1 {
		t.Errorf("takeover profiler Idle = %d, want 1", r.Idle)
	}
}

func TestProfilerIdleSamplesCoalesce(t *testing.T) {
	machine := NewVM()
	p := NewProfiler(machine)

	// Two ticks before any safe point land as one sample, with no frame
	// active it counts as idle.
	machine.TriggerJob(p.handle)
	machine.TriggerJob(p.handle)
	flushJobs(machine)

	r := p.Report()
	if r.Idle != 1 {
		t.Errorf("Idle = %d, want 1 coalesced sample", r.Idle)
	}
	if r.Total != 0 || len(r.Samples) != 0 {
		t.Errorf("report = %+v, want no attributed samples", r)
	}
}

func TestProfilerAttributesFrames(t *testing.T) {
	machine := NewVM()
	p := NewProfiler(machine)
	rcvr := profiledHost(machine, p)

	for i := 0; i < 3; i++ {
		machine.Send(rcvr, "drive", nil)
	}
	machine.Send(rcvr, "driveB", nil)

	r := p.Report()
	if r.Total != 4 || r.Idle != 0 {
		t.Fatalf("report totals = %d/%d idle, want 4/0: %+v", r.Total, r.Idle, r)
	}
	if len(r.Samples) != 2 {
		t.Fatalf("buckets = %+v, want 2", r.Samples)
	}
	if r.Samples[0].Unit != "Prof>>drive" || r.Samples[0].Count != 3 {
		t.Errorf("top bucket = %+v, want Prof>>drive x3", r.Samples[0])
	}
	if r.Samples[1].Unit != "[] in Prof>>driveB" || r.Samples[1].Count != 1 {
		t.Errorf("second bucket = %+v, want the block frame x1", r.Samples[1])
	}
}

func TestProfilerReset(t *testing.T) {
	machine := NewVM()
	p := NewProfiler(machine)
	rcvr := profiledHost(machine, p)

	machine.Send(rcvr, "drive", nil)
	if r := p.Report(); r.Total != 1 {
		t.Fatalf("Total = %d before reset, want 1", r.Total)
	}

	p.Reset()
	if r := p.Report(); r.Total != 0 || r.Idle != 0 || len(r.Samples) != 0 {
		t.Errorf("report after reset = %+v, want empty", r)
	}
}

func TestProfilerStartStop(t *testing.T) {
	machine := NewVM()
	p := NewProfiler(machine)

	// A long interval keeps the ticker quiet; this exercises only the
	// lifecycle.
	if !p.Start(time.Hour) {
		t.Fatal("Start = false")
	}
	if p.Start(time.Hour) {
		t.Error("second Start = true, want false while running")
	}
	p.Stop()
	p.Stop()
	if !p.Start(time.Hour) {
		t.Error("restart = false")
	}
	p.Stop()

	p.handle = InvalidJobHandle
	if p.Start(time.Hour) {
		t.Error("Start = true without a job slot")
	}
}
