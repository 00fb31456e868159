package vm

import (
	"errors"
	"testing"
)

func TestProcessDataKeyExhaustion(t *testing.T) {
	machine := NewVM()

	for i := 0; i < maxProcessDataKeys; i++ {
		k, err := machine.NewProcessDataKey()
		if err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
		if k != ProcessDataKey(i) {
			t.Errorf("key %d = %d, want keys handed out in order", i, k)
		}
	}

	if _, err := machine.NewProcessDataKey(); !errors.Is(err, ErrNoProcessDataKeys) {
		t.Errorf("ninth key error = %v, want ErrNoProcessDataKeys", err)
	}
}

func TestProcessDataPerInterpreter(t *testing.T) {
	machine := NewVM()
	key, err := machine.NewProcessDataKey()
	if err != nil {
		t.Fatal(err)
	}

	c := machine.DefineClass("Stasher", machine.ObjectClass, 0)
	machine.InstallPrimitive(c, "stash:", 1, func(in *Interpreter, rcvr Value, args []Value) Value {
		in.SetProcessData(key, args[0])
		return args[0]
	})

	rcvr := machine.AllocateObject(c)
	machine.Send(rcvr, "stash:", []Value{FromSmallInt(5)})

	// Method: drive  ^self stash: 9
	sel := machine.Symbols().Intern("stash:")
	b := NewCompiledMethodBuilder("drive", 0)
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitInt8(OpPushInt8, 9)
	b.Bytecode().EmitSend(uint16(sel), 1)
	b.Bytecode().Emit(OpReturnTop)

	p := machine.Fork(b.Build(), rcvr, nil)
	if _, err := p.Join(); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if got := machine.MainInterpreter().ProcessData(key); got != FromSmallInt(5) {
		t.Errorf("main slot = %v, want 5", got)
	}
	if got := p.Interpreter().ProcessData(key); got != FromSmallInt(9) {
		t.Errorf("child slot = %v, want 9", got)
	}
}

func TestProcessDataUnsetAndBounds(t *testing.T) {
	machine := NewVM()
	key, err := machine.NewProcessDataKey()
	if err != nil {
		t.Fatal(err)
	}
	interp := machine.MainInterpreter()

	if got := interp.ProcessData(key); got != nil {
		t.Errorf("unset slot = %v, want nil", got)
	}

	interp.SetProcessData(ProcessDataKey(-1), "lost")
	interp.SetProcessData(ProcessDataKey(maxProcessDataKeys), "lost")
	if got := interp.ProcessData(ProcessDataKey(-1)); got != nil {
		t.Errorf("ProcessData(-1) = %v, want nil", got)
	}
	if got := interp.ProcessData(ProcessDataKey(maxProcessDataKeys)); got != nil {
		t.Errorf("ProcessData(%d) = %v, want nil", maxProcessDataKeys, got)
	}

	interp.SetProcessData(key, 42)
	if got := interp.ProcessData(key); got != 42 {
		t.Errorf("slot = %v, want 42", got)
	}
}
