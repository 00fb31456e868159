package vm

import "testing"

func TestBootstrapClasses(t *testing.T) {
	machine := NewVM()
	for _, c := range []*Class{
		machine.ObjectClass, machine.ClassClass, machine.UndefinedObjectClass,
		machine.BooleanClass, machine.TrueClass, machine.FalseClass,
		machine.SmallIntegerClass, machine.FloatClass, machine.SymbolClass,
		machine.BlockClass, machine.ProcessClass, machine.ErrorClass,
	} {
		if c == nil {
			t.Fatal("bootstrap class missing")
		}
		if machine.LookupClass(c.Name) != c {
			t.Errorf("LookupClass(%s) does not find the bootstrap class", c.Name)
		}
	}
	if machine.TrueClass.Superclass != machine.BooleanClass {
		t.Error("True should descend from Boolean")
	}
	if machine.ErrorClass.NumSlots != 2 {
		t.Errorf("Error carries %d slots, want 2", machine.ErrorClass.NumSlots)
	}
}

func TestDescribeValue(t *testing.T) {
	machine := NewVM()

	var blockVal Value
	c := machine.DefineClass("Grabber", machine.ObjectClass, 0)
	machine.InstallPrimitive(c, "grab:", 1, func(_ *Interpreter, _ Value, args []Value) Value {
		blockVal = args[0]
		return Nil
	})
	// Method: give  ^self grab: [1]
	blk := NewBlockMethodBuilder(0)
	blk.Bytecode().EmitInt8(OpPushInt8, 1)
	blk.Bytecode().Emit(OpReturnTop)
	sel := machine.Symbols().Intern("grab:")
	b := NewCompiledMethodBuilder("give", 0)
	bi := b.AddBlock(blk.Build())
	b.Bytecode().Emit(OpPushSelf)
	b.Bytecode().EmitCreateBlock(uint16(bi), 0)
	b.Bytecode().EmitSend(uint16(sel), 1)
	b.Bytecode().Emit(OpReturnTop)
	machine.InstallMethod(c, "give", b.Build())
	machine.Send(machine.AllocateObject(c), "give", nil)

	cases := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{True, "true"},
		{False, "false"},
		{FromSmallInt(42), "42"},
		{FromSmallInt(-3), "-3"},
		{FromFloat64(1.5), "1.5"},
		{blockVal, "a Block"},
		{machine.ErrorClass.Handle(), "class Error"},
		{FromSymbolID(machine.Symbols().Intern("hello")), "#hello"},
		{machine.AllocateObject(machine.ErrorClass), "an Error"},
		{machine.AllocateObject(c), "a Grabber"},
	}
	for _, tc := range cases {
		if got := machine.DescribeValue(tc.v); got != tc.want {
			t.Errorf("DescribeValue = %q, want %q", got, tc.want)
		}
	}
}

func TestDefineClassFiresEvent(t *testing.T) {
	machine := NewVM()

	var names []string
	var classes []*Class
	tp := machine.NewTracePoint(EventClassDefine, func(te *TraceEvent) {
		names = append(names, te.EventName())
		classes = append(classes, te.MethodClass())
	})
	tp.Enable()
	defer tp.Disable()

	fresh := machine.DefineClass("Fresh", machine.ObjectClass, 0)

	if len(names) != 1 || names[0] != "class_define" {
		t.Fatalf("events = %v, want one class_define", names)
	}
	if classes[0] != fresh {
		t.Errorf("event class = %v, want the defined class", classes[0])
	}
}

func TestAdoptedMethodCount(t *testing.T) {
	machine := NewVM()
	if n := machine.AdoptedMethodCount(); n != 0 {
		t.Fatalf("fresh VM has %d adopted methods", n)
	}

	c := machine.DefineClass("Adoptee", machine.ObjectClass, 0)
	b := NewCompiledMethodBuilder("one", 0)
	b.Bytecode().EmitInt8(OpPushInt8, 1)
	b.Bytecode().Emit(OpReturnTop)
	m := b.Build()

	machine.InstallMethod(c, "one", m)
	if n := machine.AdoptedMethodCount(); n != 1 {
		t.Errorf("AdoptedMethodCount() = %d after install, want 1", n)
	}

	// Adoption is idempotent and primitives are not adopted.
	machine.InstallMethod(c, "one", m)
	machine.InstallPrimitive(c, "two", 0, func(*Interpreter, Value, []Value) Value { return Nil })
	if n := machine.AdoptedMethodCount(); n != 1 {
		t.Errorf("AdoptedMethodCount() = %d, want still 1", n)
	}

	// Executing an uninstalled method adopts it too.
	b2 := NewCompiledMethodBuilder("loose", 0)
	b2.Bytecode().Emit(OpPushNil)
	b2.Bytecode().Emit(OpReturnTop)
	machine.MainInterpreter().Execute(b2.Build(), Nil, nil)
	if n := machine.AdoptedMethodCount(); n != 2 {
		t.Errorf("AdoptedMethodCount() = %d after Execute, want 2", n)
	}
}

func TestObjectPrimitivesThroughSend(t *testing.T) {
	machine := NewVM()
	c := machine.DefineClass("Cell", machine.ObjectClass, 2)
	obj := machine.AllocateObject(c)

	if got := machine.Send(obj, "instVarAt:put:", []Value{FromSmallInt(1), FromSmallInt(42)}); got != FromSmallInt(42) {
		t.Errorf("instVarAt:put: = %v, want 42", got)
	}
	if got := machine.Send(obj, "instVarAt:", []Value{FromSmallInt(1)}); got != FromSmallInt(42) {
		t.Errorf("instVarAt: = %v, want 42", got)
	}

	yourself := FromSymbolID(machine.Symbols().Intern("yourself"))
	if got := machine.Send(obj, "perform:", []Value{yourself}); got != obj {
		t.Errorf("perform: #yourself = %v, want the receiver", got)
	}

	if got := machine.Send(Nil, "isNil", nil); got != True {
		t.Errorf("nil isNil = %v, want true", got)
	}
	if got := machine.Send(obj, "isNil", nil); got != False {
		t.Errorf("object isNil = %v, want false", got)
	}

	if got := machine.Send(obj, "class", nil); got != c.Handle() {
		t.Errorf("class = %v, want the Cell handle", got)
	}
	if got := machine.Send(obj, "isKindOf:", []Value{machine.ObjectClass.Handle()}); got != True {
		t.Errorf("isKindOf: Object = %v, want true", got)
	}

	ps := machine.Send(FromSmallInt(5), "printString", nil)
	if !ps.IsSymbol() || machine.Symbols().Name(ps.SymbolID()) != "5" {
		t.Errorf("printString = %v, want #5", machine.DescribeValue(ps))
	}
}
