package vm

import (
	"errors"
	"strconv"
)

// ---------------------------------------------------------------------------
// TraceEvent: the live event context passed to raw hooks
// ---------------------------------------------------------------------------

// TraceEvent describes one runtime event while its hooks run. It is only
// valid for the duration of the dispatch that created it; hooks that need
// the data later must copy it out.
//
// Identity fields (selector, class, line, path) resolve lazily from the
// originating code unit on first access and are cached for the rest of
// the dispatch.
type TraceEvent struct {
	interp *Interpreter
	event  EventFlag

	method   *CompiledMethod // originating method, nil for block and primitive sites
	block    *BlockMethod    // originating block, nil elsewhere
	frame    *CallFrame      // originating frame, nil for frameless sites
	pc       int             // bytecode offset at the event site
	receiver Value

	returnValue Value // return-band events
	raisedError Value // raise / rescue
	object      Value // new_object / free_object

	filled   uint8 // lazy-fill bits
	selector uint32
	class    *Class
	line     int
	path     string
}

const (
	filledIdentity uint8 = 1 << iota
	filledLine
	filledPath
)

var (
	errEventNoReturnValue  = errors.New("vm: return value not supported by this event")
	errEventNoRaisedError  = errors.New("vm: raised error not supported by this event")
	errEventNoObject       = errors.New("vm: allocated object not supported by this event")
	errEventNoParameters   = errors.New("vm: parameters not supported by this event")
	errEventNoBinding      = errors.New("vm: binding not supported by this event")
	errEventNoCompiledUnit = errors.New("vm: compiled unit not supported by this event")
)

// Event returns the event flag.
func (te *TraceEvent) Event() EventFlag { return te.event }

// EventName returns the event's canonical name.
func (te *TraceEvent) EventName() string { return te.event.Name() }

// Interpreter returns the interpreter the event fired on.
func (te *TraceEvent) Interpreter() *Interpreter { return te.interp }

// Method returns the originating compiled method, or nil.
func (te *TraceEvent) Method() *CompiledMethod { return te.method }

// Block returns the originating block, or nil.
func (te *TraceEvent) Block() *BlockMethod { return te.block }

// Receiver returns the receiver at the event site.
func (te *TraceEvent) Receiver() Value { return te.receiver }

// fillIdentity resolves selector and class from the originating unit.
// Primitive sites fill both eagerly at construction.
func (te *TraceEvent) fillIdentity() {
	if te.filled&filledIdentity != 0 {
		return
	}
	te.filled |= filledIdentity
	switch {
	case te.method != nil:
		te.selector = te.method.Selector()
		te.class = te.method.Class()
	case te.block != nil:
		if home := te.block.HomeMethod(); home != nil {
			te.selector = home.Selector()
			te.class = home.Class()
		}
	}
}

// Selector returns the selector ID of the method the event occurred in.
func (te *TraceEvent) Selector() uint32 {
	te.fillIdentity()
	return te.selector
}

// SelectorName returns the selector's interned name, or "".
func (te *TraceEvent) SelectorName() string {
	te.fillIdentity()
	if te.interp == nil {
		return ""
	}
	return te.interp.vm.Symbols().Name(te.selector)
}

// MethodClass returns the defining class of the method the event occurred
// in, or nil.
func (te *TraceEvent) MethodClass() *Class {
	te.fillIdentity()
	return te.class
}

// Line returns the source line of the event site, or 0 when unknown.
func (te *TraceEvent) Line() int {
	if te.filled&filledLine != 0 {
		return te.line
	}
	te.filled |= filledLine
	switch {
	case te.method != nil:
		te.line = te.method.LineForOffset(te.pc)
	case te.block != nil:
		te.line = te.block.LineForOffset(te.pc)
	}
	return te.line
}

// Path returns the source path of the event site, or "".
func (te *TraceEvent) Path() string {
	if te.filled&filledPath != 0 {
		return te.path
	}
	te.filled |= filledPath
	switch {
	case te.method != nil:
		te.path = te.method.Path
	case te.block != nil:
		if home := te.block.HomeMethod(); home != nil {
			te.path = home.Path
		}
	}
	return te.path
}

// ReturnValue returns the value being returned. Only return-band events
// (return, c_return, b_return) carry one.
func (te *TraceEvent) ReturnValue() (Value, error) {
	if te.event&(EventReturn|EventCReturn|EventBReturn) == 0 {
		return Nil, errEventNoReturnValue
	}
	return te.returnValue, nil
}

// RaisedError returns the error being signalled. Only raise and rescue
// events carry one.
func (te *TraceEvent) RaisedError() (Value, error) {
	if te.event&(EventRaise|EventRescue) == 0 {
		return Nil, errEventNoRaisedError
	}
	return te.raisedError, nil
}

// AllocatedObject returns the subject of a new_object or free_object
// event.
func (te *TraceEvent) AllocatedObject() (Value, error) {
	if te.event&(EventNewObject|EventFreeObject) == 0 {
		return Nil, errEventNoObject
	}
	return te.object, nil
}

// Parameters returns the parameter names of the called unit. Only
// call-band events carry them. Primitive sites have no recorded names,
// so c_call and c_return synthesize them from the installed arity.
func (te *TraceEvent) Parameters() ([]string, error) {
	const callBand = EventCall | EventReturn | EventBCall | EventBReturn | EventCCall | EventCReturn
	if te.event&callBand == 0 {
		return nil, errEventNoParameters
	}
	switch {
	case te.method != nil:
		return append([]string(nil), te.method.Params...), nil
	case te.block != nil:
		return append([]string(nil), te.block.Params...), nil
	}
	te.fillIdentity()
	if te.class != nil {
		if pm, ok := te.class.LookupMethod(te.selector).(*PrimitiveMethod); ok && pm.arity > 0 {
			names := make([]string, pm.arity)
			for i := range names {
				names[i] = "arg" + strconv.Itoa(i+1)
			}
			return names, nil
		}
	}
	return nil, nil
}

// Binding is a copied-out snapshot of the variables visible at an event
// site: the receiver, the frame's temporaries, and, for block frames,
// the captured values. Params names the leading temps when the unit
// recorded parameter names.
type Binding struct {
	Receiver Value
	Params   []string
	Temps    []Value
	Captures []Value
}

// Binding snapshots the event site's frame. Frameless events, and the
// whole internal band, have no binding.
func (te *TraceEvent) Binding() (*Binding, error) {
	if te.frame == nil || te.event.IsInternal() {
		return nil, errEventNoBinding
	}
	frame := te.frame
	numTemps := 0
	var params []string
	switch {
	case frame.Block != nil:
		numTemps = frame.Block.NumTemps
		params = frame.Block.Params
	case frame.Method != nil:
		numTemps = frame.Method.NumTemps
		params = frame.Method.Params
	}

	b := &Binding{Receiver: frame.Self()}
	if len(params) > 0 {
		b.Params = append([]string(nil), params...)
	}
	if numTemps > 0 && frame.BP+numTemps <= te.interp.sp {
		b.Temps = append([]Value(nil), te.interp.stack[frame.BP:frame.BP+numTemps]...)
	}
	if len(frame.Captures) > 0 {
		b.Captures = append([]Value(nil), frame.Captures...)
	}
	return b, nil
}

// CompiledUnit returns the method a compile event installed, nil when
// the installed method was a primitive.
func (te *TraceEvent) CompiledUnit() (*CompiledMethod, error) {
	if te.event != EventCompile {
		return nil, errEventNoCompiledUnit
	}
	return te.method, nil
}
