package vm

// ---------------------------------------------------------------------------
// Event flags
// ---------------------------------------------------------------------------

// EventFlag identifies one kind of runtime event. Flags combine into masks.
//
// The low 16 bits are the tracing band: events visible to TracePoints and
// ordinary event hooks. The high bits are the internal band: allocator and
// collector events that fire inside sensitive regions and are dispatched
// with their own reentrancy rules.
type EventFlag uint32

const (
	EventLine         EventFlag = 0x0001 // interpreter reached a new source line
	EventCall         EventFlag = 0x0002 // bytecode method activation
	EventReturn       EventFlag = 0x0004 // bytecode method return
	EventCCall        EventFlag = 0x0008 // primitive (Go) method activation
	EventCReturn      EventFlag = 0x0010 // primitive (Go) method return
	EventBCall        EventFlag = 0x0020 // block activation
	EventBReturn      EventFlag = 0x0040 // block return
	EventRaise        EventFlag = 0x0080 // error signalled
	EventRescue       EventFlag = 0x0100 // error caught by a handler
	EventClassDefine  EventFlag = 0x0200 // class installed in the VM
	EventCompile      EventFlag = 0x0400 // compiled method installed
	EventProcessBegin EventFlag = 0x0800 // forked process started
	EventProcessEnd   EventFlag = 0x1000 // forked process finished
)

// EventTracingAll is every event in the tracing band.
const EventTracingAll EventFlag = 0xFFFF

// Internal band. Hooks for these run during allocation and collection,
// so dispatch suppresses further internal events instead of nesting.
const (
	EventNewObject  EventFlag = 0x10000 // heap object allocated
	EventFreeObject EventFlag = 0x20000 // heap object swept
	EventGCStart    EventFlag = 0x40000 // collection started
	EventGCEnd      EventFlag = 0x80000 // collection finished
)

// EventInternalAll is every event in the internal band.
const EventInternalAll EventFlag = 0xFFFF0000

// methodTraceEvents are the events gated by a per-unit trace mask. Enabling
// any of these globally for the first time rewrites the mask of every
// installed method and block.
const methodTraceEvents = EventLine | EventCall | EventReturn |
	EventBCall | EventBReturn | EventRescue

// eventNames maps single flags to their wire/display names.
var eventNames = map[EventFlag]string{
	EventLine:         "line",
	EventCall:         "call",
	EventReturn:       "return",
	EventCCall:        "c_call",
	EventCReturn:      "c_return",
	EventBCall:        "b_call",
	EventBReturn:      "b_return",
	EventRaise:        "raise",
	EventRescue:       "rescue",
	EventClassDefine:  "class_define",
	EventCompile:      "compile",
	EventProcessBegin: "process_begin",
	EventProcessEnd:   "process_end",
	EventNewObject:    "new_object",
	EventFreeObject:   "free_object",
	EventGCStart:      "gc_start",
	EventGCEnd:        "gc_end",
}

// eventByName is the inverse of eventNames, built at init.
var eventByName = func() map[string]EventFlag {
	m := make(map[string]EventFlag, len(eventNames))
	for ev, name := range eventNames {
		m[name] = ev
	}
	return m
}()

// Name returns the canonical name for a single event flag.
// Multi-flag masks and unknown bits return "unknown".
func (ev EventFlag) Name() string {
	if name, ok := eventNames[ev]; ok {
		return name
	}
	return "unknown"
}

// String implements the Stringer interface.
func (ev EventFlag) String() string {
	return ev.Name()
}

// EventNamed resolves an event name to its flag.
func EventNamed(name string) (EventFlag, bool) {
	ev, ok := eventByName[name]
	return ev, ok
}

// IsInternal reports whether the flag belongs to the internal band.
func (ev EventFlag) IsInternal() bool {
	return ev&EventInternalAll != 0
}
