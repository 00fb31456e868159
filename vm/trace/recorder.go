package trace

import (
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/ember/vm"
)

var log = commonlog.GetLogger("ember.trace")

// Sink receives flattened records. Write is always called from the
// goroutine holding the VM's execution lock, so implementations need no
// ordering of their own against the recorder.
type Sink interface {
	Write(r *Record) error
	Flush() error
	Close() error
}

// Recorder subscribes to a VM's hook registry and streams events into a
// sink.
type Recorder struct {
	vm    *vm.VM
	sink  Sink
	hooks []*vm.EventHook

	seq     atomic.Uint64
	dropped atomic.Int64
}

// NewRecorder creates a recorder writing to sink. Call Attach to start
// receiving events.
func NewRecorder(machine *vm.VM, sink Sink) *Recorder {
	return &Recorder{vm: machine, sink: sink}
}

// Attach subscribes the recorder for the events in mask. Attaching
// again replaces the previous subscription. A mask mixing the tracing
// and internal bands is attached as two subscriptions, one per band.
func (rec *Recorder) Attach(mask vm.EventFlag) error {
	rec.detachHooks()
	for _, band := range []vm.EventFlag{mask &^ vm.EventInternalAll, mask & vm.EventInternalAll} {
		if band == 0 {
			continue
		}
		h, err := rec.vm.AddRawEventHook(band, rec.record, vm.Nil)
		if err != nil {
			rec.detachHooks()
			return err
		}
		rec.hooks = append(rec.hooks, h)
	}
	log.Debugf("attached for mask %#x", uint32(mask))
	return nil
}

// Detach unsubscribes and flushes the sink.
func (rec *Recorder) Detach() error {
	rec.detachHooks()
	return rec.sink.Flush()
}

func (rec *Recorder) detachHooks() {
	for _, h := range rec.hooks {
		rec.vm.RemoveEventHook(h)
	}
	rec.hooks = nil
}

// Dropped returns the number of records the sink rejected.
func (rec *Recorder) Dropped() int64 { return rec.dropped.Load() }

// record runs as a raw hook with the execution lock held. The trace
// event is only valid for this dispatch, so everything is copied out
// here.
func (rec *Recorder) record(te *vm.TraceEvent, _ vm.Value) {
	r := &Record{
		Seq:      rec.seq.Add(1),
		TimeNano: time.Now().UnixNano(),
		Event:    te.EventName(),
		Selector: te.SelectorName(),
		Line:     te.Line(),
		Path:     te.Path(),
		Detail:   rec.detail(te),
	}
	if interp := te.Interpreter(); interp != nil {
		r.Process = interp.ID()
	}
	if c := te.MethodClass(); c != nil {
		r.Class = c.Name
	}

	if err := rec.sink.Write(r); err != nil {
		rec.dropped.Add(1)
		log.Errorf("sink write: %v", err)
	}
}

// detail renders the event-specific payload, when the event carries one.
func (rec *Recorder) detail(te *vm.TraceEvent) string {
	if v, err := te.ReturnValue(); err == nil {
		return rec.vm.DescribeValue(v)
	}
	if v, err := te.RaisedError(); err == nil {
		return rec.vm.DescribeValue(v)
	}
	if v, err := te.AllocatedObject(); err == nil {
		return rec.vm.DescribeValue(v)
	}
	return ""
}
