package vm

import (
	"sort"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sampling profiler
// ---------------------------------------------------------------------------

// Profiler samples the running frame on a timer. The timer goroutine
// never touches interpreter state: each tick triggers a preregistered
// job, and the job attributes the sample at the next safe point with
// the global lock held. Ticks that land while no frame is active count
// as idle, and back-to-back ticks between safe points coalesce into a
// single sample.

// ProfileSample is one attributed bucket.
type ProfileSample struct {
	Unit  string // Class>>selector, prefixed "[] in " for block frames
	Count int64
}

// ProfileReport is a snapshot of collected samples.
type ProfileReport struct {
	Samples []ProfileSample // descending by count
	Total   int64           // attributed samples
	Idle    int64           // samples with no active frame
}

// Profiler owns one preregistered job slot. A VM carries at most one:
// a second profiler on the same VM takes over the slot.
type Profiler struct {
	vm     *VM
	handle JobHandle

	mu      sync.Mutex
	counts  map[string]int64
	total   int64
	idle    int64
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewProfiler creates a profiler and claims its job slot.
func NewProfiler(vm *VM) *Profiler {
	p := &Profiler{vm: vm, counts: make(map[string]int64)}
	p.handle = vm.PreregisterJob(func(data any) {
		data.(*Profiler).sample()
	}, p)
	return p
}

// Start begins sampling every interval. Reports false when already
// running or when no job slot could be claimed.
func (p *Profiler) Start(interval time.Duration) bool {
	if p.handle == InvalidJobHandle {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.vm.TriggerJob(p.handle)
			case <-stop:
				return
			}
		}
	}(p.stop, p.done)
	return true
}

// Stop halts the timer and waits for it to exit. A sample already
// triggered may still land at a later safe point.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

// sample runs as a postponed job, global lock held.
func (p *Profiler) sample() {
	unit := ""
	if interp := p.vm.currentInterpreter(); interp != nil {
		if f := interp.CurrentFrame(); f != nil {
			unit = frameUnitName(f)
		}
	}

	p.mu.Lock()
	if unit == "" {
		p.idle++
	} else {
		p.counts[unit]++
		p.total++
	}
	p.mu.Unlock()
}

// Report returns the collected samples, largest bucket first.
func (p *Profiler) Report() ProfileReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := ProfileReport{Total: p.total, Idle: p.idle}
	for unit, n := range p.counts {
		r.Samples = append(r.Samples, ProfileSample{Unit: unit, Count: n})
	}
	sort.Slice(r.Samples, func(i, j int) bool {
		if r.Samples[i].Count != r.Samples[j].Count {
			return r.Samples[i].Count > r.Samples[j].Count
		}
		return r.Samples[i].Unit < r.Samples[j].Unit
	})
	return r
}

// Reset discards collected samples.
func (p *Profiler) Reset() {
	p.mu.Lock()
	p.counts = make(map[string]int64)
	p.total = 0
	p.idle = 0
	p.mu.Unlock()
}

func frameUnitName(f *CallFrame) string {
	if f.Block != nil {
		if home := f.Block.HomeMethod(); home != nil {
			return "[] in " + home.String()
		}
		return "[] in ?"
	}
	return f.Method.String()
}
