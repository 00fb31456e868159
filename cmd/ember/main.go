// Ember CLI - runs the built-in demo workload on the Ember VM,
// optionally recording trace events to SQLite or CBOR.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/ember/manifest"
	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/trace"

	_ "github.com/tliron/commonlog/simple"
)

// Demo workload inputs. fib(12) recurses 465 times, which gives a trace
// worth looking at without flooding the sink.
const (
	fibArg     = 12
	squaresArg = 10
	churnArg   = 16
)

func main() {
	traceSpec := flag.String("trace", "", "Comma-separated trace events (call,return,line,..., or all)")
	output := flag.String("o", "", "Trace output path (default from ember.toml)")
	format := flag.String("format", "", "Trace output format: sqlite or cbor")
	iterations := flag.Int("n", 1, "Demo iterations")
	collect := flag.Bool("gc", false, "Collect garbage after the run")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ember [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the built-in demo workload (recursive fibonacci, block iteration,\n")
		fmt.Fprintf(os.Stderr, "object churn), optionally recording trace events.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ember -n 200                       # Run 200 iterations, no tracing\n")
		fmt.Fprintf(os.Stderr, "  ember -trace call,return           # Record calls and returns to ember-trace.db\n")
		fmt.Fprintf(os.Stderr, "  ember -trace all -format cbor -o demo.cbor\n")
		fmt.Fprintf(os.Stderr, "  ember -trace new_object,gc_start,gc_end -gc -v\n")
	}
	flag.Parse()
	if *iterations < 1 {
		*iterations = 1
	}

	if *verbose {
		commonlog.Configure(1, nil)
	}

	cfg := manifest.Default()
	if m, err := manifest.FindAndLoad("."); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	} else if m != nil {
		cfg = m
		if *verbose {
			fmt.Printf("Loaded ember.toml from %s\n", m.Dir)
		}
	}

	mask, err := resolveMask(*traceSpec, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	machine := vm.NewVM()
	demo := installDemo(machine)

	var rec *trace.Recorder
	var closeSink func() error
	if mask != 0 {
		sinkFormat := cfg.Trace.Format
		if *format != "" {
			sinkFormat = *format
		}
		outPath := cfg.OutputPath()
		if *output != "" {
			outPath = *output
		}

		sink, closer, err := openSink(sinkFormat, outPath, cfg.Trace.BatchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		closeSink = closer

		rec = trace.NewRecorder(machine, sink)
		if err := rec.Attach(mask); err != nil {
			closeSink()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Recording %s to %s (%s)\n", maskNames(mask), outPath, sinkFormat)
		}
	}

	start := time.Now()
	var fib, squares vm.Value
	for i := 0; i < *iterations; i++ {
		fib = machine.Send(demo, "fib:", []vm.Value{vm.FromSmallInt(fibArg)})
		squares = machine.Send(demo, "squares:", []vm.Value{vm.FromSmallInt(squaresArg)})
		machine.Send(demo, "churn:", []vm.Value{vm.FromSmallInt(churnArg)})
	}
	elapsed := time.Since(start)

	fmt.Printf("fib(%d) = %d, squares(%d) = %d (%d iterations in %s)\n",
		fibArg, fib.SmallInt(), squaresArg, squares.SmallInt(),
		*iterations, elapsed.Round(time.Microsecond))

	if rec != nil {
		if err := rec.Detach(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: flushing trace: %v\n", err)
		}
		if err := closeSink(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: closing trace sink: %v\n", err)
		}
		if n := rec.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "Warning: sink dropped %d records\n", n)
		}
	}

	if *collect {
		freed := machine.CollectGarbage()
		fmt.Printf("gc: freed %d objects, %d live\n", freed, machine.ObjectCount())
	}

	printStats(machine, *verbose)
}

// resolveMask picks the trace mask: the -trace flag wins, otherwise the
// manifest's events apply when tracing is enabled there.
func resolveMask(spec string, cfg *manifest.Manifest) (vm.EventFlag, error) {
	if spec != "" {
		return parseEvents(spec)
	}
	if cfg.Trace.Enabled {
		return cfg.EventMask(), nil
	}
	return 0, nil
}

// parseEvents resolves a comma-separated -trace argument to a mask.
// "all" selects the whole tracing band.
func parseEvents(spec string) (vm.EventFlag, error) {
	var mask vm.EventFlag
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "all" {
			mask |= vm.EventTracingAll
			continue
		}
		ev, ok := vm.EventNamed(name)
		if !ok {
			return 0, fmt.Errorf("unknown trace event %q", name)
		}
		mask |= ev
	}
	return mask, nil
}

// maskNames renders a mask back to its event names for -v output.
func maskNames(mask vm.EventFlag) string {
	var names []string
	for bit := vm.EventFlag(1); bit != 0 && bit <= mask; bit <<= 1 {
		if mask&bit != 0 {
			names = append(names, bit.Name())
		}
	}
	return strings.Join(names, ",")
}

// openSink opens the trace sink for the chosen format and returns it
// with a closer that releases everything the sink sits on.
func openSink(format, path string, batchSize int) (trace.Sink, func() error, error) {
	switch format {
	case manifest.FormatSQLite:
		s, err := trace.NewSQLiteSink(path, batchSize)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case manifest.FormatCBOR:
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot create %s: %w", path, err)
		}
		s := trace.NewCBORSink(bufio.NewWriter(f))
		closer := func() error {
			if err := s.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}
		return s, closer, nil

	default:
		return nil, nil, fmt.Errorf("unknown trace format %q", format)
	}
}

// printStats reports the instrumentation counters after the run.
func printStats(machine *vm.VM, verbose bool) {
	jobs := machine.PostponedJobStats()
	spec := machine.SpecializerStats()
	cache := machine.SendCacheStats()
	fmt.Printf("jobs: %d triggered, %d enqueued, %d executed\n",
		jobs.Triggered, jobs.Enqueued, jobs.Executed)
	fmt.Printf("specializer: %d quickenings, %d deopts; send cache: %d hits, %d misses\n",
		spec.Quickenings, spec.Deopts, cache.Hits, cache.Misses)
	if verbose {
		fmt.Printf("methods adopted: %d, objects live: %d, collections: %d\n",
			machine.AdoptedMethodCount(), machine.ObjectCount(), machine.GCCount())
	}
}

// installDemo defines the Demo class with the workload methods and
// returns a pinned instance to drive them. The methods are
// hand-assembled from the pseudo-source demo.em, whose line numbers the
// source maps carry.
func installDemo(machine *vm.VM) vm.Value {
	class := machine.DefineClass("Demo", machine.ObjectClass, 0)
	syms := machine.Symbols()
	fibSel := syms.Intern("fib:")
	spawnSel := syms.Intern("spawn")

	// Method: fib: n
	//     n < 2 ifTrue: [^n].
	//     ^(self fib: n - 1) + (self fib: n - 2)
	fib := vm.NewCompiledMethodBuilder("fib:", 1)
	fib.SetPath("demo.em")
	fib.SetParams("n")
	fb := fib.Bytecode()
	recurse := fb.NewLabel()
	fib.MarkLine(2)
	fb.EmitByte(vm.OpPushTemp, 0)
	fb.EmitInt8(vm.OpPushInt8, 2)
	fb.Emit(vm.OpLess)
	fb.EmitJump(vm.OpJumpFalse, recurse)
	fb.EmitByte(vm.OpPushTemp, 0)
	fb.Emit(vm.OpReturnTop)
	fb.Mark(recurse)
	fib.MarkLine(3)
	fb.Emit(vm.OpPushSelf)
	fb.EmitByte(vm.OpPushTemp, 0)
	fb.EmitInt8(vm.OpPushInt8, 1)
	fb.Emit(vm.OpSub)
	fb.EmitSend(uint16(fibSel), 1)
	fb.Emit(vm.OpPushSelf)
	fb.EmitByte(vm.OpPushTemp, 0)
	fb.EmitInt8(vm.OpPushInt8, 2)
	fb.Emit(vm.OpSub)
	fb.EmitSend(uint16(fibSel), 1)
	fb.Emit(vm.OpAdd)
	fb.Emit(vm.OpReturnTop)
	machine.InstallMethod(class, "fib:", fib.Build())

	// Block: [:j | j * j]
	square := vm.NewBlockMethodBuilder(1)
	square.SetParams("j")
	qb := square.Bytecode()
	qb.EmitByte(vm.OpPushTemp, 0)
	qb.EmitByte(vm.OpPushTemp, 0)
	qb.Emit(vm.OpMul)
	qb.Emit(vm.OpReturnTop)

	// Method: squares: n
	//     | total k | total := 0. k := 1.
	//     [k > n] whileFalse: [total := total + ([:j | j * j] value: k). k := k + 1].
	//     ^total
	squares := vm.NewCompiledMethodBuilder("squares:", 1)
	squares.SetPath("demo.em")
	squares.SetParams("n")
	squares.SetNumTemps(3) // n, total, k
	blockIdx := squares.AddBlock(square.Build())
	sb := squares.Bytecode()
	loop := sb.NewLabel()
	done := sb.NewLabel()
	squares.MarkLine(6)
	sb.EmitInt8(vm.OpPushInt8, 0)
	sb.EmitByte(vm.OpStoreTemp, 1)
	sb.EmitInt8(vm.OpPushInt8, 1)
	sb.EmitByte(vm.OpStoreTemp, 2)
	sb.Mark(loop)
	squares.MarkLine(7)
	sb.EmitByte(vm.OpPushTemp, 2)
	sb.EmitByte(vm.OpPushTemp, 0)
	sb.Emit(vm.OpGreater)
	sb.EmitJump(vm.OpJumpTrue, done)
	sb.EmitByte(vm.OpPushTemp, 1)
	sb.EmitCreateBlock(uint16(blockIdx), 0)
	sb.EmitByte(vm.OpPushTemp, 2)
	sb.Emit(vm.OpSendValue1)
	sb.Emit(vm.OpAdd)
	sb.EmitByte(vm.OpStoreTemp, 1)
	sb.EmitByte(vm.OpPushTemp, 2)
	sb.EmitInt8(vm.OpPushInt8, 1)
	sb.Emit(vm.OpAdd)
	sb.EmitByte(vm.OpStoreTemp, 2)
	sb.EmitJump(vm.OpJump, loop)
	sb.Mark(done)
	squares.MarkLine(8)
	sb.EmitByte(vm.OpPushTemp, 1)
	sb.Emit(vm.OpReturnTop)
	machine.InstallMethod(class, "squares:", squares.Build())

	machine.InstallPrimitive(class, "spawn", 0,
		func(*vm.Interpreter, vm.Value, []vm.Value) vm.Value {
			return machine.AllocateObject(class)
		})

	// Method: churn: n
	//     | k | k := 0.
	//     [k < n] whileTrue: [self spawn. k := k + 1].
	//     ^k
	churn := vm.NewCompiledMethodBuilder("churn:", 1)
	churn.SetPath("demo.em")
	churn.SetParams("n")
	churn.SetNumTemps(2) // n, k
	cb := churn.Bytecode()
	cloop := cb.NewLabel()
	cdone := cb.NewLabel()
	churn.MarkLine(11)
	cb.EmitInt8(vm.OpPushInt8, 0)
	cb.EmitByte(vm.OpStoreTemp, 1)
	cb.Mark(cloop)
	churn.MarkLine(12)
	cb.EmitByte(vm.OpPushTemp, 1)
	cb.EmitByte(vm.OpPushTemp, 0)
	cb.Emit(vm.OpLess)
	cb.EmitJump(vm.OpJumpFalse, cdone)
	cb.Emit(vm.OpPushSelf)
	cb.EmitSend(uint16(spawnSel), 0)
	cb.Emit(vm.OpPop)
	cb.EmitByte(vm.OpPushTemp, 1)
	cb.EmitInt8(vm.OpPushInt8, 1)
	cb.Emit(vm.OpAdd)
	cb.EmitByte(vm.OpStoreTemp, 1)
	cb.EmitJump(vm.OpJump, cloop)
	cb.Mark(cdone)
	churn.MarkLine(13)
	cb.EmitByte(vm.OpPushTemp, 1)
	cb.Emit(vm.OpReturnTop)
	machine.InstallMethod(class, "churn:", churn.Build())

	demo := machine.AllocateObject(class)
	machine.KeepAlive(demo)
	return demo
}
