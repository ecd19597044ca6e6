package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the bytecode virtual machine
// ---------------------------------------------------------------------------

// State is the run state of a VM.
type State int

const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Exit codes reported when the entry function did not supply one.
const (
	ExitAbort     = 1
	ExitLoadError = -1
)

// DefaultMaxFrames bounds the call stack depth.
const DefaultMaxFrames = 10000

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 1024

// HeapAccessPolicy selects what happens on an out-of-range heap access.
type HeapAccessPolicy int

const (
	// HeapAccessFatal aborts the run with a HeapAccess error.
	HeapAccessFatal HeapAccessPolicy = iota
	// HeapAccessSentinel logs the access, yields -1 for reads, and drops
	// writes.
	HeapAccessSentinel
)

func (p HeapAccessPolicy) String() string {
	if p == HeapAccessSentinel {
		return "sentinel"
	}
	return "fatal"
}

// ParseHeapAccess parses "fatal" or "sentinel".
func ParseHeapAccess(s string) (HeapAccessPolicy, error) {
	switch strings.ToLower(s) {
	case "", "fatal":
		return HeapAccessFatal, nil
	case "sentinel":
		return HeapAccessSentinel, nil
	}
	return 0, fmt.Errorf("unknown heap access policy %q (want fatal or sentinel)", s)
}

// CompareFlags is the register written by CMP and read by conditional jumps.
type CompareFlags struct {
	EQ, NE, LT, LE, GT, GE bool
}

func compare(lhs, rhs int64) CompareFlags {
	return CompareFlags{
		EQ: lhs == rhs,
		NE: lhs != rhs,
		LT: lhs < rhs,
		LE: lhs <= rhs,
		GT: lhs > rhs,
		GE: lhs >= rhs,
	}
}

// Holds reports whether the flag tested by a conditional jump is set.
func (f CompareFlags) Holds(op Opcode) bool {
	switch op {
	case OpJumpEQ:
		return f.EQ
	case OpJumpNE:
		return f.NE
	case OpJumpLT:
		return f.LT
	case OpJumpLE:
		return f.LE
	case OpJumpGT:
		return f.GT
	case OpJumpGE:
		return f.GE
	}
	return op == OpJump
}

// Stats summarizes a run.
type Stats struct {
	Instructions   uint64
	Calls          uint64
	Allocations    uint64
	GCCycles       int
	CellsReclaimed int
	PeakHeap       int
	PeakDepth      int
	Elapsed        time.Duration
}

// VM owns the heap, function table, call stack and compare flags of one
// program run. A VM is not safe for concurrent use.
type VM struct {
	functions *FunctionTable
	entry     *Function
	heap      *Heap
	stack     CallStack
	gc        *Collector
	flags     CompareFlags

	state    State
	exitCode int64
	err      error
	stats    Stats
	started  time.Time

	out        io.Writer
	trace      io.Writer
	heapAccess HeapAccessPolicy
	maxFrames  int
	limit      uint64
	log        commonlog.Logger

	heapCapacity int
	entryName    string
}

// Option configures a VM.
type Option func(*VM)

// WithHeapCapacity sets the number of heap cells.
func WithHeapCapacity(cells int) Option {
	return func(v *VM) { v.heapCapacity = cells }
}

// WithEntry names the function execution starts in.
func WithEntry(name string) Option {
	return func(v *VM) { v.entryName = name }
}

// WithOutput sets the sink PRINT writes to.
func WithOutput(w io.Writer) Option {
	return func(v *VM) { v.out = w }
}

// WithHeapAccess sets the out-of-range heap access policy.
func WithHeapAccess(p HeapAccessPolicy) Option {
	return func(v *VM) { v.heapAccess = p }
}

// WithMaxFrames bounds the call depth. Zero or less means DefaultMaxFrames.
func WithMaxFrames(n int) Option {
	return func(v *VM) { v.maxFrames = n }
}

// WithInstructionLimit aborts the run after n instructions. Zero disables it.
func WithInstructionLimit(n uint64) Option {
	return func(v *VM) { v.limit = n }
}

// WithLogger replaces the default "ana.vm" logger.
func WithLogger(l commonlog.Logger) Option {
	return func(v *VM) { v.log = l }
}

// WithTrace writes one line per executed instruction to w.
func WithTrace(w io.Writer) Option {
	return func(v *VM) { v.trace = w }
}

// New loads prog and prepares a VM positioned at the first instruction of
// the entry function. Load failures are returned as *LoadError.
func New(prog Program, opts ...Option) (*VM, error) {
	v := &VM{
		out:          os.Stdout,
		heapCapacity: DefaultHeapCapacity,
		entryName:    "main",
		maxFrames:    DefaultMaxFrames,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = commonlog.GetLogger("ana.vm")
	}
	if v.maxFrames <= 0 {
		v.maxFrames = DefaultMaxFrames
	}

	ft, err := Load(prog, v.log)
	if err != nil {
		v.log.Errorf("%s", err)
		return nil, err
	}
	entry, ok := ft.Lookup(v.entryName)
	if !ok {
		err := &LoadError{Index: -1, Err: fmt.Errorf("%s: %w", v.entryName, ErrNoEntry)}
		v.log.Errorf("%s", err)
		return nil, err
	}

	v.functions = ft
	v.entry = entry
	v.heap = NewHeap(v.heapCapacity)
	v.gc = NewCollector(v.log)

	root := newFrame(entry)
	for i, p := range entry.Params {
		// Entry parameters have no caller; scalars start at zero.
		if p.Kind == Scalar {
			root.setScalar(i-countArrays(entry.Params[:i]), 0)
		}
	}
	v.stack.push(root)
	v.stats.PeakDepth = 1
	return v, nil
}

func countArrays(params []Param) int {
	n := 0
	for _, p := range params {
		if p.Kind == ArrayHandle {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Run executes until the entry function returns or the run aborts. It
// returns the process exit code: the entry function's return value, or
// ExitAbort together with the error. Only the return of the root entry
// frame halts; a recursive call to the entry function returns to its caller.
func (v *VM) Run() (int64, error) {
	return v.RunContext(context.Background())
}

// RunContext is Run with cancellation. ctx is polled every 1024
// instructions; cancellation aborts the run with a Limit error.
func (v *VM) RunContext(ctx context.Context) (int64, error) {
	if v.state == StateHalted || v.state == StateAborted {
		return v.exitCode, v.err
	}
	v.begin()
	v.log.Infof("running %s (heap %d cells)", v.entry.Name, v.heap.Capacity())

	var n uint64
	for v.state == StateRunning {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				v.abort(KindLimit, v.stack.Top(), fmt.Errorf("run cancelled: %w", err))
				break
			}
		}
		n++
		v.step()
	}

	v.stats.Elapsed = time.Since(v.started)
	if v.state == StateHalted {
		v.log.Infof("%s returned %d after %d instructions", v.entry.Name, v.exitCode, v.stats.Instructions)
	}
	return v.exitCode, v.err
}

// Step executes a single instruction. It reports whether the VM can
// continue; the run error is returned once the VM has aborted.
func (v *VM) Step() (bool, error) {
	switch v.state {
	case StateHalted:
		return false, nil
	case StateAborted:
		return false, v.err
	}
	v.begin()
	v.step()
	v.stats.Elapsed = time.Since(v.started)
	return v.state == StateRunning, v.err
}

func (v *VM) begin() {
	if v.state == StateReady {
		v.state = StateRunning
		v.started = time.Now()
	}
}

// Collect runs a garbage collection against the current call stack.
func (v *VM) Collect() CollectStats {
	s := v.gc.Collect(&v.stack, v.heap)
	v.stats.GCCycles = v.gc.Cycles()
	v.stats.CellsReclaimed = v.gc.FreedCells()
	return s
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Heap returns the VM heap.
func (v *VM) Heap() *Heap { return v.heap }

// CallStack returns the live call stack.
func (v *VM) CallStack() *CallStack { return &v.stack }

// Functions returns the loaded function table.
func (v *VM) Functions() *FunctionTable { return v.functions }

// Entry returns the entry function.
func (v *VM) Entry() *Function { return v.entry }

// Collector returns the VM's garbage collector.
func (v *VM) Collector() *Collector { return v.gc }

// Flags returns the compare flags set by the last CMP.
func (v *VM) Flags() CompareFlags { return v.flags }

// State returns the run state.
func (v *VM) State() State { return v.state }

// ExitCode returns the process return code. It is meaningful once the VM
// has halted or aborted.
func (v *VM) ExitCode() int64 { return v.exitCode }

// Err returns the error that aborted the run, if any.
func (v *VM) Err() error { return v.err }

// Stats returns run statistics.
func (v *VM) Stats() Stats {
	s := v.stats
	s.PeakHeap = v.heap.Peak()
	return s
}
