package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kolzuk/ana-language/journal"
	"github.com/kolzuk/ana-language/vm"
)

// Procedure names of the execution service.
const (
	ExecutionServiceName = "ana.v1.ExecutionService"

	RunProcedure      = "/" + ExecutionServiceName + "/Run"
	CheckProcedure    = "/" + ExecutionServiceName + "/Check"
	GetRunProcedure   = "/" + ExecutionServiceName + "/GetRun"
	ListRunsProcedure = "/" + ExecutionServiceName + "/ListRuns"
)

// MaxHeapCapacity is the largest heap a request may ask for. It matches the
// bound on heap_capacity in the configuration schema.
const MaxHeapCapacity = 1 << 24

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// ExecOptions are the defaults applied to every run. Requests may override
// the heap capacity, entry and heap access policy.
type ExecOptions struct {
	HeapCapacity     int
	Entry            string
	HeapAccess       vm.HeapAccessPolicy
	MaxFrames        int
	InstructionLimit uint64
	RunTimeout       time.Duration
	MaxSourceBytes   int
	// MaxHeapCapacity caps the heap_capacity a request may override.
	// Zero means MaxHeapCapacity.
	MaxHeapCapacity int
}

// DefaultExecOptions returns the options used when none are configured.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{
		HeapCapacity:    vm.DefaultHeapCapacity,
		Entry:           "main",
		MaxFrames:       vm.DefaultMaxFrames,
		RunTimeout:      10 * time.Second,
		MaxSourceBytes:  1 << 20,
		MaxHeapCapacity: MaxHeapCapacity,
	}
}

// ExecutionService runs assembly programs on behalf of remote clients.
// Requests and responses are google.protobuf.Struct messages.
type ExecutionService struct {
	worker  *Worker
	runs    *RunStore
	journal *journal.Journal
	opts    ExecOptions
}

// NewExecutionService creates an ExecutionService. j may be nil.
func NewExecutionService(worker *Worker, runs *RunStore, j *journal.Journal, opts ExecOptions) *ExecutionService {
	return &ExecutionService{
		worker:  worker,
		runs:    runs,
		journal: j,
		opts:    opts,
	}
}

// NewExecutionServiceHandler builds the HTTP handler serving every procedure
// of svc. It returns the path prefix to mount it on.
func NewExecutionServiceHandler(svc *ExecutionService, opts ...connect.HandlerOption) (string, http.Handler) {
	run := connect.NewUnaryHandler(RunProcedure, svc.Run, opts...)
	check := connect.NewUnaryHandler(CheckProcedure, svc.Check, opts...)
	getRun := connect.NewUnaryHandler(GetRunProcedure, svc.GetRun, opts...)
	listRuns := connect.NewUnaryHandler(ListRunsProcedure, svc.ListRuns, opts...)

	return "/" + ExecutionServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case RunProcedure:
			run.ServeHTTP(w, r)
		case CheckProcedure:
			check.ServeHTTP(w, r)
		case GetRunProcedure:
			getRun.ServeHTTP(w, r)
		case ListRunsProcedure:
			listRuns.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run parses, loads and executes the program in the request's "source"
// field. A runtime abort is reported in the response, not as an RPC error.
func (s *ExecutionService) Run(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source, err := s.source(req.Msg)
	if err != nil {
		return nil, err
	}
	opts, err := s.requestOptions(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	result, err := s.worker.Do(ctx, func() any {
		return s.execute(ctx, source, opts)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	switch r := result.(type) {
	case *Run:
		s.record(ctx, r)
		return connect.NewResponse(runToStruct(r)), nil
	case error:
		return nil, connect.NewError(connect.CodeInvalidArgument, r)
	}
	return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("unexpected worker result %T", result))
}

// execute runs on the worker goroutine. It returns a *Run, or an error
// when the program could not be loaded.
func (s *ExecutionService) execute(ctx context.Context, source string, opts ExecOptions) any {
	prog, _, diags := Diagnose(source, "")
	if hasErrors(diags) {
		d := diags[0]
		return fmt.Errorf("line %d: %s", d.Line, d.Message)
	}

	var out bytes.Buffer
	machine, err := vm.New(prog,
		vm.WithOutput(&out),
		vm.WithHeapCapacity(opts.HeapCapacity),
		vm.WithEntry(opts.Entry),
		vm.WithHeapAccess(opts.HeapAccess),
		vm.WithMaxFrames(opts.MaxFrames),
		vm.WithInstructionLimit(opts.InstructionLimit),
		vm.WithLogger(log),
	)
	if err != nil {
		return err
	}

	runCtx := ctx
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	code, runErr := machine.RunContext(runCtx)
	r := &Run{
		Entry:     opts.Entry,
		ExitCode:  code,
		Output:    splitOutput(out.String()),
		Stats:     machine.Stats(),
		StartedAt: started,
	}
	if runErr != nil {
		r.Error = runErr.Error()
		if kind, ok := vm.KindOf(runErr); ok {
			r.ErrorKind = kind.String()
		}
	}
	s.runs.Add(r)
	log.Infof("run %s: exit %d after %d instructions", r.ID, r.ExitCode, r.Stats.Instructions)
	return r
}

func (s *ExecutionService) record(ctx context.Context, r *Run) {
	if s.journal == nil {
		return
	}
	err := s.journal.Record(ctx, journal.Entry{
		ID:           r.ID,
		StartedAt:    r.StartedAt,
		Duration:     r.Stats.Elapsed,
		Entry:        r.Entry,
		ExitCode:     r.ExitCode,
		Error:        r.Error,
		Output:       r.Output,
		Instructions: r.Stats.Instructions,
		GCCycles:     r.Stats.GCCycles,
		PeakHeap:     r.Stats.PeakHeap,
	})
	if err != nil {
		log.Warningf("%s", err)
	}
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

// Check parses and loads the source without running it.
func (s *ExecutionService) Check(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source, err := s.source(req.Msg)
	if err != nil {
		return nil, err
	}
	entry := s.opts.Entry
	if e, ok := stringField(req.Msg, "entry"); ok && e != "" {
		entry = e
	}

	_, ft, diags := Diagnose(source, entry)

	list := make([]any, len(diags))
	for i, d := range diags {
		list[i] = map[string]any{
			"line":     d.Line,
			"column":   d.Column,
			"severity": d.Severity.String(),
			"message":  d.Message,
		}
	}
	var functions []any
	if ft != nil {
		for _, name := range ft.Names() {
			functions = append(functions, name)
		}
	}

	msg, err := structpb.NewStruct(map[string]any{
		"valid":       !hasErrors(diags),
		"diagnostics": list,
		"functions":   functions,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// ---------------------------------------------------------------------------
// GetRun
// ---------------------------------------------------------------------------

// GetRun returns a stored run by id, falling back to the journal once the
// in-memory copy has expired.
func (s *ExecutionService) GetRun(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, _ := stringField(req.Msg, "run_id")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("run_id is required"))
	}

	if r, ok := s.runs.Lookup(id); ok {
		return connect.NewResponse(runToStruct(r)), nil
	}
	if s.journal != nil {
		e, err := s.journal.Get(ctx, id)
		if err == nil {
			return connect.NewResponse(runToStruct(entryToRun(e))), nil
		}
		if !errors.Is(err, journal.ErrNotFound) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}
	return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("run %q not found", id))
}

// ---------------------------------------------------------------------------
// ListRuns
// ---------------------------------------------------------------------------

// ListRuns returns summaries of the most recent runs, newest first. The
// journal is used when one is configured, otherwise the in-memory store.
func (s *ExecutionService) ListRuns(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	limit := defaultListLimit
	if n, ok := numberField(req.Msg, "limit"); ok {
		if n < 1 || n != math.Trunc(n) {
			return nil, connect.NewError(connect.CodeInvalidArgument,
				fmt.Errorf("limit must be a positive integer, got %v", n))
		}
		limit = int(min(n, maxListLimit))
	}

	var (
		runs  []*Run
		total int
	)
	if s.journal != nil {
		entries, err := s.journal.Recent(ctx, limit)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		if total, err = s.journal.Count(ctx); err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		for i := range entries {
			runs = append(runs, entryToRun(&entries[i]))
		}
	} else {
		runs = s.runs.Recent(limit)
		total = s.runs.Len()
	}

	list := make([]any, len(runs))
	for i, r := range runs {
		summary := map[string]any{
			"run_id":     r.ID,
			"entry":      r.Entry,
			"exit_code":  r.ExitCode,
			"started_at": r.StartedAt.UTC().Format(time.RFC3339Nano),
		}
		if r.Error != "" {
			summary["error"] = r.Error
		}
		list[i] = summary
	}
	msg, err := structpb.NewStruct(map[string]any{
		"runs":  list,
		"total": total,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func entryToRun(e *journal.Entry) *Run {
	return &Run{
		ID:        e.ID,
		Entry:     e.Entry,
		ExitCode:  e.ExitCode,
		Output:    e.Output,
		Error:     e.Error,
		StartedAt: e.StartedAt,
		Stats: vm.Stats{
			Instructions: e.Instructions,
			GCCycles:     e.GCCycles,
			PeakHeap:     e.PeakHeap,
			Elapsed:      e.Duration,
		},
	}
}

// ---------------------------------------------------------------------------
// Message helpers
// ---------------------------------------------------------------------------

func (s *ExecutionService) source(msg *structpb.Struct) (string, error) {
	source, _ := stringField(msg, "source")
	if strings.TrimSpace(source) == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	if s.opts.MaxSourceBytes > 0 && len(source) > s.opts.MaxSourceBytes {
		return "", connect.NewError(connect.CodeResourceExhausted,
			fmt.Errorf("source is %d bytes, limit is %d", len(source), s.opts.MaxSourceBytes))
	}
	return source, nil
}

func (s *ExecutionService) requestOptions(msg *structpb.Struct) (ExecOptions, error) {
	opts := s.opts
	if n, ok := numberField(msg, "heap_capacity"); ok {
		ceiling := s.opts.MaxHeapCapacity
		if ceiling <= 0 {
			ceiling = MaxHeapCapacity
		}
		if n < 1 || n > float64(ceiling) || n != float64(int(n)) {
			return opts, fmt.Errorf("heap_capacity must be an integer in [1, %d], got %v", ceiling, n)
		}
		opts.HeapCapacity = int(n)
	}
	if e, ok := stringField(msg, "entry"); ok && e != "" {
		opts.Entry = e
	}
	if p, ok := stringField(msg, "heap_access"); ok {
		policy, err := vm.ParseHeapAccess(p)
		if err != nil {
			return opts, err
		}
		opts.HeapAccess = policy
	}
	return opts, nil
}

func stringField(msg *structpb.Struct, key string) (string, bool) {
	if msg == nil {
		return "", false
	}
	v, ok := msg.GetFields()[key]
	if !ok {
		return "", false
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}

func numberField(msg *structpb.Struct, key string) (float64, bool) {
	if msg == nil {
		return 0, false
	}
	v, ok := msg.GetFields()[key]
	if !ok {
		return 0, false
	}
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return nv.NumberValue, true
}

func runToStruct(r *Run) *structpb.Struct {
	output := make([]any, len(r.Output))
	for i, line := range r.Output {
		output[i] = line
	}
	fields := map[string]any{
		"run_id":    r.ID,
		"entry":     r.Entry,
		"exit_code": r.ExitCode,
		"output":    output,
		"stats": map[string]any{
			"instructions":    r.Stats.Instructions,
			"calls":           r.Stats.Calls,
			"allocations":     r.Stats.Allocations,
			"gc_cycles":       r.Stats.GCCycles,
			"cells_reclaimed": r.Stats.CellsReclaimed,
			"peak_heap":       r.Stats.PeakHeap,
			"peak_depth":      r.Stats.PeakDepth,
			"elapsed_ms":      float64(r.Stats.Elapsed) / float64(time.Millisecond),
		},
	}
	if r.Error != "" {
		fields["error"] = r.Error
		fields["error_kind"] = r.ErrorKind
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		// Every value above is a supported scalar, list or map.
		panic(fmt.Sprintf("server: encode run: %v", err))
	}
	return msg
}

func splitOutput(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
