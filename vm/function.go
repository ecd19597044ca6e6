package vm

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Function descriptors
// ---------------------------------------------------------------------------

// Function is the load-time descriptor of one declared function. It is
// immutable once the table has been built.
type Function struct {
	Name   string
	Params []Param
	Labels map[string]int // label name -> offset in Body
	Body   []Instruction  // instructions between FUN_BEGIN and FUN_END

	// Start is the index of the FUN_BEGIN instruction in the source program.
	Start int

	// Slot names, indexed by slot number.
	ScalarSlots []string
	ArraySlots  []string

	code []instr
}

// instr is the lowered form of a body instruction. Only the fields the
// opcode needs are populated.
type instr struct {
	op     Opcode
	arg    int64     // PUSH literal
	slot   int       // variable slot
	target int       // jump offset, -1 when the label is unknown
	callee *Function // CALL target, nil when unknown
	name   string    // original operand, kept for diagnostics
}

// ScalarSlot returns the slot index for a scalar variable name.
func (f *Function) ScalarSlot(name string) (int, bool) {
	for i, n := range f.ScalarSlots {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// ArraySlot returns the slot index for an array variable name.
func (f *Function) ArraySlot(name string) (int, bool) {
	for i, n := range f.ArraySlots {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Len returns the number of body instructions.
func (f *Function) Len() int { return len(f.Body) }

// Signature renders the FUN_BEGIN operands.
func (f *Function) Signature() string {
	s := f.Name
	for _, p := range f.Params {
		s += " " + p.Kind.String() + " " + p.Name
	}
	return s
}

// ---------------------------------------------------------------------------
// FunctionTable
// ---------------------------------------------------------------------------

// FunctionTable maps function names to descriptors.
type FunctionTable struct {
	funcs map[string]*Function
}

// Lookup returns the named function.
func (t *FunctionTable) Lookup(name string) (*Function, bool) {
	f, ok := t.funcs[name]
	return f, ok
}

// Len returns the number of functions.
func (t *FunctionTable) Len() int { return len(t.funcs) }

// Names returns the function names sorted by their position in the program.
func (t *FunctionTable) Names() []string {
	fns := t.All()
	names := make([]string, len(fns))
	for i, f := range fns {
		names[i] = f.Name
	}
	return names
}

// All returns every function ordered by position in the program.
func (t *FunctionTable) All() []*Function {
	fns := make([]*Function, 0, len(t.funcs))
	for _, f := range t.funcs {
		fns = append(fns, f)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Start < fns[j].Start })
	return fns
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load partitions a program into functions and lowers every body into its
// typed form: literals parsed, variables assigned slots, labels and callees
// resolved. Unknown labels and callees are left unresolved and only fail
// when the instruction executes.
func Load(prog Program, logger commonlog.Logger) (*FunctionTable, error) {
	if logger == nil {
		logger = commonlog.GetLogger("ana.vm")
	}
	t := &FunctionTable{funcs: make(map[string]*Function)}

	var cur *Function
	for idx, in := range prog {
		if !in.Op.Valid() {
			return nil, loadErr(cur, idx, in, fmt.Errorf("unknown opcode 0x%02x", byte(in.Op)))
		}
		switch in.Op {
		case OpFunBegin:
			if cur != nil {
				return nil, loadErr(cur, idx, in, fmt.Errorf("FUN_BEGIN inside function %s", cur.Name))
			}
			fn, err := parseSignature(in.Operands)
			if err != nil {
				return nil, loadErr(nil, idx, in, err)
			}
			fn.Start = idx
			cur = fn
		case OpFunEnd:
			if cur == nil {
				logger.Warningf("instruction %d: FUN_END outside a function ignored", idx)
				continue
			}
			if prev, dup := t.funcs[cur.Name]; dup {
				logger.Warningf("function %s redefined (previous definition at instruction %d)", cur.Name, prev.Start)
			}
			t.funcs[cur.Name] = cur
			cur = nil
		default:
			if cur == nil {
				logger.Warningf("instruction %d: %s outside a function ignored", idx, in)
				continue
			}
			if in.Op == OpLabel {
				if len(in.Operands) < 1 {
					return nil, loadErr(cur, idx, in, fmt.Errorf("LABEL requires a name"))
				}
				if _, dup := cur.Labels[in.Operands[0]]; dup {
					logger.Warningf("function %s: label %s redefined", cur.Name, in.Operands[0])
				}
				cur.Labels[in.Operands[0]] = len(cur.Body)
			}
			cur.Body = append(cur.Body, in)
		}
	}
	if cur != nil {
		logger.Warningf("function %s has no FUN_END; closing at end of program", cur.Name)
		t.funcs[cur.Name] = cur
	}

	for _, fn := range t.funcs {
		if err := t.lower(fn); err != nil {
			return nil, err
		}
	}
	logger.Debugf("loaded %d functions from %d instructions", len(t.funcs), len(prog))
	return t, nil
}

func parseSignature(operands []string) (*Function, error) {
	if len(operands) < 1 {
		return nil, fmt.Errorf("FUN_BEGIN requires a function name")
	}
	if (len(operands)-1)%2 != 0 {
		return nil, fmt.Errorf("FUN_BEGIN %s: parameters must be kind/name pairs", operands[0])
	}
	fn := &Function{Name: operands[0], Labels: make(map[string]int)}
	for i := 1; i < len(operands); i += 2 {
		kind, err := ParseParamKind(operands[i])
		if err != nil {
			return nil, fmt.Errorf("FUN_BEGIN %s: %w", fn.Name, err)
		}
		p := Param{Name: operands[i+1], Kind: kind}
		fn.Params = append(fn.Params, p)
		if kind == Scalar {
			fn.ScalarSlots = append(fn.ScalarSlots, p.Name)
		} else {
			fn.ArraySlots = append(fn.ArraySlots, p.Name)
		}
	}
	return fn, nil
}

func (t *FunctionTable) lower(fn *Function) error {
	fn.code = make([]instr, len(fn.Body))
	for pc, in := range fn.Body {
		li := instr{op: in.Op, slot: -1, target: -1}
		info := in.Op.Info()
		if info.Operand != OperandNone && len(in.Operands) < 1 {
			return loadErr(fn, fn.Start+1+pc, in, fmt.Errorf("%s requires an operand", info.Name))
		}
		switch info.Operand {
		case OperandInt:
			v, err := strconv.ParseInt(in.Operands[0], 10, 64)
			if err != nil {
				return loadErr(fn, fn.Start+1+pc, in, fmt.Errorf("invalid integer literal %q", in.Operands[0]))
			}
			li.arg = v
		case OperandVar:
			li.name = in.Operands[0]
			switch in.Op {
			case OpLoad, OpStore:
				li.slot = fn.scalarSlot(li.name)
			default:
				li.slot = fn.arraySlot(li.name)
			}
		case OperandLabel:
			li.name = in.Operands[0]
			if off, ok := fn.Labels[li.name]; ok {
				li.target = off
			}
		case OperandFunc:
			li.name = in.Operands[0]
			li.callee = t.funcs[li.name]
		}
		fn.code[pc] = li
	}
	return nil
}

func (f *Function) scalarSlot(name string) int {
	if i, ok := f.ScalarSlot(name); ok {
		return i
	}
	f.ScalarSlots = append(f.ScalarSlots, name)
	return len(f.ScalarSlots) - 1
}

func (f *Function) arraySlot(name string) int {
	if i, ok := f.ArraySlot(name); ok {
		return i
	}
	f.ArraySlots = append(f.ArraySlots, name)
	return len(f.ArraySlots) - 1
}

func loadErr(fn *Function, idx int, in Instruction, err error) *LoadError {
	name := ""
	if fn != nil {
		name = fn.Name
	}
	return &LoadError{Function: name, Index: idx, Line: in.Line, Err: err}
}
