package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction and Program: the untyped input format
// ---------------------------------------------------------------------------

// Instruction is one (operation, operands) record of a Bytecode Program.
// Operands are interpreted by the opcode: variable names, decimal literals,
// label names, or a function signature.
type Instruction struct {
	Op       Opcode
	Operands []string

	// Line is the 1-based source line the instruction was read from, or 0
	// when the program was built in memory.
	Line int
}

// String renders the instruction in assembly form.
func (in Instruction) String() string {
	if len(in.Operands) == 0 {
		return in.Op.Name()
	}
	return in.Op.Name() + " " + strings.Join(in.Operands, " ")
}

// Operand returns the i-th operand or "" when absent.
func (in Instruction) Operand(i int) string {
	if i < 0 || i >= len(in.Operands) {
		return ""
	}
	return in.Operands[i]
}

// Program is an ordered sequence of instructions, partitioned into functions
// by FUN_BEGIN / FUN_END markers.
type Program []Instruction

// ---------------------------------------------------------------------------
// Parameter kinds
// ---------------------------------------------------------------------------

// ParamKind distinguishes scalar parameters from array handles.
type ParamKind uint8

const (
	Scalar      ParamKind = iota // bound into the frame's scalar variables
	ArrayHandle                  // bound into the frame's array variables
)

// String returns the keyword used in FUN_BEGIN signatures.
func (k ParamKind) String() string {
	switch k {
	case Scalar:
		return "integer"
	case ArrayHandle:
		return "array"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// ParseParamKind parses a FUN_BEGIN kind keyword.
func ParseParamKind(s string) (ParamKind, error) {
	switch s {
	case "integer":
		return Scalar, nil
	case "array":
		return ArrayHandle, nil
	}
	return 0, fmt.Errorf("unknown parameter kind %q (want integer or array)", s)
}

// Param is a formal parameter of a function.
type Param struct {
	Name string
	Kind ParamKind
}

// ---------------------------------------------------------------------------
// Builder: helper for constructing programs in code
// ---------------------------------------------------------------------------

// Builder appends instructions to a Program.
type Builder struct {
	code Program
}

// NewBuilder creates an empty program builder.
func NewBuilder() *Builder {
	return &Builder{code: make(Program, 0, 64)}
}

// Build returns the constructed program.
func (b *Builder) Build() Program {
	out := make(Program, len(b.code))
	copy(out, b.code)
	return out
}

// Len returns the number of instructions emitted so far.
func (b *Builder) Len() int {
	return len(b.code)
}

// Last returns the most recently emitted instruction.
func (b *Builder) Last() (Instruction, bool) {
	if len(b.code) == 0 {
		return Instruction{}, false
	}
	return b.code[len(b.code)-1], true
}

// Emit appends an instruction with raw operands.
func (b *Builder) Emit(op Opcode, operands ...string) *Builder {
	b.code = append(b.code, Instruction{Op: op, Operands: operands})
	return b
}

func (b *Builder) Add() *Builder      { return b.Emit(OpAdd) }
func (b *Builder) Sub() *Builder      { return b.Emit(OpSub) }
func (b *Builder) Mul() *Builder      { return b.Emit(OpMul) }
func (b *Builder) Div() *Builder      { return b.Emit(OpDiv) }
func (b *Builder) Mod() *Builder      { return b.Emit(OpMod) }
func (b *Builder) NewArray() *Builder { return b.Emit(OpNewArray) }
func (b *Builder) Print() *Builder    { return b.Emit(OpPrint) }
func (b *Builder) Cmp() *Builder      { return b.Emit(OpCmp) }
func (b *Builder) Return() *Builder   { return b.Emit(OpReturn) }
func (b *Builder) FunEnd() *Builder   { return b.Emit(OpFunEnd) }

// Push appends PUSH with an integer literal.
func (b *Builder) Push(v int64) *Builder {
	return b.Emit(OpPush, strconv.FormatInt(v, 10))
}

func (b *Builder) Load(name string) *Builder          { return b.Emit(OpLoad, name) }
func (b *Builder) ArrayLoad(name string) *Builder     { return b.Emit(OpArrayLoad, name) }
func (b *Builder) LoadFromIndex(name string) *Builder { return b.Emit(OpLoadFromIndex, name) }
func (b *Builder) Store(name string) *Builder         { return b.Emit(OpStore, name) }
func (b *Builder) ArrayStore(name string) *Builder    { return b.Emit(OpArrayStore, name) }
func (b *Builder) StoreInIndex(name string) *Builder  { return b.Emit(OpStoreInIndex, name) }
func (b *Builder) Call(name string) *Builder          { return b.Emit(OpCall, name) }
func (b *Builder) Label(name string) *Builder         { return b.Emit(OpLabel, name) }
func (b *Builder) Jump(label string) *Builder         { return b.Emit(OpJump, label) }
func (b *Builder) JumpEQ(label string) *Builder       { return b.Emit(OpJumpEQ, label) }
func (b *Builder) JumpNE(label string) *Builder       { return b.Emit(OpJumpNE, label) }
func (b *Builder) JumpLT(label string) *Builder       { return b.Emit(OpJumpLT, label) }
func (b *Builder) JumpLE(label string) *Builder       { return b.Emit(OpJumpLE, label) }
func (b *Builder) JumpGT(label string) *Builder       { return b.Emit(OpJumpGT, label) }
func (b *Builder) JumpGE(label string) *Builder       { return b.Emit(OpJumpGE, label) }

// FunBegin appends a function header with its formal parameters.
func (b *Builder) FunBegin(name string, params ...Param) *Builder {
	operands := make([]string, 0, 1+2*len(params))
	operands = append(operands, name)
	for _, p := range params {
		operands = append(operands, p.Kind.String(), p.Name)
	}
	return b.Emit(OpFunBegin, operands...)
}

// Int is shorthand for a scalar parameter.
func Int(name string) Param { return Param{Name: name, Kind: Scalar} }

// Array is shorthand for an array-handle parameter.
func Array(name string) Param { return Param{Name: name, Kind: ArrayHandle} }
