package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode operation.
type Opcode byte

// Arithmetic
const (
	OpAdd Opcode = 0x00 // pop rhs, pop lhs, push lhs + rhs
	OpSub Opcode = 0x01 // pop rhs, pop lhs, push lhs - rhs
	OpMul Opcode = 0x02 // pop rhs, pop lhs, push lhs * rhs
	OpDiv Opcode = 0x03 // pop rhs, pop lhs, push lhs / rhs (truncated)
	OpMod Opcode = 0x04 // pop rhs, pop lhs, push lhs % rhs (truncated)
)

// Push and variable access
const (
	OpPush          Opcode = 0x10 // push integer literal
	OpLoad          Opcode = 0x11 // push scalar variable
	OpArrayLoad     Opcode = 0x12 // push array base offset
	OpLoadFromIndex Opcode = 0x13 // pop index, push heap[base+index]
	OpStore         Opcode = 0x14 // pop value into scalar variable
	OpArrayStore    Opcode = 0x15 // pop base offset into array variable
	OpStoreInIndex  Opcode = 0x16 // pop index, pop value, heap[base+index] = value
)

// Heap and output
const (
	OpNewArray Opcode = 0x20 // pop size, push base offset of a fresh block
	OpPrint    Opcode = 0x21 // pop value, write it to the output sink
)

// Functions
const (
	OpFunBegin Opcode = 0x30 // function header: name [kind param]...
	OpFunEnd   Opcode = 0x31 // function trailer
	OpCall     Opcode = 0x32 // call function by name
	OpReturn   Opcode = 0x33 // pop return value, pop frame
)

// Control flow
const (
	OpLabel  Opcode = 0x40 // jump target marker
	OpJump   Opcode = 0x41 // unconditional jump
	OpCmp    Opcode = 0x42 // pop lhs, pop rhs, set compare flags
	OpJumpEQ Opcode = 0x43 // jump if EQ
	OpJumpNE Opcode = 0x44 // jump if NE
	OpJumpLT Opcode = 0x45 // jump if LT
	OpJumpLE Opcode = 0x46 // jump if LE
	OpJumpGT Opcode = 0x47 // jump if GT
	OpJumpGE Opcode = 0x48 // jump if GE
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes how an instruction's textual operands are interpreted.
type OperandKind int

const (
	OperandNone      OperandKind = iota // no operands
	OperandInt                          // one decimal literal
	OperandVar                          // one variable name
	OperandLabel                        // one label name
	OperandFunc                         // one function name
	OperandSignature                    // function name followed by (kind, name) pairs
)

// String returns a short description of the operand kind.
func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandInt:
		return "int"
	case OperandVar:
		return "var"
	case OperandLabel:
		return "label"
	case OperandFunc:
		return "func"
	case OperandSignature:
		return "signature"
	default:
		return fmt.Sprintf("OperandKind(%d)", int(k))
	}
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name      string      // canonical mnemonic
	Operand   OperandKind // operand interpretation
	StackPop  int         // values popped (-1 = variable)
	StackPush int         // values pushed
	Doc       string      // one-line description
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpAdd: {"ADD", OperandNone, 2, 1, "pop rhs, pop lhs, push lhs + rhs"},
	OpSub: {"SUB", OperandNone, 2, 1, "pop rhs, pop lhs, push lhs - rhs"},
	OpMul: {"MUL", OperandNone, 2, 1, "pop rhs, pop lhs, push lhs * rhs"},
	OpDiv: {"DIV", OperandNone, 2, 1, "pop rhs, pop lhs, push lhs / rhs; divide by zero aborts"},
	OpMod: {"MOD", OperandNone, 2, 1, "pop rhs, pop lhs, push lhs % rhs; divide by zero aborts"},

	OpPush:          {"PUSH", OperandInt, 0, 1, "push a 64-bit integer literal"},
	OpLoad:          {"LOAD", OperandVar, 0, 1, "push the value of a scalar variable"},
	OpArrayLoad:     {"ARRAY_LOAD", OperandVar, 0, 1, "push the base offset held by an array variable"},
	OpLoadFromIndex: {"LOAD_FROM_INDEX", OperandVar, 1, 1, "pop index, push heap[base(name) + index]"},
	OpStore:         {"STORE", OperandVar, 1, 0, "pop a value into a scalar variable"},
	OpArrayStore:    {"ARRAY_STORE", OperandVar, 1, 0, "pop a base offset into an array variable"},
	OpStoreInIndex:  {"STORE_IN_INDEX", OperandVar, 2, 0, "pop index, pop value, heap[base(name) + index] = value"},

	OpNewArray: {"NEW_ARRAY", OperandNone, 1, 1, "pop size, allocate a heap block, push its base offset"},
	OpPrint:    {"PRINT", OperandNone, 1, 0, "pop a value and print it"},

	OpFunBegin: {"FUN_BEGIN", OperandSignature, 0, 0, "begin a function: name [kind param]..."},
	OpFunEnd:   {"FUN_END", OperandNone, 0, 0, "end the current function"},
	OpCall:     {"CALL", OperandFunc, -1, 1, "pop one argument per parameter and call a function"},
	OpReturn:   {"RETURN", OperandNone, 1, 0, "pop the return value and leave the current frame"},

	OpLabel:  {"LABEL", OperandLabel, 0, 0, "mark a jump target"},
	OpJump:   {"JUMP", OperandLabel, 0, 0, "jump to a label"},
	OpCmp:    {"CMP", OperandNone, 2, 0, "pop lhs, pop rhs, set the compare flags"},
	OpJumpEQ: {"JUMP_EQ", OperandLabel, 0, 0, "jump if the last CMP found lhs == rhs"},
	OpJumpNE: {"JUMP_NE", OperandLabel, 0, 0, "jump if the last CMP found lhs != rhs"},
	OpJumpLT: {"JUMP_LT", OperandLabel, 0, 0, "jump if the last CMP found lhs < rhs"},
	OpJumpLE: {"JUMP_LE", OperandLabel, 0, 0, "jump if the last CMP found lhs <= rhs"},
	OpJumpGT: {"JUMP_GT", OperandLabel, 0, 0, "jump if the last CMP found lhs > rhs"},
	OpJumpGE: {"JUMP_GE", OperandLabel, 0, 0, "jump if the last CMP found lhs >= rhs"},
}

// mnemonicTable maps accepted mnemonics to opcodes. Older generators spell
// some operations differently; those spellings are accepted as aliases.
var mnemonicTable = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable)+3)
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	m["INTEGER_LOAD"] = OpLoad
	m["INTEGER_STORE"] = OpStore
	m["FUN_CALL"] = OpCall
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the canonical mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsJump reports whether op transfers control to a label.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpGE && op != OpCmp
}

// IsConditionalJump reports whether op reads the compare flags.
func (op Opcode) IsConditionalJump() bool {
	return op >= OpJumpEQ && op <= OpJumpGE
}

// LookupOpcode resolves a mnemonic (case-insensitive) to its opcode.
func LookupOpcode(mnemonic string) (Opcode, bool) {
	op, ok := mnemonicTable[strings.ToUpper(mnemonic)]
	return op, ok
}

// Opcodes returns every defined opcode in numeric order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for i := 0; i < 256; i++ {
		if _, ok := opcodeTable[Opcode(i)]; ok {
			ops = append(ops, Opcode(i))
		}
	}
	return ops
}
