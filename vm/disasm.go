package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a listing of every function in the table, in program
// order, showing the lowered operands.
func (t *FunctionTable) Disassemble() string {
	var sb strings.Builder
	for i, fn := range t.All() {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fn.Disassemble())
	}
	return sb.String()
}

// Disassemble returns a human-readable listing of one function.
func (f *Function) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", f.Name))
	if len(f.Params) > 0 {
		sb.WriteString(fmt.Sprintf("; Parameters (%d): ", len(f.Params)))
		for i, p := range f.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.Kind.String() + " " + p.Name)
		}
		sb.WriteString("\n")
	}
	if len(f.ScalarSlots) > 0 {
		sb.WriteString(fmt.Sprintf("; Scalars: %s\n", strings.Join(f.ScalarSlots, " ")))
	}
	if len(f.ArraySlots) > 0 {
		sb.WriteString(fmt.Sprintf("; Arrays: %s\n", strings.Join(f.ArraySlots, " ")))
	}

	for pc := range f.code {
		sb.WriteString(f.disassembleInstruction(pc))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *Function) disassembleInstruction(pc int) string {
	in := f.code[pc]
	line := fmt.Sprintf("%04d  %-16s", pc, in.op)

	switch in.op.Info().Operand {
	case OperandInt:
		line += fmt.Sprintf(" %d", in.arg)
	case OperandVar:
		kind := "a"
		if in.op == OpLoad || in.op == OpStore {
			kind = "s"
		}
		line += fmt.Sprintf(" %-12s ; %s%d", in.name, kind, in.slot)
	case OperandLabel:
		if in.op == OpLabel {
			line += " " + in.name
		} else if in.target < 0 {
			line += fmt.Sprintf(" %-12s ; -> ???", in.name)
		} else {
			line += fmt.Sprintf(" %-12s ; -> %04d", in.name, in.target)
		}
	case OperandFunc:
		if in.callee == nil {
			line += fmt.Sprintf(" %-12s ; undefined", in.name)
		} else {
			line += fmt.Sprintf(" %-12s ; %d args", in.name, len(in.callee.Params))
		}
	}
	return strings.TrimRight(line, " ")
}
