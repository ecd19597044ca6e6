// Package asm reads and writes the textual form of bytecode programs.
//
// One instruction per line: a mnemonic followed by whitespace-separated
// operands. A ';' or '#' starts a comment. Mnemonics are case-insensitive.
//
//	FUN_BEGIN add integer a integer b
//	    LOAD a
//	    LOAD b
//	    ADD
//	    RETURN
//	FUN_END
package asm

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kolzuk/ana-language/vm"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a parse error at a source position. Columns are 1-based.
type Error struct {
	Line   int
	Column int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// ErrorList collects every parse error in a source.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

// Err returns nil for an empty list.
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	sort.SliceStable(l, func(i, j int) bool { return l[i].Line < l[j].Line })
	return l
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Parse reads a program from r. It reports every malformed line, returning
// the instructions that did parse alongside an ErrorList.
func Parse(r io.Reader) (vm.Program, error) {
	var (
		prog vm.Program
		errs ErrorList
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		in, ok, err := parseLine(sc.Text(), lineNo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			prog = append(prog, in)
		}
	}
	if err := sc.Err(); err != nil {
		return prog, fmt.Errorf("asm: read: %w", err)
	}
	return prog, errs.Err()
}

// ParseString parses program text held in memory.
func ParseString(src string) (vm.Program, error) {
	return Parse(strings.NewReader(src))
}

// Field is a whitespace-separated token with its 1-based column.
type Field struct {
	Text   string
	Column int
}

// Fields splits a source line into tokens, dropping any comment.
func Fields(line string) []Field {
	if i := strings.IndexAny(line, ";#"); i >= 0 {
		line = line[:i]
	}
	var out []Field
	start := -1
	for i, r := range line {
		space := r == ' ' || r == '\t' || r == '\r'
		switch {
		case !space && start < 0:
			start = i
		case space && start >= 0:
			out = append(out, Field{Text: line[start:i], Column: start + 1})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Field{Text: line[start:], Column: start + 1})
	}
	return out
}

func parseLine(line string, lineNo int) (vm.Instruction, bool, *Error) {
	fields := Fields(line)
	if len(fields) == 0 {
		return vm.Instruction{}, false, nil
	}
	mn := fields[0]
	op, ok := vm.LookupOpcode(mn.Text)
	if !ok {
		return vm.Instruction{}, false, &Error{lineNo, mn.Column, fmt.Sprintf("unknown mnemonic %q", mn.Text)}
	}
	operands := make([]string, len(fields)-1)
	for i, f := range fields[1:] {
		operands[i] = f.Text
	}
	in := vm.Instruction{Op: op, Operands: operands, Line: lineNo}
	if err := checkOperands(op, fields[1:]); err != nil {
		err.Line = lineNo
		if err.Column == 0 {
			err.Column = mn.Column
		}
		return in, false, err
	}
	return in, true, nil
}

func checkOperands(op vm.Opcode, fields []Field) *Error {
	info := op.Info()
	switch info.Operand {
	case vm.OperandNone:
		if len(fields) != 0 {
			return &Error{Column: fields[0].Column, Msg: fmt.Sprintf("%s takes no operands", info.Name)}
		}
	case vm.OperandInt, vm.OperandVar, vm.OperandLabel, vm.OperandFunc:
		if len(fields) != 1 {
			return &Error{Msg: fmt.Sprintf("%s takes exactly one %s operand, got %d", info.Name, info.Operand, len(fields))}
		}
		if info.Operand == vm.OperandInt {
			if _, err := strconv.ParseInt(fields[0].Text, 10, 64); err != nil {
				return &Error{Column: fields[0].Column, Msg: fmt.Sprintf("invalid integer literal %q", fields[0].Text)}
			}
		}
	case vm.OperandSignature:
		if len(fields) == 0 {
			return &Error{Msg: "FUN_BEGIN requires a function name"}
		}
		params := fields[1:]
		if len(params)%2 != 0 {
			return &Error{Column: params[len(params)-1].Column, Msg: "parameters must be kind/name pairs"}
		}
		for i := 0; i < len(params); i += 2 {
			if _, err := vm.ParseParamKind(params[i].Text); err != nil {
				return &Error{Column: params[i].Column, Msg: err.Error()}
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// Format writes prog in canonical form: canonical mnemonics, bodies
// indented four spaces, labels two.
func Format(w io.Writer, prog vm.Program) error {
	bw := bufio.NewWriter(w)
	depth := 0
	for _, in := range prog {
		indent := ""
		switch in.Op {
		case vm.OpFunBegin:
			if depth > 0 {
				indent = "    "
			}
			depth++
		case vm.OpFunEnd:
			if depth > 0 {
				depth--
			}
		case vm.OpLabel:
			if depth > 0 {
				indent = "  "
			}
		default:
			if depth > 0 {
				indent = "    "
			}
		}
		if _, err := fmt.Fprintf(bw, "%s%s\n", indent, in); err != nil {
			return err
		}
		if in.Op == vm.OpFunEnd && depth == 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// FormatString returns the canonical text of prog.
func FormatString(prog vm.Program) string {
	var sb strings.Builder
	_ = Format(&sb, prog)
	return sb.String()
}
