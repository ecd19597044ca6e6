package server

import (
	"errors"
	"fmt"

	"github.com/kolzuk/ana-language/asm"
	"github.com/kolzuk/ana-language/vm"
)

// Severity of a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is a problem found in assembly source. Line and Column are
// 1-based; Column 0 means the whole line.
type Diagnostic struct {
	Line     int
	Column   int
	Severity Severity
	Message  string
}

// Diagnose parses and loads src without running it. Parse and load failures
// are errors; a missing entry function and references to undefined labels or
// functions are warnings, since they only fail if executed.
func Diagnose(src, entry string) (vm.Program, *vm.FunctionTable, []Diagnostic) {
	prog, err := asm.ParseString(src)
	if err != nil {
		var list asm.ErrorList
		if !errors.As(err, &list) {
			return nil, nil, []Diagnostic{{Line: 1, Severity: SeverityError, Message: err.Error()}}
		}
		diags := make([]Diagnostic, len(list))
		for i, e := range list {
			diags[i] = Diagnostic{Line: e.Line, Column: e.Column, Severity: SeverityError, Message: e.Msg}
		}
		return prog, nil, diags
	}

	ft, err := vm.Load(prog, log)
	if err != nil {
		d := Diagnostic{Line: 1, Severity: SeverityError, Message: err.Error()}
		var le *vm.LoadError
		if errors.As(err, &le) {
			d.Message = le.Err.Error()
			if le.Line > 0 {
				d.Line = le.Line
			}
		}
		return prog, nil, []Diagnostic{d}
	}

	var diags []Diagnostic
	if entry != "" {
		if _, ok := ft.Lookup(entry); !ok {
			diags = append(diags, Diagnostic{
				Line:     1,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("no entry function %q", entry),
			})
		}
	}
	for _, fn := range ft.All() {
		for _, in := range fn.Body {
			switch {
			case in.Op == vm.OpCall:
				if _, ok := ft.Lookup(in.Operand(0)); !ok {
					diags = append(diags, Diagnostic{
						Line:     in.Line,
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("call to undefined function %s", in.Operand(0)),
					})
				}
			case in.Op.IsJump():
				if _, ok := fn.Labels[in.Operand(0)]; !ok {
					diags = append(diags, Diagnostic{
						Line:     in.Line,
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("jump to undefined label %s in %s", in.Operand(0), fn.Name),
					})
				}
			}
		}
	}
	return prog, ft, diags
}

// hasErrors reports whether any diagnostic is an error.
func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
