package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors. Runtime failures wrap one of these inside a RuntimeError
// so callers can match with errors.Is.
var (
	ErrNoEntry        = errors.New("entry function not found")
	ErrOutOfMemory    = errors.New("heap exhausted")
	ErrOutOfRange     = errors.New("heap index out of range")
	ErrNegativeSize   = errors.New("negative array size")
	ErrDivideByZero   = errors.New("division by zero")
	ErrStackUnderflow = errors.New("operand stack underflow")
	ErrUndefined      = errors.New("undefined name")
	ErrCallDepth      = errors.New("call stack overflow")
	ErrLimit          = errors.New("instruction limit exceeded")
)

// ErrorKind classifies runtime aborts.
type ErrorKind int

const (
	KindLookup ErrorKind = iota
	KindResourceExhaustion
	KindHeapAccess
	KindDivideByZero
	KindStackUnderflow
	KindInvalidOperation
	KindOutput
	KindLimit
)

var errorKindNames = [...]string{
	KindLookup:             "lookup",
	KindResourceExhaustion: "resource exhaustion",
	KindHeapAccess:         "heap access",
	KindDivideByZero:       "divide by zero",
	KindStackUnderflow:     "stack underflow",
	KindInvalidOperation:   "invalid operation",
	KindOutput:             "output",
	KindLimit:              "limit",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// RuntimeError is returned when execution aborts. It records where the
// failing instruction lives so diagnostics can point at it.
type RuntimeError struct {
	Kind     ErrorKind
	Function string
	PC       int
	Op       Opcode
	Err      error
}

func (e *RuntimeError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in %s at %d (%s): %v", e.Kind, e.Function, e.PC, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// LoadError is returned when a program cannot be turned into a function
// table. Index is the instruction offset within the whole program, or -1.
type LoadError struct {
	Function string
	Index    int
	Line     int
	Err      error
}

func (e *LoadError) Error() string {
	prefix := "load"
	if e.Function != "" {
		prefix += " " + e.Function
	}
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s: line %d: %v", prefix, e.Line, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("%s: instruction %d: %v", prefix, e.Index, e.Err)
	default:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// KindOf reports the runtime error kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}
